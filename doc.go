// Package mailer is a multi-provider transactional email gateway.
//
// A Client accepts an outbound message once per idempotency key, dispatches
// it through one of several provider APIs (Amazon SES, SendGrid, Mailgun,
// Postmark), retries transient failures with exponential backoff inside
// per-provider rate limits, and ingests the providers' delivery-status
// webhooks, applying each event exactly once.
//
// # Basic Usage
//
//	config := mailer.DefaultConfig()
//	config.Providers = []mailer.ProviderConfig{
//		mailer.DefaultProviderConfig(mailer.ProviderPostmark, nil),
//		mailer.DefaultProviderConfig(mailer.ProviderSES, mailer.ProviderSettings{
//			"region": "eu-west-1",
//		}),
//	}
//
//	client, err := mailer.New(config)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	res, err := client.Send(ctx, &mailer.Email{
//		From:     mailer.Address{Email: "noreply@example.com"},
//		To:       []mailer.Address{{Email: "user@example.com"}},
//		Subject:  "Your receipt",
//		TextBody: "Thanks for your order.",
//	}, "order-42-receipt")
//
// Credentials are read from a SecretStore (environment, OS keyring or
// both) under names such as "postmark_api_key" and "postmark_webhook_key".
//
// # Failures
//
// Send returns a *SendError whose Code is stable across providers.
// Permanent codes need a change before the message can go out; the others
// mean the gateway gave up waiting. Messages that could not be delivered
// are published to the dead-letter sink.
//
// # Webhooks
//
// HandleWebhook authenticates the raw body with the provider's signature
// scheme before decoding it. Redelivered events are acknowledged without
// being applied again.
package mailer
