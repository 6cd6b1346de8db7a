package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	mailer "github.com/lattiq/mailgate"
)

var (
	sendFrom     string
	sendTo       []string
	sendCC       []string
	sendSubject  string
	sendText     string
	sendHTML     string
	sendKey      string
	sendAttach   []string
	sendProvider string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message",
	Long: `Send a message through the configured providers. Repeating the
command with the same --key returns the earlier result instead of sending
twice.`,
	Example: `  mailgate send --from shop@example.com --to a@example.com \
    --subject "Your receipt" --text "Thanks for your order." --key order-42`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "Sender address")
	sendCmd.Flags().StringSliceVar(&sendTo, "to", nil, "Recipient address (repeatable)")
	sendCmd.Flags().StringSliceVar(&sendCC, "cc", nil, "CC address (repeatable)")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "Subject line")
	sendCmd.Flags().StringVar(&sendText, "text", "", "Plain text body")
	sendCmd.Flags().StringVar(&sendHTML, "html", "", "HTML body")
	sendCmd.Flags().StringVar(&sendKey, "key", "", "Idempotency key (default: random)")
	sendCmd.Flags().StringSliceVar(&sendAttach, "attach", nil, "File to attach (repeatable)")
	sendCmd.Flags().StringVar(&sendProvider, "provider", "", "Send only through this provider")

	_ = sendCmd.MarkFlagRequired("from")
	_ = sendCmd.MarkFlagRequired("to")
	_ = sendCmd.MarkFlagRequired("subject")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	opts := []mailer.Option{mailer.WithLogger(log)}
	if sendProvider != "" {
		opts = append(opts, mailer.WithSelector(mailer.PrimaryOnly{Provider: mailer.ProviderType(sendProvider)}))
	}

	client, err := mailer.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	email := &mailer.Email{
		From:     mailer.Address{Email: sendFrom},
		To:       addresses(sendTo),
		CC:       addresses(sendCC),
		Subject:  sendSubject,
		TextBody: sendText,
		HTMLBody: sendHTML,
	}
	for _, path := range sendAttach {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading attachment: %w", err)
		}
		email.Attachments = append(email.Attachments, mailer.Attachment{
			Filename: filepath.Base(path),
			Content:  content,
		})
	}

	key := sendKey
	if key == "" {
		key = uuid.NewString()
	}

	res, err := client.Send(commandContext(cmd), email, key)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		IdempotencyKey string `json:"idempotency_key"`
		*mailer.SendResult
	}{key, res})
}

func addresses(in []string) []mailer.Address {
	out := make([]mailer.Address, 0, len(in))
	for _, a := range in {
		out = append(out, mailer.Address{Email: a})
	}
	return out
}
