package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mailer "github.com/lattiq/mailgate"
	"github.com/lattiq/mailgate/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Long: `Serve the webhook ingress (POST /webhooks/{provider}), the send API
(POST /v1/messages, GET /v1/messages/{key}) and GET /healthz until
interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	client, err := mailer.New(cfg, mailer.WithLogger(log))
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info := mailer.GetVersionInfo()
	log.Info().
		Strs("providers", providerNames(client.Providers())).
		Str("version", info.Version).
		Str("commit", info.GitCommit).
		Bool("dev_build", info.IsDevBuild()).
		Msg("starting mailgate")

	return server.New(client, cfg.HTTPServer(), log).ListenAndServe(ctx)
}

func providerNames(ps []mailer.ProviderType) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

// commandContext returns cmd's context, or a background one when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
