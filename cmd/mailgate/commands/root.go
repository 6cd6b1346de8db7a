package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	mailer "github.com/lattiq/mailgate"
	"github.com/lattiq/mailgate/internal/logging"
)

var (
	// configPath is the YAML configuration file.
	configPath string

	// envFile is loaded into the environment before the config is read.
	envFile string

	// logLevel overrides monitoring.logging.level when set.
	logLevel string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "mailgate",
	Short: "Multi-provider transactional email gateway",
	Long: `mailgate sends transactional email through SES, SendGrid, Mailgun and
Postmark with idempotent dispatch, retries and failover, and ingests the
providers' delivery webhooks.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&configPath, "config", "c", "mailgate.yaml",
		"Path to the YAML configuration file",
	)
	rootCmd.PersistentFlags().StringVar(
		&envFile, "env-file", ".env",
		"Dotenv file loaded before reading configuration",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"Log level (debug, info, warn, error)",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the dotenv file, then the YAML config with MAILGATE_
// environment overrides.
func loadConfig() (mailer.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return mailer.Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	cfg, err := mailer.LoadConfig(configPath)
	if err != nil {
		return mailer.Config{}, err
	}
	if logLevel != "" {
		cfg.Monitoring.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg mailer.Config) (zerolog.Logger, error) {
	return logging.New(cfg.Monitoring.Logging.Format, cfg.Monitoring.Logging.Level, os.Stderr)
}

// setup loads configuration and builds the logger.
func setup() (mailer.Config, zerolog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return mailer.Config{}, zerolog.Nop(), err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return mailer.Config{}, zerolog.Nop(), fmt.Errorf("invalid log level: %w", err)
	}
	return cfg, log, nil
}
