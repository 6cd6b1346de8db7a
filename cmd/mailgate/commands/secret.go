package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lattiq/mailgate/internal/secrets"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage provider credentials in the keyring",
	Long: `Store and read provider credentials in the OS keyring. Names follow
<provider>_api_key and <provider>_webhook_key, plus ses_access_key and
ses_secret_key.`,
}

var secretSetCmd = &cobra.Command{
	Use:   "set <name> [value]",
	Short: "Store a secret (reads stdin when value is omitted)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSecretSet,
}

var secretGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Print a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretGet,
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretDelete,
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretDeleteCmd)
}

func openKeyring() (*secrets.KeyringStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return secrets.OpenKeyring(cfg.Secrets.Keyring)
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	value := ""
	if len(args) == 2 {
		value = args[1]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading secret from stdin: %w", err)
		}
		value = strings.TrimRight(line, "\r\n")
	}
	if value == "" {
		return fmt.Errorf("empty value for %s", args[0])
	}

	if err := ring.SetSecret(commandContext(cmd), args[0], value); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "stored %s\n", args[0])
	return nil
}

func runSecretGet(cmd *cobra.Command, args []string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	value, err := ring.GetSecret(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	return ring.DeleteSecret(commandContext(cmd), args[0])
}
