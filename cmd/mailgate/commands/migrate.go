package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lattiq/mailgate/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long:  `Open the dispatch database, apply any pending schema migrations and print the schema version.`,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path, store.WithLogger(log))
	if err != nil {
		return err
	}
	defer st.Close()

	version, dirty, err := st.SchemaVersion()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d", cfg.Store.Path, version)
	if dirty {
		fmt.Fprint(cmd.OutOrStdout(), " (dirty)")
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}
