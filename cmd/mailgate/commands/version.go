package commands

import (
	"github.com/spf13/cobra"

	mailer "github.com/lattiq/mailgate"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display the version, commit hash and build metadata for mailgate.`,
	Run: func(cmd *cobra.Command, args []string) {
		mailer.PrintVersion(cmd.OutOrStdout())
	},
}
