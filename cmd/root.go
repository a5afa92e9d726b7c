package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lotbot",
	Short: "Chat bot that files lot photos by lot number and date",
	Long: "LotBot collects photos sent in chat, groups them into batches and stores them " +
		"under a lot number and date. Config is read from config.json or LOTBOT_CONFIG.",
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
