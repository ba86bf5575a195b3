package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "tether",
	Short:         "Per-user conversational memory service",
	Long:          "Tether stores conversation snippets per user and recalls the most relevant ones by meaning, recency and importance.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.tether/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(importCmd)
}
