package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "graphport",
	Short: "Export and import project relation graphs as NDJSON bundles",
	Long: `graphport moves a project's relation graph (issues, merge requests,
pipelines, labels and the rest) between instances. Exports are written as
bundles of newline-delimited JSON; imports restore them into an existing
destination project, record by record.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to database file (overrides GRAPHPORT_DB_PATH)")
	rootCmd.PersistentFlags().String("as", "", "User to perform action as (username or id)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides GRAPHPORT_LOG_LEVEL)")
}

// ExecuteContext runs the root command with ctx, so commands stop when it is
// cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
