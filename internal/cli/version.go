package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/graphport/internal/bundle"
	"github.com/lherron/graphport/internal/schema"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Displays version, commit, build date and the bundle formats this build reads and writes.`,
	RunE:  runVersion,
}

var versionJSON bool

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

func runVersion(cmd *cobra.Command, args []string) error {
	if versionJSON {
		return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
			"binary":                "graphport",
			"version":               Version,
			"commit":                GitCommit,
			"build_date":            BuildDate,
			"bundle_format_version": bundle.FormatVersion,
			"schema_version":        schema.Version,
			"supported_commands": []string{
				"export", "import", "merge", "migrate", "version", "completion",
			},
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "graphport version %s\n", Version)
	fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", GitCommit)
	fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", BuildDate)
	fmt.Fprintf(cmd.OutOrStdout(), "  bundle format: v%d, schema: v%d\n", bundle.FormatVersion, schema.Version)

	return nil
}
