package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lherron/graphport/internal/blob"
	"github.com/lherron/graphport/internal/cli/appctx"
	"github.com/lherron/graphport/internal/merger"
)

var mergeCmd = &cobra.Command{
	Use:   "merge --out <dir> <relation>=<ref>...",
	Short: "Merge per-relation bundle archives into one bundle",
	Long: `Merge downloads each relation archive from the blob directory, checks
every entry for path traversal, and copies it into the output bundle in the
order given. A bundle that cannot be downloaded or unpacked is reported and
skipped; the others are still merged.

Files present in more than one archive are resolved by --policy:
  overwrite   later archives win; a diff excerpt is reported (default)
  keep_first  the first copy is kept
  fail        the colliding archive is rejected`,
	Args: cobra.MinimumNArgs(1),
	RunE: appctx.WithApp(appctx.Options{}, runMerge),
}

var (
	mergeOut    string
	mergePolicy string
)

func init() {
	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().StringVar(&mergeOut, "out", "", "Output bundle directory")
	mergeCmd.Flags().StringVar(&mergePolicy, "policy", "", "Collision policy (overrides GRAPHPORT_COLLISION_POLICY)")
	_ = mergeCmd.MarkFlagRequired("out")
}

func parseSources(args []string) ([]merger.Source, error) {
	sources := make([]merger.Source, 0, len(args))
	for _, arg := range args {
		relation, ref, ok := strings.Cut(arg, "=")
		if !ok || relation == "" || ref == "" {
			return nil, fmt.Errorf("invalid source %q: want <relation>=<ref>", arg)
		}
		sources = append(sources, merger.Source{Relation: relation, Ref: ref})
	}
	return sources, nil
}

func runMerge(app *appctx.App, cmd *cobra.Command, args []string) error {
	sources, err := parseSources(args)
	if err != nil {
		return exitError(2, err)
	}
	policy := app.Config.CollisionPolicy
	if mergePolicy != "" {
		policy = mergePolicy
	}
	switch policy {
	case merger.Overwrite, merger.KeepFirst, merger.Fail:
	default:
		return exitError(2, fmt.Errorf("invalid policy %q", policy))
	}

	fs := afero.NewOsFs()
	m := merger.New(fs, blob.NewLocal(fs, app.Config.BlobDir), nil, merger.Options{
		Logger:          app.Logger,
		Retry:           app.RetryPolicy(),
		OutputDir:       mergeOut,
		CollisionPolicy: policy,
	})
	res := m.MergeBundles(cmd.Context(), sources)

	out := cmd.OutOrStdout()
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	return finish(out, len(res.Merged), res.Errors)
}
