package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lherron/graphport/internal/bundle"
	"github.com/lherron/graphport/internal/cli/appctx"
	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/importer"
	"github.com/lherron/graphport/internal/paths"
	"github.com/lherron/graphport/internal/render"
)

var importCmd = &cobra.Command{
	Use:   "import <bundle> <project-id>",
	Short: "Import a bundle into an existing project",
	Long: `Import restores a bundle directory (or a packed .tar.gz bundle) into the
destination project. Records that fail validation or reference something
that was not restored are skipped and recorded in the import_failures table
under the run's correlation id; the rest of the bundle is still imported.

Exit codes: 0 when every record was restored, 5 when some records failed,
1 when the import stopped.`,
	Args: cobra.ExactArgs(2),
	RunE: appctx.WithApp(appctx.WithActor(), runImport),
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().Int("batch-size", 0, "Records per transaction (overrides GRAPHPORT_BATCH_SIZE)")
	importCmd.Flags().StringP("output", "o", "table", "Output format: table, json, yaml")
}

func runImport(app *appctx.App, cmd *cobra.Command, args []string) error {
	projectID, err := parseID(args[1], "project id")
	if err != nil {
		return err
	}
	r, err := renderer(cmd)
	if err != nil {
		return err
	}
	batchSize := app.Config.BatchSize
	if n, _ := cmd.Flags().GetInt("batch-size"); n > 0 {
		batchSize = n
	}

	fs := afero.NewOsFs()
	dir, cleanup, err := bundleDir(fs, args[0], app.Config.ScratchDir)
	if err != nil {
		return exitError(1, err)
	}
	defer cleanup()

	im := importer.New(app.Store, fs, importer.Options{
		Logger:    app.Logger,
		BatchSize: batchSize,
		Retry:     app.RetryPolicy(),
	})
	res := im.Import(cmd.Context(), dir, projectID, app.Actor)

	restored := 0
	relations := make([]string, 0, len(res.Restored))
	for rel, n := range res.Restored {
		restored += n
		relations = append(relations, rel)
	}
	sort.Strings(relations)

	table := render.Table{Headers: []string{"RELATION", "RESTORED"}}
	for _, rel := range relations {
		table.Rows = append(table.Rows, []string{rel, strconv.Itoa(res.Restored[rel])})
	}
	err = r.Render(map[string]any{
		"ok":             res.OK,
		"state":          res.State,
		"correlation_id": res.CorrelationID,
		"restored":       res.Restored,
		"errors":         errorStrings(res.Errors),
	}, table)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if r.Structured() {
		out = io.Discard
	} else {
		fmt.Fprintf(out, "correlation id: %s\n", res.CorrelationID)
	}

	if res.State != importer.StateDone {
		fmt.Fprintf(cmd.ErrOrStderr(), "import stopped in state %s\n", res.State)
		return exitError(1, fmt.Errorf("import failed: %d error(s)", len(res.Errors)))
	}
	return finish(out, restored, res.Errors)
}

// bundleDir returns a directory holding the bundle at p, unpacking packed
// bundles into the scratch directory first.
func bundleDir(fs afero.Fs, p, scratch string) (string, func(), error) {
	if !strings.HasSuffix(p, bundle.ArchiveExt) {
		return p, func() {}, nil
	}

	f, err := fs.Open(p)
	if err != nil {
		return "", nil, domain.AsIOError("open", p, err)
	}
	defer f.Close()

	dest := filepath.Join(scratch, uuid.NewString())
	cleanup := func() { _ = fs.RemoveAll(dest) }
	if err := bundle.Unpack(fs, f, dest, paths.NewValidator(dest).CheckTraversal); err != nil {
		cleanup()
		return "", nil, err
	}
	return dest, cleanup, nil
}
