package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lherron/graphport/internal/blob"
	"github.com/lherron/graphport/internal/cli/appctx"
	"github.com/lherron/graphport/internal/exporter"
	"github.com/lherron/graphport/internal/render"
)

var exportCmd = &cobra.Command{
	Use:   "export <project-id> <dest-dir>",
	Short: "Export a project's relation graph into a bundle",
	Long: `Export writes the project's root attributes and every top-level relation
into dest-dir as a bundle. With --relations only matching relations are
written; patterns support * and ** globs.

With --archive the bundle is also packed into <dest-dir>.tar.gz and uploaded
to the blob directory under --ref.`,
	Args: cobra.ExactArgs(2),
	RunE: appctx.WithApp(appctx.WithActor(), runExport),
}

var (
	exportRelations []string
	exportArchive   bool
	exportRef       string
)

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringSliceVar(&exportRelations, "relations", nil, "Only export relations matching these patterns")
	exportCmd.Flags().BoolVar(&exportArchive, "archive", false, "Pack the bundle and upload it to the blob directory")
	exportCmd.Flags().StringVar(&exportRef, "ref", "", "Blob reference for the archive (default project.tar.gz)")
	exportCmd.Flags().StringP("output", "o", "table", "Output format: table, json, yaml")
}

func runExport(app *appctx.App, cmd *cobra.Command, args []string) error {
	projectID, err := parseID(args[0], "project id")
	if err != nil {
		return err
	}
	r, err := renderer(cmd)
	if err != nil {
		return err
	}

	exp := exporter.New(app.Store, afero.NewOsFs(), exporter.Options{
		Logger:    app.Logger,
		Retry:     app.RetryPolicy(),
		Relations: exportRelations,
		Archive:   exportArchive,
		Blobs:     blob.NewLocal(afero.NewOsFs(), app.Config.BlobDir),
		Ref:       exportRef,
		Exporter:  "graphport " + Version,
	})
	res := exp.Export(cmd.Context(), projectID, app.Actor, args[1])

	table := render.Table{Headers: []string{"RELATION", "RECORDS"}}
	if res.Manifest != nil {
		for _, rel := range res.Manifest.Relations {
			table.Rows = append(table.Rows, []string{rel, strconv.Itoa(res.Counts[rel])})
		}
	}
	err = r.Render(map[string]any{
		"ok":       res.OK,
		"counts":   res.Counts,
		"manifest": res.Manifest,
		"archive":  res.Archive,
		"errors":   errorStrings(res.Errors),
	}, table)
	if err != nil {
		return err
	}
	if res.Archive != "" && !r.Structured() {
		fmt.Fprintf(cmd.OutOrStdout(), "archive: %s\n", res.Archive)
	}

	if !res.OK {
		// A partial bundle must not be imported.
		return exitError(1, fmt.Errorf("export failed: %w", res.Errors[0]))
	}
	return nil
}
