// Package exporter streams a project's relation graph out of the database
// into a bundle directory, optionally packed and uploaded as an archive.
package exporter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iancoleman/orderedmap"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/lherron/graphport/internal/blob"
	"github.com/lherron/graphport/internal/bundle"
	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/failures"
	"github.com/lherron/graphport/internal/paths"
	"github.com/lherron/graphport/internal/retry"
	"github.com/lherron/graphport/internal/schema"
	"github.com/lherron/graphport/internal/store"
)

// Options configure an Exporter.
type Options struct {
	Logger *zap.Logger
	Schema schema.Provider
	Retry  retry.Policy
	// Relations limits the export to top-level relations matching these
	// patterns. Empty exports everything.
	Relations []string
	// Archive packs the bundle into <dest>.tar.gz and uploads it to Blobs
	// under Ref.
	Archive bool
	Blobs   blob.Store
	Ref     string
	// Exporter is recorded in the manifest.
	Exporter string
}

// Result of one export.
type Result struct {
	OK       bool
	Errors   []error
	Manifest *bundle.Manifest
	// Counts holds the number of top-level records written per relation.
	Counts map[string]int
	// Archive is the packed archive path, when one was written.
	Archive string
}

// Exporter writes bundles from a store.
type Exporter struct {
	store *store.Store
	fs    afero.Fs
	opts  Options
}

// New creates an exporter writing bundles to fs.
func New(st *store.Store, fs afero.Fs, opts Options) *Exporter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Schema == nil {
		opts.Schema = schema.Default()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Exporter{store: st, fs: fs, opts: opts}
}

// Export writes projectID's graph into dest. A failed export leaves a
// partial bundle behind that must not be imported.
func (e *Exporter) Export(ctx context.Context, projectID int64, actor *domain.User, dest string) *Result {
	res := &Result{Counts: make(map[string]int)}
	collector := failures.NewCollector()
	logger := e.opts.Logger.With(zap.Int64("project_id", projectID), zap.String("dest", dest))

	if err := e.run(ctx, logger, projectID, actor, dest, res); err != nil {
		logger.Error("export failed", zap.Error(err))
		collector.Add(err)
	}

	res.OK = collector.OK()
	res.Errors = collector.Errors()
	return res
}

func (e *Exporter) run(ctx context.Context, logger *zap.Logger, projectID int64, actor *domain.User, dest string, res *Result) error {
	tree, err := e.opts.Schema.RelationTree()
	if err != nil {
		return err
	}
	project, err := store.GetProject(ctx, e.store.DB(), projectID)
	if err != nil {
		return err
	}

	w := bundle.NewWriter(e.fs, dest, tree)
	root, err := e.rootAttributes(ctx, tree, projectID)
	if err != nil {
		return err
	}
	if err := w.WriteRoot(root); err != nil {
		return err
	}

	var relations []string
	for _, node := range tree.Children {
		if !paths.MatchAny(e.opts.Relations, node.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := retry.Do(ctx, e.opts.Retry, logger, "export "+node.Name, func() error {
			n, err := e.exportRelation(ctx, w, node, projectID)
			res.Counts[node.Name] = n
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to export %s: %w", node.Name, err)
		}
		relations = append(relations, node.Name)
		logger.Info("relation exported", zap.String("relation", node.Name), zap.Int("records", res.Counts[node.Name]))
	}

	manifest := &bundle.Manifest{
		Version:           bundle.FormatVersion,
		SchemaVersion:     schema.Version,
		ExportedAt:        time.Now().UTC().Format(time.RFC3339),
		Exporter:          e.opts.Exporter,
		SourceProjectID:   project.ID,
		SourceProjectPath: e.projectPath(ctx, project),
		Relations:         relations,
	}
	if actor != nil {
		manifest.Actor = actor.Username
	}
	if err := w.WriteManifest(manifest); err != nil {
		return err
	}
	res.Manifest = manifest

	if e.opts.Archive {
		archive, err := e.archive(ctx, logger, dest)
		if err != nil {
			return err
		}
		res.Archive = archive
	}
	return nil
}

func (e *Exporter) projectPath(ctx context.Context, project *domain.Project) string {
	chain, err := store.AncestorChain(ctx, e.store.DB(), project.NamespaceID)
	if err != nil {
		return project.Path
	}
	parts := []string{project.Path}
	for _, ns := range chain {
		parts = append([]string{ns.Path}, parts...)
	}
	return strings.Join(parts, "/")
}

func (e *Exporter) rootAttributes(ctx context.Context, tree *schema.Node, projectID int64) (*orderedmap.OrderedMap, error) {
	var root *orderedmap.OrderedMap
	err := store.EachRow(ctx, e.store.DB(), "SELECT * FROM projects WHERE id = ?", []any{projectID},
		func(cols []string, vals []any) error {
			root = orderedmap.New()
			for i, c := range cols {
				if tree.Include.Allows(c) {
					root.Set(c, vals[i])
				}
			}
			return nil
		})
	if err != nil {
		return nil, readError("projects", err)
	}
	if root == nil {
		return nil, fmt.Errorf("project %d not found", projectID)
	}
	return root, nil
}

// exportRelation streams one top-level relation row by row, embedding each
// row's nested relations.
func (e *Exporter) exportRelation(ctx context.Context, w *bundle.Writer, node *schema.Node, projectID int64) (int, error) {
	rw, err := w.Relation(node)
	if err != nil {
		return 0, err
	}

	query, args := childQuery(node, projectID)
	err = store.EachRow(ctx, e.store.DB(), query, args, func(cols []string, vals []any) error {
		rec := record(node, cols, vals)
		if err := e.loadChildren(ctx, node, rec, cols, vals); err != nil {
			return err
		}
		return rw.Write(rec)
	})
	closeErr := rw.Close()
	if err != nil {
		return rw.Count(), readError(node.Name, err)
	}
	return rw.Count(), closeErr
}

func (e *Exporter) loadChildren(ctx context.Context, node *schema.Node, rec *bundle.RawRecord, cols []string, vals []any) error {
	id := rec.SourceID()
	for _, child := range node.Children {
		switch child.Association {
		case schema.BelongsTo:
			ref, ok := domain.ToInt64(columnValue(cols, vals, child.ForeignKey))
			if !ok {
				continue
			}
			query := fmt.Sprintf("SELECT * FROM %s WHERE id = ?", child.Table)
			if err := e.eachChild(ctx, child, query, []any{ref}, func(sub *bundle.RawRecord) {
				rec.One[child.Name] = sub
			}); err != nil {
				return err
			}

		case schema.HasOne:
			query, args := childQuery(child, id)
			if err := e.eachChild(ctx, child, query+" LIMIT 1", args, func(sub *bundle.RawRecord) {
				rec.One[child.Name] = sub
			}); err != nil {
				return err
			}

		default:
			query, args := childQuery(child, id)
			if err := e.eachChild(ctx, child, query, args, func(sub *bundle.RawRecord) {
				sub.Index = len(rec.Nested[child.Name])
				rec.Nested[child.Name] = append(rec.Nested[child.Name], sub)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// eachChild collects the rows of query first and loads their own children
// afterwards, so at most two result sets are open at once.
func (e *Exporter) eachChild(ctx context.Context, node *schema.Node, query string, args []any, add func(*bundle.RawRecord)) error {
	type row struct {
		cols []string
		vals []any
	}
	var rows []row
	err := store.EachRow(ctx, e.store.DB(), query, args, func(cols []string, vals []any) error {
		rows = append(rows, row{cols: cols, vals: vals})
		return nil
	})
	if err != nil {
		return err
	}

	for _, r := range rows {
		sub := record(node, r.cols, r.vals)
		if err := e.loadChildren(ctx, node, sub, r.cols, r.vals); err != nil {
			return err
		}
		add(sub)
	}
	return nil
}

// childQuery selects the rows of node that point at parentID.
func childQuery(node *schema.Node, parentID int64) (string, []any) {
	where := node.ForeignKey + " = ?"
	args := []any{parentID}
	if node.Scope != nil {
		where += " AND " + node.Scope.Column + " = ?"
		args = append(args, node.Scope.Value)
	}
	order := node.OrderBy
	if order == "" {
		order = "id"
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s", node.Table, where, order), args
}

// record builds a raw record from a row, keeping the allowed columns. The
// id is always kept: it is the source identity the import maps from.
func record(node *schema.Node, cols []string, vals []any) *bundle.RawRecord {
	rec := bundle.NewRecord(node.Name)
	for i, c := range cols {
		if c == "id" || node.Include.Allows(c) {
			rec.Set(c, vals[i])
		}
	}
	return rec
}

func columnValue(cols []string, vals []any, name string) any {
	for i, c := range cols {
		if c == name {
			return vals[i]
		}
	}
	return nil
}

func readError(relation string, err error) error {
	if store.IsBusy(err) {
		return &domain.IOError{Op: "read " + relation, Err: err}
	}
	return domain.AsIOError("read "+relation, "", err)
}

// archive packs dest and uploads the archive, retrying transient failures.
func (e *Exporter) archive(ctx context.Context, logger *zap.Logger, dest string) (string, error) {
	name := strings.TrimSuffix(dest, "/") + bundle.ArchiveExt
	err := retry.Do(ctx, e.opts.Retry, logger, "pack "+name, func() error {
		f, err := e.fs.Create(name)
		if err != nil {
			return domain.AsIOError("create", name, err)
		}
		if err := bundle.Pack(e.fs, dest, f); err != nil {
			f.Close()
			return err
		}
		return domain.AsIOError("close", name, f.Close())
	})
	if err != nil {
		return "", err
	}

	if e.opts.Blobs == nil {
		return name, nil
	}
	ref := e.opts.Ref
	if ref == "" {
		ref = bundle.ArchiveName("project")
	}
	err = retry.Do(ctx, e.opts.Retry, logger, "upload "+ref, func() error {
		return e.opts.Blobs.Upload(ctx, name, ref)
	})
	if err != nil {
		return "", err
	}
	logger.Info("archive uploaded", zap.String("ref", ref))
	return name, nil
}
