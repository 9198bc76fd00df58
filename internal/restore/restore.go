// Package restore walks a bundle's relation tree and persists it into the
// destination project, one savepoint per record tree.
package restore

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/iancoleman/orderedmap"
	"go.uber.org/zap"

	"github.com/lherron/graphport/internal/bundle"
	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/reconcile"
	"github.com/lherron/graphport/internal/schema"
	"github.com/lherron/graphport/internal/store"
)

// Decision is what happens to the subtree of a reused shared entity.
type Decision int

const (
	// Drop skips the subtree; it belongs to an entity outside the project.
	Drop Decision = iota
	// Redirect restores the subtree against the reused entity.
	Redirect
)

// ScopePredicate decides the fate of the children of a reused entity that
// lives outside the destination project, such as an ancestor group label.
type ScopePredicate func(node *schema.Node, e *domain.Entity, projectID int64) Decision

// PostHook runs once after every relation is restored, inside its own
// transaction.
type PostHook func(ctx context.Context, tx *store.Tx, ictx *reconcile.Context) error

// DropOutOfScope is the default predicate.
func DropOutOfScope(*schema.Node, *domain.Entity, int64) Decision {
	return Drop
}

// Options configure a Restorer.
type Options struct {
	BatchSize      int
	Logger         *zap.Logger
	ScopePredicate ScopePredicate
	PostHook       PostHook
}

// Result of one Restore call.
type Result struct {
	OK     bool
	Errors []error
	// Fatal is set when the restore stopped early.
	Fatal error
	// Restored counts persisted records per relation path.
	Restored map[string]int
}

// Restorer persists bundles through a Reconciler.
type Restorer struct {
	store      *store.Store
	reconciler *reconcile.Reconciler
	opts       Options
	logger     *zap.Logger
}

// New creates a restorer. Zero options fall back to defaults.
func New(st *store.Store, rec *reconcile.Reconciler, opts Options) *Restorer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = bundle.DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ScopePredicate == nil {
		opts.ScopePredicate = DropOutOfScope
	}
	if opts.PostHook == nil {
		opts.PostHook = InheritSettings
	}
	return &Restorer{store: st, reconciler: rec, opts: opts, logger: opts.Logger}
}

// Restore applies the root attributes and every top-level relation of tree
// in declared order. Record-level failures are collected in ictx.Failures
// and never stop the walk; anything else does.
func (r *Restorer) Restore(ctx context.Context, tree *schema.Node, b *bundle.Bundle, ictx *reconcile.Context) *Result {
	res := &Result{Restored: make(map[string]int)}

	if err := r.run(ctx, tree, b, ictx, res); err != nil {
		res.Fatal = err
		ictx.Failures.Add(err)
	}

	res.Errors = ictx.Failures.Errors()
	res.OK = ictx.Failures.OK()
	return res
}

func (r *Restorer) run(ctx context.Context, tree *schema.Node, b *bundle.Bundle, ictx *reconcile.Context, res *Result) error {
	attrs, err := b.RootAttributes(tree)
	if err != nil {
		return err
	}
	if err := r.applyRoot(ctx, tree, attrs, ictx); err != nil {
		return err
	}

	reader := bundle.NewReader(b, tree, r.opts.BatchSize)
	for _, node := range tree.Children {
		if err := ctx.Err(); err != nil {
			return err
		}

		typ, err := reconcile.Canonical(node.Name)
		if err != nil {
			return err
		}
		if typ == domain.TypeProjectMember {
			continue
		}

		before := ictx.Failures.Len()
		if err := r.restoreRelation(ctx, reader, node, typ, ictx, res); err != nil {
			return fmt.Errorf("failed to restore %s: %w", node.Name, err)
		}
		r.logger.Info("relation restored",
			zap.String("relation", node.Name),
			zap.Int("restored", res.Restored[node.Path()]),
			zap.Int("failed", ictx.Failures.Len()-before),
		)
	}

	return r.store.WithTx(ctx, func(tx *store.Tx) error {
		return r.opts.PostHook(ctx, tx, ictx)
	})
}

// applyRoot updates the destination project with the whitelisted root
// attributes. Visibility never exceeds the namespace's.
func (r *Restorer) applyRoot(ctx context.Context, tree *schema.Node, attrs *orderedmap.OrderedMap, ictx *reconcile.Context) error {
	params := make(map[string]any)
	for _, k := range attrs.Keys() {
		if k == "id" || k == "name" || k == "path" || k == "namespace_id" || !tree.Include.Allows(k) {
			continue
		}
		v, _ := attrs.Get(k)
		params[k] = v
	}

	if v, ok := domain.ToInt64(params["visibility_level"]); ok && v > int64(ictx.Namespace.VisibilityLevel) {
		params["visibility_level"] = int64(ictx.Namespace.VisibilityLevel)
	}
	if len(params) == 0 {
		return nil
	}

	return r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.Update(ctx, "projects", ictx.Project.ID, params); err != nil {
			return store.Classify(domain.TypeProject, "update project", err)
		}
		return nil
	})
}

func (r *Restorer) restoreRelation(ctx context.Context, reader *bundle.Reader, node *schema.Node, typ domain.TypeName, ictx *reconcile.Context, res *Result) error {
	if typ != domain.TypePipeline {
		return reader.EachBatch(ctx, node, func(batch []*bundle.RawRecord) error {
			return r.restoreBatch(ctx, node, batch, ictx, res)
		})
	}

	// Older exporters wrote pipelines newest first.
	records, err := reader.ReadAll(ctx, node)
	if err != nil {
		return err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].SourceID() < records[j].SourceID()
	})
	for start := 0; start < len(records); start += r.opts.BatchSize {
		end := start + r.opts.BatchSize
		if end > len(records) {
			end = len(records)
		}
		if err := r.restoreBatch(ctx, node, records[start:end], ictx, res); err != nil {
			return err
		}
	}
	return nil
}

// restoreBatch persists one batch in a single transaction.
func (r *Restorer) restoreBatch(ctx context.Context, node *schema.Node, batch []*bundle.RawRecord, ictx *reconcile.Context, res *Result) error {
	counts := make(map[string]int)
	cp := r.reconciler.Mark(ictx)

	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.restoreRecord(ctx, tx, node, rec, nil, ictx, counts); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.reconciler.Rewind(ictx, cp)
		return err
	}

	for k, n := range counts {
		res.Restored[k] += n
	}
	return nil
}

// restoreRecord persists rec and its subtree under a savepoint. Record-level
// failures roll back the subtree, are recorded and swallowed.
func (r *Restorer) restoreRecord(ctx context.Context, tx *store.Tx, node *schema.Node, rec *bundle.RawRecord, parent *domain.Entity, ictx *reconcile.Context, counts map[string]int) error {
	local := make(map[string]int)
	cp := r.reconciler.Mark(ictx)

	err := tx.Savepoint(ctx, func() error {
		return r.restoreTree(ctx, tx, node, rec, parent, ictx, local)
	})
	if err == nil {
		for k, n := range local {
			counts[k] += n
		}
		return nil
	}

	r.reconciler.Rewind(ictx, cp)
	if !domain.IsRecordLevel(err) {
		return err
	}

	ictx.Failures.Record(node.Path(), rec.Index, source(node, rec), err)
	r.logger.Warn("record skipped",
		zap.String("relation", node.Path()),
		zap.Int("index", rec.Index),
		zap.Int64("source_id", rec.SourceID()),
		zap.Error(err),
	)
	return nil
}

func (r *Restorer) restoreTree(ctx context.Context, tx *store.Tx, node *schema.Node, rec *bundle.RawRecord, parent *domain.Entity, ictx *reconcile.Context, counts map[string]int) error {
	fixed := make(map[string]any)
	switch {
	case parent != nil:
		fixed[node.ForeignKey] = parent.ID
	case node.ForeignKey != "":
		fixed[node.ForeignKey] = ictx.Project.ID
	}
	if node.Scope != nil {
		fixed[node.Scope.Column] = node.Scope.Value
	}

	// Shared entities the record points at come first.
	for _, child := range node.Children {
		if child.Association != schema.BelongsTo {
			continue
		}
		sub, ok := rec.One[child.Name]
		if !ok || sub == nil {
			continue
		}
		e, err := r.reconciler.Reconcile(ctx, tx, reconcile.Input{Record: sub, Relation: child.Name, Table: child.Table}, ictx)
		if err != nil {
			return err
		}
		if e != nil {
			fixed[child.ForeignKey] = e.ID
		}
	}

	entity, err := r.reconciler.Reconcile(ctx, tx, reconcile.Input{
		Record:   rec,
		Relation: node.Name,
		Table:    node.Table,
		Fixed:    fixed,
	}, ictx)
	if err != nil || entity == nil {
		return err
	}
	counts[node.Path()]++

	if entity.Reused && !inProject(entity, ictx.Project.ID) && r.opts.ScopePredicate(node, entity, ictx.Project.ID) == Drop {
		r.logger.Debug("subtree of out-of-scope entity dropped",
			zap.String("relation", node.Path()),
			zap.Int64("id", entity.ID),
		)
		return nil
	}

	for _, child := range node.Children {
		switch child.Association {
		case schema.BelongsTo:
			continue
		case schema.HasOne:
			if sub, ok := rec.One[child.Name]; ok && sub != nil {
				if err := r.restoreRecord(ctx, tx, child, sub, entity, ictx, counts); err != nil {
					return err
				}
			}
		default:
			for _, sub := range rec.Nested[child.Name] {
				if err := r.restoreRecord(ctx, tx, child, sub, entity, ictx, counts); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func inProject(e *domain.Entity, projectID int64) bool {
	if e.ProjectID() == projectID {
		return true
	}
	target, _ := domain.ToInt64(e.Attributes["target_project_id"])
	return target == projectID
}

// source renders the failing record for the failures table.
func source(node *schema.Node, rec *bundle.RawRecord) string {
	data, err := bundle.EncodeRecord(node, rec)
	if err != nil {
		return ""
	}
	return truncate(data, sourceLimit)
}

const sourceLimit = 4096

// truncate cuts data to at most limit bytes without splitting a rune.
func truncate(data []byte, limit int) string {
	if len(data) <= limit {
		return string(data)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut])
}

// InheritSettings clears shared runners on the project when any ancestor
// group has them disabled.
func InheritSettings(ctx context.Context, tx *store.Tx, ictx *reconcile.Context) error {
	for _, ns := range ictx.Ancestors {
		if ns.IsGroup() && !ns.SharedRunnersEnabled {
			return tx.Update(ctx, "projects", ictx.Project.ID, map[string]any{"shared_runners_enabled": false})
		}
	}
	return nil
}
