// Package importer drives one bundle import end to end: root attributes,
// member mapping, relation restore and post-processing.
package importer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/lherron/graphport/internal/bulk"
	"github.com/lherron/graphport/internal/bundle"
	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/failures"
	"github.com/lherron/graphport/internal/members"
	"github.com/lherron/graphport/internal/reconcile"
	"github.com/lherron/graphport/internal/resolver"
	"github.com/lherron/graphport/internal/restore"
	"github.com/lherron/graphport/internal/retry"
	"github.com/lherron/graphport/internal/schema"
	"github.com/lherron/graphport/internal/store"
)

// State is a step of the import state machine.
type State string

const (
	StateInitialized       State = "initialized"
	StateAttributesLoaded  State = "attributes_loaded"
	StateMembersMapped     State = "members_mapped"
	StateRelationsRestored State = "relations_restored"
	StatePostProcessed     State = "post_processed"
	StateDone              State = "done"
	StateError             State = "error"
)

// MemberMapper resolves source members to destination users.
type MemberMapper interface {
	Map(ctx context.Context, target members.Target, records []*bundle.RawRecord) (domain.IdentityMap, error)
}

// Options configure an Importer.
type Options struct {
	Logger    *zap.Logger
	BatchSize int
	Retry     retry.Policy
	Schema    schema.Provider
	// Members defaults to members.Mapper over the same store.
	Members MemberMapper
	// Rules defaults to reconcile.DefaultRegistry.
	Rules *reconcile.Registry
	// ScopePredicate defaults to RedirectGroupLabels.
	ScopePredicate restore.ScopePredicate
}

// Result of one import.
type Result struct {
	OK            bool
	Errors        []error
	State         State
	CorrelationID string
	Restored      map[string]int
}

// Importer imports bundles into destination projects. Each Import call owns
// its own context and caches; an Importer may be reused sequentially.
type Importer struct {
	store *store.Store
	fs    afero.Fs
	opts  Options
}

// New creates an importer reading bundles from fs.
func New(st *store.Store, fs afero.Fs, opts Options) *Importer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Schema == nil {
		opts.Schema = schema.Default()
	}
	if opts.Members == nil {
		opts.Members = members.New(st, opts.Logger)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.ScopePredicate == nil {
		opts.ScopePredicate = RedirectGroupLabels
	}
	return &Importer{store: st, fs: fs, opts: opts}
}

// RedirectGroupLabels keeps the children of reused ancestor group labels, so
// their priorities are restored against the destination project.
func RedirectGroupLabels(_ *schema.Node, e *domain.Entity, _ int64) restore.Decision {
	if e.Type == domain.TypeLabel && e.GroupID() != 0 {
		return restore.Redirect
	}
	return restore.Drop
}

// operation is the state of one Import call.
type operation struct {
	state    State
	logger   *zap.Logger
	failures *failures.Collector

	tree     *schema.Node
	bundle   *bundle.Bundle
	manifest *bundle.Manifest
	members  []*bundle.RawRecord
	ictx     *reconcile.Context
	restored map[string]int
}

func (op *operation) transition(to State) {
	op.logger.Debug("import state changed", zap.String("from", string(op.state)), zap.String("to", string(to)))
	op.state = to
}

// Import restores the bundle at bundlePath into projectID as actor.
func (im *Importer) Import(ctx context.Context, bundlePath string, projectID int64, actor *domain.User) *Result {
	correlationID := uuid.NewString()
	op := &operation{
		state:    StateInitialized,
		logger:   im.opts.Logger.With(zap.String("correlation_id", correlationID), zap.Int64("project_id", projectID)),
		failures: failures.NewCollector(),
	}

	err := im.run(ctx, op, bundlePath, projectID, actor)
	if err != nil {
		op.failures.Add(err)
		op.logger.Error("import failed", zap.String("state", string(op.state)), zap.Error(err))
		op.transition(StateError)
	}

	if op.ictx != nil {
		if err := im.flushFailures(ctx, projectID, correlationID, op.failures); err != nil {
			op.logger.Error("failed to persist import failures", zap.Error(err))
			op.failures.Add(err)
		}
	}

	return &Result{
		OK:            op.failures.OK(),
		Errors:        op.failures.Errors(),
		State:         op.state,
		CorrelationID: correlationID,
		Restored:      op.restored,
	}
}

func (im *Importer) run(ctx context.Context, op *operation, bundlePath string, projectID int64, actor *domain.User) error {
	if actor == nil {
		return fmt.Errorf("import needs an acting user")
	}
	if err := im.loadAttributes(ctx, op, bundlePath); err != nil {
		return err
	}
	op.transition(StateAttributesLoaded)

	if err := im.prepareContext(ctx, op, projectID, actor); err != nil {
		return err
	}

	identities, err := im.opts.Members.Map(ctx, members.Target{
		ProjectID: projectID,
		Actor:     actor,
		Ceiling:   op.ictx.AccessCeiling(),
	}, op.members)
	if err != nil {
		return err
	}
	op.ictx.Members = identities
	op.transition(StateMembersMapped)

	if err := ctx.Err(); err != nil {
		return err
	}

	logger := op.logger
	rec := reconcile.New(im.opts.Rules, resolver.New(logger), logger)
	restorer := restore.New(im.store, rec, restore.Options{
		BatchSize:      im.opts.BatchSize,
		Logger:         logger,
		ScopePredicate: im.opts.ScopePredicate,
	})
	res := restorer.Restore(ctx, op.tree, op.bundle, op.ictx)
	op.restored = res.Restored
	if res.Fatal != nil {
		// The restorer already recorded it.
		op.transition(StateError)
		return nil
	}
	op.transition(StateRelationsRestored)

	im.postProcess(ctx, op, projectID)
	op.transition(StatePostProcessed)

	op.transition(StateDone)
	return nil
}

// loadAttributes opens the bundle and reads its manifest, root attributes and
// member list. Any failure here is fatal.
func (im *Importer) loadAttributes(ctx context.Context, op *operation, bundlePath string) error {
	tree, err := im.opts.Schema.RelationTree()
	if err != nil {
		return err
	}
	b, err := bundle.Open(im.fs, bundlePath)
	if err != nil {
		return err
	}
	manifest, err := b.Manifest()
	if err != nil {
		return err
	}
	if manifest.SchemaVersion != 0 && manifest.SchemaVersion != schema.Version {
		return &domain.SchemaError{
			Path:   bundle.ManifestFile,
			Reason: fmt.Sprintf("schema version %d does not match %d", manifest.SchemaVersion, schema.Version),
		}
	}
	if _, err := b.RootAttributes(tree); err != nil {
		return err
	}

	if node := membersNode(tree); node != nil {
		op.members, err = bundle.NewReader(b, tree, im.opts.BatchSize).ReadAll(ctx, node)
		if err != nil {
			return err
		}
	}

	op.tree, op.bundle, op.manifest = tree, b, manifest
	return nil
}

func membersNode(tree *schema.Node) *schema.Node {
	for _, node := range tree.Children {
		if t, err := reconcile.Canonical(node.Name); err == nil && t == domain.TypeProjectMember {
			return node
		}
	}
	return nil
}

func (im *Importer) prepareContext(ctx context.Context, op *operation, projectID int64, actor *domain.User) error {
	q := im.store.DB()
	project, err := store.GetProject(ctx, q, projectID)
	if err != nil {
		return err
	}
	ictx, err := reconcile.NewContext(ctx, q, project, actor)
	if err != nil {
		return err
	}
	ictx.Failures = op.failures
	ictx.SourceProjectID = op.manifest.SourceProjectID

	if ictx.Ghost, err = store.GhostUser(ctx, q); err != nil {
		return err
	}
	if err := ictx.PrimePositions(ctx, q); err != nil {
		return err
	}
	op.ictx = ictx
	return nil
}

// postProcess runs the fix-ups that need the whole graph. Each one retries
// on its own; failures are recorded and nothing is rolled back.
func (im *Importer) postProcess(ctx context.Context, op *operation, projectID int64) {
	fixups := map[string]func(context.Context) error{
		"latest_merge_request_diff": func(ctx context.Context) error {
			return im.linkLatestDiffs(ctx, projectID)
		},
		"summary": func(ctx context.Context) error {
			return im.logSummary(ctx, op, projectID)
		},
	}
	order := []string{"latest_merge_request_diff", "summary"}

	bop := &bulk.Operation{ContinueOnError: true, Kind: "fix-up", Logger: op.logger}
	res := bop.Execute(ctx, order, func(ctx context.Context, _ int, name string) error {
		return retry.Do(ctx, im.opts.Retry, op.logger, name, func() error {
			return fixups[name](ctx)
		})
	})
	for _, err := range res.Errs() {
		op.failures.Add(err)
	}
}

// linkLatestDiffs points every merge request of the project at its newest diff.
func (im *Importer) linkLatestDiffs(ctx context.Context, projectID int64) error {
	return im.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE merge_requests
			SET latest_merge_request_diff_id = (
				SELECT MAX(d.id) FROM merge_request_diffs d WHERE d.merge_request_id = merge_requests.id
			)
			WHERE target_project_id = ?`, projectID)
		if err != nil {
			return store.Classify(domain.TypeMergeRequest, "link latest diffs", err)
		}
		return nil
	})
}

func (im *Importer) logSummary(ctx context.Context, op *operation, projectID int64) error {
	fields := []zap.Field{zap.Int("failures", op.failures.Len())}
	for _, table := range []string{"issues", "merge_requests", "ci_pipelines", "labels", "milestones"} {
		column := "project_id"
		if table == "merge_requests" {
			column = "target_project_id"
		}
		var n int
		err := im.store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE "+column+" = ?", projectID).Scan(&n)
		if err != nil {
			return store.Classify("", "count "+table, err)
		}
		fields = append(fields, zap.Int(table, n))
	}
	op.logger.Info("import summary", fields...)
	return nil
}

// flushFailures persists the record-level failures of the run.
func (im *Importer) flushFailures(ctx context.Context, projectID int64, correlationID string, c *failures.Collector) error {
	recorded := c.RecordLevel()
	if len(recorded) == 0 {
		return nil
	}
	// Failures of a cancelled import are still worth keeping.
	ctx = context.WithoutCancel(ctx)
	return im.store.WithTx(ctx, func(tx *store.Tx) error {
		return failures.NewWriter(tx).WriteAll(ctx, projectID, correlationID, recorded)
	})
}
