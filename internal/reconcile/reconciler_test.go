package reconcile_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/graphport/internal/bundle"
	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/reconcile"
	"github.com/lherron/graphport/internal/resolver"
	"github.com/lherron/graphport/internal/schema"
	"github.com/lherron/graphport/internal/store"
	"github.com/lherron/graphport/internal/testutil"
)

type harness struct {
	store *store.Store
	fx    *testutil.Fixture
	ictx  *reconcile.Context
	rec   *reconcile.Reconciler
	tree  *schema.Node
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := testutil.TempStore(t)
	fx := testutil.Seed(t, s)
	ctx := context.Background()

	project, err := store.GetProject(ctx, s.DB(), fx.Project)
	require.NoError(t, err)
	ictx, err := reconcile.NewContext(ctx, s.DB(), project, fx.Actor)
	require.NoError(t, err)
	ictx.SourceProjectID = 900

	tree, err := schema.Default().RelationTree()
	require.NoError(t, err)

	return &harness{
		store: s,
		fx:    fx,
		ictx:  ictx,
		rec:   reconcile.New(nil, resolver.New(nil), nil),
		tree:  tree,
	}
}

func (h *harness) decode(t *testing.T, relation, line string) *bundle.RawRecord {
	t.Helper()
	node := h.tree.Child(relation)
	require.NotNil(t, node, relation)
	rec, err := bundle.DecodeRecord(node, []byte(line))
	require.NoError(t, err)
	return rec
}

func (h *harness) reconcile(t *testing.T, in reconcile.Input) (*domain.Entity, error) {
	t.Helper()
	var entity *domain.Entity
	var recErr error
	err := h.store.WithTx(context.Background(), func(tx *store.Tx) error {
		entity, recErr = h.rec.Reconcile(context.Background(), tx, in, h.ictx)
		return nil
	})
	require.NoError(t, err)
	return entity, recErr
}

func TestCanonicalAliases(t *testing.T) {
	cases := map[string]domain.TypeName{
		"labels":        domain.TypeLabel,
		"priorities":    domain.TypeLabelPriority,
		"ci_pipelines":  domain.TypePipeline,
		"statuses":      domain.TypeBuild,
		"commit_author": domain.TypeMergeRequestDiffCommitUser,
		"triggers":      domain.TypeTrigger,
	}
	for name, want := range cases {
		got, err := reconcile.Canonical(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := reconcile.Canonical("wiki_pages")
	var schemaErr *domain.SchemaError
	assert.True(t, errors.As(err, &schemaErr))
}

func TestTriggerWithoutOwnerIsDropped(t *testing.T) {
	h := newHarness(t)
	rec := h.decode(t, "triggers", `{"id":5,"description":"deploy","token":"secret"}`)

	e, err := h.reconcile(t, reconcile.Input{Record: rec, Relation: "triggers", Table: "ci_triggers"})
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.Equal(t, 0, testutil.Count(t, h.store, "ci_triggers", ""))
}

func TestTriggerTokenRegenerated(t *testing.T) {
	h := newHarness(t)
	h.ictx.Members[77] = h.fx.Actor.ID
	rec := h.decode(t, "triggers", `{"id":5,"owner_id":77,"token":"secret"}`)

	e, err := h.reconcile(t, reconcile.Input{Record: rec, Relation: "triggers", Table: "ci_triggers"})
	require.NoError(t, err)
	require.NotNil(t, e)

	row, err := store.FindRow(context.Background(), h.store.DB(), "ci_triggers", "id = ?", e.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "secret", row["token"])
	assert.NotEmpty(t, row["token"])
	assert.Equal(t, h.fx.Actor.ID, row["owner_id"])
	assert.Equal(t, h.fx.Project, row["project_id"])
}

func TestPipelineStatusNormalized(t *testing.T) {
	h := newHarness(t)
	rec := h.decode(t, "ci_pipelines", `{"id":1,"status":"running","ref":"main","project_id":900}`)

	e, err := h.reconcile(t, reconcile.Input{Record: rec, Relation: "ci_pipelines", Table: "ci_pipelines"})
	require.NoError(t, err)

	row, err := store.FindRow(context.Background(), h.store.DB(), "ci_pipelines", "id = ?", e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, row["status"])
	assert.Equal(t, h.fx.Project, row["project_id"])
}

func TestIssuePositionsAreRespaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.Insert(ctx, "issues", map[string]any{
			"project_id": h.fx.Project, "title": "existing", "author_id": h.fx.Actor.ID, "relative_position": 1000,
		})
		return err
	}))
	require.NoError(t, h.ictx.PrimePositions(ctx, h.store.DB()))

	var positions []any
	for i, line := range []string{
		`{"id":11,"title":"a","author_id":1,"relative_position":-99}`,
		`{"id":12,"title":"b","author_id":1,"relative_position":-98}`,
	} {
		e, err := h.reconcile(t, reconcile.Input{Record: h.decode(t, "issues", line), Relation: "issues", Table: "issues"})
		require.NoError(t, err, i)
		row, err := store.FindRow(ctx, h.store.DB(), "issues", "id = ?", e.ID)
		require.NoError(t, err)
		positions = append(positions, row["relative_position"])
	}

	assert.Equal(t, []any{int64(1000 + 512), int64(1000 + 1024)}, positions)
}

func TestMissingAuthorBecomesGhost(t *testing.T) {
	h := newHarness(t)
	ghost := testutil.MustUser(t, h.store, "ghost")
	h.ictx.Ghost = ghost

	e, err := h.reconcile(t, reconcile.Input{
		Record:   h.decode(t, "issues", `{"id":3,"title":"orphan"}`),
		Relation: "issues", Table: "issues",
	})
	require.NoError(t, err)
	assert.Equal(t, ghost.ID, e.Attributes["author_id"])
}

func TestUnmappedAuthorFallsBackToActor(t *testing.T) {
	h := newHarness(t)
	alice := testutil.MustUser(t, h.store, "alice")
	h.ictx.Members[10] = alice.ID

	mapped, err := h.reconcile(t, reconcile.Input{
		Record: h.decode(t, "issues", `{"id":3,"title":"a","author_id":10}`), Relation: "issues", Table: "issues",
	})
	require.NoError(t, err)
	assert.Equal(t, alice.ID, mapped.Attributes["author_id"])

	unmapped, err := h.reconcile(t, reconcile.Input{
		Record: h.decode(t, "issues", `{"id":4,"title":"b","author_id":11}`), Relation: "issues", Table: "issues",
	})
	require.NoError(t, err)
	assert.Equal(t, h.fx.Actor.ID, unmapped.Attributes["author_id"])
}

func TestAccessLevelClamped(t *testing.T) {
	h := newHarness(t)
	h.ictx.Elevated = false

	branch, err := h.reconcile(t, reconcile.Input{
		Record: h.decode(t, "protected_branches", `{"id":1,"name":"main"}`), Relation: "protected_branches", Table: "protected_branches",
	})
	require.NoError(t, err)

	node := h.tree.Child("protected_branches").Child("merge_access_levels")
	level, err := bundle.DecodeRecord(node, []byte(`{"id":9,"access_level":50}`))
	require.NoError(t, err)

	e, err := h.reconcile(t, reconcile.Input{
		Record: level, Relation: "merge_access_levels", Table: "protected_branch_merge_access_levels",
		Fixed: map[string]any{"protected_branch_id": branch.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(domain.Maintainer), e.Attributes["access_level"])
}

func TestForkSourceRewritten(t *testing.T) {
	h := newHarness(t)

	self, err := h.reconcile(t, reconcile.Input{
		Record: h.decode(t, "merge_requests",
			`{"id":1,"iid":1,"title":"a","source_branch":"a","target_branch":"main","author_id":1,"source_project_id":900}`),
		Relation: "merge_requests", Table: "merge_requests",
	})
	require.NoError(t, err)
	assert.Equal(t, h.fx.Project, self.Attributes["source_project_id"])

	fork, err := h.reconcile(t, reconcile.Input{
		Record: h.decode(t, "merge_requests",
			`{"id":2,"iid":2,"title":"b","source_branch":"b","target_branch":"main","author_id":1,"source_project_id":4242}`),
		Relation: "merge_requests", Table: "merge_requests",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ExternalProjectID, fork.Attributes["source_project_id"])
	assert.Equal(t, false, fork.Attributes["merge_when_pipeline_succeeds"])
}

func TestForkSourceWithoutManifestProject(t *testing.T) {
	h := newHarness(t)
	h.ictx.SourceProjectID = 0

	self, err := h.reconcile(t, reconcile.Input{
		Record: h.decode(t, "merge_requests",
			`{"id":1,"iid":1,"title":"a","source_branch":"a","target_branch":"main","author_id":1,"source_project_id":900,"target_project_id":900}`),
		Relation: "merge_requests", Table: "merge_requests",
	})
	require.NoError(t, err)
	assert.Equal(t, h.fx.Project, self.Attributes["source_project_id"])
	assert.Equal(t, h.fx.Project, self.Attributes["target_project_id"])

	fork, err := h.reconcile(t, reconcile.Input{
		Record: h.decode(t, "merge_requests",
			`{"id":2,"iid":2,"title":"b","source_branch":"b","target_branch":"main","author_id":1,"source_project_id":4242,"target_project_id":900}`),
		Relation: "merge_requests", Table: "merge_requests",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ExternalProjectID, fork.Attributes["source_project_id"])
}

func TestUnresolvedReferenceFailsRecord(t *testing.T) {
	h := newHarness(t)

	_, err := h.reconcile(t, reconcile.Input{
		Record:   h.decode(t, "issues", `{"id":3,"title":"a","author_id":1,"milestone_id":55}`),
		Relation: "issues", Table: "issues",
	})

	var refErr *domain.ReferenceError
	require.True(t, errors.As(err, &refErr))
	assert.Equal(t, "milestone_id", refErr.Column)
	assert.Equal(t, int64(55), refErr.SourceID)
	assert.True(t, domain.IsRecordLevel(err))
}

func TestReferenceResolvedFromEarlierRelation(t *testing.T) {
	h := newHarness(t)

	milestone, err := h.reconcile(t, reconcile.Input{
		Record: h.decode(t, "milestones", `{"id":55,"iid":1,"title":"v1"}`), Relation: "milestones", Table: "milestones",
	})
	require.NoError(t, err)

	issue, err := h.reconcile(t, reconcile.Input{
		Record:   h.decode(t, "issues", `{"id":3,"title":"a","author_id":1,"milestone_id":55}`),
		Relation: "issues", Table: "issues",
	})
	require.NoError(t, err)
	assert.Equal(t, milestone.ID, issue.Attributes["milestone_id"])
}

func TestRewindForgetsIdentities(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.WithTx(ctx, func(tx *store.Tx) error {
		cp := h.rec.Mark(h.ictx)
		err := tx.Savepoint(ctx, func() error {
			if _, err := h.rec.Reconcile(ctx, tx, reconcile.Input{
				Record: h.decode(t, "milestones", `{"id":55,"iid":1,"title":"v1"}`), Relation: "milestones", Table: "milestones",
			}, h.ictx); err != nil {
				return err
			}
			return errors.New("owner failed")
		})
		require.Error(t, err)
		h.rec.Rewind(h.ictx, cp)
		return nil
	}))

	_, ok := h.ictx.Cache.Lookup(domain.TypeMilestone, 55)
	assert.False(t, ok)
	assert.Equal(t, 0, testutil.Count(t, h.store, "milestones", ""))
}
