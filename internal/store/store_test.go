package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/store"
	"github.com/lherron/graphport/internal/testutil"
)

func TestInsertIgnoresUnknownColumns(t *testing.T) {
	s := testutil.TempStore(t)
	fx := testutil.Seed(t, s)
	ctx := context.Background()

	var id int64
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		id, err = tx.Insert(ctx, "labels", map[string]any{
			"id":         int64(999),
			"title":      "bug",
			"color":      "#FF0000",
			"type":       domain.LabelKindProject,
			"project_id": fx.Project,
			"bogus":      "ignored",
		})
		return err
	})
	require.NoError(t, err)
	assert.NotEqual(t, int64(999), id)

	row, err := store.FindRow(ctx, s.DB(), "labels", "id = ?", id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "bug", row["title"])
	assert.Equal(t, fx.Project, row["project_id"])
}

func TestSavepointRollsBackOnlyInnerWork(t *testing.T) {
	s := testutil.TempStore(t)
	fx := testutil.Seed(t, s)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Insert(ctx, "labels", map[string]any{
			"title": "kept", "type": domain.LabelKindProject, "project_id": fx.Project,
		}); err != nil {
			return err
		}

		spErr := tx.Savepoint(ctx, func() error {
			if _, err := tx.Insert(ctx, "labels", map[string]any{
				"title": "discarded", "type": domain.LabelKindProject, "project_id": fx.Project,
			}); err != nil {
				return err
			}
			return errors.New("boom")
		})
		assert.EqualError(t, spErr, "boom")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, testutil.Count(t, s, "labels", "title = 'kept'"))
	assert.Equal(t, 0, testutil.Count(t, s, "labels", "title = 'discarded'"))
}

func TestUpdate(t *testing.T) {
	s := testutil.TempStore(t)
	fx := testutil.Seed(t, s)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		return tx.Update(ctx, "projects", fx.Project, map[string]any{
			"description":            "updated",
			"shared_runners_enabled": false,
		})
	})
	require.NoError(t, err)

	p, err := store.GetProject(ctx, s.DB(), fx.Project)
	require.NoError(t, err)
	assert.Equal(t, "updated", p.Description)
	assert.False(t, p.SharedRunnersEnabled)
}

func TestAncestorChainAndProjectsUnder(t *testing.T) {
	s := testutil.TempStore(t)
	fx := testutil.Seed(t, s)
	ctx := context.Background()

	chain, err := store.AncestorChain(ctx, s.DB(), fx.Subgroup)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, fx.Subgroup, chain[0].ID)
	assert.Equal(t, fx.Group, chain[1].ID)

	sibling := testutil.MustProject(t, s, "web", fx.Group)
	ids, err := store.ProjectsUnder(ctx, s.DB(), fx.Group)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{fx.Project, sibling}, ids)
}

func TestGhostUserCreatedOnce(t *testing.T) {
	s := testutil.TempStore(t)
	ctx := context.Background()

	first, err := store.GhostUser(ctx, s.DB())
	require.NoError(t, err)
	second, err := store.GhostUser(ctx, s.DB())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.Ghost)

	found, err := store.FindUser(ctx, s.DB(), first.Email, first.Username)
	require.NoError(t, err)
	assert.Nil(t, found, "ghost is never matched as a real user")
}

func TestAddMemberKeepsHigherLevel(t *testing.T) {
	s := testutil.TempStore(t)
	fx := testutil.Seed(t, s)
	ctx := context.Background()
	dev := testutil.MustUser(t, s, "dev")

	m := &domain.Member{SourceType: domain.MemberSourceProject, SourceID: fx.Project, UserID: dev.ID, AccessLevel: domain.Maintainer}
	require.NoError(t, store.AddMember(ctx, s.DB(), m))
	m.AccessLevel = domain.Developer
	require.NoError(t, store.AddMember(ctx, s.DB(), m))

	level, ok, err := store.MemberAccess(ctx, s.DB(), domain.MemberSourceProject, fx.Project, dev.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.Maintainer, level)
}
