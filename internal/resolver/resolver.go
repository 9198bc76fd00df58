// Package resolver finds or creates the entities an import shares with the
// destination project and its ancestor groups, so that they are never
// duplicated.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/store"
)

// Tx is the write surface the resolver creates entities through.
type Tx interface {
	store.Querier
	Insert(ctx context.Context, table string, attrs map[string]any) (int64, error)
	Update(ctx context.Context, table string, id int64, attrs map[string]any) error
}

// Scope is where shared entities may be found: the destination project and
// its ancestor groups, nearest first.
type Scope struct {
	ProjectID int64
	GroupIDs  []int64
}

// NearestGroup returns the closest ancestor group, or 0.
func (s Scope) NearestGroup() int64 {
	if len(s.GroupIDs) == 0 {
		return 0
	}
	return s.GroupIDs[0]
}

type finder func(ctx context.Context, tx Tx, attrs map[string]any, scope Scope) (store.Row, error)
type creator func(ctx context.Context, tx Tx, table string, attrs map[string]any, scope Scope) (*domain.Entity, error)

type strategy struct {
	// match lists the attributes that identify the entity within its scope.
	match  []string
	find   finder
	create creator
}

type journalEntry struct {
	key string
}

// Resolver is owned by one import operation. Results are cached by
// (type, scope, matching attributes).
type Resolver struct {
	strategies map[domain.TypeName]strategy
	cache      map[string]*domain.Entity
	journal    []journalEntry
	logger     *zap.Logger
}

// New returns a resolver for the shareable types.
func New(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		strategies: map[domain.TypeName]strategy{
			domain.TypeLabel:                      {match: []string{"title"}, find: findLabel, create: createLabel},
			domain.TypeMilestone:                  {match: []string{"title"}, find: findMilestone, create: createMilestone},
			domain.TypeMergeRequest:               {match: []string{"iid"}, find: findMergeRequest, create: createMergeRequest},
			domain.TypeEpic:                       {match: []string{"title"}, find: findEpic, create: createEpic},
			domain.TypeDesign:                     {match: []string{"filename", "issue_id"}, find: findDesign, create: createDesign},
			domain.TypeMergeRequestDiffCommitUser: {match: []string{"name", "email"}, find: findCommitUser, create: createPlain},
		},
		cache:  make(map[string]*domain.Entity),
		logger: logger,
	}
}

// Shareable reports whether t is found-or-created rather than always created.
func (r *Resolver) Shareable(t domain.TypeName) bool {
	_, ok := r.strategies[t]
	return ok
}

// Resolve returns the existing entity matching attrs in scope, or creates one.
func (r *Resolver) Resolve(ctx context.Context, tx Tx, t domain.TypeName, table string, attrs map[string]any, scope Scope) (*domain.Entity, error) {
	st, ok := r.strategies[t]
	if !ok {
		return nil, fmt.Errorf("type %s is not shareable", t)
	}

	key := cacheKey(t, scope, st.match, attrs)
	if e, ok := r.cache[key]; ok {
		return e, nil
	}

	row, err := st.find(ctx, tx, attrs, scope)
	if err != nil {
		return nil, err
	}

	var entity *domain.Entity
	if row != nil {
		entity, err = r.reuse(ctx, tx, t, table, row, attrs)
	} else {
		entity, err = st.create(ctx, tx, table, clone(attrs), scope)
	}
	if err != nil {
		return nil, err
	}
	entity.Type = t

	r.cache[key] = entity
	r.journal = append(r.journal, journalEntry{key: key})
	return entity, nil
}

// reuse wraps an existing row. Designs found without an issue are attached
// to the issue being restored.
func (r *Resolver) reuse(ctx context.Context, tx Tx, t domain.TypeName, table string, row store.Row, attrs map[string]any) (*domain.Entity, error) {
	id, _ := domain.ToInt64(row["id"])
	entity := &domain.Entity{Table: table, ID: id, Attributes: map[string]any(row), Reused: true}

	if t == domain.TypeDesign && row["issue_id"] == nil && attrs["issue_id"] != nil {
		if err := tx.Update(ctx, table, id, map[string]any{"issue_id": attrs["issue_id"]}); err != nil {
			return nil, store.Classify(t, "attach design", err)
		}
		entity.Attributes["issue_id"] = attrs["issue_id"]
	}

	r.logger.Debug("reusing shared entity", zap.String("type", string(t)), zap.Int64("id", id))
	return entity, nil
}

// Mark returns the current cache position.
func (r *Resolver) Mark() int {
	return len(r.journal)
}

// Rewind drops cache entries created after mark.
func (r *Resolver) Rewind(mark int) {
	for i := len(r.journal) - 1; i >= mark; i-- {
		delete(r.cache, r.journal[i].key)
	}
	r.journal = r.journal[:mark]
}

func cacheKey(t domain.TypeName, scope Scope, match []string, attrs map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d", t, scope.ProjectID)
	for _, g := range scope.GroupIDs {
		fmt.Fprintf(&b, ",%d", g)
	}
	for _, m := range match {
		fmt.Fprintf(&b, "|%s=%v", m, normalize(attrs[m]))
	}
	return b.String()
}

// normalize makes JSON float ids and SQL integer ids compare equal.
func normalize(v any) any {
	if n, ok := domain.ToInt64(v); ok {
		if _, isBool := v.(bool); !isBool {
			return n
		}
	}
	return v
}

func clone(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func insert(ctx context.Context, tx Tx, t domain.TypeName, table string, attrs map[string]any) (*domain.Entity, error) {
	if err := domain.ValidateRecord(t, table, attrs); err != nil {
		return nil, err
	}
	id, err := tx.Insert(ctx, table, attrs)
	if err != nil {
		return nil, store.Classify(t, "insert "+table, err)
	}
	return &domain.Entity{Type: t, Table: table, ID: id, Attributes: attrs}, nil
}

func createPlain(ctx context.Context, tx Tx, table string, attrs map[string]any, _ Scope) (*domain.Entity, error) {
	return insert(ctx, tx, domain.TypeMergeRequestDiffCommitUser, table, attrs)
}

func findCommitUser(ctx context.Context, tx Tx, attrs map[string]any, _ Scope) (store.Row, error) {
	return store.FindRow(ctx, tx, "merge_request_diff_commit_users",
		"name = ? AND email = ?", stringAttr(attrs, "name"), stringAttr(attrs, "email"))
}

func stringAttr(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}
