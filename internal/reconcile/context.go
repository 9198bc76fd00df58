package reconcile

import (
	"context"
	"fmt"

	"github.com/lherron/graphport/internal/db"
	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/failures"
	"github.com/lherron/graphport/internal/store"
)

// Context is the state of one import operation. It is owned by a single
// importer and never shared between operations.
type Context struct {
	Project   *domain.Project
	Namespace *domain.Namespace
	// Ancestors is the destination namespace followed by its parents,
	// nearest first.
	Ancestors []*domain.Namespace

	Actor *domain.User
	// Elevated is set when the actor is an admin or an owner of an
	// ancestor group; access levels are then imported unclamped.
	Elevated bool
	Ghost    *domain.User

	// SourceProjectID is the id the project had where it was exported.
	SourceProjectID int64

	Members  domain.IdentityMap
	Failures *failures.Collector
	Cache    *IdentityCache

	positions map[int64]*positionCounter
}

type positionCounter struct {
	base int64
	next int64
}

// NewContext assembles the context for importing into project, loading its
// namespace chain and the actor's privileges.
func NewContext(ctx context.Context, q store.Querier, project *domain.Project, actor *domain.User) (*Context, error) {
	chain, err := store.AncestorChain(ctx, q, project.NamespaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load namespace chain: %w", err)
	}

	ictx := &Context{
		Project:   project,
		Namespace: chain[0],
		Ancestors: chain,
		Actor:     actor,
		Members:   domain.IdentityMap{},
		Failures:  failures.NewCollector(),
		Cache:     NewIdentityCache(),
		positions: make(map[int64]*positionCounter),
	}

	ictx.Elevated, err = elevated(ctx, q, actor, chain)
	if err != nil {
		return nil, err
	}
	return ictx, nil
}

func elevated(ctx context.Context, q store.Querier, actor *domain.User, chain []*domain.Namespace) (bool, error) {
	if actor == nil {
		return false, nil
	}
	if actor.Admin {
		return true, nil
	}
	for _, ns := range chain {
		if !ns.IsGroup() {
			continue
		}
		level, ok, err := store.MemberAccess(ctx, q, domain.MemberSourceNamespace, ns.ID, actor.ID)
		if err != nil {
			return false, err
		}
		if ok && level >= domain.Owner {
			return true, nil
		}
	}
	return false, nil
}

// GroupIDs returns the ids of the group namespaces in the ancestor chain,
// nearest first.
func (c *Context) GroupIDs() []int64 {
	var ids []int64
	for _, ns := range c.Ancestors {
		if ns.IsGroup() {
			ids = append(ids, ns.ID)
		}
	}
	return ids
}

// RootNamespace returns the top of the ancestor chain.
func (c *Context) RootNamespace() *domain.Namespace {
	return c.Ancestors[len(c.Ancestors)-1]
}

// AccessCeiling returns the highest access level the import may grant.
func (c *Context) AccessCeiling() domain.AccessLevel {
	if c.Elevated {
		return domain.Owner
	}
	return domain.Maintainer
}

// MapUser translates a source user id. Unmapped users fall back to the
// acting user.
func (c *Context) MapUser(sourceUserID int64) int64 {
	if id, ok := c.Members.Lookup(sourceUserID); ok {
		return id
	}
	return c.Actor.ID
}

// PrimePositions seeds the ordering counter of the destination root
// namespace from the highest issue position found under it. Seeding
// happens once per root namespace.
func (c *Context) PrimePositions(ctx context.Context, q store.Querier) error {
	root := c.RootNamespace().ID
	if _, ok := c.positions[root]; ok {
		return nil
	}

	projects, err := store.ProjectsUnder(ctx, q, root)
	if err != nil {
		return err
	}
	base, err := db.MaxRelativePosition(q, projects)
	if err != nil {
		return err
	}
	c.positions[root] = &positionCounter{base: base}
	return nil
}

// NextPosition returns the next recomputed ordering key:
// max + (n+1) * IdealSpacing for the n-th issue of this import.
func (c *Context) NextPosition() int64 {
	root := c.RootNamespace().ID
	pc, ok := c.positions[root]
	if !ok {
		pc = &positionCounter{}
		c.positions[root] = pc
	}
	pc.next++
	return pc.base + pc.next*domain.IdealSpacing
}
