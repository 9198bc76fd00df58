// Package reconcile turns raw bundle records into destination-space entities:
// alias resolution, per-type rules, foreign-key rewriting and delegation of
// shared types to the entity resolver.
package reconcile

import (
	"context"
	"fmt"

	"github.com/iancoleman/orderedmap"
	"go.uber.org/zap"

	"github.com/lherron/graphport/internal/bundle"
	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/resolver"
	"github.com/lherron/graphport/internal/store"
)

// Input is one record handed to Reconcile.
type Input struct {
	Record *bundle.RawRecord
	// Relation is the wire name the record was read under.
	Relation string
	Table    string
	// Fixed are destination-space attributes set by the caller: the parent
	// back-reference, polymorphic scope columns and resolved belongs-to keys.
	Fixed map[string]any
}

// Reconciler reconstructs records for one import operation.
type Reconciler struct {
	rules    *Registry
	resolver *resolver.Resolver
	logger   *zap.Logger
}

// New creates a reconciler. A nil registry means DefaultRegistry.
func New(rules *Registry, res *resolver.Resolver, logger *zap.Logger) *Reconciler {
	if rules == nil {
		rules = DefaultRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{rules: rules, resolver: res, logger: logger}
}

// Resolver returns the entity resolver shared types are delegated to.
func (r *Reconciler) Resolver() *resolver.Resolver {
	return r.resolver
}

// Checkpoint is a position in the per-operation caches.
type Checkpoint struct {
	cache    int
	resolver int
}

// Mark returns a checkpoint of the identity cache and the resolver cache.
func (r *Reconciler) Mark(ictx *Context) Checkpoint {
	return Checkpoint{cache: ictx.Cache.Mark(), resolver: r.resolver.Mark()}
}

// Rewind forgets cache entries made after cp. Callers rewind whenever the
// database work behind them was rolled back.
func (r *Reconciler) Rewind(ictx *Context, cp Checkpoint) {
	ictx.Cache.Rewind(cp.cache)
	r.resolver.Rewind(cp.resolver)
}

// Reconcile persists one record in destination space. A nil entity with a
// nil error means a rule dropped the record.
func (r *Reconciler) Reconcile(ctx context.Context, tx resolver.Tx, in Input, ictx *Context) (*domain.Entity, error) {
	typ, err := Canonical(in.Relation)
	if err != nil {
		return nil, err
	}

	rec := &Record{RawRecord: in.Record.Clone(), Fixed: make(map[string]any, len(in.Fixed))}
	for k, v := range in.Fixed {
		rec.Fixed[k] = v
	}

	rec, keep := r.rules.Apply(typ, rec, ictx)
	if !keep {
		r.logger.Debug("record dropped",
			zap.String("relation", in.Relation),
			zap.Int("index", in.Record.Index),
			zap.String("reason", rec.Reason),
		)
		return nil, nil
	}

	sourceID := rec.SourceID()
	attrs := scalarAttributes(rec.Attributes)
	delete(attrs, "id")

	if err := r.rewriteKeys(typ, rec, attrs, ictx); err != nil {
		return nil, err
	}
	for k, v := range rec.Fixed {
		attrs[k] = v
	}

	var entity *domain.Entity
	if r.resolver.Shareable(typ) {
		entity, err = r.resolver.Resolve(ctx, tx, typ, in.Table, attrs, resolver.Scope{
			ProjectID: ictx.Project.ID,
			GroupIDs:  ictx.GroupIDs(),
		})
		if err != nil {
			return nil, err
		}
	} else {
		entity, err = create(ctx, tx, typ, in.Table, attrs)
		if err != nil {
			return nil, err
		}
	}

	entity.SourceID = sourceID
	ictx.Cache.Put(typ, sourceID, entity.ID)
	return entity, nil
}

func create(ctx context.Context, tx resolver.Tx, typ domain.TypeName, table string, attrs map[string]any) (*domain.Entity, error) {
	if err := domain.ValidateRecord(typ, table, attrs); err != nil {
		return nil, err
	}
	id, err := tx.Insert(ctx, table, attrs)
	if err != nil {
		return nil, store.Classify(typ, "insert "+table, err)
	}
	return &domain.Entity{Type: typ, Table: table, ID: id, Attributes: attrs}, nil
}

// rewriteKeys translates every declared foreign key that the caller did not
// already fix. Unresolvable references fail the record.
func (r *Reconciler) rewriteKeys(typ domain.TypeName, rec *Record, attrs map[string]any, ictx *Context) error {
	// Legacy manifests carry no source project id; a merge request's own
	// target project then identifies the exported project.
	origin := ictx.SourceProjectID
	if origin == 0 {
		origin, _ = domain.ToInt64(attrs["target_project_id"])
	}

	for _, key := range KeysOf(typ) {
		if _, fixed := rec.Fixed[key.Column]; fixed {
			if src, ok := domain.ToInt64(attrs[key.Column]); ok && key.Policy == Ref {
				if dest, ok := domain.ToInt64(rec.Fixed[key.Column]); ok {
					ictx.Cache.PutKey(key.Column, src, dest)
				}
			}
			continue
		}

		raw, present := attrs[key.Column]
		src, numeric := domain.ToInt64(raw)
		present = present && raw != nil

		switch key.Policy {
		case Project:
			attrs[key.Column] = ictx.Project.ID

		case ForkedFrom:
			if !present {
				continue
			}
			if origin != 0 && src == origin {
				attrs[key.Column] = ictx.Project.ID
			} else {
				attrs[key.Column] = domain.ExternalProjectID
			}

		case User, Author:
			if !present {
				continue
			}
			if !numeric {
				return &domain.ReferenceError{Type: typ, Column: key.Column, Reason: fmt.Sprintf("not an id: %v", raw)}
			}
			attrs[key.Column] = ictx.MapUser(src)

		case Group:
			// Left for the resolver; fresh records never keep a group scope.

		case Ref:
			if !present {
				continue
			}
			if !numeric {
				return &domain.ReferenceError{Type: typ, Column: key.Column, Reason: fmt.Sprintf("not an id: %v", raw)}
			}
			dest, ok := ictx.Cache.LookupKey(key.Column, src)
			if !ok {
				dest, ok = ictx.Cache.Lookup(key.Target, src)
			}
			if !ok {
				return &domain.ReferenceError{Type: typ, Column: key.Column, SourceID: src, Reason: fmt.Sprintf("no %s restored with that id", key.Target)}
			}
			attrs[key.Column] = dest
			ictx.Cache.PutKey(key.Column, src, dest)
		}
	}
	return nil
}

// scalarAttributes copies the attributes that can be stored in a column.
// Nested objects and arrays the schema does not describe are ignored.
func scalarAttributes(om *orderedmap.OrderedMap) map[string]any {
	out := make(map[string]any, len(om.Keys()))
	for _, k := range om.Keys() {
		v, _ := om.Get(k)
		switch v.(type) {
		case orderedmap.OrderedMap, *orderedmap.OrderedMap, []interface{}:
			continue
		}
		out[k] = v
	}
	return out
}
