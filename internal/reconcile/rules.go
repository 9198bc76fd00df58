package reconcile

import (
	"github.com/google/uuid"

	"github.com/lherron/graphport/internal/bundle"
	"github.com/lherron/graphport/internal/domain"
)

// Record is a raw record being reconciled. Fixed holds attributes already
// expressed in destination space; foreign-key rewriting leaves them alone.
type Record struct {
	*bundle.RawRecord
	Fixed map[string]any
	// Reason explains why a rule dropped the record.
	Reason string
}

// Fix sets a destination-space attribute.
func (r *Record) Fix(column string, value any) {
	r.Fixed[column] = value
}

// present reports whether the attribute exists with a non-null value.
func (r *Record) present(column string) bool {
	if _, ok := r.Fixed[column]; ok {
		return true
	}
	v, ok := r.Get(column)
	return ok && v != nil
}

// Rule transforms one record in place or drops it by returning false.
type Rule func(rec *Record, ictx *Context) (*Record, bool)

// Registry holds the rules of each canonical type, applied in registration order.
type Registry struct {
	rules map[domain.TypeName][]Rule
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[domain.TypeName][]Rule)}
}

// Register appends rules for t.
func (r *Registry) Register(t domain.TypeName, rules ...Rule) {
	r.rules[t] = append(r.rules[t], rules...)
}

// Apply runs the rules of t. It returns false when a rule dropped the record.
func (r *Registry) Apply(t domain.TypeName, rec *Record, ictx *Context) (*Record, bool) {
	for _, rule := range r.rules[t] {
		var keep bool
		rec, keep = rule(rec, ictx)
		if !keep {
			return rec, false
		}
	}
	return rec, true
}

// DefaultRegistry returns the rules applied to every import.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(domain.TypeTrigger, requireReference("owner_id", "trigger has no owner"), regenerateToken)
	r.Register(domain.TypePipeline, normalizeStatus)
	r.Register(domain.TypeStage, normalizeStatus)
	r.Register(domain.TypeBuild, strip("token", "trace", "artifacts_size"), normalizeStatus)

	r.Register(domain.TypeIssue, ghostAuthor("author_id"), recomputePosition)
	r.Register(domain.TypeNote, ghostAuthor("author_id"))
	r.Register(domain.TypeEpic, ghostAuthor("author_id"))
	r.Register(domain.TypeMergeRequest, ghostAuthor("author_id"), clearAutoMerge)

	r.Register(domain.TypeApproval, requireReference("user_id", "approval has no user"))
	r.Register(domain.TypeResourceLabelEvent, requireReference("user_id", "event has no user"))

	r.Register(domain.TypeMergeAccessLevel, clampAccess("access_level"))
	r.Register(domain.TypePushAccessLevel, clampAccess("access_level"))

	return r
}

func strip(columns ...string) Rule {
	return func(rec *Record, _ *Context) (*Record, bool) {
		for _, c := range columns {
			rec.Delete(c)
		}
		return rec, true
	}
}

func requireReference(column, reason string) Rule {
	return func(rec *Record, _ *Context) (*Record, bool) {
		if !rec.present(column) {
			rec.Reason = reason
			return rec, false
		}
		return rec, true
	}
}

func regenerateToken(rec *Record, _ *Context) (*Record, bool) {
	rec.Delete("token")
	rec.Fix("token", uuid.NewString())
	return rec, true
}

func normalizeStatus(rec *Record, _ *Context) (*Record, bool) {
	if _, ok := rec.Get("status"); ok {
		rec.Set("status", domain.NormalizeStatus(rec.String("status")))
	}
	return rec, true
}

func recomputePosition(rec *Record, ictx *Context) (*Record, bool) {
	rec.Fix("relative_position", ictx.NextPosition())
	return rec, true
}

func clearAutoMerge(rec *Record, _ *Context) (*Record, bool) {
	rec.Set("merge_when_pipeline_succeeds", false)
	return rec, true
}

func ghostAuthor(column string) Rule {
	return func(rec *Record, ictx *Context) (*Record, bool) {
		if !rec.present(column) && ictx.Ghost != nil {
			rec.Fix(column, ictx.Ghost.ID)
		}
		return rec, true
	}
}

func clampAccess(column string) Rule {
	return func(rec *Record, ictx *Context) (*Record, bool) {
		level, ok := rec.Int(column)
		if !ok {
			return rec, true
		}
		rec.Set(column, int64(domain.AccessLevel(level).Clamp(ictx.AccessCeiling())))
		return rec, true
	}
}
