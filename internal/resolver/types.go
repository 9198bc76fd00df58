package resolver

import (
	"context"
	"fmt"

	"github.com/lherron/graphport/internal/db"
	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/store"
)

var iidScopes = db.DefaultIIDScopes()

// findScoped looks for a row in the project first and then in each
// ancestor group, nearest first.
func findScoped(ctx context.Context, tx Tx, table, where string, args []any, scope Scope) (store.Row, error) {
	row, err := store.FindRow(ctx, tx, table, "project_id = ? AND "+where, append([]any{scope.ProjectID}, args...)...)
	if err != nil || row != nil {
		return row, err
	}
	return findInGroups(ctx, tx, table, where, args, scope)
}

func findInGroups(ctx context.Context, tx Tx, table, where string, args []any, scope Scope) (store.Row, error) {
	for _, g := range scope.GroupIDs {
		row, err := store.FindRow(ctx, tx, table, "group_id = ? AND "+where, append([]any{g}, args...)...)
		if err != nil || row != nil {
			return row, err
		}
	}
	return nil, nil
}

func findLabel(ctx context.Context, tx Tx, attrs map[string]any, scope Scope) (store.Row, error) {
	return findScoped(ctx, tx, "labels", "title = ?", []any{stringAttr(attrs, "title")}, scope)
}

// createLabel always creates a project label; imports never create group labels.
func createLabel(ctx context.Context, tx Tx, table string, attrs map[string]any, scope Scope) (*domain.Entity, error) {
	delete(attrs, "group_id")
	attrs["project_id"] = scope.ProjectID
	attrs["type"] = domain.LabelKindProject
	return insert(ctx, tx, domain.TypeLabel, table, attrs)
}

func findMilestone(ctx context.Context, tx Tx, attrs map[string]any, scope Scope) (store.Row, error) {
	return findScoped(ctx, tx, "milestones", "title = ?", []any{stringAttr(attrs, "title")}, scope)
}

// createMilestone creates a project milestone. An incoming group_id is a
// source-space id, so only a reused milestone keeps its group scope. The
// incoming iid is kept, reclaiming it from any occupant.
func createMilestone(ctx context.Context, tx Tx, table string, attrs map[string]any, scope Scope) (*domain.Entity, error) {
	iidScope := iidScopes["milestones"]
	scopeID := scope.ProjectID

	delete(attrs, "group_id")
	attrs["project_id"] = scope.ProjectID

	iid, ok := domain.ToInt64(attrs["iid"])
	if !ok || iid <= 0 {
		next, err := db.NextIID(tx, iidScope, scopeID)
		if err != nil {
			return nil, err
		}
		attrs["iid"] = next
	} else if err := reclaimIID(ctx, tx, iidScope, scopeID, iid); err != nil {
		return nil, err
	}

	return insert(ctx, tx, domain.TypeMilestone, table, attrs)
}

// reclaimIID moves the current holder of iid, if any, to the next free iid
// of the scope.
func reclaimIID(ctx context.Context, tx Tx, scope db.IIDScope, scopeID, iid int64) error {
	occupant, taken, err := db.IIDTaken(tx, scope, scopeID, iid)
	if err != nil {
		return err
	}
	if !taken {
		return nil
	}

	next, err := db.NextIID(tx, scope, scopeID)
	if err == nil {
		err = tx.Update(ctx, scope.Table, occupant, map[string]any{"iid": next})
	}
	if err != nil {
		conflict := &domain.ConflictError{Type: domain.TypeMilestone, ScopeID: scopeID, IID: iid, Err: err}
		return &domain.ValidationError{Type: domain.TypeMilestone, Field: "iid", Reason: "iid reclamation failed", Err: conflict}
	}
	return nil
}

func findMergeRequest(ctx context.Context, tx Tx, attrs map[string]any, scope Scope) (store.Row, error) {
	iid, ok := domain.ToInt64(attrs["iid"])
	if !ok {
		return nil, nil
	}
	return store.FindRow(ctx, tx, "merge_requests", "target_project_id = ? AND iid = ?", scope.ProjectID, iid)
}

func createMergeRequest(ctx context.Context, tx Tx, table string, attrs map[string]any, scope Scope) (*domain.Entity, error) {
	attrs["target_project_id"] = scope.ProjectID
	if _, ok := domain.ToInt64(attrs["iid"]); !ok {
		next, err := db.NextIID(tx, iidScopes["merge_requests"], scope.ProjectID)
		if err != nil {
			return nil, err
		}
		attrs["iid"] = next
	}
	return insert(ctx, tx, domain.TypeMergeRequest, table, attrs)
}

func findEpic(ctx context.Context, tx Tx, attrs map[string]any, scope Scope) (store.Row, error) {
	return findInGroups(ctx, tx, "epics", "title = ?", []any{stringAttr(attrs, "title")}, scope)
}

// createEpic places the epic in the nearest ancestor group.
func createEpic(ctx context.Context, tx Tx, table string, attrs map[string]any, scope Scope) (*domain.Entity, error) {
	group := scope.NearestGroup()
	if group == 0 {
		return nil, &domain.ReferenceError{Type: domain.TypeEpic, Column: "group_id", Reason: "destination project has no ancestor group"}
	}
	attrs["group_id"] = group

	iidScope := iidScopes["epics"]
	iid, ok := domain.ToInt64(attrs["iid"])
	taken := false
	if ok {
		var err error
		if _, taken, err = db.IIDTaken(tx, iidScope, group, iid); err != nil {
			return nil, err
		}
	}
	if !ok || taken {
		next, err := db.NextIID(tx, iidScope, group)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate epic iid: %w", err)
		}
		attrs["iid"] = next
	}
	return insert(ctx, tx, domain.TypeEpic, table, attrs)
}

func findDesign(ctx context.Context, tx Tx, attrs map[string]any, scope Scope) (store.Row, error) {
	return store.FindRow(ctx, tx, "design_management_designs",
		"project_id = ? AND filename = ? AND issue_id IS NULL", scope.ProjectID, stringAttr(attrs, "filename"))
}

func createDesign(ctx context.Context, tx Tx, table string, attrs map[string]any, scope Scope) (*domain.Entity, error) {
	attrs["project_id"] = scope.ProjectID
	return insert(ctx, tx, domain.TypeDesign, table, attrs)
}
