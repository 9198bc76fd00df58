package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// IIDScope describes which column partitions a table's per-scope iids.
type IIDScope struct {
	Table       string
	ScopeColumn string
}

type sqlExecutor interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// DefaultIIDScopes returns the iid-bearing tables keyed by table name.
func DefaultIIDScopes() map[string]IIDScope {
	return map[string]IIDScope{
		"issues":         {Table: "issues", ScopeColumn: "project_id"},
		"milestones":     {Table: "milestones", ScopeColumn: "project_id"},
		"merge_requests": {Table: "merge_requests", ScopeColumn: "target_project_id"},
		"ci_pipelines":   {Table: "ci_pipelines", ScopeColumn: "project_id"},
		"epics":          {Table: "epics", ScopeColumn: "group_id"},
	}
}

// MaxIID returns the highest iid used in the scope, or 0 when the scope is empty.
func MaxIID(exec sqlExecutor, scope IIDScope, scopeID int64) (int64, error) {
	query := fmt.Sprintf("SELECT COALESCE(MAX(iid), 0) FROM %s WHERE %s = ?", scope.Table, scope.ScopeColumn)
	var maxIID int64
	if err := exec.QueryRow(query, scopeID).Scan(&maxIID); err != nil {
		return 0, fmt.Errorf("failed to read max iid for %s: %w", scope.Table, err)
	}
	return maxIID, nil
}

// NextIID returns the next free iid in the scope.
func NextIID(exec sqlExecutor, scope IIDScope, scopeID int64) (int64, error) {
	maxIID, err := MaxIID(exec, scope, scopeID)
	if err != nil {
		return 0, err
	}
	return maxIID + 1, nil
}

// IIDTaken reports whether iid is already used in the scope, returning the
// occupant's row id.
func IIDTaken(exec sqlExecutor, scope IIDScope, scopeID, iid int64) (int64, bool, error) {
	query := fmt.Sprintf("SELECT id FROM %s WHERE %s = ? AND iid = ?", scope.Table, scope.ScopeColumn)
	var id int64
	err := exec.QueryRow(query, scopeID, iid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// MaxRelativePosition returns the highest issue ordering key across the
// given projects, or 0 when none is set.
func MaxRelativePosition(exec sqlExecutor, projectIDs []int64) (int64, error) {
	if len(projectIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(projectIDs)), ",")
	args := make([]any, len(projectIDs))
	for i, id := range projectIDs {
		args[i] = id
	}

	query := fmt.Sprintf(
		"SELECT COALESCE(MAX(relative_position), 0) FROM issues WHERE project_id IN (%s)",
		placeholders,
	)
	var maxPos int64
	if err := exec.QueryRow(query, args...).Scan(&maxPos); err != nil {
		return 0, fmt.Errorf("failed to read max relative position: %w", err)
	}
	return maxPos, nil
}
