package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lherron/graphport/internal/domain"
)

// GetProject loads a project by id.
func GetProject(ctx context.Context, q Querier, id int64) (*domain.Project, error) {
	var (
		p           domain.Project
		description sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, name, path, namespace_id, description, visibility_level,
		       shared_runners_enabled, merge_requests_ff_only_enabled, created_at, updated_at
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Path, &p.NamespaceID, &description, &p.VisibilityLevel,
		&p.SharedRunnersEnabled, &p.MergeRequestsFFOnlyEnabled, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project %d: %w", id, err)
	}
	p.Description = description.String
	return &p, nil
}

// GetNamespace loads a namespace by id.
func GetNamespace(ctx context.Context, q Querier, id int64) (*domain.Namespace, error) {
	var (
		ns       domain.Namespace
		parentID sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, name, path, type, parent_id, visibility_level, shared_runners_enabled
		FROM namespaces WHERE id = ?
	`, id).Scan(&ns.ID, &ns.Name, &ns.Path, &ns.Type, &parentID, &ns.VisibilityLevel, &ns.SharedRunnersEnabled)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("namespace %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load namespace %d: %w", id, err)
	}
	if parentID.Valid {
		ns.ParentID = &parentID.Int64
	}
	return &ns, nil
}

// AncestorChain returns the namespace and all of its ancestors, nearest first.
func AncestorChain(ctx context.Context, q Querier, namespaceID int64) ([]*domain.Namespace, error) {
	var chain []*domain.Namespace
	seen := make(map[int64]bool)

	id := namespaceID
	for {
		if seen[id] {
			return nil, fmt.Errorf("namespace cycle at %d", id)
		}
		seen[id] = true

		ns, err := GetNamespace(ctx, q, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, ns)

		if ns.ParentID == nil {
			return chain, nil
		}
		id = *ns.ParentID
	}
}

// ProjectsUnder returns the ids of every project whose namespace is
// rootNamespaceID or one of its descendants.
func ProjectsUnder(ctx context.Context, q Querier, rootNamespaceID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		WITH RECURSIVE tree(id) AS (
			SELECT id FROM namespaces WHERE id = ?
			UNION ALL
			SELECT n.id FROM namespaces n JOIN tree t ON n.parent_id = t.id
		)
		SELECT p.id FROM projects p JOIN tree t ON p.namespace_id = t.id ORDER BY p.id
	`, rootNamespaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects under namespace %d: %w", rootNamespaceID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateNamespace inserts a namespace and returns its id.
func CreateNamespace(ctx context.Context, q Querier, ns *domain.Namespace) (int64, error) {
	kind := ns.Type
	if kind == "" {
		kind = domain.NamespaceGroup
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO namespaces (name, path, type, parent_id, visibility_level, shared_runners_enabled)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ns.Name, ns.Path, kind, ns.ParentID, ns.VisibilityLevel, ns.SharedRunnersEnabled)
	if err != nil {
		return 0, fmt.Errorf("failed to create namespace %s: %w", ns.Path, err)
	}
	return res.LastInsertId()
}

// CreateProject inserts a project and returns its id.
func CreateProject(ctx context.Context, q Querier, p *domain.Project) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO projects (name, path, namespace_id, description, visibility_level,
		                      shared_runners_enabled, merge_requests_ff_only_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.Name, p.Path, p.NamespaceID, p.Description, p.VisibilityLevel,
		p.SharedRunnersEnabled, p.MergeRequestsFFOnlyEnabled)
	if err != nil {
		return 0, fmt.Errorf("failed to create project %s: %w", p.Path, err)
	}
	return res.LastInsertId()
}
