package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Row is one table row keyed by column name.
type Row map[string]any

// Columns returns the set of columns declared on table. Results are cached
// for the lifetime of the store.
func (s *Store) Columns(ctx context.Context, q Querier, table string) (map[string]bool, error) {
	s.mu.Lock()
	cols, ok := s.columns[table]
	s.mu.Unlock()
	if ok {
		return cols, nil
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols = make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	s.mu.Lock()
	s.columns[table] = cols
	s.mu.Unlock()
	return cols, nil
}

// Insert writes one row and returns its id. Attributes that are not columns
// of table, and the id column itself, are ignored.
func (tx *Tx) Insert(ctx context.Context, table string, attrs map[string]any) (int64, error) {
	cols, err := tx.store.Columns(ctx, tx, table)
	if err != nil {
		return 0, err
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		if name != "id" && cols[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var query string
	if len(names) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quoteIdent(table))
	} else {
		quoted := make([]string, len(names))
		for i, n := range names {
			quoted[i] = quoteIdent(n)
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(table),
			strings.Join(quoted, ", "),
			strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", "),
		)
	}

	stmt, err := tx.prepared(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert into %s: %w", table, err)
	}

	args := make([]any, len(names))
	for i, n := range names {
		args[i] = sqlValue(attrs[n])
	}

	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// Update sets the given columns on row id of table.
func (tx *Tx) Update(ctx context.Context, table string, id int64, attrs map[string]any) error {
	cols, err := tx.store.Columns(ctx, tx, table)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		if name != "id" && cols[name] {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	sets := make([]string, len(names))
	args := make([]any, 0, len(names)+1)
	for i, n := range names {
		sets[i] = quoteIdent(n) + " = ?"
		args = append(args, sqlValue(attrs[n]))
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", quoteIdent(table), strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s %d: %w", table, id, err)
	}
	return nil
}

// FindRow returns the first row of table matching where, or nil when none does.
func FindRow(ctx context.Context, q Querier, table, where string, args ...any) (Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY id LIMIT 1", quoteIdent(table), where)
	var found Row
	err := EachRow(ctx, q, query, args, func(cols []string, vals []any) error {
		found = make(Row, len(cols))
		for i, c := range cols {
			found[c] = vals[i]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// EachRow streams the rows of query to fn in result order. Column order is
// preserved; byte slices are returned as strings.
func EachRow(ctx context.Context, q Querier, query string, args []any, fn func(cols []string, vals []any) error) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		if err := fn(cols, vals); err != nil {
			return err
		}
	}
	return rows.Err()
}

func sqlValue(v any) any {
	switch n := v.(type) {
	case bool:
		if n {
			return int64(1)
		}
		return int64(0)
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	default:
		return v
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
