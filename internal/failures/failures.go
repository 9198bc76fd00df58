// Package failures collects the errors of one export, merge or import
// operation in the order they were raised, and persists per-record import
// failures against the destination project.
package failures

import (
	"context"
	"fmt"

	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/store"
)

// Failure is one recorded error. Relation and Index are set for per-record
// failures and empty for operation-level ones.
type Failure struct {
	Relation string
	Index    int
	Source   string
	Err      error
}

// Class returns the taxonomy name of the failure.
func (f Failure) Class() string {
	return domain.ClassOf(f.Err)
}

func (f Failure) Error() string {
	if f.Relation == "" {
		return f.Err.Error()
	}
	return fmt.Sprintf("%s[%d]: %v", f.Relation, f.Index, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Collector is owned by exactly one operation and is not safe for
// concurrent use.
type Collector struct {
	failures []Failure
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Add records an operation-level error.
func (c *Collector) Add(err error) {
	if err == nil {
		return
	}
	c.failures = append(c.failures, Failure{Err: err})
}

// Record records a failure for one record of a relation.
func (c *Collector) Record(relation string, index int, source string, err error) {
	if err == nil {
		return
	}
	c.failures = append(c.failures, Failure{Relation: relation, Index: index, Source: source, Err: err})
}

// Len returns the number of recorded failures.
func (c *Collector) Len() int {
	return len(c.failures)
}

// OK reports whether nothing was recorded.
func (c *Collector) OK() bool {
	return len(c.failures) == 0
}

// Failures returns the recorded failures in order.
func (c *Collector) Failures() []Failure {
	out := make([]Failure, len(c.failures))
	copy(out, c.failures)
	return out
}

// Errors returns the recorded failures as errors, in order.
func (c *Collector) Errors() []error {
	out := make([]error, len(c.failures))
	for i, f := range c.failures {
		out[i] = f
	}
	return out
}

// RecordLevel returns the failures that belong to single records.
func (c *Collector) RecordLevel() []Failure {
	var out []Failure
	for _, f := range c.failures {
		if f.Relation != "" {
			out = append(out, f)
		}
	}
	return out
}

// Writer persists failures to the import_failures table.
type Writer struct {
	q store.Querier
}

// NewWriter creates a new failure writer
func NewWriter(q store.Querier) *Writer {
	return &Writer{q: q}
}

// Write stores one failure against projectID.
func (w *Writer) Write(ctx context.Context, projectID int64, correlationID string, f Failure) error {
	query := `
		INSERT INTO import_failures (project_id, relation_key, relation_index, exception_class, exception_message, source, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	var relation, source any
	if f.Relation != "" {
		relation = f.Relation
	}
	if f.Source != "" {
		source = f.Source
	}

	_, err := w.q.ExecContext(ctx, query, projectID, relation, f.Index, f.Class(), f.Err.Error(), source, correlationID)
	if err != nil {
		return fmt.Errorf("failed to write import failure: %w", err)
	}
	return nil
}

// WriteAll stores every failure in order and stops at the first write error.
func (w *Writer) WriteAll(ctx context.Context, projectID int64, correlationID string, fs []Failure) error {
	for _, f := range fs {
		if err := w.Write(ctx, projectID, correlationID, f); err != nil {
			return err
		}
	}
	return nil
}

// Row is one persisted failure as read back from import_failures.
type Row struct {
	RelationKey      string
	RelationIndex    int
	ExceptionClass   string
	ExceptionMessage string
	CorrelationID    string
}

// List returns the failures recorded for projectID, oldest first.
func List(ctx context.Context, q store.Querier, projectID int64) ([]Row, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT COALESCE(relation_key, ''), COALESCE(relation_index, 0), exception_class,
		       exception_message, COALESCE(correlation_id, '')
		FROM import_failures WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list import failures: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.RelationKey, &r.RelationIndex, &r.ExceptionClass, &r.ExceptionMessage, &r.CorrelationID); err != nil {
			return nil, fmt.Errorf("failed to scan import failure: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
