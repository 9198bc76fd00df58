// Package store provides the relational persistence layer used by export and
// import: generic row access keyed by table, transactions with savepoints and
// a prepared-statement cache, and the namespace/user lookups that scope
// shared entities.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lherron/graphport/internal/db"
)

// Querier is satisfied by *sql.DB, *sql.Tx and *Tx.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the root store wrapping one database connection.
type Store struct {
	db *db.DB

	mu      sync.Mutex
	columns map[string]map[string]bool
}

// New creates a new Store wrapping the given database connection.
func New(database *db.DB) *Store {
	return &Store{
		db:      database,
		columns: make(map[string]map[string]bool),
	}
}

// DB returns the underlying database connection (for read-only queries).
func (s *Store) DB() *db.DB {
	return s.db
}

// WithTx executes fn within a transaction. If fn returns nil, the transaction
// is committed; otherwise it is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &Tx{Tx: sqlTx, store: s, stmts: make(map[string]*sql.Stmt)}
	defer tx.closeStmts()

	if err := fn(tx); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Tx is a transaction with a per-transaction prepared statement cache. All
// inserts for one batch share the cache so repeated rows of the same shape
// are bound to one statement.
type Tx struct {
	*sql.Tx
	store *Store

	stmts     map[string]*sql.Stmt
	savepoint int
}

// Savepoint runs fn under a SAVEPOINT. An error from fn rolls back only the
// work done inside fn; the enclosing transaction stays usable.
func (tx *Tx) Savepoint(ctx context.Context, fn func() error) error {
	tx.savepoint++
	name := fmt.Sprintf("sp_%d", tx.savepoint)

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint after %v: %w", err, rbErr)
		}
		if _, relErr := tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return fmt.Errorf("failed to release savepoint after %v: %w", err, relErr)
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func (tx *Tx) prepared(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := tx.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	tx.stmts[query] = stmt
	return stmt, nil
}

func (tx *Tx) closeStmts() {
	for _, stmt := range tx.stmts {
		stmt.Close()
	}
	tx.stmts = nil
}
