package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/lherron/graphport/internal/domain"
)

// IsConstraint reports whether err is a SQLite constraint violation
// (UNIQUE, NOT NULL, CHECK or FOREIGN KEY).
func IsConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// IsBusy reports whether err means the database was locked by another writer.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// Classify maps database errors onto the error taxonomy: constraint
// violations become a ValidationError for typeName, lock contention becomes
// a retryable IOError. Anything else is returned unchanged.
func Classify(typeName domain.TypeName, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case IsConstraint(err):
		return &domain.ValidationError{Type: typeName, Reason: "destination constraint violated", Err: err}
	case IsBusy(err):
		return &domain.IOError{Op: op, Err: err}
	default:
		return err
	}
}
