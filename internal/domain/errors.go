package domain

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// SchemaError is returned when a bundle's structure is missing or malformed.
type SchemaError struct {
	Path   string
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	msg := fmt.Sprintf("schema error: %s", e.Reason)
	if e.Path != "" {
		msg = fmt.Sprintf("schema error at %s: %s", e.Path, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaError) Unwrap() error { return e.Err }

// TraversalError is returned when a bundle path escapes its declared root.
type TraversalError struct {
	Path string
	Root string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("path %q escapes root %q", e.Path, e.Root)
}

// ReferenceError is returned when a foreign key cannot be resolved in
// destination space.
type ReferenceError struct {
	Type     TypeName
	Column   string
	SourceID int64
	Reason   string
}

func (e *ReferenceError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unresolved reference %s.%s=%d: %s", e.Type, e.Column, e.SourceID, e.Reason)
	}
	return fmt.Sprintf("unresolved reference %s.%s=%d", e.Type, e.Column, e.SourceID)
}

// ConflictError is returned when an iid collision cannot be reconciled.
type ConflictError struct {
	Type    TypeName
	ScopeID int64
	IID     int64
	Err     error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%s iid %d already taken in scope %d", e.Type, e.IID, e.ScopeID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IOError wraps download, decompress and network failures. It is the only
// retryable class.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ValidationError is returned when a reconstructed record fails a
// destination-side constraint.
type ValidationError struct {
	Type   TypeName
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s", e.Type)
	if e.Field != "" {
		msg += "." + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsRetryable reports whether err belongs to the IOError class.
func IsRetryable(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// IsRecordLevel reports whether err only invalidates the record it was raised for.
func IsRecordLevel(err error) bool {
	var refErr *ReferenceError
	var valErr *ValidationError
	return errors.As(err, &refErr) || errors.As(err, &valErr)
}

// IsFatal reports whether err must abort the enclosing operation.
func IsFatal(err error) bool {
	var schemaErr *SchemaError
	var travErr *TraversalError
	if errors.As(err, &schemaErr) || errors.As(err, &travErr) {
		return true
	}
	return IsRetryable(err)
}

// ClassOf returns the taxonomy name of err, used when persisting failures.
func ClassOf(err error) string {
	var (
		schemaErr *SchemaError
		travErr   *TraversalError
		refErr    *ReferenceError
		confErr   *ConflictError
		ioErr     *IOError
		valErr    *ValidationError
	)
	switch {
	case errors.As(err, &travErr):
		return "TraversalError"
	case errors.As(err, &schemaErr):
		return "SchemaError"
	case errors.As(err, &refErr):
		return "ReferenceError"
	case errors.As(err, &valErr):
		return "ValidationError"
	case errors.As(err, &confErr):
		return "ConflictError"
	case errors.As(err, &ioErr):
		return "IOError"
	default:
		return "Error"
	}
}

// AsIOError wraps err as an IOError when it looks like a transient transport
// or corruption failure. Other errors are returned unchanged.
func AsIOError(op, path string, err error) error {
	if err == nil || IsRetryable(err) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return &IOError{Op: op, Path: path, Err: err}
	}
	return err
}
