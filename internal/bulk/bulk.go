// Package bulk runs a list of independent steps in order, recording each
// step's failure and carrying on to the next when asked to.
package bulk

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Operation represents a bulk operation configuration
type Operation struct {
	ContinueOnError bool
	// Kind names the items in log lines, e.g. "bundle" or "fix-up".
	Kind   string
	Logger *zap.Logger
}

// Result represents the result of a bulk operation
type Result struct {
	TotalItems int
	Succeeded  int
	Failed     int
	Skipped    int
	Errors     []ItemError
}

// ItemError represents an error for a specific item
type ItemError struct {
	Item  string
	Index int
	Error error
}

// ItemFunc is the function to execute for each item
type ItemFunc func(ctx context.Context, index int, item string) error

// Execute runs fn on every item in order. Context cancellation between items
// marks the remaining ones skipped.
func (op *Operation) Execute(ctx context.Context, items []string, fn ItemFunc) *Result {
	result := &Result{
		TotalItems: len(items),
	}

	logger := op.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	kind := op.Kind
	if kind == "" {
		kind = "item"
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			result.Skipped = len(items) - i
			result.Errors = append(result.Errors, ItemError{Item: item, Index: i, Error: err})
			return result
		}

		err := fn(ctx, i, item)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ItemError{
				Item:  item,
				Index: i,
				Error: err,
			})
			logger.Warn(kind+" failed",
				zap.String(kind, item),
				zap.Int("index", i),
				zap.Error(err),
			)

			if !op.ContinueOnError {
				result.Skipped = len(items) - i - 1
				return result
			}
			continue
		}

		result.Succeeded++
		logger.Debug(kind+" done", zap.String(kind, item), zap.Int("index", i))
	}

	return result
}

// OK reports whether every item succeeded.
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

// Errs returns the item errors, in item order, as errors that name their item.
func (r *Result) Errs() []error {
	out := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = fmt.Errorf("%s: %w", e.Item, e.Error)
	}
	return out
}

// ExitCode returns the appropriate exit code for the result
func (r *Result) ExitCode() int {
	return ExitCode(r.Succeeded, len(r.Errors))
}

// ExitCode maps success and failure counts onto the process exit code.
func ExitCode(succeeded, failed int) int {
	if failed == 0 {
		return 0 // All succeeded
	}
	if succeeded > 0 {
		return 5 // Partial success
	}
	return 1 // All failed
}

// PrintSummary prints a human-readable summary of the result
func (r *Result) PrintSummary(w io.Writer) {
	PrintErrors(w, r.Succeeded, r.Errs())
}

// PrintErrors prints a summary line followed by at most ten errors.
func PrintErrors(w io.Writer, succeeded int, errs []error) {
	switch {
	case len(errs) == 0:
		fmt.Fprintf(w, "✓ All %d operations succeeded\n", succeeded)
	case succeeded == 0:
		fmt.Fprintf(w, "✗ Failed with %d error(s)\n", len(errs))
	default:
		fmt.Fprintf(w, "⚠ Partial success: %d succeeded, %d error(s)\n", succeeded, len(errs))
	}

	shown := errs
	if len(errs) > 10 {
		fmt.Fprintf(w, "\nShowing first 10 errors (of %d):\n", len(errs))
		shown = errs[:10]
	} else if len(errs) > 0 {
		fmt.Fprintf(w, "\nErrors:\n")
	}
	for _, e := range shown {
		fmt.Fprintf(w, "  %v\n", e)
	}
}
