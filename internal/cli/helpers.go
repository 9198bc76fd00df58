package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lherron/graphport/internal/bulk"
	"github.com/lherron/graphport/internal/render"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// finish prints the outcome of a run and maps it onto an exit code:
// 0 when nothing failed, 5 on partial success, 1 otherwise.
func finish(w io.Writer, succeeded int, errs []error) error {
	bulk.PrintErrors(w, succeeded, errs)
	code := bulk.ExitCode(succeeded, len(errs))
	if code == 0 {
		return nil
	}
	return exitError(code, fmt.Errorf("%d error(s)", len(errs)))
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, exitError(2, fmt.Errorf("invalid %s %q", what, arg))
	}
	return id, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderer(cmd *cobra.Command) (*render.Renderer, error) {
	value, _ := cmd.Flags().GetString("output")
	format, err := render.ParseFormat(value)
	if err != nil {
		return nil, exitError(2, err)
	}
	return render.NewRenderer(cmd.OutOrStdout(), format), nil
}

func errorStrings(errs []error) []string {
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}
