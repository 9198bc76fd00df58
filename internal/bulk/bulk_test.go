package bulk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSequentialExecution(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	var executed []string

	op := &Operation{}
	result := op.Execute(context.Background(), items, func(_ context.Context, _ int, item string) error {
		executed = append(executed, item)
		return nil
	})

	assert.Equal(t, 5, result.TotalItems)
	assert.Equal(t, 5, result.Succeeded)
	assert.True(t, result.OK())
	assert.Equal(t, items, executed)
}

func TestContinueOnError(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	items := []string{"issues", "labels", "pipelines"}
	var executed []string

	op := &Operation{ContinueOnError: true, Kind: "bundle", Logger: zap.New(core)}
	result := op.Execute(context.Background(), items, func(_ context.Context, i int, item string) error {
		executed = append(executed, item)
		if i == 1 {
			return errors.New("corrupt archive")
		}
		return nil
	})

	assert.Equal(t, items, executed)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "labels", result.Errors[0].Item)
	assert.Equal(t, 1, result.Errors[0].Index)
	assert.EqualError(t, result.Errs()[0], "labels: corrupt archive")
	assert.Equal(t, 1, logs.FilterMessage("bundle failed").Len())
}

func TestStopOnError(t *testing.T) {
	items := []string{"a", "b", "c"}
	calls := 0

	op := &Operation{}
	result := op.Execute(context.Background(), items, func(_ context.Context, _ int, item string) error {
		calls++
		if item == "a" {
			return errors.New("boom")
		}
		return nil
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 1, result.ExitCode())
}

func TestCancelledContextSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	op := &Operation{ContinueOnError: true}

	result := op.Execute(ctx, []string{"a", "b", "c"}, func(_ context.Context, i int, _ string) error {
		if i == 0 {
			cancel()
		}
		return nil
	})

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 2, result.Skipped)
	assert.False(t, result.OK())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(3, 0))
	assert.Equal(t, 5, ExitCode(2, 1))
	assert.Equal(t, 1, ExitCode(0, 2))
}

func TestPrintErrorsTruncates(t *testing.T) {
	var errs []error
	for i := 0; i < 12; i++ {
		errs = append(errs, fmt.Errorf("error %d", i))
	}

	var buf bytes.Buffer
	PrintErrors(&buf, 1, errs)

	out := buf.String()
	assert.Contains(t, out, "Partial success")
	assert.Contains(t, out, "first 10 errors (of 12)")
	assert.Contains(t, out, "error 9")
	assert.NotContains(t, out, "error 10")
}
