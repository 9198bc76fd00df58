package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lherron/graphport/internal/domain"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestDoRetriesIOErrorsUpToCeiling(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	calls := 0

	err := Do(context.Background(), fastPolicy(3), zap.New(core), "download", func() error {
		calls++
		return &domain.IOError{Op: "download", Err: io.ErrUnexpectedEOF}
	})

	assert.Equal(t, 3, calls)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, 2, logs.FilterMessage("retrying after transient failure").Len())
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	schemaErr := &domain.SchemaError{Reason: "bad bundle"}

	err := Do(context.Background(), fastPolicy(5), nil, "load", func() error {
		calls++
		return schemaErr
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, schemaErr, err)
}

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), nil, "write", func() error {
		calls++
		if calls == 1 {
			return &domain.IOError{Op: "write", Err: errors.New("timeout")}
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastPolicy(3), nil, "write", func() error {
		calls++
		return &domain.IOError{Op: "write", Err: errors.New("timeout")}
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
