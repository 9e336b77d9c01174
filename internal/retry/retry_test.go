package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/sp500-pipeline/internal/etlerr"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), nil, "test", func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return etlerr.Transient(etlerr.KindSourceUnavailable, "test", errors.New("reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := etlerr.New(etlerr.KindParse, "test", errors.New("no table"))
	err := Do(context.Background(), fastPolicy(5), nil, "test", func(ctx context.Context, attempt int) error {
		calls++
		return perm
	})

	assert.Same(t, perm, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), nil, "load", func(ctx context.Context, attempt int) error {
		calls++
		return etlerr.New(etlerr.KindLoadTransient, "load", errors.New("deadlock"))
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, etlerr.KindLoadTransient, etlerr.KindOf(err))
	assert.Contains(t, err.Error(), "max attempts (3) exceeded")
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour}

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, nil, "test", func(ctx context.Context, attempt int) error {
		calls++
		return etlerr.New(etlerr.KindRateLimited, "test", nil)
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, nil, "test", func(ctx context.Context, attempt int) error {
		calls++
		return etlerr.New(etlerr.KindRateLimited, "test", nil)
	})
	assert.Equal(t, 1, calls)
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Zero(t, p.Backoff(1))

	for attempt := 2; attempt <= 10; attempt++ {
		d := p.Backoff(attempt)
		assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Second, "attempt %d", attempt)
	}

	// Attempt 2 uses the base delay jittered to [50ms, 150ms].
	d := p.Backoff(2)
	assert.GreaterOrEqual(t, d, 50*time.Millisecond)
	assert.LessOrEqual(t, d, 150*time.Millisecond)
}

func TestDo_HonoursRetryAfterFloor(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second}
	start := time.Now()
	_ = Do(context.Background(), p, nil, "test", func(ctx context.Context, attempt int) error {
		return &etlerr.Error{Kind: etlerr.KindRateLimited, Op: "test", RetryAfter: 50 * time.Millisecond}
	})
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
