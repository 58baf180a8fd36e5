package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brokerlink/relay/internal/infrastructure/ratelimit"
)

func newTestExecutor(t *testing.T, limiter *ratelimit.Limiter) (*Executor, *[]time.Duration) {
	t.Helper()
	e := NewExecutor(limiter, zaptest.NewLogger(t), nil)
	t.Cleanup(e.Close)
	slept := &[]time.Duration{}
	e.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return e, slept
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	e, slept := newTestExecutor(t, nil)

	calls := 0
	err := e.Execute(context.Background(), OperationContext{Component: "broker", Operation: "get_order_status"}, DefaultPolicy(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestNonRetryableSingleAttempt(t *testing.T) {
	e, _ := newTestExecutor(t, nil)

	boom := errors.New("invalid order id")
	calls := 0
	err := e.Execute(context.Background(), OperationContext{Component: "broker", Operation: "op"}, Policy{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}, func(context.Context) error {
		calls++
		return boom
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, boom, err)
}

func TestRetryableRespectsCapAndReturnsOriginal(t *testing.T) {
	e, slept := newTestExecutor(t, nil)

	boom := errors.New("connection refused")
	calls := 0
	err := e.Execute(context.Background(), OperationContext{Component: "broker", Operation: "op"}, Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Minute, BackoffMultiplier: 2}, func(context.Context) error {
		calls++
		return boom
	})
	// 1 initial + 3 retries
	assert.Equal(t, 4, calls)
	assert.Same(t, boom, err)
	assert.Len(t, *slept, 3)
}

func TestBackoffUsesSuggestedDelay(t *testing.T) {
	e, slept := newTestExecutor(t, nil)

	err := e.Execute(context.Background(), OperationContext{Component: "broker", Operation: "op"}, Policy{MaxRetries: 1, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 2}, func(context.Context) error {
		return errors.New("request timed out")
	})
	require.Error(t, err)
	// network classification suggests 2s regardless of the base schedule
	require.Len(t, *slept, 1)
	assert.Equal(t, 2*time.Second, (*slept)[0])
}

func TestBackoffExponentialCappedAtMax(t *testing.T) {
	e, slept := newTestExecutor(t, nil)

	// rate-limit classification suggests 30s; MaxDelay=1s must cap it
	err := e.Execute(context.Background(), OperationContext{Component: "broker", Operation: "op"}, Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}, func(context.Context) error {
		return errors.New("rate limit exceeded")
	})
	require.Error(t, err)
	require.Len(t, *slept, 2)
	for _, d := range *slept {
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestSuccessAfterRetries(t *testing.T) {
	e, _ := newTestExecutor(t, nil)

	calls := 0
	err := e.Execute(context.Background(), OperationContext{Component: "broker", Operation: "op"}, DefaultPolicy(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("network unreachable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRateLimiterConsultedBeforeAttempt(t *testing.T) {
	limiter := ratelimit.NewLimiter(zaptest.NewLogger(t), nil)
	t.Cleanup(limiter.Close)
	e, slept := newTestExecutor(t, limiter)

	opCtx := OperationContext{
		Component:       "broker",
		Operation:       "get_order_status",
		SubjectID:       "user-1",
		Resource:        "broker-api",
		RateLimit:       1,
		RateLimitWindow: time.Minute,
	}

	calls := 0
	op := func(context.Context) error { calls++; return nil }

	require.NoError(t, e.Execute(context.Background(), opCtx, DefaultPolicy(), op))
	require.NoError(t, e.Execute(context.Background(), opCtx, DefaultPolicy(), op))

	// Second call exceeded limit=1: it waited but was never skipped.
	assert.Equal(t, 2, calls)
	require.Len(t, *slept, 1)
	assert.Greater(t, (*slept)[0], time.Duration(0))
}

func TestFailureHistoryRecordedAndPruned(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	err := e.Execute(context.Background(), OperationContext{TraceID: "t-1", Component: "broker", Operation: "op"}, Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}, func(context.Context) error {
		return errors.New("connection refused")
	})
	require.Error(t, err)

	recs := e.Failures(now.Add(-time.Minute))
	require.Len(t, recs, 1)
	assert.Equal(t, "t-1", recs[0].TraceID)
	assert.Equal(t, KindNetwork, recs[0].Classification.Kind)
	assert.Equal(t, 2, recs[0].Attempts)

	// Records older than maxAge are pruned.
	now = now.Add(2 * time.Hour)
	e.prune()
	assert.Empty(t, e.Failures(time.Time{}))
}

func TestContextCancelledDuringBackoff(t *testing.T) {
	e := NewExecutor(nil, zaptest.NewLogger(t), nil)
	t.Cleanup(e.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	boom := errors.New("connection refused")
	err := e.Execute(ctx, OperationContext{Component: "broker", Operation: "op"}, DefaultPolicy(), func(context.Context) error {
		return boom
	})
	// The original failure is surfaced, not the bookkeeping state.
	assert.Same(t, boom, err)
}
