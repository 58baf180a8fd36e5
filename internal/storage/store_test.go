package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/brokerlink/relay/internal/reconciler"
	"github.com/brokerlink/relay/internal/tracing"
	"github.com/brokerlink/relay/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=private"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	store, err := New(db, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Monotonic clock so operation rows always get distinct sequence
	// numbers even on coarse timers.
	var tick int64
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	return store
}

func seedOrder(t *testing.T, store *Store) *models.OrderRecord {
	t.Helper()
	order := &models.OrderRecord{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		BrokerName:    "alpaca",
		BrokerOrderID: "br-100",
		Symbol:        "AAPL",
		Side:          "BUY",
		Quantity:      decimal.NewFromInt(100),
		Status:        models.OrderStatusPending,
		LastUpdated:   time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateOrder(context.Background(), order))
	return order
}

func TestGetOrderNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetOrder(context.Background(), uuid.New())
	assert.ErrorIs(t, err, reconciler.ErrOrderNotFound)
}

func TestConditionalUpdateOrderTouchesOnlyGivenFields(t *testing.T) {
	store := newTestStore(t)
	order := seedOrder(t, store)

	updated, err := store.ConditionalUpdateOrder(context.Background(), order.ID, map[string]any{
		"status":            models.OrderStatusExecuted,
		"executed_quantity": decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusExecuted, updated.Status)
	assert.True(t, updated.ExecutedQuantity.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "AAPL", updated.Symbol)
	assert.True(t, updated.Quantity.Equal(decimal.NewFromInt(100)))
	assert.Empty(t, updated.RejectionReason)
}

func TestConditionalUpdateOrderUnknownID(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ConditionalUpdateOrder(context.Background(), uuid.New(), map[string]any{
		"status": models.OrderStatusExecuted,
	})
	assert.ErrorIs(t, err, reconciler.ErrOrderNotFound)
}

func TestTraceLifecycleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateLifecycle(ctx, &models.TraceLifecycle{
		TraceID:   "trace-1",
		StartTime: start,
		Status:    models.TraceStatusStarted,
	}))

	require.NoError(t, store.AppendOperation(ctx, "trace-1", models.TraceOperation{
		Name:      "broker_call",
		Component: "broker",
		StartTime: start,
		Status:    models.OperationStatusPending,
		Metadata:  map[string]any{"broker": "alpaca"},
	}))
	require.NoError(t, store.AppendOperation(ctx, "trace-1", models.TraceOperation{
		Name:      "broker_call",
		Component: "broker",
		StartTime: start.Add(time.Second),
		Status:    models.OperationStatusPending,
	}))

	end := start.Add(2 * time.Second)
	require.NoError(t, store.UpdateOperation(ctx, "trace-1", "broker_call", tracing.OperationUpdate{
		Status:   models.OperationStatusSuccess,
		EndTime:  end,
		Metadata: map[string]any{"attempts": float64(2)},
	}))

	require.NoError(t, store.FinalizeLifecycle(ctx, "trace-1", models.TraceStatusSuccess, end, 2*time.Second))

	lc, err := store.GetLifecycle(ctx, "trace-1")
	require.NoError(t, err)

	assert.Equal(t, models.TraceStatusSuccess, lc.Status)
	require.NotNil(t, lc.DurationMs)
	assert.Equal(t, int64(2000), *lc.DurationMs)
	require.Len(t, lc.Operations, 2)

	// The older pending row is untouched; the newest matching pending
	// row got completed with merged metadata.
	assert.Equal(t, models.OperationStatusPending, lc.Operations[0].Status)
	assert.Equal(t, "alpaca", lc.Operations[0].Metadata["broker"])
	assert.Equal(t, models.OperationStatusSuccess, lc.Operations[1].Status)
	assert.Equal(t, float64(2), lc.Operations[1].Metadata["attempts"])
}

func TestUpdateOperationNoPendingMatchIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateLifecycle(ctx, &models.TraceLifecycle{
		TraceID:   "trace-2",
		StartTime: time.Now(),
		Status:    models.TraceStatusStarted,
	}))

	err := store.UpdateOperation(ctx, "trace-2", "missing", tracing.OperationUpdate{
		Status:  models.OperationStatusSuccess,
		EndTime: time.Now(),
	})
	assert.NoError(t, err)
}

func TestIncrementErrorCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateLifecycle(ctx, &models.TraceLifecycle{
		TraceID:   "trace-3",
		StartTime: time.Now(),
		Status:    models.TraceStatusStarted,
	}))

	require.NoError(t, store.IncrementErrorCount(ctx, "trace-3"))
	require.NoError(t, store.IncrementErrorCount(ctx, "trace-3"))

	lc, err := store.GetLifecycle(ctx, "trace-3")
	require.NoError(t, err)
	assert.Equal(t, 2, lc.ErrorCount)
}

func TestGetLifecycleNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetLifecycle(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTraceNotFound)
}

func TestTraceStatisticsAggregation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	mk := func(id, status string, start time.Time, durMs int64) {
		require.NoError(t, store.CreateLifecycle(ctx, &models.TraceLifecycle{
			TraceID:   id,
			StartTime: start,
			Status:    models.TraceStatusStarted,
		}))
		if status != models.TraceStatusStarted {
			end := start.Add(time.Duration(durMs) * time.Millisecond)
			require.NoError(t, store.FinalizeLifecycle(ctx, id, status, end, time.Duration(durMs)*time.Millisecond))
		}
	}

	mk("t1", models.TraceStatusSuccess, base, 100)
	mk("t2", models.TraceStatusSuccess, base, 300)
	mk("t3", models.TraceStatusError, base, 500)
	mk("t4", models.TraceStatusStarted, base, 0)
	// Older than the window, must be excluded.
	mk("t5", models.TraceStatusError, base.Add(-2*time.Hour), 900)

	stats, err := store.TraceStatistics(ctx, base.Add(-time.Hour))
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Successful)
	assert.Equal(t, int64(1), stats.Errored)
	assert.InDelta(t, 300.0, stats.AvgDurationMs, 0.01)
}

func TestErrorRecordsAndAnalytics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	mk := func(traceID, errType, component string, ts time.Time) {
		_, err := store.CreateErrorRecord(ctx, &models.ErrorLog{
			TraceID:   traceID,
			Timestamp: ts,
			Level:     "error",
			Component: component,
			Operation: "get_status",
			Message:   "boom",
			ErrorType: errType,
			Context:   map[string]any{"broker": "alpaca"},
		})
		require.NoError(t, err)
	}

	mk("trace-a", "network", "broker", base)
	mk("trace-a", "network", "broker", base.Add(time.Minute))
	mk("trace-b", "validation", "api", base.Add(2*time.Minute))
	mk("trace-old", "network", "broker", base.Add(-3*time.Hour))

	byTrace, err := store.FindErrorsByTrace(ctx, "trace-a")
	require.NoError(t, err)
	require.Len(t, byTrace, 2)
	assert.True(t, byTrace[0].Timestamp.Before(byTrace[1].Timestamp))
	assert.Equal(t, "alpaca", byTrace[0].Context["broker"])

	analytics, err := store.ErrorAnalytics(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), analytics.Total)
	assert.Equal(t, int64(2), analytics.ByType["network"])
	assert.Equal(t, int64(1), analytics.ByType["validation"])
	assert.Equal(t, int64(2), analytics.ByComponent["broker"])
	require.NotEmpty(t, analytics.Recent)
	assert.Equal(t, "validation", analytics.Recent[0].ErrorType)
}
