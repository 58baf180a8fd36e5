package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brokerlink/relay/internal/broker"
	"github.com/brokerlink/relay/internal/infrastructure/ratelimit"
	"github.com/brokerlink/relay/internal/reconciler"
	"github.com/brokerlink/relay/internal/resilience"
	"github.com/brokerlink/relay/internal/storage"
	"github.com/brokerlink/relay/internal/tracing"
	"github.com/brokerlink/relay/internal/ws"
	"github.com/brokerlink/relay/pkg/models"
)

// fakeStore backs both the orchestrator and the reconciler.
type fakeStore struct {
	mu         sync.Mutex
	orders     map[uuid.UUID]*models.OrderRecord
	lifecycles map[string]*models.TraceLifecycle
	errorLogs  []models.ErrorLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:     map[uuid.UUID]*models.OrderRecord{},
		lifecycles: map[string]*models.TraceLifecycle{},
	}
}

func (f *fakeStore) GetOrder(ctx context.Context, id uuid.UUID) (*models.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, reconciler.ErrOrderNotFound
	}
	clone := *order
	return &clone, nil
}

func (f *fakeStore) ConditionalUpdateOrder(ctx context.Context, id uuid.UUID, fields map[string]any) (*models.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, reconciler.ErrOrderNotFound
	}
	if v, ok := fields["status"]; ok {
		order.Status = v.(string)
	}
	if v, ok := fields["executed_quantity"]; ok {
		order.ExecutedQuantity = v.(decimal.Decimal)
	}
	if v, ok := fields["average_price"]; ok {
		order.AveragePrice = v.(decimal.Decimal)
	}
	if v, ok := fields["rejection_reason"]; ok {
		order.RejectionReason = v.(string)
	}
	if v, ok := fields["last_updated"]; ok {
		order.LastUpdated = v.(time.Time)
	}
	clone := *order
	return &clone, nil
}

// tracing.Store surface.
func (f *fakeStore) CreateLifecycle(ctx context.Context, lc *models.TraceLifecycle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *lc
	f.lifecycles[lc.TraceID] = &clone
	return nil
}

func (f *fakeStore) AppendOperation(ctx context.Context, traceID string, op models.TraceOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lc, ok := f.lifecycles[traceID]; ok {
		lc.Operations = append(lc.Operations, op)
	}
	return nil
}

func (f *fakeStore) UpdateOperation(ctx context.Context, traceID, name string, update tracing.OperationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lc, ok := f.lifecycles[traceID]
	if !ok {
		return nil
	}
	for i := len(lc.Operations) - 1; i >= 0; i-- {
		op := &lc.Operations[i]
		if op.Name == name && op.Status == models.OperationStatusPending {
			op.Status = update.Status
			end := update.EndTime
			op.EndTime = &end
			return nil
		}
	}
	return nil
}

func (f *fakeStore) FinalizeLifecycle(ctx context.Context, traceID, status string, endTime time.Time, duration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lc, ok := f.lifecycles[traceID]; ok {
		lc.Status = status
		lc.EndTime = &endTime
		ms := duration.Milliseconds()
		lc.DurationMs = &ms
	}
	return nil
}

func (f *fakeStore) IncrementErrorCount(ctx context.Context, traceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lc, ok := f.lifecycles[traceID]; ok {
		lc.ErrorCount++
	}
	return nil
}

func (f *fakeStore) TraceStatistics(ctx context.Context, since time.Time) (models.TraceStatistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stats models.TraceStatistics
	for _, lc := range f.lifecycles {
		switch lc.Status {
		case models.TraceStatusSuccess:
			stats.Total++
			stats.Successful++
		case models.TraceStatusError:
			stats.Total++
			stats.Errored++
		}
	}
	return stats, nil
}

func (f *fakeStore) GetLifecycle(ctx context.Context, traceID string) (*models.TraceLifecycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lc, ok := f.lifecycles[traceID]
	if !ok {
		return nil, storage.ErrTraceNotFound
	}
	clone := *lc
	return &clone, nil
}

func (f *fakeStore) FindErrorsByTrace(ctx context.Context, traceID string) ([]models.ErrorLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ErrorLog
	for _, rec := range f.errorLogs {
		if rec.TraceID == traceID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) ErrorAnalytics(ctx context.Context, since time.Time) (*storage.ErrorAnalytics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agg := &storage.ErrorAnalytics{ByType: map[string]int64{}, ByComponent: map[string]int64{}}
	for _, rec := range f.errorLogs {
		if rec.Timestamp.Before(since) {
			continue
		}
		agg.Total++
		agg.ByType[rec.ErrorType]++
		agg.ByComponent[rec.Component]++
	}
	return agg, nil
}

func (f *fakeStore) CreateErrorRecord(ctx context.Context, rec *models.ErrorLog) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	f.errorLogs = append(f.errorLogs, *rec)
	return rec.ID, nil
}

type scriptedAdapter struct {
	name   string
	report models.StatusReport
	err    error
	calls  int
}

func (a *scriptedAdapter) Name() string { return a.name }
func (a *scriptedAdapter) GetOrderStatus(ctx context.Context, userID uuid.UUID, brokerOrderID string) (models.StatusReport, error) {
	a.calls++
	if a.err != nil {
		return models.StatusReport{}, a.err
	}
	return a.report, nil
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls int
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, userID uuid.UUID, event string, payload any, opts ws.BroadcastOptions) ws.Attempt {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return ws.Attempt{Success: true}
}

type fixture struct {
	svc         *Service
	store       *fakeStore
	adapter     *scriptedAdapter
	broadcaster *recordingBroadcaster
	order       *models.OrderRecord
	userID      uuid.UUID
}

func newFixture(t *testing.T, adapter *scriptedAdapter) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store := newFakeStore()
	userID := uuid.New()
	order := &models.OrderRecord{
		ID:            uuid.New(),
		UserID:        userID,
		BrokerName:    adapter.name,
		BrokerOrderID: "br-1",
		Symbol:        "AAPL",
		Status:        models.OrderStatusPending,
	}
	store.orders[order.ID] = order

	brokers := broker.NewRegistry()
	brokers.Register(adapter)

	limiter := ratelimit.NewLimiter(logger, nil)
	t.Cleanup(limiter.Close)
	executor := resilience.NewExecutor(limiter, logger, nil)
	t.Cleanup(executor.Close)
	traces := tracing.NewRegistry(store, logger, time.Minute)
	t.Cleanup(traces.Close)

	broadcaster := &recordingBroadcaster{}
	recon := reconciler.NewService(store, broadcaster, nil, logger)

	cfg := Config{
		RateLimit:       100,
		RateLimitWindow: time.Minute,
		Retry:           resilience.Policy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2},
		Reconcile:       reconciler.DefaultOptions(),
	}
	svc := NewService(store, brokers, executor, recon, traces, limiter, cfg, logger)

	return &fixture{svc: svc, store: store, adapter: adapter, broadcaster: broadcaster, order: order, userID: userID}
}

func TestCheckOrderStatusHappyPath(t *testing.T) {
	qty := decimal.NewFromInt(100)
	fx := newFixture(t, &scriptedAdapter{
		name:   "alpaca",
		report: models.StatusReport{Status: models.OrderStatusExecuted, ExecutedQuantity: &qty},
	})

	res, err := fx.svc.CheckOrderStatus(context.Background(), fx.userID, fx.order.ID)
	require.NoError(t, err)

	assert.True(t, res.Updated)
	assert.NotEmpty(t, res.TraceID)
	assert.Equal(t, models.OrderStatusExecuted, res.Order.Status)
	assert.Equal(t, 1, fx.broadcaster.calls)

	lc, err := fx.store.GetLifecycle(context.Background(), res.TraceID)
	require.NoError(t, err)
	assert.Equal(t, models.TraceStatusSuccess, lc.Status)
	require.Len(t, lc.Operations, 2)
	assert.Equal(t, "broker_status_fetch", lc.Operations[0].Name)
	assert.Equal(t, models.OperationStatusSuccess, lc.Operations[0].Status)
	assert.Equal(t, "reconcile", lc.Operations[1].Name)
	assert.Equal(t, models.OperationStatusSuccess, lc.Operations[1].Status)
}

func TestCheckOrderStatusReusesCallerTraceID(t *testing.T) {
	fx := newFixture(t, &scriptedAdapter{
		name:   "alpaca",
		report: models.StatusReport{Status: models.OrderStatusPending},
	})

	ctx := tracing.ContextWithTraceID(context.Background(), "caller-trace")
	res, err := fx.svc.CheckOrderStatus(ctx, fx.userID, fx.order.ID)
	require.NoError(t, err)
	assert.Equal(t, "caller-trace", res.TraceID)
	assert.False(t, res.Updated)
}

func TestCheckOrderStatusBrokerFailure(t *testing.T) {
	brokerErr := broker.AdaptError(errors.New("invalid order id"), 400, "", resilience.KindValidation)
	fx := newFixture(t, &scriptedAdapter{name: "alpaca", err: brokerErr})

	_, err := fx.svc.CheckOrderStatus(context.Background(), fx.userID, fx.order.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, brokerErrUnwrap(brokerErr))
	assert.Equal(t, 1, fx.adapter.calls)

	// The failure is persisted against the trace and the trace finalized
	// as errored.
	require.Len(t, fx.store.errorLogs, 1)
	rec := fx.store.errorLogs[0]
	assert.Equal(t, string(resilience.KindValidation), rec.ErrorType)
	assert.Equal(t, "broker", rec.Component)

	lc, err := fx.store.GetLifecycle(context.Background(), rec.TraceID)
	require.NoError(t, err)
	assert.Equal(t, models.TraceStatusError, lc.Status)
	assert.Equal(t, 1, lc.ErrorCount)

	assert.Equal(t, 0, fx.broadcaster.calls)
}

func brokerErrUnwrap(err error) error {
	var f *resilience.Fault
	if errors.As(err, &f) {
		return f.Input.Err
	}
	return err
}

func TestCheckOrderStatusUnknownBroker(t *testing.T) {
	fx := newFixture(t, &scriptedAdapter{name: "alpaca"})
	fx.order.BrokerName = "ghost"
	fx.store.orders[fx.order.ID] = fx.order

	_, err := fx.svc.CheckOrderStatus(context.Background(), fx.userID, fx.order.ID)
	assert.ErrorIs(t, err, broker.ErrUnknownBroker)
	require.Len(t, fx.store.errorLogs, 1)
	assert.Equal(t, "relay", fx.store.errorLogs[0].Component)
}

func TestCheckOrderStatusUnknownOrder(t *testing.T) {
	fx := newFixture(t, &scriptedAdapter{name: "alpaca"})

	_, err := fx.svc.CheckOrderStatus(context.Background(), fx.userID, uuid.New())
	assert.ErrorIs(t, err, reconciler.ErrOrderNotFound)
	assert.Empty(t, fx.store.lifecycles)
}

func TestCheckOrderStatusBatchIsolatesFailures(t *testing.T) {
	fx := newFixture(t, &scriptedAdapter{
		name:   "alpaca",
		report: models.StatusReport{Status: models.OrderStatusExecuted},
	})
	missing := uuid.New()

	outcomes := fx.svc.CheckOrderStatusBatch(context.Background(), fx.userID, []uuid.UUID{fx.order.ID, missing})
	require.Len(t, outcomes, 2)

	assert.NoError(t, outcomes[0].Err)
	assert.True(t, outcomes[0].Result.Updated)

	assert.ErrorIs(t, outcomes[1].Err, reconciler.ErrOrderNotFound)
	assert.NotEmpty(t, outcomes[1].Error)
	assert.Nil(t, outcomes[1].Result)
}

func TestTraceDetailJoinsErrors(t *testing.T) {
	brokerErr := broker.AdaptError(errors.New("invalid order id"), 400, "", resilience.KindValidation)
	fx := newFixture(t, &scriptedAdapter{name: "alpaca", err: brokerErr})

	_, err := fx.svc.CheckOrderStatus(context.Background(), fx.userID, fx.order.ID)
	require.Error(t, err)
	require.Len(t, fx.store.errorLogs, 1)
	traceID := fx.store.errorLogs[0].TraceID

	detail, err := fx.svc.TraceDetail(context.Background(), traceID)
	require.NoError(t, err)
	assert.Equal(t, models.TraceStatusError, detail.Lifecycle.Status)
	require.Len(t, detail.Errors, 1)

	_, err = fx.svc.TraceDetail(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrTraceNotFound)
}

func TestErrorAnalyticsJoinsExecutorFailures(t *testing.T) {
	brokerErr := broker.AdaptError(errors.New("invalid order id"), 400, "", resilience.KindValidation)
	fx := newFixture(t, &scriptedAdapter{name: "alpaca", err: brokerErr})

	_, err := fx.svc.CheckOrderStatus(context.Background(), fx.userID, fx.order.ID)
	require.Error(t, err)

	report, err := fx.svc.ErrorAnalytics(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Total)
	assert.Equal(t, int64(1), report.ByType[string(resilience.KindValidation)])
	require.Len(t, report.TerminalFailures, 1)
	assert.Equal(t, "get_order_status", report.TerminalFailures[0].Operation)
}

func TestRateLimitStatusReflectsUsage(t *testing.T) {
	fx := newFixture(t, &scriptedAdapter{
		name:   "alpaca",
		report: models.StatusReport{Status: models.OrderStatusPending},
	})

	_, ok := fx.svc.RateLimitStatus(fx.userID.String(), "alpaca", "get_order_status")
	assert.False(t, ok)

	_, err := fx.svc.CheckOrderStatus(context.Background(), fx.userID, fx.order.ID)
	require.NoError(t, err)

	snap, ok := fx.svc.RateLimitStatus(fx.userID.String(), "alpaca", "get_order_status")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Count)
}
