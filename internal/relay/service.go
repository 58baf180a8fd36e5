// Package relay orchestrates a status check end to end: trace start,
// rate-limited retried broker fetch, reconciliation, broadcast, trace
// completion.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brokerlink/relay/internal/broker"
	"github.com/brokerlink/relay/internal/infrastructure/ratelimit"
	"github.com/brokerlink/relay/internal/reconciler"
	"github.com/brokerlink/relay/internal/resilience"
	"github.com/brokerlink/relay/internal/storage"
	"github.com/brokerlink/relay/internal/tracing"
	"github.com/brokerlink/relay/pkg/models"
)

// Store is the persistence surface the orchestrator reads through.
type Store interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.OrderRecord, error)
	GetLifecycle(ctx context.Context, traceID string) (*models.TraceLifecycle, error)
	FindErrorsByTrace(ctx context.Context, traceID string) ([]models.ErrorLog, error)
	ErrorAnalytics(ctx context.Context, since time.Time) (*storage.ErrorAnalytics, error)
	CreateErrorRecord(ctx context.Context, rec *models.ErrorLog) (uuid.UUID, error)
}

// Config carries the per-call knobs the orchestrator applies to every
// status check.
type Config struct {
	RateLimit       int
	RateLimitWindow time.Duration
	Retry           resilience.Policy
	Reconcile       reconciler.Options
}

// StatusResult is the outcome of one orchestrated status check.
type StatusResult struct {
	TraceID string              `json:"trace_id"`
	Updated bool                `json:"updated"`
	Order   *models.OrderRecord `json:"order"`
}

// BatchOutcome is the per-order outcome of a batch status check.
type BatchOutcome struct {
	OrderID uuid.UUID     `json:"order_id"`
	Result  *StatusResult `json:"result,omitempty"`
	Err     error         `json:"-"`
	Error   string        `json:"error,omitempty"`
}

// TraceDetail is a persisted trace with its correlated error records.
type TraceDetail struct {
	Lifecycle *models.TraceLifecycle `json:"lifecycle"`
	Errors    []models.ErrorLog      `json:"errors,omitempty"`
}

// AnalyticsReport joins persisted error aggregates with the executor's
// recent in-memory terminal failures.
type AnalyticsReport struct {
	*storage.ErrorAnalytics
	TerminalFailures []resilience.FailureRecord `json:"terminal_failures"`
}

// Service wires the relay components behind the operations the API layer
// exposes.
type Service struct {
	store    Store
	brokers  *broker.Registry
	executor *resilience.Executor
	recon    *reconciler.Service
	traces   *tracing.Registry
	limiter  *ratelimit.Limiter
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(
	store Store,
	brokers *broker.Registry,
	executor *resilience.Executor,
	recon *reconciler.Service,
	traces *tracing.Registry,
	limiter *ratelimit.Limiter,
	cfg Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:    store,
		brokers:  brokers,
		executor: executor,
		recon:    recon,
		traces:   traces,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.Named("relay"),
		now:      time.Now,
	}
}

// CheckOrderStatus fetches the broker's view of one order, with rate
// limiting and retries, reconciles it against storage and broadcasts any
// change. The whole flow is recorded as one trace.
func (s *Service) CheckOrderStatus(ctx context.Context, userID, orderID uuid.UUID) (*StatusResult, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	tc := s.traces.StartTrace(ctx, tracing.TraceIDFromContext(ctx))
	ctx = tracing.ContextWithTraceID(ctx, tc.TraceID)

	adapter, err := s.brokers.Get(order.BrokerName)
	if err != nil {
		s.recordError(ctx, tc.TraceID, "relay", "resolve_broker", err, 1)
		s.traces.CompleteTrace(ctx, tc.TraceID, models.TraceStatusError)
		return nil, err
	}

	s.traces.AddOperation(ctx, tc.TraceID, "broker_status_fetch", "broker", map[string]any{
		"broker":          order.BrokerName,
		"broker_order_id": order.BrokerOrderID,
	})

	var report models.StatusReport
	opCtx := resilience.OperationContext{
		TraceID:         tc.TraceID,
		Component:       "broker",
		Operation:       "get_order_status",
		SubjectID:       userID.String(),
		Resource:        order.BrokerName,
		RateLimit:       s.cfg.RateLimit,
		RateLimitWindow: s.cfg.RateLimitWindow,
	}
	err = s.executor.Execute(ctx, opCtx, s.cfg.Retry, func(ctx context.Context) error {
		var opErr error
		report, opErr = adapter.GetOrderStatus(ctx, userID, order.BrokerOrderID)
		return opErr
	})
	if err != nil {
		class := resilience.Classify(resilience.ErrorInput{Err: err})
		s.traces.CompleteOperation(ctx, tc.TraceID, "broker_status_fetch", models.OperationStatusError, map[string]any{
			"error": err.Error(),
			"kind":  string(class.Kind),
		})
		s.recordError(ctx, tc.TraceID, "broker", "get_order_status", err, s.cfg.Retry.MaxRetries+1)
		s.traces.CompleteTrace(ctx, tc.TraceID, models.TraceStatusError)
		return nil, fmt.Errorf("fetch broker status for order %s: %w", orderID, err)
	}
	s.traces.CompleteOperation(ctx, tc.TraceID, "broker_status_fetch", models.OperationStatusSuccess, map[string]any{
		"status": report.Status,
	})

	s.traces.AddOperation(ctx, tc.TraceID, "reconcile", "reconciler", nil)
	res, err := s.recon.Reconcile(ctx, orderID, report, userID, s.cfg.Reconcile)
	if err != nil {
		s.traces.CompleteOperation(ctx, tc.TraceID, "reconcile", models.OperationStatusError, map[string]any{
			"error": err.Error(),
		})
		s.recordError(ctx, tc.TraceID, "reconciler", "reconcile", err, 1)
		s.traces.CompleteTrace(ctx, tc.TraceID, models.TraceStatusError)
		return nil, err
	}
	s.traces.CompleteOperation(ctx, tc.TraceID, "reconcile", models.OperationStatusSuccess, map[string]any{
		"updated": res.Updated,
	})
	s.traces.CompleteTrace(ctx, tc.TraceID, models.TraceStatusSuccess)

	return &StatusResult{TraceID: tc.TraceID, Updated: res.Updated, Order: res.Order}, nil
}

// CheckOrderStatusBatch runs CheckOrderStatus per order; one failure never
// aborts the rest.
func (s *Service) CheckOrderStatusBatch(ctx context.Context, userID uuid.UUID, orderIDs []uuid.UUID) []BatchOutcome {
	outcomes := make([]BatchOutcome, 0, len(orderIDs))
	for _, id := range orderIDs {
		res, err := s.CheckOrderStatus(ctx, userID, id)
		outcome := BatchOutcome{OrderID: id, Result: res, Err: err}
		if err != nil {
			outcome.Error = err.Error()
			s.logger.Warn("batch status check failed for order",
				zap.String("order_id", id.String()), zap.Error(err))
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// TraceDetail returns the persisted lifecycle plus correlated error
// records.
func (s *Service) TraceDetail(ctx context.Context, traceID string) (*TraceDetail, error) {
	lc, err := s.store.GetLifecycle(ctx, traceID)
	if err != nil {
		return nil, err
	}
	errs, err := s.store.FindErrorsByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	return &TraceDetail{Lifecycle: lc, Errors: errs}, nil
}

// TraceStatistics aggregates completed traces over the window.
func (s *Service) TraceStatistics(ctx context.Context, window time.Duration) (models.TraceStatistics, error) {
	return s.traces.Statistics(ctx, window)
}

// ErrorAnalytics joins persisted aggregates with the executor's recent
// terminal failures over the same window.
func (s *Service) ErrorAnalytics(ctx context.Context, window time.Duration) (*AnalyticsReport, error) {
	since := s.now().Add(-window)
	agg, err := s.store.ErrorAnalytics(ctx, since)
	if err != nil {
		return nil, err
	}
	return &AnalyticsReport{
		ErrorAnalytics:   agg,
		TerminalFailures: s.executor.Failures(since),
	}, nil
}

// RateLimitStatus reports the live window for one (subject, resource,
// operation) key; ok is false when no window exists.
func (s *Service) RateLimitStatus(subjectID, resource, operation string) (ratelimit.Snapshot, bool) {
	return s.limiter.Status(subjectID, resource, operation)
}

func (s *Service) recordError(ctx context.Context, traceID, component, operation string, err error, attempts int) {
	class := resilience.Classify(resilience.ErrorInput{Err: err})
	if _, storeErr := s.store.CreateErrorRecord(ctx, &models.ErrorLog{
		TraceID:    traceID,
		Timestamp:  s.now(),
		Level:      "error",
		Component:  component,
		Operation:  operation,
		Message:    err.Error(),
		ErrorType:  string(class.Kind),
		RetryCount: attempts - 1,
	}); storeErr != nil {
		s.logger.Warn("failed to persist error record",
			zap.String("trace_id", traceID), zap.Error(storeErr))
	}
}
