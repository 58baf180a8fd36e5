// Package reconciler applies broker-reported order status to persisted
// state, updating only on real change and pushing changes to subscribed
// clients.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brokerlink/relay/internal/ws"
	"github.com/brokerlink/relay/pkg/models"
)

// ErrOrderNotFound is returned when the order id resolves to nothing;
// reconciling a missing order is the caller's bug, never retried here.
var ErrOrderNotFound = errors.New("order not found")

// EventOrderStatus is the event name used for status broadcasts.
const EventOrderStatus = "order_status"

// OrderStore is the storage surface the reconciler depends on. The
// conditional update must be atomic per document; that atomicity is the
// storage engine's contract, not re-implemented here.
type OrderStore interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.OrderRecord, error)
	ConditionalUpdateOrder(ctx context.Context, id uuid.UUID, fields map[string]any) (*models.OrderRecord, error)
}

// Broadcaster pushes events to a user's live connections.
type Broadcaster interface {
	Broadcast(ctx context.Context, userID uuid.UUID, event string, payload any, opts ws.BroadcastOptions) ws.Attempt
}

// Publisher mirrors status events to the event stream. Optional; failures
// never affect the reconciliation outcome.
type Publisher interface {
	PublishStatusEvent(ctx context.Context, event models.OrderStatusEvent) error
}

// Options control one reconciliation call.
type Options struct {
	BroadcastOnChange     bool
	SkipIfUnchanged       bool
	MaxBroadcastRetries   int
	BroadcastRetryDelay   time.Duration
	RequireAcknowledgment bool
}

// DefaultOptions returns the standard reconciliation behavior.
func DefaultOptions() Options {
	return Options{
		BroadcastOnChange:   true,
		SkipIfUnchanged:     true,
		MaxBroadcastRetries: 3,
		BroadcastRetryDelay: 500 * time.Millisecond,
	}
}

// Result is the outcome of one reconciliation.
type Result struct {
	Updated   bool                `json:"updated"`
	Order     *models.OrderRecord `json:"order,omitempty"`
	Broadcast *ws.Attempt         `json:"broadcast,omitempty"`
}

// BatchItem pairs an order with its candidate status.
type BatchItem struct {
	OrderID   uuid.UUID           `json:"order_id"`
	Candidate models.StatusReport `json:"candidate"`
}

// BatchResult is the per-item outcome of a batch reconciliation.
type BatchResult struct {
	OrderID uuid.UUID `json:"order_id"`
	Result  Result    `json:"result"`
	Err     error     `json:"-"`
	Error   string    `json:"error,omitempty"`
}

// Service reconciles candidate statuses against stored orders.
type Service struct {
	store       OrderStore
	broadcaster Broadcaster
	publisher   Publisher
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a reconciler. publisher may be nil.
func NewService(store OrderStore, broadcaster Broadcaster, publisher Publisher, logger *zap.Logger) *Service {
	return &Service{
		store:       store,
		broadcaster: broadcaster,
		publisher:   publisher,
		logger:      logger.Named("reconciler"),
		now:         time.Now,
	}
}

// Reconcile diffs the candidate against the stored order and applies one
// atomic conditional write when something tracked actually changed. The
// broadcast outcome never affects the write outcome.
func (s *Service) Reconcile(ctx context.Context, orderID uuid.UUID, candidate models.StatusReport, userID uuid.UUID, opts Options) (Result, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, fmt.Errorf("load order %s: %w", orderID, err)
	}

	previousStatus := order.Status
	changed := s.changed(order, candidate)

	if opts.SkipIfUnchanged && !changed {
		s.logger.Debug("order unchanged, skipping update",
			zap.String("order_id", orderID.String()),
			zap.String("status", candidate.Status))
		return Result{Updated: false, Order: order}, nil
	}

	fields := buildUpdateFields(candidate, s.now())
	updated, err := s.store.ConditionalUpdateOrder(ctx, orderID, fields)
	if err != nil {
		return Result{Updated: false, Order: order}, fmt.Errorf("update order %s: %w", orderID, err)
	}

	result := Result{Updated: true, Order: updated}

	if opts.BroadcastOnChange {
		event := statusEvent(updated, candidate, previousStatus)
		attempt := s.broadcaster.Broadcast(ctx, userID, EventOrderStatus, event, ws.BroadcastOptions{
			Topic:                 ws.TopicOrders,
			MaxRetries:            opts.MaxBroadcastRetries,
			RetryDelay:            opts.BroadcastRetryDelay,
			RequireAcknowledgment: opts.RequireAcknowledgment,
		})
		result.Broadcast = &attempt
		if !attempt.Success {
			// The write already happened; delivery is best-effort.
			s.logger.Warn("status broadcast failed after successful update",
				zap.String("order_id", orderID.String()),
				zap.Int("retries", attempt.RetriesUsed),
				zap.Error(attempt.Err))
		}

		if s.publisher != nil {
			if err := s.publisher.PublishStatusEvent(ctx, event); err != nil {
				s.logger.Warn("status event publish failed",
					zap.String("order_id", orderID.String()), zap.Error(err))
			}
		}
	}

	return result, nil
}

// ReconcileBatch processes items sequentially to bound load on storage and
// broadcast; one item's failure never aborts the rest.
func (s *Service) ReconcileBatch(ctx context.Context, items []BatchItem, userID uuid.UUID, opts Options) []BatchResult {
	results := make([]BatchResult, 0, len(items))
	for _, item := range items {
		res, err := s.Reconcile(ctx, item.OrderID, item.Candidate, userID, opts)
		br := BatchResult{OrderID: item.OrderID, Result: res, Err: err}
		if err != nil {
			br.Error = err.Error()
			s.logger.Warn("batch item failed",
				zap.String("order_id", item.OrderID.String()), zap.Error(err))
		}
		results = append(results, br)
	}
	return results
}

// changed reports whether the candidate differs from stored state on any
// tracked field. A present rejectionReason always counts as changed, even
// when identical to the stored one; repeated rejected polls therefore
// re-broadcast. That mirrors long-standing behavior and is covered by an
// explicit test.
func (s *Service) changed(order *models.OrderRecord, candidate models.StatusReport) bool {
	if candidate.Status != "" && candidate.Status != order.Status {
		return true
	}
	if candidate.ExecutedQuantity != nil && !candidate.ExecutedQuantity.Equal(order.ExecutedQuantity) {
		return true
	}
	if candidate.AveragePrice != nil && !candidate.AveragePrice.Equal(order.AveragePrice) {
		return true
	}
	if candidate.RejectionReason != "" {
		return true
	}
	return false
}

// buildUpdateFields assembles the partial update from candidate-present
// fields only.
func buildUpdateFields(candidate models.StatusReport, now time.Time) map[string]any {
	fields := map[string]any{"last_updated": now}
	if candidate.Status != "" {
		fields["status"] = candidate.Status
	}
	if candidate.ExecutedQuantity != nil {
		fields["executed_quantity"] = *candidate.ExecutedQuantity
	}
	if candidate.AveragePrice != nil {
		fields["average_price"] = *candidate.AveragePrice
	}
	if candidate.RejectionReason != "" {
		fields["rejection_reason"] = candidate.RejectionReason
	}
	return fields
}

func statusEvent(order *models.OrderRecord, candidate models.StatusReport, previousStatus string) models.OrderStatusEvent {
	event := models.OrderStatusEvent{
		OrderID:         order.ID,
		BrokerOrderID:   order.BrokerOrderID,
		Status:          order.Status,
		RejectionReason: candidate.RejectionReason,
		UpdatedAt:       order.LastUpdated,
	}
	if previousStatus != order.Status {
		event.PreviousStatus = previousStatus
	}
	if candidate.ExecutedQuantity != nil {
		event.ExecutedQuantity = candidate.ExecutedQuantity
	}
	if candidate.AveragePrice != nil {
		event.AveragePrice = candidate.AveragePrice
	}
	return event
}
