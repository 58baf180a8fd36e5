// Package tracing correlates the phases of one logical request across
// components into a single auditable lifecycle. The registry is an
// observer: none of its methods return errors to callers, because tracing
// must never break the business operation it is recording.
package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brokerlink/relay/pkg/models"
)

// Store is the persistence surface the registry writes lifecycle state to.
// The persisted lifecycle is authoritative; in-memory entries are evictable
// working copies.
type Store interface {
	CreateLifecycle(ctx context.Context, lc *models.TraceLifecycle) error
	AppendOperation(ctx context.Context, traceID string, op models.TraceOperation) error
	UpdateOperation(ctx context.Context, traceID, name string, update OperationUpdate) error
	FinalizeLifecycle(ctx context.Context, traceID, status string, endTime time.Time, duration time.Duration) error
	IncrementErrorCount(ctx context.Context, traceID string) error
	TraceStatistics(ctx context.Context, since time.Time) (models.TraceStatistics, error)
}

// OperationUpdate carries the completion fields for a persisted operation.
type OperationUpdate struct {
	Status   string
	EndTime  time.Time
	Metadata map[string]any
}

// TraceContext is the in-memory working copy of one trace.
type TraceContext struct {
	TraceID      string
	StartTime    time.Time
	Operations   []models.TraceOperation
	LastActivity time.Time
}

type traceEntry struct {
	mu    sync.Mutex
	trace *TraceContext
}

// Registry holds active traces keyed by trace id. Updates to one trace are
// serialized through the entry's lock; distinct traces proceed
// independently.
type Registry struct {
	mu     sync.RWMutex
	traces map[string]*traceEntry

	store  Store
	logger *zap.Logger
	now    func() time.Time
	maxAge time.Duration
	stop   chan struct{}
}

// NewRegistry creates a registry and starts its inactivity sweep. maxAge
// bounds how long an inactive trace stays in memory.
func NewRegistry(store Store, logger *zap.Logger, maxAge time.Duration) *Registry {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	r := &Registry{
		traces: make(map[string]*traceEntry),
		store:  store,
		logger: logger.Named("tracing"),
		now:    time.Now,
		maxAge: maxAge,
		stop:   make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// StartTrace creates a trace, generating an id when none is supplied, and
// persists a STARTED lifecycle row.
func (r *Registry) StartTrace(ctx context.Context, traceID string) *TraceContext {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	now := r.now()
	tc := &TraceContext{TraceID: traceID, StartTime: now, LastActivity: now}

	r.mu.Lock()
	r.traces[traceID] = &traceEntry{trace: tc}
	r.mu.Unlock()

	if err := r.store.CreateLifecycle(ctx, &models.TraceLifecycle{
		TraceID:   traceID,
		StartTime: now,
		Status:    models.TraceStatusStarted,
	}); err != nil {
		r.logger.Warn("failed to persist trace start", zap.String("trace_id", traceID), zap.Error(err))
	}
	return tc
}

// AddOperation appends a PENDING operation to the trace. Unknown trace ids
// are a warning, not an error.
func (r *Registry) AddOperation(ctx context.Context, traceID, name, component string, metadata map[string]any) {
	entry := r.entry(traceID)
	if entry == nil {
		r.logger.Warn("add operation on unknown trace",
			zap.String("trace_id", traceID), zap.String("operation", name))
		return
	}

	op := models.TraceOperation{
		Name:      name,
		Component: component,
		StartTime: r.now(),
		Status:    models.OperationStatusPending,
		Metadata:  metadata,
	}

	entry.mu.Lock()
	entry.trace.Operations = append(entry.trace.Operations, op)
	entry.trace.LastActivity = r.now()
	entry.mu.Unlock()

	if err := r.store.AppendOperation(ctx, traceID, op); err != nil {
		r.logger.Warn("failed to persist trace operation",
			zap.String("trace_id", traceID), zap.String("operation", name), zap.Error(err))
	}
}

// CompleteOperation completes the most recent PENDING operation with the
// given name. No matching pending operation is a warning no-op. When two
// same-named operations are pending concurrently, recency is the only
// disambiguator; that is a known limitation of the model.
func (r *Registry) CompleteOperation(ctx context.Context, traceID, name, status string, metadata map[string]any) {
	entry := r.entry(traceID)
	if entry == nil {
		r.logger.Warn("complete operation on unknown trace",
			zap.String("trace_id", traceID), zap.String("operation", name))
		return
	}

	now := r.now()

	entry.mu.Lock()
	var op *models.TraceOperation
	for i := len(entry.trace.Operations) - 1; i >= 0; i-- {
		candidate := &entry.trace.Operations[i]
		if candidate.Name == name && candidate.Status == models.OperationStatusPending {
			op = candidate
			break
		}
	}
	if op == nil {
		entry.mu.Unlock()
		r.logger.Warn("no pending operation to complete",
			zap.String("trace_id", traceID), zap.String("operation", name), zap.String("status", status))
		return
	}
	op.Status = status
	op.EndTime = &now
	if len(metadata) > 0 {
		if op.Metadata == nil {
			op.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			op.Metadata[k] = v
		}
	}
	entry.trace.LastActivity = now
	entry.mu.Unlock()

	if err := r.store.UpdateOperation(ctx, traceID, name, OperationUpdate{
		Status:   status,
		EndTime:  now,
		Metadata: metadata,
	}); err != nil {
		r.logger.Warn("failed to persist operation completion",
			zap.String("trace_id", traceID), zap.String("operation", name), zap.Error(err))
	}

	if status == models.OperationStatusError {
		if err := r.store.IncrementErrorCount(ctx, traceID); err != nil {
			r.logger.Warn("failed to increment trace error count",
				zap.String("trace_id", traceID), zap.Error(err))
		}
	}
}

// CompleteTrace finalizes the persisted lifecycle and drops the trace from
// memory.
func (r *Registry) CompleteTrace(ctx context.Context, traceID, status string) {
	entry := r.entry(traceID)
	if entry == nil {
		r.logger.Warn("complete on unknown trace", zap.String("trace_id", traceID))
		return
	}

	entry.mu.Lock()
	start := entry.trace.StartTime
	entry.mu.Unlock()

	now := r.now()
	if err := r.store.FinalizeLifecycle(ctx, traceID, status, now, now.Sub(start)); err != nil {
		r.logger.Warn("failed to finalize trace", zap.String("trace_id", traceID), zap.Error(err))
	}

	r.mu.Lock()
	delete(r.traces, traceID)
	r.mu.Unlock()
}

// ActiveCount returns the number of traces currently held in memory.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.traces)
}

// Statistics aggregates persisted lifecycle rows over the window and adds
// the live in-memory count.
func (r *Registry) Statistics(ctx context.Context, window time.Duration) (models.TraceStatistics, error) {
	stats, err := r.store.TraceStatistics(ctx, r.now().Add(-window))
	if err != nil {
		return models.TraceStatistics{}, err
	}
	stats.ActiveCount = r.ActiveCount()
	return stats, nil
}

// Close stops the background sweep.
func (r *Registry) Close() {
	close(r.stop)
}

func (r *Registry) entry(traceID string) *traceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.traces[traceID]
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

// sweep evicts traces with no activity past maxAge. Eviction is memory
// hygiene only; the persisted lifecycle remains.
func (r *Registry) sweep() {
	cutoff := r.now().Add(-r.maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, entry := range r.traces {
		entry.mu.Lock()
		stale := entry.trace.LastActivity.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			delete(r.traces, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Info("evicted stale traces from memory", zap.Int("evicted", evicted))
	}
}
