package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/brokerlink/relay/internal/infrastructure/ratelimit"
)

// Policy controls the retry schedule for one operation.
type Policy struct {
	MaxRetries        int           `json:"max_retries"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultPolicy returns the relay-wide default retry schedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// OperationContext identifies the operation being executed, for logging,
// failure records and rate limiting. Resource left empty disables the
// limiter consult.
type OperationContext struct {
	TraceID   string
	Component string
	Operation string

	SubjectID       string
	Resource        string
	RateLimit       int
	RateLimitWindow time.Duration
}

// FailureRecord is one terminal failure kept in the bounded history.
type FailureRecord struct {
	ID             uuid.UUID      `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	TraceID        string         `json:"trace_id,omitempty"`
	Component      string         `json:"component"`
	Operation      string         `json:"operation"`
	Message        string         `json:"message"`
	Classification Classification `json:"classification"`
	Attempts       int            `json:"attempts"`
}

// Executor wraps operations with classification-driven retry and backoff.
// Terminal failures are recorded in a bounded in-memory history pruned by
// age.
type Executor struct {
	limiter *ratelimit.Limiter
	logger  *zap.Logger

	mu         sync.Mutex
	failures   []FailureRecord
	maxHistory int
	maxAge     time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	stop  chan struct{}

	attemptsTotal *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
}

// NewExecutor creates an executor. The limiter may be nil; reg may be nil
// to skip metrics registration.
func NewExecutor(limiter *ratelimit.Limiter, logger *zap.Logger, reg prometheus.Registerer) *Executor {
	e := &Executor{
		limiter:    limiter,
		logger:     logger.Named("retry"),
		maxHistory: 1000,
		maxAge:     time.Hour,
		now:        time.Now,
		sleep:      sleepContext,
		stop:       make(chan struct{}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_retry_attempts_total",
			Help: "Operation attempts made by the retry executor.",
		}, []string{"component", "operation"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_retry_terminal_failures_total",
			Help: "Operations that exhausted retries or failed non-retryably.",
		}, []string{"component", "operation", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(e.attemptsTotal, e.failuresTotal)
	}
	go e.pruneLoop()
	return e
}

// Execute runs op with retries per policy. On success it returns nil; on
// terminal failure it returns the original, unwrapped error from the last
// attempt so retry bookkeeping never masks the root cause.
func (e *Executor) Execute(ctx context.Context, opCtx OperationContext, policy Policy, op func(ctx context.Context) error) error {
	var lastErr error
	var lastClass Classification
	attempts := 0

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if e.limiter != nil && opCtx.Resource != "" {
			d := e.limiter.Allow(opCtx.SubjectID, opCtx.Resource, opCtx.Operation, opCtx.RateLimit, opCtx.RateLimitWindow)
			if !d.Allowed {
				// Waiting is backpressure, not rejection: the attempt
				// still happens once the window opens.
				e.logger.Debug("rate limited, waiting before attempt",
					zap.String("operation", opCtx.Operation),
					zap.Duration("wait", d.WaitTime))
				if err := e.sleep(ctx, d.WaitTime); err != nil {
					return err
				}
			}
		}

		e.attemptsTotal.WithLabelValues(opCtx.Component, opCtx.Operation).Inc()
		attempts++
		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				e.logger.Info("operation succeeded after retries",
					zap.String("trace_id", opCtx.TraceID),
					zap.String("component", opCtx.Component),
					zap.String("operation", opCtx.Operation),
					zap.Int("attempt", attempt))
			}
			return nil
		}

		lastErr = err
		lastClass = Classify(ErrorInput{Err: err})

		if !lastClass.Retryable || attempt == policy.MaxRetries {
			break
		}

		delay := lastClass.SuggestedDelay
		if delay == 0 {
			delay = time.Duration(float64(policy.BaseDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt)))
		}
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}

		e.logger.Warn("operation failed, retrying",
			zap.String("trace_id", opCtx.TraceID),
			zap.String("component", opCtx.Component),
			zap.String("operation", opCtx.Operation),
			zap.Int("attempt", attempt),
			zap.String("kind", string(lastClass.Kind)),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := e.sleep(ctx, delay); err != nil {
			// Caller's deadline expired mid-backoff; the upstream call is
			// not cancelled, only abandoned.
			break
		}
	}

	e.recordFailure(opCtx, lastErr, lastClass, attempts)
	return lastErr
}

// Failures returns terminal failures recorded since the given time.
func (e *Executor) Failures(since time.Time) []FailureRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FailureRecord, 0, len(e.failures))
	for _, f := range e.failures {
		if !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	return out
}

// Close stops the background history pruner.
func (e *Executor) Close() {
	close(e.stop)
}

func (e *Executor) recordFailure(opCtx OperationContext, err error, class Classification, attempts int) {
	if err == nil {
		return
	}
	e.failuresTotal.WithLabelValues(opCtx.Component, opCtx.Operation, string(class.Kind)).Inc()

	rec := FailureRecord{
		ID:             uuid.New(),
		Timestamp:      e.now(),
		TraceID:        opCtx.TraceID,
		Component:      opCtx.Component,
		Operation:      opCtx.Operation,
		Message:        err.Error(),
		Classification: class,
		Attempts:       attempts,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, rec)
	if len(e.failures) > e.maxHistory {
		e.failures = e.failures[len(e.failures)-e.maxHistory:]
	}
}

func (e *Executor) pruneLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.prune()
		case <-e.stop:
			return
		}
	}
}

func (e *Executor) prune() {
	cutoff := e.now().Add(-e.maxAge)
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := 0
	for idx < len(e.failures) && e.failures[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		e.failures = e.failures[idx:]
	}
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
