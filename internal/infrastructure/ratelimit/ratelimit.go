// Package ratelimit implements a keyed sliding-window request limiter.
// Each (subject, resource, operation) key owns an independent window, so
// concurrent callers only contend when they share a key.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// staleAfter is how long past its end a window may linger before the
// sweep removes it.
const staleAfter = 60 * time.Second

// Key identifies one rate-limit window.
type Key struct {
	SubjectID string
	Resource  string
	Operation string
}

// Decision is the outcome of one Allow call. When Allowed is false,
// WaitTime is how long the caller should wait before the window resets.
type Decision struct {
	Allowed  bool
	WaitTime time.Duration
}

// Snapshot is a point-in-time view of one window, for introspection.
type Snapshot struct {
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	Blocked     bool      `json:"blocked"`
	WindowStart time.Time `json:"window_start"`
	ResetAt     time.Time `json:"reset_at"`
}

type window struct {
	mu       sync.Mutex
	start    time.Time
	duration time.Duration
	limit    int
	count    int
	blocked  bool
}

// Limiter is a collection of lazily-created sliding windows.
type Limiter struct {
	mu      sync.RWMutex
	windows map[Key]*window

	logger *zap.Logger
	now    func() time.Time
	stop   chan struct{}

	allowedTotal *prometheus.CounterVec
	blockedTotal *prometheus.CounterVec
}

// NewLimiter creates a limiter and starts its background sweep. Pass a nil
// registerer to skip metrics registration (tests).
func NewLimiter(logger *zap.Logger, reg prometheus.Registerer) *Limiter {
	l := &Limiter{
		windows: make(map[Key]*window),
		logger:  logger.Named("ratelimit"),
		now:     time.Now,
		stop:    make(chan struct{}),
		allowedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ratelimit_allowed_total",
			Help: "Requests admitted by the rate limiter.",
		}, []string{"resource", "operation"}),
		blockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ratelimit_blocked_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"resource", "operation"}),
	}
	if reg != nil {
		reg.MustRegister(l.allowedTotal, l.blockedTotal)
	}
	go l.sweepLoop()
	return l
}

// Allow records one request against the key's window and reports whether
// it is admitted. The window is created lazily on first use and advances
// once its duration has fully elapsed.
func (l *Limiter) Allow(subjectID, resource, operation string, limit int, windowDuration time.Duration) Decision {
	key := Key{SubjectID: subjectID, Resource: resource, Operation: operation}
	w := l.windowFor(key, limit, windowDuration)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	if now.Sub(w.start) >= w.duration {
		w.start = now
		w.count = 0
		w.blocked = false
	}
	// Callers supply limits per call; the latest values win.
	w.limit = limit
	w.duration = windowDuration

	if w.count < w.limit {
		w.count++
		l.allowedTotal.WithLabelValues(resource, operation).Inc()
		return Decision{Allowed: true}
	}

	if !w.blocked {
		w.blocked = true
		l.logger.Warn("rate limit exceeded",
			zap.String("subject_id", subjectID),
			zap.String("resource", resource),
			zap.String("operation", operation),
			zap.Int("limit", w.limit),
			zap.Duration("window", w.duration))
	}
	l.blockedTotal.WithLabelValues(resource, operation).Inc()
	return Decision{Allowed: false, WaitTime: w.start.Add(w.duration).Sub(now)}
}

// Status returns a snapshot of a live window, if one exists for the key.
func (l *Limiter) Status(subjectID, resource, operation string) (Snapshot, bool) {
	l.mu.RLock()
	w, ok := l.windows[Key{SubjectID: subjectID, Resource: resource, Operation: operation}]
	l.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	remaining := w.limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		Count:       w.count,
		Limit:       w.limit,
		Remaining:   remaining,
		Blocked:     w.blocked,
		WindowStart: w.start,
		ResetAt:     w.start.Add(w.duration),
	}, true
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	close(l.stop)
}

func (l *Limiter) windowFor(key Key, limit int, duration time.Duration) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{start: l.now(), duration: duration, limit: limit}
	l.windows[key] = w
	return w
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep removes windows whose end is more than staleAfter in the past,
// bounding memory for one-off keys.
func (l *Limiter) sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		stale := now.Sub(w.start.Add(w.duration)) > staleAfter
		w.mu.Unlock()
		if stale {
			delete(l.windows, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("swept stale rate limit windows", zap.Int("removed", removed))
	}
}
