// Package broker defines the adapter surface the relay uses to query
// brokers for order status, and a registry of configured adapters.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/brokerlink/relay/internal/resilience"
	"github.com/brokerlink/relay/pkg/models"
)

// ErrUnknownBroker is returned when no adapter is registered under the
// requested name.
var ErrUnknownBroker = errors.New("unknown broker")

// Adapter is one broker integration. Implementations wrap their native
// failures with AdaptError so downstream classification sees structured
// fields rather than opaque messages.
type Adapter interface {
	// Name is the registry key, e.g. "alpaca".
	Name() string
	// GetOrderStatus fetches the broker's current view of the order.
	GetOrderStatus(ctx context.Context, userID uuid.UUID, brokerOrderID string) (models.StatusReport, error)
}

// Registry holds the configured adapters keyed by broker name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, name)
	}
	return a, nil
}

// Names lists registered broker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AdaptError wraps a broker-native failure into a classification-ready
// fault. Zero-valued fields are fine; classification falls through to
// message heuristics.
func AdaptError(err error, httpStatus int, code string, kind resilience.Kind) error {
	if err == nil {
		return nil
	}
	return &resilience.Fault{Input: resilience.ErrorInput{
		Err:          err,
		Message:      err.Error(),
		Code:         code,
		HTTPStatus:   httpStatus,
		DeclaredKind: kind,
	}}
}
