// Package ws tracks live client connections per user and pushes reconciled
// order state to subscribed clients with bounded retries.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// TopicOrders gates order-status broadcasts.
const TopicOrders = "orders"

// Sender is the transport side of one connection. Send must return once
// the message is handed to the transport or an error occurred; it must not
// block indefinitely.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// BroadcastOptions control delivery behavior for one broadcast call.
type BroadcastOptions struct {
	Topic                 string
	MaxRetries            int
	RetryDelay            time.Duration
	RequireAcknowledgment bool
	AckTimeout            time.Duration
}

// Attempt is the synchronous result of one broadcast.
type Attempt struct {
	Success     bool   `json:"success"`
	Err         error  `json:"-"`
	RetriesUsed int    `json:"retries_used"`
	Delivered   int    `json:"delivered"`
	Error       string `json:"error,omitempty"`
}

// Envelope is the wire format pushed to clients. Clients acknowledge by
// echoing the id in an {"ack":"<id>"} frame.
type Envelope struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Conn is one registered client connection.
type Conn struct {
	ID     string
	UserID uuid.UUID

	sender Sender

	mu     sync.RWMutex
	topics map[string]struct{}
	acks   map[string]chan struct{}
}

// Subscribed reports whether the connection subscribed to topic.
func (c *Conn) Subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

// Topics returns a copy of the connection's topic set.
func (c *Conn) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// Ack resolves a pending acknowledgment wait for the given message id.
func (c *Conn) Ack(messageID string) {
	c.mu.Lock()
	ch, ok := c.acks[messageID]
	if ok {
		delete(c.acks, messageID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (c *Conn) expectAck(messageID string) chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.acks[messageID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Conn) dropAck(messageID string) {
	c.mu.Lock()
	delete(c.acks, messageID)
	c.mu.Unlock()
}

// Hub is the connection registry and broadcaster.
type Hub struct {
	mu      sync.RWMutex
	byUser  map[uuid.UUID]map[string]*Conn
	byConn  map[string]*Conn
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *hubMetrics
}

type hubMetrics struct {
	connections prometheus.Gauge
	broadcasts  *prometheus.CounterVec
}

// NewHub creates a hub. reg may be nil to skip metrics registration.
func NewHub(logger *zap.Logger, reg prometheus.Registerer) *Hub {
	h := &Hub{
		byUser: make(map[uuid.UUID]map[string]*Conn),
		byConn: make(map[string]*Conn),
		logger: logger.Named("ws"),
		sleep:  sleepContext,
		metrics: &hubMetrics{
			connections: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "relay_ws_connections",
				Help: "Currently registered client connections.",
			}),
			broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "relay_ws_broadcasts_total",
				Help: "Broadcast calls by outcome.",
			}, []string{"outcome"}),
		},
	}
	if reg != nil {
		reg.MustRegister(h.metrics.connections, h.metrics.broadcasts)
	}
	return h
}

// Register adds a connection for a user.
func (h *Hub) Register(userID uuid.UUID, connectionID string, sender Sender) *Conn {
	conn := &Conn{
		ID:     connectionID,
		UserID: userID,
		sender: sender,
		topics: make(map[string]struct{}),
		acks:   make(map[string]chan struct{}),
	}

	h.mu.Lock()
	conns, ok := h.byUser[userID]
	if !ok {
		conns = make(map[string]*Conn)
		h.byUser[userID] = conns
	}
	conns[connectionID] = conn
	h.byConn[connectionID] = conn
	h.mu.Unlock()

	h.metrics.connections.Inc()
	h.logger.Debug("connection registered",
		zap.String("user_id", userID.String()), zap.String("connection_id", connectionID))
	return conn
}

// Unregister removes a connection; once a user's set is empty the user
// entry itself is removed.
func (h *Hub) Unregister(userID uuid.UUID, connectionID string) {
	h.mu.Lock()
	if conns, ok := h.byUser[userID]; ok {
		if _, present := conns[connectionID]; present {
			delete(conns, connectionID)
			delete(h.byConn, connectionID)
			h.metrics.connections.Dec()
		}
		if len(conns) == 0 {
			delete(h.byUser, userID)
		}
	}
	h.mu.Unlock()
}

// Subscribe adds a topic to the connection's set.
func (h *Hub) Subscribe(connectionID, topic string) error {
	conn := h.conn(connectionID)
	if conn == nil {
		return fmt.Errorf("unknown connection %q", connectionID)
	}
	conn.mu.Lock()
	conn.topics[topic] = struct{}{}
	conn.mu.Unlock()
	return nil
}

// Unsubscribe removes a topic from the connection's set.
func (h *Hub) Unsubscribe(connectionID, topic string) error {
	conn := h.conn(connectionID)
	if conn == nil {
		return fmt.Errorf("unknown connection %q", connectionID)
	}
	conn.mu.Lock()
	delete(conn.topics, topic)
	conn.mu.Unlock()
	return nil
}

// ConnectionsFor returns a snapshot of a user's connections, safe to
// iterate while connects/disconnects proceed.
func (h *Hub) ConnectionsFor(userID uuid.UUID) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.byUser[userID]
	out := make([]*Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Broadcast delivers the event to every connection of userID subscribed to
// the topic. Transport failures are retried per options. A user with no
// connections is a successful no-op: the state change is already durable.
func (h *Hub) Broadcast(ctx context.Context, userID uuid.UUID, event string, payload any, opts BroadcastOptions) Attempt {
	if opts.Topic == "" {
		opts.Topic = TopicOrders
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}

	conns := h.ConnectionsFor(userID)
	if len(conns) == 0 {
		h.metrics.broadcasts.WithLabelValues("no_connections").Inc()
		return Attempt{Success: true}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		h.metrics.broadcasts.WithLabelValues("marshal_error").Inc()
		return Attempt{Success: false, Err: err, Error: err.Error()}
	}

	attempt := Attempt{Success: true}
	for _, conn := range conns {
		if !conn.Subscribed(opts.Topic) {
			continue
		}
		retries, err := h.deliver(ctx, conn, event, data, opts)
		attempt.RetriesUsed += retries
		if err != nil {
			attempt.Success = false
			attempt.Err = err
			attempt.Error = err.Error()
			h.logger.Warn("broadcast delivery failed",
				zap.String("user_id", userID.String()),
				zap.String("connection_id", conn.ID),
				zap.String("event", event),
				zap.Int("retries", retries),
				zap.Error(err))
			continue
		}
		attempt.Delivered++
	}

	if attempt.Success {
		h.metrics.broadcasts.WithLabelValues("delivered").Inc()
	} else {
		h.metrics.broadcasts.WithLabelValues("failed").Inc()
	}
	return attempt
}

// deliver pushes one envelope to one connection with bounded retries.
func (h *Hub) deliver(ctx context.Context, conn *Conn, event string, data []byte, opts BroadcastOptions) (int, error) {
	var lastErr error
	retries := 0

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			retries++
			if err := h.sleep(ctx, opts.RetryDelay); err != nil {
				return retries, err
			}
		}

		env := Envelope{ID: uuid.NewString(), Event: event, Data: data}
		raw, err := json.Marshal(env)
		if err != nil {
			return retries, err
		}

		var ackCh chan struct{}
		if opts.RequireAcknowledgment {
			ackCh = conn.expectAck(env.ID)
		}

		if err := conn.sender.Send(ctx, raw); err != nil {
			if ackCh != nil {
				conn.dropAck(env.ID)
			}
			lastErr = err
			continue
		}

		if !opts.RequireAcknowledgment {
			return retries, nil
		}

		select {
		case <-ackCh:
			return retries, nil
		case <-time.After(opts.AckTimeout):
			conn.dropAck(env.ID)
			lastErr = fmt.Errorf("acknowledgment timeout after %s", opts.AckTimeout)
		case <-ctx.Done():
			conn.dropAck(env.ID)
			return retries, ctx.Err()
		}
	}
	return retries, lastErr
}

func (h *Hub) conn(connectionID string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byConn[connectionID]
}

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
