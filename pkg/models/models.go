package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order statuses as reported by brokers and stored in the order record.
const (
	OrderStatusPending         = "PENDING"
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusExecuted        = "EXECUTED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// Trace lifecycle statuses
const (
	TraceStatusStarted = "STARTED"
	TraceStatusSuccess = "SUCCESS"
	TraceStatusError   = "ERROR"
)

// Operation statuses within a trace
const (
	OperationStatusPending = "PENDING"
	OperationStatusSuccess = "SUCCESS"
	OperationStatusError   = "ERROR"
)

// OrderRecord is the persisted view of one order across all brokers.
type OrderRecord struct {
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID           uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	BrokerName       string          `json:"broker_name" gorm:"index"`
	BrokerOrderID    string          `json:"broker_order_id" gorm:"index"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Quantity         decimal.Decimal `json:"quantity" gorm:"type:numeric(20,8)"`
	Status           string          `json:"status"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity" gorm:"type:numeric(20,8)"`
	AveragePrice     decimal.Decimal `json:"average_price" gorm:"type:numeric(20,8)"`
	RejectionReason  string          `json:"rejection_reason,omitempty"`
	LastUpdated      time.Time       `json:"last_updated"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// StatusReport is a broker-reported candidate status for one order.
// Quantity and price are pointers so an absent field is distinguishable
// from an explicit zero; absent fields are never written to storage.
type StatusReport struct {
	Status           string           `json:"status"`
	ExecutedQuantity *decimal.Decimal `json:"executed_quantity,omitempty"`
	AveragePrice     *decimal.Decimal `json:"average_price,omitempty"`
	RejectionReason  string           `json:"rejection_reason,omitempty"`
}

// OrderStatusEvent is the payload broadcast to subscribed clients (and
// published to the status event stream) after a successful reconciliation.
type OrderStatusEvent struct {
	OrderID          uuid.UUID        `json:"order_id"`
	BrokerOrderID    string           `json:"broker_order_id"`
	Status           string           `json:"status"`
	PreviousStatus   string           `json:"previous_status,omitempty"`
	ExecutedQuantity *decimal.Decimal `json:"executed_quantity,omitempty"`
	AveragePrice     *decimal.Decimal `json:"average_price,omitempty"`
	RejectionReason  string           `json:"rejection_reason,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// TraceOperation is one named phase inside a trace.
type TraceOperation struct {
	Name      string         `json:"name"`
	Component string         `json:"component"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TraceLifecycle is the persisted record of one end-to-end trace.
// The persisted lifecycle is authoritative; the in-memory registry entry is
// a working copy that may be evicted at any time.
type TraceLifecycle struct {
	TraceID      string           `json:"trace_id" gorm:"primaryKey"`
	StartTime    time.Time        `json:"start_time" gorm:"index"`
	EndTime      *time.Time       `json:"end_time,omitempty"`
	DurationMs   *int64           `json:"duration_ms,omitempty"`
	Status       string           `json:"status" gorm:"index"`
	Operations   []TraceOperation `json:"operations" gorm:"-"`
	ErrorCount   int              `json:"error_count"`
	WarningCount int              `json:"warning_count"`
}

// ErrorLog is one persisted error record, correlated to a trace.
type ErrorLog struct {
	ID         uuid.UUID      `json:"error_id" gorm:"primaryKey;type:uuid"`
	TraceID    string         `json:"trace_id" gorm:"index"`
	Timestamp  time.Time      `json:"timestamp" gorm:"index"`
	Level      string         `json:"level"`
	Component  string         `json:"component"`
	Operation  string         `json:"operation"`
	Message    string         `json:"message"`
	ErrorType  string         `json:"error_type" gorm:"index"`
	Context    map[string]any `json:"context,omitempty" gorm:"serializer:json"`
	RetryCount int            `json:"retry_count"`
	Resolved   bool           `json:"resolved"`
}

// TraceStatistics aggregates completed traces over a window plus the
// currently active in-memory count.
type TraceStatistics struct {
	Total         int64   `json:"total"`
	Successful    int64   `json:"successful"`
	Errored       int64   `json:"errored"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	ActiveCount   int     `json:"active_count"`
}
