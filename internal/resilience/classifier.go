// Package resilience provides error classification and classification-driven
// retry for calls to flaky upstreams (brokers, storage).
package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind is the error taxonomy entry a failure maps to.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindNetwork        Kind = "network"
	KindRateLimit      Kind = "rate-limit"
	KindNotFound       Kind = "not-found"
	KindValidation     Kind = "validation"
	KindBroker         Kind = "broker"
	KindSystem         Kind = "system"
)

// Severity buckets for classified errors.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorInput is the structured shape callers adapt heterogeneous upstream
// failures into at the boundary. Any subset of fields may be set.
type ErrorInput struct {
	Err          error
	Message      string
	Code         string
	HTTPStatus   int
	DeclaredKind Kind
}

// Classification is the resolved taxonomy entry for one failure.
type Classification struct {
	Kind           Kind          `json:"kind"`
	Severity       Severity      `json:"severity"`
	Retryable      bool          `json:"retryable"`
	HTTPStatus     int           `json:"http_status"`
	UserMessage    string        `json:"user_message"`
	SuggestedDelay time.Duration `json:"suggested_delay"`
}

// Fault is an error carrying a pre-built ErrorInput, produced by boundary
// adapters so classification downstream sees structured fields instead of
// a bare message.
type Fault struct {
	Input ErrorInput
}

func (f *Fault) Error() string {
	if f.Input.Message != "" {
		return f.Input.Message
	}
	if f.Input.Err != nil {
		return f.Input.Err.Error()
	}
	return fmt.Sprintf("fault: %s %s", f.Input.DeclaredKind, f.Input.Code)
}

func (f *Fault) Unwrap() error { return f.Input.Err }

// Keyword sets for message heuristics, checked in order. Substring match
// against the normalized lowercase message.
var (
	sessionKeywords   = []string{"session", "token expired", "unauthorized", "unauthenticated", "login", "credential", "forbidden", "access denied"}
	networkKeywords   = []string{"timeout", "timed out", "connection refused", "connection reset", "network", "dial tcp", "no such host", "unreachable", "broken pipe", "eof", "temporary failure"}
	rateLimitKeywords = []string{"rate limit", "too many requests", "throttle", "quota exceeded"}
	notFoundKeywords  = []string{"not found", "no such", "does not exist", "unknown order"}
	serverKeywords    = []string{"internal server", "maintenance", "service unavailable", "bad gateway", "gateway timeout", "overloaded", "server error"}
	validationKeyword = []string{"validation", "invalid", "malformed", "missing required", "bad request", "out of range"}
)

// Classify maps a raw failure plus context to a taxonomy entry. It is pure,
// deterministic and total: any input, including the zero value, yields a
// fully-populated Classification.
func Classify(in ErrorInput) Classification {
	// A boundary adapter may already have wrapped the error in a Fault,
	// possibly under further %w wrapping; prefer its structured fields
	// when ours are empty.
	var f *Fault
	if errors.As(in.Err, &f) {
		if in.DeclaredKind == "" {
			in.DeclaredKind = f.Input.DeclaredKind
		}
		if in.HTTPStatus == 0 {
			in.HTTPStatus = f.Input.HTTPStatus
		}
		if in.Message == "" {
			in.Message = f.Input.Message
		}
		if in.Code == "" {
			in.Code = f.Input.Code
		}
	}

	if c, ok := classifyDeclared(in.DeclaredKind); ok {
		return c
	}
	if c, ok := classifyStatus(in.HTTPStatus); ok {
		return c
	}
	if c, ok := classifyMessage(normalizedMessage(in)); ok {
		return c
	}
	return Classification{
		Kind:        KindSystem,
		Severity:    SeverityMedium,
		Retryable:   false,
		HTTPStatus:  http.StatusInternalServerError,
		UserMessage: "An unexpected error occurred. Please try again later.",
	}
}

func classifyDeclared(kind Kind) (Classification, bool) {
	switch kind {
	case KindAuthentication:
		return authenticationClassification(), true
	case KindNetwork:
		return networkClassification(), true
	case KindRateLimit:
		return rateLimitClassification(), true
	case KindNotFound:
		return notFoundClassification(), true
	case KindValidation:
		return validationClassification(), true
	case KindBroker:
		return brokerClassification(), true
	case KindSystem:
		return Classification{
			Kind:        KindSystem,
			Severity:    SeverityMedium,
			Retryable:   false,
			HTTPStatus:  http.StatusInternalServerError,
			UserMessage: "An unexpected error occurred. Please try again later.",
		}, true
	default:
		return Classification{}, false
	}
}

func classifyStatus(status int) (Classification, bool) {
	switch {
	case status == 0:
		return Classification{}, false
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return authenticationClassification(), true
	case status == http.StatusNotFound:
		return notFoundClassification(), true
	case status == http.StatusTooManyRequests:
		return rateLimitClassification(), true
	case status >= 400 && status < 500:
		return validationClassification(), true
	case status >= 500 && status < 600:
		return brokerClassification(), true
	default:
		return Classification{}, false
	}
}

func classifyMessage(msg string) (Classification, bool) {
	if msg == "" {
		return Classification{}, false
	}
	switch {
	case containsAny(msg, sessionKeywords):
		return authenticationClassification(), true
	case containsAny(msg, networkKeywords):
		return networkClassification(), true
	case containsAny(msg, rateLimitKeywords):
		return rateLimitClassification(), true
	case containsAny(msg, notFoundKeywords):
		return notFoundClassification(), true
	case containsAny(msg, serverKeywords):
		return brokerClassification(), true
	case containsAny(msg, validationKeyword):
		return validationClassification(), true
	default:
		return Classification{}, false
	}
}

func authenticationClassification() Classification {
	return Classification{
		Kind:        KindAuthentication,
		Severity:    SeverityHigh,
		Retryable:   false,
		HTTPStatus:  http.StatusUnauthorized,
		UserMessage: "Your broker session has expired. Please reconnect and try again.",
	}
}

func networkClassification() Classification {
	return Classification{
		Kind:           KindNetwork,
		Severity:       SeverityMedium,
		Retryable:      true,
		HTTPStatus:     http.StatusServiceUnavailable,
		UserMessage:    "A network error occurred while contacting the broker. Please try again.",
		SuggestedDelay: 2 * time.Second,
	}
}

func rateLimitClassification() Classification {
	return Classification{
		Kind:           KindRateLimit,
		Severity:       SeverityMedium,
		Retryable:      true,
		HTTPStatus:     http.StatusTooManyRequests,
		UserMessage:    "Too many requests. Please wait a moment and try again.",
		SuggestedDelay: 30 * time.Second,
	}
}

func notFoundClassification() Classification {
	return Classification{
		Kind:        KindNotFound,
		Severity:    SeverityLow,
		Retryable:   false,
		HTTPStatus:  http.StatusNotFound,
		UserMessage: "The requested resource was not found.",
	}
}

func validationClassification() Classification {
	return Classification{
		Kind:        KindValidation,
		Severity:    SeverityLow,
		Retryable:   false,
		HTTPStatus:  http.StatusBadRequest,
		UserMessage: "The request was invalid. Please review it and try again.",
	}
}

func brokerClassification() Classification {
	return Classification{
		Kind:           KindBroker,
		Severity:       SeverityHigh,
		Retryable:      true,
		HTTPStatus:     http.StatusBadGateway,
		UserMessage:    "The broker service is temporarily unavailable. Please try again shortly.",
		SuggestedDelay: 5 * time.Second,
	}
}

func normalizedMessage(in ErrorInput) string {
	msg := in.Message
	if msg == "" && in.Err != nil {
		msg = in.Err.Error()
	}
	if msg == "" {
		msg = in.Code
	}
	return strings.ToLower(msg)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
