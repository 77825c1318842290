package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Resolver metrics
	ResolveCompleted(outcome string, duration time.Duration)
	CacheLookup(hit bool)
	FetchCompleted(statusClass string, duration time.Duration)

	// Dispatcher metrics
	IntentSubmitted(kind string)
	IntentRejected(reason string)
	IntentDropped(reason string)
	QueueSizeUpdate(size int)
	QueueCapacitySet(capacity int)

	// Delivery metrics
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
	DeliveriesInFlightIncr()
	DeliveriesInFlightDecr()
	BreakerRejected()

	// Inbox metrics
	InboxActivity(activityType string, outcome string)
}

// Outcome constants for DeliveryOutcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Reasons for IntentRejected and IntentDropped.
const (
	ReasonQueueFull     = "queue_full"
	ReasonInvalidIntent = "invalid_intent"
	ReasonBuild         = "build"
	ReasonAudience      = "audience"
	ReasonPersist       = "persist"
)

// StatusClass constants for DeliveryAttemptCompleted and FetchCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass3xx             = "3xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return StatusClassTimeout
		}
		var opErr *net.OpError
		var dnsErr *net.DNSError
		if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
			return StatusClassConnectionError
		}
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
			return StatusClassTimeout
		}
		if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") {
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 300 && statusCode < 400:
		return StatusClass3xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
