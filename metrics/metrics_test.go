package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   string
	}{
		{"accepted", 202, nil, StatusClass2xx},
		{"redirect", 301, nil, StatusClass3xx},
		{"gone", 410, nil, StatusClass4xx},
		{"unavailable", 503, nil, StatusClass5xx},
		{"deadline", 0, fmt.Errorf("post: %w", context.DeadlineExceeded), StatusClassTimeout},
		{"dial", 0, &net.OpError{Op: "dial", Err: errors.New("connection refused")}, StatusClassConnectionError},
		{"dns", 0, &net.DNSError{Err: "no such host", Name: "x.invalid"}, StatusClassConnectionError},
		{"other", 0, errors.New("boom"), StatusClassOtherError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.status, tt.err))
		})
	}
}

func TestPrometheusSinkRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg, nil)

	s.DeliveryAttemptCompleted(1, StatusClass5xx, 100*time.Millisecond)
	s.DeliveryAttemptCompleted(2, StatusClass2xx, 50*time.Millisecond)
	s.DeliveryOutcome(OutcomeSuccess)
	s.RetryAttempt(true)
	s.IntentRejected(ReasonQueueFull)
	s.QueueCapacitySet(64)
	s.DeliveriesInFlightIncr()
	s.DeliveriesInFlightIncr()
	s.DeliveriesInFlightDecr()
	s.CacheLookup(true)
	s.CacheLookup(false)
	s.CacheLookup(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.deliveryAttemptsTotal.WithLabelValues("1", StatusClass5xx)))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.deliveryOutcomesTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.retryAttemptsTotal.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.intentsRejected.WithLabelValues(ReasonQueueFull)))
	assert.Equal(t, 64.0, testutil.ToFloat64(s.queueCapacity))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.deliveriesInFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.cacheLookups.WithLabelValues("miss")))
}

func TestPrometheusSinkDoubleRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg, nil)
	s := NewPrometheusSink(reg, nil)
	assert.NotPanics(t, func() { s.InboxActivity("Create", "accepted") })
}

var (
	_ Sink = (*PrometheusSink)(nil)
	_ Sink = (*NoopSink)(nil)
)
