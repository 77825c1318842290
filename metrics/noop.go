package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) ResolveCompleted(outcome string, d time.Duration)                          {}
func (n *NoopSink) CacheLookup(hit bool)                                                      {}
func (n *NoopSink) FetchCompleted(statusClass string, d time.Duration)                        {}
func (n *NoopSink) IntentSubmitted(kind string)                                               {}
func (n *NoopSink) IntentRejected(reason string)                                              {}
func (n *NoopSink) IntentDropped(reason string)                                               {}
func (n *NoopSink) QueueSizeUpdate(size int)                                                  {}
func (n *NoopSink) QueueCapacitySet(capacity int)                                             {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) RetryAttempt(retryable bool)                                               {}
func (n *NoopSink) DeliveriesInFlightIncr()                                                   {}
func (n *NoopSink) DeliveriesInFlightDecr()                                                   {}
func (n *NoopSink) BreakerRejected()                                                          {}
func (n *NoopSink) InboxActivity(activityType string, outcome string)                         {}
