package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.Logger

	// Resolver metrics
	resolvesTotal   *prometheus.CounterVec
	resolveDuration prometheus.Histogram
	cacheLookups    *prometheus.CounterVec
	fetchesTotal    *prometheus.CounterVec
	fetchDuration   prometheus.Histogram

	// Dispatcher metrics
	intentsSubmitted *prometheus.CounterVec
	intentsRejected  *prometheus.CounterVec
	intentsDropped   *prometheus.CounterVec
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge

	// Delivery metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	deliveryDuration      prometheus.Histogram
	retryAttemptsTotal    *prometheus.CounterVec
	deliveriesInFlight    prometheus.Gauge
	breakerRejections     prometheus.Counter

	// Inbox metrics
	inboxActivities *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink registered on reg.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.Logger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PrometheusSink{logger: logger}
	s.initResolverMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initDeliveryMetrics(reg)
	s.initInboxMetrics(reg)
	return s
}

func (s *PrometheusSink) initResolverMetrics(reg prometheus.Registerer) {
	s.resolvesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadfed_resolver_resolves_total",
		Help: "Total number of resolve calls by outcome.",
	}, []string{"outcome"})
	s.resolveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "threadfed_resolver_resolve_duration_seconds",
		Help:    "Resolve latency in seconds, including remote fetches.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})
	s.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadfed_resolver_cache_lookups_total",
		Help: "Resolver cache lookups by result.",
	}, []string{"result"})
	s.fetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadfed_resolver_fetches_total",
		Help: "Remote object fetches by status class.",
	}, []string{"status_class"})
	s.fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "threadfed_resolver_fetch_duration_seconds",
		Help:    "Remote fetch latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	s.register(reg, s.resolvesTotal, "threadfed_resolver_resolves_total")
	s.register(reg, s.resolveDuration, "threadfed_resolver_resolve_duration_seconds")
	s.register(reg, s.cacheLookups, "threadfed_resolver_cache_lookups_total")
	s.register(reg, s.fetchesTotal, "threadfed_resolver_fetches_total")
	s.register(reg, s.fetchDuration, "threadfed_resolver_fetch_duration_seconds")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.intentsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadfed_dispatcher_intents_submitted_total",
		Help: "Intents accepted by Submit, by kind.",
	}, []string{"kind"})
	s.intentsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadfed_dispatcher_intents_rejected_total",
		Help: "Intents rejected by Submit.",
	}, []string{"reason"})
	s.intentsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadfed_dispatcher_intents_dropped_total",
		Help: "Accepted intents dropped while building or addressing.",
	}, []string{"reason"})
	s.queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "threadfed_dispatcher_queue_size",
		Help: "Current number of intents waiting in the dispatch queue.",
	})
	s.queueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "threadfed_dispatcher_queue_capacity",
		Help: "Capacity of the dispatch queue.",
	})

	s.register(reg, s.intentsSubmitted, "threadfed_dispatcher_intents_submitted_total")
	s.register(reg, s.intentsRejected, "threadfed_dispatcher_intents_rejected_total")
	s.register(reg, s.intentsDropped, "threadfed_dispatcher_intents_dropped_total")
	s.register(reg, s.queueSize, "threadfed_dispatcher_queue_size")
	s.register(reg, s.queueCapacity, "threadfed_dispatcher_queue_capacity")
}

func (s *PrometheusSink) initDeliveryMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadfed_delivery_attempts_total",
		Help: "Total number of delivery attempts.",
	}, []string{"attempt", "status_class"})
	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadfed_delivery_outcomes_total",
		Help: "Final delivery outcomes per task.",
	}, []string{"outcome"})
	s.deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "threadfed_delivery_duration_seconds",
		Help:    "Inbox POST latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadfed_delivery_retry_attempts_total",
		Help: "Total number of failed attempts, by whether they are retried.",
	}, []string{"retryable"})
	s.deliveriesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "threadfed_delivery_in_flight",
		Help: "Number of delivery tasks currently owned by the pool.",
	})
	s.breakerRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "threadfed_delivery_breaker_rejections_total",
		Help: "Attempts skipped because the destination host circuit was open.",
	})

	s.register(reg, s.deliveryAttemptsTotal, "threadfed_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "threadfed_delivery_outcomes_total")
	s.register(reg, s.deliveryDuration, "threadfed_delivery_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "threadfed_delivery_retry_attempts_total")
	s.register(reg, s.deliveriesInFlight, "threadfed_delivery_in_flight")
	s.register(reg, s.breakerRejections, "threadfed_delivery_breaker_rejections_total")
}

func (s *PrometheusSink) initInboxMetrics(reg prometheus.Registerer) {
	s.inboxActivities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "threadfed_inbox_activities_total",
		Help: "Inbound activities by type and outcome.",
	}, []string{"type", "outcome"})

	s.register(reg, s.inboxActivities, "threadfed_inbox_activities_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("failed to register metric", zap.String("name", name), zap.Error(err))
	}
}

func (s *PrometheusSink) ResolveCompleted(outcome string, duration time.Duration) {
	s.resolvesTotal.WithLabelValues(outcome).Inc()
	s.resolveDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	s.cacheLookups.WithLabelValues(result).Inc()
}

func (s *PrometheusSink) FetchCompleted(statusClass string, duration time.Duration) {
	s.fetchesTotal.WithLabelValues(statusClass).Inc()
	s.fetchDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) IntentSubmitted(kind string) {
	s.intentsSubmitted.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) IntentRejected(reason string) {
	s.intentsRejected.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) IntentDropped(reason string) {
	s.intentsDropped.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) QueueSizeUpdate(size int) {
	s.queueSize.Set(float64(size))
}

func (s *PrometheusSink) QueueCapacitySet(capacity int) {
	s.queueCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.deliveryDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	s.retryAttemptsTotal.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

func (s *PrometheusSink) DeliveriesInFlightIncr() {
	s.deliveriesInFlight.Inc()
}

func (s *PrometheusSink) DeliveriesInFlightDecr() {
	s.deliveriesInFlight.Dec()
}

func (s *PrometheusSink) BreakerRejected() {
	s.breakerRejections.Inc()
}

func (s *PrometheusSink) InboxActivity(activityType string, outcome string) {
	s.inboxActivities.WithLabelValues(activityType, outcome).Inc()
}
