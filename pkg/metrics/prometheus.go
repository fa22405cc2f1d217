// Package metrics provides Prometheus metrics for the kudos reputation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event outcomes reported by RecordEventProcessed.
const (
	OutcomeCommitted = "committed"
	OutcomeEmpty     = "empty"
	OutcomeInvalid   = "invalid"
	OutcomeNotReady  = "not_ready"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Manager manages all Prometheus metrics for the kudos service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      map[string]string
	registry         prometheus.Registerer

	// Core business metrics
	eventsProcessed   *prometheus.CounterVec
	eventsDuplicate   prometheus.Counter
	evaluationLatency prometheus.Histogram
	rulesFired        *prometheus.CounterVec
	ruleErrors        *prometheus.CounterVec
	pointsGranted     *prometheus.CounterVec
	badgesGranted     *prometheus.CounterVec
	rankTransitions   *prometheus.CounterVec
	rulesLoaded       prometheus.Gauge
	totalSubjects     prometheus.Gauge

	// Ledger metrics
	ledgerApplyLatency prometheus.Histogram
	ledgerReadLatency  prometheus.Histogram
	ledgerConflicts    prometheus.Counter
	applyRetries       prometheus.Counter

	// Dispatch metrics
	observerFailures *prometheus.CounterVec
	observerLatency  *prometheus.HistogramVec
	laneDepth        *prometheus.GaugeVec

	// Queue and worker metrics
	queueEnqueue            prometheus.Counter
	queueDequeue            prometheus.Counter
	queueEnqueueErrors      prometheus.Counter
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// HTTP metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorRateByEndpoint *prometheus.CounterVec

	// System metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "kudos",
		subsystem:        "engine",
		histogramBuckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 1000},
		constLabels:      make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}
}

func (m *Manager) histogramOpts(name, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		ConstLabels: m.constLabels, Buckets: m.histogramBuckets,
	}
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every metric
	auto := promauto.With(m.registry)

	m.eventsProcessed = auto.NewCounterVec(m.counterOpts("events_processed_total",
		"Events processed by outcome"), []string{"outcome"})
	m.eventsDuplicate = auto.NewCounter(m.counterOpts("events_duplicate_total",
		"Events dropped because their ID was already ingested"))
	m.evaluationLatency = auto.NewHistogram(m.histogramOpts("evaluation_latency_milliseconds",
		"Rule evaluation latency in milliseconds"))
	m.rulesFired = auto.NewCounterVec(m.counterOpts("rules_fired_total",
		"Rules that produced a grant"), []string{"rule", "category"})
	m.ruleErrors = auto.NewCounterVec(m.counterOpts("rule_errors_total",
		"Rules skipped because their predicate, score or metric failed"), []string{"rule"})
	m.pointsGranted = auto.NewCounterVec(m.counterOpts("points_total",
		"Absolute points moved, by direction"), []string{"direction"})
	m.badgesGranted = auto.NewCounterVec(m.counterOpts("badges_granted_total",
		"Badge tiers granted"), []string{"badge"})
	m.rankTransitions = auto.NewCounterVec(m.counterOpts("rank_transitions_total",
		"Rank changes by destination rank"), []string{"to"})
	m.rulesLoaded = auto.NewGauge(m.gaugeOpts("rules_loaded",
		"Number of rules in the active rule set"))
	m.totalSubjects = auto.NewGauge(m.gaugeOpts("subjects",
		"Number of subjects with a ledger entry"))

	m.ledgerApplyLatency = auto.NewHistogram(m.histogramOpts("ledger_apply_latency_milliseconds",
		"Ledger apply latency in milliseconds, hooks included"))
	m.ledgerReadLatency = auto.NewHistogram(m.histogramOpts("ledger_read_latency_milliseconds",
		"Ledger read latency in milliseconds"))
	m.ledgerConflicts = auto.NewCounter(m.counterOpts("ledger_conflicts_total",
		"Deltas rejected because their base version was stale"))
	m.applyRetries = auto.NewCounter(m.counterOpts("apply_retries_total",
		"Re-evaluations after a ledger conflict"))

	m.observerFailures = auto.NewCounterVec(m.counterOpts("observer_failures_total",
		"Observer failures by observer and dispatch mode"), []string{"observer", "mode"})
	m.observerLatency = auto.NewHistogramVec(m.histogramOpts("observer_latency_milliseconds",
		"Observer latency in milliseconds"), []string{"observer"})
	m.laneDepth = auto.NewGaugeVec(m.gaugeOpts("dispatch_lane_depth",
		"Pending changes per async dispatch lane"), []string{"lane"})

	m.queueEnqueue = auto.NewCounter(m.counterOpts("queue_enqueue_total",
		"Total number of messages enqueued"))
	m.queueDequeue = auto.NewCounter(m.counterOpts("queue_dequeue_total",
		"Total number of messages dequeued"))
	m.queueEnqueueErrors = auto.NewCounter(m.counterOpts("queue_enqueue_errors_total",
		"Total number of enqueue errors"))
	m.workerActiveCount = auto.NewGauge(m.gaugeOpts("worker_active_count",
		"Number of running lane workers"))
	m.workerProcessingLatency = auto.NewHistogram(m.histogramOpts("worker_processing_latency_milliseconds",
		"Worker processing latency in milliseconds"))
	m.workerErrors = auto.NewCounter(m.counterOpts("worker_errors_total",
		"Total number of worker errors"))

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total",
		"Total number of HTTP requests by endpoint and method"), []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_milliseconds",
		"HTTP request duration in milliseconds"), []string{"endpoint", "method", "status_code"})
	m.errorRateByEndpoint = auto.NewCounterVec(m.counterOpts("errors_by_endpoint_total",
		"Total number of errors by endpoint"), []string{"endpoint", "method", "error_type"})

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_usage_bytes",
		"System memory usage in bytes"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutine_count",
		"Number of goroutines"))
	gc := m.histogramOpts("system_gc_pause_time_milliseconds", "GC pause time in milliseconds")
	gc.Buckets = []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}
	m.systemGCPauseTime = auto.NewHistogram(gc)
}

// RecordEventProcessed counts one processed event by outcome.
func RecordEventProcessed(outcome string) {
	globalManager.eventsProcessed.WithLabelValues(outcome).Inc()
}

// RecordEventDuplicate increments the duplicate events counter.
func RecordEventDuplicate() {
	globalManager.eventsDuplicate.Inc()
}

// RecordEvaluationLatency records rule evaluation latency in milliseconds.
func RecordEvaluationLatency(latencyMs float64) {
	globalManager.evaluationLatency.Observe(latencyMs)
}

// RecordRuleFired counts a rule that produced a grant.
func RecordRuleFired(rule, category string) {
	globalManager.rulesFired.WithLabelValues(rule, category).Inc()
}

// RecordRuleError counts a rule skipped because it failed.
func RecordRuleError(rule string) {
	globalManager.ruleErrors.WithLabelValues(rule).Inc()
}

// RecordPoints adds a committed point amount; deductions are counted apart.
func RecordPoints(amount int64) {
	switch {
	case amount > 0:
		globalManager.pointsGranted.WithLabelValues("awarded").Add(float64(amount))
	case amount < 0:
		globalManager.pointsGranted.WithLabelValues("deducted").Add(float64(-amount))
	}
}

// RecordBadgeGranted counts a granted badge tier.
func RecordBadgeGranted(badge string) {
	globalManager.badgesGranted.WithLabelValues(badge).Inc()
}

// RecordRankTransition counts a subject moving to a new rank.
func RecordRankTransition(to string) {
	globalManager.rankTransitions.WithLabelValues(to).Inc()
}

// UpdateRulesLoaded sets the size of the active rule set.
func UpdateRulesLoaded(count int) {
	globalManager.rulesLoaded.Set(float64(count))
}

// UpdateTotalSubjects sets the number of subjects in the ledger.
func UpdateTotalSubjects(count int) {
	globalManager.totalSubjects.Set(float64(count))
}

// RecordLedgerApplyLatency records ledger apply latency in milliseconds.
func RecordLedgerApplyLatency(latencyMs float64) {
	globalManager.ledgerApplyLatency.Observe(latencyMs)
}

// RecordLedgerReadLatency records ledger read latency in milliseconds.
func RecordLedgerReadLatency(latencyMs float64) {
	globalManager.ledgerReadLatency.Observe(latencyMs)
}

// RecordLedgerConflict counts a stale delta.
func RecordLedgerConflict() {
	globalManager.ledgerConflicts.Inc()
}

// RecordApplyRetry counts a re-evaluation after a conflict.
func RecordApplyRetry() {
	globalManager.applyRetries.Inc()
}

// RecordObserverFailure counts an observer failure.
func RecordObserverFailure(observer, mode string) {
	globalManager.observerFailures.WithLabelValues(observer, mode).Inc()
}

// RecordObserverLatency records the time an observer took for one change.
func RecordObserverLatency(observer string, latencyMs float64) {
	globalManager.observerLatency.WithLabelValues(observer).Observe(latencyMs)
}

// UpdateLaneDepth sets the pending count of an async dispatch lane.
func UpdateLaneDepth(lane string, depth int) {
	globalManager.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueue.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeue.Inc()
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// UpdateWorkerActiveCount sets the number of running workers.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
