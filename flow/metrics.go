/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector represents a collector of metrics to analyze how the flow engine behaves under load.
type MetricsCollector interface {
	// IncAccepted increments the total number of accepted submissions.
	IncAccepted()

	// IncRejected increments the total number of rejected submissions, labeled by rejection reason.
	IncRejected(reason string)

	// IncDropped increments the total number of buffered items discarded by an overflow policy.
	IncDropped(reason string)

	// IncRetried increments the total number of scheduled retries.
	IncRetried()

	// IncDeadLettered increments the total number of items routed to the dead-letter sink.
	IncDeadLettered()

	// ObserveProcessing observes the duration of one handler invocation, labeled by its outcome.
	ObserveProcessing(status string, elapsed time.Duration)

	// SetQueueOccupancy sets the current occupancy of the buffer serving the given priority class.
	SetQueueOccupancy(class string, n int)
}

// Processing statuses for ObserveProcessing.
const (
	ProcessingStatusOK    = "ok"
	ProcessingStatusError = "error"
)

// ReasonRateLimitDryRun labels would-be rate-limit rejections that were
// admitted because dry-run mode is on. Counted as rejections so that the
// impact of enabling enforcement can be estimated from metrics alone.
const ReasonRateLimitDryRun = "rate_limit_dry_run"

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics for the flow engine.
type PrometheusMetrics struct {
	AcceptedTotal      prometheus.Counter
	RejectedTotal      *prometheus.CounterVec
	DroppedTotal       *prometheus.CounterVec
	RetriesTotal       prometheus.Counter
	DeadLetteredTotal  prometheus.Counter
	ProcessingDuration *prometheus.HistogramVec
	QueueOccupancy     *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	acceptedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "flow_accepted_total",
			Help:        "Number of accepted submissions.",
			ConstLabels: opts.ConstLabels,
		},
	)

	rejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "flow_rejected_total",
			Help:        "Number of rejected submissions.",
			ConstLabels: opts.ConstLabels,
		},
		[]string{"reason"},
	)

	droppedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "flow_dropped_total",
			Help:        "Number of buffered items discarded by an overflow policy.",
			ConstLabels: opts.ConstLabels,
		},
		[]string{"reason"},
	)

	retriesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "flow_retries_total",
			Help:        "Number of scheduled retries.",
			ConstLabels: opts.ConstLabels,
		},
	)

	deadLetteredTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "flow_dead_lettered_total",
			Help:        "Number of items routed to the dead-letter sink.",
			ConstLabels: opts.ConstLabels,
		},
	)

	processingDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "flow_processing_duration_seconds",
			Help:        "Duration of handler invocations.",
			ConstLabels: opts.ConstLabels,
			Buckets:     []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	queueOccupancy := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "flow_queue_occupancy",
			Help:        "Current buffer occupancy per priority class.",
			ConstLabels: opts.ConstLabels,
		},
		[]string{"class"},
	)

	return &PrometheusMetrics{
		AcceptedTotal:      acceptedTotal,
		RejectedTotal:      rejectedTotal,
		DroppedTotal:       droppedTotal,
		RetriesTotal:       retriesTotal,
		DeadLetteredTotal:  deadLetteredTotal,
		ProcessingDuration: processingDuration,
		QueueOccupancy:     queueOccupancy,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.AcceptedTotal,
		pm.RejectedTotal,
		pm.DroppedTotal,
		pm.RetriesTotal,
		pm.DeadLetteredTotal,
		pm.ProcessingDuration,
		pm.QueueOccupancy,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.AcceptedTotal)
	prometheus.Unregister(pm.RejectedTotal)
	prometheus.Unregister(pm.DroppedTotal)
	prometheus.Unregister(pm.RetriesTotal)
	prometheus.Unregister(pm.DeadLetteredTotal)
	prometheus.Unregister(pm.ProcessingDuration)
	prometheus.Unregister(pm.QueueOccupancy)
}

// IncAccepted increments the total number of accepted submissions.
func (pm *PrometheusMetrics) IncAccepted() {
	pm.AcceptedTotal.Inc()
}

// IncRejected increments the total number of rejected submissions.
func (pm *PrometheusMetrics) IncRejected(reason string) {
	pm.RejectedTotal.With(prometheus.Labels{"reason": reason}).Inc()
}

// IncDropped increments the total number of discarded buffered items.
func (pm *PrometheusMetrics) IncDropped(reason string) {
	pm.DroppedTotal.With(prometheus.Labels{"reason": reason}).Inc()
}

// IncRetried increments the total number of scheduled retries.
func (pm *PrometheusMetrics) IncRetried() {
	pm.RetriesTotal.Inc()
}

// IncDeadLettered increments the total number of dead-lettered items.
func (pm *PrometheusMetrics) IncDeadLettered() {
	pm.DeadLetteredTotal.Inc()
}

// ObserveProcessing observes the duration of one handler invocation.
func (pm *PrometheusMetrics) ObserveProcessing(status string, elapsed time.Duration) {
	pm.ProcessingDuration.With(prometheus.Labels{"status": status}).Observe(elapsed.Seconds())
}

// SetQueueOccupancy sets the current occupancy of the buffer serving the given priority class.
func (pm *PrometheusMetrics) SetQueueOccupancy(class string, n int) {
	pm.QueueOccupancy.With(prometheus.Labels{"class": class}).Set(float64(n))
}

type disabledMetrics struct{}

func (disabledMetrics) IncAccepted()                            {}
func (disabledMetrics) IncRejected(string)                      {}
func (disabledMetrics) IncDropped(string)                       {}
func (disabledMetrics) IncRetried()                             {}
func (disabledMetrics) IncDeadLettered()                        {}
func (disabledMetrics) ObserveProcessing(string, time.Duration) {}
func (disabledMetrics) SetQueueOccupancy(string, int)           {}

var disabledMetricsCollector = disabledMetrics{}
