package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status gauge values for SourceStatus.
const (
	StatusDisconnected = 0
	StatusConnecting   = 1
	StatusConnected    = 2
	StatusError        = 3
)

// Metrics contains the core data-flow metrics. All Record methods are no-ops on a nil
// receiver so components can run without a registry.
type Metrics struct {
	SourceUpdates     *prometheus.CounterVec
	SourceStatus      *prometheus.GaugeVec
	PipelineDuration  *prometheus.HistogramVec
	PipelineErrors    *prometheus.CounterVec
	RepositoryChanges prometheus.Counter
	SubscriberLag     *prometheus.CounterVec
	BindingUpdates    prometheus.Counter
	PropagationSkips  prometheus.Counter
	TriggerFires      *prometheus.CounterVec
}

// NewMetrics creates the core metric set
func NewMetrics() *Metrics {
	return &Metrics{
		SourceUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dataflow",
				Subsystem: "source",
				Name:      "updates_total",
				Help:      "Total number of updates received from each source",
			},
			[]string{"source"},
		),

		SourceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dataflow",
				Subsystem: "source",
				Name:      "status",
				Help:      "Source status (0=disconnected, 1=connecting, 2=connected, 3=error)",
			},
			[]string{"source"},
		),

		PipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dataflow",
				Subsystem: "pipeline",
				Name:      "duration_seconds",
				Help:      "Pipeline execution time per update",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"source"},
		),

		PipelineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dataflow",
				Subsystem: "pipeline",
				Name:      "errors_total",
				Help:      "Updates dropped because a pipeline stage failed",
			},
			[]string{"source"},
		),

		RepositoryChanges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dataflow",
				Subsystem: "repository",
				Name:      "changes_total",
				Help:      "Total number of repository writes and deletes",
			},
		),

		SubscriberLag: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dataflow",
				Subsystem: "subscriber",
				Name:      "lagged_total",
				Help:      "Messages lost by slow subscribers",
			},
			[]string{"subscriber"},
		),

		BindingUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dataflow",
				Subsystem: "binding",
				Name:      "updates_total",
				Help:      "Total number of binding updates delivered to the property sink",
			},
		),

		PropagationSkips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dataflow",
				Subsystem: "binding",
				Name:      "ticks_skipped_total",
				Help:      "Propagation ticks skipped because the binding system was busy",
			},
		),

		TriggerFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dataflow",
				Subsystem: "trigger",
				Name:      "fires_total",
				Help:      "Trigger firings by outcome",
			},
			[]string{"trigger", "outcome"},
		),
	}
}

func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.SourceUpdates,
		m.SourceStatus,
		m.PipelineDuration,
		m.PipelineErrors,
		m.RepositoryChanges,
		m.SubscriberLag,
		m.BindingUpdates,
		m.PropagationSkips,
		m.TriggerFires,
	)
}

// RecordSourceUpdate increments the update counter of a source
func (m *Metrics) RecordSourceUpdate(source string) {
	if m == nil {
		return
	}
	m.SourceUpdates.WithLabelValues(source).Inc()
}

// RecordSourceStatus updates the status gauge of a source
func (m *Metrics) RecordSourceStatus(source string, status int) {
	if m == nil {
		return
	}
	m.SourceStatus.WithLabelValues(source).Set(float64(status))
}

// RecordPipeline records one pipeline run
func (m *Metrics) RecordPipeline(source string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.PipelineDuration.WithLabelValues(source).Observe(duration.Seconds())
	if err != nil {
		m.PipelineErrors.WithLabelValues(source).Inc()
	}
}

// RecordRepositoryChange increments the repository change counter
func (m *Metrics) RecordRepositoryChange() {
	if m == nil {
		return
	}
	m.RepositoryChanges.Inc()
}

// RecordLag adds n lost messages for a subscriber
func (m *Metrics) RecordLag(subscriber string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SubscriberLag.WithLabelValues(subscriber).Add(float64(n))
}

// RecordBindingUpdates adds n delivered binding updates
func (m *Metrics) RecordBindingUpdates(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BindingUpdates.Add(float64(n))
}

// RecordPropagationSkip increments the skipped tick counter
func (m *Metrics) RecordPropagationSkip() {
	if m == nil {
		return
	}
	m.PropagationSkips.Inc()
}

// RecordTriggerFire counts one trigger firing
func (m *Metrics) RecordTriggerFire(trigger string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.TriggerFires.WithLabelValues(trigger, outcome).Inc()
}
