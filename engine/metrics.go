package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dataflow/metric"
)

// engineMetrics holds Prometheus metrics for engine orchestration.
type engineMetrics struct {
	sources       prometheus.Gauge       // registered sources
	sourceOps     *prometheus.CounterVec // by op (start/stop) and status (success/failure)
	dirtyPaths    prometheus.Gauge       // changes waiting for the next propagation tick
	dispatchDrops prometheus.Counter     // changes the action pool could not accept
}

// newEngineMetrics creates and registers engine metrics with the provided registry.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &engineMetrics{
		sources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dataflow",
			Subsystem: "engine",
			Name:      "sources",
			Help:      "Number of registered sources",
		}),

		sourceOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataflow",
			Subsystem: "engine",
			Name:      "source_operations_total",
			Help:      "Source start and stop operations",
		}, []string{"op", "status"}),

		dirtyPaths: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dataflow",
			Subsystem: "engine",
			Name:      "dirty_paths",
			Help:      "Changed paths waiting for binding propagation",
		}),

		dispatchDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dataflow",
			Subsystem: "engine",
			Name:      "action_dispatch_dropped_total",
			Help:      "Changes not dispatched to actions because the queue was full",
		}),
	}

	if err := registry.RegisterGauge("engine", "sources", m.sources); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "source_operations", m.sourceOps); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "dirty_paths", m.dirtyPaths); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("engine", "action_dispatch_dropped", m.dispatchDrops); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *engineMetrics) setSources(n int) {
	if m != nil {
		m.sources.Set(float64(n))
	}
}

func (m *engineMetrics) recordSourceOp(op string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.sourceOps.WithLabelValues(op, status).Inc()
}

func (m *engineMetrics) setDirty(n int) {
	if m != nil {
		m.dirtyPaths.Set(float64(n))
	}
}

func (m *engineMetrics) recordDispatchDrop() {
	if m != nil {
		m.dispatchDrops.Inc()
	}
}
