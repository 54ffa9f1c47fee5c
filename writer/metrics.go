package writer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bokristoffersson/telemetry-ingest/metric"
)

// writerMetrics holds Prometheus metrics for batch writer operations.
type writerMetrics struct {
	rowsSubmitted *prometheus.CounterVec // By component
	rowsFlushed   *prometheus.CounterVec // By component and destination
	rowsDropped   *prometheus.CounterVec // By component and destination

	flushesTotal *prometheus.CounterVec // By component, destination and trigger
	flushErrors  *prometheus.CounterVec // By component and destination

	flushDuration *prometheus.HistogramVec // By component
	batchSize     *prometheus.HistogramVec // By component
}

// newWriterMetrics creates and registers writer metrics with the provided registry.
func newWriterMetrics(registry *metric.MetricsRegistry, componentName string) (*writerMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &writerMetrics{
		rowsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Subsystem: "writer",
			Name:      "rows_submitted_total",
			Help:      "Total number of rows accepted into the writer channel",
		}, []string{"component"}),

		rowsFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Subsystem: "writer",
			Name:      "rows_flushed_total",
			Help:      "Total number of rows written to the sink",
		}, []string{"component", "destination"}),

		rowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Subsystem: "writer",
			Name:      "rows_dropped_total",
			Help:      "Total number of rows lost to failed flushes",
		}, []string{"component", "destination"}),

		flushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Subsystem: "writer",
			Name:      "flushes_total",
			Help:      "Total number of flushes by trigger",
		}, []string{"component", "destination", "trigger"}), // trigger: size, linger, drain

		flushErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Subsystem: "writer",
			Name:      "flush_errors_total",
			Help:      "Total number of failed flush executions",
		}, []string{"component", "destination"}),

		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "telemetry",
			Subsystem: "writer",
			Name:      "flush_duration_seconds",
			Help:      "Flush execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component"}),

		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "telemetry",
			Subsystem: "writer",
			Name:      "batch_size_rows",
			Help:      "Distribution of flushed batch sizes in rows",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"component"}),
	}

	if err := registry.RegisterCounterVec("writer", "rows_submitted", m.rowsSubmitted); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("writer", "rows_flushed", m.rowsFlushed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("writer", "rows_dropped", m.rowsDropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("writer", "flushes_total", m.flushesTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("writer", "flush_errors", m.flushErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("writer", "flush_duration", m.flushDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("writer", "batch_size", m.batchSize); err != nil {
		return nil, err
	}

	return m, nil
}

// recordSubmit records a row accepted into the channel.
func (m *writerMetrics) recordSubmit(componentName string) {
	if m == nil {
		return
	}
	m.rowsSubmitted.WithLabelValues(componentName).Inc()
}

// recordFlush records a successful flush.
func (m *writerMetrics) recordFlush(componentName, destination, trigger string, rows int, duration time.Duration) {
	if m == nil {
		return
	}
	m.flushesTotal.WithLabelValues(componentName, destination, trigger).Inc()
	m.rowsFlushed.WithLabelValues(componentName, destination).Add(float64(rows))
	m.flushDuration.WithLabelValues(componentName).Observe(duration.Seconds())
	m.batchSize.WithLabelValues(componentName).Observe(float64(rows))
}

// recordFlushError records a failed flush and its dropped rows.
func (m *writerMetrics) recordFlushError(componentName, destination string, rows int) {
	if m == nil {
		return
	}
	m.flushErrors.WithLabelValues(componentName, destination).Inc()
	m.rowsDropped.WithLabelValues(componentName, destination).Add(float64(rows))
}
