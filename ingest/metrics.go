package ingest

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bokristoffersson/telemetry-ingest/metric"
)

// ingestMetrics holds Prometheus metrics for message ingestion.
type ingestMetrics struct {
	messagesReceived *prometheus.CounterVec // By component
	pipelineMatches  *prometheus.CounterVec // By component and pipeline
	rowsExtracted    *prometheus.CounterVec // By component and pipeline
	extractErrors    *prometheus.CounterVec // By component and pipeline
	rowsThrottled    *prometheus.CounterVec // By component and pipeline
	rowsRepublished  *prometheus.CounterVec // By component and pipeline
	submitErrors     *prometheus.CounterVec // By component and pipeline
}

// newIngestMetrics creates and registers ingest metrics with the provided registry.
func newIngestMetrics(registry *metric.MetricsRegistry, componentName string) (*ingestMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &ingestMetrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Subsystem: "ingest",
			Name:      "messages_received_total",
			Help:      "Total number of bus messages received",
		}, []string{"component"}),

		pipelineMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Subsystem: "ingest",
			Name:      "pipeline_matches_total",
			Help:      "Total number of topic filter matches",
		}, []string{"component", "pipeline"}),

		rowsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Subsystem: "ingest",
			Name:      "rows_extracted_total",
			Help:      "Total number of rows successfully extracted",
		}, []string{"component", "pipeline"}),

		extractErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Subsystem: "ingest",
			Name:      "extract_errors_total",
			Help:      "Total number of payloads that failed extraction",
		}, []string{"component", "pipeline"}),

		rowsThrottled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Subsystem: "ingest",
			Name:      "rows_throttled_total",
			Help:      "Total number of rows dropped by interval throttling",
		}, []string{"component", "pipeline"}),

		rowsRepublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Subsystem: "ingest",
			Name:      "rows_republished_total",
			Help:      "Total number of rows republished to the bus",
		}, []string{"component", "pipeline"}),

		submitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetry",
			Subsystem: "ingest",
			Name:      "submit_errors_total",
			Help:      "Total number of rows that could not be handed to their destination",
		}, []string{"component", "pipeline"}),
	}

	if err := registry.RegisterCounterVec("ingest", "messages_received", m.messagesReceived); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("ingest", "pipeline_matches", m.pipelineMatches); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("ingest", "rows_extracted", m.rowsExtracted); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("ingest", "extract_errors", m.extractErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("ingest", "rows_throttled", m.rowsThrottled); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("ingest", "rows_republished", m.rowsRepublished); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("ingest", "submit_errors", m.submitErrors); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *ingestMetrics) recordReceived(componentName string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(componentName).Inc()
}

func (m *ingestMetrics) recordMatch(componentName, pipelineName string) {
	if m == nil {
		return
	}
	m.pipelineMatches.WithLabelValues(componentName, pipelineName).Inc()
}

func (m *ingestMetrics) recordExtracted(componentName, pipelineName string) {
	if m == nil {
		return
	}
	m.rowsExtracted.WithLabelValues(componentName, pipelineName).Inc()
}

func (m *ingestMetrics) recordExtractError(componentName, pipelineName string) {
	if m == nil {
		return
	}
	m.extractErrors.WithLabelValues(componentName, pipelineName).Inc()
}

func (m *ingestMetrics) recordThrottled(componentName, pipelineName string) {
	if m == nil {
		return
	}
	m.rowsThrottled.WithLabelValues(componentName, pipelineName).Inc()
}

func (m *ingestMetrics) recordRepublished(componentName, pipelineName string) {
	if m == nil {
		return
	}
	m.rowsRepublished.WithLabelValues(componentName, pipelineName).Inc()
}

func (m *ingestMetrics) recordSubmitError(componentName, pipelineName string) {
	if m == nil {
		return
	}
	m.submitErrors.WithLabelValues(componentName, pipelineName).Inc()
}
