package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Component status values reported through RecordComponentStatus.
const (
	StatusStopped = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

// Metrics contains process-level metrics shared by all components.
type Metrics struct {
	ComponentStatus    *prometheus.GaugeVec
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesPublished  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all process metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "telemetry",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetry",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received",
			},
			[]string{"component", "subject"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetry",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of messages processed",
			},
			[]string{"component", "subject", "status"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetry",
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Total number of messages published",
			},
			[]string{"component", "subject"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "telemetry",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Message processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetry",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "type"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "telemetry",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "telemetry",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "telemetry",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "telemetry",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

// RecordComponentStatus updates the component status metric.
func (c *Metrics) RecordComponentStatus(component string, status int) {
	if c == nil {
		return
	}
	c.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordMessageReceived increments the received message counter.
func (c *Metrics) RecordMessageReceived(component, subject string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(component, subject).Inc()
}

// RecordMessageProcessed increments the processed message counter.
func (c *Metrics) RecordMessageProcessed(component, subject, status string) {
	if c == nil {
		return
	}
	c.MessagesProcessed.WithLabelValues(component, subject, status).Inc()
}

// RecordMessagePublished increments the published message counter.
func (c *Metrics) RecordMessagePublished(component, subject string) {
	if c == nil {
		return
	}
	c.MessagesPublished.WithLabelValues(component, subject).Inc()
}

// RecordProcessingDuration records processing time.
func (c *Metrics) RecordProcessingDuration(component, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.ProcessingDuration.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// RecordError increments the error counter.
func (c *Metrics) RecordError(component, errorType string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordNATSStatus updates the NATS connection status.
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates the NATS round-trip time.
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	if c == nil {
		return
	}
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments the reconnection counter.
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates the circuit breaker status.
func (c *Metrics) RecordCircuitBreakerState(state int) {
	if c == nil {
		return
	}
	c.NATSCircuitBreaker.Set(float64(state))
}
