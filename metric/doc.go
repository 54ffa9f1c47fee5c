// Package metric provides Prometheus-based metrics collection and an HTTP
// server for monitoring the ingest pipeline.
//
// The package offers a centralized metrics registry managing both core
// process metrics (component status, message counters, NATS health) and
// component-specific metrics. It includes an HTTP server exposing metrics
// in Prometheus format plus a simple health check.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        log.Printf("metrics server error: %v", err)
//	    }
//	}()
//
//	core := registry.CoreMetrics()
//	core.RecordComponentStatus("ingest", 2)
//	core.RecordMessageReceived("ingest", "telemetry.heating")
//
// Components register their own metrics through the MetricsRegistrar
// interface; duplicate registrations are rejected with a classified error.
package metric
