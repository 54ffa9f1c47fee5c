// Package telemetryingest maps JSON telemetry envelopes from a message bus
// into database rows and downstream subjects, driven entirely by declarative
// pipeline configuration.
//
// # Architecture
//
// Messages flow through four stages:
//
//	┌─────────────┐
//	│   NATS bus  │  core subjects or JetStream consumers
//	└──────┬──────┘
//	       ↓
//	┌─────────────┐
//	│   Ingestor  │  topic matching, row extraction,
//	│             │  interval throttling
//	└──────┬──────┘
//	       ↓
//	 ┌─────┴─────┐
//	 ↓           ↓
//	┌────────┐  ┌───────────┐
//	│ Batch  │  │ Republish │
//	│ Writer │  │ (NATS)    │
//	└───┬────┘  └───────────┘
//	    ↓
//	┌────────┐
//	│Postgres│  multi-row INSERT / upsert
//	└────────┘
//
// A pipeline declares a topic filter, a timestamp rule, tag and field
// mappings, and a destination. One message can match several pipelines;
// each match is extracted and routed independently, so a heating payload
// can land in a table and be forwarded to a downstream subject at the
// same time.
//
// Timeseries destinations are appended with a leading "ts" column.
// Static destinations are upserted by a declared key with a
// "latest_update" column. Republish destinations receive the row as a
// compact JSON document.
//
// # Packages
//
// Core flow:
//   - pipeline: declarative mapping specs and topic filter matching
//   - extract: payload to row conversion (timestamps, tags, fields,
//     nested attributes, bit flags)
//   - throttle: payload-time interval gating per pipeline
//   - writer: batching and flushing of rows to the SQL sink
//   - ingest: bus subscription and per-message routing
//
// Infrastructure:
//   - config: YAML loading, environment placeholder expansion, validation
//   - natsclient: NATS connection management with circuit breaking
//   - store: pgx connection pool and multi-row statement building
//   - metric: Prometheus metrics registry and HTTP exposition
//   - errors: structured error classification (transient, invalid, fatal)
//   - pkg/retry: backoff policies for startup connections
//   - pkg/timestamp: canonical Unix millisecond time handling
//
// # Binary
//
// Build and run:
//
//	go build -o bin/telemetry-ingest ./cmd/telemetry-ingest
//	./bin/telemetry-ingest --config configs/example.yaml
//
//	# Validate configuration without starting
//	./bin/telemetry-ingest --validate --config configs/example.yaml
package telemetryingest
