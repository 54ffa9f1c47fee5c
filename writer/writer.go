// Package writer batches extracted rows and writes them to the SQL sink.
//
// A single consumer goroutine owns all buffers, so rows for the same
// destination are written in arrival order without further locking. Buffers
// are keyed by destination and kind; a buffer flushes as soon as it reaches
// the configured batch size, and the linger timer flushes every non-empty
// buffer so low-volume destinations are not held back indefinitely.
//
// Writes are best-effort. A failed flush is logged with a correlation id and
// its rows are dropped; the writer never retries a batch.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	ierrors "github.com/bokristoffersson/telemetry-ingest/errors"
	"github.com/bokristoffersson/telemetry-ingest/extract"
	"github.com/bokristoffersson/telemetry-ingest/metric"
	"github.com/bokristoffersson/telemetry-ingest/pipeline"
	"github.com/bokristoffersson/telemetry-ingest/store"
)

// ErrShuttingDown is returned by Submit once the writer has begun stopping.
var ErrShuttingDown = errors.New("writer is shutting down")

// Envelope carries one extracted row together with the destination it
// belongs to. Rows with the same Table and Kind are batched together; the
// first envelope of a batch decides the upsert key for the whole batch.
type Envelope struct {
	Table     string
	Kind      pipeline.DataKind
	UpsertKey []string
	Row       *extract.Row
}

// BatchWriter accumulates rows per destination and flushes them to the sink
// in multi-row statements.
type BatchWriter struct {
	name      string
	sink      store.Executor
	batchSize int
	linger    time.Duration

	input chan Envelope

	logger  *slog.Logger
	metrics *writerMetrics
	core    *metric.Metrics

	// Lifecycle management
	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	done        chan struct{}

	rowsSubmitted atomic.Int64
	rowsFlushed   atomic.Int64
	flushErrors   atomic.Int64
}

// buffer holds the pending rows for one destination between flushes.
type buffer struct {
	table     string
	kind      pipeline.DataKind
	upsertKey []string
	rows      []*extract.Row
}

// New creates a batch writer. The input channel is sized at four times the
// batch size so short bursts do not immediately block producers.
func New(sink store.Executor, batchSize int, linger time.Duration, logger *slog.Logger, registry *metric.MetricsRegistry) (*BatchWriter, error) {
	if sink == nil {
		return nil, ierrors.WrapFatal(errors.New("sink is required"), "writer", "New", "validating configuration")
	}
	if batchSize <= 0 {
		return nil, ierrors.WrapFatal(fmt.Errorf("batch size must be positive, got %d", batchSize), "writer", "New", "validating configuration")
	}
	if linger <= 0 {
		return nil, ierrors.WrapFatal(fmt.Errorf("linger must be positive, got %s", linger), "writer", "New", "validating configuration")
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newWriterMetrics(registry, "writer")
	if err != nil {
		return nil, ierrors.WrapFatal(err, "writer", "New", "registering metrics")
	}

	return &BatchWriter{
		name:      "writer",
		sink:      sink,
		batchSize: batchSize,
		linger:    linger,
		input:     make(chan Envelope, batchSize*4),
		logger:    logger.With("component", "writer"),
		metrics:   metrics,
		core:      registry.CoreMetrics(),
	}, nil
}

// Start launches the consumer goroutine.
func (w *BatchWriter) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running {
		return ierrors.WrapFatal(errors.New("writer already running"), w.name, "Start", "checking component state")
	}

	w.shutdown = make(chan struct{})
	w.done = make(chan struct{})
	w.running = true

	go w.consumeLoop(ctx)

	w.core.RecordComponentStatus(w.name, metric.StatusRunning)
	w.logger.Info("Batch writer started",
		"batch_size", w.batchSize,
		"linger", w.linger.String())
	return nil
}

// Submit queues one row for writing. It blocks while the channel is full and
// returns ErrShuttingDown once Stop has been called.
func (w *BatchWriter) Submit(ctx context.Context, env Envelope) error {
	w.lifecycleMu.Lock()
	if !w.running {
		w.lifecycleMu.Unlock()
		return ErrShuttingDown
	}
	shutdown := w.shutdown
	w.lifecycleMu.Unlock()

	select {
	case w.input <- env:
		w.rowsSubmitted.Add(1)
		w.metrics.recordSubmit(w.name)
		return nil
	case <-shutdown:
		return ErrShuttingDown
	case <-ctx.Done():
		return ierrors.WrapTransient(ctx.Err(), w.name, "Submit", "queueing row")
	}
}

// Stop drains pending rows and shuts the consumer down. Rows still buffered
// when the timeout expires are lost.
func (w *BatchWriter) Stop(timeout time.Duration) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running {
		return nil
	}

	close(w.shutdown)

	select {
	case <-w.done:
		w.running = false
		w.core.RecordComponentStatus(w.name, metric.StatusStopped)
		w.logger.Info("Batch writer stopped",
			"rows_submitted", w.rowsSubmitted.Load(),
			"rows_flushed", w.rowsFlushed.Load(),
			"flush_errors", w.flushErrors.Load())
		return nil
	case <-time.After(timeout):
		w.running = false
		w.core.RecordComponentStatus(w.name, metric.StatusFailed)
		return ierrors.WrapTransient(errors.New("timeout waiting for writer to drain"), w.name, "Stop", "stopping component")
	}
}

// consumeLoop is the single consumer. It owns the buffers map exclusively.
func (w *BatchWriter) consumeLoop(ctx context.Context) {
	defer close(w.done)

	buffers := make(map[string]*buffer)
	ticker := time.NewTicker(w.linger)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			w.drainAll(buffers)
			return

		case env := <-w.input:
			key := bufferKey(env.Table, env.Kind)
			buf, ok := buffers[key]
			if !ok {
				buf = &buffer{
					table:     env.Table,
					kind:      env.Kind,
					upsertKey: env.UpsertKey,
					rows:      make([]*extract.Row, 0, w.batchSize),
				}
				buffers[key] = buf
			}
			buf.rows = append(buf.rows, env.Row)

			if len(buf.rows) >= w.batchSize {
				w.flush(ctx, buf, "size")
				delete(buffers, key)
			}

		case <-ticker.C:
			for key, buf := range buffers {
				if len(buf.rows) == 0 {
					continue
				}
				w.flush(ctx, buf, "linger")
				delete(buffers, key)
			}
		}
	}
}

// drainAll empties the input channel and flushes every remaining buffer.
// The application context may already be cancelled at this point, so the
// final flushes run under their own deadline.
func (w *BatchWriter) drainAll(buffers map[string]*buffer) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for {
		select {
		case env := <-w.input:
			key := bufferKey(env.Table, env.Kind)
			buf, ok := buffers[key]
			if !ok {
				buf = &buffer{
					table:     env.Table,
					kind:      env.Kind,
					upsertKey: env.UpsertKey,
					rows:      make([]*extract.Row, 0, w.batchSize),
				}
				buffers[key] = buf
			}
			buf.rows = append(buf.rows, env.Row)
		default:
			for _, buf := range buffers {
				if len(buf.rows) == 0 {
					continue
				}
				w.flush(ctx, buf, "drain")
			}
			return
		}
	}
}

// flush builds and executes one statement for the buffer. Failures are
// logged and counted; the rows are not retried.
func (w *BatchWriter) flush(ctx context.Context, buf *buffer, trigger string) {
	flushID := uuid.NewString()
	start := time.Now()

	sql, binds, err := store.Build(buf.table, buf.kind, buf.upsertKey, buf.rows)
	if err != nil {
		w.flushErrors.Add(1)
		w.metrics.recordFlushError(w.name, buf.table, len(buf.rows))
		w.core.RecordError(w.name, "build")
		w.logger.Error("Failed to build statement",
			"flush_id", flushID,
			"destination", buf.table,
			"rows", len(buf.rows),
			"error", err)
		return
	}

	if err := w.sink.Exec(ctx, sql, binds...); err != nil {
		w.flushErrors.Add(1)
		w.metrics.recordFlushError(w.name, buf.table, len(buf.rows))
		w.core.RecordError(w.name, "exec")
		w.logger.Error("Failed to flush batch",
			"flush_id", flushID,
			"destination", buf.table,
			"rows", len(buf.rows),
			"trigger", trigger,
			"error", err)
		return
	}

	duration := time.Since(start)
	w.rowsFlushed.Add(int64(len(buf.rows)))
	w.metrics.recordFlush(w.name, buf.table, trigger, len(buf.rows), duration)
	w.core.RecordProcessingDuration(w.name, "flush", duration)
	w.logger.Debug("Flushed batch",
		"flush_id", flushID,
		"destination", buf.table,
		"rows", len(buf.rows),
		"trigger", trigger,
		"duration_ms", duration.Milliseconds())
}

func bufferKey(table string, kind pipeline.DataKind) string {
	return table + ":" + string(kind)
}
