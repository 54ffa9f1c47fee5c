// Package ingest subscribes to the message bus and routes each envelope
// through the configured pipelines: topic matching, row extraction,
// interval throttling, and hand-off to either the batch writer or a
// republish subject.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	ierrors "github.com/bokristoffersson/telemetry-ingest/errors"
	"github.com/bokristoffersson/telemetry-ingest/extract"
	"github.com/bokristoffersson/telemetry-ingest/metric"
	"github.com/bokristoffersson/telemetry-ingest/pipeline"
	"github.com/bokristoffersson/telemetry-ingest/throttle"
	"github.com/bokristoffersson/telemetry-ingest/writer"
)

// Bus is the messaging surface the ingestor needs from the NATS client.
type Bus interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, string, []byte)) error
	ConsumeStream(ctx context.Context, streamName, durable, subject string, handler func(string, []byte)) error
	Publish(ctx context.Context, subject string, data []byte) error
	PublishToStream(ctx context.Context, subject, key string, data []byte) error
}

// Submitter is the writer surface the ingestor hands table-bound rows to.
type Submitter interface {
	Submit(ctx context.Context, env writer.Envelope) error
}

// Options configures an Ingestor.
type Options struct {
	// Subjects to subscribe to on the core bus.
	Subjects []string
	// Stream and Durable switch the subscription to a JetStream consumer
	// when Stream is non-empty.
	Stream  string
	Durable string

	Specs []*pipeline.Spec

	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

// Ingestor fans bus messages out over the pipeline specs. One message can
// match several specs; each match is extracted and routed independently.
type Ingestor struct {
	name     string
	bus      Bus
	sink     Submitter
	specs    []*pipeline.Spec
	throttle *throttle.Throttle

	subjects []string
	stream   string
	durable  string

	logger  *slog.Logger
	metrics *ingestMetrics
	core    *metric.Metrics

	// Lifecycle management. handlerMu makes in-flight registration atomic
	// with Stop: handlers join the wait group under the read lock, Stop
	// flips accepting under the write lock before waiting.
	lifecycleMu sync.Mutex
	running     bool
	handlerMu   sync.RWMutex
	accepting   bool
	wg          sync.WaitGroup

	messagesReceived atomic.Int64
	rowsRouted       atomic.Int64
	errorCount       atomic.Int64
}

// New creates an ingestor. The sink may be nil when every spec republishes.
func New(bus Bus, sink Submitter, opts Options) (*Ingestor, error) {
	if bus == nil {
		return nil, ierrors.WrapFatal(errors.New("bus is required"), "ingest", "New", "validating configuration")
	}
	if len(opts.Subjects) == 0 {
		return nil, ierrors.WrapFatal(errors.New("at least one subject is required"), "ingest", "New", "validating configuration")
	}
	if len(opts.Specs) == 0 {
		return nil, ierrors.WrapFatal(errors.New("at least one pipeline is required"), "ingest", "New", "validating configuration")
	}
	for _, spec := range opts.Specs {
		if !spec.IsRepublish() && sink == nil {
			return nil, ierrors.WrapFatal(errors.New("sink is required for table pipelines"), "ingest", "New", "validating configuration")
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newIngestMetrics(opts.Registry, "ingest")
	if err != nil {
		return nil, ierrors.WrapFatal(err, "ingest", "New", "registering metrics")
	}

	return &Ingestor{
		name:     "ingest",
		bus:      bus,
		sink:     sink,
		specs:    opts.Specs,
		throttle: throttle.New(),
		subjects: opts.Subjects,
		stream:   opts.Stream,
		durable:  opts.Durable,
		logger:   logger.With("component", "ingest"),
		metrics:  metrics,
		core:     opts.Registry.CoreMetrics(),
	}, nil
}

// Start subscribes to every configured subject. With a stream configured
// the subscriptions are durable JetStream consumers, otherwise core bus
// subscriptions.
func (i *Ingestor) Start(ctx context.Context) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if i.running {
		return ierrors.WrapFatal(errors.New("ingestor already running"), i.name, "Start", "checking component state")
	}

	i.handlerMu.Lock()
	i.accepting = true
	i.handlerMu.Unlock()

	for _, subject := range i.subjects {
		if i.stream != "" {
			err := i.bus.ConsumeStream(ctx, i.stream, i.durable, subject, func(msgSubject string, data []byte) {
				i.handleMessage(ctx, msgSubject, data)
			})
			if err != nil {
				return ierrors.WrapTransient(err, i.name, "Start", "creating stream consumer")
			}
		} else {
			err := i.bus.Subscribe(ctx, subject, func(msgCtx context.Context, msgSubject string, data []byte) {
				i.handleMessage(msgCtx, msgSubject, data)
			})
			if err != nil {
				return ierrors.WrapTransient(err, i.name, "Start", "subscribing to subject")
			}
		}
	}

	i.running = true
	i.core.RecordComponentStatus(i.name, metric.StatusRunning)
	i.logger.Info("Ingestor started",
		"subjects", i.subjects,
		"stream", i.stream,
		"pipelines", len(i.specs))
	return nil
}

// Stop waits for in-flight messages to finish. New messages arriving after
// Stop are dropped; the underlying subscriptions are torn down when the
// bus client closes.
func (i *Ingestor) Stop(timeout time.Duration) error {
	i.lifecycleMu.Lock()
	defer i.lifecycleMu.Unlock()

	if !i.running {
		return nil
	}

	i.handlerMu.Lock()
	i.accepting = false
	i.handlerMu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		i.running = false
		i.core.RecordComponentStatus(i.name, metric.StatusStopped)
		i.logger.Info("Ingestor stopped",
			"messages_received", i.messagesReceived.Load(),
			"rows_routed", i.rowsRouted.Load(),
			"errors", i.errorCount.Load())
		return nil
	case <-time.After(timeout):
		i.running = false
		i.core.RecordComponentStatus(i.name, metric.StatusFailed)
		return ierrors.WrapTransient(errors.New("timeout waiting for in-flight messages"), i.name, "Stop", "stopping component")
	}
}

// handleMessage routes one bus message through every matching pipeline.
func (i *Ingestor) handleMessage(ctx context.Context, subject string, data []byte) {
	i.handlerMu.RLock()
	if !i.accepting {
		i.handlerMu.RUnlock()
		return
	}
	i.wg.Add(1)
	i.handlerMu.RUnlock()
	defer i.wg.Done()

	start := time.Now()
	i.messagesReceived.Add(1)
	i.metrics.recordReceived(i.name)
	i.core.RecordMessageReceived(i.name, subject)

	topic := pipeline.SubjectToTopic(subject)
	failed := false

	for _, spec := range i.specs {
		if !pipeline.TopicMatches(spec.Topic, topic) {
			continue
		}
		i.metrics.recordMatch(i.name, spec.Name)

		row, err := extract.Extract(spec, data)
		if err != nil {
			failed = true
			i.errorCount.Add(1)
			i.metrics.recordExtractError(i.name, spec.Name)
			i.core.RecordError(i.name, "extract")
			i.logger.Warn("Failed to extract row",
				"pipeline", spec.Name,
				"topic", topic,
				"error", err)
			continue
		}
		i.metrics.recordExtracted(i.name, spec.Name)

		if !i.throttle.ShouldStore(spec.Name, row.Timestamp, spec.Interval()) {
			i.metrics.recordThrottled(i.name, spec.Name)
			continue
		}

		if spec.IsRepublish() {
			if err := i.republish(ctx, spec, row); err != nil {
				failed = true
			}
		} else {
			if err := i.submit(ctx, spec, row); err != nil {
				failed = true
			}
		}
	}

	status := "success"
	if failed {
		status = "error"
	}
	i.core.RecordMessageProcessed(i.name, subject, status)
	i.core.RecordProcessingDuration(i.name, "handle_message", time.Since(start))
}

// republish serializes the row and puts it back on the bus, keyed by
// pipeline name. With a stream configured the row goes through JetStream
// so downstream consumers get the same delivery guarantees as the input.
func (i *Ingestor) republish(ctx context.Context, spec *pipeline.Spec, row *extract.Row) error {
	data, err := encodeRow(row)
	if err != nil {
		i.errorCount.Add(1)
		i.metrics.recordSubmitError(i.name, spec.Name)
		i.core.RecordError(i.name, "encode")
		i.logger.Error("Failed to encode row",
			"pipeline", spec.Name,
			"error", err)
		return err
	}

	if i.stream != "" {
		err = i.bus.PublishToStream(ctx, spec.PublishSubject, spec.Name, data)
	} else {
		err = i.bus.Publish(ctx, spec.PublishSubject, data)
	}
	if err != nil {
		i.errorCount.Add(1)
		i.metrics.recordSubmitError(i.name, spec.Name)
		i.core.RecordError(i.name, "publish")
		i.logger.Error("Failed to republish row",
			"pipeline", spec.Name,
			"subject", spec.PublishSubject,
			"error", err)
		return err
	}

	i.rowsRouted.Add(1)
	i.metrics.recordRepublished(i.name, spec.Name)
	i.core.RecordMessagePublished(i.name, spec.PublishSubject)
	return nil
}

// submit hands the row to the batch writer.
func (i *Ingestor) submit(ctx context.Context, spec *pipeline.Spec, row *extract.Row) error {
	env := writer.Envelope{
		Table:     spec.Table,
		Kind:      spec.DataKind,
		UpsertKey: spec.UpsertKey,
		Row:       row,
	}
	if err := i.sink.Submit(ctx, env); err != nil {
		i.errorCount.Add(1)
		i.metrics.recordSubmitError(i.name, spec.Name)
		i.core.RecordError(i.name, "submit")
		i.logger.Error("Failed to queue row",
			"pipeline", spec.Name,
			"table", spec.Table,
			"error", err)
		return err
	}
	i.rowsRouted.Add(1)
	return nil
}
