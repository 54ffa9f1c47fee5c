package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bokristoffersson/telemetry-ingest/extract"
	"github.com/bokristoffersson/telemetry-ingest/metric"
	"github.com/bokristoffersson/telemetry-ingest/pipeline"
	"github.com/bokristoffersson/telemetry-ingest/writer"
)

// fakeBus records subscriptions and publishes, and lets tests inject
// messages into registered handlers.
type fakeBus struct {
	mu              sync.Mutex
	handlers        map[string]func(context.Context, string, []byte)
	published       map[string][][]byte
	streamPublished []streamPublish
	streams         []string
}

// streamPublish captures one keyed JetStream publish.
type streamPublish struct {
	subject string
	key     string
	data    []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers:  make(map[string]func(context.Context, string, []byte)),
		published: make(map[string][][]byte),
	}
}

func (b *fakeBus) Subscribe(_ context.Context, subject string, handler func(context.Context, string, []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = handler
	return nil
}

func (b *fakeBus) ConsumeStream(_ context.Context, streamName, durable, subject string, handler func(string, []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = append(b.streams, streamName+"/"+durable)
	b.handlers[subject] = func(_ context.Context, msgSubject string, data []byte) {
		handler(msgSubject, data)
	}
	return nil
}

func (b *fakeBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[subject] = append(b.published[subject], data)
	return nil
}

func (b *fakeBus) PublishToStream(_ context.Context, subject, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamPublished = append(b.streamPublished, streamPublish{subject: subject, key: key, data: data})
	return nil
}

// deliver pushes a message into the handler registered for the
// subscription subject, as if it arrived on msgSubject.
func (b *fakeBus) deliver(t *testing.T, subscription, msgSubject string, data []byte) {
	t.Helper()
	b.mu.Lock()
	handler, ok := b.handlers[subscription]
	b.mu.Unlock()
	require.True(t, ok, "no handler registered for %s", subscription)
	handler(context.Background(), msgSubject, data)
}

type fakeSubmitter struct {
	mu    sync.Mutex
	envs  []writer.Envelope
	delay time.Duration
}

func (s *fakeSubmitter) Submit(_ context.Context, env writer.Envelope) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *fakeSubmitter) envelopes() []writer.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]writer.Envelope, len(s.envs))
	copy(out, s.envs)
	return out
}

func tableSpec(name, topic, table string) *pipeline.Spec {
	return &pipeline.Spec{
		Name:     name,
		Topic:    topic,
		Table:    table,
		DataKind: pipeline.KindTimeseries,
		Timestamp: pipeline.TimestampRule{
			Path:   "ts",
			Format: "unix_ms",
		},
		Tags: map[string]string{"device_id": "device"},
		Fields: map[string]pipeline.FieldSpec{
			"temperature": {Path: "temp", Type: pipeline.TypeFloat},
		},
	}
}

func republishSpec(name, topic, subject string) *pipeline.Spec {
	s := tableSpec(name, topic, "")
	s.PublishSubject = subject
	return s
}

func startIngestor(t *testing.T, bus *fakeBus, sink Submitter, opts Options) *Ingestor {
	t.Helper()
	ing, err := New(bus, sink, opts)
	require.NoError(t, err)
	require.NoError(t, ing.Start(context.Background()))
	t.Cleanup(func() { _ = ing.Stop(time.Second) })
	return ing
}

func TestNewValidation(t *testing.T) {
	bus := newFakeBus()
	spec := tableSpec("heating", "site/+/heating", "heating")

	_, err := New(nil, &fakeSubmitter{}, Options{Subjects: []string{"t.>"}, Specs: []*pipeline.Spec{spec}})
	assert.Error(t, err)

	_, err = New(bus, &fakeSubmitter{}, Options{Specs: []*pipeline.Spec{spec}})
	assert.Error(t, err)

	_, err = New(bus, &fakeSubmitter{}, Options{Subjects: []string{"t.>"}})
	assert.Error(t, err)

	// Table pipelines require a sink.
	_, err = New(bus, nil, Options{Subjects: []string{"t.>"}, Specs: []*pipeline.Spec{spec}})
	assert.Error(t, err)

	// Republish-only pipelines do not.
	_, err = New(bus, nil, Options{Subjects: []string{"t.>"}, Specs: []*pipeline.Spec{republishSpec("fwd", "site/#", "out.fwd")}})
	assert.NoError(t, err)
}

func TestRoutesMatchingPipeline(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSubmitter{}
	startIngestor(t, bus, sink, Options{
		Subjects: []string{"telemetry.>"},
		Specs:    []*pipeline.Spec{tableSpec("heating", "site/+/heating", "heating")},
	})

	payload := []byte(`{"ts": 1705314600000, "device": "dev-1", "temp": 21.5}`)
	bus.deliver(t, "telemetry.>", "site.a.heating", payload)

	envs := sink.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "heating", envs[0].Table)
	assert.Equal(t, int64(1705314600000), envs[0].Row.Timestamp)
	assert.Equal(t, "dev-1", envs[0].Row.Tags["device_id"])
}

func TestNonMatchingTopicIgnored(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSubmitter{}
	startIngestor(t, bus, sink, Options{
		Subjects: []string{"telemetry.>"},
		Specs:    []*pipeline.Spec{tableSpec("heating", "site/+/heating", "heating")},
	})

	bus.deliver(t, "telemetry.>", "site.a.cooling", []byte(`{"ts": 1705314600000, "device": "dev-1", "temp": 21.5}`))

	assert.Empty(t, sink.envelopes())
}

func TestFanOutToMultipleSpecs(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSubmitter{}
	startIngestor(t, bus, sink, Options{
		Subjects: []string{"telemetry.>"},
		Specs: []*pipeline.Spec{
			tableSpec("heating", "site/+/heating", "heating"),
			tableSpec("audit", "site/#", "audit"),
		},
	})

	bus.deliver(t, "telemetry.>", "site.a.heating", []byte(`{"ts": 1705314600000, "device": "dev-1", "temp": 21.5}`))

	envs := sink.envelopes()
	require.Len(t, envs, 2)
	tables := []string{envs[0].Table, envs[1].Table}
	assert.ElementsMatch(t, []string{"heating", "audit"}, tables)
}

func TestThrottleDropsWithinInterval(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSubmitter{}
	spec := tableSpec("heating", "site/#", "heating")
	spec.StoreInterval = pipeline.IntervalMinute
	startIngestor(t, bus, sink, Options{
		Subjects: []string{"telemetry.>"},
		Specs:    []*pipeline.Spec{spec},
	})

	base := int64(1705314600000)
	bus.deliver(t, "telemetry.>", "site.a.heating", payloadAt(base))
	bus.deliver(t, "telemetry.>", "site.a.heating", payloadAt(base+59_000))
	bus.deliver(t, "telemetry.>", "site.a.heating", payloadAt(base+60_000))

	envs := sink.envelopes()
	require.Len(t, envs, 2)
	assert.Equal(t, base, envs[0].Row.Timestamp)
	assert.Equal(t, base+60_000, envs[1].Row.Timestamp)
}

func payloadAt(ts int64) []byte {
	data, _ := json.Marshal(map[string]any{"ts": ts, "device": "dev-1", "temp": 21.5})
	return data
}

func TestInvalidPayloadDropped(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSubmitter{}
	ing := startIngestor(t, bus, sink, Options{
		Subjects: []string{"telemetry.>"},
		Specs:    []*pipeline.Spec{tableSpec("heating", "site/#", "heating")},
	})

	bus.deliver(t, "telemetry.>", "site.a.heating", []byte(`{not json`))
	bus.deliver(t, "telemetry.>", "site.a.heating", []byte(`{"device": "dev-1", "temp": 21.5}`)) // no timestamp

	assert.Empty(t, sink.envelopes())
	assert.Equal(t, int64(2), ing.errorCount.Load())
}

func TestRepublishRoundTrip(t *testing.T) {
	bus := newFakeBus()
	startIngestor(t, bus, nil, Options{
		Subjects: []string{"telemetry.>"},
		Specs:    []*pipeline.Spec{republishSpec("fwd", "site/#", "out.heating")},
	})

	bus.deliver(t, "telemetry.>", "site.a.heating", []byte(`{"ts": 1705314600000, "device": "dev-1", "temp": 21.5}`))

	require.Len(t, bus.published["out.heating"], 1)

	var wire struct {
		Timestamp string             `json:"ts"`
		Tags      map[string]string  `json:"tags"`
		Fields    map[string]float64 `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(bus.published["out.heating"][0], &wire))

	assert.Equal(t, "2024-01-15T10:30:00Z", wire.Timestamp)
	assert.Equal(t, map[string]string{"device_id": "dev-1"}, wire.Tags)
	assert.Equal(t, map[string]float64{"temperature": 21.5}, wire.Fields)
}

func TestRepublishOmitsEmptyMaps(t *testing.T) {
	row := &extract.Row{
		Timestamp: 1705314600000,
		Tags:      map[string]string{},
		Fields:    map[string]extract.FieldValue{},
	}

	data, err := encodeRow(row)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ts": "2024-01-15T10:30:00Z"}`, string(data))
}

func TestStreamSubscription(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSubmitter{}
	startIngestor(t, bus, sink, Options{
		Subjects: []string{"telemetry.>"},
		Stream:   "TELEMETRY",
		Durable:  "ingest",
		Specs:    []*pipeline.Spec{tableSpec("heating", "site/#", "heating")},
	})

	require.Equal(t, []string{"TELEMETRY/ingest"}, bus.streams)

	bus.deliver(t, "telemetry.>", "site.a.heating", payloadAt(1705314600000))
	assert.Len(t, sink.envelopes(), 1)
}

func TestMessagesAfterStopDropped(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSubmitter{}
	ing, err := New(bus, sink, Options{
		Subjects: []string{"telemetry.>"},
		Specs:    []*pipeline.Spec{tableSpec("heating", "site/#", "heating")},
	})
	require.NoError(t, err)
	require.NoError(t, ing.Start(context.Background()))
	require.NoError(t, ing.Stop(time.Second))

	bus.deliver(t, "telemetry.>", "site.a.heating", payloadAt(1705314600000))
	assert.Empty(t, sink.envelopes())
}

func TestStreamRepublishKeyedByPipeline(t *testing.T) {
	bus := newFakeBus()
	startIngestor(t, bus, nil, Options{
		Subjects: []string{"telemetry.>"},
		Stream:   "TELEMETRY",
		Durable:  "ingest",
		Specs:    []*pipeline.Spec{republishSpec("fwd", "site/#", "out.heating")},
	})

	bus.deliver(t, "telemetry.>", "site.a.heating", []byte(`{"ts": 1705314600000, "device": "dev-1", "temp": 21.5}`))

	require.Len(t, bus.streamPublished, 1)
	assert.Equal(t, "out.heating", bus.streamPublished[0].subject)
	assert.Equal(t, "fwd", bus.streamPublished[0].key)
	assert.Empty(t, bus.published, "stream republish must not go through the core bus")
}

func TestStopWaitsForInFlightMessages(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSubmitter{delay: 100 * time.Millisecond}
	ing, err := New(bus, sink, Options{
		Subjects: []string{"telemetry.>"},
		Specs:    []*pipeline.Spec{tableSpec("heating", "site/#", "heating")},
	})
	require.NoError(t, err)
	require.NoError(t, ing.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		bus.deliver(t, "telemetry.>", "site.a.heating", payloadAt(1705314600000))
		close(done)
	}()

	// Give the handler time to register as in-flight before stopping.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ing.Stop(2*time.Second))

	<-done
	assert.Len(t, sink.envelopes(), 1, "Stop must wait for the in-flight message")
}

func TestCoreMetricsRecorded(t *testing.T) {
	bus := newFakeBus()
	sink := &fakeSubmitter{}
	registry := metric.NewMetricsRegistry()
	startIngestor(t, bus, sink, Options{
		Subjects: []string{"telemetry.>"},
		Specs: []*pipeline.Spec{
			tableSpec("heating", "site/+/heating", "heating"),
			republishSpec("fwd", "site/#", "out.heating"),
		},
		Registry: registry,
	})

	bus.deliver(t, "telemetry.>", "site.a.heating", payloadAt(1705314600000))
	bus.deliver(t, "telemetry.>", "site.a.heating", []byte(`{not json`))

	core := registry.CoreMetrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(core.MessagesReceived.WithLabelValues("ingest", "site.a.heating")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.MessagesProcessed.WithLabelValues("ingest", "site.a.heating", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.MessagesProcessed.WithLabelValues("ingest", "site.a.heating", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.MessagesPublished.WithLabelValues("ingest", "out.heating")))
	assert.Equal(t, 2.0, testutil.ToFloat64(core.ErrorsTotal.WithLabelValues("ingest", "extract")))
}
