package metric

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherNames(t *testing.T, registry *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	err := registry.RegisterCounter("writer", "test_counter", counter)
	require.NoError(t, err)

	counter.Inc()

	assert.True(t, gatherNames(t, registry)["test_counter"])
}

func TestMetricsRegistry_RegisterGaugeVec(t *testing.T) {
	registry := NewMetricsRegistry()

	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "test_gauge_vec",
		Help: "A test gauge vector",
	}, []string{"pipeline"})

	err := registry.RegisterGaugeVec("ingest", "test_gauge_vec", gaugeVec)
	require.NoError(t, err)

	gaugeVec.WithLabelValues("heating").Set(42)

	assert.True(t, gatherNames(t, registry)["test_gauge_vec"])
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	counter1 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_counter",
		Help: "First counter",
	})
	counter2 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_counter",
		Help: "First counter",
	})

	err := registry.RegisterCounter("writer", "duplicate_counter", counter1)
	require.NoError(t, err)

	err = registry.RegisterCounter("writer", "duplicate_counter", counter2)
	assert.Error(t, err)
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "removable_counter",
		Help: "A removable counter",
	})

	require.NoError(t, registry.RegisterCounter("writer", "removable_counter", counter))
	assert.True(t, registry.Unregister("writer", "removable_counter"))
	assert.False(t, registry.Unregister("writer", "removable_counter"))
	assert.False(t, gatherNames(t, registry)["removable_counter"])
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: "concurrent_counter_" + string(rune('a'+n)),
				Help: "A concurrent counter",
			})
			assert.NoError(t, registry.RegisterCounter("writer", counter.Desc().String(), counter))
		}(i)
	}
	wg.Wait()
}

func TestCoreMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	core.RecordComponentStatus("ingest", 2)
	core.RecordMessageReceived("ingest", "telemetry.heating")
	core.RecordMessageProcessed("ingest", "telemetry.heating", "success")
	core.RecordMessagePublished("ingest", "telemetry.heating.mapped")
	core.RecordProcessingDuration("ingest", "extract", 5*time.Millisecond)
	core.RecordError("writer", "flush")
	core.RecordNATSStatus(true)
	core.RecordNATSRTT(3 * time.Millisecond)
	core.RecordNATSReconnect()
	core.RecordCircuitBreakerState(0)

	names := gatherNames(t, registry)
	assert.True(t, names["telemetry_component_status"])
	assert.True(t, names["telemetry_messages_received_total"])
	assert.True(t, names["telemetry_nats_connected"])
}

func TestCoreMetrics_NilReceiverIgnoresRecords(t *testing.T) {
	var registry *MetricsRegistry
	core := registry.CoreMetrics()
	require.Nil(t, core)

	core.RecordComponentStatus("ingest", StatusRunning)
	core.RecordMessageReceived("ingest", "telemetry.heating")
	core.RecordMessageProcessed("ingest", "telemetry.heating", "success")
	core.RecordMessagePublished("ingest", "telemetry.heating.mapped")
	core.RecordProcessingDuration("ingest", "extract", time.Millisecond)
	core.RecordError("writer", "flush")
	core.RecordNATSStatus(true)
	core.RecordNATSRTT(time.Millisecond)
	core.RecordNATSReconnect()
	core.RecordCircuitBreakerState(0)
}
