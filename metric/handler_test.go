package metric

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_HealthDefault(t *testing.T) {
	server := NewServer(9090, "/metrics", NewMetricsRegistry())

	rec := httptest.NewRecorder()
	server.buildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestServer_HealthWithInfo(t *testing.T) {
	server := NewServer(9090, "/metrics", NewMetricsRegistry())
	server.SetHealthInfo(func() any {
		return map[string]any{"nats_status": "connected", "nats_failures": 0}
	})

	rec := httptest.NewRecorder()
	server.buildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "connected", body["nats_status"])
	assert.EqualValues(t, 0, body["nats_failures"])
}

func TestServer_MetricsEndpoint(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordMessageReceived("ingest", "telemetry.test")

	server := NewServer(9090, "/metrics", registry)

	rec := httptest.NewRecorder()
	server.buildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "telemetry_messages_received_total")
}
