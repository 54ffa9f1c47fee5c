//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startNATSContainer(ctx context.Context, t *testing.T, jetStream bool) (testcontainers.Container, string) {
	t.Helper()

	cmd := []string{"-m", "8222"}
	if jetStream {
		cmd = []string{"-js", "-m", "8222"}
	}

	req := testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
		Cmd:          cmd,
	}

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)

	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)

	natsURL := fmt.Sprintf("nats://%s:%s", host, port.Port())

	// Wait for NATS to be fully ready
	time.Sleep(200 * time.Millisecond)

	return natsContainer, natsURL
}

func TestIntegration_ConnectAndStatus(t *testing.T) {
	ctx := context.Background()

	container, natsURL := startNATSContainer(ctx, t, false)
	defer func() { _ = container.Terminate(ctx) }()

	client, err := NewClient(natsURL)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer func() { _ = client.Close(ctx) }()

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForConnection(connCtx))

	assert.Equal(t, StatusConnected, client.Status())
}

func TestIntegration_SubscribeReceivesConcreteSubject(t *testing.T) {
	ctx := context.Background()

	container, natsURL := startNATSContainer(ctx, t, false)
	defer func() { _ = container.Terminate(ctx) }()

	client, err := NewClient(natsURL)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer func() { _ = client.Close(ctx) }()

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForConnection(connCtx))

	type received struct {
		subject string
		data    []byte
	}
	got := make(chan received, 1)

	err = client.Subscribe(ctx, "telemetry.>", func(_ context.Context, subject string, data []byte) {
		got <- received{subject: subject, data: data}
	})
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "telemetry.site.a.heating", []byte(`{"temp": 21.5}`)))

	select {
	case msg := <-got:
		assert.Equal(t, "telemetry.site.a.heating", msg.subject)
		assert.JSONEq(t, `{"temp": 21.5}`, string(msg.data))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestIntegration_StreamPublishAndDurableConsume(t *testing.T) {
	ctx := context.Background()

	container, natsURL := startNATSContainer(ctx, t, true)
	defer func() { _ = container.Terminate(ctx) }()

	client, err := NewClient(natsURL)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer func() { _ = client.Close(ctx) }()

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForConnection(connCtx))

	_, err = client.CreateStream(ctx, jetstream.StreamConfig{
		Name:     "TELEMETRY",
		Subjects: []string{"telemetry.>"},
	})
	require.NoError(t, err)

	got := make(chan string, 1)
	err = client.ConsumeStream(ctx, "TELEMETRY", "ingest-test", "telemetry.>", func(subject string, _ []byte) {
		got <- subject
	})
	require.NoError(t, err)

	require.NoError(t, client.PublishToStream(ctx, "telemetry.site.b.meter", "meter", []byte(`{"power": 620}`)))

	select {
	case subject := <-got:
		assert.Equal(t, "telemetry.site.b.meter", subject)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream message")
	}
}
