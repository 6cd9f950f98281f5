package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/tenantbus/internal/runtime/config"
	"github.com/drblury/tenantbus/internal/runtime/envelope"
	loggingpkg "github.com/drblury/tenantbus/internal/runtime/logging"
	"github.com/drblury/tenantbus/transport"
	"github.com/drblury/tenantbus/transport/memory"
)

const waitFor = 3 * time.Second

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// sleepRecorder records requested waits and returns at once.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func testConfig(b *memory.Broker) *configpkg.Config {
	return &configpkg.Config{
		ServiceName:       "billing",
		BrokerURL:         b.URL(),
		Exchange:          "events",
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectMaxDelay: 50 * time.Millisecond,
		MaxRetries:        3,
		RetryInterval:     10 * time.Millisecond,
		PublisherConfirms: true,
		DeadLetterEnabled: true,
	}
}

func newTestService(t *testing.T, b *memory.Broker, configure func(*configpkg.Config), deps ServiceDependencies) *Service {
	t.Helper()
	cfg := testConfig(b)
	if configure != nil {
		configure(cfg)
	}
	if deps.Dialer == nil {
		deps.Dialer = b.Dial
	}
	if deps.PrometheusRegistry == nil {
		deps.PrometheusRegistry = prometheus.NewRegistry()
	}
	svc, err := NewService(cfg, newTestLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

// startService runs svc until the test ends.
func startService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.Running():
	case err := <-done:
		cancel()
		t.Fatalf("service stopped early: %v", err)
	case <-time.After(waitFor):
		cancel()
		t.Fatalf("service did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Errorf("service did not stop")
		}
	})
}

func waitForConsumer(t *testing.T, b *memory.Broker, queue string) {
	t.Helper()
	require.Eventually(t, func() bool {
		q, ok := b.Queue(queue)
		return ok && q.Consumers > 0
	}, waitFor, 5*time.Millisecond, "no consumer on %s", queue)
}

func waitForReady(t *testing.T, b *memory.Broker, queue string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		q, ok := b.Queue(queue)
		return ok && q.Ready == n
	}, waitFor, 5*time.Millisecond, "expected %d ready on %s", n, queue)
}

// publishRaw puts body straight onto queue through the default exchange.
func publishRaw(t *testing.T, b *memory.Broker, queue string, body []byte, headers amqp.Table) {
	t.Helper()
	conn, err := b.Dial(context.Background(), b.URL(), transport.DialOptions{})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, ch.PublishWithContext(context.Background(), "", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Headers:     headers,
		Body:        body,
	}))
}

func newOrder(t *testing.T, tenantID, orderID string) envelope.Envelope {
	t.Helper()
	env, err := envelope.NewEvent(tenantID, envelope.OrderCreated{
		OrderID:    orderID,
		CustomerID: "c-1",
		Total:      4200,
		Currency:   "EUR",
	})
	require.NoError(t, err)
	return env
}

func orderHandler(fn func(evt Event[envelope.OrderCreated]) error) Handler[envelope.OrderCreated] {
	return func(_ context.Context, evt Event[envelope.OrderCreated]) error {
		return fn(evt)
	}
}
