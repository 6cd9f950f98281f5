// Package broker owns the AMQP side of the bus: the process-wide connection,
// topology provisioning, publishing, consuming and dead-letter operations.
package broker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	errs "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/internal/runtime/logging"
	"github.com/drblury/tenantbus/transport"
)

// State is the lifecycle state of a ConnectionManager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// ConnectionConfig configures dialing and reconnect behaviour.
type ConnectionConfig struct {
	URL            string
	ConnectionName string
	Heartbeat      time.Duration

	// Attempt n waits min(n*ReconnectDelay, ReconnectMaxDelay). A zero
	// ReconnectMaxDelay disables the cap.
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	// MaxReconnectAttempts bounds consecutive failed attempts. Zero or less
	// retries forever.
	MaxReconnectAttempts int
}

// ConnectionOption customises a ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithDialer replaces registry-based dialing.
func WithDialer(dial transport.Dialer) ConnectionOption {
	return func(m *ConnectionManager) { m.dial = dial }
}

// WithRegistry resolves dialers from registry instead of the default one.
func WithRegistry(registry *transport.Registry) ConnectionOption {
	return func(m *ConnectionManager) { m.registry = registry }
}

// WithSleep replaces the backoff wait. It must return ctx.Err() when ctx is
// cancelled.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ConnectionOption {
	return func(m *ConnectionManager) { m.sleep = sleep }
}

// WithConnectionLogger sets the logger.
func WithConnectionLogger(logger logging.ServiceLogger) ConnectionOption {
	return func(m *ConnectionManager) { m.logger = logger }
}

// WithConnectionMetrics records connection state and reconnect attempts.
func WithConnectionMetrics(metrics *Metrics) ConnectionOption {
	return func(m *ConnectionManager) { m.metrics = metrics }
}

// ConnectionManager owns the single broker connection of a process and
// restores it after unexpected loss.
type ConnectionManager struct {
	cfg      ConnectionConfig
	dial     transport.Dialer
	registry *transport.Registry
	sleep    func(ctx context.Context, d time.Duration) error
	logger   logging.ServiceLogger
	metrics  *Metrics

	mu          sync.Mutex
	state       State
	conn        transport.Connection
	channels    []transport.Channel
	changed     chan struct{}
	looping     bool
	onConnected []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnectionManager builds a manager. It does not dial; call Connect.
func NewConnectionManager(cfg ConnectionConfig, opts ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		cfg:     cfg,
		sleep:   SleepContext,
		state:   StateDisconnected,
		changed: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = logging.NewNopServiceLogger()
	}
	m.logger = m.logger.With(logging.LogFields{logging.FieldComponent: "broker.connection"})
	if m.dial == nil {
		registry := m.registry
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		m.dial = registry.Dial
	}
	return m
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff returns the wait before reconnect attempt n (1-based).
func (m *ConnectionManager) Backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * m.cfg.ReconnectDelay
	if m.cfg.ReconnectMaxDelay > 0 && d > m.cfg.ReconnectMaxDelay {
		return m.cfg.ReconnectMaxDelay
	}
	return d
}

// Connect establishes the connection. It is a no-op while connected. When
// the dial fails the error is returned and reconnecting continues in the
// background so the process can run degraded.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return errs.ErrConnectionClosed
	case StateConnected, StateConnecting:
		m.mu.Unlock()
		return nil
	case StateReconnecting:
		m.mu.Unlock()
		return errs.ErrNotConnected
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	conn, err := m.dial(ctx, m.cfg.URL, m.dialOptions())
	if err != nil {
		m.logger.Error("Broker connection failed, reconnecting in background", err, nil)
		m.mu.Lock()
		if m.state == StateConnecting {
			m.setStateLocked(StateReconnecting)
			m.startLoopLocked()
		}
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", errs.ErrNotConnected, err)
	}
	if !m.install(conn) {
		return errs.ErrConnectionClosed
	}
	return nil
}

func (m *ConnectionManager) dialOptions() transport.DialOptions {
	return transport.DialOptions{Heartbeat: m.cfg.Heartbeat, ConnectionName: m.cfg.ConnectionName}
}

// install adopts a fresh connection. It returns false when the manager was
// closed meanwhile.
func (m *ConnectionManager) install(conn transport.Connection) bool {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	m.conn = conn
	m.channels = nil
	m.setStateLocked(StateConnected)
	hooks := slices.Clone(m.onConnected)
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.setConnected(true)
	m.logger.Info("Broker connected", nil)

	go m.watch(conn, closed)

	for _, hook := range hooks {
		hook()
	}
	return true
}

// watch reacts to the close notification of conn.
func (m *ConnectionManager) watch(conn transport.Connection, closed <-chan *amqp.Error) {
	defer m.wg.Done()
	cause, ok := <-closed
	if !ok || cause == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn || m.state == StateClosed {
		return
	}
	m.logger.Error("Broker connection lost", cause, logging.LogFields{"code": cause.Code})
	m.conn = nil
	m.channels = nil
	m.setStateLocked(StateReconnecting)
	m.metrics.setConnected(false)
	m.startLoopLocked()
}

func (m *ConnectionManager) startLoopLocked() {
	if m.looping {
		return
	}
	m.looping = true
	m.wg.Add(1)
	go m.reconnectLoop()
}

// reconnectLoop makes one attempt per backoff interval until it connects,
// exhausts MaxReconnectAttempts or the manager closes.
func (m *ConnectionManager) reconnectLoop() {
	defer m.wg.Done()

	for attempt := 1; ; attempt++ {
		if limit := m.cfg.MaxReconnectAttempts; limit > 0 && attempt > limit {
			m.mu.Lock()
			m.looping = false
			if m.state != StateClosed {
				m.setStateLocked(StateFailed)
			}
			m.mu.Unlock()
			m.metrics.setConnected(false)
			m.logger.Error("Broker reconnect gave up", errs.ErrConnectionFailed, logging.LogFields{"attempts": limit})
			return
		}

		delay := m.Backoff(attempt)
		if err := m.sleep(m.ctx, delay); err != nil {
			m.stopLooping()
			return
		}

		m.metrics.reconnectAttempt()
		fields := logging.LogFields{logging.FieldAttempt: attempt, "delay": delay.String()}
		conn, err := m.dial(m.ctx, m.cfg.URL, m.dialOptions())
		if err != nil {
			m.logger.Error("Broker reconnect attempt failed", err, fields)
			continue
		}
		m.logger.Info("Broker reconnected", fields)
		// A loss right after install must be able to start a new loop.
		m.stopLooping()
		m.install(conn)
		return
	}
}

func (m *ConnectionManager) stopLooping() {
	m.mu.Lock()
	m.looping = false
	m.mu.Unlock()
}

func (m *ConnectionManager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
}

// State reports the current lifecycle state.
func (m *ConnectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsHealthy is true only while the connection is open and at least one
// channel opened through the manager is open.
func (m *ConnectionManager) IsHealthy() bool {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return false
	}
	conn := m.conn
	channels := slices.Clone(m.channels)
	m.mu.Unlock()

	if conn.IsClosed() {
		return false
	}
	for _, ch := range channels {
		if !ch.IsClosed() {
			return true
		}
	}
	return false
}

// Channel opens a channel on the live connection. It never blocks waiting
// for a reconnect: without a connection it returns ErrNotConnected.
func (m *ConnectionManager) Channel() (transport.Channel, error) {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return nil, errs.ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %w", errs.ErrNotConnected, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		_ = ch.Close()
		return nil, errs.ErrNotConnected
	}
	m.channels = slices.DeleteFunc(m.channels, func(c transport.Channel) bool { return c.IsClosed() })
	m.channels = append(m.channels, ch)
	return ch, nil
}

// WaitConnected blocks until the manager is connected. It returns
// ErrConnectionFailed once reconnecting gave up and ErrConnectionClosed after
// Close.
func (m *ConnectionManager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, changed := m.state, m.changed
		m.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateFailed:
			return errs.ErrConnectionFailed
		case StateClosed:
			return errs.ErrConnectionClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnConnected registers fn to run after every successful connect and
// reconnect. It runs synchronously on the connecting goroutine.
func (m *ConnectionManager) OnConnected(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.onConnected = append(m.onConnected, fn)
	m.mu.Unlock()
}

// Close closes tracked channels, then the connection, and stops
// reconnecting. It waits for background goroutines until ctx expires.
func (m *ConnectionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateClosed)
	conn := m.conn
	channels := m.channels
	m.conn, m.channels = nil, nil
	m.mu.Unlock()

	m.cancel()
	m.metrics.setConnected(false)

	for _, ch := range channels {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}
	var closeErr error
	if conn != nil && !conn.IsClosed() {
		closeErr = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.logger.Info("Broker connection closed", nil)
	return closeErr
}
