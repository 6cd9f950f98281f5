package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/tenantbus/internal/runtime/broker"
	configpkg "github.com/drblury/tenantbus/internal/runtime/config"
	"github.com/drblury/tenantbus/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/tenantbus/internal/runtime/logging"
	"github.com/drblury/tenantbus/transport"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 5 * time.Second
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Zero fields fall back to production defaults.
type ServiceDependencies struct {
	// Registry decodes payloads for SubscribeEnvelope. Defaults to envelope.DefaultRegistry().
	Registry                  *envelope.Registry
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     DeliveryHooks
	ErrorClassifier           ErrorClassifier

	// Transports resolves the broker URL scheme. Defaults to transport.DefaultRegistry.
	Transports *transport.Registry
	// Dialer bypasses Transports entirely.
	Dialer transport.Dialer

	// PrometheusRegistry receives every collector. A private registry is
	// created when nil.
	PrometheusRegistry *prometheus.Registry
	TracerProvider     trace.TracerProvider

	// Sleep replaces the reconnect and retry waits, mostly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Service wires the broker connection, publisher, subscriber, Watermill
// router and middleware chain of one process.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	conn        *broker.ConnectionManager
	topology    *broker.Topology
	publisher   *broker.Publisher
	subscriber  *broker.Subscriber
	deadLetters *broker.DeadLetters
	router      *message.Router

	metrics        *broker.Metrics
	dlqMetrics     *DLQMetrics
	promRegisterer prometheus.Registerer
	gatherer       prometheus.Gatherer
	tracerProvider trace.TracerProvider

	hooks           DeliveryHooks
	registry        *envelope.Registry
	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker

	subscriptions     map[string]*Subscription
	subscriptionOrder []string
	subscriptionsMu   sync.RWMutex
	started           bool

	// stopCtx is cancelled when shutdown begins so retry waits give up.
	stopCtx    context.Context
	stopCancel context.CancelFunc
	sleep      func(ctx context.Context, d time.Duration) error

	httpServers   map[int]*http.ServeMux
	servers       []*http.Server
	httpServersMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration. Register
// subscriptions on the returned Service before calling Start. Nothing is
// dialed until Connect or Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info("Creating event service", loggingpkg.LogFields{
		"service":  c.ServiceName,
		"exchange": c.Exchange,
		"config":   c.String(),
	})

	stopCtx, stopCancel := context.WithCancel(context.Background())
	s := &Service{
		Conf:            &c,
		Logger:          log,
		hooks:           deps.Hooks,
		registry:        deps.Registry,
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(),
		subscriptions:   make(map[string]*Subscription),
		stopCtx:         stopCtx,
		stopCancel:      stopCancel,
		sleep:           deps.Sleep,
		tracerProvider:  deps.TracerProvider,
	}
	if s.registry == nil {
		s.registry = envelope.DefaultRegistry()
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}
	if s.sleep == nil {
		s.sleep = broker.SleepContext
	}
	if s.tracerProvider == nil {
		s.tracerProvider = otel.GetTracerProvider()
	}

	if err := s.setupMetrics(deps.PrometheusRegistry); err != nil {
		stopCancel()
		return nil, err
	}
	s.setupBroker(deps)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: shutdownTimeout}, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		stopCancel()
		return nil, fmt.Errorf("create router: %w", err)
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		stopCancel()
		return nil, err
	}
	s.registerHTTPEndpoints()

	return s, nil
}

func (s *Service) setupMetrics(reg *prometheus.Registry) error {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.promRegisterer = reg
	s.gatherer = reg
	s.dlqMetrics = NewDLQMetrics(reg)

	if !s.Conf.MetricsEnabled {
		return nil
	}
	m, err := broker.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register broker metrics: %w", err)
	}
	s.metrics = m
	if err := s.dlqMetrics.Register(); err != nil {
		return fmt.Errorf("register dlq metrics: %w", err)
	}
	return nil
}

func (s *Service) setupBroker(deps ServiceDependencies) {
	c := s.Conf
	connOpts := []broker.ConnectionOption{
		broker.WithConnectionLogger(s.Logger),
		broker.WithConnectionMetrics(s.metrics),
		broker.WithSleep(s.sleep),
	}
	if deps.Transports != nil {
		connOpts = append(connOpts, broker.WithRegistry(deps.Transports))
	}
	if deps.Dialer != nil {
		connOpts = append(connOpts, broker.WithDialer(deps.Dialer))
	}
	s.conn = broker.NewConnectionManager(broker.ConnectionConfig{
		URL:                  c.URL(),
		ConnectionName:       c.ServiceName,
		Heartbeat:            c.Heartbeat,
		ReconnectDelay:       c.ReconnectDelay,
		ReconnectMaxDelay:    c.ReconnectMaxDelay,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
	}, connOpts...)

	s.topology = broker.NewTopology(c.Exchange, c.DeadLetterEnabled)
	s.publisher = broker.NewPublisher(s.conn, s.topology, broker.PublisherConfig{
		Confirms: c.PublisherConfirms,
		Timeout:  c.PublishTimeout,
	},
		broker.WithPublisherLogger(s.Logger),
		broker.WithPublisherMetrics(s.metrics),
		broker.WithTracerProvider(s.tracerProvider),
	)
	s.subscriber = broker.NewSubscriber(s.conn, s.topology, broker.SubscriberConfig{
		Prefetch:     c.Prefetch,
		Concurrency:  c.Concurrency,
		ConsumerTag:  c.ServiceName,
		CloseTimeout: shutdownTimeout,
	},
		broker.WithSubscriberLogger(s.Logger),
		broker.WithSubscriberMetrics(s.metrics),
		broker.WithDeadLetterRecorder(s.dlqMetrics),
	)
	s.deadLetters = broker.NewDeadLetters(s.conn, s.topology, s.Logger)
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Connect dials the broker. On failure the service keeps reconnecting in the
// background and publishing fails fast until it succeeds.
func (s *Service) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

// WaitConnected blocks until the broker connection is up, reconnecting gave
// up or ctx ends.
func (s *Service) WaitConnected(ctx context.Context) error {
	return s.conn.WaitConnected(ctx)
}

// Start connects, declares every subscription and runs the router until ctx
// is cancelled or Stop is called. A broker that is down at startup does not
// prevent the service from starting.
func (s *Service) Start(ctx context.Context) error {
	s.subscriptionsMu.Lock()
	if s.started {
		s.subscriptionsMu.Unlock()
		return errspkg.ErrServiceStarted
	}
	s.started = true
	s.subscriptionsMu.Unlock()

	if err := s.Connect(ctx); err != nil {
		s.Logger.Error("Starting without broker connection", err, nil)
	}
	if err := s.mountSubscriptions(); err != nil {
		return err
	}
	s.startHTTPServers()

	// Router.Run only returns once the router is closed; without
	// subscriptions nothing else would close it.
	stop := context.AfterFunc(ctx, func() {
		s.beginShutdown()
		_ = s.router.Close()
	})
	defer stop()

	runErr := routerRun(s.router, ctx)
	s.beginShutdown()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, s.Close(closeCtx))
}

// Running is closed once the router is processing messages.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Stop begins a graceful shutdown. Handlers waiting to retry give up and
// their deliveries are requeued.
func (s *Service) Stop() error {
	s.beginShutdown()
	return s.router.Close()
}

func (s *Service) beginShutdown() {
	s.stopCancel()
}

// Close releases the router, subscriber, publisher, connection and HTTP
// servers in that order. It is safe to call more than once.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.beginShutdown()
		var errs []error
		if err := s.router.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close router: %w", err))
		}
		if err := s.subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
		if err := s.conn.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		if err := s.stopHTTPServers(ctx); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
		s.Logger.Info("Event service stopped", nil)
	})
	return s.closeErr
}

// Healthy reports whether the broker connection and a channel are open.
func (s *Service) Healthy() bool {
	return s.conn.IsHealthy()
}

// ConnectionState reports the broker connection lifecycle state.
func (s *Service) ConnectionState() broker.State {
	return s.conn.State()
}

// Registry returns the payload registry used for envelope subscriptions.
func (s *Service) Registry() *envelope.Registry {
	return s.registry
}

// DLQMetrics returns the dead-letter metrics of this service.
func (s *Service) DLQMetrics() *DLQMetrics {
	return s.dlqMetrics
}

// DeadLetterCount reports the depth of queue's dead-letter queue.
func (s *Service) DeadLetterCount(ctx context.Context, queue string) (int, error) {
	n, err := s.deadLetters.Count(ctx, queue)
	if err != nil {
		return 0, err
	}
	s.dlqMetrics.SetCurrentCount(queue, n)
	return n, nil
}

// ReplayDeadLetters moves up to limit dead letters back onto queue. A limit
// of zero or less replays everything. The count is valid even on error.
func (s *Service) ReplayDeadLetters(ctx context.Context, queue string, limit int) (int, error) {
	n, err := s.deadLetters.Replay(ctx, queue, limit)
	s.dlqMetrics.RecordReplayed(queue, n)
	fields := loggingpkg.LogFields{loggingpkg.FieldQueue: queue, "replayed": n}
	if err != nil {
		s.Logger.Error("Dead letter replay stopped", err, fields)
		return n, err
	}
	s.Logger.Info("Dead letters replayed", fields)
	return n, nil
}

// PurgeDeadLetters drops every message in queue's dead-letter queue.
func (s *Service) PurgeDeadLetters(ctx context.Context, queue string) (int, error) {
	n, err := s.deadLetters.Purge(ctx, queue)
	if err != nil {
		return 0, err
	}
	s.dlqMetrics.RecordPurged(queue, n)
	s.Logger.Info("Dead letters purged", loggingpkg.LogFields{loggingpkg.FieldQueue: queue, "purged": n})
	return n, nil
}

// RegisterHTTPHandler mounts handler on the HTTP server listening on port.
// Servers start with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers(ctx context.Context) error {
	s.httpServersMu.Lock()
	servers := s.servers
	s.servers = nil
	s.httpServersMu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
