package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/tenantbus/internal/runtime/envelope"
	errs "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/internal/runtime/logging"
	"github.com/drblury/tenantbus/internal/runtime/metadata"
	"github.com/drblury/tenantbus/transport"
)

const (
	contentTypeJSON       = "application/json"
	defaultPublishTimeout = 5 * time.Second
	tracerName            = "github.com/drblury/tenantbus/broker"
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Confirms waits for the broker to ack every message before Publish
	// returns.
	Confirms bool
	// Timeout bounds the confirm wait. Zero means five seconds.
	Timeout time.Duration
}

// PublisherOption customises a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger logging.ServiceLogger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

// WithPublisherMetrics records publish results.
func WithPublisherMetrics(metrics *Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = metrics }
}

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) PublisherOption {
	return func(p *Publisher) { p.tracer = tp.Tracer(tracerName) }
}

// Publisher publishes envelopes to the event exchange over one channel
// guarded by a mutex. It never waits for a reconnect.
type Publisher struct {
	conn     *ConnectionManager
	topology *Topology
	cfg      PublisherConfig
	logger   logging.ServiceLogger
	metrics  *Metrics
	tracer   trace.Tracer

	mu       sync.Mutex
	ch       transport.Channel
	confirms chan amqp.Confirmation
	closed   bool
}

// NewPublisher builds a publisher and registers it to open its channel after
// every (re)connect.
func NewPublisher(conn *ConnectionManager, topology *Topology, cfg PublisherConfig, opts ...PublisherOption) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPublishTimeout
	}
	p := &Publisher{
		conn:     conn,
		topology: topology,
		cfg:      cfg,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logging.NewNopServiceLogger()
	}
	p.logger = p.logger.With(logging.LogFields{logging.FieldComponent: "broker.publisher"})
	conn.OnConnected(p.warm)
	return p
}

func (p *Publisher) warm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.dropLocked()
	if _, err := p.channelLocked(); err != nil {
		p.logger.Error("Failed to open publishing channel", err, nil)
	}
}

// Publish validates env and publishes it with routing key env.Type. With
// confirms enabled it returns nil only once the broker acked the message.
// It returns ErrNotConnected immediately while the broker is unreachable.
func (p *Publisher) Publish(ctx context.Context, env envelope.Envelope) error {
	eventType := string(env.Type)
	if err := env.Validate(); err != nil {
		p.metrics.observePublished(eventType, ResultError)
		return err
	}
	body, err := env.Marshal()
	if err != nil {
		p.metrics.observePublished(eventType, ResultError)
		return fmt.Errorf("%w: %w", errs.ErrInvalidEnvelope, err)
	}

	ctx, span := p.tracer.Start(ctx, "publish "+eventType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", p.topology.Exchange()),
			attribute.String("messaging.message.id", env.ID),
			attribute.String("tenant.id", env.TenantID),
		))
	defer span.End()

	headers := amqp.Table{
		metadata.TenantID:  env.TenantID,
		metadata.EventType: eventType,
	}
	InjectTrace(ctx, headers)

	err = p.publish(ctx, p.topology.Exchange(), eventType, amqp.Publishing{
		Headers:       headers,
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		Timestamp:     env.Timestamp,
		AppId:         env.Source,
		Type:          eventType,
		Body:          body,
	})
	p.metrics.observePublished(eventType, publishResult(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func publishResult(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, errs.ErrNotConnected):
		return ResultNotConnected
	case errors.Is(err, errs.ErrPublishNacked):
		return ResultNacked
	default:
		return ResultError
	}
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: publisher closed", errs.ErrNotConnected)
	}
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		p.dropLocked()
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %w", errs.ErrNotConnected, err)
		}
		return fmt.Errorf("publish %s: %w", key, err)
	}
	if !p.cfg.Confirms {
		return nil
	}

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()
	select {
	case c, ok := <-p.confirms:
		if !ok {
			p.dropLocked()
			return fmt.Errorf("%w: channel closed before confirm", errs.ErrNotConnected)
		}
		if !c.Ack {
			return fmt.Errorf("%w: %s", errs.ErrPublishNacked, key)
		}
		return nil
	case <-timer.C:
		// A late confirm would be matched to the next publish.
		p.dropLocked()
		return fmt.Errorf("publish %s: confirm not received within %s", key, p.cfg.Timeout)
	case <-ctx.Done():
		p.dropLocked()
		return ctx.Err()
	}
}

// channelLocked returns the open publishing channel, opening and preparing
// a new one when needed. The exchange is declared once per channel.
func (p *Publisher) channelLocked() (transport.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.ch, p.confirms = nil, nil

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := p.topology.DeclareExchange(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if p.cfg.Confirms {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("enable publisher confirms: %w", err)
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) dropLocked() {
	if p.ch == nil {
		return
	}
	if !p.ch.IsClosed() {
		_ = p.ch.Close()
	}
	p.ch, p.confirms = nil, nil
}

// Close closes the publishing channel. Later publishes fail with
// ErrNotConnected.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.dropLocked()
	return nil
}

// Watermill exposes the publisher as a Watermill message.Publisher. The
// topic is used as routing key on the event exchange and message metadata
// becomes AMQP headers.
func (p *Publisher) Watermill() message.Publisher {
	return watermillPublisher{p: p}
}

type watermillPublisher struct {
	p *Publisher
}

func (w watermillPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		md := metadata.FromWatermill(msg.Metadata)
		headers := metadata.ToTable(md)
		InjectTrace(msg.Context(), headers)
		err := w.p.publish(msg.Context(), w.p.topology.Exchange(), topic, amqp.Publishing{
			Headers:       headers,
			ContentType:   contentTypeJSON,
			DeliveryMode:  amqp.Persistent,
			MessageId:     msg.UUID,
			CorrelationId: md[metadata.CorrelationID],
			Timestamp:     time.Now().UTC(),
			Body:          msg.Payload,
		})
		w.p.metrics.observePublished(topic, publishResult(err))
		if err != nil {
			return err
		}
	}
	return nil
}

func (w watermillPublisher) Close() error {
	return nil
}
