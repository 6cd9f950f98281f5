package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"

	errs "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/internal/runtime/ids"
	"github.com/drblury/tenantbus/internal/runtime/logging"
	"github.com/drblury/tenantbus/internal/runtime/metadata"
)

const (
	defaultPrefetch         = 10
	defaultResubscribeDelay = time.Second
	defaultConsumerTag      = "tenantbus"
	defaultCloseTimeout     = 30 * time.Second
)

// SubscriberConfig bounds consumption per queue.
type SubscriberConfig struct {
	// Prefetch caps unacknowledged deliveries per queue (basic.qos).
	Prefetch int
	// Concurrency is the number of messages handed to the router at once.
	// One keeps queue order.
	Concurrency int
	// ResubscribeDelay is the pause before consuming again after the
	// channel failed while the connection stayed up.
	ResubscribeDelay time.Duration
	// ConsumerTag prefixes consumer tags.
	ConsumerTag string
	// CloseTimeout is how long Close waits for handed-over messages to be
	// settled before requeueing them.
	CloseTimeout time.Duration
}

// DeadLetter describes one delivery the subscriber rejected.
type DeadLetter struct {
	Queue     string
	EventType string
	Outcome   string
	// Attempts is the number of handler invocations, 0 when unknown.
	Attempts    int
	PublishedAt time.Time
}

// DeadLetterRecorder is told about every delivery the subscriber rejects
// into the dead-letter queue.
type DeadLetterRecorder interface {
	RecordDeadLetter(dl DeadLetter)
}

// SubscriberOption customises a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger logging.ServiceLogger) SubscriberOption {
	return func(s *Subscriber) { s.logger = logger }
}

// WithSubscriberMetrics records settle outcomes.
func WithSubscriberMetrics(metrics *Metrics) SubscriberOption {
	return func(s *Subscriber) { s.metrics = metrics }
}

// WithDeadLetterRecorder reports dead-lettered deliveries to r.
func WithDeadLetterRecorder(r DeadLetterRecorder) SubscriberOption {
	return func(s *Subscriber) { s.deadLetters = r }
}

// Subscriber consumes declared queues and feeds them to a Watermill router.
// The Watermill topic is the queue name. Each delivery is settled from the
// message's Ack or Nack: a Nack requeues when the message carries
// metadata.Requeue and dead-letters otherwise.
type Subscriber struct {
	conn        *ConnectionManager
	topology    *Topology
	cfg         SubscriberConfig
	logger      logging.ServiceLogger
	metrics     *Metrics
	deadLetters DeadLetterRecorder

	mu     sync.Mutex
	queues map[string]QueueSpec
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// abort ends the wait on handed-over messages once Close gives up.
	abort       context.Context
	abortCancel context.CancelFunc
}

var _ message.Subscriber = (*Subscriber)(nil)

// NewSubscriber builds a subscriber on conn.
func NewSubscriber(conn *ConnectionManager, topology *Topology, cfg SubscriberConfig, opts ...SubscriberOption) *Subscriber {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = defaultResubscribeDelay
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = defaultConsumerTag
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	abort, abortCancel := context.WithCancel(context.Background())
	s := &Subscriber{
		conn:        conn,
		topology:    topology,
		cfg:         cfg,
		queues:      make(map[string]QueueSpec),
		ctx:         ctx,
		cancel:      cancel,
		abort:       abort,
		abortCancel: abortCancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logging.NewNopServiceLogger()
	}
	s.logger = s.logger.With(logging.LogFields{logging.FieldComponent: "broker.subscriber"})
	return s
}

// Declare registers the bindings of a queue. Subscribe(queue) consumes it
// and re-declares the topology on every (re)connect.
func (s *Subscriber) Declare(decl QueueSpec) error {
	if decl.Name == "" {
		return errs.ErrQueueRequired
	}
	if len(decl.Bindings) == 0 {
		return fmt.Errorf("queue %q: %w", decl.Name, errs.ErrEventTypeRequired)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queues[decl.Name]; exists {
		return fmt.Errorf("%w: queue %q", errs.ErrDuplicateSubscription, decl.Name)
	}
	s.queues[decl.Name] = QueueSpec{Name: decl.Name, Bindings: append([]string(nil), decl.Bindings...)}
	return nil
}

// Subscribe starts consuming queue. The returned channel closes when ctx is
// done or the subscriber closes. Connection loss parks consumption until the
// manager reconnects.
func (s *Subscriber) Subscribe(ctx context.Context, queue string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.ErrSubscriberClosed
	}
	decl, ok := s.queues[queue]
	if !ok {
		return nil, fmt.Errorf("queue %q was not declared: %w", queue, errs.ErrQueueRequired)
	}

	out := make(chan *message.Message)
	runCtx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		// Stop when either the caller or Close cancels.
		stop := context.AfterFunc(s.ctx, cancel)
		defer stop()
		s.run(runCtx, decl, out)
	}()
	return out, nil
}

func (s *Subscriber) run(ctx context.Context, decl QueueSpec, out chan *message.Message) {
	defer close(out)
	log := s.logger.With(logging.LogFields{logging.FieldQueue: decl.Name})

	for ctx.Err() == nil {
		if err := s.conn.WaitConnected(ctx); err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, errs.ErrConnectionClosed):
				return
			case errors.Is(err, errs.ErrConnectionFailed):
				// Parked until someone calls Connect again.
				if SleepContext(ctx, s.cfg.ResubscribeDelay) != nil {
					return
				}
				continue
			}
		}

		err := s.consume(ctx, decl, out, log)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, errs.ErrNotConnected) {
			log.Error("Consuming stopped, resubscribing", err, nil)
			if SleepContext(ctx, s.cfg.ResubscribeDelay) != nil {
				return
			}
		} else {
			log.Info("Consuming stopped, waiting for the broker", nil)
		}
	}
}

// consume runs one channel generation: declare, qos, consume, and hand
// deliveries to the workers until the channel or ctx ends.
func (s *Subscriber) consume(ctx context.Context, decl QueueSpec, out chan<- *message.Message, log logging.ServiceLogger) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return err
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	if err := s.topology.DeclareQueue(ch, decl); err != nil {
		return err
	}
	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch on %q: %w", decl.Name, err)
	}
	tag := s.cfg.ConsumerTag + "." + decl.Name + "." + ids.CreateULID()
	deliveries, err := ch.Consume(decl.Name, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", decl.Name, err)
	}
	log.Info("Consuming", logging.LogFields{"prefetch": s.cfg.Prefetch, "concurrency": s.cfg.Concurrency})

	// Cancelling stops new deliveries; the channel stays open until the
	// workers have settled what they hold.
	stop := context.AfterFunc(ctx, func() { _ = ch.Cancel(tag, false) })
	defer stop()

	var workers sync.WaitGroup
	for range s.cfg.Concurrency {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for d := range deliveries {
				s.deliver(ctx, decl.Name, d, out, log)
			}
		}()
	}
	workers.Wait()
	if ctx.Err() == nil && s.conn.State() == StateConnected {
		return fmt.Errorf("consume %q: channel closed", decl.Name)
	}
	return nil
}

// deliver hands one delivery to the router and settles it once the handler
// chain acked or nacked the message. Deliveries the router never took are
// requeued. Once handed over, only the handler outcome or an aborted Close
// settles the delivery.
func (s *Subscriber) deliver(ctx context.Context, queue string, d amqp.Delivery, out chan<- *message.Message, log logging.ServiceLogger) {
	msg := toMessage(ctx, queue, d)
	eventType := msg.Metadata.Get(metadata.EventType)

	if ctx.Err() != nil {
		s.requeue(log, queue, eventType, d)
		return
	}
	select {
	case out <- msg:
	case <-ctx.Done():
		s.requeue(log, queue, eventType, d)
		return
	}

	select {
	case <-msg.Acked():
		s.settleAck(log, queue, eventType, d, msg.Metadata.Get(metadata.Outcome))
	case <-msg.Nacked():
		if msg.Metadata.Get(metadata.Requeue) == "true" {
			s.requeue(log, queue, eventType, d)
			return
		}
		s.settleReject(log, queue, eventType, d, msg)
	case <-s.abort.Done():
		log.Info("Unsettled delivery requeued on close", logging.LogFields{logging.FieldEventType: eventType, "delivery_tag": d.DeliveryTag})
		s.requeue(log, queue, eventType, d)
	}
}

func (s *Subscriber) requeue(log logging.ServiceLogger, queue, eventType string, d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		log.Error("Requeue failed", err, logging.LogFields{logging.FieldEventType: eventType, "delivery_tag": d.DeliveryTag})
		return
	}
	s.metrics.ObserveConsumed(queue, eventType, OutcomeRequeued)
}

func (s *Subscriber) settleAck(log logging.ServiceLogger, queue, eventType string, d amqp.Delivery, outcome string) {
	if err := d.Ack(false); err != nil {
		log.Error("Ack failed", err, logging.LogFields{logging.FieldEventType: eventType, "delivery_tag": d.DeliveryTag})
		return
	}
	if outcome != OutcomeIgnored {
		outcome = OutcomeAcked
	}
	s.metrics.ObserveConsumed(queue, eventType, outcome)
}

func (s *Subscriber) settleReject(log logging.ServiceLogger, queue, eventType string, d amqp.Delivery, msg *message.Message) {
	outcome := msg.Metadata.Get(metadata.Outcome)
	if outcome == "" {
		outcome = OutcomeDeadLettered
	}
	fields := logging.LogFields{logging.FieldEventType: eventType, "delivery_tag": d.DeliveryTag}
	if err := d.Nack(false, false); err != nil {
		log.Error("Reject failed", err, fields)
		return
	}
	s.metrics.ObserveConsumed(queue, eventType, outcome)
	if !s.topology.DeadLetterEnabled() {
		log.Error("Message discarded, dead lettering is disabled", errs.ErrDeadLetterDisable, fields)
		return
	}
	log.Info("Message dead-lettered", logging.LogFields{
		logging.FieldEventType: eventType,
		"dead_letter_queue":    DeadLetterQueueName(queue),
	})
	if s.deadLetters != nil {
		attempts, _ := strconv.Atoi(msg.Metadata.Get(metadata.Attempt))
		s.deadLetters.RecordDeadLetter(DeadLetter{
			Queue:       queue,
			EventType:   eventType,
			Outcome:     outcome,
			Attempts:    attempts,
			PublishedAt: d.Timestamp,
		})
	}
}

func toMessage(ctx context.Context, queue string, d amqp.Delivery) *message.Message {
	uuid := d.MessageId
	if uuid == "" {
		uuid = ids.CreateULID()
	}
	md := metadata.FromTable(d.Headers)
	md[metadata.Queue] = queue
	if md[metadata.EventType] == "" {
		md[metadata.EventType] = d.RoutingKey
	}
	if d.CorrelationId != "" && md[metadata.CorrelationID] == "" {
		md[metadata.CorrelationID] = d.CorrelationId
	}
	if d.Redelivered {
		md[metadata.Redelivered] = "true"
	}

	msg := message.NewMessage(uuid, d.Body)
	msg.Metadata = metadata.ToWatermill(md)
	// Handlers outlive the subscription ctx during shutdown.
	msg.SetContext(ExtractTrace(context.WithoutCancel(ctx), md))
	return msg
}

// Queues lists the declared queue specs.
func (s *Subscriber) Queues() []QueueSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueSpec, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q)
	}
	return out
}

// Close stops every subscription and waits for in-flight deliveries to be
// settled. Deliveries still unsettled after CloseTimeout are requeued.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	defer s.abortCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.CloseTimeout):
	}
	s.logger.Info("Close timed out, requeueing unsettled deliveries", logging.LogFields{"close_timeout": s.cfg.CloseTimeout.String()})
	s.abortCancel()
	<-done
	return nil
}
