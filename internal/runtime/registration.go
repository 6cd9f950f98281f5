package runtime

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/tenantbus/internal/runtime/broker"
	"github.com/drblury/tenantbus/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/internal/runtime/logging"
	"github.com/drblury/tenantbus/internal/runtime/metadata"
)

// Event is one delivery handed to a handler.
type Event[T any] struct {
	Envelope envelope.Envelope
	Payload  T
	Metadata metadata.Metadata
	// Attempt counts handler invocations for this delivery, starting at 1.
	Attempt int
	Logger  logging.ServiceLogger
}

// EventEnvelope lets inbox.Idempotent key on the envelope id.
func (e Event[T]) EventEnvelope() envelope.Envelope { return e.Envelope }

// Handler processes one event. Returning an error triggers the retry
// policy; wrap errors.ErrPermanent to dead-letter immediately.
type Handler[T any] func(ctx context.Context, evt Event[T]) error

type dispatchFunc func(ctx context.Context, env envelope.Envelope, msg *message.Message) error

// Subscription binds handlers to event types within one queue.
type Subscription struct {
	name     string
	queue    string
	patterns []string
	handlers map[envelope.EventType]dispatchFunc
	// catchAll receives every envelope of a pattern subscription.
	catchAll dispatchFunc
	stats    *SubscriptionStats
}

// Name returns the router handler name.
func (s *Subscription) Name() string { return s.name }

// Queue returns the queue the subscription consumes.
func (s *Subscription) Queue() string { return s.queue }

// EventTypes lists the event types with a typed handler.
func (s *Subscription) EventTypes() []string {
	out := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		out = append(out, string(t))
	}
	slices.Sort(out)
	return out
}

// Bindings lists the routing keys the queue is bound with.
func (s *Subscription) Bindings() []string {
	if s.catchAll != nil {
		return slices.Clone(s.patterns)
	}
	return s.EventTypes()
}

func (s *Subscription) dispatcherFor(t envelope.EventType) dispatchFunc {
	if h, ok := s.handlers[t]; ok {
		return h
	}
	return s.catchAll
}

// SubscribeOption customises a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	queue string
	name  string
}

// WithQueue overrides the default "{eventType}.{serviceName}" queue. Several
// event types may share one queue, each registered once.
func WithQueue(queue string) SubscribeOption {
	return func(o *subscribeOptions) { o.queue = queue }
}

// WithName names the router handler. It defaults to the queue name.
func WithName(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.name = name }
}

// DefaultQueueName is the queue a service consumes eventType from unless told otherwise.
func DefaultQueueName(eventType envelope.EventType, serviceName string) string {
	return string(eventType) + "." + serviceName
}

// Subscribe registers h for the event type T reports. Register before Start.
func Subscribe[T envelope.Payload](svc *Service, h Handler[T], opts ...SubscribeOption) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	var zero T
	eventType := zero.EventType()
	if eventType == "" {
		return errspkg.ErrEventTypeRequired
	}
	o := resolveSubscribeOptions(opts)
	if o.queue == "" {
		o.queue = DefaultQueueName(eventType, svc.Conf.ServiceName)
	}

	dispatch := func(ctx context.Context, env envelope.Envelope, msg *message.Message) error {
		payload, err := envelope.Decode[T](env)
		if err != nil {
			return NewUnprocessableEventError(env.ID, err)
		}
		return h(ctx, newEvent(svc, env, payload, msg))
	}
	return svc.addTypedHandler(o, eventType, dispatch)
}

// SubscribeEnvelope consumes every event routed to queue by the binding
// patterns, e.g. "order.*" or "#". Payloads of registered types are decoded
// into a pointer to their struct; unknown types carry a nil payload.
func SubscribeEnvelope(svc *Service, queue string, patterns []string, h Handler[any], opts ...SubscribeOption) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	if len(patterns) == 0 {
		return errspkg.ErrEventTypeRequired
	}
	o := resolveSubscribeOptions(opts)
	o.queue = queue

	dispatch := func(ctx context.Context, env envelope.Envelope, msg *message.Message) error {
		var payload any
		if svc.registry.Known(env.Type) {
			decoded, err := svc.registry.Decode(env)
			if err != nil {
				return NewUnprocessableEventError(env.ID, err)
			}
			payload = decoded
		}
		return h(ctx, newEvent(svc, env, payload, msg))
	}
	return svc.addPatternHandler(o, patterns, dispatch)
}

func resolveSubscribeOptions(opts []SubscribeOption) subscribeOptions {
	var o subscribeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func newEvent[T any](s *Service, env envelope.Envelope, payload T, msg *message.Message) Event[T] {
	attempt, _ := strconv.Atoi(msg.Metadata.Get(metadata.Attempt))
	return Event[T]{
		Envelope: env,
		Payload:  payload,
		Metadata: metadata.FromWatermill(msg.Metadata),
		Attempt:  max(attempt, 1),
		Logger: s.Logger.With(logging.LogFields{
			logging.FieldEventType:     string(env.Type),
			logging.FieldEventID:       env.ID,
			logging.FieldTenantID:      env.TenantID,
			logging.FieldCorrelationID: env.CorrelationID,
		}),
	}
}

func (s *Service) addTypedHandler(o subscribeOptions, eventType envelope.EventType, dispatch dispatchFunc) error {
	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()
	if s.started {
		return errspkg.ErrServiceStarted
	}

	if sub, ok := s.subscriptions[o.queue]; ok {
		if sub.catchAll != nil {
			return fmt.Errorf("%w: queue %q already has a pattern subscription", errspkg.ErrDuplicateSubscription, o.queue)
		}
		if _, dup := sub.handlers[eventType]; dup {
			return fmt.Errorf("%w: %s on queue %q", errspkg.ErrDuplicateSubscription, eventType, o.queue)
		}
		if o.name != "" && o.name != sub.name {
			return fmt.Errorf("%w: queue %q is already handled by %q", errspkg.ErrDuplicateSubscription, o.queue, sub.name)
		}
		sub.handlers[eventType] = dispatch
		return nil
	}

	sub, err := s.newSubscriptionLocked(o)
	if err != nil {
		return err
	}
	sub.handlers[eventType] = dispatch
	return nil
}

func (s *Service) addPatternHandler(o subscribeOptions, patterns []string, dispatch dispatchFunc) error {
	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()
	if s.started {
		return errspkg.ErrServiceStarted
	}
	if _, ok := s.subscriptions[o.queue]; ok {
		return fmt.Errorf("%w: queue %q", errspkg.ErrDuplicateSubscription, o.queue)
	}

	sub, err := s.newSubscriptionLocked(o)
	if err != nil {
		return err
	}
	sub.patterns = slices.Clone(patterns)
	sub.catchAll = dispatch
	return nil
}

func (s *Service) newSubscriptionLocked(o subscribeOptions) (*Subscription, error) {
	name := o.name
	if name == "" {
		name = o.queue
	}
	for _, existing := range s.subscriptions {
		if existing.name == name {
			return nil, fmt.Errorf("%w: handler name %q", errspkg.ErrDuplicateSubscription, name)
		}
	}
	sub := &Subscription{
		name:     name,
		queue:    o.queue,
		handlers: make(map[envelope.EventType]dispatchFunc),
		stats:    newSubscriptionStats(s.resourceTracker),
	}
	s.subscriptions[o.queue] = sub
	s.subscriptionOrder = append(s.subscriptionOrder, o.queue)
	return sub, nil
}

// Subscriptions lists the registered subscriptions in registration order.
func (s *Service) Subscriptions() []*Subscription {
	s.subscriptionsMu.RLock()
	defer s.subscriptionsMu.RUnlock()
	out := make([]*Subscription, 0, len(s.subscriptionOrder))
	for _, q := range s.subscriptionOrder {
		out = append(out, s.subscriptions[q])
	}
	return out
}

func (s *Service) statsFor(queue string) *SubscriptionStats {
	s.subscriptionsMu.RLock()
	defer s.subscriptionsMu.RUnlock()
	if sub, ok := s.subscriptions[queue]; ok {
		return sub.stats
	}
	return nil
}

// mountSubscriptions declares every queue and adds its router handler.
func (s *Service) mountSubscriptions() error {
	for _, sub := range s.Subscriptions() {
		decl := broker.QueueSpec{Name: sub.queue, Bindings: sub.Bindings()}
		if err := s.subscriber.Declare(decl); err != nil {
			return fmt.Errorf("declare subscription %s: %w", sub.name, err)
		}
		s.router.AddNoPublisherHandler(sub.name, sub.queue, s.subscriber, s.dispatcher(sub))
		s.Logger.Info("Subscription registered", logging.LogFields{
			"subscription":     sub.name,
			logging.FieldQueue: sub.queue,
			"bindings":         decl.Bindings,
		})
	}
	return nil
}

// dispatcher parses the envelope and routes it to the handler registered
// for its type. Types without a handler are acknowledged.
func (s *Service) dispatcher(sub *Subscription) message.NoPublishHandlerFunc {
	classifier := s.errorClassifier
	return func(msg *message.Message) error {
		env, err := envelope.Parse(msg.Payload)
		if err != nil {
			return NewUnprocessableEventError(msg.UUID, err)
		}
		dispatch := sub.dispatcherFor(env.Type)
		if dispatch == nil {
			msg.Metadata.Set(metadata.Outcome, broker.OutcomeIgnored)
			s.Logger.Debug("No handler for event type, acknowledging", logging.LogFields{
				"subscription":         sub.name,
				logging.FieldEventType: string(env.Type),
				logging.FieldEventID:   env.ID,
			})
			return nil
		}

		sub.stats.onInvocationStart(env.Timestamp)
		start := time.Now()
		err = dispatch(withEnvelope(msg.Context(), env), env, msg)
		sub.stats.onInvocationFinish(time.Since(start), err, classifier)
		return err
	}
}
