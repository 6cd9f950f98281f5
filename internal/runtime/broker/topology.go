package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	errs "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/transport"
)

const (
	deadLetterExchangeSuffix = ".dlx"
	deadLetterQueueSuffix    = ".dlq"
)

// DeadLetterQueueName returns the dead-letter queue paired with queue.
func DeadLetterQueueName(queue string) string {
	return queue + deadLetterQueueSuffix
}

// QueueSpec describes one consumer queue and its bindings on the event
// exchange.
type QueueSpec struct {
	Name string
	// Bindings are topic patterns, usually exact event types.
	Bindings []string
}

// Topology declares the event exchange, consumer queues and their
// dead-letter pairs. Every declaration is idempotent, so it is safe to run on
// each (re)connect.
type Topology struct {
	exchange   string
	deadLetter bool
}

// NewTopology builds a provisioner for exchange. With deadLetter set every
// queue gets a <queue>.dlq routed through <exchange>.dlx.
func NewTopology(exchange string, deadLetter bool) *Topology {
	return &Topology{exchange: exchange, deadLetter: deadLetter}
}

// Exchange returns the event exchange name.
func (t *Topology) Exchange() string { return t.exchange }

// DeadLetterEnabled reports whether queues are declared with dead-letter
// arguments.
func (t *Topology) DeadLetterEnabled() bool { return t.deadLetter }

// DeadLetterExchange returns the direct exchange dead letters go through.
func (t *Topology) DeadLetterExchange() string {
	return t.exchange + deadLetterExchangeSuffix
}

// DeclareExchange declares the durable topic exchange events are published to.
func (t *Topology) DeclareExchange(ch transport.Channel) error {
	if err := ch.ExchangeDeclare(t.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", t.exchange, err)
	}
	return nil
}

// QueueArgs returns the arguments a consumer queue is declared with. They must
// stay stable: the broker refuses to redeclare a queue with different ones.
func (t *Topology) QueueArgs(queue string) amqp.Table {
	if !t.deadLetter {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange(),
		"x-dead-letter-routing-key": queue,
	}
}

// DeclareQueue declares the exchange, the dead-letter pair when enabled, the
// queue itself and its bindings.
func (t *Topology) DeclareQueue(ch transport.Channel, decl QueueSpec) error {
	if decl.Name == "" {
		return errs.ErrQueueRequired
	}
	if len(decl.Bindings) == 0 {
		return fmt.Errorf("queue %q: %w", decl.Name, errs.ErrEventTypeRequired)
	}
	if err := t.DeclareExchange(ch); err != nil {
		return err
	}
	if t.deadLetter {
		if err := t.declareDeadLetter(ch, decl.Name); err != nil {
			return err
		}
	}
	if _, err := ch.QueueDeclare(decl.Name, true, false, false, false, t.QueueArgs(decl.Name)); err != nil {
		return fmt.Errorf("declare queue %q: %w", decl.Name, err)
	}
	for _, key := range decl.Bindings {
		if err := ch.QueueBind(decl.Name, key, t.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %q to %q: %w", decl.Name, key, err)
		}
	}
	return nil
}

func (t *Topology) declareDeadLetter(ch transport.Channel, queue string) error {
	dlx := t.DeadLetterExchange()
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %q: %w", dlx, err)
	}
	dlq := DeadLetterQueueName(queue)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %q: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, queue, dlx, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue %q: %w", dlq, err)
	}
	return nil
}
