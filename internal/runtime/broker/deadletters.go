package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	errs "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/internal/runtime/logging"
	"github.com/drblury/tenantbus/transport"
)

// Header added to every replayed message.
const replayCountHeader = "x-replay-count"

// DeadLetters inspects and drains the <queue>.dlq queues.
type DeadLetters struct {
	conn     *ConnectionManager
	topology *Topology
	logger   logging.ServiceLogger
}

// NewDeadLetters builds the dead-letter operations for topology.
func NewDeadLetters(conn *ConnectionManager, topology *Topology, logger logging.ServiceLogger) *DeadLetters {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	return &DeadLetters{
		conn:     conn,
		topology: topology,
		logger:   logger.With(logging.LogFields{logging.FieldComponent: "broker.deadletters"}),
	}
}

func (d *DeadLetters) channel(queue string) (transport.Channel, error) {
	if queue == "" {
		return nil, errs.ErrQueueRequired
	}
	if !d.topology.DeadLetterEnabled() {
		return nil, errs.ErrDeadLetterDisable
	}
	return d.conn.Channel()
}

// Count reports how many messages wait in the dead-letter queue of queue.
func (d *DeadLetters) Count(_ context.Context, queue string) (int, error) {
	ch, err := d.channel(queue)
	if err != nil {
		return 0, err
	}
	defer closeChannel(ch)

	q, err := ch.QueueDeclarePassive(DeadLetterQueueName(queue), true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect %q: %w", DeadLetterQueueName(queue), err)
	}
	return q.Messages, nil
}

// Replay moves up to limit dead letters back onto queue through the default
// exchange, oldest first. A limit of zero or less replays what the
// dead-letter queue held when the call began, so messages dead-lettered
// again meanwhile are left for the next replay. Each message is acked on the
// dead-letter queue only after the broker confirmed the republish.
func (d *DeadLetters) Replay(ctx context.Context, queue string, limit int) (int, error) {
	ch, err := d.channel(queue)
	if err != nil {
		return 0, err
	}
	defer closeChannel(ch)

	if err := ch.Confirm(false); err != nil {
		return 0, fmt.Errorf("enable confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	dlq := DeadLetterQueueName(queue)
	info, err := ch.QueueDeclarePassive(dlq, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect %q: %w", dlq, err)
	}
	bound := info.Messages
	if limit > 0 && limit < bound {
		bound = limit
	}

	replayed := 0
	for replayed < bound {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		msg, ok, err := ch.Get(dlq, false)
		if err != nil {
			return replayed, fmt.Errorf("get from %q: %w", dlq, err)
		}
		if !ok {
			break
		}
		if err := republish(ctx, ch, confirms, queue, msg); err != nil {
			_ = msg.Nack(false, true)
			return replayed, err
		}
		if err := msg.Ack(false); err != nil {
			return replayed, fmt.Errorf("ack %q: %w", dlq, err)
		}
		replayed++
		d.logger.Debug("Dead letter replayed", logging.LogFields{logging.FieldQueue: queue, logging.FieldEventID: msg.MessageId})
	}
	return replayed, nil
}

func republish(ctx context.Context, ch transport.Channel, confirms <-chan amqp.Confirmation, queue string, msg amqp.Delivery) error {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	replays, _ := headers[replayCountHeader].(int64)
	headers[replayCountHeader] = replays + 1

	err := ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		Headers:       headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.MessageId,
		CorrelationId: msg.CorrelationId,
		Timestamp:     msg.Timestamp,
		AppId:         msg.AppId,
		Type:          msg.Type,
		Body:          msg.Body,
	})
	if err != nil {
		return fmt.Errorf("republish to %q: %w", queue, err)
	}
	select {
	case c, ok := <-confirms:
		if !ok {
			return fmt.Errorf("republish to %q: %w", queue, errs.ErrNotConnected)
		}
		if !c.Ack {
			return fmt.Errorf("republish to %q: %w", queue, errs.ErrPublishNacked)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Purge drops every message in the dead-letter queue of queue.
func (d *DeadLetters) Purge(_ context.Context, queue string) (int, error) {
	ch, err := d.channel(queue)
	if err != nil {
		return 0, err
	}
	defer closeChannel(ch)

	n, err := ch.QueuePurge(DeadLetterQueueName(queue), false)
	if err != nil {
		return 0, fmt.Errorf("purge %q: %w", DeadLetterQueueName(queue), err)
	}
	return n, nil
}

func closeChannel(ch transport.Channel) {
	if !ch.IsClosed() {
		_ = ch.Close()
	}
}
