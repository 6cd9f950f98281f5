// Package transport defines the broker connection contract used by the bus.
// Each implementation lives in its own sub-package and registers a Dialer for
// one or more URL schemes.
package transport

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is one physical broker connection.
type Connection interface {
	Channel() (Channel, error)
	// NotifyClose registers a listener for connection loss. A nil error is
	// sent on graceful close; the channel is closed afterwards.
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the AMQP 0-9-1 channel surface the bus relies on. *amqp.Channel
// satisfies it directly.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueuePurge(name string, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// DialOptions carries connection settings that are not part of the URL.
type DialOptions struct {
	Heartbeat      time.Duration
	ConnectionName string
}

// Dialer opens a connection to the broker addressed by url.
type Dialer func(ctx context.Context, url string, opts DialOptions) (Connection, error)
