// Package rabbitmq dials AMQP 0-9-1 brokers with amqp091-go. Importing it
// registers the amqp and amqps schemes with the default transport registry.
package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/tenantbus/transport"
)

// TransportName is the capability name of this transport.
const TransportName = "rabbitmq"

// Schemes handled by this transport.
var Schemes = []string{"amqp", "amqps"}

// DialConfig allows overriding the underlying dial for testing.
var DialConfig = func(url string, cfg amqp.Config) (*amqp.Connection, error) {
	return amqp.DialConfig(url, cfg)
}

func init() {
	Register()
}

// Register registers the AMQP schemes with the default registry.
func Register() {
	for _, scheme := range Schemes {
		transport.Register(scheme, Dial, transport.RabbitMQCapabilities)
	}
}

// Dial opens an AMQP connection. The context bounds the TCP dial and the
// protocol handshake.
func Dial(ctx context.Context, url string, opts transport.DialOptions) (transport.Connection, error) {
	cfg := amqp.Config{
		Heartbeat:  opts.Heartbeat,
		Properties: amqp.NewConnectionProperties(),
	}
	if opts.ConnectionName != "" {
		cfg.Properties.SetClientConnectionName(opts.ConnectionName)
	}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Dial = amqp.DefaultDial(max(0, time.Until(deadline)))
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	dial := DialConfig
	done := make(chan result, 1)
	go func() {
		conn, err := dial(url, cfg)
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("rabbitmq: dial: %w", res.err)
		}
		return &Connection{conn: res.conn}, nil
	case <-ctx.Done():
		// Close a connection that completes after the caller gave up.
		go func() {
			if res := <-done; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Connection adapts *amqp.Connection to transport.Connection.
type Connection struct {
	conn *amqp.Connection
}

// Channel opens a new AMQP channel.
func (c *Connection) Channel() (transport.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *Connection) IsClosed() bool { return c.conn.IsClosed() }

func (c *Connection) Close() error { return c.conn.Close() }

// Raw exposes the underlying connection.
func (c *Connection) Raw() *amqp.Connection { return c.conn }
