package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/tenantbus/transport"
)

// Connection is a client connection to a Broker. All mutable state is guarded
// by the broker mutex.
type Connection struct {
	broker    *Broker
	channels  []*Channel
	listeners []chan *amqp.Error
	closed    bool
}

// Channel opens a channel on the connection.
func (c *Connection) Channel() (transport.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		conn:      c,
		broker:    b,
		unacked:   make(map[uint64]*unacked),
		consumers: make(map[string]*consumer),
		done:      make(chan struct{}),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.listeners = append(c.listeners, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection gracefully. Close listeners are closed without
// receiving an error.
func (c *Connection) Close() error {
	if !c.shutdown(nil) {
		return amqp.ErrClosed
	}
	return nil
}

func (c *Connection) shutdown(cause *amqp.Error) bool {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return false
	}
	c.closed = true
	b.removeConn(c)
	channels := slices.Clone(c.channels)
	listeners := c.listeners
	c.listeners = nil
	var chanNotify []func()
	for _, ch := range channels {
		if n := ch.closeLocked(cause); n != nil {
			chanNotify = append(chanNotify, n)
		}
	}
	b.mu.Unlock()

	for _, n := range chanNotify {
		n()
	}
	notifyClose(listeners, cause)
	return true
}

func notifyClose(listeners []chan *amqp.Error, cause *amqp.Error) {
	if len(listeners) == 0 {
		return
	}
	go func() {
		for _, l := range listeners {
			if cause != nil {
				l <- cause
			}
			close(l)
		}
	}()
}

type unacked struct {
	queue    *queue
	message  *message
	consumer *consumer
}

// Channel is an AMQP-like channel. It acts as the Acknowledger of every
// delivery it hands out.
type Channel struct {
	conn   *Connection
	broker *Broker

	prefetch  int
	confirm   bool
	closed    bool
	nextTag   uint64
	publishNo uint64
	unacked   map[uint64]*unacked
	consumers map[string]*consumer
	listeners []chan *amqp.Error

	done      chan struct{}
	confirmMu sync.Mutex
	confirms  []chan amqp.Confirmation
}

var _ transport.Channel = (*Channel)(nil)

// closeLocked marks the channel closed, cancels its consumers and requeues
// unacknowledged messages. It returns a function delivering notifications,
// to be run without the broker lock.
func (ch *Channel) closeLocked(cause *amqp.Error) func() {
	if ch.closed {
		return nil
	}
	ch.closed = true
	close(ch.done)
	for _, c := range ch.consumers {
		ch.cancelConsumerLocked(c)
	}
	touched := map[*queue]struct{}{}
	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	// Requeue in reverse delivery order so the oldest ends up first.
	slices.Sort(tags)
	slices.Reverse(tags)
	for _, tag := range tags {
		u := ch.unacked[tag]
		delete(ch.unacked, tag)
		u.message.redelivered = true
		u.queue.ready = append([]*message{u.message}, u.queue.ready...)
		touched[u.queue] = struct{}{}
	}
	for q := range touched {
		ch.broker.dispatchLocked(q)
	}
	ch.conn.channels = slices.DeleteFunc(ch.conn.channels, func(c *Channel) bool { return c == ch })
	listeners := ch.listeners
	ch.listeners = nil
	ch.broker.cond.Broadcast()

	return func() {
		ch.confirmMu.Lock()
		for _, c := range ch.confirms {
			close(c)
		}
		ch.confirms = nil
		ch.confirmMu.Unlock()
		notifyClose(listeners, cause)
	}
}

// fail closes the channel with a channel-level exception, as a broker does on
// protocol errors. Must hold the broker lock; the returned func must be run
// after releasing it.
func (ch *Channel) failLocked(code int, reason string) (*amqp.Error, func()) {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	return err, ch.closeLocked(err)
}

func runNotify(n func()) {
	if n != nil {
		n()
	}
}

func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	n := ch.closeLocked(nil)
	b.mu.Unlock()
	runNotify(n)
	return nil
}

func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.listeners = append(ch.listeners, receiver)
	return receiver
}

func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.confirmMu.Lock()
	defer ch.confirmMu.Unlock()
	select {
	case <-ch.done:
		close(confirm)
	default:
		ch.confirms = append(ch.confirms, confirm)
	}
	return confirm
}

func (ch *Channel) Confirm(_ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	switch kind {
	case amqp.ExchangeTopic, amqp.ExchangeDirect, amqp.ExchangeFanout:
	default:
		err, n := ch.failLocked(amqp.CommandInvalid, fmt.Sprintf("COMMAND_INVALID - unknown exchange type '%s'", kind))
		b.mu.Unlock()
		runNotify(n)
		return err
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			err, n := ch.failLocked(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name))
			b.mu.Unlock()
			runNotify(n)
			return err
		}
		b.mu.Unlock()
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind}
	b.mu.Unlock()
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		b.genSeq++
		name = fmt.Sprintf("amq.gen-%d", b.genSeq)
	}
	if q, ok := b.queues[name]; ok {
		for _, key := range []string{"x-dead-letter-exchange", "x-dead-letter-routing-key"} {
			if q.args[key] != args[key] {
				err, n := ch.failLocked(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg '%s' for queue '%s'", key, name))
				b.mu.Unlock()
				runNotify(n)
				return amqp.Queue{}, err
			}
		}
		info := amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}
		b.mu.Unlock()
		return info, nil
	}
	b.queues[name] = &queue{name: name, durable: durable, args: cloneTable(args)}
	b.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		err, n := ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
		b.mu.Unlock()
		runNotify(n)
		return amqp.Queue{}, err
	}
	info := amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}
	b.mu.Unlock()
	return info, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		err, n := ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
		b.mu.Unlock()
		runNotify(n)
		return err
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		err, n := ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
		b.mu.Unlock()
		runNotify(n)
		return err
	}
	bd := binding{exchange: exchangeName, queue: name, key: key}
	if !slices.Contains(b.bindings, bd) {
		b.bindings = append(b.bindings, bd)
	}
	b.mu.Unlock()
	return nil
}

func (ch *Channel) QueuePurge(name string, _ bool) (int, error) {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return 0, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		err, n := ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
		b.mu.Unlock()
		runNotify(n)
		return 0, err
	}
	purged := len(q.ready)
	q.ready = nil
	b.mu.Unlock()
	return purged, nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	targets, routeErr := b.routeLocked(exchangeName, key)
	if routeErr != nil {
		_, n := ch.failLocked(amqp.NotFound, routeErr.(*amqp.Error).Reason)
		b.mu.Unlock()
		runNotify(n)
		return routeErr
	}

	ack := true
	if ch.confirm && b.nackNext > 0 {
		b.nackNext--
		ack = false
	}
	if ack {
		m := &message{exchange: exchangeName, routingKey: key, publishing: msg}
		m.publishing.Body = slices.Clone(msg.Body)
		b.enqueueLocked(targets, m)
	}

	var seq uint64
	if ch.confirm {
		ch.publishNo++
		seq = ch.publishNo
	}
	confirm := ch.confirm
	b.mu.Unlock()

	if confirm {
		ch.sendConfirm(amqp.Confirmation{DeliveryTag: seq, Ack: ack})
	}
	return nil
}

func (ch *Channel) sendConfirm(c amqp.Confirmation) {
	ch.confirmMu.Lock()
	defer ch.confirmMu.Unlock()
	for _, l := range ch.confirms {
		select {
		case l <- c:
		case <-ch.done:
			return
		}
	}
}

func (ch *Channel) Consume(queueName, consumerTag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		err, n := ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
		b.mu.Unlock()
		runNotify(n)
		return nil, err
	}
	if consumerTag == "" {
		b.genSeq++
		consumerTag = fmt.Sprintf("ctag-%d", b.genSeq)
	}
	if _, exists := ch.consumers[consumerTag]; exists {
		err, n := ch.failLocked(amqp.NotAllowed, fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag))
		b.mu.Unlock()
		runNotify(n)
		return nil, err
	}
	c := &consumer{
		tag:      consumerTag,
		ch:       ch,
		queue:    q,
		autoAck:  autoAck,
		prefetch: ch.prefetch,
		out:      make(chan amqp.Delivery),
		stop:     make(chan struct{}),
	}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	b.dispatchLocked(q)
	b.mu.Unlock()

	go c.pump()
	return c.out, nil
}

func (ch *Channel) Cancel(consumerTag string, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if c, ok := ch.consumers[consumerTag]; ok {
		ch.cancelConsumerLocked(c)
	}
	return nil
}

func (ch *Channel) cancelConsumerLocked(c *consumer) {
	if c.cancelled {
		return
	}
	c.cancelled = true
	close(c.stop)
	delete(ch.consumers, c.tag)
	q := c.queue
	q.consumers = slices.DeleteFunc(q.consumers, func(o *consumer) bool { return o == c })
	// Deliveries assigned but never handed to the client go back first.
	for i := len(c.pending) - 1; i >= 0; i-- {
		d := c.pending[i]
		if u, ok := ch.unacked[d.DeliveryTag]; ok {
			delete(ch.unacked, d.DeliveryTag)
			u.message.redelivered = true
			q.ready = append([]*message{u.message}, q.ready...)
		}
	}
	c.pending = nil
	ch.broker.dispatchLocked(q)
}

func (ch *Channel) Get(queueName string, autoAck bool) (amqp.Delivery, bool, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		err, n := ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
		// Notifications run after the deferred unlock.
		defer runNotifyAsync(n)
		return amqp.Delivery{}, false, err
	}
	if len(q.ready) == 0 {
		return amqp.Delivery{}, false, nil
	}
	m := q.ready[0]
	q.ready = q.ready[1:]
	ch.nextTag++
	tag := ch.nextTag
	if !autoAck {
		ch.unacked[tag] = &unacked{queue: q, message: m}
	}
	d := ch.delivery(m, tag, "")
	d.MessageCount = uint32(len(q.ready))
	return d, true, nil
}

func runNotifyAsync(n func()) {
	if n != nil {
		go n()
	}
}

func (ch *Channel) delivery(m *message, tag uint64, consumerTag string) amqp.Delivery {
	p := m.publishing
	return amqp.Delivery{
		Acknowledger:    ch,
		Headers:         cloneTable(p.Headers),
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            slices.Clone(p.Body),
	}
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(u *unacked) {})
}

// Nack implements amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, func(u *unacked) { ch.reject(u, requeue) })
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) reject(u *unacked, requeue bool) {
	if requeue {
		u.message.redelivered = true
		u.queue.ready = append([]*message{u.message}, u.queue.ready...)
		return
	}
	ch.broker.deadLetterLocked(u.queue, u.message)
}

func (ch *Channel) settle(tag uint64, multiple bool, apply func(*unacked)) error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		slices.Sort(tags)
	} else if _, ok := ch.unacked[tag]; ok {
		tags = []uint64{tag}
	}
	if len(tags) == 0 {
		err, n := ch.failLocked(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
		b.mu.Unlock()
		runNotify(n)
		return err
	}
	touched := map[*queue]struct{}{}
	for _, t := range tags {
		u := ch.unacked[t]
		delete(ch.unacked, t)
		if u.consumer != nil {
			u.consumer.inflight--
		}
		apply(u)
		touched[u.queue] = struct{}{}
	}
	for q := range touched {
		b.dispatchLocked(q)
	}
	b.mu.Unlock()
	return nil
}

type consumer struct {
	tag       string
	ch        *Channel
	queue     *queue
	autoAck   bool
	prefetch  int
	inflight  int
	pending   []amqp.Delivery
	cancelled bool
	out       chan amqp.Delivery
	stop      chan struct{}
}

func (c *consumer) hasCapacity() bool {
	return c.prefetch <= 0 || c.inflight < c.prefetch
}

func (c *consumer) assignLocked(q *queue, m *message) {
	ch := c.ch
	ch.nextTag++
	tag := ch.nextTag
	if !c.autoAck {
		ch.unacked[tag] = &unacked{queue: q, message: m, consumer: c}
		c.inflight++
	}
	c.pending = append(c.pending, ch.delivery(m, tag, c.tag))
}

// pump moves assigned deliveries onto the consumer's channel. It closes the
// channel once the consumer is cancelled.
func (c *consumer) pump() {
	b := c.ch.broker
	defer close(c.out)
	for {
		b.mu.Lock()
		for len(c.pending) == 0 && !c.cancelled {
			b.cond.Wait()
		}
		if c.cancelled {
			b.mu.Unlock()
			return
		}
		d := c.pending[0]
		c.pending = c.pending[1:]
		b.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.stop:
			c.returnUndelivered(d)
			return
		}
	}
}

// returnUndelivered requeues a delivery that was cancelled before the client
// received it.
func (c *consumer) returnUndelivered(d amqp.Delivery) {
	b := c.ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := c.ch.unacked[d.DeliveryTag]
	if !ok {
		return
	}
	delete(c.ch.unacked, d.DeliveryTag)
	u.message.redelivered = true
	u.queue.ready = append([]*message{u.message}, u.queue.ready...)
	b.dispatchLocked(u.queue)
}
