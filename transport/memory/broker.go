// Package memory is an in-process AMQP 0-9-1 look-alike used by tests and
// local development. It implements topic, direct and fanout exchanges,
// competing consumers with prefetch, publisher confirms and dead-lettering
// through queue arguments. Nothing is persisted.
package memory

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/tenantbus/transport"
)

// Scheme is the URL scheme served by this package. The URL host selects a
// named broker, so memory://orders and memory://billing are isolated.
const Scheme = "memory"

var (
	brokersMu sync.Mutex
	brokers   = map[string]*Broker{}
)

func init() {
	transport.Register(Scheme, Dial, transport.MemoryCapabilities)
}

// Lookup returns the named broker, creating it on first use.
func Lookup(name string) *Broker {
	if name == "" {
		name = "default"
	}
	brokersMu.Lock()
	defer brokersMu.Unlock()
	b, ok := brokers[name]
	if !ok {
		b = New(name)
		brokers[name] = b
	}
	return b
}

// Forget drops the named broker from the lookup table.
func Forget(name string) {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	delete(brokers, name)
}

// Dial resolves the broker named by the URL host and connects to it.
func Dial(ctx context.Context, rawURL string, opts transport.DialOptions) (transport.Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	return Lookup(u.Host).Dial(ctx, rawURL, opts)
}

type exchange struct {
	name string
	kind string
}

type binding struct {
	exchange string
	queue    string
	key      string
}

type message struct {
	exchange    string
	routingKey  string
	publishing  amqp.Publishing
	redelivered bool
}

type queue struct {
	name      string
	durable   bool
	args      amqp.Table
	ready     []*message
	consumers []*consumer
	next      int
}

// Broker is one isolated in-process broker.
type Broker struct {
	name string

	mu        sync.Mutex
	cond      *sync.Cond
	exchanges map[string]*exchange
	queues    map[string]*queue
	bindings  []binding
	conns     map[*Connection]struct{}
	down      bool
	nackNext  int
	genSeq    int

	dials atomic.Int64
}

// New creates an unregistered broker, handy for isolated tests.
func New(name string) *Broker {
	b := &Broker{
		name:      name,
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Connection]struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Name returns the broker name.
func (b *Broker) Name() string { return b.name }

// URL returns a memory:// URL that dials this broker once it is registered
// via Lookup.
func (b *Broker) URL() string { return Scheme + "://" + b.name }

// Dial opens a connection. It fails while the broker is down.
func (b *Broker) Dial(ctx context.Context, _ string, _ transport.DialOptions) (transport.Connection, error) {
	b.dials.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, fmt.Errorf("memory: dial %s: connection refused", b.name)
	}
	conn := &Connection{broker: b}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// DialCount reports how many dials were attempted.
func (b *Broker) DialCount() int64 { return b.dials.Load() }

// SetDown makes subsequent dials fail (true) or succeed (false). Existing
// connections are not touched; combine with Disconnect to simulate an outage.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// Disconnect force-closes every open connection the way a broker restart
// does: close listeners receive a recoverable server error.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{
			Code:    amqp.ConnectionForced,
			Reason:  "CONNECTION_FORCED - broker forced connection closure",
			Server:  true,
			Recover: true,
		})
	}
}

// NackPublishes makes the next n confirmed publishes return a negative
// confirmation. The messages are not routed.
func (b *Broker) NackPublishes(n int) {
	b.mu.Lock()
	b.nackNext = n
	b.mu.Unlock()
}

// Connections reports the number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// QueueInfo is a point-in-time view of one queue.
type QueueInfo struct {
	Name      string
	Ready     int
	Unacked   int
	Consumers int
	Args      amqp.Table
	Bindings  []string
}

// Queue inspects a queue. ok is false when it does not exist.
func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	info := QueueInfo{
		Name:      q.name,
		Ready:     len(q.ready),
		Consumers: len(q.consumers),
		Args:      q.args,
	}
	for c := range b.conns {
		for _, ch := range c.channels {
			for _, u := range ch.unacked {
				if u.queue == q {
					info.Unacked++
				}
			}
		}
	}
	for _, bd := range b.bindings {
		if bd.queue == name {
			info.Bindings = append(info.Bindings, bd.exchange+":"+bd.key)
		}
	}
	slices.Sort(info.Bindings)
	return info, true
}

// Queues lists queue names in lexical order.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ExchangeKind returns the kind of a declared exchange.
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// Bodies returns copies of the bodies waiting in a queue, oldest first.
func (b *Broker) Bodies(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, slices.Clone(m.publishing.Body))
	}
	return out
}

func (b *Broker) removeConn(c *Connection) {
	delete(b.conns, c)
}

// route resolves the queues a message published to exchange with key lands
// in. Must hold b.mu.
func (b *Broker) routeLocked(exchangeName, key string) ([]*queue, error) {
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}, nil
		}
		return nil, nil
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}
	var out []*queue
	for _, bd := range b.bindings {
		if bd.exchange != exchangeName {
			continue
		}
		var match bool
		switch ex.kind {
		case amqp.ExchangeFanout:
			match = true
		case amqp.ExchangeDirect:
			match = bd.key == key
		default:
			match = TopicMatch(bd.key, key)
		}
		if !match {
			continue
		}
		q := b.queues[bd.queue]
		if q != nil && !slices.Contains(out, q) {
			out = append(out, q)
		}
	}
	return out, nil
}

func (b *Broker) enqueueLocked(queues []*queue, m *message) {
	for _, q := range queues {
		cp := *m
		cp.publishing.Headers = cloneTable(m.publishing.Headers)
		q.ready = append(q.ready, &cp)
		b.dispatchLocked(q)
	}
}

// dispatchLocked hands ready messages to consumers round-robin, honouring
// each consumer's prefetch window.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			idx := (q.next + i) % len(q.consumers)
			c := q.consumers[idx]
			if c.hasCapacity() {
				target = c
				q.next = idx + 1
				break
			}
		}
		if target == nil {
			break
		}
		m := q.ready[0]
		q.ready = q.ready[1:]
		target.assignLocked(q, m)
	}
	b.cond.Broadcast()
}

// deadLetterLocked routes a rejected message through the queue's dead-letter
// arguments. Without them the message is dropped, as a broker would.
func (b *Broker) deadLetterLocked(q *queue, m *message) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key := m.routingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok && k != "" {
		key = k
	}
	dead := *m
	dead.redelivered = false
	dead.publishing.Headers = withDeath(m.publishing.Headers, q.name, m.exchange, m.routingKey)
	dead.exchange = dlx
	dead.routingKey = key
	targets, err := b.routeLocked(dlx, key)
	if err != nil {
		return
	}
	b.enqueueLocked(targets, &dead)
}

func withDeath(headers amqp.Table, queueName, exchangeName, routingKey string) amqp.Table {
	out := cloneTable(headers)
	if out == nil {
		out = amqp.Table{}
	}
	deaths, _ := out["x-death"].([]any)
	updated := make([]any, 0, len(deaths)+1)
	found := false
	for _, d := range deaths {
		entry, ok := d.(amqp.Table)
		if ok && entry["queue"] == queueName && entry["reason"] == "rejected" {
			entry = cloneTable(entry)
			count, _ := entry["count"].(int64)
			entry["count"] = count + 1
			entry["time"] = time.Now().UTC()
			updated = append([]any{entry}, updated...)
			found = true
			continue
		}
		updated = append(updated, d)
	}
	if !found {
		updated = append([]any{amqp.Table{
			"count":        int64(1),
			"reason":       "rejected",
			"queue":        queueName,
			"exchange":     exchangeName,
			"routing-keys": []any{routingKey},
			"time":         time.Now().UTC(),
		}}, updated...)
	}
	out["x-death"] = updated
	return out
}

func cloneTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// TopicMatch reports whether a topic binding pattern matches a routing key.
// "*" matches exactly one word and "#" matches zero or more words.
func TopicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}
