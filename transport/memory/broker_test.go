package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tenantbus/transport"
)

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"order.created", "order.created", true},
		{"order.created", "order.confirmed", false},
		{"order.*", "order.created", true},
		{"order.*", "order.created.v2", false},
		{"order.#", "order", true},
		{"order.#", "order.created.v2", true},
		{"#", "invoice.issued", true},
		{"*.issued", "invoice.issued", true},
		{"#.issued", "a.b.issued", true},
		{"*", "order.created", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TopicMatch(tt.pattern, tt.key), "%s vs %s", tt.pattern, tt.key)
	}
}

func openChannel(t *testing.T, b *Broker) transport.Channel {
	t.Helper()
	conn, err := b.Dial(context.Background(), b.URL(), transport.DialOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch
}

func declareBoundQueue(t *testing.T, ch transport.Channel, queueName, key string, args amqp.Table) {
	t.Helper()
	require.NoError(t, ch.ExchangeDeclare("events", amqp.ExchangeTopic, true, false, false, false, nil))
	_, err := ch.QueueDeclare(queueName, true, false, false, false, args)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(queueName, key, "events", false, nil))
}

func publish(t *testing.T, ch transport.Channel, key, body string) {
	t.Helper()
	require.NoError(t, ch.PublishWithContext(context.Background(), "events", key, false, false, amqp.Publishing{Body: []byte(body)}))
}

func receive(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return amqp.Delivery{}
	}
}

func TestFanOutToDistinctQueues(t *testing.T) {
	b := New(t.Name())
	ch := openChannel(t, b)
	declareBoundQueue(t, ch, "order.created.billing", "order.created", nil)
	declareBoundQueue(t, ch, "order.created.stock", "order.created", nil)
	declareBoundQueue(t, ch, "audit", "#", nil)

	publish(t, ch, "order.created", "o-1")
	publish(t, ch, "invoice.issued", "i-1")

	for _, q := range []string{"order.created.billing", "order.created.stock"} {
		assert.Equal(t, [][]byte{[]byte("o-1")}, b.Bodies(q), q)
	}
	assert.Equal(t, [][]byte{[]byte("o-1"), []byte("i-1")}, b.Bodies("audit"))
}

func TestCompetingConsumersShareQueue(t *testing.T) {
	b := New(t.Name())
	setup := openChannel(t, b)
	declareBoundQueue(t, setup, "work", "job.#", nil)

	const total = 20
	var mu sync.Mutex
	seen := map[string]int{}
	perConsumer := make([]int, 2)
	var wg sync.WaitGroup
	wg.Add(total)

	for i := 0; i < 2; i++ {
		ch := openChannel(t, b)
		require.NoError(t, ch.Qos(1, 0, false))
		deliveries, err := ch.Consume("work", "", false, false, false, false, nil)
		require.NoError(t, err)
		go func(idx int) {
			for d := range deliveries {
				mu.Lock()
				seen[string(d.Body)]++
				perConsumer[idx]++
				mu.Unlock()
				_ = d.Ack(false)
				wg.Done()
			}
		}(i)
	}

	for i := 0; i < total; i++ {
		publish(t, setup, "job.run", string(rune('a'+i)))
	}

	waitGroup(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, total)
	for body, n := range seen {
		assert.Equal(t, 1, n, "message %s processed more than once", body)
	}
	assert.Positive(t, perConsumer[0])
	assert.Positive(t, perConsumer[1])
}

func TestPrefetchBoundsUnacked(t *testing.T) {
	b := New(t.Name())
	ch := openChannel(t, b)
	declareBoundQueue(t, ch, "work", "#", nil)
	require.NoError(t, ch.Qos(2, 0, false))

	for i := 0; i < 5; i++ {
		publish(t, ch, "k", "m")
	}
	deliveries, err := ch.Consume("work", "c1", false, false, false, false, nil)
	require.NoError(t, err)

	first := receive(t, deliveries)
	receive(t, deliveries)

	select {
	case <-deliveries:
		t.Fatal("received more than the prefetch window")
	case <-time.After(50 * time.Millisecond):
	}

	info, _ := b.Queue("work")
	assert.Equal(t, 3, info.Ready)
	assert.Equal(t, 2, info.Unacked)

	require.NoError(t, first.Ack(false))
	receive(t, deliveries)
}

func TestNackWithoutRequeueDeadLetters(t *testing.T) {
	b := New(t.Name())
	ch := openChannel(t, b)
	require.NoError(t, ch.ExchangeDeclare("events.dlx", amqp.ExchangeDirect, true, false, false, false, nil))
	_, err := ch.QueueDeclare("work.dlq", true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind("work.dlq", "work", "events.dlx", false, nil))
	declareBoundQueue(t, ch, "work", "order.*", amqp.Table{
		"x-dead-letter-exchange":    "events.dlx",
		"x-dead-letter-routing-key": "work",
	})

	publish(t, ch, "order.created", "poison")
	deliveries, err := ch.Consume("work", "", false, false, false, false, nil)
	require.NoError(t, err)
	d := receive(t, deliveries)
	require.NoError(t, d.Nack(false, false))

	assert.Equal(t, [][]byte{[]byte("poison")}, b.Bodies("work.dlq"))
	dead, ok, err := ch.Get("work.dlq", false)
	require.NoError(t, err)
	require.True(t, ok)
	deaths, _ := dead.Headers["x-death"].([]any)
	require.Len(t, deaths, 1)
	entry := deaths[0].(amqp.Table)
	assert.Equal(t, int64(1), entry["count"])
	assert.Equal(t, "work", entry["queue"])
	assert.Equal(t, "order.created", entry["routing-keys"].([]any)[0])
	require.NoError(t, dead.Ack(false))
}

func TestNackWithRequeueRedelivers(t *testing.T) {
	b := New(t.Name())
	ch := openChannel(t, b)
	declareBoundQueue(t, ch, "work", "#", nil)
	publish(t, ch, "k", "again")

	deliveries, err := ch.Consume("work", "", false, false, false, false, nil)
	require.NoError(t, err)
	first := receive(t, deliveries)
	assert.False(t, first.Redelivered)
	require.NoError(t, first.Nack(false, true))

	second := receive(t, deliveries)
	assert.True(t, second.Redelivered)
	assert.Equal(t, "again", string(second.Body))
	require.NoError(t, second.Ack(false))
}

func TestClosingChannelRequeuesUnacked(t *testing.T) {
	b := New(t.Name())
	setup := openChannel(t, b)
	declareBoundQueue(t, setup, "work", "#", nil)
	publish(t, setup, "k", "m1")

	ch := openChannel(t, b)
	deliveries, err := ch.Consume("work", "", false, false, false, false, nil)
	require.NoError(t, err)
	d := receive(t, deliveries)
	require.NoError(t, ch.Close())

	info, _ := b.Queue("work")
	assert.Equal(t, 1, info.Ready)
	assert.Equal(t, 0, info.Consumers)
	assert.ErrorIs(t, d.Ack(false), amqp.ErrClosed)

	_, open := <-deliveries
	assert.False(t, open, "delivery channel should be closed")
}

func TestDoubleAckClosesChannel(t *testing.T) {
	b := New(t.Name())
	ch := openChannel(t, b)
	declareBoundQueue(t, ch, "work", "#", nil)
	publish(t, ch, "k", "m")
	d, ok, err := ch.Get("work", false)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, d.Ack(false))
	err = d.Ack(false)
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
	assert.True(t, ch.IsClosed())
}

func TestPublisherConfirms(t *testing.T) {
	b := New(t.Name())
	ch := openChannel(t, b)
	declareBoundQueue(t, ch, "work", "#", nil)
	require.NoError(t, ch.Confirm(false))
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	publish(t, ch, "k", "ok")
	c := <-confirms
	assert.True(t, c.Ack)
	assert.Equal(t, uint64(1), c.DeliveryTag)

	b.NackPublishes(1)
	publish(t, ch, "k", "rejected")
	c = <-confirms
	assert.False(t, c.Ack)
	assert.Equal(t, uint64(2), c.DeliveryTag)
	assert.Equal(t, [][]byte{[]byte("ok")}, b.Bodies("work"))
}

func TestPublishToMissingExchangeClosesChannel(t *testing.T) {
	b := New(t.Name())
	ch := openChannel(t, b)
	err := ch.PublishWithContext(context.Background(), "nope", "k", false, false, amqp.Publishing{})
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.NotFound, amqpErr.Code)
	assert.True(t, ch.IsClosed())
}

func TestQueueDeclareRejectsInequivalentArgs(t *testing.T) {
	b := New(t.Name())
	ch := openChannel(t, b)
	_, err := ch.QueueDeclare("work", true, false, false, false, amqp.Table{"x-dead-letter-exchange": "a"})
	require.NoError(t, err)

	ch2 := openChannel(t, b)
	_, err = ch2.QueueDeclare("work", true, false, false, false, amqp.Table{"x-dead-letter-exchange": "b"})
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
}

func TestPassiveDeclareAndPurge(t *testing.T) {
	b := New(t.Name())
	ch := openChannel(t, b)
	declareBoundQueue(t, ch, "work", "#", nil)
	publish(t, ch, "a", "1")
	publish(t, ch, "b", "2")

	q, err := ch.QueueDeclarePassive("work", true, false, false, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, q.Messages)

	n, err := ch.QueuePurge("work", false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = ch.QueueDeclarePassive("missing", true, false, false, false, nil)
	assert.Error(t, err)
	assert.True(t, ch.IsClosed())
}

func TestDisconnectNotifiesListeners(t *testing.T) {
	b := New(t.Name())
	conn, err := b.Dial(context.Background(), b.URL(), transport.DialOptions{})
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	b.Disconnect()

	select {
	case cause := <-connClosed:
		require.NotNil(t, cause)
		assert.Equal(t, amqp.ConnectionForced, cause.Code)
	case <-time.After(time.Second):
		t.Fatal("connection close listener not notified")
	}
	select {
	case cause := <-chanClosed:
		require.NotNil(t, cause)
	case <-time.After(time.Second):
		t.Fatal("channel close listener not notified")
	}
	assert.True(t, conn.IsClosed())
	assert.True(t, ch.IsClosed())
	assert.Equal(t, 0, b.Connections())
}

func TestGracefulCloseSendsNoError(t *testing.T) {
	b := New(t.Name())
	conn, err := b.Dial(context.Background(), b.URL(), transport.DialOptions{})
	require.NoError(t, err)
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	require.NoError(t, conn.Close())
	select {
	case cause, ok := <-closed:
		assert.False(t, ok)
		assert.Nil(t, cause)
	case <-time.After(time.Second):
		t.Fatal("listener not closed")
	}
	assert.ErrorIs(t, conn.Close(), amqp.ErrClosed)
	_, err = conn.Channel()
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestDownBrokerRefusesDials(t *testing.T) {
	b := New(t.Name())
	b.SetDown(true)
	_, err := b.Dial(context.Background(), b.URL(), transport.DialOptions{})
	assert.Error(t, err)
	b.SetDown(false)
	_, err = b.Dial(context.Background(), b.URL(), transport.DialOptions{})
	assert.NoError(t, err)
	assert.Equal(t, int64(2), b.DialCount())
}

func TestLookupAndSchemeDial(t *testing.T) {
	name := "lookup-" + t.Name()
	t.Cleanup(func() { Forget(name) })

	b := Lookup(name)
	assert.Same(t, b, Lookup(name))

	conn, err := transport.Dial(context.Background(), "memory://"+name, transport.DialOptions{})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 1, b.Connections())
	assert.True(t, transport.DefaultRegistry.Has(Scheme))
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
}
