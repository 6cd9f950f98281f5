package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/transport/memory"
)

// deadLetterN publishes n orders and rejects all of them from queue.
func deadLetterN(t *testing.T, m *ConnectionManager, topo *Topology, queue string, n int) {
	t.Helper()
	bindQueue(t, m, topo, queue, "order.created")
	p := NewPublisher(m, topo, PublisherConfig{Confirms: true})
	for i := range n {
		publishOrder(t, p, string(rune('a'+i)))
	}
	ch, err := m.Channel()
	require.NoError(t, err)
	defer ch.Close()
	for range n {
		d, ok, err := ch.Get(queue, false)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, d.Nack(false, false))
	}
}

func TestDeadLettersCountReplayPurge(t *testing.T) {
	b := memory.New(t.Name())
	m := connectedManager(t, b)
	topo := NewTopology("events", true)
	deadLetterN(t, m, topo, "billing", 3)

	dl := NewDeadLetters(m, topo, nil)
	ctx := context.Background()

	n, err := dl.Count(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	replayed, err := dl.Replay(ctx, "billing", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)

	q, _ := b.Queue("billing")
	assert.Equal(t, 2, q.Ready)
	n, err = dl.Count(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	purged, err := dl.Purge(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	n, err = dl.Count(ctx, "billing")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeadLettersReplayAllMarksMessages(t *testing.T) {
	b := memory.New(t.Name())
	m := connectedManager(t, b)
	topo := NewTopology("events", true)
	deadLetterN(t, m, topo, "billing", 2)

	dl := NewDeadLetters(m, topo, nil)
	replayed, err := dl.Replay(context.Background(), "billing", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)

	ch, err := m.Channel()
	require.NoError(t, err)
	d, ok, err := ch.Get("billing", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, d.Headers[replayCountHeader])
	assert.NotNil(t, d.Headers["x-death"])
}

func TestDeadLettersReplayAllStopsAtStartingDepth(t *testing.T) {
	b := memory.New(t.Name())
	m := connectedManager(t, b)
	topo := NewTopology("events", true)
	deadLetterN(t, m, topo, "billing", 3)

	// A consumer that rejects everything sends replayed messages straight
	// back to the dead-letter queue.
	ch, err := m.Channel()
	require.NoError(t, err)
	defer ch.Close()
	deliveries, err := ch.Consume("billing", "rejector", false, false, false, false, nil)
	require.NoError(t, err)
	go func() {
		for d := range deliveries {
			_ = d.Nack(false, false)
		}
	}()

	dl := NewDeadLetters(m, topo, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	replayed, err := dl.Replay(ctx, "billing", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, replayed)

	require.Eventually(t, func() bool {
		n, err := dl.Count(context.Background(), "billing")
		return err == nil && n == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeadLettersRequireQueueAndDeadLettering(t *testing.T) {
	b := memory.New(t.Name())
	m := connectedManager(t, b)
	ctx := context.Background()

	_, err := NewDeadLetters(m, NewTopology("events", true), nil).Count(ctx, "")
	require.ErrorIs(t, err, errs.ErrQueueRequired)

	_, err = NewDeadLetters(m, NewTopology("events", false), nil).Replay(ctx, "q", 0)
	require.ErrorIs(t, err, errs.ErrDeadLetterDisable)
}

func TestDeadLettersCountUnknownQueue(t *testing.T) {
	b := memory.New(t.Name())
	m := connectedManager(t, b)
	_, err := NewDeadLetters(m, NewTopology("events", true), nil).Count(context.Background(), "nope")
	require.Error(t, err)
}
