package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tenantbus/internal/runtime/broker"
)

func deadLetter(queue string, attempts int) broker.DeadLetter {
	return broker.DeadLetter{
		Queue:       queue,
		EventType:   "order.created",
		Outcome:     broker.OutcomeDeadLettered,
		Attempts:    attempts,
		PublishedAt: time.Now().Add(-5 * time.Second),
	}
}

func TestDLQMetrics_RecordDeadLetter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDLQMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordDeadLetter(deadLetter("orders", 3))
	m.RecordDeadLetter(deadLetter("orders", 5))

	metrics := m.QueueMetrics("orders")
	require.NotNil(t, metrics)
	assert.Equal(t, uint64(2), metrics.MessagesReceived)
	assert.Equal(t, uint64(2), metrics.MessagesCurrent)
	assert.Equal(t, 4.0, metrics.AvgAttempts)
	assert.False(t, metrics.OldestMessageAt.IsZero())
	assert.False(t, metrics.NewestMessageAt.IsZero())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("orders", "order.created", broker.OutcomeDeadLettered)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesCurrent.WithLabelValues("orders")))
}

func TestDLQMetrics_CountsPoison(t *testing.T) {
	m := NewDLQMetrics(prometheus.NewRegistry())

	dl := deadLetter("orders", 1)
	dl.Outcome = broker.OutcomePoison
	m.RecordDeadLetter(dl)
	m.RecordDeadLetter(deadLetter("orders", 4))

	metrics := m.QueueMetrics("orders")
	require.NotNil(t, metrics)
	assert.Equal(t, uint64(1), metrics.Poison)
	assert.Equal(t, uint64(2), metrics.MessagesReceived)
}

func TestDLQMetrics_RecordReplayed(t *testing.T) {
	m := NewDLQMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.RecordDeadLetter(deadLetter("orders", 3))
	m.RecordDeadLetter(deadLetter("orders", 3))
	m.RecordReplayed("orders", 1)

	metrics := m.QueueMetrics("orders")
	require.NotNil(t, metrics)
	assert.Equal(t, uint64(2), metrics.MessagesReceived)
	assert.Equal(t, uint64(1), metrics.MessagesCurrent)
	assert.Equal(t, uint64(1), metrics.MessagesReplayed)

	m.RecordReplayed("orders", 5)
	metrics = m.QueueMetrics("orders")
	assert.Equal(t, uint64(0), metrics.MessagesCurrent)
	assert.Equal(t, uint64(6), metrics.MessagesReplayed)
}

func TestDLQMetrics_RecordReplayedIgnoresZero(t *testing.T) {
	m := NewDLQMetrics(prometheus.NewRegistry())
	m.RecordReplayed("orders", 0)
	assert.Nil(t, m.QueueMetrics("orders"))
}

func TestDLQMetrics_RecordPurged(t *testing.T) {
	m := NewDLQMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.RecordDeadLetter(deadLetter("orders", 3))
	m.RecordDeadLetter(deadLetter("orders", 3))
	m.RecordPurged("orders", 2)

	metrics := m.QueueMetrics("orders")
	require.NotNil(t, metrics)
	assert.Equal(t, uint64(0), metrics.MessagesCurrent)
	assert.Equal(t, uint64(2), metrics.MessagesPurged)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.purgedTotal.WithLabelValues("orders")))
}

func TestDLQMetrics_SetCurrentCount(t *testing.T) {
	m := NewDLQMetrics(prometheus.NewRegistry())

	m.SetCurrentCount("orders", 7)
	assert.Equal(t, uint64(7), m.QueueMetrics("orders").MessagesCurrent)

	m.SetCurrentCount("orders", -1)
	assert.Equal(t, uint64(0), m.QueueMetrics("orders").MessagesCurrent)
}

func TestDLQMetrics_Snapshot(t *testing.T) {
	m := NewDLQMetrics(prometheus.NewRegistry())

	m.RecordDeadLetter(deadLetter("orders", 1))
	m.RecordDeadLetter(deadLetter("orders", 1))
	m.RecordDeadLetter(deadLetter("invoices", 1))
	m.RecordReplayed("orders", 1)
	m.RecordPurged("invoices", 1)

	snapshot := m.Snapshot()
	assert.Equal(t, uint64(1), snapshot.TotalMessages)
	assert.Equal(t, uint64(1), snapshot.TotalReplayed)
	assert.Equal(t, uint64(1), snapshot.TotalPurged)
	assert.Len(t, snapshot.Queues, 2)
	assert.False(t, snapshot.CollectedAt.IsZero())

	// The snapshot is a copy.
	snapshot.Queues["orders"].MessagesCurrent = 99
	assert.Equal(t, uint64(1), m.QueueMetrics("orders").MessagesCurrent)
}

func TestDLQMetrics_RegisterTwiceAdoptsCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewDLQMetrics(reg)
	require.NoError(t, first.Register())
	require.NoError(t, first.Register())

	second := NewDLQMetrics(reg)
	require.NoError(t, second.Register())

	second.RecordDeadLetter(deadLetter("orders", 2))
	assert.Equal(t, 1.0, testutil.ToFloat64(first.messagesTotal.WithLabelValues("orders", "order.created", broker.OutcomeDeadLettered)))
}
