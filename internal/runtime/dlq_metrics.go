package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/tenantbus/internal/runtime/broker"
)

// DLQMetrics tracks dead-letter queue activity per source queue. It
// satisfies broker.DeadLetterRecorder.
type DLQMetrics struct {
	mu sync.RWMutex

	queues map[string]*DLQQueueMetrics

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	purgedTotal     *prometheus.CounterVec
	ageSecondsHist  *prometheus.HistogramVec
	attemptsHist    *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

var _ broker.DeadLetterRecorder = (*DLQMetrics)(nil)

// DLQQueueMetrics holds the counters of one queue's dead-letter queue.
type DLQQueueMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	MessagesReplayed uint64    `json:"messages_replayed"`
	MessagesPurged   uint64    `json:"messages_purged"`
	Poison           uint64    `json:"poison"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	AvgAttempts      float64   `json:"avg_attempts"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// DLQMetricsSnapshot provides a point-in-time view of DLQ metrics.
type DLQMetricsSnapshot struct {
	TotalMessages uint64                      `json:"total_messages"`
	TotalReplayed uint64                      `json:"total_replayed"`
	TotalPurged   uint64                      `json:"total_purged"`
	Queues        map[string]*DLQQueueMetrics `json:"queues"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

func dlqOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: "tenantbus", Subsystem: "dlq", Name: name, Help: help}
}

func dlqHistogram(name, help string, buckets []float64) *prometheus.HistogramVec {
	o := dlqOpts(name, help)
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: o.Namespace,
		Subsystem: o.Subsystem,
		Name:      o.Name,
		Help:      o.Help,
		Buckets:   buckets,
	}, []string{"queue"})
}

// NewDLQMetrics creates the collectors. Call Register to expose them.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	byQueue := []string{"queue"}
	return &DLQMetrics{
		queues:     make(map[string]*DLQQueueMetrics),
		registerer: registerer,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts(dlqOpts("messages_total",
			"Deliveries rejected into the dead-letter queue.")), []string{"queue", "event_type", "outcome"}),
		messagesCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts(dlqOpts("messages_current",
			"Messages believed to sit in the dead-letter queue.")), byQueue),
		replayedTotal: prometheus.NewCounterVec(prometheus.CounterOpts(dlqOpts("replayed_total",
			"Messages replayed from the dead-letter queue.")), byQueue),
		purgedTotal: prometheus.NewCounterVec(prometheus.CounterOpts(dlqOpts("purged_total",
			"Messages purged from the dead-letter queue.")), byQueue),
		ageSecondsHist: dlqHistogram("message_age_seconds", "Time between publishing and dead-lettering.",
			[]float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}),
		attemptsHist: dlqHistogram("attempts", "Handler invocations before dead-lettering.",
			[]float64{1, 2, 3, 5, 10, 20}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple
// times; collectors registered by an earlier instance are adopted.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.messagesTotal, err = adopt(m.registerer, m.messagesTotal); err != nil {
		return err
	}
	if m.messagesCurrent, err = adopt(m.registerer, m.messagesCurrent); err != nil {
		return err
	}
	if m.replayedTotal, err = adopt(m.registerer, m.replayedTotal); err != nil {
		return err
	}
	if m.purgedTotal, err = adopt(m.registerer, m.purgedTotal); err != nil {
		return err
	}
	if m.ageSecondsHist, err = adopt(m.registerer, m.ageSecondsHist); err != nil {
		return err
	}
	if m.attemptsHist, err = adopt(m.registerer, m.attemptsHist); err != nil {
		return err
	}

	m.registered = true
	return nil
}

func adopt[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordDeadLetter records a delivery rejected into the dead-letter queue.
func (m *DLQMetrics) RecordDeadLetter(dl broker.DeadLetter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	metrics := m.getOrCreateQueueMetrics(dl.Queue)
	metrics.MessagesReceived++
	metrics.MessagesCurrent++
	if dl.Outcome == broker.OutcomePoison {
		metrics.Poison++
	}
	metrics.LastUpdatedAt = now
	if metrics.OldestMessageAt.IsZero() {
		metrics.OldestMessageAt = now
	}
	metrics.NewestMessageAt = now

	total := metrics.MessagesReceived
	metrics.AvgAttempts = ((metrics.AvgAttempts * float64(total-1)) + float64(dl.Attempts)) / float64(total)

	m.messagesTotal.WithLabelValues(dl.Queue, dl.EventType, dl.Outcome).Inc()
	m.messagesCurrent.WithLabelValues(dl.Queue).Set(float64(metrics.MessagesCurrent))
	if !dl.PublishedAt.IsZero() {
		m.ageSecondsHist.WithLabelValues(dl.Queue).Observe(max(now.Sub(dl.PublishedAt).Seconds(), 0))
	}
	if dl.Attempts > 0 {
		m.attemptsHist.WithLabelValues(dl.Queue).Observe(float64(dl.Attempts))
	}
}

// RecordReplayed records n messages moved back from the dead-letter queue.
func (m *DLQMetrics) RecordReplayed(queue string, n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateQueueMetrics(queue)
	metrics.MessagesReplayed += uint64(n)
	metrics.MessagesCurrent -= min(metrics.MessagesCurrent, uint64(n))
	metrics.LastUpdatedAt = time.Now()

	m.replayedTotal.WithLabelValues(queue).Add(float64(n))
	m.messagesCurrent.WithLabelValues(queue).Set(float64(metrics.MessagesCurrent))
}

// RecordPurged records n messages dropped from the dead-letter queue.
func (m *DLQMetrics) RecordPurged(queue string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateQueueMetrics(queue)
	metrics.MessagesPurged += uint64(max(n, 0))
	metrics.MessagesCurrent = 0
	metrics.LastUpdatedAt = time.Now()

	m.purgedTotal.WithLabelValues(queue).Add(float64(max(n, 0)))
	m.messagesCurrent.WithLabelValues(queue).Set(0)
}

// SetCurrentCount syncs the current count with the broker.
func (m *DLQMetrics) SetCurrentCount(queue string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.getOrCreateQueueMetrics(queue)
	metrics.MessagesCurrent = uint64(max(count, 0))
	metrics.LastUpdatedAt = time.Now()

	m.messagesCurrent.WithLabelValues(queue).Set(float64(metrics.MessagesCurrent))
}

// Snapshot returns a copy of every queue's metrics.
func (m *DLQMetrics) Snapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		Queues:      make(map[string]*DLQQueueMetrics, len(m.queues)),
		CollectedAt: time.Now(),
	}
	for queue, metrics := range m.queues {
		cp := *metrics
		snapshot.Queues[queue] = &cp
		snapshot.TotalMessages += metrics.MessagesCurrent
		snapshot.TotalReplayed += metrics.MessagesReplayed
		snapshot.TotalPurged += metrics.MessagesPurged
	}
	return snapshot
}

// QueueMetrics returns a copy of queue's metrics, nil when nothing was recorded.
func (m *DLQMetrics) QueueMetrics(queue string) *DLQQueueMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.queues[queue]; ok {
		cp := *metrics
		return &cp
	}
	return nil
}

func (m *DLQMetrics) getOrCreateQueueMetrics(queue string) *DLQQueueMetrics {
	if metrics, ok := m.queues[queue]; ok {
		return metrics
	}
	metrics := &DLQQueueMetrics{}
	m.queues[queue] = metrics
	return metrics
}
