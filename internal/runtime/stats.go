package runtime

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/drblury/tenantbus/internal/runtime/broker"
	errspkg "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/internal/runtime/jsoncodec"
)

const (
	latencySampleSize = 256
	rateWindowSeconds = 60
)

// SubscriptionStats aggregates handler activity of one subscription.
// Invocations count every handler call, so a delivery retried twice counts
// three times; the outcome counters count deliveries.
type SubscriptionStats struct {
	mu sync.Mutex

	Invocations         uint64    `json:"invocations"`
	Failures            uint64    `json:"failures"`
	Retries             uint64    `json:"retries"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Outcomes OutcomeCounts `json:"outcomes"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`
	Backlog    BacklogMetrics    `json:"backlog"`

	latencies *latencyRing
	rate      rateWindow
	resources *resourceTracker
}

type OutcomeCounts struct {
	Acked        uint64 `json:"acked"`
	Ignored      uint64 `json:"ignored"`
	DeadLettered uint64 `json:"dead_lettered"`
	Poison       uint64 `json:"poison"`
	Requeued     uint64 `json:"requeued"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Permanent  uint64 `json:"permanent"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
	// EstimatedLagMillis is the age of the last handled event, -1 before the first.
	EstimatedLagMillis int64 `json:"estimated_lag_millis"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryPermanent  ErrorCategory = "permanent"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier buckets handler errors for the stats endpoint.
type ErrorClassifier func(error) ErrorCategory

func newSubscriptionStats(sampler *resourceTracker) *SubscriptionStats {
	return &SubscriptionStats{
		resources: sampler,
		latencies: newLatencyRing(latencySampleSize),
		Backlog:   BacklogMetrics{EstimatedLagMillis: -1},
	}
}

func (h *SubscriptionStats) onInvocationStart(publishedAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Backlog.InFlight++
	if h.Backlog.InFlight > h.Backlog.MaxInFlight {
		h.Backlog.MaxInFlight = h.Backlog.InFlight
	}
	if !publishedAt.IsZero() {
		h.Backlog.EstimatedLagMillis = max(time.Since(publishedAt).Milliseconds(), 0)
	}
}

func (h *SubscriptionStats) onInvocationFinish(duration time.Duration, err error, classifier ErrorClassifier) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}

	h.Invocations++
	if err != nil {
		h.Failures++
	}
	h.TotalProcessingTime += int64(duration)
	h.LastProcessedAt = time.Now().UTC()

	h.latencies.add(duration)
	h.Latency = h.latencies.snapshot(duration)

	now := time.Now()
	h.rate.add(now)
	count, span, rps := h.rate.snapshot(now)
	h.Throughput = ThroughputMetrics{
		CurrentRPS:       rps,
		WindowSeconds:    span.Seconds(),
		MessagesInWindow: count,
		TotalMessages:    h.Invocations,
	}

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	h.Errors.Record(classifier(err), err)

	if h.resources != nil {
		h.Resource = h.resources.Snapshot()
	}
}

func (h *SubscriptionStats) recordRetry() {
	h.mu.Lock()
	h.Retries++
	h.mu.Unlock()
}

func (h *SubscriptionStats) recordOutcome(outcome string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch outcome {
	case broker.OutcomeAcked:
		h.Outcomes.Acked++
	case broker.OutcomeIgnored:
		h.Outcomes.Ignored++
	case broker.OutcomeDeadLettered:
		h.Outcomes.DeadLettered++
	case broker.OutcomePoison:
		h.Outcomes.Poison++
	case broker.OutcomeRequeued:
		h.Outcomes.Requeued++
	}
}

// StatsTotals is a consistent copy of the counters of a SubscriptionStats.
type StatsTotals struct {
	Invocations uint64
	Failures    uint64
	Retries     uint64
	Outcomes    OutcomeCounts
	Errors      ErrorBreakdown
}

// Totals copies the counters under the stats lock.
func (h *SubscriptionStats) Totals() StatsTotals {
	h.mu.Lock()
	defer h.mu.Unlock()
	return StatsTotals{
		Invocations: h.Invocations,
		Failures:    h.Failures,
		Retries:     h.Retries,
		Outcomes:    h.Outcomes,
		Errors:      h.Errors,
	}
}

func (h *SubscriptionStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type plain SubscriptionStats
	return jsoncodec.Marshal((*plain)(h))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	case ErrorCategoryPermanent:
		e.Permanent++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// latencyRing keeps the most recent handler durations.
type latencyRing struct {
	buf []time.Duration
	pos int
	n   int
}

func newLatencyRing(size int) *latencyRing {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyRing{buf: make([]time.Duration, size)}
}

func (r *latencyRing) add(d time.Duration) {
	r.buf[r.pos] = d
	r.pos = (r.pos + 1) % len(r.buf)
	r.n = min(r.n+1, len(r.buf))
}

func (r *latencyRing) snapshot(last time.Duration) LatencyMetrics {
	m := LatencyMetrics{LastNs: int64(last), SampleSize: r.n}
	if r.n == 0 {
		return m
	}
	sorted := slices.Clone(r.buf[:r.n])
	slices.Sort(sorted)
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	m.AverageNs = int64(sum) / int64(r.n)
	m.P50Ns = int64(nearestRank(sorted, 0.50))
	m.P95Ns = int64(nearestRank(sorted, 0.95))
	m.P99Ns = int64(nearestRank(sorted, 0.99))
	return m
}

// nearestRank returns the q-quantile of sorted, which must not be empty.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[min(max(rank, 0), len(sorted)-1)]
}

// rateWindow counts handled messages in one-second buckets over the last
// minute.
type rateWindow struct {
	counts [rateWindowSeconds]uint64
	second [rateWindowSeconds]int64
}

func (w *rateWindow) add(now time.Time) {
	sec := now.Unix()
	i := sec % rateWindowSeconds
	if w.second[i] != sec {
		w.second[i] = sec
		w.counts[i] = 0
	}
	w.counts[i]++
}

// snapshot reports the messages of the window and the rate over the span
// they cover.
func (w *rateWindow) snapshot(now time.Time) (count uint64, span time.Duration, rps float64) {
	sec := now.Unix()
	oldest := sec
	for i, c := range w.counts {
		if c == 0 || sec-w.second[i] >= rateWindowSeconds {
			continue
		}
		count += c
		oldest = min(oldest, w.second[i])
	}
	if count == 0 {
		return 0, 0, 0
	}
	span = time.Duration(sec-oldest+1) * time.Second
	return count, span, float64(count) / span.Seconds()
}

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case IsUnprocessable(err):
		return ErrorCategoryValidation
	case errors.Is(err, errspkg.ErrPermanent):
		return ErrorCategoryPermanent
	case errors.Is(err, errspkg.ErrNotConnected), errors.Is(err, errspkg.ErrPublishNacked):
		return ErrorCategoryTransport
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}
