package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tenantbus/internal/runtime/broker"
	errspkg "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/internal/runtime/jsoncodec"
)

func TestSubscriptionStatsCollectsInvocations(t *testing.T) {
	stats := newSubscriptionStats(nil)

	stats.onInvocationStart(time.Now().Add(-1500 * time.Millisecond))
	assert.EqualValues(t, 1, stats.Backlog.InFlight)
	stats.onInvocationFinish(5*time.Millisecond, errors.New("downstream unavailable"), nil)

	stats.onInvocationStart(time.Time{})
	stats.onInvocationFinish(time.Millisecond, nil, nil)
	stats.recordRetry()
	stats.recordOutcome(broker.OutcomeAcked)
	stats.recordOutcome(broker.OutcomePoison)

	stats.mu.Lock()
	defer stats.mu.Unlock()
	assert.EqualValues(t, 2, stats.Invocations)
	assert.EqualValues(t, 1, stats.Failures)
	assert.EqualValues(t, 1, stats.Retries)
	assert.EqualValues(t, 0, stats.Backlog.InFlight)
	assert.EqualValues(t, 1, stats.Backlog.MaxInFlight)
	assert.GreaterOrEqual(t, stats.Backlog.EstimatedLagMillis, int64(1400))
	assert.EqualValues(t, 1, stats.Errors.Other)
	assert.Equal(t, "downstream unavailable", stats.Errors.LastError)
	assert.Equal(t, OutcomeCounts{Acked: 1, Poison: 1}, stats.Outcomes)
	assert.EqualValues(t, 2, stats.Throughput.TotalMessages)
	assert.Equal(t, 2, stats.Latency.SampleSize)
	assert.Equal(t, int64(time.Millisecond), stats.Latency.LastNs)
}

func TestSubscriptionStatsMarshalJSON(t *testing.T) {
	stats := newSubscriptionStats(nil)
	stats.onInvocationStart(time.Time{})
	stats.onInvocationFinish(time.Millisecond, nil, nil)

	body, err := jsoncodec.Marshal(stats)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, jsoncodec.Unmarshal(body, &decoded))
	assert.EqualValues(t, 1, decoded["invocations"])
	assert.Contains(t, decoded, "outcomes")
	assert.NotContains(t, decoded, "mu")
}

func TestDefaultErrorClassifier(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, ErrorCategoryNone},
		{NewUnprocessableEventError("e1", errors.New("bad json")), ErrorCategoryValidation},
		{fmt.Errorf("charge: %w", errspkg.ErrPermanent), ErrorCategoryPermanent},
		{fmt.Errorf("follow-up: %w", errspkg.ErrNotConnected), ErrorCategoryTransport},
		{fmt.Errorf("crm: %w", context.DeadlineExceeded), ErrorCategoryDownstream},
		{errors.New("boom"), ErrorCategoryOther},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, defaultErrorClassifier(tc.err), "%v", tc.err)
	}
}

func TestUnprocessableEventError(t *testing.T) {
	cause := errors.New("missing tenantId")
	err := fmt.Errorf("dispatch: %w", NewUnprocessableEventError("01H", cause))

	assert.True(t, IsUnprocessable(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "unprocessable event 01H: missing tenantId")
	assert.False(t, IsUnprocessable(cause))
}

func TestLatencyPercentiles(t *testing.T) {
	ring := newLatencyRing(4)
	for _, ms := range []int{40, 10, 30, 20, 50} {
		ring.add(time.Duration(ms) * time.Millisecond)
	}
	snap := ring.snapshot(50 * time.Millisecond)
	assert.Equal(t, 4, snap.SampleSize, "oldest sample evicted")
	assert.Equal(t, int64(50*time.Millisecond), snap.LastNs)
	assert.Equal(t, int64(27500*time.Microsecond), snap.AverageNs)
	assert.Equal(t, int64(20*time.Millisecond), snap.P50Ns)
	assert.Equal(t, int64(50*time.Millisecond), snap.P99Ns)

	assert.Equal(t, LatencyMetrics{}, newLatencyRing(4).snapshot(0))
}

func TestRateWindowForgetsOldSeconds(t *testing.T) {
	var w rateWindow
	start := time.Unix(1_700_000_000, 0)
	for i := range 3 {
		w.add(start.Add(time.Duration(i) * time.Second))
	}

	count, span, rps := w.snapshot(start.Add(2 * time.Second))
	assert.EqualValues(t, 3, count)
	assert.Equal(t, 3*time.Second, span)
	assert.InDelta(t, 1.0, rps, 0.001)

	count, _, _ = w.snapshot(start.Add(61 * time.Second))
	assert.EqualValues(t, 1, count, "only the third second is still inside the window")

	count, _, rps = w.snapshot(start.Add(10 * time.Minute))
	assert.Zero(t, count)
	assert.Zero(t, rps)
}
