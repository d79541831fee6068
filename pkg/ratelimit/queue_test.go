package ratelimit

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/HMasataka/tether/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(out *[]any) DeliverFunc {
	return func(_ context.Context, item Item) error {
		*out = append(*out, item.Message)
		return nil
	}
}

func TestQueue_PriorityOrderFIFOWithinPriority(t *testing.T) {
	q := NewQueue(DefaultQueueConfig())

	_, err := q.Enqueue("c1", "low", PriorityLow)
	require.NoError(t, err)
	_, err = q.Enqueue("c1", "normal-1", PriorityNormal)
	require.NoError(t, err)
	_, err = q.Enqueue("c1", "critical", PriorityCritical)
	require.NoError(t, err)
	res, err := q.Enqueue("c1", "normal-2", PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Position)

	var got []any
	pr := q.Process(context.Background(), "c1", collect(&got))
	assert.Equal(t, []any{"critical", "normal-1", "normal-2", "low"}, got)
	assert.Equal(t, 4, pr.Delivered)
	assert.Zero(t, pr.Remaining)
	assert.Empty(t, q.Pending())
}

func TestQueue_FullRejectsUnlessBypass(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.MaxSize = 2
	q := NewQueue(cfg)

	for range 2 {
		_, err := q.Enqueue("c1", "m", PriorityNormal)
		require.NoError(t, err)
	}

	res, err := q.Enqueue("c1", "m", PriorityNormal)
	assert.True(t, stderrors.Is(err, errors.ErrQueueFull))
	assert.False(t, res.Accepted)

	res, err = q.Enqueue("c1", "urgent", PriorityHigh)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Bypassed)
	assert.Equal(t, 0, res.Position)
	assert.Equal(t, 3, q.Len("c1"))

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(1), stats.Bypassed)
}

func TestQueue_BackpressureIsAdvisory(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.MaxSize = 10
	cfg.BackpressureThreshold = 50
	q := NewQueue(cfg)

	for i := range 4 {
		res, err := q.Enqueue("c1", i, PriorityNormal)
		require.NoError(t, err)
		assert.False(t, res.Backpressure)
	}
	res, err := q.Enqueue("c1", 4, PriorityNormal)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Backpressure)
}

func TestQueue_ProcessingRateLimitsDrain(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.ProcessingRate = 3
	q := NewQueue(cfg)
	for i := range 5 {
		_, _ = q.Enqueue("c1", i, PriorityNormal)
	}

	var got []any
	res := q.Process(context.Background(), "c1", collect(&got))
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, []any{0, 1, 2}, got)
}

func TestQueue_RetriesThenDrops(t *testing.T) {
	q := NewQueue(DefaultQueueConfig())
	_, _ = q.Enqueue("c1", "flaky", PriorityNormal)
	_, _ = q.Enqueue("c1", "next", PriorityNormal)

	calls := 0
	failFlaky := func(_ context.Context, item Item) error {
		calls++
		if item.Message == "flaky" {
			return stderrors.New("send failed")
		}
		return nil
	}

	// first two passes stop at the failing head
	for range 2 {
		res := q.Process(context.Background(), "c1", failFlaky)
		assert.Equal(t, 1, res.Retried)
		assert.Equal(t, 2, res.Remaining)
	}

	// third attempt drops it and the pass continues
	res := q.Process(context.Background(), "c1", failFlaky)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Delivered)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, 4, calls)

	stats := q.Stats()
	assert.Equal(t, int64(2), stats.Retries)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestQueue_OpenCircuitDefersWithoutAttempts(t *testing.T) {
	q := NewQueue(DefaultQueueConfig())
	_, _ = q.Enqueue("c1", "held", PriorityNormal)

	open := true
	deliver := func(_ context.Context, item Item) error {
		if open {
			return errors.ErrCircuitOpen.WithDetails("transport:c1")
		}
		assert.Zero(t, item.Attempts)
		return nil
	}

	for range 10 {
		res := q.Process(context.Background(), "c1", deliver)
		assert.Equal(t, 1, res.Deferred)
		assert.Zero(t, res.Dropped)
		assert.Equal(t, 1, res.Remaining)
	}

	open = false
	res := q.Process(context.Background(), "c1", deliver)
	assert.Equal(t, 1, res.Delivered)
	assert.Zero(t, res.Remaining)

	stats := q.Stats()
	assert.Equal(t, int64(10), stats.Deferred)
	assert.Zero(t, stats.Retries)
	assert.Zero(t, stats.Dropped)
}

func TestQueue_DropAndClear(t *testing.T) {
	q := NewQueue(DefaultQueueConfig())
	_, _ = q.Enqueue("a", 1, PriorityLow)
	_, _ = q.Enqueue("b", 2, PriorityLow)
	_, _ = q.Enqueue("b", 3, PriorityLow)

	assert.Equal(t, []string{"a", "b"}, q.Pending())
	assert.Equal(t, 2, q.Drop("b"))
	assert.Equal(t, []string{"a"}, q.Pending())

	q.Clear()
	assert.Zero(t, q.Stats().Depth)
}
