package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/tether/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDelivery = stderrors.New("delivery failed")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ok(context.Context) error   { return nil }
func fail(context.Context) error { return errDelivery }

func testSettings(clock *testClock) Settings {
	return Settings{
		Name:                "test",
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             10 * time.Second,
		MonitoringWindow:    30 * time.Second,
		MaxRequestsHalfOpen: 1,
		Now:                 clock.Now,
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "defaults"})

	assert.Equal(t, "defaults", cb.Name())
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 5, cb.settings.FailureThreshold)
	assert.Equal(t, 30*time.Second, cb.settings.Timeout)
	assert.Equal(t, 3, cb.settings.MaxRequestsHalfOpen)
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	clock := newTestClock()
	cb := NewCircuitBreaker(testSettings(clock))
	ctx := context.Background()

	for range 2 {
		require.ErrorIs(t, cb.Call(ctx, fail), errDelivery)
	}
	assert.Equal(t, StateClosed, cb.State())

	require.ErrorIs(t, cb.Call(ctx, fail), errDelivery)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Call(ctx, func(context.Context) error { called = true; return nil })
	assert.False(t, called)
	assert.True(t, stderrors.Is(err, errors.ErrCircuitOpen))
	retry, hasRetry := errors.RetryAfter(err)
	require.True(t, hasRetry)
	assert.Equal(t, 10*time.Second, retry)

	clock.Advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Call(ctx, ok))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Call(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newTestClock()
	cb := NewCircuitBreaker(testSettings(clock))
	ctx := context.Background()

	for range 3 {
		_ = cb.Call(ctx, fail)
	}
	clock.Advance(10 * time.Second)

	require.NoError(t, cb.Call(ctx, ok))
	require.ErrorIs(t, cb.Call(ctx, fail), errDelivery)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_SlidingWindowForgetsOldFailures(t *testing.T) {
	clock := newTestClock()
	cb := NewCircuitBreaker(testSettings(clock))
	ctx := context.Background()

	_ = cb.Call(ctx, fail)
	_ = cb.Call(ctx, fail)
	clock.Advance(31 * time.Second)

	_ = cb.Call(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Metrics().RecentFailures)
}

func TestCircuitBreaker_HalfOpenCapsConcurrentTrials(t *testing.T) {
	clock := newTestClock()
	cb := NewCircuitBreaker(testSettings(clock))
	ctx := context.Background()

	for range 3 {
		_ = cb.Call(ctx, fail)
	}
	clock.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Call(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Call(ctx, ok)
	assert.True(t, stderrors.Is(err, errors.ErrCircuitOpen))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_EveryBlockedCallIsCounted(t *testing.T) {
	clock := newTestClock()
	cb := NewCircuitBreaker(testSettings(clock))
	ctx := context.Background()

	for range 3 {
		_ = cb.Call(ctx, fail)
	}
	for range 4 {
		_ = cb.Call(ctx, ok)
	}

	m := cb.Metrics()
	assert.Equal(t, int64(4), m.BlockedRequests)
	assert.Equal(t, int64(7), m.TotalRequests)
	assert.Equal(t, "OPEN", m.State)
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	clock := newTestClock()
	settings := testSettings(clock)
	var transitions []string
	settings.OnStateChange = func(_ string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	cb := NewCircuitBreaker(settings)
	ctx := context.Background()

	for range 3 {
		_ = cb.Call(ctx, fail)
	}
	clock.Advance(10 * time.Second)
	_ = cb.Call(ctx, ok)
	_ = cb.Call(ctx, ok)

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestBreakers_GetCreatesOnce(t *testing.T) {
	b := NewBreakers(DefaultSettings(""))

	a1 := b.Get("transport:conn_1")
	a2 := b.Get("transport:conn_1")
	assert.Same(t, a1, a2)
	assert.Equal(t, "transport:conn_1", a1.Name())

	b.Get("relay")
	assert.Equal(t, 2, b.Len())
	assert.Zero(t, b.OpenCount())

	metrics := b.Metrics()
	require.Len(t, metrics, 2)
	assert.Equal(t, "relay", metrics[0].Name)

	b.Remove("relay")
	_, found := b.Lookup("relay")
	assert.False(t, found)
}
