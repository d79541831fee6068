package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBus_PublishByType(t *testing.T) {
	b := NewInMemoryBus(8, nil)

	var established, all int
	b.Subscribe(EventConnectionEstablished, func(*Event) { established++ })
	b.SubscribeAll(func(*Event) { all++ })

	b.Publish(NewEvent(EventConnectionEstablished, "manager", ConnectionData{ConnectionID: "c1"}))
	b.Publish(NewEvent(EventConnectionClosed, "manager", nil))

	assert.Equal(t, 1, established)
	assert.Equal(t, 2, all)
}

func TestInMemoryBus_Unsubscribe(t *testing.T) {
	b := NewInMemoryBus(8, nil)

	calls := 0
	id := b.Subscribe(EventHeartbeatDead, func(*Event) { calls++ })
	allID := b.SubscribeAll(func(*Event) { calls++ })

	b.Unsubscribe(id)
	b.Unsubscribe(allID)
	b.Publish(NewEvent(EventHeartbeatDead, "heartbeat", nil))
	assert.Zero(t, calls)
}

func TestInMemoryBus_PanickingHandlerIsolated(t *testing.T) {
	b := NewInMemoryBus(8, nil)

	delivered := false
	b.SubscribeAll(func(*Event) { panic("bad handler") })
	b.SubscribeAll(func(*Event) { delivered = true })

	assert.NotPanics(t, func() {
		b.Publish(NewEvent(EventConnectionEvicted, "manager", nil))
	})
	assert.True(t, delivered)
}

func TestInMemoryBus_AsyncDeliveryAndStop(t *testing.T) {
	b := NewInMemoryBus(8, nil)

	var mu sync.Mutex
	var got []EventType
	b.SubscribeAll(func(e *Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})

	b.Start(context.Background())
	b.PublishAsync(NewEvent(EventConnectionStale, "manager", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	b.Stop()
	b.Stop()

	b.PublishAsync(NewEvent(EventConnectionStale, "manager", nil))
	assert.Equal(t, int64(1), b.Dropped())
}

func TestInMemoryBus_OverflowIsCounted(t *testing.T) {
	b := NewInMemoryBus(1, nil)
	b.PublishAsync(NewEvent(EventConnectionClosed, "manager", nil))
	b.PublishAsync(NewEvent(EventConnectionClosed, "manager", nil))
	assert.Equal(t, int64(1), b.Dropped())
}

func TestEvent_Metadata(t *testing.T) {
	e := NewEvent(EventCircuitStateChanged, "resilience", CircuitData{Name: "relay", From: "CLOSED", To: "OPEN"})
	e.WithMetadata("instance_id", "inst-a")
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "inst-a", e.Metadata["instance_id"])
}
