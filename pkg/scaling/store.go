package scaling

import (
	"context"
	"time"
)

// Shared store layout
const (
	ConnectionsKey   = "websocket:connections"
	InstancesKey     = "websocket:instances"
	BroadcastChannel = "websocket:broadcast"
)

// HealthKey returns the TTL-bound liveness key of an instance
func HealthKey(instanceID string) string {
	return "websocket:instance:" + instanceID + ":health"
}

// Store is the pub/sub-capable key-value store shared by all instances.
// Get and HGet return errors.ErrKeyNotFound for missing keys.
type Store interface {
	Ping(ctx context.Context) error

	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Publish returns the number of subscribers that received payload
	Publish(ctx context.Context, channel string, payload []byte) (int, error)
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Close() error
}

// Subscription delivers messages published on a channel until closed
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}
