// Package store implements the coordination store on Redis.
package store

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HMasataka/tether/pkg/errors"
	"github.com/HMasataka/tether/pkg/scaling"
)

// Options configures the Redis client
type Options struct {
	Addr         string        `json:"addr" yaml:"addr"`
	Username     string        `json:"username" yaml:"username"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
}

// Redis is a scaling.Store backed by go-redis
type Redis struct {
	client *redis.Client
}

// NewRedis dials lazily; use Ping to verify connectivity
func NewRedis(opts Options) *Redis {
	return NewFromClient(redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	}))
}

// NewFromClient wraps an existing client
func NewFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	return v, notFound(err, key)
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	return r.client.HSet(ctx, key, field, value).Err()
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	return v, notFound(err, key+"/"+field)
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return r.client.HDel(ctx, key, fields...).Err()
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	n, err := r.client.Publish(ctx, channel, payload).Result()
	return int(n), err
}

// Subscribe waits for the subscription to be confirmed before returning
func (r *Redis) Subscribe(ctx context.Context, channel string) (scaling.Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	s := &subscription{
		ps:   ps,
		out:  make(chan []byte, 256),
		done: make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func notFound(err error, key string) error {
	if stderrors.Is(err, redis.Nil) {
		return errors.ErrKeyNotFound.WithDetails(key)
	}
	return err
}

type subscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscription) pump() {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Messages() <-chan []byte {
	return s.out
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

var _ scaling.Store = (*Redis)(nil)
