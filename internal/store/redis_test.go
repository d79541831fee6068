package store

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HMasataka/tether/pkg/errors"
)

func newTestStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedis(Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedis_KeyValue(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	mr.FastForward(2 * time.Minute)
	exists, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = s.Get(ctx, "k")
	assert.True(t, stderrors.Is(err, errors.ErrKeyNotFound))
}

func TestRedis_ExpireAndDelete(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "1", 0))
	require.NoError(t, s.Expire(ctx, "a", time.Second))
	assert.Equal(t, time.Second, mr.TTL("a"))

	require.NoError(t, s.Set(ctx, "b", "2", 0))
	require.NoError(t, s.Delete(ctx, "a", "b"))
	assert.False(t, mr.Exists("b"))
	require.NoError(t, s.Delete(ctx))
}

func TestRedis_Hash(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", "f1", "v1"))
	require.NoError(t, s.HSet(ctx, "h", "f2", "v2"))

	v, err := s.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	require.NoError(t, s.HDel(ctx, "h", "f1"))
	_, err = s.HGet(ctx, "h", "f1")
	assert.True(t, stderrors.Is(err, errors.ErrKeyNotFound))
}

func TestRedis_PubSub(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "chan")
	require.NoError(t, err)

	n, err := s.Publish(ctx, "chan", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, []byte("hello"), msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.Eventually(t, func() bool {
		_, open := <-sub.Messages()
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedis_PingFailsWhenDown(t *testing.T) {
	s := NewRedis(Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	defer s.Close()
	assert.Error(t, s.Ping(context.Background()))
}
