package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/daycare/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client), server
}

func TestTryLockIsExclusive(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "billing:run", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = locker.TryLock(ctx, "billing:run", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "billing:run", token))

	_, ok, err = locker.TryLock(ctx, "billing:run", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseIgnoresForeignToken(t *testing.T) {
	locker, server := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "billing:run", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, locker.Release(ctx, "billing:run", "someone-else"))
	got, err := server.Get("billing:run")
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestLockExpires(t *testing.T) {
	locker, server := newTestLocker(t)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "billing:run", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	server.FastForward(2 * time.Minute)

	_, ok, err = locker.TryLock(ctx, "billing:run", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryLockValidation(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	_, _, err := locker.TryLock(ctx, "", time.Minute)
	assert.Error(t, err)
	_, _, err = locker.TryLock(ctx, "k", 0)
	assert.Error(t, err)

	var nilLocker *RedisLocker
	_, _, err = nilLocker.TryLock(ctx, "k", time.Minute)
	assert.Error(t, err)
	assert.NoError(t, nilLocker.Release(ctx, "k", "t"))
}

func TestTryLockConnectionError(t *testing.T) {
	locker, server := newTestLocker(t)
	server.Close()

	_, ok, err := locker.TryLock(context.Background(), "billing:run", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestNewWithoutRedisIsNoop(t *testing.T) {
	l, err := New(nil, config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, Noop{}, l)

	token, ok, err := l.TryLock(context.Background(), "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Release(context.Background(), "k", token))
}
