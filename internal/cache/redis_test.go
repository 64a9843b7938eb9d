package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedisGetSetDelete(t *testing.T) {
	r, _ := testRedis(t)
	ctx := context.Background()

	_, ok, err := r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "k", "v", time.Minute))
	v, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, r.Delete(ctx, "k", "missing"))
	_, ok, err = r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisTTLExpires(t *testing.T) {
	r, mr := testRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", "v", time.Minute))
	mr.FastForward(61 * time.Second)
	_, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSetNX(t *testing.T) {
	r, _ := testRedis(t)
	ctx := context.Background()

	set, err := r.SetNX(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)

	set, err = r.SetNX(ctx, "k", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, set)

	v, _, _ := r.Get(ctx, "k")
	assert.Equal(t, "a", v)
}

func TestRedisIncrSetsExpiryOnce(t *testing.T) {
	r, mr := testRedis(t)
	ctx := context.Background()

	n, err := r.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = r.Incr(ctx, "c", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// ExpireNX keeps the original one-minute window.
	mr.FastForward(61 * time.Second)
	n, err = r.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
