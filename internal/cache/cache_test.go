package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExpiry(t *testing.T) {
	now := time.Now()
	m := NewMemory()
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.Set(context.Background(), "k", "v", time.Minute))
	v, ok, err := m.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	now = now.Add(61 * time.Second)
	_, ok, err = m.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySetNX(t *testing.T) {
	now := time.Now()
	m := NewMemory()
	m.SetClock(func() time.Time { return now })

	set, err := m.SetNX(context.Background(), "k", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)

	set, err = m.SetNX(context.Background(), "k", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, set)

	v, _, _ := m.Get(context.Background(), "k")
	assert.Equal(t, "a", v)

	// The key frees up again once it expires.
	now = now.Add(2 * time.Minute)
	set, err = m.SetNX(context.Background(), "k", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)
}

func TestMemoryIncrKeepsFirstExpiry(t *testing.T) {
	now := time.Now()
	m := NewMemory()
	m.SetClock(func() time.Time { return now })

	n, err := m.Incr(context.Background(), "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	now = now.Add(30 * time.Second)
	n, err = m.Incr(context.Background(), "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The window anchors on the first increment, not the last.
	now = now.Add(31 * time.Second)
	n, err = m.Incr(context.Background(), "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLoaderCoalescesConcurrentMisses(t *testing.T) {
	m := NewMemory()
	l := NewLoader(m)
	var loads atomic.Int64
	gate := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			v, err := l.GetOrLoad(context.Background(), "hot", time.Minute, func(ctx context.Context) (string, error) {
				loads.Add(1)
				time.Sleep(10 * time.Millisecond)
				return "computed", nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "computed", v)
		}()
	}
	close(gate)
	wg.Wait()
	assert.LessOrEqual(t, loads.Load(), int64(2), "cold key computed too many times")

	// Warm path never calls load.
	v, err := l.GetOrLoad(context.Background(), "hot", time.Minute, func(ctx context.Context) (string, error) {
		t.Fatal("load called on warm key")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "computed", v)
}

func TestLoaderInvalidateForcesReload(t *testing.T) {
	m := NewMemory()
	l := NewLoader(m)
	calls := 0
	load := func(ctx context.Context) (string, error) {
		calls++
		return fmt.Sprintf("v%d", calls), nil
	}

	v, err := l.GetOrLoad(context.Background(), "k", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	require.NoError(t, l.Invalidate(context.Background(), "k"))
	v, err = l.GetOrLoad(context.Background(), "k", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestLoaderPropagatesLoadError(t *testing.T) {
	l := NewLoader(NewMemory())
	boom := errors.New("upstream down")
	_, err := l.GetOrLoad(context.Background(), "k", time.Minute, func(ctx context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestRateLimiterEnforcesBurstPerWindow(t *testing.T) {
	now := time.Now()
	m := NewMemory()
	m.SetClock(func() time.Time { return now })
	rl := NewRateLimiter(m, map[string]BucketPolicy{
		"login": {Burst: 3, Window: time.Minute},
	})
	rl.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(context.Background(), "login", "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d inside burst denied", i)
	}
	ok, err := rl.Allow(context.Background(), "login", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Another subject has its own bucket.
	ok, err = rl.Allow(context.Background(), "login", "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok)

	// The next window starts fresh.
	now = now.Add(time.Minute + time.Second)
	ok, err = rl.Allow(context.Background(), "login", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPolicyFromRateDerivesWindow(t *testing.T) {
	// 10 tokens refilling at 10/60 per second is a 10-per-minute policy.
	p := PolicyFromRate(10, 10.0/60.0)
	assert.Equal(t, 10, p.Burst)
	assert.Equal(t, time.Minute, p.Window)

	p = PolicyFromRate(5, 1)
	assert.Equal(t, 5*time.Second, p.Window)

	// A zero rate falls back to a sane window instead of dividing by zero.
	p = PolicyFromRate(3, 0)
	assert.Equal(t, time.Minute, p.Window)
}

func TestRateLimiterUnknownEndpointIsUnlimited(t *testing.T) {
	rl := NewRateLimiter(NewMemory(), map[string]BucketPolicy{})
	for i := 0; i < 100; i++ {
		ok, err := rl.Allow(context.Background(), "anything", "subject")
		require.NoError(t, err)
		require.True(t, ok)
	}
}
