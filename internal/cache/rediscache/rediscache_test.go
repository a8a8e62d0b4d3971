package rediscache

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSet(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	b, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), b)

	_, ok, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	// limit=3, window=10s: три вызова на t=0 проходят, четвёртый на t=5
	// отклоняется, пятый на t=11 (первый маркер истёк) проходит.
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return base }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d, err := rl.Allow(ctx, "ip:1.2.3.4", 3, 10*time.Second)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, int64(2-i), d.Remaining)
	}

	rl.now = func() time.Time { return base.Add(5 * time.Second) }
	d, err := rl.Allow(ctx, "ip:1.2.3.4", 3, 10*time.Second)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, int64(0), d.Remaining)
	// reset = oldest marker + window
	require.Equal(t, base.Add(10*time.Second).UnixMilli(), d.ResetAtMs)

	rl.now = func() time.Time { return base.Add(11 * time.Second) }
	d, err = rl.Allow(ctx, "ip:1.2.3.4", 3, 10*time.Second)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestRateLimiter_IndependentIdentifiers(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	ctx := context.Background()
	d, err := rl.Allow(ctx, "ip:a", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = rl.Allow(ctx, "ip:a", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = rl.Allow(ctx, "ip:b", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestDeduper_Claim(t *testing.T) {
	mr := miniredis.RunT(t)
	d := NewDeduper(mr.Addr())

	ctx := context.Background()
	dup, origID, err := d.Claim(ctx, "fp1", 5*time.Minute)
	require.NoError(t, err)
	require.False(t, dup)
	require.Empty(t, origID)

	// победитель ещё не записал id события
	dup, origID, err = d.Claim(ctx, "fp1", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, dup)
	require.Empty(t, origID)

	require.NoError(t, d.Record(ctx, "fp1", "evt-1", 5*time.Minute))
	dup, origID, err = d.Claim(ctx, "fp1", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, "evt-1", origID)

	mr.FastForward(5*time.Minute + time.Second)
	dup, origID, err = d.Claim(ctx, "fp1", 5*time.Minute)
	require.NoError(t, err)
	require.False(t, dup)
	require.Empty(t, origID)
}

func TestDeduper_Claim_ConcurrentSingleWinner(t *testing.T) {
	mr := miniredis.RunT(t)
	d := NewDeduper(mr.Addr())

	const n = 32
	var wg sync.WaitGroup
	winners := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dup, _, err := d.Claim(context.Background(), "fp-race", time.Minute)
			require.NoError(t, err)
			if !dup {
				winners <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	require.Equal(t, 1, count)
}
