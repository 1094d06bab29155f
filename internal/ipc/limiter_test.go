package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobcluster/internal/eventbus"
)

func TestLimiterSharesBucketThroughCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMemCache()
	b := NewBus(RoleMaster)
	b.ServeLimiter(store)

	lo := LimiterOptions{Name: "api", Rate: 2, Max: 2, Interval: time.Second, Consume: 1}
	assert.Equal(t, time.Duration(0), b.Limiter(ctx, nil, lo))
	assert.Equal(t, time.Duration(0), b.Limiter(ctx, nil, lo))
	d := b.Limiter(ctx, nil, lo)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 500*time.Millisecond)

	_, err := store.Get(ctx, "TB:api", Options{})
	require.NoError(t, err)
}

func TestLimiterResetsOnNewParameters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b := NewBus(RoleMaster)
	b.ServeLimiter(newMemCache())

	lo := LimiterOptions{Name: "x", Rate: 1, Interval: time.Minute}
	assert.Zero(t, b.Limiter(ctx, nil, lo))
	assert.NotZero(t, b.Limiter(ctx, nil, lo))

	lo.Rate = 5
	assert.Zero(t, b.Limiter(ctx, nil, lo))
}

func TestLimiterFallsBackToIntervalWithoutMaster(t *testing.T) {
	t.Parallel()

	b := NewBus(RoleWorker)
	d := b.Limiter(context.Background(), nil, LimiterOptions{Name: "x", Rate: 1, Interval: 250 * time.Millisecond})
	assert.Equal(t, 250*time.Millisecond, d)

	d = b.Limiter(context.Background(), nil, LimiterOptions{Name: "x", Rate: 1})
	assert.Equal(t, time.Second, d)
}

func TestCheckLimiterWaitsForTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b := NewBus(RoleMaster)
	b.ServeLimiter(newMemCache())
	lo := LimiterOptions{Name: "w", Rate: 10, Max: 1, Interval: time.Second}

	require.NoError(t, b.CheckLimiter(ctx, nil, lo))
	start := time.Now()
	require.NoError(t, b.CheckLimiter(ctx, nil, lo))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCheckLimiterStopsOnCancel(t *testing.T) {
	t.Parallel()

	b := NewBus(RoleMaster)
	b.ServeLimiter(newMemCache())
	lo := LimiterOptions{Name: "c", Rate: 1, Interval: time.Hour}
	require.NoError(t, b.CheckLimiter(context.Background(), nil, lo))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.CheckLimiter(ctx, nil, lo), context.DeadlineExceeded)
}

func TestCheckTimer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newMemCache()

	ok, err := CheckTimer(ctx, c, "sync", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckTimer(ctx, c, "sync", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ResetTimer(ctx, c, "sync"))
	ok, err = CheckTimer(ctx, c, "sync", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestServeLimiterPublishesResult(t *testing.T) {
	t.Parallel()
	events := eventbus.New()
	ch, unsub := events.SubscribePrefix(eventbus.LimiterChecked, 4)
	defer unsub()

	b := NewBus(RoleMaster, WithEvents(events))
	b.ServeLimiter(newMemCache())
	lo := LimiterOptions{Name: "ev", Rate: 1, Interval: time.Minute}
	b.Limiter(context.Background(), nil, lo)
	b.Limiter(context.Background(), nil, lo)

	var got []LimiterResult
	for len(got) < 2 {
		select {
		case e := <-ch:
			got = append(got, e.Data.(LimiterResult))
		case <-time.After(time.Second):
			t.Fatal("no limiter event")
		}
	}
	assert.True(t, got[0].Consumed)
	assert.False(t, got[1].Consumed)
	assert.Greater(t, got[1].Delay, time.Duration(0))
	assert.Equal(t, "ev", got[1].Name)
}

func TestLimiterWithoutRateAdmits(t *testing.T) {
	t.Parallel()
	b := NewBus(RoleMaster)
	b.ServeLimiter(newMemCache())

	assert.Zero(t, b.Limiter(context.Background(), nil, LimiterOptions{Name: "x"}))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.CheckLimiter(ctx, nil, LimiterOptions{Name: "x", Interval: time.Second}))
	}

	// the master side admits a worker that asks without a rate
	r, err := b.Request(context.Background(), &Msg{Op: OpLimiter, Name: "y"})
	require.NoError(t, err)
	assert.True(t, r.Consumed)
	assert.Zero(t, r.Delay)
}
