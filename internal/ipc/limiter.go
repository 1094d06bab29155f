package ipc

import (
	"context"
	"errors"
	"sync"
	"time"

	"jobcluster/internal/eventbus"
	"jobcluster/pkg/tokenbucket"
	logx "jobcluster/pkg/logx"
)

const limiterKeyPrefix = "TB:"

// LimiterResult is the data of an eventbus.LimiterChecked event.
type LimiterResult struct {
	Name     string
	Consumed bool
	Delay    time.Duration
}

// ServeLimiter installs the master-side ipc:limiter handler. Bucket state is
// kept in store as its string form, so every consult is load, consume, save
// under one lock.
func (b *Bus) ServeLimiter(store Cache) {
	var mu sync.Mutex
	b.OnServer(OpLimiter, func(ctx context.Context, from Sender, m *Msg) {
		mu.Lock()
		defer mu.Unlock()

		consumed, delay, err := consumeBucket(ctx, store, LimiterOptions{
			Name:     m.Name,
			Rate:     m.Rate,
			Max:      m.Max,
			Interval: m.IntervalDuration(),
			Consume:  m.Consume,
		})
		if err != nil {
			m.SetError(err)
		}
		if b.events != nil {
			b.events.Publish(eventbus.Event{
				Type: eventbus.LimiterChecked,
				Time: time.Now(),
				Data: LimiterResult{Name: m.Name, Consumed: consumed, Delay: delay},
			})
		}
		m.Consumed = consumed
		m.Delay = delay.Milliseconds()
		_ = Reply(from, m)
	})
}

func consumeBucket(ctx context.Context, store Cache, lo LimiterOptions) (bool, time.Duration, error) {
	if lo.Rate <= 0 {
		return true, 0, nil
	}
	key := limiterKeyPrefix + lo.Name
	var tb *tokenbucket.Bucket
	if s, err := store.Get(ctx, key, Options{}); err == nil && s != "" {
		if parsed, perr := tokenbucket.Parse(s); perr == nil {
			tb = parsed
		}
	}
	if tb == nil || !tb.Equal(lo.Rate, lo.Max, lo.Interval) {
		tb = tokenbucket.New(lo.Rate, lo.Max, lo.Interval)
	}
	n := lo.Consume
	if n <= 0 {
		n = 1
	}
	ok := tb.Consume(n)
	delay := time.Duration(0)
	if !ok {
		delay = tb.Delay(n)
	}
	return ok, delay, store.Put(ctx, key, tb.String(), Options{})
}

// Limiter consumes from the named bucket and returns how long to wait before
// retrying, 0 when the tokens were taken. A queue backend with native limiter
// support is used first; otherwise the master is asked over the bus. On any
// failure the wait falls back to the bucket interval, or one second. A
// bucket without a rate never limits.
func (b *Bus) Limiter(ctx context.Context, q Queue, lo LimiterOptions) time.Duration {
	if lo.Rate <= 0 {
		return 0
	}
	fallback := lo.Interval
	if fallback <= 0 {
		fallback = time.Second
	}
	if q != nil {
		d, err := q.Limiter(ctx, lo)
		if err == nil {
			return d
		}
		if !errors.Is(err, ErrNotSupported) {
			b.log.Warn("ipc: limiter backend failed", logx.String("name", lo.Name), logx.Err(err))
			return fallback
		}
	}
	r, err := b.Request(ctx, &Msg{
		Op:       OpLimiter,
		Name:     lo.Name,
		Rate:     lo.Rate,
		Max:      lo.Max,
		Interval: lo.Interval.Milliseconds(),
		Consume:  lo.Consume,
	})
	if err != nil {
		b.log.Warn("ipc: limiter request failed", logx.String("name", lo.Name), logx.Err(err))
		return fallback
	}
	if r.Consumed {
		return 0
	}
	if r.Delay <= 0 {
		return fallback
	}
	return time.Duration(r.Delay) * time.Millisecond
}

// CheckLimiter blocks until the bucket admits the caller or ctx is done.
func (b *Bus) CheckLimiter(ctx context.Context, q Queue, lo LimiterOptions) error {
	for {
		d := b.Limiter(ctx, q, lo)
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
