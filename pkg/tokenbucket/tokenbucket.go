// Package tokenbucket implements a token bucket rate limiter whose whole
// state round-trips through a short string, so it can live in a cache entry
// and be shared by processes that take turns updating it.
//
// Refill is lazy: tokens are recomputed from the elapsed wall-clock time on
// every consult, there is no background timer.
package tokenbucket

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const DefaultInterval = time.Second

type Bucket struct {
	rate     float64
	max      float64
	interval time.Duration
	tokens   float64
	last     time.Time
}

// New returns a full bucket. max defaults to rate and interval to one second.
func New(rate, max float64, interval time.Duration) *Bucket {
	b := &Bucket{}
	b.Configure(rate, max, interval)
	return b
}

// Configure resets the bucket to a full state with the given parameters.
func (b *Bucket) Configure(rate, max float64, interval time.Duration) {
	b.configureAt(rate, max, interval, time.Now())
}

func (b *Bucket) configureAt(rate, max float64, interval time.Duration, now time.Time) {
	if rate < 0 {
		rate = 0
	}
	if max <= 0 {
		max = rate
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	b.rate = rate
	b.max = max
	b.interval = interval
	b.tokens = max
	b.last = now
}

// Equal reports whether the bucket already runs with these parameters,
// applying the same defaults as Configure.
func (b *Bucket) Equal(rate, max float64, interval time.Duration) bool {
	if max <= 0 {
		max = rate
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return b.rate == rate && b.max == max && b.interval == interval
}

func (b *Bucket) Rate() float64           { return b.rate }
func (b *Bucket) Max() float64            { return b.max }
func (b *Bucket) Interval() time.Duration { return b.interval }
func (b *Bucket) Tokens() float64         { return b.tokens }

func (b *Bucket) refill(now time.Time) {
	if b.tokens >= b.max {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.max, b.tokens+b.rate*float64(elapsed)/float64(b.interval))
	b.last = now
}

// Consume takes n tokens if available and reports whether it did.
func (b *Bucket) Consume(n float64) bool { return b.ConsumeAt(n, time.Now()) }

func (b *Bucket) ConsumeAt(n float64, now time.Time) bool {
	b.refill(now)
	if n > b.tokens {
		return false
	}
	b.tokens -= n
	if b.tokens < 0 {
		b.tokens = 0
	}
	return true
}

// Delay returns how long until n tokens are available, 0 if they already are.
func (b *Bucket) Delay(n float64) time.Duration { return b.DelayAt(n, time.Now()) }

func (b *Bucket) DelayAt(n float64, now time.Time) time.Duration {
	b.refill(now)
	missing := n - b.tokens
	if missing <= 0 {
		return 0
	}
	if b.rate <= 0 {
		return b.interval
	}
	ms := math.Ceil(missing * float64(b.interval.Milliseconds()) / b.rate)
	return time.Duration(ms) * time.Millisecond
}

// String serializes the bucket as "rate,max,interval_ms,tokens,last_unix_ms".
func (b *Bucket) String() string {
	return strings.Join([]string{
		strconv.FormatFloat(b.rate, 'f', -1, 64),
		strconv.FormatFloat(b.max, 'f', -1, 64),
		strconv.FormatInt(b.interval.Milliseconds(), 10),
		strconv.FormatFloat(b.tokens, 'f', -1, 64),
		strconv.FormatInt(b.last.UnixMilli(), 10),
	}, ",")
}

// Parse restores a bucket produced by String.
func Parse(s string) (*Bucket, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 5 {
		return nil, fmt.Errorf("tokenbucket: invalid state %q", s)
	}
	var nums [5]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("tokenbucket: invalid field %d in %q: %w", i, s, err)
		}
		nums[i] = v
	}
	b := &Bucket{}
	b.configureAt(nums[0], nums[1], time.Duration(nums[2])*time.Millisecond, time.UnixMilli(int64(nums[4])))
	b.tokens = math.Max(0, math.Min(b.max, nums[3]))
	return b, nil
}
