package tokenbucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeDrainsAndRefills(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	b := &Bucket{}
	b.configureAt(10, 10, time.Second, now)

	// A new bucket starts full, so a burst up to max passes.
	assert.True(t, b.ConsumeAt(5, now))
	assert.True(t, b.ConsumeAt(5, now))
	assert.False(t, b.ConsumeAt(5, now), "bucket should be empty")
	assert.False(t, b.ConsumeAt(1, now.Add(50*time.Millisecond)))

	// One token period at rate 10/s is 100ms.
	assert.True(t, b.ConsumeAt(1, now.Add(100*time.Millisecond)))
}

func TestRefillCappedAtMax(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	b := &Bucket{}
	b.configureAt(10, 10, time.Second, now)
	require.True(t, b.ConsumeAt(10, now))

	b.refill(now.Add(time.Hour))
	assert.Equal(t, float64(10), b.Tokens())
}

func TestDelay(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	b := &Bucket{}
	b.configureAt(10, 10, time.Second, now)

	assert.Equal(t, time.Duration(0), b.DelayAt(10, now))
	require.True(t, b.ConsumeAt(10, now))
	assert.Equal(t, 300*time.Millisecond, b.DelayAt(3, now))
}

func TestEqualAppliesDefaults(t *testing.T) {
	t.Parallel()
	b := New(5, 0, 0)
	assert.True(t, b.Equal(5, 5, time.Second))
	assert.True(t, b.Equal(5, 0, 0))
	assert.False(t, b.Equal(6, 0, 0))
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1700000000123)
	b := &Bucket{}
	b.configureAt(10, 20, 2*time.Second, now)
	require.True(t, b.ConsumeAt(7, now))

	got, err := Parse(b.String())
	require.NoError(t, err)
	assert.Equal(t, b.String(), got.String())
	assert.Equal(t, float64(13), got.Tokens())
	assert.True(t, got.Equal(10, 20, 2*time.Second))

	_, err = Parse("1,2,3")
	assert.Error(t, err)
}
