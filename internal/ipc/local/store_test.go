package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobcluster/internal/ipc"
)

func TestStoreExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := NewStore(10)
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(ctx, "a", "1", ipc.Options{TTL: time.Second}))
	v, err := s.Get(ctx, "a", ipc.Options{})
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	now = now.Add(time.Second)
	_, err = s.Get(ctx, "a", ipc.Options{})
	assert.ErrorIs(t, err, ipc.ErrNotFound)
}

func TestStoreGetSetsInitialValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := NewStore(10)
	require.NoError(t, err)

	v, err := s.Get(ctx, "k", ipc.Options{Set: "init"})
	require.NoError(t, err)
	assert.Equal(t, "init", v)

	v, err = s.Get(ctx, "k", ipc.Options{Set: "other"})
	require.NoError(t, err)
	assert.Equal(t, "init", v)
}

func TestStoreIncr(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := NewStore(10)
	require.NoError(t, err)

	n, err := s.Incr(ctx, "c", 2, ipc.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = s.Incr(ctx, "c", -5, ipc.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(-3), n)

	require.NoError(t, s.Put(ctx, "s", "abc", ipc.Options{}))
	_, err = s.Incr(ctx, "s", 1, ipc.Options{})
	assert.Error(t, err)
}

func TestStoreEvictsLeastRecent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := NewStore(2)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "a", "1", ipc.Options{}))
	require.NoError(t, s.Put(ctx, "b", "2", ipc.Options{}))
	_, _ = s.Get(ctx, "a", ipc.Options{})
	require.NoError(t, s.Put(ctx, "c", "3", ipc.Options{}))

	ok, _ := s.Exists(ctx, "b")
	assert.False(t, ok)
	ok, _ = s.Exists(ctx, "a")
	assert.True(t, ok)
}

func TestStoreKeysAndClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := NewStore(10)
	require.NoError(t, err)

	for _, k := range []string{"user:1", "user:2", "job:1"} {
		require.NoError(t, s.Put(ctx, k, "x", ipc.Options{}))
	}
	keys, err := s.Keys(ctx, "user:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, keys)

	require.NoError(t, s.Clear(ctx, "user:*"))
	keys, _ = s.Keys(ctx, "")
	assert.Equal(t, []string{"job:1"}, keys)
}

func TestStoreQueueFIFO(t *testing.T) {
	t.Parallel()
	s, err := NewStore(10)
	require.NoError(t, err)

	s.Push("q", "1")
	s.Push("q", "2")
	v, ok := s.Pop("q")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	v, _ = s.Pop("q")
	assert.Equal(t, "2", v)
	_, ok = s.Pop("q")
	assert.False(t, ok)
}
