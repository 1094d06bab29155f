package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobcluster/pkg/logx"
)

func openTestStore(t *testing.T) QueueStore {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "bogus"}, logx.Nop())
	assert.Error(t, err)
}

func TestPendingClaimDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	base := time.Now().Add(-time.Minute)
	require.NoError(t, st.Insert(ctx, QueueRow{ID: "a", Channel: "jobs", Data: []byte(`{"job":"x.y"}`), Mtime: base}))
	require.NoError(t, st.Insert(ctx, QueueRow{ID: "b", Channel: "jobs", Data: []byte(`{}`), Mtime: base.Add(time.Second)}))
	require.NoError(t, st.Insert(ctx, QueueRow{ID: "c", Channel: "other", Data: []byte(`{}`), Mtime: base}))

	rows, err := st.Pending(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].ID)
	assert.Equal(t, `{"job":"x.y"}`, string(rows[0].Data))

	ok, err := st.Claim(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	rows, err = st.Pending(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0].ID)

	require.NoError(t, st.Release(ctx, "a"))
	rows, err = st.Pending(ctx, "jobs", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, st.Delete(ctx, "a"))
	rows, err = st.Pending(ctx, "jobs", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.Insert(ctx, QueueRow{ID: "row", Channel: "jobs", Data: []byte(`{}`)}))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.Claim(ctx, "row")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	// The loser retrying changes nothing.
	ok, err := st.Claim(ctx, "row")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaleCountsHiddenRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Insert(ctx, QueueRow{ID: "x", Channel: "jobs", Data: []byte(`{}`)}))
	ok, err := st.Claim(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := st.Stale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = st.Stale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
