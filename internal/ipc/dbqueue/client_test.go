package dbqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobcluster/internal/errs"
	"jobcluster/internal/ipc"
	"jobcluster/internal/storage"
	logx "jobcluster/pkg/logx"
)

func newStore(t *testing.T) storage.QueueStore {
	t.Helper()
	s, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newClient(t *testing.T, s storage.QueueStore) *Client {
	t.Helper()
	c := New("db", "db://", s, false, map[string]string{"interval": "20"}, logx.Nop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAckDeletesRow(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newStore(t)
	c := newClient(t, s)

	require.NoError(t, c.Publish(ctx, "jobs", []byte(`{"job":"a.b"}`), ipc.Options{}))

	got := make(chan string, 1)
	require.NoError(t, c.Subscribe(ctx, "jobs", ipc.Options{}, func(_ context.Context, data []byte, ack ipc.AckFunc) {
		got <- string(data)
		ack(nil)
	}))

	select {
	case d := <-got:
		assert.Equal(t, `{"job":"a.b"}`, d)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	assert.Eventually(t, func() bool {
		rows, _ := s.Pending(ctx, "jobs", 10)
		n, _ := s.Stale(ctx, time.Now().Add(time.Hour))
		return len(rows) == 0 && n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRetryableAckRedelivers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newClient(t, newStore(t))

	require.NoError(t, c.Publish(ctx, "jobs", []byte("x"), ipc.Options{}))

	var calls atomic.Int32
	require.NoError(t, c.Subscribe(ctx, "jobs", ipc.Options{}, func(_ context.Context, _ []byte, ack ipc.AckFunc) {
		if calls.Add(1) == 1 {
			ack(errs.New(errs.StatusUnavailable, "backend down"))
			return
		}
		ack(nil)
	}))

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestTerminalAckDropsRow(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newStore(t)
	c := newClient(t, s)

	require.NoError(t, c.Publish(ctx, "jobs", []byte("x"), ipc.Options{}))

	var calls atomic.Int32
	acked := make(chan struct{})
	require.NoError(t, c.Subscribe(ctx, "jobs", ipc.Options{}, func(_ context.Context, _ []byte, ack ipc.AckFunc) {
		if calls.Add(1) == 1 {
			ack(errs.New(errs.StatusBadRequest, "bad job"))
			close(acked)
		}
	}))

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	assert.Eventually(t, func() bool {
		rows, _ := s.Pending(ctx, "jobs", 10)
		n, _ := s.Stale(ctx, time.Now().Add(time.Hour))
		return len(rows) == 0 && n == 0
	}, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompetingConsumersDeliverOnce(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newStore(t)
	a, b := newClient(t, s), newClient(t, s)

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, a.Publish(ctx, "jobs", []byte{byte('a' + i)}, ipc.Options{}))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	h := func(_ context.Context, data []byte, ack ipc.AckFunc) {
		mu.Lock()
		seen[string(data)]++
		mu.Unlock()
		ack(nil)
	}
	require.NoError(t, a.Subscribe(ctx, "jobs", ipc.Options{}, h))
	require.NoError(t, b.Subscribe(ctx, "jobs", ipc.Options{}, h))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for k, v := range seen {
		assert.Equal(t, 1, v, "message %s", k)
	}
}

func TestFactoryNeedsStore(t *testing.T) {
	t.Parallel()

	u, opts, err := ipc.ParseURL("db://", nil)
	require.NoError(t, err)
	_, err = NewFactory(nil, logx.Nop())(ipc.ClientConfig{Name: "q", URL: u, RawURL: "db://", Options: opts})
	assert.ErrorIs(t, err, storage.ErrDisabled)

	u, opts, err = ipc.ParseURL("db://memory?bk-count=5", nil)
	require.NoError(t, err)
	cl, err := NewFactory(nil, logx.Nop())(ipc.ClientConfig{Name: "q", URL: u, RawURL: "db://memory", Options: opts})
	require.NoError(t, err)
	assert.Equal(t, 5, cl.(*Client).count)
	require.NoError(t, cl.Close())
}
