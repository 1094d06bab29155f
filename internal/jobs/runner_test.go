package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobcluster/internal/errs"
	"jobcluster/internal/eventbus"
	"jobcluster/internal/ipc"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func newTestRegistry(t *testing.T, log *callLog) *Registry {
	t.Helper()
	reg := NewRegistry()
	record := func(name string, err error) Handler {
		return func(ctx context.Context, opts Options) error {
			log.add(name + ":start")
			time.Sleep(opts.Duration("ms", 0))
			log.add(name + ":end")
			return err
		}
	}
	require.NoError(t, reg.Register("a", "b", record("a.b", nil)))
	require.NoError(t, reg.Register("c", "d", record("c.d", nil)))
	require.NoError(t, reg.Register("t", "fail", record("t.fail", errs.New(errs.StatusBadRequest, "boom"))))
	require.NoError(t, reg.Register("t", "panic", func(context.Context, Options) error { panic("kaboom") }))
	return reg
}

func TestRunJobSequenceOrder(t *testing.T) {
	t.Parallel()
	log := &callLog{}
	r := NewRunner(newTestRegistry(t, log))

	spec, err := IsJob(`{"job":[{"a.b":{"ms":30}},"c.d"]}`)
	require.NoError(t, err)
	require.NoError(t, r.RunJob(context.Background(), spec))
	assert.Equal(t, []string{"a.b:start", "a.b:end", "c.d:start", "c.d:end"}, log.get())
}

func TestRunJobGroupRunsConcurrently(t *testing.T) {
	t.Parallel()
	log := &callLog{}
	r := NewRunner(newTestRegistry(t, log))

	spec, err := IsJob(`{"job":{"a.b":{"ms":100},"c.d":{"ms":100}}}`)
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, r.RunJob(context.Background(), spec))
	assert.Less(t, time.Since(start), 190*time.Millisecond)
	calls := log.get()
	require.Len(t, calls, 4)
	assert.ElementsMatch(t, []string{"a.b:start", "c.d:start"}, calls[:2])
}

func TestRunJobNoErrors(t *testing.T) {
	t.Parallel()

	log := &callLog{}
	r := NewRunner(newTestRegistry(t, log))
	spec, err := IsJob(`{"job":["t.fail","a.b"],"noerrors":true}`)
	require.NoError(t, err)
	err = r.RunJob(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, errs.StatusBadRequest, errs.Status(err))
	assert.Equal(t, []string{"t.fail:start", "t.fail:end"}, log.get())

	log2 := &callLog{}
	r2 := NewRunner(newTestRegistry(t, log2))
	spec, err = IsJob(`{"job":["t.fail","a.b"]}`)
	require.NoError(t, err)
	require.NoError(t, r2.RunJob(context.Background(), spec))
	assert.Equal(t, []string{"t.fail:start", "t.fail:end", "a.b:start", "a.b:end"}, log2.get())
}

func TestRunTaskUnknown(t *testing.T) {
	t.Parallel()
	r := NewRunner(NewRegistry())
	err := r.RunTask(context.Background(), "no.such", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTask))
	assert.Equal(t, errs.StatusNotFound, errs.Status(err))
	assert.False(t, errs.Retryable(err))
}

func TestRunTaskPanicBecomesError(t *testing.T) {
	t.Parallel()
	r := NewRunner(newTestRegistry(t, &callLog{}))
	err := r.RunTask(context.Background(), "t.panic", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, errs.StatusInternal, errs.Status(err))
	assert.Empty(t, r.Running())
}

func TestRunTaskTracksRunningAndNotifies(t *testing.T) {
	t.Parallel()

	bus := ipc.NewBus(ipc.RoleMaster)
	var mu sync.Mutex
	var ops []*ipc.Msg
	record := func(_ context.Context, _ ipc.Sender, m *ipc.Msg) {
		mu.Lock()
		ops = append(ops, m.Clone())
		mu.Unlock()
	}
	bus.OnServer(ipc.OpJobsStart, record)
	bus.OnServer(ipc.OpJobsStop, record)

	events := eventbus.New()
	ch, unsub := events.SubscribePrefix("task.", 8)
	defer unsub()

	reg := NewRegistry()
	r := NewRunner(reg, WithRunnerBus(bus), WithRunnerEvents(events))
	seen := make(chan []string, 1)
	require.NoError(t, reg.Register("m", "look", func(context.Context, Options) error {
		seen <- r.Running()
		return errs.New(errs.StatusUnavailable, "later")
	}))

	err := r.RunTask(context.Background(), "m.look", nil)
	require.Error(t, err)
	assert.Equal(t, []string{"m.look"}, <-seen)
	assert.Empty(t, r.Running())
	assert.False(t, r.RunTime().IsZero())

	mu.Lock()
	require.Len(t, ops, 2)
	assert.Equal(t, ipc.OpJobsStart, ops[0].Op)
	assert.Equal(t, "m.look", ops[0].Task)
	assert.Equal(t, ipc.OpJobsStop, ops[1].Op)
	assert.Equal(t, errs.StatusUnavailable, ops[1].Status)
	mu.Unlock()

	assert.Equal(t, eventbus.TaskStarted, (<-ch).Type)
	ev := <-ch
	assert.Equal(t, eventbus.TaskFailed, ev.Type)
	assert.Equal(t, errs.StatusUnavailable, ev.Data.(TaskEvent).Status)
}

func TestRegistryRejectsBadNames(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	h := func(context.Context, Options) error { return nil }
	assert.Error(t, reg.Register("Bad", "x", h))
	assert.Error(t, reg.Register("a", "b.c", h))
	assert.Error(t, reg.Register("a", "b", nil))
	require.NoError(t, reg.RegisterModule("core", map[string]Handler{"noop": h, "sleep": h}))
	assert.Equal(t, []string{"core.noop", "core.sleep"}, reg.Names())
}
