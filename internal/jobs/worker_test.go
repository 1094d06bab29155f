package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobcluster/internal/errs"
	"jobcluster/internal/ipc"
)

type fakeQueue struct {
	ipc.BaseClient

	mu           sync.Mutex
	handler      ipc.MessageHandler
	published    [][]byte
	unsubscribed int
}

func (q *fakeQueue) Publish(_ context.Context, _ string, data []byte, _ ipc.Options) error {
	q.mu.Lock()
	q.published = append(q.published, data)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, _ string, _ ipc.Options, h ipc.MessageHandler) error {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) Unsubscribe(context.Context, string) error {
	q.mu.Lock()
	q.handler = nil
	q.unsubscribed++
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) deliver(t *testing.T, data string) <-chan error {
	t.Helper()
	q.mu.Lock()
	h := q.handler
	q.mu.Unlock()
	require.NotNil(t, h, "not subscribed")
	acked := make(chan error, 1)
	h(context.Background(), []byte(data), func(err error) { acked <- err })
	return acked
}

// deliverUnacked hands data over the way a pop-based queue does: the message
// has already left the queue and there is no ack to requeue it.
func (q *fakeQueue) deliverUnacked(t *testing.T, ctx context.Context, data string) <-chan struct{} {
	t.Helper()
	q.mu.Lock()
	h := q.handler
	q.mu.Unlock()
	require.NotNil(t, h, "not subscribed")
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		h(ctx, []byte(data), nil)
	}()
	return returned
}

func newTestWorker(t *testing.T, cfg WorkerConfig, reg *Registry, opts ...WorkerOption) (*Worker, *fakeQueue) {
	t.Helper()
	q := &fakeQueue{}
	bus := ipc.NewBus(ipc.RoleMaster)
	w := NewWorker(cfg, bus, NewRunner(reg), func() ipc.Queue { return q }, opts...)
	require.NoError(t, w.Subscribe(context.Background()))
	return w, q
}

func TestWorkerAcksResults(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	require.NoError(t, reg.Register("ok", "run", func(context.Context, Options) error { return nil }))
	require.NoError(t, reg.Register("bad", "run", func(context.Context, Options) error {
		return errs.New(errs.StatusUnavailable, "retry me")
	}))
	_, q := newTestWorker(t, WorkerConfig{}, reg)

	assert.NoError(t, <-q.deliver(t, `{"job":"ok.run"}`))

	err := <-q.deliver(t, `{"job":"bad.run","noerrors":true}`)
	assert.True(t, errs.Retryable(err))

	// without noerrors task failures are only logged
	assert.NoError(t, <-q.deliver(t, `{"job":"bad.run"}`))

	err = <-q.deliver(t, `{"job":"Not Valid"}`)
	require.Error(t, err)
	assert.Equal(t, errs.StatusBadRequest, errs.Status(err))
}

func TestWorkerConcurrencyLimit(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	cur, peak := 0, 0
	reg := NewRegistry()
	require.NoError(t, reg.Register("slow", "run", func(context.Context, Options) error {
		mu.Lock()
		cur++
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(40 * time.Millisecond)
		mu.Lock()
		cur--
		mu.Unlock()
		return nil
	}))
	_, q := newTestWorker(t, WorkerConfig{Concurrency: 2}, reg)

	var acks []<-chan error
	for i := 0; i < 5; i++ {
		acks = append(acks, q.deliver(t, `"slow.run"`))
	}
	for _, a := range acks {
		assert.NoError(t, <-a)
	}
	assert.Equal(t, 2, peak)
}

func TestWorkerLimits(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	now := time.Unix(5000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	release := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register("stuck", "run", func(context.Context, Options) error {
		<-release
		return nil
	}))
	q := &fakeQueue{}
	runner := NewRunner(reg)
	runner.now = clock
	w := NewWorker(WorkerConfig{MaxRuntime: time.Minute, MaxLifetime: time.Hour}, ipc.NewBus(ipc.RoleMaster), runner,
		func() ipc.Queue { return q }, WithWorkerClock(clock))
	require.NoError(t, w.Subscribe(context.Background()))

	ack := q.deliver(t, `"stuck.run"`)
	assert.Eventually(t, func() bool { return len(runner.Running()) == 1 }, time.Second, 5*time.Millisecond)

	advance(30 * time.Second)
	assert.NoError(t, w.Check())
	advance(31 * time.Second)
	assert.ErrorIs(t, w.Check(), ErrMaxRuntime)

	// lifetime only counts while idle
	advance(2 * time.Hour)
	assert.ErrorIs(t, w.Check(), ErrMaxRuntime)
	close(release)
	assert.NoError(t, <-ack)
	assert.ErrorIs(t, w.Check(), ErrMaxLifetime)
}

func TestWorkerDrainWaitsForRunningJob(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register("slow", "run", func(context.Context, Options) error {
		<-release
		return nil
	}))
	w, q := newTestWorker(t, WorkerConfig{}, reg)
	ack := q.deliver(t, `"slow.run"`)

	drained := make(chan struct{})
	go func() {
		w.Drain(context.Background())
		close(drained)
	}()

	assert.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.unsubscribed == 1
	}, time.Second, 5*time.Millisecond)
	select {
	case <-drained:
		t.Fatal("drain returned with a job running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	assert.NoError(t, <-ack)
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain did not finish")
	}

	// a drained worker does not subscribe again
	require.NoError(t, w.Subscribe(context.Background()))
	q.mu.Lock()
	assert.Nil(t, q.handler)
	q.mu.Unlock()
}

func TestWorkerRunRestart(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	bus := ipc.NewBus(ipc.RoleWorker)
	var mu sync.Mutex
	var sent []string
	bus.Connect(ipc.SenderFunc(func(m *ipc.Msg) error {
		mu.Lock()
		sent = append(sent, m.Op)
		mu.Unlock()
		return nil
	}))
	w := NewWorker(WorkerConfig{PingInterval: 20 * time.Millisecond}, bus, NewRunner(NewRegistry()), func() ipc.Queue { return q })

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		hasReady, hasPing := false, false
		for _, op := range sent {
			hasReady = hasReady || op == ipc.OpWorkerReady
			hasPing = hasPing || op == ipc.OpWorkerPing
		}
		return hasReady && hasPing
	}, time.Second, 5*time.Millisecond)

	bus.HandleWorker(context.Background(), nil, &ipc.Msg{Op: ipc.OpWorkerRestart})
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRestart)
	case <-time.After(time.Second):
		t.Fatal("worker did not exit on restart")
	}
	q.mu.Lock()
	assert.Equal(t, 1, q.unsubscribed)
	q.mu.Unlock()
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	spec, err := Submit(context.Background(), q, "", "mod.run")
	require.NoError(t, err)
	assert.Equal(t, []string{"mod.run"}, spec.Tasks())
	require.Len(t, q.published, 1)
	assert.JSONEq(t, `{"job":{"mod.run":{}}}`, string(q.published[0]))

	_, err = Submit(context.Background(), q, "", "bad")
	assert.Equal(t, errs.StatusBadRequest, errs.Status(err))
	assert.Len(t, q.published, 1)
}

func TestWorkerRunsUnackedMessageDuringDrain(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	fastRuns := make(chan struct{}, 1)
	reg := NewRegistry()
	require.NoError(t, reg.Register("t", "slow", func(context.Context, Options) error {
		<-release
		return nil
	}))
	require.NoError(t, reg.Register("t", "fast", func(context.Context, Options) error {
		fastRuns <- struct{}{}
		return nil
	}))
	w, q := newTestWorker(t, WorkerConfig{Concurrency: 1}, reg)

	subCtx, cancelSub := context.WithCancel(context.Background())
	<-q.deliverUnacked(t, subCtx, `"t.slow"`)
	waiting := q.deliverUnacked(t, subCtx, `"t.fast"`)

	drained := make(chan struct{})
	go func() {
		w.Drain(context.Background())
		close(drained)
	}()
	// the subscription ends while t.fast waits for the slot
	cancelSub()
	select {
	case <-drained:
		t.Fatal("drain returned with a message in hand")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-fastRuns:
	case <-time.After(time.Second):
		t.Fatal("popped message was not run")
	}
	<-waiting
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain did not finish")
	}
}

func TestWorkerKeepsPingingWhileDraining(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	bus := ipc.NewBus(ipc.RoleWorker)
	var mu sync.Mutex
	var sent []string
	bus.Connect(ipc.SenderFunc(func(m *ipc.Msg) error {
		mu.Lock()
		sent = append(sent, m.Op)
		mu.Unlock()
		return nil
	}))
	countAfter := func(from int, op string) int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, o := range sent[from:] {
			if o == op {
				n++
			}
		}
		return n
	}
	mark := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(sent)
	}

	release := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register("long", "run", func(context.Context, Options) error {
		<-release
		return nil
	}))
	w := NewWorker(WorkerConfig{PingInterval: 40 * time.Millisecond}, bus, NewRunner(reg), func() ipc.Queue { return q })

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	assert.Eventually(t, func() bool { return countAfter(0, ipc.OpWorkerReady) == 1 }, time.Second, 5*time.Millisecond)

	ack := q.deliver(t, `"long.run"`)
	bus.HandleWorker(context.Background(), nil, &ipc.Msg{Op: ipc.OpWorkerRestart})
	from := mark()

	assert.Eventually(t, func() bool { return countAfter(from, ipc.OpWorkerPing) >= 3 }, time.Second, 5*time.Millisecond,
		"worker stopped pinging while draining")
	select {
	case <-done:
		t.Fatal("restart finished with a task running")
	default:
	}

	close(release)
	assert.NoError(t, <-ack)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRestart)
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after drain")
	}
}
