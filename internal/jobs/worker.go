package jobs

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"jobcluster/internal/errs"
	"jobcluster/internal/ipc"
	logx "jobcluster/pkg/logx"
)

// Reasons a worker Run returns; the process exits with code 0 on each.
var (
	ErrMaxRuntime  = errors.New("jobs: task exceeded max runtime")
	ErrMaxLifetime = errors.New("jobs: worker exceeded max lifetime")
	ErrRestart     = errors.New("jobs: worker restart requested")
)

const (
	DefaultChannel       = "jobs"
	DefaultCheckInterval = 30 * time.Second
	drainPoll            = 50 * time.Millisecond
)

type WorkerConfig struct {
	Channel string
	// MaxRuntime is how long a task may run before the worker is abandoned.
	MaxRuntime time.Duration
	// MaxLifetime recycles an idle worker after it lived this long.
	MaxLifetime   time.Duration
	CheckInterval time.Duration
	Concurrency   int
	// SubscribeDelay is the upper bound of the random delay before the
	// first subscription, so workers started together do not poll in step.
	SubscribeDelay time.Duration
	// PingInterval is the coordinator sweep interval; workers ping at half.
	PingInterval time.Duration
}

// QueueFunc returns the queue client to subscribe to. It is called again on
// every resubscribe so replaced clients are picked up.
type QueueFunc func() ipc.Queue

type WorkerOption func(*Worker)

func WithWorkerLogger(log logx.Logger) WorkerOption { return func(w *Worker) { w.log = log } }

func WithWorkerClock(now func() time.Time) WorkerOption { return func(w *Worker) { w.now = now } }

// Worker consumes jobs from a queue channel inside a worker process.
type Worker struct {
	cfg    WorkerConfig
	bus    *ipc.Bus
	runner *Runner
	queue  QueueFunc
	log    logx.Logger
	now    func() time.Time

	started time.Time
	sem     chan struct{}
	restart chan struct{}

	mu       sync.Mutex
	sub      ipc.Queue
	active   int
	draining bool
	jobs     sync.WaitGroup
}

func NewWorker(cfg WorkerConfig, bus *ipc.Bus, runner *Runner, queue QueueFunc, opts ...WorkerOption) *Worker {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	w := &Worker{
		cfg:     cfg,
		bus:     bus,
		runner:  runner,
		queue:   queue,
		log:     logx.Nop(),
		now:     time.Now,
		sem:     make(chan struct{}, cfg.Concurrency),
		restart: make(chan struct{}, 1),
	}
	for _, o := range opts {
		if o != nil {
			o(w)
		}
	}
	w.log = w.log.With(logx.String("comp", "worker"))
	w.started = w.now()
	return w
}

// Run subscribes to the job channel and blocks until the worker should exit.
// It returns nil after ctx is done and the running jobs drained, ErrRestart
// after a drained restart request, and ErrMaxRuntime or ErrMaxLifetime
// right away when a limit is hit.
func (w *Worker) Run(ctx context.Context) error {
	w.bus.OnWorker(ipc.OpWorkerRestart, func(context.Context, ipc.Sender, *ipc.Msg) {
		select {
		case w.restart <- struct{}{}:
		default:
		}
	})

	var pingC <-chan time.Time
	if w.cfg.PingInterval > 0 {
		pt := time.NewTicker(w.cfg.PingInterval / 2)
		defer pt.Stop()
		pingC = pt.C
	}
	ct := time.NewTicker(w.cfg.CheckInterval)
	defer ct.Stop()

	delay := time.Duration(0)
	if w.cfg.SubscribeDelay > 0 {
		delay = time.Duration(rand.Int63n(int64(w.cfg.SubscribeDelay)))
	}
	subT := time.NewTimer(delay)
	defer subT.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drainPinging(context.Background(), pingC)
			return nil
		case <-w.restart:
			w.log.Info("restart requested, draining")
			w.drainPinging(ctx, pingC)
			return ErrRestart
		case <-subT.C:
			if err := w.Subscribe(ctx); err != nil {
				w.log.Error("subscribe failed", logx.String("channel", w.cfg.Channel), logx.Err(err))
				subT.Reset(time.Second)
				continue
			}
			_ = w.bus.Send(ctx, &ipc.Msg{Op: ipc.OpWorkerReady})
		case <-pingC:
			w.ping(ctx)
		case <-ct.C:
			if err := w.Check(); err != nil {
				w.log.Warn("worker exiting", logx.Err(err), logx.Strings("running", w.runner.Running()))
				return err
			}
		}
	}
}

func (w *Worker) ping(ctx context.Context) {
	if err := w.bus.Send(ctx, &ipc.Msg{Op: ipc.OpWorkerPing}); err != nil {
		w.log.Debug("ping failed", logx.Err(err))
	}
}

// drainPinging drains while still answering the coordinator sweep, so a
// long task is not killed halfway through a graceful stop.
func (w *Worker) drainPinging(ctx context.Context, pingC <-chan time.Time) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Drain(ctx)
	}()
	for {
		select {
		case <-done:
			return
		case <-pingC:
			w.ping(context.WithoutCancel(ctx))
		}
	}
}

// Check applies the runtime and lifetime limits.
func (w *Worker) Check() error {
	now := w.now()
	running := w.runner.Running()
	if len(running) > 0 && w.cfg.MaxRuntime > 0 && now.Sub(w.runner.RunTime()) > w.cfg.MaxRuntime {
		return ErrMaxRuntime
	}
	if len(running) == 0 && !w.busy() && w.cfg.MaxLifetime > 0 && now.Sub(w.started) > w.cfg.MaxLifetime {
		return ErrMaxLifetime
	}
	return nil
}

func (w *Worker) busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active > 0
}

// Subscribe starts consuming the job channel, replacing any previous
// subscription.
func (w *Worker) Subscribe(ctx context.Context) error {
	q := w.queue()
	if q == nil {
		return errs.New(errs.StatusUnavailable, "no job queue configured")
	}
	w.mu.Lock()
	prev := w.sub
	draining := w.draining
	w.mu.Unlock()
	if draining {
		return nil
	}
	if prev != nil {
		_ = prev.Unsubscribe(ctx, w.cfg.Channel)
	}
	if err := q.Subscribe(ctx, w.cfg.Channel, ipc.Options{}, w.Handle); err != nil {
		return err
	}
	w.mu.Lock()
	w.sub = q
	w.mu.Unlock()
	w.log.Info("worker subscribed",
		logx.String("channel", w.cfg.Channel),
		logx.Int("concurrency", w.cfg.Concurrency),
		logx.Duration("max_runtime", w.cfg.MaxRuntime),
		logx.Duration("max_lifetime", w.cfg.MaxLifetime),
	)
	return nil
}

// Handle consumes one queue message. Invalid specs are acked with their
// error so they are dropped; valid ones run once a concurrency slot is free
// and are acked with the job result. A message delivered without an ack has
// already left its queue, so it runs even when the subscription ends while
// it waits for a slot.
func (w *Worker) Handle(ctx context.Context, data []byte, ack ipc.AckFunc) {
	redeliver := ack != nil
	if ack == nil {
		ack = func(error) {}
	}
	spec, err := Parse(data)
	if err != nil {
		w.log.Warn("invalid job dropped", logx.Err(err))
		ack(err)
		return
	}

	// Counted before the slot wait so Drain sees messages in hand.
	w.mu.Lock()
	w.active++
	w.mu.Unlock()
	if redeliver {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			w.mu.Lock()
			w.active--
			w.mu.Unlock()
			ack(errs.Wrap(errs.StatusUnavailable, ctx.Err()))
			return
		}
	} else {
		w.sem <- struct{}{}
	}
	w.jobs.Add(1)

	go func() {
		defer w.jobs.Done()
		defer func() { <-w.sem }()
		err := w.runner.RunJob(context.WithoutCancel(ctx), spec)
		w.mu.Lock()
		w.active--
		w.mu.Unlock()
		if err != nil {
			w.log.Warn("job failed", logx.String("job", spec.String()), logx.Err(err))
		}
		ack(err)
	}()
}

// Drain stops taking new messages and waits until no task is running and
// the last one ended more than 50ms ago.
func (w *Worker) Drain(ctx context.Context) {
	w.mu.Lock()
	w.draining = true
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(ctx, w.cfg.Channel); err != nil && !errors.Is(err, ipc.ErrNotSupported) {
			w.log.Warn("unsubscribe failed", logx.String("channel", w.cfg.Channel), logx.Err(err))
		}
	}

	t := time.NewTicker(drainPoll)
	defer t.Stop()
	for {
		if w.idle() {
			w.jobs.Wait()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (w *Worker) idle() bool {
	if w.busy() || len(w.runner.Running()) > 0 {
		return false
	}
	last := w.runner.RunTime()
	return last.IsZero() || w.now().Sub(last) > drainPoll
}
