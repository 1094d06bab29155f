package app

import (
	"context"
	"errors"
	"io"

	"jobcluster/internal/cluster"
	"jobcluster/internal/config"
	"jobcluster/internal/ipc"
	"jobcluster/internal/jobs"
	logx "jobcluster/pkg/logx"
)

// Worker is one worker process: it talks to the master over the inherited
// pipes and consumes jobs from the configured queue.
type Worker struct {
	*services
	in   io.ReadCloser
	conn *ipc.Conn
	jobs *jobs.Worker
	ctx  context.Context
}

// NewWorker connects to the master pipes and builds the job runtime.
func NewWorker(cfgPath string, opts ...Option) (*Worker, error) {
	in, out, err := cluster.MasterPipes()
	if err != nil {
		return nil, err
	}
	return newWorker(cfgPath, in, out, opts)
}

func newWorker(cfgPath string, in io.ReadCloser, out io.Writer, opts []Option) (*Worker, error) {
	s, err := newServices(cfgPath, ipc.RoleWorker, opts)
	if err != nil {
		_ = in.Close()
		return nil, err
	}
	w := &Worker{services: s, in: in, conn: ipc.NewConn(out)}
	s.bus.Connect(w.conn)

	reg, err := s.registry()
	if err != nil {
		s.close()
		return nil, err
	}
	runner := jobs.NewRunner(reg,
		jobs.WithRunnerLogger(s.log),
		jobs.WithRunnerEvents(s.events),
		jobs.WithRunnerBus(s.bus),
	)
	wc, _ := mapWorkerConfig(s.cfgm.Get())
	w.jobs = jobs.NewWorker(wc, s.bus, runner, func() ipc.Queue {
		return s.jobQueue(s.cfgm.Get().Jobs.Queue)
	}, jobs.WithWorkerLogger(s.log))
	return w, nil
}

// Run serves the master channel and consumes jobs until ctx is done, the
// master goes away or a runtime limit is hit. The returned reason maps to
// the process exit code.
func (w *Worker) Run(ctx context.Context) (StopReason, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.ctx = ctx

	w.bus.OnWorker(ipc.OpConfigInit, func(context.Context, ipc.Sender, *ipc.Msg) { w.reload() })
	w.bus.OnWorker(ipc.OpCacheInit, func(context.Context, ipc.Sender, *ipc.Msg) {
		w.reinit(ipc.KindCache)
	})
	w.bus.OnWorker(ipc.OpQueueInit, func(context.Context, ipc.Sender, *ipc.Msg) {
		w.reinit(ipc.KindQueue)
	})

	masterGone := make(chan struct{})
	go func() {
		defer close(masterGone)
		err := ipc.ReadLoop(ctx, w.in, w.log, func(m *ipc.Msg) {
			w.bus.HandleWorker(ctx, w.conn, m)
		})
		if ctx.Err() == nil {
			w.log.Warn("master channel closed", logx.Err(err))
			cancel()
		}
	}()

	if name := w.cfgm.Get().IPC.SystemQueue; name != "" {
		if err := w.bus.SubscribeSystem(ctx, w.jobQueue(name)); err != nil {
			w.log.Warn("system queue subscribe failed", logx.String("queue", name), logx.Err(err))
		}
	}

	w.log.Info("worker started")
	err := w.jobs.Run(ctx)
	reason := StopSIGTERM
	switch {
	case errors.Is(err, jobs.ErrRestart):
		reason, err = StopRestart, nil
	case errors.Is(err, jobs.ErrMaxRuntime):
		reason, err = StopMaxRuntime, nil
	case errors.Is(err, jobs.ErrMaxLifetime):
		reason, err = StopMaxLifetime, nil
	case err != nil:
		reason = StopFatalError
	default:
		select {
		case <-masterGone:
			reason = StopMasterGone
		default:
		}
	}
	w.log.Info("worker stopping", logx.String("reason", string(reason)))

	cancel()
	_ = w.in.Close()
	_ = w.conn.Close()
	w.close()
	return reason, err
}

func (w *Worker) reload() {
	prev := w.cfgm.Get()
	next, err := w.cfgm.Parse()
	if err == nil {
		err = validate(next)
	}
	if err != nil {
		w.log.Warn("config reload rejected", logx.Err(err))
		return
	}
	w.cfgm.Commit(next)
	w.logs.Apply(mapLogConfig(next))
	_, _, kinds := config.SummarizeConfigChange(prev, next)
	for _, k := range kinds {
		w.reinit(ipc.Kind(k))
	}
	w.log.Debug("config reloaded")
}

// reinit rebuilds one client table. The job subscription moves to the new
// queue client since Init closed the old one.
func (w *Worker) reinit(kind ipc.Kind) {
	if err := w.initClients(w.cfgm.Get(), kind); err != nil {
		w.log.Warn("ipc client reinit failed", logx.String("kind", string(kind)), logx.Err(err))
	}
	if kind == ipc.KindQueue && w.ctx != nil {
		if err := w.jobs.Subscribe(w.ctx); err != nil {
			w.log.Error("resubscribe failed", logx.Err(err))
		}
	}
}
