// Package cluster runs the master side of the worker pool: it spawns worker
// processes, respawns them when they exit, kills the ones that stop pinging
// and drives rolling restarts one worker at a time.
package cluster

import (
	"context"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"jobcluster/internal/eventbus"
	"jobcluster/internal/ipc"
	logx "jobcluster/pkg/logx"
)

type Config struct {
	Workers         int
	PingInterval    time.Duration
	RespawnRate     float64
	RespawnBurst    int
	ShutdownTimeout time.Duration
	// Watchdog sends WATCHDOG=1 through the notifier on every sweep.
	Watchdog bool
}

// RunningTask is one task a worker reported through jobs:start.
type RunningTask struct {
	Name    string    `json:"name"`
	Started time.Time `json:"started"`
}

// Worker is the coordinator's record of one worker process.
type Worker struct {
	PID      int           `json:"pid"`
	Role     string        `json:"role"`
	Started  time.Time     `json:"started"`
	PingTime time.Time     `json:"ping_time"`
	Ready    bool          `json:"ready"`
	Listen   string        `json:"listen,omitempty"`
	Tasks    []RunningTask `json:"tasks,omitempty"`
}

// TaskName is the most recently started task, empty when idle.
func (w Worker) TaskName() string {
	if len(w.Tasks) == 0 {
		return ""
	}
	return w.Tasks[len(w.Tasks)-1].Name
}

// ExitInfo describes a worker that exited.
type ExitInfo struct {
	PID      int
	Code     int
	Killed   bool
	LastTask string
	Uptime   time.Duration
}

type worker struct {
	Worker
	proc     Process
	termSent bool
	killSent bool
}

type Option func(*Coordinator)

func WithLogger(log logx.Logger) Option { return func(c *Coordinator) { c.log = log } }

func WithEvents(events eventbus.Bus) Option { return func(c *Coordinator) { c.events = events } }

// WithNotifier receives service manager states (READY=1, WATCHDOG=1, STOPPING=1).
func WithNotifier(fn func(state string)) Option { return func(c *Coordinator) { c.notify = fn } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

type Coordinator struct {
	cfg     Config
	bus     *ipc.Bus
	spawner Spawner
	log     logx.Logger
	events  eventbus.Bus
	notify  func(string)
	now     func() time.Time
	limiter *rate.Limiter

	mu         sync.Mutex
	workers    map[int]*worker
	restarting []int
	pending    int
	stopping   bool
	ctx        context.Context

	procs sync.WaitGroup
}

func New(cfg Config, bus *ipc.Bus, spawner Spawner, opts ...Option) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RespawnRate <= 0 {
		cfg.RespawnRate = 2
	}
	if cfg.RespawnBurst <= 0 {
		cfg.RespawnBurst = cfg.Workers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	c := &Coordinator{
		cfg:     cfg,
		bus:     bus,
		spawner: spawner,
		log:     logx.Nop(),
		notify:  func(string) {},
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Limit(cfg.RespawnRate), cfg.RespawnBurst),
		workers: map[int]*worker{},
		ctx:     context.Background(),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	c.log = c.log.With(logx.String("comp", "cluster"))
	return c
}

// Install registers the master-side handlers for worker messages.
func (c *Coordinator) Install() {
	c.bus.OnServer(ipc.OpWorkerPing, func(_ context.Context, _ ipc.Sender, m *ipc.Msg) {
		c.withWorker(m.PID, func(w *worker) {
			w.PingTime = c.now()
			w.termSent, w.killSent = false, false
		})
	})
	c.bus.OnServer(ipc.OpWorkerReady, func(_ context.Context, _ ipc.Sender, m *ipc.Msg) {
		c.withWorker(m.PID, func(w *worker) {
			w.Ready = true
			w.PingTime = c.now()
		})
		c.restartNext()
	})
	c.bus.OnServer(ipc.OpWorkerRestart, func(context.Context, ipc.Sender, *ipc.Msg) {
		c.Restart()
	})
	c.bus.OnServer(ipc.OpJobsStart, func(_ context.Context, _ ipc.Sender, m *ipc.Msg) {
		c.withWorker(m.PID, func(w *worker) {
			w.Tasks = append(w.Tasks, RunningTask{Name: m.Task, Started: c.now()})
		})
	})
	c.bus.OnServer(ipc.OpJobsStop, func(_ context.Context, _ ipc.Sender, m *ipc.Msg) {
		c.withWorker(m.PID, func(w *worker) {
			for i, t := range w.Tasks {
				if t.Name == m.Task {
					w.Tasks = append(w.Tasks[:i], w.Tasks[i+1:]...)
					break
				}
			}
		})
	})
	c.bus.OnServer(ipc.OpClusterListen, func(_ context.Context, _ ipc.Sender, m *ipc.Msg) {
		c.withWorker(m.PID, func(w *worker) { w.Listen = m.Value })
	})
	c.bus.OnServer(ipc.OpClusterExit, func(_ context.Context, _ ipc.Sender, m *ipc.Msg) {
		c.withWorker(m.PID, func(w *worker) { w.Listen = "" })
	})
}

func (c *Coordinator) withWorker(pid int, fn func(w *worker)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[pid]; ok {
		fn(w)
	}
}

// Run spawns the pool and sweeps it every ping interval until ctx is done,
// then shuts the workers down.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	for i := 0; i < c.cfg.Workers; i++ {
		if err := c.startWorker(); err != nil {
			c.mu.Lock()
			c.pending++
			c.mu.Unlock()
		}
	}
	c.notify("READY=1")
	c.log.Info("cluster started", logx.Int("workers", c.cfg.Workers), logx.Duration("ping_interval", c.cfg.PingInterval))

	tick := c.cfg.PingInterval
	if tick <= 0 {
		tick = time.Second
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Shutdown()
			return nil
		case <-t.C:
			c.Sweep()
		}
	}
}

func (c *Coordinator) startWorker() error {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	p, err := c.spawner.Spawn(ctx)
	if err != nil {
		c.log.Error("worker spawn failed", logx.Err(err))
		return err
	}
	now := c.now()
	pid := p.PID()
	c.mu.Lock()
	c.workers[pid] = &worker{
		Worker: Worker{PID: pid, Role: string(ipc.RoleWorker), Started: now, PingTime: now},
		proc:   p,
	}
	c.mu.Unlock()
	c.log.Info("worker spawned", logx.Int("pid", pid))
	c.publish(eventbus.WorkerSpawned, pid)

	c.procs.Add(2)
	go func() {
		defer c.procs.Done()
		err := ipc.ReadLoop(context.Background(), p.Output(), c.log, func(m *ipc.Msg) {
			m.PID = pid
			c.bus.HandleServer(context.Background(), p, m)
		})
		if err != nil {
			c.log.Debug("worker channel closed", logx.Int("pid", pid), logx.Err(err))
		}
	}()
	go func() {
		defer c.procs.Done()
		c.exited(pid, p.Wait())
	}()
	return nil
}

func (c *Coordinator) exited(pid, code int) {
	c.mu.Lock()
	w := c.workers[pid]
	delete(c.workers, pid)
	c.dropRestarting(pid)
	stopping := c.stopping
	c.mu.Unlock()

	info := ExitInfo{PID: pid, Code: code}
	if w != nil {
		info.Killed = w.killSent
		info.LastTask = w.TaskName()
		info.Uptime = c.now().Sub(w.Started)
	}
	lvl := c.log.Info
	if code != 0 && !stopping {
		lvl = c.log.Warn
	}
	lvl("worker exited",
		logx.Int("pid", pid),
		logx.Int("code", code),
		logx.Bool("killed", info.Killed),
		logx.String("last_task", info.LastTask),
		logx.Duration("uptime", info.Uptime),
	)
	c.publish(eventbus.WorkerExited, info)

	if stopping {
		return
	}
	c.respawn()
}

// respawn forks a replacement unless the crash-loop limiter refuses, in
// which case the next sweep retries.
func (c *Coordinator) respawn() {
	if !c.limiter.Allow() {
		c.mu.Lock()
		c.pending++
		c.mu.Unlock()
		c.log.Warn("worker respawn throttled")
		return
	}
	if err := c.startWorker(); err != nil {
		c.mu.Lock()
		c.pending++
		c.mu.Unlock()
	}
}

// Sweep signals workers whose last ping is older than the ping interval
// (SIGTERM) or 1.5 times it (SIGKILL), and retries throttled respawns.
func (c *Coordinator) Sweep() {
	now := c.now()
	interval := c.cfg.PingInterval

	type action struct {
		pid  int
		proc Process
		ping time.Time
		task string
		kill bool
	}
	var acts []action
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	if interval > 0 {
		for _, w := range c.workers {
			gap := now.Sub(w.PingTime)
			a := action{pid: w.PID, proc: w.proc, ping: w.PingTime, task: w.TaskName()}
			switch {
			case gap > interval*3/2 && !w.killSent:
				w.killSent = true
				a.kill = true
				acts = append(acts, a)
			case gap > interval && !w.termSent:
				w.termSent = true
				acts = append(acts, a)
			}
		}
	}
	pending := c.pending
	c.mu.Unlock()

	for _, a := range acts {
		sig, name := syscall.SIGTERM, "SIGTERM"
		if a.kill {
			sig, name = syscall.SIGKILL, "SIGKILL"
		}
		c.log.Warn("worker missed pings", logx.Int("pid", a.pid), logx.String("signal", name), logx.Time("last_ping", a.ping))
		if err := a.proc.Signal(sig); err != nil {
			c.log.Debug("worker signal failed", logx.Int("pid", a.pid), logx.Err(err))
		}
		c.publish(eventbus.WorkerKilled, ExitInfo{PID: a.pid, Killed: a.kill, LastTask: a.task})
	}

	for ; pending > 0 && c.limiter.Allow(); pending-- {
		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
		if err := c.startWorker(); err != nil {
			c.mu.Lock()
			c.pending++
			c.mu.Unlock()
			break
		}
	}
	if c.cfg.Watchdog {
		c.notify("WATCHDOG=1")
	}
}

// Restart starts a rolling restart: each worker is asked to drain and exit
// in turn, the next one only after a replacement reported ready. A restart
// already in progress is left alone.
func (c *Coordinator) Restart() {
	c.mu.Lock()
	if len(c.restarting) > 0 || c.stopping {
		c.mu.Unlock()
		return
	}
	for pid := range c.workers {
		c.restarting = append(c.restarting, pid)
	}
	sort.Ints(c.restarting)
	n := len(c.restarting)
	c.mu.Unlock()
	c.log.Info("rolling restart", logx.Int("workers", n))
	c.restartNext()
}

func (c *Coordinator) restartNext() {
	c.mu.Lock()
	var target *worker
	for len(c.restarting) > 0 && target == nil {
		pid := c.restarting[0]
		c.restarting = c.restarting[1:]
		target = c.workers[pid]
	}
	c.mu.Unlock()
	if target == nil {
		return
	}
	if err := target.proc.Send(&ipc.Msg{Op: ipc.OpWorkerRestart}); err != nil {
		c.log.Warn("worker restart send failed", logx.Int("pid", target.proc.PID()), logx.Err(err))
	}
}

// dropRestarting must be called with c.mu held.
func (c *Coordinator) dropRestarting(pid int) {
	for i, p := range c.restarting {
		if p == pid {
			c.restarting = append(c.restarting[:i], c.restarting[i+1:]...)
			return
		}
	}
}

// Restarting reports whether a rolling restart is in progress.
func (c *Coordinator) Restarting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.restarting) > 0
}

// Broadcast sends m to every worker as a one-way message.
func (c *Coordinator) Broadcast(m *ipc.Msg) {
	out := m.Clone()
	out.ID, out.Res = "", false
	c.mu.Lock()
	procs := make([]Process, 0, len(c.workers))
	for _, w := range c.workers {
		procs = append(procs, w.proc)
	}
	c.mu.Unlock()
	for _, p := range procs {
		if err := p.Send(out); err != nil {
			c.log.Debug("broadcast send failed", logx.Int("pid", p.PID()), logx.String("op", out.Op), logx.Err(err))
		}
	}
}

// Workers returns a snapshot of the worker table ordered by pid.
func (c *Coordinator) Workers() []Worker {
	c.mu.Lock()
	out := make([]Worker, 0, len(c.workers))
	for _, w := range c.workers {
		cp := w.Worker
		cp.Tasks = append([]RunningTask(nil), w.Tasks...)
		out = append(out, cp)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// TaskStarted reports the earliest start time of a running task named name
// on any worker.
func (c *Coordinator) TaskStarted(name string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first time.Time
	found := false
	for _, w := range c.workers {
		for _, t := range w.Tasks {
			if t.Name == name && (!found || t.Started.Before(first)) {
				first, found = t.Started, true
			}
		}
	}
	return first, found
}

// Shutdown stops respawning, asks every worker to exit and kills the ones
// still running after the shutdown timeout.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	procs := make([]Process, 0, len(c.workers))
	for _, w := range c.workers {
		procs = append(procs, w.proc)
	}
	c.mu.Unlock()

	c.notify("STOPPING=1")
	c.log.Info("cluster stopping", logx.Int("workers", len(procs)))
	for _, p := range procs {
		_ = p.Signal(syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		c.procs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(c.cfg.ShutdownTimeout):
	}

	c.mu.Lock()
	left := make([]Process, 0, len(c.workers))
	for _, w := range c.workers {
		left = append(left, w.proc)
	}
	c.mu.Unlock()
	c.log.Warn("killing workers after shutdown timeout", logx.Int("workers", len(left)))
	for _, p := range left {
		_ = p.Signal(syscall.SIGKILL)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.log.Error("workers did not exit after SIGKILL")
	}
}

func (c *Coordinator) publish(typ string, data any) {
	if c.events == nil {
		return
	}
	c.events.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: data})
}
