package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"jobcluster/internal/errs"
	"jobcluster/internal/eventbus"
	"jobcluster/internal/ipc"
	logx "jobcluster/pkg/logx"
)

// TaskEvent is the data of task.started, task.finished and task.failed.
type TaskEvent struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
	Status   int
}

type RunnerOption func(*Runner)

func WithRunnerLogger(log logx.Logger) RunnerOption { return func(r *Runner) { r.log = log } }

func WithRunnerEvents(events eventbus.Bus) RunnerOption {
	return func(r *Runner) { r.events = events }
}

// WithRunnerBus reports jobs:start and jobs:stop to the master.
func WithRunnerBus(bus *ipc.Bus) RunnerOption { return func(r *Runner) { r.bus = bus } }

// Runner executes jobs and keeps the list of running tasks.
type Runner struct {
	reg    *Registry
	log    logx.Logger
	events eventbus.Bus
	bus    *ipc.Bus
	now    func() time.Time

	mu      sync.Mutex
	running []string
	runTime time.Time
}

func NewRunner(reg *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{reg: reg, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	r.log = r.log.With(logx.String("comp", "jobs"))
	return r
}

// RunJob runs the groups of spec one after another, the tasks of a group
// concurrently. Task errors are logged; with NoErrors the first failing
// group stops the job and its first error is returned.
func (r *Runner) RunJob(ctx context.Context, spec *JobSpec) error {
	spec, err := IsJob(spec)
	if err != nil {
		return err
	}
	start := r.now()
	r.log.Info("job started", logx.String("job", spec.String()))

	for i, g := range spec.Job {
		errsInGroup := r.runGroup(ctx, g)
		for _, err := range errsInGroup {
			if err != nil && spec.NoErrors {
				r.log.Warn("job aborted",
					logx.String("job", spec.String()),
					logx.Int("group", i),
					logx.Err(err),
				)
				return err
			}
		}
	}
	r.log.Info("job finished", logx.String("job", spec.String()), logx.Duration("dur", r.now().Sub(start)))
	return nil
}

func (r *Runner) runGroup(ctx context.Context, g Group) []error {
	out := make([]error, len(g))
	if len(g) == 1 {
		out[0] = r.RunTask(ctx, g[0].Name, g[0].Options)
		return out
	}
	var wg sync.WaitGroup
	for i, t := range g {
		wg.Add(1)
		go func(i int, t Task) {
			defer wg.Done()
			out[i] = r.RunTask(ctx, t.Name, t.Options)
		}(i, t)
	}
	wg.Wait()
	return out
}

// RunTask resolves and runs one task. A panic inside the handler comes back
// as a 500 error.
func (r *Runner) RunTask(ctx context.Context, name string, opts Options) (err error) {
	h, err := r.reg.Lookup(name)
	if err != nil {
		r.log.Warn("task.unknown", logx.String("task", name))
		return err
	}
	if opts == nil {
		opts = Options{}
	}

	start := r.begin(ctx, name)
	r.log.Debug("task.started", logx.String("task", name))
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = errs.Wrap(errs.StatusInternal, fmt.Errorf("panic: %v", rec))
				r.log.Error("task.panic", logx.String("task", name), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = h(ctx, opts)
	}()
	dur := r.end(ctx, name, start, err)

	if err != nil {
		r.log.Warn("task.failed", logx.String("task", name), logx.Duration("dur", dur), logx.Err(err))
	} else if dur >= 750*time.Millisecond {
		r.log.Info("task.completed", logx.String("task", name), logx.Duration("dur", dur))
	} else {
		r.log.Debug("task.completed", logx.String("task", name), logx.Duration("dur", dur))
	}
	return err
}

func (r *Runner) begin(ctx context.Context, name string) time.Time {
	now := r.now()
	r.mu.Lock()
	r.running = append(r.running, name)
	r.runTime = now
	r.mu.Unlock()

	r.notify(ctx, &ipc.Msg{Op: ipc.OpJobsStart, Task: name})
	r.publish(eventbus.TaskStarted, TaskEvent{Name: name, Started: now})
	return now
}

func (r *Runner) end(ctx context.Context, name string, start time.Time, err error) time.Duration {
	now := r.now()
	dur := now.Sub(start)
	r.mu.Lock()
	for i, n := range r.running {
		if n == name {
			r.running = append(r.running[:i], r.running[i+1:]...)
			break
		}
	}
	r.runTime = now
	r.mu.Unlock()

	m := &ipc.Msg{Op: ipc.OpJobsStop, Task: name, Count: dur.Milliseconds()}
	m.SetError(err)
	r.notify(ctx, m)

	ev := TaskEvent{Name: name, Started: start, Duration: dur}
	typ := eventbus.TaskFinished
	if err != nil {
		typ = eventbus.TaskFailed
		ev.Error = err.Error()
		ev.Status = errs.Status(err)
	}
	r.publish(typ, ev)
	return dur
}

func (r *Runner) notify(ctx context.Context, m *ipc.Msg) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Send(context.WithoutCancel(ctx), m); err != nil {
		r.log.Debug("jobs notify failed", logx.String("op", m.Op), logx.Err(err))
	}
}

func (r *Runner) publish(typ string, ev TaskEvent) {
	if r.events == nil {
		return
	}
	r.events.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: ev})
}

// Running returns the names of the tasks in flight, oldest first.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.running...)
}

// RunTime is when a task last started or finished.
func (r *Runner) RunTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runTime
}
