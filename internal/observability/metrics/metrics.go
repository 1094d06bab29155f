// Package metrics turns event bus traffic into Prometheus series.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"jobcluster/internal/cluster"
	"jobcluster/internal/eventbus"
	"jobcluster/internal/ipc"
	"jobcluster/internal/jobs"
	"jobcluster/internal/jobs/cron"
)

const namespace = "jobcluster"

// Collector owns a registry and the series fed by Run.
type Collector struct {
	reg *prometheus.Registry

	spawned     prometheus.Counter
	exited      *prometheus.CounterVec
	killed      *prometheus.CounterVec
	taskStarted *prometheus.CounterVec
	taskDone    *prometheus.CounterVec
	taskTime    *prometheus.HistogramVec
	cronFired   *prometheus.CounterVec
	cronSkipped *prometheus.CounterVec
	reloads     prometheus.Counter
	limiter     *prometheus.CounterVec
}

// New registers the series. alive, when set, backs the workers_alive gauge.
func New(alive func() int) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "workers_spawned_total",
			Help: "Worker processes started.",
		}),
		exited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "workers_exited_total",
			Help: "Worker processes that exited, by exit code.",
		}, []string{"code"}),
		killed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "workers_signaled_total",
			Help: "Unresponsive workers signaled by the sweep.",
		}, []string{"signal"}),
		taskStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_started_total",
			Help: "Tasks started by workers.",
		}, []string{"task"}),
		taskDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_finished_total",
			Help: "Tasks finished, by result.",
		}, []string{"task", "result"}),
		taskTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Task run time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"task"}),
		cronFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cron_fired_total",
			Help: "Crontab entries submitted.",
		}, []string{"crontab"}),
		cronSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cron_skipped_total",
			Help: "Crontab firings skipped, by reason.",
		}, []string{"crontab", "reason"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "config_reloads_total",
			Help: "Configuration reloads applied.",
		}),
		limiter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "limiter_checks_total",
			Help: "Token bucket consults, by bucket and result.",
		}, []string{"bucket", "result"}),
	}
	c.reg.MustRegister(
		c.spawned, c.exited, c.killed,
		c.taskStarted, c.taskDone, c.taskTime,
		c.cronFired, c.cronSkipped, c.reloads, c.limiter,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	if alive != nil {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workers_alive",
			Help: "Worker processes currently running.",
		}, func() float64 { return float64(alive()) }))
	}
	return c
}

// Registry is served by the admin endpoint.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Run consumes events until ctx is done.
func (c *Collector) Run(ctx context.Context, events eventbus.Bus) {
	ch, unsub := events.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// Observe updates the series for one event. Unknown types are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.WorkerSpawned:
		c.spawned.Inc()
	case eventbus.WorkerExited:
		if info, ok := e.Data.(cluster.ExitInfo); ok {
			c.exited.WithLabelValues(strconv.Itoa(info.Code)).Inc()
		}
	case eventbus.WorkerKilled:
		if info, ok := e.Data.(cluster.ExitInfo); ok {
			sig := "term"
			if info.Killed {
				sig = "kill"
			}
			c.killed.WithLabelValues(sig).Inc()
		}

	// Workers report through IPC; a standalone runner publishes task events.
	case ipc.OpJobsStart:
		if m, ok := e.Data.(*ipc.Msg); ok {
			c.taskStarted.WithLabelValues(m.Task).Inc()
		}
	case ipc.OpJobsStop:
		if m, ok := e.Data.(*ipc.Msg); ok {
			c.finished(m.Task, time.Duration(m.Count)*time.Millisecond, m.Err != "")
		}
	case eventbus.TaskStarted:
		if ev, ok := e.Data.(jobs.TaskEvent); ok {
			c.taskStarted.WithLabelValues(ev.Name).Inc()
		}
	case eventbus.TaskFinished, eventbus.TaskFailed:
		if ev, ok := e.Data.(jobs.TaskEvent); ok {
			c.finished(ev.Name, ev.Duration, e.Type == eventbus.TaskFailed)
		}

	case eventbus.CronFired:
		if ev, ok := e.Data.(cron.FireEvent); ok {
			c.cronFired.WithLabelValues(ev.Type).Inc()
		}
	case eventbus.CronSkipped:
		if ev, ok := e.Data.(cron.FireEvent); ok {
			c.cronSkipped.WithLabelValues(ev.Type, ev.Reason).Inc()
		}
	case eventbus.ConfigReload:
		c.reloads.Inc()
	case eventbus.LimiterChecked:
		if r, ok := e.Data.(ipc.LimiterResult); ok {
			result := "denied"
			if r.Consumed {
				result = "consumed"
			}
			c.limiter.WithLabelValues(r.Name, result).Inc()
		}
	}
}

func (c *Collector) finished(task string, d time.Duration, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	c.taskDone.WithLabelValues(task, result).Inc()
	c.taskTime.WithLabelValues(task).Observe(d.Seconds())
}
