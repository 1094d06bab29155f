package app

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobcluster/internal/cluster"
	"jobcluster/internal/config"
	"jobcluster/internal/eventbus"
	"jobcluster/internal/ipc"
	"jobcluster/internal/ipc/local"
	"jobcluster/internal/jobs"
	"jobcluster/internal/jobs/cron"
	"jobcluster/internal/observability/admin"
	"jobcluster/internal/observability/metrics"
	"jobcluster/internal/runtime/supervisor"
	logx "jobcluster/pkg/logx"
)

// Master runs the worker pool, the shared local cache and queue, cron and the
// admin server.
type Master struct {
	*services
	cfgPath string

	lstore  *local.Store
	coord   *cluster.Coordinator
	cron    *cron.Scheduler
	metrics *metrics.Collector
	admin   *admin.Server
	sup     *supervisor.Supervisor
}

func NewMaster(cfgPath string, opts ...Option) (*Master, error) {
	s, err := newServices(cfgPath, ipc.RoleMaster, opts)
	if err != nil {
		return nil, err
	}
	cfg := s.cfgm.Get()
	m := &Master{services: s, cfgPath: cfgPath}

	m.lstore, err = local.NewStore(cfg.IPC.LRUMax)
	if err != nil {
		s.close()
		return nil, err
	}

	cc, _ := mapClusterConfig(cfg)
	args := []string{"worker"}
	if cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}
	args = append(args, cfg.Cluster.WorkerArgs...)
	spawner := &cluster.ExecSpawner{Args: args, Stdout: os.Stdout, Stderr: os.Stderr}
	m.coord = cluster.New(cc, s.bus, spawner,
		cluster.WithLogger(s.log),
		cluster.WithEvents(s.events),
		cluster.WithNotifier(m.sdNotify),
	)

	cronCfg, _ := mapCronConfig(cfg)
	m.cron = cron.New(cronCfg, m.submitCron,
		cron.WithLogger(s.log),
		cron.WithEvents(s.events),
		cron.WithTracker(m.coord),
		cron.WithLockCache(func() ipc.Cache { return s.clients.Cache(ipc.DefaultClient) }),
	)

	m.metrics = metrics.New(func() int { return len(m.coord.Workers()) })
	adminCfg, _ := mapAdminConfig(cfg)
	m.admin = admin.New(adminCfg, admin.Sources{
		Gatherer: m.metrics.Registry(),
		Workers:  func() any { return m.coord.Workers() },
		Cron:     func() any { return m.cron.Entries() },
	}, s.log)
	return m, nil
}

func (m *Master) sdNotify(state string) {
	cfg := m.cfgm.Get()
	if cfg == nil || !cfg.Systemd.Notify {
		return
	}
	if _, err := daemon.SdNotify(false, state); err != nil {
		m.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

func (m *Master) submitCron(ctx context.Context, spec *jobs.JobSpec) error {
	jc := m.cfgm.Get().Jobs
	name := jc.CronQueue
	if name == "" {
		name = jc.Queue
	}
	_, err := jobs.Submit(ctx, m.jobQueue(name), jc.Channel, spec)
	return err
}

// Coordinator exposes the worker pool, mainly for tests and the admin server.
func (m *Master) Coordinator() *cluster.Coordinator { return m.coord }

// Done is closed when the master supervisor context is canceled.
func (m *Master) Done() <-chan struct{} {
	if m.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (m *Master) Err() error {
	if m.sup == nil {
		return nil
	}
	return m.sup.Err()
}

func (m *Master) Start(ctx context.Context) error {
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log), supervisor.WithCancelOnError(true))
	m.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	local.Serve(m.bus, m.lstore)
	m.bus.ServeLimiter(m.lstore)
	m.coord.Install()

	m.sup.Go0("metrics", func(c context.Context) { m.metrics.Run(c, m.events) })
	m.sup.Go("cluster", m.coord.Run)

	cfg := m.cfgm.Get()
	if strings.TrimSpace(cfg.Jobs.CrontabDir) != "" {
		m.cron.Start(m.sup.Context())
	}
	m.admin.Start(m.sup.Context())

	for _, name := range m.clients.Names(ipc.KindQueue) {
		if err := m.clients.Queue(name).Monitor(m.sup.Context(), ipc.Options{}); err != nil && !errors.Is(err, ipc.ErrNotSupported) {
			m.log.Warn("queue monitor failed", logx.String("queue", name), logx.Err(err))
		}
	}
	if name := cfg.IPC.SystemQueue; name != "" {
		if err := m.bus.SubscribeSystem(m.sup.Context(), m.jobQueue(name)); err != nil {
			m.log.Warn("system queue subscribe failed", logx.String("queue", name), logx.Err(err))
		}
	}

	if m.log.Enabled(logx.LevelDebug) {
		events, unsub := m.events.SubscribePrefix("worker.", 64)
		m.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					m.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := m.cfgm.Subscribe(8)
	m.sup.Go0("config.reload", func(c context.Context) {
		defer m.cfgm.Unsubscribe(sub)
		last := m.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				m.apply(c, last, next)
				last = next
			}
		}
	})
	m.sup.Go("config.watch", m.cfgm.Watch)

	m.log.Info("master started", logx.String("config", m.cfgPath))
	return nil
}

// apply pushes a reloaded config into the running components and tells the
// workers to reload theirs.
func (m *Master) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs, kinds := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		m.log.Info("config reloaded (no changes)")
		return
	}

	m.logs.Apply(mapLogConfig(next))

	if len(kinds) > 0 {
		ks := make([]ipc.Kind, 0, len(kinds))
		for _, k := range kinds {
			ks = append(ks, ipc.Kind(k))
		}
		if err := m.initClients(next, ks...); err != nil {
			m.log.Warn("ipc client reinit failed", logx.Err(err))
		}
	}

	if ac, err := mapAdminConfig(next); err != nil {
		m.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		m.admin.Reconfigure(ctx, ac)
	}

	for _, s := range sections {
		switch s {
		case "cluster", "storage":
			m.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		case "jobs":
			// Workers read job settings at start; a rolling restart applies them.
			m.coord.Restart()
		}
	}

	m.coord.Broadcast(&ipc.Msg{Op: ipc.OpConfigInit})
	m.events.Publish(eventbus.Event{Type: eventbus.ConfigReload, Data: sections})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	m.log.Info("config reloaded", fields...)
}

func (m *Master) Stop(ctx context.Context, reason StopReason) error {
	if m.sup == nil {
		m.close()
		return nil
	}
	m.log.Info("stopping", logx.String("reason", string(reason)))
	m.sup.Cancel()

	cc, _ := mapClusterConfig(m.cfgm.Get())
	step(ctx, m.log, "cron", 2*time.Second, func(c context.Context) error { m.cron.Stop(c); return nil })
	step(ctx, m.log, "admin", time.Second, func(c context.Context) error { m.admin.Stop(c); return nil })
	// The coordinator drains the pool once the supervisor context is canceled.
	step(ctx, m.log, "supervisor", cc.ShutdownTimeout+6*time.Second, func(c context.Context) error {
		return m.sup.Wait(c)
	})

	m.log.Info("stopped")
	m.close()
	return nil
}
