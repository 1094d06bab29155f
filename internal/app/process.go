package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"jobcluster/internal/config"
	"jobcluster/internal/eventbus"
	"jobcluster/internal/ipc"
	"jobcluster/internal/ipc/dbqueue"
	"jobcluster/internal/ipc/local"
	"jobcluster/internal/ipc/redisq"
	"jobcluster/internal/jobs"
	"jobcluster/internal/jobs/builtin"
	"jobcluster/internal/storage"
	logx "jobcluster/pkg/logx"
)

// ModuleFunc registers application task modules next to the core ones.
type ModuleFunc func(reg *jobs.Registry, d builtin.Deps) error

type Option func(*options)

type options struct {
	modules []ModuleFunc
	name    string
}

// WithModules adds task modules to every worker and to in-process runs.
func WithModules(fns ...ModuleFunc) Option {
	return func(o *options) { o.modules = append(o.modules, fns...) }
}

// WithName sets the process name used for system queue channels.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// services are the parts every process role shares: config, logging, the
// bus and the named clients.
type services struct {
	opts options
	role ipc.Role

	cfgm    *config.ConfigManager
	logs    *logx.Service
	log     logx.Logger
	events  eventbus.Bus
	bus     *ipc.Bus
	store   storage.QueueStore
	clients *ipc.Clients
}

func newServices(cfgPath string, role ipc.Role, opts []Option) (*services, error) {
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	// Without a config file every section takes its defaults.
	cfgm := config.NewConfigManager(cfgPath)
	cfg := &config.Config{}
	if cfgPath != "" {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	} else {
		cfgm.Commit(cfg)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg), map[string]string{
		"role": string(role),
		"pid":  strconv.Itoa(os.Getpid()),
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	reqTimeout, _ := parseDurationField("ipc.request_timeout", cfg.IPC.RequestTimeout)
	events := eventbus.New()
	bus := ipc.NewBus(role,
		ipc.WithLogger(log),
		ipc.WithEvents(events),
		ipc.WithName(o.name),
		ipc.WithRequestTimeout(reqTimeout),
	)

	s := &services{
		opts:    o,
		role:    role,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		events:  events,
		bus:     bus,
		clients: ipc.NewClients(log),
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		s.close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			s.close()
			return nil, err
		}
		s.store = st
		log.Debug("storage enabled", logx.String("driver", sc.Driver))
	}

	s.clients.Register("local", local.NewFactory(bus, log))
	s.clients.Register("db", dbqueue.NewFactory(s.store, log))
	s.clients.Register("redis", redisq.NewFactory(log))
	if err := s.initClients(cfg, ipc.KindCache, ipc.KindQueue); err != nil {
		log.Warn("some ipc clients failed to initialize", logx.Err(err))
	}
	return s, nil
}

// initClients rebuilds the client tables of kinds from cfg.
func (s *services) initClients(cfg *config.Config, kinds ...ipc.Kind) error {
	var errList []error
	for _, kind := range kinds {
		specs := cfg.IPC.Cache
		if kind == ipc.KindQueue {
			specs = cfg.IPC.Queue
		}
		if err := s.clients.Init(kind, clientSpecs(specs), DefaultURL); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// registry builds the task registry with the core module and the
// configured application modules.
func (s *services) registry() (*jobs.Registry, error) {
	reg := jobs.NewRegistry()
	deps := builtin.Deps{Bus: s.bus, Clients: s.clients, Log: s.log}
	if err := builtin.Register(reg, deps); err != nil {
		return nil, err
	}
	for _, fn := range s.opts.modules {
		if err := fn(reg, deps); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (s *services) jobQueue(name string) ipc.Queue {
	if c := s.clients.Queue(name); c != nil {
		return c
	}
	return nil
}

func (s *services) close() {
	if s.clients != nil {
		if err := s.clients.Close(); err != nil {
			s.log.Warn("ipc clients close failed", logx.Err(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if s.logs != nil {
		_ = s.logs.Close()
	}
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func step(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
