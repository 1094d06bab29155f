package app

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"jobcluster/internal/cluster"
	"jobcluster/internal/config"
	"jobcluster/internal/ipc"
	"jobcluster/internal/jobs"
	"jobcluster/internal/jobs/cron"
	"jobcluster/internal/observability/admin"
	"jobcluster/internal/storage"
	logx "jobcluster/pkg/logx"
)

// DefaultURL backs the default cache and queue client when none is configured.
const DefaultURL = "local://"

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapClusterConfig(cfg *config.Config) (cluster.Config, error) {
	cc := cfg.Cluster
	if cc.Workers < 0 {
		return cluster.Config{}, fmt.Errorf("cluster.workers must be >= 0")
	}
	if cc.RespawnRate < 0 || cc.RespawnBurst < 0 {
		return cluster.Config{}, fmt.Errorf("cluster.respawn_rate and cluster.respawn_burst must be >= 0")
	}
	ping, err := parseDurationOrDefault("cluster.ping_interval", cc.PingInterval, 5*time.Second)
	if err != nil {
		return cluster.Config{}, err
	}
	shutdown, err := parseDurationOrDefault("cluster.shutdown_timeout", cc.ShutdownTimeout, 30*time.Second)
	if err != nil {
		return cluster.Config{}, err
	}
	workers := cc.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	return cluster.Config{
		Workers:         workers,
		PingInterval:    ping,
		RespawnRate:     cc.RespawnRate,
		RespawnBurst:    cc.RespawnBurst,
		ShutdownTimeout: shutdown,
		Watchdog:        cfg.Systemd.Watchdog,
	}, nil
}

func mapWorkerConfig(cfg *config.Config) (jobs.WorkerConfig, error) {
	jc := cfg.Jobs
	if jc.Concurrency < 0 {
		return jobs.WorkerConfig{}, fmt.Errorf("jobs.concurrency must be >= 0")
	}
	maxRuntime, err := parseDurationField("jobs.max_runtime", jc.MaxRuntime)
	if err != nil {
		return jobs.WorkerConfig{}, err
	}
	maxLifetime, err := parseDurationField("jobs.max_lifetime", jc.MaxLifetime)
	if err != nil {
		return jobs.WorkerConfig{}, err
	}
	check, err := parseDurationOrDefault("jobs.check_interval", jc.CheckInterval, jobs.DefaultCheckInterval)
	if err != nil {
		return jobs.WorkerConfig{}, err
	}
	delay, err := parseDurationOrDefault("jobs.subscribe_delay", jc.SubscribeDelay, time.Second)
	if err != nil {
		return jobs.WorkerConfig{}, err
	}
	ping, err := parseDurationOrDefault("cluster.ping_interval", cfg.Cluster.PingInterval, 5*time.Second)
	if err != nil {
		return jobs.WorkerConfig{}, err
	}
	return jobs.WorkerConfig{
		Channel:        jc.Channel,
		MaxRuntime:     maxRuntime,
		MaxLifetime:    maxLifetime,
		CheckInterval:  check,
		Concurrency:    jc.Concurrency,
		SubscribeDelay: delay,
		PingInterval:   ping,
	}, nil
}

func mapCronConfig(cfg *config.Config) (cron.Config, error) {
	jc := cfg.Jobs
	debounce, err := parseDurationOrDefault("jobs.crontab_debounce", jc.CrontabDebounce, 250*time.Millisecond)
	if err != nil {
		return cron.Config{}, err
	}
	if tz := strings.TrimSpace(jc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return cron.Config{}, fmt.Errorf("jobs.timezone: invalid %q: %w", tz, err)
		}
	}
	return cron.Config{
		Dir:      strings.TrimSpace(jc.CrontabDir),
		Debounce: debounce,
		Timezone: jc.Timezone,
	}, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	read, err := parseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 5*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	write, err := parseDurationField("admin.write_timeout", ac.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := parseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:       ac.Enabled,
		Addr:          ac.Addr,
		Token:         ac.Token,
		AllowInsecure: ac.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func clientSpecs(m map[string]config.ClientConfig) map[string]ipc.ClientSpec {
	out := make(map[string]ipc.ClientSpec, len(m))
	for name, c := range m {
		out[name] = ipc.ClientSpec{URL: c.URL, Options: c.Options}
	}
	return out
}

// validate rejects configs that would fail when applied, so a bad hot reload
// keeps the previous config.
func validate(cfg *config.Config) error {
	if _, err := mapClusterConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWorkerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCronConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := parseDurationField("ipc.request_timeout", cfg.IPC.RequestTimeout); err != nil {
		return err
	}
	for kind, specs := range map[string]map[string]config.ClientConfig{"cache": cfg.IPC.Cache, "queue": cfg.IPC.Queue} {
		for name, c := range specs {
			if c.URL == "" {
				continue
			}
			if _, _, err := ipc.ParseURL(c.URL, c.Options); err != nil {
				return fmt.Errorf("ipc.%s.%s: %w", kind, name, err)
			}
		}
	}
	return nil
}
