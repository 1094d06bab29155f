package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Cluster ClusterConfig `json:"cluster"`
	Jobs    JobsConfig    `json:"jobs"`
	IPC     IPCConfig     `json:"ipc"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Admin   AdminConfig    `json:"admin,omitempty"`
	Systemd SystemdConfig  `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ClusterConfig controls the worker pool run by the master.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: number of CPUs
//   - ping_interval: "5s" (workers ping every half of it)
//   - respawn_rate: 2 per second
//   - respawn_burst: workers
//   - shutdown_timeout: "30s"
type ClusterConfig struct {
	Workers         int      `json:"workers,omitempty"`
	PingInterval    string   `json:"ping_interval,omitempty"`
	RespawnRate     float64  `json:"respawn_rate,omitempty"`
	RespawnBurst    int      `json:"respawn_burst,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
	WorkerArgs      []string `json:"worker_args,omitempty"`
}

// JobsConfig controls job submission, worker runtime limits and cron.
//
// Defaults:
//   - channel: "jobs"
//   - max_runtime: "0s" (disabled)
//   - max_lifetime: "0s" (disabled)
//   - check_interval: "30s"
//   - concurrency: 1
//   - subscribe_delay: "1s"
//   - crontab_debounce: "250ms"
type JobsConfig struct {
	// Queue and CronQueue name clients from ipc.queue; empty means default.
	Queue     string `json:"queue,omitempty"`
	CronQueue string `json:"cron_queue,omitempty"`
	Channel   string `json:"channel,omitempty"`

	MaxRuntime     string `json:"max_runtime,omitempty"`
	MaxLifetime    string `json:"max_lifetime,omitempty"`
	CheckInterval  string `json:"check_interval,omitempty"`
	Concurrency    int    `json:"concurrency,omitempty"`
	SubscribeDelay string `json:"subscribe_delay,omitempty"`

	// CrontabDir holds "crontab" and "crontab.local". Empty disables cron.
	CrontabDir      string `json:"crontab_dir,omitempty"`
	CrontabDebounce string `json:"crontab_debounce,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// IPCConfig lists the named cache and queue clients.
//
// Example:
//
//	"ipc": {
//	  "cache": { "": { "url": "local://" }, "shared": { "url": "redis://cache1?bk-servers=cache2" } },
//	  "queue": { "": { "url": "db://" } },
//	  "system_queue": "shared"
//	}
type IPCConfig struct {
	Cache          map[string]ClientConfig `json:"cache,omitempty"`
	Queue          map[string]ClientConfig `json:"queue,omitempty"`
	SystemQueue    string                  `json:"system_queue,omitempty"`
	RequestTimeout string                  `json:"request_timeout,omitempty"`
	LRUMax         int                     `json:"lru_max,omitempty"`
}

type ClientConfig struct {
	URL     string            `json:"url"`
	Options map[string]string `json:"options,omitempty"`
}

// UnmarshalJSON accepts a bare URL string as shorthand and rejects unknown
// keys inside the object form.
func (c *ClientConfig) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var u string
		if err := json.Unmarshal(b, &u); err != nil {
			return err
		}
		*c = ClientConfig{URL: u}
		return nil
	}
	type tmp struct {
		URL     string            `json:"url"`
		Options map[string]string `json:"options,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*c = ClientConfig{URL: t.URL, Options: t.Options}
	return nil
}

// StorageConfig controls the queue table used by db:// clients.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobcluster.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AdminConfig controls the optional admin HTTP server (health, metrics,
// worker table, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify,omitempty"`
	Watchdog bool `json:"watchdog,omitempty"`
}
