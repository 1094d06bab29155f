package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobcluster/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens
// or client URLs, which may embed passwords), and (3) the ipc client kinds
// ("cache", "queue") whose client set changed and must be re-initialized.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Cluster
	if !reflect.DeepEqual(oldCfg.Cluster, newCfg.Cluster) {
		changed = append(changed, "cluster")
		attrs = append(attrs,
			logx.Int("cluster.workers", newCfg.Cluster.Workers),
			logx.String("cluster.ping_interval", strings.TrimSpace(newCfg.Cluster.PingInterval)),
			logx.Float64("cluster.respawn_rate", newCfg.Cluster.RespawnRate),
		)
	}

	// Jobs
	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.String("jobs.channel", strings.TrimSpace(newCfg.Jobs.Channel)),
			logx.String("jobs.max_runtime", strings.TrimSpace(newCfg.Jobs.MaxRuntime)),
			logx.String("jobs.max_lifetime", strings.TrimSpace(newCfg.Jobs.MaxLifetime)),
			logx.Int("jobs.concurrency", newCfg.Jobs.Concurrency),
			logx.Bool("jobs.crontab_set", strings.TrimSpace(newCfg.Jobs.CrontabDir) != ""),
		)
	}

	// IPC (never log URLs)
	var kinds []string
	if !reflect.DeepEqual(oldCfg.IPC.Cache, newCfg.IPC.Cache) || oldCfg.IPC.LRUMax != newCfg.IPC.LRUMax {
		kinds = append(kinds, "cache")
	}
	if !reflect.DeepEqual(oldCfg.IPC.Queue, newCfg.IPC.Queue) {
		kinds = append(kinds, "queue")
	}
	if len(kinds) > 0 ||
		oldCfg.IPC.SystemQueue != newCfg.IPC.SystemQueue ||
		strings.TrimSpace(oldCfg.IPC.RequestTimeout) != strings.TrimSpace(newCfg.IPC.RequestTimeout) {
		changed = append(changed, "ipc")
		attrs = append(attrs,
			logx.Strings("ipc.cache_names", clientNames(newCfg.IPC.Cache)),
			logx.Strings("ipc.queue_names", clientNames(newCfg.IPC.Queue)),
			logx.String("ipc.system_queue", newCfg.IPC.SystemQueue),
		)
	}

	// Storage
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	// Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Admin (never log token)
	oA, nA := oldCfg.Admin, newCfg.Admin
	if oA.Enabled != nA.Enabled ||
		strings.TrimSpace(oA.Addr) != strings.TrimSpace(nA.Addr) ||
		oA.AllowInsecure != nA.AllowInsecure ||
		strings.TrimSpace(oA.ReadTimeout) != strings.TrimSpace(nA.ReadTimeout) ||
		strings.TrimSpace(oA.WriteTimeout) != strings.TrimSpace(nA.WriteTimeout) ||
		strings.TrimSpace(oA.IdleTimeout) != strings.TrimSpace(nA.IdleTimeout) ||
		(strings.TrimSpace(oA.Token) != "") != (strings.TrimSpace(nA.Token) != "") {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", nA.Enabled),
			logx.String("admin.addr", strings.TrimSpace(nA.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(nA.Token) != ""),
			logx.Bool("admin.allow_insecure", nA.AllowInsecure),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	sort.Strings(changed)
	return changed, attrs, kinds
}

func clientNames(m map[string]ClientConfig) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		if k == "" {
			k = "default"
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
