package redisq

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobcluster/internal/ipc"
)

const (
	defaultPort          = "6379"
	defaultMaxAttempts   = 3
	clusterMaxAttempts   = 10
	defaultRetryMaxDelay = time.Minute
)

// settings is everything derived from the URL and options.
type settings struct {
	addrs          []string
	password       string
	db             int
	connectTimeout time.Duration
	maxAttempts    int
	retryMaxDelay  time.Duration
	sentinelMaster string
	sentinelAddrs  []string
	poolSize       int
}

func parseSettings(cfg ipc.ClientConfig) settings {
	s := settings{
		connectTimeout: ipc.OptDuration(cfg.Options, "connect_timeout", 5*time.Second),
		retryMaxDelay:  ipc.OptDuration(cfg.Options, "retry_max_delay", defaultRetryMaxDelay),
		sentinelMaster: ipc.OptString(cfg.Options, "sentinel", ""),
		poolSize:       ipc.OptInt(cfg.Options, "pool_size", 0),
		password:       ipc.OptString(cfg.Options, "password", ""),
	}
	if cfg.URL != nil {
		if p, ok := cfg.URL.User.Password(); ok && s.password == "" {
			s.password = p
		}
		if n, err := strconv.Atoi(strings.Trim(cfg.URL.Path, "/")); err == nil {
			s.db = n
		}
		if h := cfg.URL.Host; h != "" {
			s.addrs = append(s.addrs, withPort(h))
		}
	}
	s.db = ipc.OptInt(cfg.Options, "db", s.db)
	for _, h := range ipc.OptList(cfg.Options, "servers") {
		s.addrs = appendUnique(s.addrs, withPort(h))
	}
	if len(s.addrs) == 0 {
		s.addrs = []string{net.JoinHostPort("127.0.0.1", defaultPort)}
	}
	def := defaultMaxAttempts
	if len(s.addrs) > 1 {
		def = clusterMaxAttempts
	}
	s.maxAttempts = ipc.OptInt(cfg.Options, "max_attempts", def)
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	if s.sentinelMaster != "" {
		s.sentinelAddrs = append([]string(nil), s.addrs...)
		for _, h := range ipc.OptList(cfg.Options, "sentinel_servers") {
			s.sentinelAddrs = appendUnique(s.sentinelAddrs, withPort(h))
		}
	}
	return s
}

func (s settings) clientOptions(dial *rotator) *redis.Options {
	return &redis.Options{
		Addr:        s.addrs[0],
		Password:    s.password,
		DB:          s.db,
		DialTimeout: s.connectTimeout,
		PoolSize:    s.poolSize,
		Dialer:      dial.DialContext,
		// retries are driven by Client.do
		MaxRetries: -1,
	}
}

func (s settings) failoverOptions() *redis.FailoverOptions {
	return &redis.FailoverOptions{
		MasterName:    s.sentinelMaster,
		SentinelAddrs: s.sentinelAddrs,
		Password:      s.password,
		DB:            s.db,
		DialTimeout:   s.connectTimeout,
		PoolSize:      s.poolSize,
		MaxRetries:    -1,
	}
}

func withPort(h string) string {
	if _, _, err := net.SplitHostPort(h); err == nil {
		return h
	}
	return net.JoinHostPort(h, defaultPort)
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// parseInfo flattens INFO output into key/value pairs.
func parseInfo(s string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
