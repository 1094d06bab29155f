package redisq

import (
	"context"
	"net"
	"sync"
	"time"

	logx "jobcluster/pkg/logx"
)

// rotator dials the first reachable server of a list, starting from the one
// that last worked.
type rotator struct {
	mu     sync.Mutex
	addrs  []string
	cur    int
	dialer net.Dialer
	log    logx.Logger
}

func newRotator(addrs []string, timeout time.Duration, log logx.Logger) *rotator {
	return &rotator{addrs: addrs, dialer: net.Dialer{Timeout: timeout}, log: log}
}

func (r *rotator) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addrs[r.cur]
}

// DialContext ignores addr and walks the server list instead.
func (r *rotator) DialContext(ctx context.Context, network, _ string) (net.Conn, error) {
	r.mu.Lock()
	start, n := r.cur, len(r.addrs)
	r.mu.Unlock()

	var lastErr error
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		addr := r.addrs[idx]
		conn, err := r.dialer.DialContext(ctx, network, addr)
		if err == nil {
			if i > 0 {
				r.log.Warn("redis: switched server", logx.String("addr", addr))
			}
			r.mu.Lock()
			r.cur = idx
			r.mu.Unlock()
			return conn, nil
		}
		lastErr = err
		if n > 1 {
			r.log.Debug("redis: dial failed, trying next server", logx.String("addr", addr), logx.Err(err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}
