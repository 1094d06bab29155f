// Package redisq is the Redis cache and pub/sub backend.
//
// Cache calls map onto native commands. Connection failures are retried with
// exponential backoff while the dialer rotates through the known servers.
// With the "sentinel" option the master is resolved through sentinels and
// followed across failovers.
package redisq

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"

	"jobcluster/internal/errs"
	"jobcluster/internal/ipc"
	logx "jobcluster/pkg/logx"
)

type Client struct {
	ipc.BaseClient
	rdb  *redis.Client
	set  settings
	dial *rotator
	log  logx.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub
	stop []context.CancelFunc
	wg   sync.WaitGroup
}

// NewFactory returns the ipc.Factory for the redis:// scheme.
func NewFactory(log logx.Logger) ipc.Factory {
	return func(cfg ipc.ClientConfig) (ipc.Client, error) {
		return New(cfg, log), nil
	}
}

func New(cfg ipc.ClientConfig, log logx.Logger) *Client {
	s := parseSettings(cfg)
	l := log.With(logx.String("comp", "ipc.redis"), logx.String("client", cfg.Name))
	c := &Client{
		BaseClient: ipc.BaseClient{ClientName: cfg.Name, ClientURL: cfg.RawURL, Opts: cfg.Options},
		set:        s,
		log:        l,
		subs:       map[string]*redis.PubSub{},
	}
	if s.sentinelMaster != "" {
		c.rdb = redis.NewFailoverClient(s.failoverOptions())
	} else {
		c.dial = newRotator(s.addrs, s.connectTimeout, l)
		c.rdb = redis.NewClient(s.clientOptions(c.dial))
	}
	return c
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = c.set.retryMaxDelay
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.set.maxAttempts-1)), ctx)
}

// do runs op, retrying connection-level failures. Exhausted retries surface
// as a 503 so queue acks redeliver.
func (c *Client) do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, c.newBackoff(ctx), func(err error, next time.Duration) {
		c.log.Warn("redis: retrying", logx.String("op", name), logx.Int("attempt", attempt), logx.Duration("next", next), logx.Err(err))
	})
	if err != nil && retryable(err) {
		return errs.Wrap(errs.StatusUnavailable, err)
	}
	return err
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.ErrClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := err.Error()
	for _, p := range []string{"LOADING", "READONLY", "MASTERDOWN", "TRYAGAIN", "CLUSTERDOWN"} {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}

func (c *Client) Get(ctx context.Context, key string, opts ipc.Options) (string, error) {
	var v string
	err := c.do(ctx, "get", func(ctx context.Context) error {
		if opts.Set != "" {
			if err := c.rdb.SetNX(ctx, key, opts.Set, opts.TTL).Err(); err != nil {
				return err
			}
		}
		var err error
		v, err = c.rdb.Get(ctx, key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", ipc.ErrNotFound
	}
	return v, err
}

func (c *Client) Put(ctx context.Context, key, value string, opts ipc.Options) error {
	return c.do(ctx, "put", func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, opts.TTL).Err()
	})
}

func (c *Client) Incr(ctx context.Context, key string, delta int64, opts ipc.Options) (int64, error) {
	var n int64
	err := c.do(ctx, "incr", func(ctx context.Context) error {
		var incr *redis.IntCmd
		_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			incr = p.IncrBy(ctx, key, delta)
			if opts.TTL > 0 {
				p.Expire(ctx, key, opts.TTL)
			}
			return nil
		})
		if err != nil {
			return err
		}
		n = incr.Val()
		return nil
	})
	return n, err
}

func (c *Client) Del(ctx context.Context, key string) error {
	return c.do(ctx, "del", func(ctx context.Context) error {
		return c.rdb.Del(ctx, key).Err()
	})
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.do(ctx, "exists", func(ctx context.Context) error {
		var err error
		n, err = c.rdb.Exists(ctx, key).Result()
		return err
	})
	return n > 0, err
}

func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	var keys []string
	err := c.do(ctx, "keys", func(ctx context.Context) error {
		var err error
		keys, err = c.rdb.Keys(ctx, pattern).Result()
		return err
	})
	return keys, err
}

// Clear deletes keys matching pattern using SCAN. An empty pattern flushes
// the selected database.
func (c *Client) Clear(ctx context.Context, pattern string) error {
	if pattern == "" {
		return c.do(ctx, "flushdb", func(ctx context.Context) error {
			return c.rdb.FlushDB(ctx).Err()
		})
	}
	return c.do(ctx, "clear", func(ctx context.Context) error {
		iter := c.rdb.Scan(ctx, 0, pattern, 500).Iterator()
		batch := make([]string, 0, 500)
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == cap(batch) {
				if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(batch) > 0 {
			return c.rdb.Del(ctx, batch...).Err()
		}
		return nil
	})
}

func (c *Client) Stats(ctx context.Context) (map[string]string, error) {
	var info string
	err := c.do(ctx, "stats", func(ctx context.Context) error {
		var err error
		info, err = c.rdb.Info(ctx).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	st := parseInfo(info)
	if c.dial != nil {
		st["server"] = c.dial.current()
	}
	return st, nil
}

func (c *Client) Publish(ctx context.Context, channel string, data []byte, _ ipc.Options) error {
	return c.do(ctx, "publish", func(ctx context.Context) error {
		return c.rdb.Publish(ctx, channel, data).Err()
	})
}

// Subscribe delivers channel messages to h. Pub/sub has no acknowledgement;
// the subscription reconnects on its own after connection loss.
func (c *Client) Subscribe(ctx context.Context, channel string, _ ipc.Options, h ipc.MessageHandler) error {
	ps := c.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errs.Wrap(errs.StatusUnavailable, err)
	}
	c.mu.Lock()
	if prev := c.subs[channel]; prev != nil {
		_ = prev.Close()
	}
	c.subs[channel] = ps
	c.mu.Unlock()

	ch := ps.Channel()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				_ = c.Unsubscribe(context.Background(), channel)
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				h(ctx, []byte(m.Payload), nil)
			}
		}
	}()
	return nil
}

func (c *Client) Unsubscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	ps := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Monitor follows sentinel topology notifications and logs master switches.
// Without sentinels there is nothing to watch.
func (c *Client) Monitor(ctx context.Context, _ ipc.Options) error {
	if c.set.sentinelMaster == "" {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stop = append(c.stop, cancel)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		idx := 0
		for ctx.Err() == nil {
			addr := c.set.sentinelAddrs[idx%len(c.set.sentinelAddrs)]
			idx++
			c.watchSentinel(ctx, addr)
			select {
			case <-ctx.Done():
			case <-time.After(500 * time.Millisecond):
			}
		}
	}()
	return nil
}

func (c *Client) watchSentinel(ctx context.Context, addr string) {
	sc := redis.NewSentinelClient(&redis.Options{
		Addr:        addr,
		Password:    ipc.OptString(c.Opts, "sentinel_password", ""),
		DialTimeout: c.set.connectTimeout,
	})
	defer sc.Close()

	if master, err := sc.GetMasterAddrByName(ctx, c.set.sentinelMaster).Result(); err == nil && len(master) == 2 {
		c.log.Info("redis: sentinel master", logx.String("sentinel", addr), logx.String("master", net.JoinHostPort(master[0], master[1])))
	}
	ps := sc.Subscribe(ctx, "+switch-master")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			c.log.Warn("redis: sentinel subscribe failed", logx.String("sentinel", addr), logx.Err(err))
		}
		return
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			// payload: <name> <old-ip> <old-port> <new-ip> <new-port>
			f := strings.Fields(m.Payload)
			if len(f) == 5 && f[0] == c.set.sentinelMaster {
				c.log.Warn("redis: master switched",
					logx.String("from", net.JoinHostPort(f[1], f[2])),
					logx.String("to", net.JoinHostPort(f[3], f[4])))
			}
		}
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	for ch, ps := range c.subs {
		_ = ps.Close()
		delete(c.subs, ch)
	}
	for _, cancel := range c.stop {
		cancel()
	}
	c.stop = nil
	c.mu.Unlock()
	c.wg.Wait()
	return c.rdb.Close()
}
