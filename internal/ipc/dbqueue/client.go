// Package dbqueue is a queue backend persisting messages in a database table.
//
// Consumers select visible rows and claim each with a conditional update;
// a consumer that loses the claim skips the row. Claimed rows are deleted on
// a successful or terminal ack and made visible again on a retryable error.
// A row whose consumer never acks stays hidden.
package dbqueue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobcluster/internal/errs"
	"jobcluster/internal/ipc"
	"jobcluster/internal/storage"
	logx "jobcluster/pkg/logx"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultCount      = 1
	DefaultVisibility = time.Hour

	monitorKey = "\x00monitor"
)

type Client struct {
	ipc.BaseClient
	store      storage.QueueStore
	ownStore   bool
	log        logx.Logger
	interval   time.Duration
	count      int
	visibility time.Duration

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// NewFactory returns the ipc.Factory for the db:// scheme. A URL with a path
// (db:///var/lib/queue.db) opens its own sqlite file; db://memory opens a
// private in-memory database; a bare db:// uses shared.
func NewFactory(shared storage.QueueStore, log logx.Logger) ipc.Factory {
	return func(cfg ipc.ClientConfig) (ipc.Client, error) {
		store, own := shared, false
		switch {
		case cfg.URL.Host == "memory":
			s, err := storage.Open(storage.Config{Driver: "memory"}, log)
			if err != nil {
				return nil, err
			}
			store, own = s, true
		case strings.Trim(cfg.URL.Path, "/") != "":
			s, err := storage.Open(storage.Config{
				Driver:      "sqlite",
				Path:        cfg.URL.Path,
				BusyTimeout: ipc.OptDuration(cfg.Options, "busy_timeout", 0),
			}, log)
			if err != nil {
				return nil, err
			}
			store, own = s, true
		}
		if store == nil {
			return nil, storage.ErrDisabled
		}
		return New(cfg.Name, cfg.RawURL, store, own, cfg.Options, log), nil
	}
}

// New wraps store. When own is set Close also closes the store.
func New(name, rawURL string, store storage.QueueStore, own bool, opts map[string]string, log logx.Logger) *Client {
	count := ipc.OptInt(opts, "count", DefaultCount)
	if count < 1 {
		count = 1
	}
	interval := ipc.OptDuration(opts, "interval", DefaultInterval)
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return &Client{
		BaseClient: ipc.BaseClient{ClientName: name, ClientURL: rawURL, Opts: opts},
		store:      store,
		ownStore:   own,
		log:        log.With(logx.String("comp", "ipc.db"), logx.String("client", name)),
		interval:   interval,
		count:      count,
		visibility: ipc.OptDuration(opts, "visibility", DefaultVisibility),
		subs:       map[string]context.CancelFunc{},
	}
}

func (c *Client) Publish(ctx context.Context, channel string, data []byte, _ ipc.Options) error {
	return c.store.Insert(ctx, storage.QueueRow{
		ID:      uuid.NewString(),
		Channel: channel,
		Data:    data,
		Mtime:   time.Now(),
	})
}

func (c *Client) Subscribe(ctx context.Context, channel string, opts ipc.Options, h ipc.MessageHandler) error {
	count := c.count
	if opts.Count > 0 {
		count = opts.Count
	}
	sctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if prev := c.subs[channel]; prev != nil {
		prev()
	}
	c.subs[channel] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.listen(sctx, channel, count, h)
	}()
	return nil
}

func (c *Client) listen(ctx context.Context, channel string, count int, h ipc.MessageHandler) {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		start := time.Now()
		rows, claimed, err := c.poll(ctx, channel, count, h)
		if err != nil && ctx.Err() == nil {
			c.log.Warn("db queue poll failed", logx.String("channel", channel), logx.Err(err))
		}
		wait := c.interval - time.Since(start)
		// rows seen but all taken by others, or a full batch: select again now
		if (rows > 0 && claimed == 0) || rows >= count {
			wait = 0
		}
		if wait < 0 {
			wait = 0
		}
		t.Reset(wait)
	}
}

// poll processes one batch and returns how many rows it saw and claimed.
func (c *Client) poll(ctx context.Context, channel string, count int, h ipc.MessageHandler) (int, int, error) {
	rows, err := c.store.Pending(ctx, channel, count)
	if err != nil {
		return 0, 0, err
	}
	claimed := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		ok, err := c.store.Claim(ctx, row.ID)
		if err != nil {
			c.log.Warn("db queue claim failed", logx.String("id", row.ID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		claimed++
		done := make(chan struct{})
		h(ctx, row.Data, c.ack(row.ID, done))
		select {
		case <-done:
		case <-ctx.Done():
		case <-time.After(c.visibility):
			c.log.Warn("db queue message not acknowledged", logx.String("id", row.ID), logx.Duration("waited", c.visibility))
		}
	}
	return len(rows), claimed, nil
}

func (c *Client) ack(id string, done chan struct{}) ipc.AckFunc {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			defer close(done)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			switch {
			case err == nil:
				if derr := c.store.Delete(ctx, id); derr != nil {
					c.log.Warn("db queue delete failed", logx.String("id", id), logx.Err(derr))
				}
			case errs.Retryable(err):
				if rerr := c.store.Release(ctx, id); rerr != nil {
					c.log.Warn("db queue release failed", logx.String("id", id), logx.Err(rerr))
				}
			default:
				c.log.Warn("db queue dropped message after terminal error", logx.String("id", id), logx.Err(err))
				if derr := c.store.Delete(ctx, id); derr != nil {
					c.log.Warn("db queue delete failed", logx.String("id", id), logx.Err(derr))
				}
			}
		})
	}
}

func (c *Client) Unsubscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	cancel := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Monitor reports rows hidden longer than the visibility timeout. It only
// logs; stuck rows are never released automatically.
func (c *Client) Monitor(ctx context.Context, _ ipc.Options) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if prev := c.subs[monitorKey]; prev != nil {
		prev()
	}
	c.subs[monitorKey] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			n, err := c.store.Stale(ctx, time.Now().Add(-c.visibility))
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("db queue stale check failed", logx.Err(err))
				}
				continue
			}
			if n > 0 {
				c.log.Warn("db queue has stale hidden messages", logx.Int("count", n), logx.Duration("visibility", c.visibility))
			}
		}
	}()
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	for ch, cancel := range c.subs {
		cancel()
		delete(c.subs, ch)
	}
	c.mu.Unlock()
	c.wg.Wait()
	if c.ownStore {
		return c.store.Close()
	}
	return nil
}
