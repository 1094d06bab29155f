package local

import (
	"context"
	"sync"
	"time"

	"jobcluster/internal/ipc"
	logx "jobcluster/pkg/logx"
)

const defaultPollInterval = 500 * time.Millisecond

// Client reaches the master's Store over the bus. In the master the bus
// short-circuits, so the same client serves both roles.
//
// Queue delivery is at-most-once: messages are popped before the handler
// runs and no ack is passed.
type Client struct {
	ipc.BaseClient
	bus  *ipc.Bus
	log  logx.Logger
	poll time.Duration

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// NewFactory returns the ipc.Factory for the local:// scheme.
func NewFactory(bus *ipc.Bus, log logx.Logger) ipc.Factory {
	return func(cfg ipc.ClientConfig) (ipc.Client, error) {
		return &Client{
			BaseClient: ipc.BaseClient{ClientName: cfg.Name, ClientURL: cfg.RawURL, Opts: cfg.Options},
			bus:        bus,
			log:        log.With(logx.String("comp", "ipc.local"), logx.String("client", cfg.Name)),
			poll:       ipc.OptDuration(cfg.Options, "interval", defaultPollInterval),
			subs:       map[string]context.CancelFunc{},
		}, nil
	}
}

func (c *Client) call(ctx context.Context, m *ipc.Msg) (*ipc.Msg, error) {
	return c.bus.Request(ctx, m)
}

func (c *Client) Get(ctx context.Context, key string, opts ipc.Options) (string, error) {
	r, err := c.call(ctx, &ipc.Msg{Op: ipc.OpCacheGet, Name: key, Set: opts.Set, TTL: opts.TTL.Milliseconds()})
	if err != nil {
		return "", err
	}
	if !r.Exists {
		return "", ipc.ErrNotFound
	}
	return r.Value, nil
}

func (c *Client) Put(ctx context.Context, key, value string, opts ipc.Options) error {
	_, err := c.call(ctx, &ipc.Msg{Op: ipc.OpCachePut, Name: key, Value: value, TTL: opts.TTL.Milliseconds()})
	return err
}

func (c *Client) Incr(ctx context.Context, key string, delta int64, opts ipc.Options) (int64, error) {
	r, err := c.call(ctx, &ipc.Msg{Op: ipc.OpCacheIncr, Name: key, Count: delta, TTL: opts.TTL.Milliseconds()})
	if err != nil {
		return 0, err
	}
	return r.Count, nil
}

func (c *Client) Del(ctx context.Context, key string) error {
	_, err := c.call(ctx, &ipc.Msg{Op: ipc.OpCacheDel, Name: key})
	return err
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	r, err := c.call(ctx, &ipc.Msg{Op: ipc.OpCacheExists, Name: key})
	if err != nil {
		return false, err
	}
	return r.Exists, nil
}

func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	r, err := c.call(ctx, &ipc.Msg{Op: ipc.OpCacheKeys, Pattern: pattern})
	if err != nil {
		return nil, err
	}
	return r.Keys, nil
}

func (c *Client) Clear(ctx context.Context, pattern string) error {
	_, err := c.call(ctx, &ipc.Msg{Op: ipc.OpCacheClear, Pattern: pattern})
	return err
}

func (c *Client) Stats(ctx context.Context) (map[string]string, error) {
	r, err := c.call(ctx, &ipc.Msg{Op: ipc.OpCacheStats})
	if err != nil {
		return nil, err
	}
	return r.Stats, nil
}

func (c *Client) Publish(ctx context.Context, channel string, data []byte, _ ipc.Options) error {
	_, err := c.call(ctx, &ipc.Msg{Op: ipc.OpQueuePush, Name: channel, Value: string(data)})
	return err
}

// Subscribe polls the master queue for channel. A second Subscribe on the
// same channel replaces the first.
func (c *Client) Subscribe(ctx context.Context, channel string, opts ipc.Options, h ipc.MessageHandler) error {
	sctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if prev := c.subs[channel]; prev != nil {
		prev()
	}
	c.subs[channel] = cancel
	c.mu.Unlock()

	poll := c.poll
	if d := ipc.OptDuration(opts.Raw, "interval", 0); d > 0 {
		poll = d
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollLoop(sctx, channel, poll, h)
	}()
	return nil
}

func (c *Client) pollLoop(ctx context.Context, channel string, poll time.Duration, h ipc.MessageHandler) {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for ctx.Err() == nil {
			r, err := c.call(ctx, &ipc.Msg{Op: ipc.OpQueuePop, Name: channel})
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("local: queue pop failed", logx.String("channel", channel), logx.Err(err))
				}
				break
			}
			if !r.Exists {
				break
			}
			h(ctx, []byte(r.Value), nil)
		}
		t.Reset(poll)
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

func (c *Client) Close() error {
	c.mu.Lock()
	for ch, cancel := range c.subs {
		cancel()
		delete(c.subs, ch)
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
