package ipc

import (
	"context"
	"strings"
	"sync"
)

// memCache is a map-backed Cache for tests; TTLs are ignored.
type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCache() *memCache { return &memCache{data: map[string]string{}} }

func (c *memCache) Get(_ context.Context, key string, opts Options) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		if opts.Set == "" {
			return "", ErrNotFound
		}
		c.data[key] = opts.Set
		return opts.Set, nil
	}
	return v, nil
}

func (c *memCache) Put(_ context.Context, key, value string, _ Options) error {
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
	return nil
}

func (c *memCache) Incr(context.Context, string, int64, Options) (int64, error) {
	return 0, ErrNotSupported
}

func (c *memCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	return nil
}

func (c *memCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok, nil
}

func (c *memCache) Keys(_ context.Context, pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for k := range c.data {
		if strings.HasPrefix(k, strings.TrimSuffix(pattern, "*")) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (c *memCache) Clear(context.Context, string) error {
	c.mu.Lock()
	c.data = map[string]string{}
	c.mu.Unlock()
	return nil
}

func (c *memCache) Stats(context.Context) (map[string]string, error) { return nil, nil }

// stubClient records Close calls.
type stubClient struct {
	BaseClient
	closed int
}

func (c *stubClient) Close() error {
	c.closed++
	return nil
}
