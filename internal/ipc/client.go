package ipc

import (
	"context"
	"time"
)

// Options tune a single cache or queue call.
type Options struct {
	// TTL for put/incr, zero means the backend default.
	TTL time.Duration
	// Set is stored by Get when the key is missing.
	Set string
	// Count is the batch size for queue polls.
	Count int
	// Raw carries backend-specific settings.
	Raw map[string]string
}

// AckFunc completes one delivered queue message. A nil error deletes it,
// a retryable error (status >= 500) redelivers it, anything else drops it.
type AckFunc func(err error)

// MessageHandler consumes one queue message.
type MessageHandler func(ctx context.Context, data []byte, ack AckFunc)

// LimiterOptions describe a named token bucket.
type LimiterOptions struct {
	Name     string
	Rate     float64
	Max      float64
	Interval time.Duration
	Consume  float64
}

// Cache is the key/value half of a backend.
type Cache interface {
	// Get returns ErrNotFound for a missing key unless opts.Set is given,
	// in which case the value is stored and returned.
	Get(ctx context.Context, key string, opts Options) (string, error)
	Put(ctx context.Context, key, value string, opts Options) error
	Incr(ctx context.Context, key string, delta int64, opts Options) (int64, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Clear(ctx context.Context, pattern string) error
	Stats(ctx context.Context) (map[string]string, error)
}

// Queue is the messaging half of a backend.
type Queue interface {
	Publish(ctx context.Context, channel string, data []byte, opts Options) error
	// Subscribe delivers messages to h until Unsubscribe or ctx is done.
	Subscribe(ctx context.Context, channel string, opts Options, h MessageHandler) error
	Unsubscribe(ctx context.Context, channel string) error
	// Monitor starts backend housekeeping, e.g. stale message reporting.
	Monitor(ctx context.Context, opts Options) error
	// Limiter consumes from a named bucket, returning the wait before the
	// next attempt, 0 when consumed.
	Limiter(ctx context.Context, lo LimiterOptions) (time.Duration, error)
}

// Client is one configured backend.
type Client interface {
	Name() string
	URL() string
	Cache
	Queue
	Close() error
}

// BaseClient answers every operation with ErrNotSupported. Backends embed it
// and override what they implement.
type BaseClient struct {
	ClientName string
	ClientURL  string
	Opts       map[string]string
}

func (c *BaseClient) Name() string { return c.ClientName }
func (c *BaseClient) URL() string  { return c.ClientURL }

func (c *BaseClient) Get(context.Context, string, Options) (string, error) {
	return "", ErrNotSupported
}
func (c *BaseClient) Put(context.Context, string, string, Options) error { return ErrNotSupported }
func (c *BaseClient) Incr(context.Context, string, int64, Options) (int64, error) {
	return 0, ErrNotSupported
}
func (c *BaseClient) Del(context.Context, string) error             { return ErrNotSupported }
func (c *BaseClient) Exists(context.Context, string) (bool, error)  { return false, ErrNotSupported }
func (c *BaseClient) Keys(context.Context, string) ([]string, error) { return nil, ErrNotSupported }
func (c *BaseClient) Clear(context.Context, string) error           { return ErrNotSupported }
func (c *BaseClient) Stats(context.Context) (map[string]string, error) {
	return nil, ErrNotSupported
}
func (c *BaseClient) Publish(context.Context, string, []byte, Options) error {
	return ErrNotSupported
}
func (c *BaseClient) Subscribe(context.Context, string, Options, MessageHandler) error {
	return ErrNotSupported
}
func (c *BaseClient) Unsubscribe(context.Context, string) error { return ErrNotSupported }
func (c *BaseClient) Monitor(context.Context, Options) error    { return ErrNotSupported }
func (c *BaseClient) Limiter(context.Context, LimiterOptions) (time.Duration, error) {
	return 0, ErrNotSupported
}
func (c *BaseClient) Close() error { return nil }
