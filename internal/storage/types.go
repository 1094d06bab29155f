package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// StatusHidden marks a row claimed by a consumer.
const StatusHidden = "hidden"

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": private in-memory SQLite database (tests, single-host demos)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means sqlite default
}

type QueueRow struct {
	ID      string
	Status  string
	Channel string
	Data    []byte
	Mtime   time.Time
}

// QueueStore is the persistence API of the db:// queue backend.
type QueueStore interface {
	Insert(ctx context.Context, row QueueRow) error
	// Pending returns up to limit visible rows of channel, oldest first.
	Pending(ctx context.Context, channel string, limit int) ([]QueueRow, error)
	// Claim hides a visible row. It reports false when another consumer won.
	Claim(ctx context.Context, id string) (bool, error)
	// Release makes a claimed row visible again for redelivery.
	Release(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	// Stale counts rows hidden since before the given time.
	Stale(ctx context.Context, before time.Time) (int, error)
	Close() error
}
