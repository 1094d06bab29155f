package ipc

import (
	"context"
	"errors"
	"time"
)

const timerKeyPrefix = "TIMER:"

// CheckTimer reports whether the named timer was idle, arming it for interval
// when it was. Callers use it to run something at most once per interval
// across every process sharing cache.
func CheckTimer(ctx context.Context, cache Cache, name string, interval time.Duration) (bool, error) {
	key := timerKeyPrefix + name
	_, err := cache.Get(ctx, key, Options{})
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, ErrNotFound):
		return false, err
	}
	if err := cache.Put(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), Options{TTL: interval}); err != nil {
		return false, err
	}
	return true, nil
}

// ResetTimer clears the named timer.
func ResetTimer(ctx context.Context, cache Cache, name string) error {
	return cache.Del(ctx, timerKeyPrefix+name)
}
