package local

import (
	"context"
	"errors"

	"jobcluster/internal/ipc"
)

// Serve installs the master-side cache:* and queue:* handlers backed by s.
func Serve(bus *ipc.Bus, s *Store) {
	opts := func(m *ipc.Msg) ipc.Options {
		return ipc.Options{TTL: m.TTLDuration(), Set: m.Set}
	}
	reply := func(from ipc.Sender, m *ipc.Msg, err error) {
		m.SetError(err)
		_ = ipc.Reply(from, m)
	}

	bus.OnServer(ipc.OpCacheGet, func(ctx context.Context, from ipc.Sender, m *ipc.Msg) {
		v, err := s.Get(ctx, m.Name, opts(m))
		if errors.Is(err, ipc.ErrNotFound) {
			reply(from, m, nil)
			return
		}
		m.Value, m.Exists = v, err == nil
		reply(from, m, err)
	})
	bus.OnServer(ipc.OpCacheExists, func(ctx context.Context, from ipc.Sender, m *ipc.Msg) {
		ok, err := s.Exists(ctx, m.Name)
		m.Exists = ok
		reply(from, m, err)
	})
	bus.OnServer(ipc.OpCachePut, func(ctx context.Context, from ipc.Sender, m *ipc.Msg) {
		reply(from, m, s.Put(ctx, m.Name, m.Value, opts(m)))
	})
	bus.OnServer(ipc.OpCacheIncr, func(ctx context.Context, from ipc.Sender, m *ipc.Msg) {
		n, err := s.Incr(ctx, m.Name, m.Count, opts(m))
		m.Count = n
		reply(from, m, err)
	})
	bus.OnServer(ipc.OpCacheDel, func(ctx context.Context, from ipc.Sender, m *ipc.Msg) {
		reply(from, m, s.Del(ctx, m.Name))
	})
	bus.OnServer(ipc.OpCacheKeys, func(ctx context.Context, from ipc.Sender, m *ipc.Msg) {
		keys, err := s.Keys(ctx, m.Pattern)
		m.Keys = keys
		reply(from, m, err)
	})
	bus.OnServer(ipc.OpCacheClear, func(ctx context.Context, from ipc.Sender, m *ipc.Msg) {
		reply(from, m, s.Clear(ctx, m.Pattern))
	})
	bus.OnServer(ipc.OpCacheStats, func(ctx context.Context, from ipc.Sender, m *ipc.Msg) {
		st, err := s.Stats(ctx)
		m.Stats = st
		reply(from, m, err)
	})
	bus.OnServer(ipc.OpQueuePush, func(_ context.Context, from ipc.Sender, m *ipc.Msg) {
		s.Push(m.Name, m.Value)
		reply(from, m, nil)
	})
	bus.OnServer(ipc.OpQueuePop, func(_ context.Context, from ipc.Sender, m *ipc.Msg) {
		m.Value, m.Exists = s.Pop(m.Name)
		reply(from, m, nil)
	})
}
