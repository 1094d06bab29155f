// Package local is the master-resident backend: an LRU cache and simple FIFO
// queues living in the master process, reached by workers over the bus.
package local

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"jobcluster/internal/errs"
	"jobcluster/internal/ipc"
)

const DefaultSize = 10000

type entry struct {
	value   string
	expires time.Time
}

// Store is an LRU cache with per-key expiry plus named FIFO queues.
// It implements ipc.Cache for use inside the master.
type Store struct {
	mu     sync.Mutex
	lru    *lru.Cache
	queues map[string][]string
	hits   uint64
	misses uint64
	now    func() time.Time
}

func NewStore(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Store{lru: c, queues: map[string][]string{}, now: time.Now}, nil
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// lookup must be called with s.mu held.
func (s *Store) lookup(key string) (*entry, bool) {
	v, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		s.lru.Remove(key)
		return nil, false
	}
	return e, true
}

func (s *Store) Get(_ context.Context, key string, opts ipc.Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.lookup(key); ok {
		s.hits++
		return e.value, nil
	}
	s.misses++
	if opts.Set == "" {
		return "", ipc.ErrNotFound
	}
	s.lru.Add(key, &entry{value: opts.Set, expires: s.expiry(opts.TTL)})
	return opts.Set, nil
}

func (s *Store) Put(_ context.Context, key, value string, opts ipc.Options) error {
	s.mu.Lock()
	s.lru.Add(key, &entry{value: value, expires: s.expiry(opts.TTL)})
	s.mu.Unlock()
	return nil
}

// Incr adds delta to a numeric value, treating a missing key as 0. Without a
// TTL the existing expiry is kept.
func (s *Store) Incr(_ context.Context, key string, delta int64, opts ipc.Options) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	exp := s.expiry(opts.TTL)
	if e, ok := s.lookup(key); ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, errs.Errorf(errs.StatusBadRequest, "local: value of %q is not an integer", key)
		}
		n = v
		if opts.TTL <= 0 {
			exp = e.expires
		}
	}
	n += delta
	s.lru.Add(key, &entry{value: strconv.FormatInt(n, 10), expires: exp})
	return n, nil
}

func (s *Store) Del(_ context.Context, key string) error {
	s.mu.Lock()
	s.lru.Remove(key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookup(key)
	return ok, nil
}

// Keys returns live keys matching a path.Match glob; empty matches all.
func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, k := range s.lru.Keys() {
		key := k.(string)
		if ok, _ := match(pattern, key); !ok {
			continue
		}
		if _, live := s.lookup(key); live {
			out = append(out, key)
		}
	}
	return out, nil
}

func (s *Store) Clear(_ context.Context, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pattern == "" || pattern == "*" {
		s.lru.Purge()
		return nil
	}
	for _, k := range s.lru.Keys() {
		if ok, _ := match(pattern, k.(string)); ok {
			s.lru.Remove(k)
		}
	}
	return nil
}

func (s *Store) Stats(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := 0
	for _, q := range s.queues {
		queued += len(q)
	}
	return map[string]string{
		"size":   strconv.Itoa(s.lru.Len()),
		"hits":   strconv.FormatUint(s.hits, 10),
		"misses": strconv.FormatUint(s.misses, 10),
		"queues": strconv.Itoa(len(s.queues)),
		"queued": strconv.Itoa(queued),
	}, nil
}

// Push appends to the named queue.
func (s *Store) Push(channel, data string) {
	s.mu.Lock()
	s.queues[channel] = append(s.queues[channel], data)
	s.mu.Unlock()
}

// Pop removes the oldest message of the named queue.
func (s *Store) Pop(channel string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[channel]
	if len(q) == 0 {
		return "", false
	}
	v := q[0]
	if len(q) == 1 {
		delete(s.queues, channel)
	} else {
		s.queues[channel] = q[1:]
	}
	return v, true
}

func match(pattern, key string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	return path.Match(pattern, key)
}

var _ ipc.Cache = (*Store)(nil)
