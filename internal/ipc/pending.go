package ipc

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type reply struct {
	msg *Msg
	err error
}

type pendingReply struct {
	once sync.Once
	ch   chan reply
}

func (p *pendingReply) finish(m *Msg, err error) {
	p.once.Do(func() {
		p.ch <- reply{msg: m, err: err}
	})
}

// pendingTable holds in-flight requests keyed by correlation id. Entries that
// outlive their timeout are evicted by the cache janitor, which completes the
// waiter with ErrTimeout.
type pendingTable struct {
	c *gocache.Cache
}

func newPendingTable(sweep time.Duration) *pendingTable {
	c := gocache.New(gocache.NoExpiration, sweep)
	c.OnEvicted(func(_ string, v interface{}) {
		if p, ok := v.(*pendingReply); ok {
			p.finish(nil, ErrTimeout)
		}
	})
	return &pendingTable{c: c}
}

func (t *pendingTable) add(id string, timeout time.Duration) *pendingReply {
	p := &pendingReply{ch: make(chan reply, 1)}
	ttl := gocache.NoExpiration
	if timeout > 0 {
		ttl = timeout
	}
	t.c.Set(id, p, ttl)
	return p
}

// resolve completes the waiter for m.ID. It reports false when nothing waits.
func (t *pendingTable) resolve(m *Msg) bool {
	if m == nil || m.ID == "" {
		return false
	}
	v, ok := t.c.Get(m.ID)
	if !ok {
		return false
	}
	p := v.(*pendingReply)
	p.finish(m, nil)
	t.c.Delete(m.ID)
	return true
}

func (t *pendingTable) cancel(id string, err error) {
	if v, ok := t.c.Get(id); ok {
		v.(*pendingReply).finish(nil, err)
	}
	t.c.Delete(id)
}

func (t *pendingTable) len() int { return t.c.ItemCount() }
