package ipc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobcluster/internal/errs"
	"jobcluster/internal/eventbus"
	logx "jobcluster/pkg/logx"
)

var (
	ErrTimeout      = errs.New(errs.StatusTimeout, "ipc: request timed out")
	ErrNoMaster     = errors.New("ipc: no master channel")
	ErrNotSupported = errors.New("ipc: operation not supported")
	ErrNotFound     = errs.New(errs.StatusNotFound, "ipc: not found")
)

const DefaultRequestTimeout = 5 * time.Second

// HandlerFunc processes one message. from is the channel the message came in
// on; handlers answering requests call Reply(from, m).
type HandlerFunc func(ctx context.Context, from Sender, m *Msg)

type Option func(*Bus)

func WithLogger(log logx.Logger) Option { return func(b *Bus) { b.log = log } }

func WithEvents(events eventbus.Bus) Option { return func(b *Bus) { b.events = events } }

func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithName sets the process name used for system queue channels.
func WithName(name string) Option {
	return func(b *Bus) {
		if name != "" {
			b.name = name
		}
	}
}

// Bus dispatches messages by op code for one process.
type Bus struct {
	role    Role
	name    string
	log     logx.Logger
	events  eventbus.Bus
	timeout time.Duration

	mu     sync.RWMutex
	server map[string]HandlerFunc
	worker map[string]HandlerFunc
	master Sender

	pending *pendingTable
}

func NewBus(role Role, opts ...Option) *Bus {
	b := &Bus{
		role:    role,
		name:    "jobcluster",
		log:     logx.Nop(),
		timeout: DefaultRequestTimeout,
		server:  map[string]HandlerFunc{},
		worker:  map[string]HandlerFunc{},
		pending: newPendingTable(50 * time.Millisecond),
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	b.log = b.log.With(logx.String("comp", "ipc"), logx.String("role", string(role)))
	return b
}

func (b *Bus) Role() Role     { return b.role }
func (b *Bus) IsMaster() bool { return b.role == RoleMaster }
func (b *Bus) Name() string   { return b.name }

// OnServer registers a master-side handler, replacing any previous one.
func (b *Bus) OnServer(op string, h HandlerFunc) {
	b.mu.Lock()
	b.server[op] = h
	b.mu.Unlock()
}

// OnWorker registers a worker-side handler, replacing any previous one.
func (b *Bus) OnWorker(op string, h HandlerFunc) {
	b.mu.Lock()
	b.worker[op] = h
	b.mu.Unlock()
}

// Connect sets the channel a worker uses to reach the master.
func (b *Bus) Connect(master Sender) {
	b.mu.Lock()
	b.master = master
	b.mu.Unlock()
}

// Send delivers m to the master without waiting. In the master it is
// dispatched in-process.
func (b *Bus) Send(ctx context.Context, m *Msg) error {
	if m == nil || m.Op == "" {
		return errors.New("ipc: message without op")
	}
	if b.IsMaster() {
		b.HandleServer(ctx, discard{}, m)
		return nil
	}
	b.mu.RLock()
	master := b.master
	b.mu.RUnlock()
	if master == nil {
		return ErrNoMaster
	}
	return master.Send(m)
}

// Request sends m with __res set and waits for the reply, up to the bus
// request timeout. An error carried in the reply is returned alongside it.
func (b *Bus) Request(ctx context.Context, m *Msg) (*Msg, error) {
	return b.RequestTimeout(ctx, m, b.timeout)
}

func (b *Bus) RequestTimeout(ctx context.Context, m *Msg, timeout time.Duration) (*Msg, error) {
	if m == nil || m.Op == "" {
		return nil, errors.New("ipc: message without op")
	}
	req := m.Clone()
	req.Res = true
	req.ID = uuid.NewString()

	p := b.pending.add(req.ID, timeout)
	var err error
	if b.IsMaster() {
		b.HandleServer(ctx, SenderFunc(func(r *Msg) error {
			b.pending.resolve(r)
			return nil
		}), req)
	} else {
		err = b.Send(ctx, req)
	}
	if err != nil {
		b.pending.cancel(req.ID, err)
	}

	select {
	case r := <-p.ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.msg, r.msg.Error()
	case <-ctx.Done():
		b.pending.cancel(req.ID, ctx.Err())
		return nil, ctx.Err()
	}
}

// Reply answers a request message. Messages without __res are not answered.
func Reply(from Sender, m *Msg) error {
	if m == nil || !m.Res || from == nil {
		return nil
	}
	return from.Send(m)
}

// HandleServer dispatches a message received by the master. Requests for ops
// without a handler are answered with a not-found error.
func (b *Bus) HandleServer(ctx context.Context, from Sender, m *Msg) {
	if m == nil {
		return
	}
	b.mu.RLock()
	h := b.server[m.Op]
	b.mu.RUnlock()
	b.dispatch(ctx, h, from, m)
}

// HandleWorker dispatches a message received by a worker from the master.
// Replies to pending requests complete the request instead.
func (b *Bus) HandleWorker(ctx context.Context, from Sender, m *Msg) {
	if m == nil {
		return
	}
	if m.ID != "" {
		// the master never originates requests, so an id means a reply
		if !b.pending.resolve(m) {
			b.log.Debug("ipc: late reply dropped", logx.String("op", m.Op), logx.String("id", m.ID))
		}
		return
	}
	b.mu.RLock()
	h := b.worker[m.Op]
	b.mu.RUnlock()
	b.dispatch(ctx, h, from, m)
}

func (b *Bus) dispatch(ctx context.Context, h HandlerFunc, from Sender, m *Msg) {
	if b.log.Enabled(logx.LevelTrace) {
		b.log.Trace("ipc message", logx.String("op", m.Op), logx.Int("pid", m.PID))
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("ipc handler panic", logx.String("op", m.Op), logx.Any("panic", r))
				if m.Res {
					m.SetError(errs.Errorf(errs.StatusInternal, "handler panic: %v", r))
					_ = Reply(from, m)
				}
			}
		}()
		if h != nil {
			h(ctx, from, m)
			return
		}
		if m.Res {
			m.SetError(errs.Errorf(errs.StatusNotFound, "ipc: no handler for %s", m.Op))
			_ = Reply(from, m)
		}
	}()
	if b.events != nil {
		b.events.Publish(eventbus.Event{Type: m.Op, Time: time.Now(), Data: m.Clone()})
	}
}

type discard struct{}

func (discard) Send(*Msg) error { return nil }
