package cluster

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"

	"jobcluster/internal/ipc"
)

type fakeProc struct {
	pid        int
	outR       *io.PipeReader
	outW       *io.PipeWriter
	conn       *ipc.Conn
	sent       chan *ipc.Msg
	signals    chan os.Signal
	exitOnTerm bool

	once sync.Once
	exit chan int
}

func (p *fakeProc) PID() int          { return p.pid }
func (p *fakeProc) Output() io.Reader { return p.outR }

func (p *fakeProc) Send(m *ipc.Msg) error {
	p.sent <- m.Clone()
	return nil
}

func (p *fakeProc) Signal(sig os.Signal) error {
	p.signals <- sig
	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && p.exitOnTerm) {
		p.Exit(-1)
	}
	return nil
}

func (p *fakeProc) Exit(code int) {
	p.once.Do(func() { p.exit <- code })
}

func (p *fakeProc) Wait() int {
	code := <-p.exit
	_ = p.outW.Close()
	return code
}

// Emit writes a message as the worker would.
func (p *fakeProc) Emit(m *ipc.Msg) error { return p.conn.Send(m) }

type fakeSpawner struct {
	mu         sync.Mutex
	next       int
	procs      []*fakeProc
	spawned    chan *fakeProc
	exitOnTerm bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{next: 100, spawned: make(chan *fakeProc, 64)}
}

func (s *fakeSpawner) Spawn(context.Context) (Process, error) {
	s.mu.Lock()
	s.next++
	r, w := io.Pipe()
	p := &fakeProc{
		pid:        s.next,
		outR:       r,
		outW:       w,
		conn:       ipc.NewConn(w),
		sent:       make(chan *ipc.Msg, 16),
		signals:    make(chan os.Signal, 4),
		exitOnTerm: s.exitOnTerm,
		exit:       make(chan int, 1),
	}
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	s.spawned <- p
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}
