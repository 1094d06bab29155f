package ipc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	logx "jobcluster/pkg/logx"
)

const maxMessageSize = 16 << 20

// Sender delivers a message to the other side of a process channel.
type Sender interface {
	Send(m *Msg) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(m *Msg) error

func (f SenderFunc) Send(m *Msg) error { return f(m) }

var ErrClosed = errors.New("ipc: channel closed")

// Conn writes newline-delimited JSON messages to a pipe.
type Conn struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func NewConn(w io.Writer) *Conn { return &Conn{w: w} }

func (c *Conn) Send(m *Msg) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	_, err = c.w.Write(b)
	return err
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if cl, ok := c.w.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// ReadLoop decodes messages from r and hands each to fn until r is exhausted
// or ctx is done. Undecodable lines are logged and skipped. It returns nil on
// a clean EOF.
func ReadLoop(ctx context.Context, r io.Reader, log logx.Logger, fn func(*Msg)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxMessageSize)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		m, err := Decode(line)
		if err != nil {
			log.Warn("ipc: dropping undecodable message", logx.Err(err))
			continue
		}
		fn(m)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
