package ipc

import (
	"context"
	"fmt"

	logx "jobcluster/pkg/logx"
)

// SystemChannel is the pub/sub channel processes of role listen on.
func (b *Bus) SystemChannel(role Role) string {
	return fmt.Sprintf("%s:%s", b.name, role)
}

// SubscribeSystem listens on the system queue for this process role, both on
// the host-wide "<name>:<role>" channel and the cluster-wide "<role>" one,
// and dispatches every message as if it came from the master pipe.
func (b *Bus) SubscribeSystem(ctx context.Context, q Queue) error {
	if q == nil {
		return nil
	}
	for _, ch := range []string{b.SystemChannel(b.role), string(b.role)} {
		ch := ch
		err := q.Subscribe(ctx, ch, Options{}, func(ctx context.Context, data []byte, ack AckFunc) {
			m, err := Decode(data)
			if ack != nil {
				ack(nil)
			}
			if err != nil {
				b.log.Warn("ipc: bad system message", logx.String("channel", ch), logx.Err(err))
				return
			}
			m.ID, m.Res = "", false
			if b.IsMaster() {
				b.HandleServer(ctx, discard{}, m)
			} else {
				b.HandleWorker(ctx, discard{}, m)
			}
		})
		if err != nil {
			return fmt.Errorf("ipc: subscribe %s: %w", ch, err)
		}
		b.log.Info("ipc: system queue subscribed", logx.String("channel", ch))
	}
	return nil
}

// SendSystem publishes m on a system queue channel, e.g. SystemChannel(role)
// for one host or string(role) for every host.
func (b *Bus) SendSystem(ctx context.Context, q Queue, channel string, m *Msg) error {
	if q == nil {
		return ErrNotSupported
	}
	s, err := EncodeArray(m)
	if err != nil {
		return err
	}
	return q.Publish(ctx, channel, []byte(s), Options{})
}
