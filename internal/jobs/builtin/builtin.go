// Package builtin registers the core.* tasks every cluster has without
// application modules.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"jobcluster/internal/errs"
	"jobcluster/internal/ipc"
	"jobcluster/internal/jobs"
	logx "jobcluster/pkg/logx"
)

const Module = "core"

// Deps are the process services the tasks use. Bus and Clients may be nil
// when jobs run outside a cluster; the tasks needing them fail with 503.
type Deps struct {
	Bus     *ipc.Bus
	Clients *ipc.Clients
	Log     logx.Logger
}

// Register adds the core tasks to reg.
func Register(reg *jobs.Registry, d Deps) error {
	t := &tasks{deps: d, log: d.Log.With(logx.String("comp", "core"))}
	return reg.RegisterModule(Module, map[string]jobs.Handler{
		"noop":  t.noop,
		"sleep": t.sleep,
		"fail":  t.fail,
		"exec":  t.exec,
		"limit": t.limit,
		"put":   t.put,
		"get":   t.get,
	})
}

type tasks struct {
	deps Deps
	log  logx.Logger
}

func (t *tasks) noop(context.Context, jobs.Options) error { return nil }

// sleep waits ms milliseconds (or a duration string).
func (t *tasks) sleep(ctx context.Context, o jobs.Options) error {
	d := o.Duration("ms", 0)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fail returns an error with the given status (default 500) and message.
func (t *tasks) fail(_ context.Context, o jobs.Options) error {
	msg := o.String("msg")
	if msg == "" {
		msg = "task failed"
	}
	return errs.New(o.Int("status", errs.StatusInternal), msg)
}

// exec runs a command without a shell. A non-zero exit is a terminal error.
func (t *tasks) exec(ctx context.Context, o jobs.Options) error {
	name := o.String("cmd")
	if name == "" {
		return errs.New(errs.StatusBadRequest, "core.exec: cmd required")
	}
	if d := o.Duration("timeout", 0); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, o.Strings("args")...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if len(text) > 2000 {
		text = text[:2000]
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return errs.Wrap(errs.StatusBadRequest, fmt.Errorf("core.exec %s: exit %d: %s", name, ee.ExitCode(), text))
		}
		return errs.Wrap(errs.StatusInternal, fmt.Errorf("core.exec %s: %w", name, err))
	}
	t.log.Info("core.exec finished", logx.String("cmd", name), logx.String("output", text))
	return nil
}

// limit waits for a token from a named bucket.
func (t *tasks) limit(ctx context.Context, o jobs.Options) error {
	if t.deps.Bus == nil {
		return errs.New(errs.StatusUnavailable, "core.limit: no bus")
	}
	lo := ipc.LimiterOptions{
		Name:     o.String("name"),
		Rate:     o.Float("rate", 1),
		Max:      o.Float("max", 1),
		Interval: o.Duration("interval", time.Second),
		Consume:  o.Float("consume", 1),
	}
	if lo.Name == "" {
		return errs.New(errs.StatusBadRequest, "core.limit: name required")
	}
	var q ipc.Queue
	if t.deps.Clients != nil {
		if c := t.deps.Clients.Queue(o.String("queue")); c != nil {
			q = c
		}
	}
	return t.deps.Bus.CheckLimiter(ctx, q, lo)
}

func (t *tasks) cache(o jobs.Options) (ipc.Cache, error) {
	if t.deps.Clients == nil {
		return nil, errs.New(errs.StatusUnavailable, "no cache configured")
	}
	c := t.deps.Clients.Cache(o.String("cache"))
	if c == nil {
		return nil, errs.New(errs.StatusUnavailable, "no cache configured")
	}
	return c, nil
}

// put stores value under key with an optional ttl.
func (t *tasks) put(ctx context.Context, o jobs.Options) error {
	c, err := t.cache(o)
	if err != nil {
		return err
	}
	key := o.String("key")
	if key == "" {
		return errs.New(errs.StatusBadRequest, "core.put: key required")
	}
	return c.Put(ctx, key, o.String("value"), ipc.Options{TTL: o.Duration("ttl", 0)})
}

// get logs the value of key; a missing key is not an error.
func (t *tasks) get(ctx context.Context, o jobs.Options) error {
	c, err := t.cache(o)
	if err != nil {
		return err
	}
	key := o.String("key")
	v, err := c.Get(ctx, key, ipc.Options{})
	switch {
	case errors.Is(err, ipc.ErrNotFound):
		t.log.Info("core.get", logx.String("key", key), logx.Bool("found", false))
		return nil
	case err != nil:
		return err
	}
	t.log.Info("core.get", logx.String("key", key), logx.Bool("found", true), logx.String("value", v))
	return nil
}
