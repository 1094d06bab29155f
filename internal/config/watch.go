package config

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "jobcluster/pkg/logx"
)

const (
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// FileWatcher watches a directory for changes to a set of files and calls
// OnChange once a burst of events has been quiet for Debounce. Watching the
// directory rather than the files keeps editors that replace a file by
// rename visible. A watcher that stops delivering is recreated with a
// jittered backoff.
type FileWatcher struct {
	Dir      string
	Files    []string
	Debounce time.Duration
	OnChange func(ctx context.Context)
	Log      logx.Logger
}

// Run watches until ctx is done. A change pending when ctx ends is dropped.
func (fw *FileWatcher) Run(ctx context.Context) error {
	names := make(map[string]bool, len(fw.Files))
	for _, f := range fw.Files {
		names[strings.ToLower(filepath.Base(f))] = true
	}
	log := fw.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("dir", fw.Dir))

	d := &debouncer{wait: fw.Debounce, fire: func() {
		if ctx.Err() == nil && fw.OnChange != nil {
			fw.OnChange(ctx)
		}
	}}
	defer d.stop()

	b := newBackoff()
	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(fw.Dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			log.Warn("file watch failed", logx.Err(err))
			if !b.sleep(ctx) {
				return nil
			}
			continue
		}
		b.reset()
		log.Debug("file watcher started", logx.Strings("files", fw.Files))

		fw.loop(ctx, w, names, d, log)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("file watcher stopped; restarting", logx.Duration("backoff", b.next))
		if !b.sleep(ctx) {
			return nil
		}
	}
	return nil
}

// loop returns when ctx is done or the watcher breaks.
func (fw *FileWatcher) loop(ctx context.Context, w *fsnotify.Watcher, names map[string]bool, d *debouncer, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !names[strings.ToLower(filepath.Base(ev.Name))] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				log.Debug("file change detected", logx.String("file", ev.Name), logx.String("op", ev.Op.String()))
				d.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			switch {
			case strings.Contains(msg, "overflow"):
				// Events were lost; treat it as a change.
				log.Warn("file watch overflow; forcing reload", logx.Err(err))
				d.trigger()
			case strings.Contains(msg, "closed"):
				return
			default:
				log.Warn("file watch error", logx.Err(err))
			}
		}
	}
}

type debouncer struct {
	wait  time.Duration
	fire  func()
	mu    sync.Mutex
	timer *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, d.fire)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

type backoff struct {
	next time.Duration
	rng  *rand.Rand
}

func newBackoff() *backoff {
	return &backoff{next: watchBackoffBase, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *backoff) reset() { b.next = watchBackoffBase }

// sleep waits the current delay plus up to half of it in jitter, then
// doubles the delay. It reports false when ctx ended first.
func (b *backoff) sleep(ctx context.Context) bool {
	wait := b.next + time.Duration(b.rng.Int63n(int64(b.next/2)+1))
	b.next = min(b.next*2, watchBackoffMax)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
