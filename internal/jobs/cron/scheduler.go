// Package cron submits crontab entries to the job queue on schedule. Entries
// are grouped by the crontab file they came from; reloading a file replaces
// only its own group.
package cron

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"

	"jobcluster/internal/config"
	"jobcluster/internal/eventbus"
	"jobcluster/internal/ipc"
	"jobcluster/internal/jobs"
	logx "jobcluster/pkg/logx"
)

const DefaultDebounce = 5 * time.Second

// DefaultFiles are read from the crontab directory in this order.
var DefaultFiles = []string{"crontab", "crontab.local"}

// TaskTracker reports when a task with the given name started on any
// worker. The coordinator implements it.
type TaskTracker interface {
	TaskStarted(name string) (time.Time, bool)
}

// SubmitFunc publishes a due job.
type SubmitFunc func(ctx context.Context, spec *jobs.JobSpec) error

type Config struct {
	Dir      string
	Files    []string
	Debounce time.Duration
	Timezone string
}

// FireEvent is the data of cron.fired and cron.skipped.
type FireEvent struct {
	Name   string
	Type   string
	Reason string
}

// Info describes one scheduled entry.
type Info struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Schedule string    `json:"schedule"`
	Job      string    `json:"job"`
	Disabled bool      `json:"disabled,omitempty"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func WithEvents(events eventbus.Bus) Option { return func(s *Scheduler) { s.events = events } }

func WithTracker(t TaskTracker) Option { return func(s *Scheduler) { s.tracker = t } }

// WithLockCache supplies the cache used by entries with "lock": true.
func WithLockCache(fn func() ipc.Cache) Option { return func(s *Scheduler) { s.cache = fn } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

type scheduled struct {
	entry Entry
	id    robfig.EntryID
}

type Scheduler struct {
	cfg     Config
	submit  SubmitFunc
	log     logx.Logger
	events  eventbus.Bus
	tracker TaskTracker
	cache   func() ipc.Cache
	now     func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	loc    *time.Location
	c      *robfig.Cron
	groups map[string][]scheduled
	hashes map[string]uint64
}

func New(cfg Config, submit SubmitFunc, opts ...Option) *Scheduler {
	if len(cfg.Files) == 0 {
		cfg.Files = DefaultFiles
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	s := &Scheduler{
		cfg:    cfg,
		submit: submit,
		log:    logx.Nop(),
		now:    time.Now,
		ctx:    context.Background(),
		groups: map[string][]scheduled{},
		hashes: map[string]uint64{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.log = s.log.With(logx.String("comp", "cron"))
	return s
}

// Start runs the cron loop, loads the crontab files and watches them for
// changes until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.loc = s.loadLocation()
	s.c = robfig.New(robfig.WithParser(parser), robfig.WithLocation(s.loc))
	for typ := range s.groups {
		s.registerLocked(typ)
	}
	s.c.Start()
	s.mu.Unlock()
	s.log.Info("cron started", logx.String("tz", s.loc.String()), logx.String("dir", s.cfg.Dir))

	if s.cfg.Dir != "" {
		s.LoadFiles()
		go s.watch(ctx)
	}
}

func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for typ, group := range s.groups {
		for i := range group {
			group[i].id = 0
		}
		s.groups[typ] = group
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("cron stopped")
}

func (s *Scheduler) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// LoadFiles reads every crontab file of the directory. Missing files are
// skipped and leave their group as it is.
func (s *Scheduler) LoadFiles() {
	for _, name := range s.cfg.Files {
		path := filepath.Join(s.cfg.Dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.log.Warn("crontab read failed", logx.String("path", path), logx.Err(err))
			}
			continue
		}
		if data, err = config.CoerceJSON(path, data); err != nil {
			s.log.Warn("crontab parse failed", logx.String("path", path), logx.Err(err))
			continue
		}
		if _, err := s.Load(name, data); err != nil {
			s.log.Warn("crontab load failed", logx.String("path", path), logx.Err(err))
		}
	}
}

// Load replaces the entries of group typ with the ones in data and returns
// how many were scheduled. Unchanged content and empty lists leave the group
// untouched; to clear a group load a list of invalid entries such as [{}].
func (s *Scheduler) Load(typ string, data []byte) (int, error) {
	h := fnv.New64a()
	_, _ = h.Write(data)
	sum := h.Sum64()

	s.mu.Lock()
	if prev, ok := s.hashes[typ]; ok && prev == sum {
		s.mu.Unlock()
		s.log.Debug("crontab unchanged", logx.String("type", typ))
		return 0, nil
	}
	s.mu.Unlock()

	entries, problems, err := ParseCrontab(typ, data)
	if err != nil {
		return 0, err
	}
	for _, p := range problems {
		s.log.Warn("crontab entry skipped", logx.String("type", typ), logx.Err(p))
	}
	if len(entries) == 0 && len(problems) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[typ] = sum
	s.unregisterLocked(typ)
	group := make([]scheduled, 0, len(entries))
	for _, e := range entries {
		group = append(group, scheduled{entry: e})
	}
	s.groups[typ] = group
	n := s.registerLocked(typ)
	s.log.Info("crontab loaded", logx.String("type", typ), logx.Int("jobs", n), logx.Int("skipped", len(problems)))
	return n, nil
}

func (s *Scheduler) unregisterLocked(typ string) {
	for _, sc := range s.groups[typ] {
		if s.c != nil && sc.id != 0 {
			s.c.Remove(sc.id)
		}
	}
	delete(s.groups, typ)
}

// registerLocked adds the enabled entries of typ to the running cron and
// returns how many are enabled.
func (s *Scheduler) registerLocked(typ string) int {
	group := s.groups[typ]
	n := 0
	for i := range group {
		if group[i].entry.Disabled {
			continue
		}
		n++
		if s.c == nil {
			continue
		}
		e := group[i].entry
		group[i].id = s.c.Schedule(e.sched, robfig.FuncJob(func() {
			s.mu.Lock()
			ctx := s.ctx
			s.mu.Unlock()
			s.Fire(ctx, e)
		}))
		if s.log.Enabled(logx.LevelDebug) {
			next := NextRuns(e.sched, s.now().In(s.loc), 3)
			s.log.Debug("cron entry scheduled", logx.String("name", e.Name()), logx.String("schedule", e.Schedule), logx.Any("next", next))
		}
	}
	return n
}

// Fire runs one firing of e: the single-task check, the optional lock, then
// the submit. It reports whether the job was submitted.
func (s *Scheduler) Fire(ctx context.Context, e Entry) bool {
	now := s.now()
	if key := e.Spec.SingleKey(); key != "" && s.tracker != nil {
		if started, ok := s.tracker.TaskStarted(key); ok {
			age := now.Sub(started)
			limit := time.Duration(e.Spec.SingleTimeout) * time.Millisecond
			if limit <= 0 || age < limit {
				s.log.Info("cron skipped, task still running", logx.String("name", e.Name()), logx.String("task", key), logx.Duration("age", age))
				s.publish(eventbus.CronSkipped, FireEvent{Name: e.Name(), Type: e.Type, Reason: "running"})
				return false
			}
			s.log.Warn("cron firing over stale task", logx.String("name", e.Name()), logx.String("task", key), logx.Duration("age", age))
		}
	}

	if e.Lock && s.cache != nil {
		if c := s.cache(); c != nil {
			ok, err := ipc.CheckTimer(ctx, c, "cron:"+e.Name(), lockTTL(e, now))
			switch {
			case err != nil:
				s.log.Warn("cron lock check failed", logx.String("name", e.Name()), logx.Err(err))
			case !ok:
				s.log.Debug("cron skipped, locked", logx.String("name", e.Name()))
				s.publish(eventbus.CronSkipped, FireEvent{Name: e.Name(), Type: e.Type, Reason: "locked"})
				return false
			}
		}
	}

	if err := s.submit(ctx, e.Spec); err != nil {
		s.log.Error("cron submit failed", logx.String("name", e.Name()), logx.Err(err))
		return false
	}
	s.log.Debug("cron fired", logx.String("name", e.Name()), logx.String("job", e.Spec.String()))
	s.publish(eventbus.CronFired, FireEvent{Name: e.Name(), Type: e.Type})
	return true
}

// lockTTL holds the lock for half the gap to the next firing.
func lockTTL(e Entry, now time.Time) time.Duration {
	ttl := time.Second
	if e.sched != nil {
		if next := e.sched.Next(now); !next.IsZero() {
			if half := next.Sub(now) / 2; half > ttl {
				ttl = half
			}
		}
	}
	return ttl
}

func (s *Scheduler) publish(typ string, ev FireEvent) {
	if s.events == nil {
		return
	}
	s.events.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

// Entries lists every loaded entry, disabled ones included.
func (s *Scheduler) Entries() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Info
	for typ, group := range s.groups {
		for _, sc := range group {
			info := Info{
				ID:       sc.entry.ID,
				Type:     typ,
				Schedule: sc.entry.Schedule,
				Job:      sc.entry.Spec.String(),
				Disabled: sc.entry.Disabled,
			}
			if s.c != nil && sc.id != 0 {
				ce := s.c.Entry(sc.id)
				info.Next, info.Prev = ce.Next, ce.Prev
			}
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Schedule < out[j].Schedule
	})
	return out
}
