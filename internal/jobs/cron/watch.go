package cron

import (
	"context"

	"jobcluster/internal/config"
)

// watch reloads the crontab files once edits to any of them settle.
func (s *Scheduler) watch(ctx context.Context) {
	fw := &config.FileWatcher{
		Dir:      s.cfg.Dir,
		Files:    s.cfg.Files,
		Debounce: s.cfg.Debounce,
		Log:      s.log,
		OnChange: func(context.Context) { s.LoadFiles() },
	}
	_ = fw.Run(ctx)
}
