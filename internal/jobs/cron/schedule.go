package cron

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// parser accepts 5 or 6 field specs (leading seconds optional) and descriptors.
var parser = robfig.NewParser(robfig.SecondOptional | robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule turns a crontab schedule into a robfig schedule.
//
// Accepted forms:
//   - cron: "0 */10 * * * *", "*/5 * * * *", "@hourly", "@every 10s"
//   - interval: "55m", "2h30m", or HH:MM like "02:30" (every 2h30m)
//
// "cron:" and "interval:"/"every:" prefixes force one reading.
func ParseSchedule(raw string) (robfig.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}
	sched, err := parseInterval(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q (use cron like '0 */5 * * * *', HH:MM like '02:30', or a duration like '55m')", raw)
	}
	return sched, nil
}

func parseCron(expr string) (robfig.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return sched, nil
}

func parseInterval(v string) (robfig.Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		pd, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q", v)
		}
		d = pd
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	return robfig.Every(d), nil
}

// NextRuns lists the next n fire times after from.
func NextRuns(sched robfig.Schedule, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
