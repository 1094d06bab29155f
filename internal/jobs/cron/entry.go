package cron

import (
	"bytes"
	"encoding/json"
	"fmt"

	robfig "github.com/robfig/cron/v3"

	"jobcluster/internal/jobs"
)

// Entry is one crontab line: a schedule and the job it submits. The job
// fields (job, noerrors, single_task, single_timeout) sit next to the
// schedule in the same object:
//
//	[
//	  {"cron": "0 */10 * * * *", "job": "server.process_queue"},
//	  {"cron": "0 5 * * * *", "job": [{"scraper.run": {"url": "host1"}}], "single_task": true}
//	]
type Entry struct {
	ID       string
	Schedule string
	Disabled bool
	// Lock arms a cache timer on each firing so processes sharing the cache
	// submit the job once per period.
	Lock bool
	// Type is the crontab the entry came from.
	Type string
	Spec *jobs.JobSpec

	sched robfig.Schedule
}

type entryJSON struct {
	ID       string `json:"id"`
	Cron     string `json:"cron"`
	Schedule string `json:"schedule"`
	Disabled bool   `json:"disabled"`
	Lock     bool   `json:"lock"`
}

// Name identifies the entry in logs and events.
func (e *Entry) Name() string {
	if e.ID != "" {
		return e.ID
	}
	if e.Spec != nil {
		return e.Spec.String()
	}
	return e.Schedule
}

// ParseCrontab decodes a JSON array of entries. Entries without a schedule,
// with a bad schedule or an invalid job are returned as errors and left out;
// disabled entries are kept with Disabled set. The error is set only when
// data is not a JSON array.
func ParseCrontab(typ string, data []byte) ([]Entry, []error, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", typ, err)
	}
	var out []Entry
	var problems []error
	for i, r := range raw {
		e, err := parseEntry(typ, r)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s[%d]: %w", typ, i, err))
			continue
		}
		out = append(out, e)
	}
	return out, problems, nil
}

func parseEntry(typ string, raw json.RawMessage) (Entry, error) {
	var ej entryJSON
	if err := json.Unmarshal(raw, &ej); err != nil {
		return Entry{}, err
	}
	e := Entry{ID: ej.ID, Schedule: ej.Schedule, Disabled: ej.Disabled, Lock: ej.Lock, Type: typ}
	if e.Schedule == "" {
		e.Schedule = ej.Cron
	}
	if e.Schedule == "" {
		return Entry{}, fmt.Errorf("missing schedule")
	}
	sched, err := ParseSchedule(e.Schedule)
	if err != nil {
		return Entry{}, err
	}
	e.sched = sched
	spec, err := jobs.Parse(raw)
	if err != nil {
		return Entry{}, err
	}
	e.Spec = spec
	return e, nil
}
