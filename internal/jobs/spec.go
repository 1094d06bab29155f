// Package jobs validates job specs, runs their tasks against a registry of
// named handlers and hosts the worker side of queue processing.
package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"jobcluster/internal/errs"
)

var (
	ErrInvalidJob  = errors.New("invalid job")
	ErrUnknownTask = errors.New("unknown task")
)

var reTaskName = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)

// ValidTaskName reports whether name has the module.method form.
func ValidTaskName(name string) bool { return reTaskName.MatchString(name) }

// Task is one module.method call with its options.
type Task struct {
	Name    string
	Options Options
}

// Group is a set of tasks that run concurrently, ordered by name.
type Group []Task

// Names returns the task names in the group.
func (g Group) Names() []string {
	out := make([]string, len(g))
	for i, t := range g {
		out[i] = t.Name
	}
	return out
}

func (g Group) MarshalJSON() ([]byte, error) {
	m := make(map[string]Options, len(g))
	for _, t := range g {
		opts := t.Options
		if opts == nil {
			opts = Options{}
		}
		m[t.Name] = opts
	}
	return json.Marshal(m)
}

// JobSpec is a normalized job: groups run in order, tasks inside a group run
// at the same time.
type JobSpec struct {
	Job      []Group
	NoErrors bool
	// Single enables the cron single-task check. SingleName overrides the
	// task name checked, which defaults to the first task of the job.
	Single     bool
	SingleName string
	// SingleTimeout in milliseconds; a running task older than this no
	// longer suppresses new firings.
	SingleTimeout int64
}

// SingleKey is the task name the single-task check looks for, empty when the
// check is off.
func (s *JobSpec) SingleKey() string {
	if s.SingleName != "" {
		return s.SingleName
	}
	if !s.Single {
		return ""
	}
	for _, g := range s.Job {
		if len(g) > 0 {
			return g[0].Name
		}
	}
	return ""
}

// Tasks returns every task name in run order.
func (s *JobSpec) Tasks() []string {
	var out []string
	for _, g := range s.Job {
		out = append(out, g.Names()...)
	}
	return out
}

func (s *JobSpec) String() string {
	return strings.Join(s.Tasks(), ",")
}

// MarshalJSON writes the canonical form. A job with a single group is written
// as a mapping, longer jobs as a sequence of mappings.
func (s *JobSpec) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if len(s.Job) == 1 {
		out["job"] = s.Job[0]
	} else {
		out["job"] = s.Job
	}
	if s.NoErrors {
		out["noerrors"] = true
	}
	switch {
	case s.SingleName != "":
		out["single_task"] = s.SingleName
	case s.Single:
		out["single_task"] = true
	}
	if s.SingleTimeout > 0 {
		out["single_timeout"] = s.SingleTimeout
	}
	return json.Marshal(out)
}

func (s *JobSpec) UnmarshalJSON(b []byte) error {
	v, err := decodeAny(b)
	if err != nil {
		return err
	}
	spec, err := normalize(v)
	if err != nil {
		return err
	}
	*s = *spec
	return nil
}

// IsJob normalizes any accepted job form into a JobSpec:
//
//	"module.method"
//	{"job": "module.method"}
//	{"job": {"module.method": {...}, ...}}
//	{"job": ["module.method", {"module.method": {...}}, ...]}
//
// v may be a task name, JSON text ([]byte, json.RawMessage or a string
// starting with '{'), a decoded value or a *JobSpec. Any invalid task name
// fails the whole spec with a 400 error.
func IsJob(v any) (*JobSpec, error) {
	switch x := v.(type) {
	case nil:
		return nil, invalidf("empty job")
	case *JobSpec:
		if x == nil {
			return nil, invalidf("empty job")
		}
		return validate(x)
	case JobSpec:
		return validate(&x)
	case string:
		s := strings.TrimSpace(x)
		if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") || strings.HasPrefix(s, `"`) {
			return Parse([]byte(s))
		}
		return normalize(s)
	case []byte:
		return Parse(x)
	case json.RawMessage:
		return Parse(x)
	case map[string]any:
		return normalize(x)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errs.Wrap(errs.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidJob, err))
		}
		return Parse(b)
	}
}

// Parse decodes and normalizes JSON job text.
func Parse(data []byte) (*JobSpec, error) {
	v, err := decodeAny(data)
	if err != nil {
		return nil, err
	}
	return normalize(v)
}

func decodeAny(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errs.Wrap(errs.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidJob, err))
	}
	return v, nil
}

func invalidf(format string, args ...any) error {
	return errs.Wrap(errs.StatusBadRequest, fmt.Errorf("%w: %s", ErrInvalidJob, fmt.Sprintf(format, args...)))
}

func normalize(v any) (*JobSpec, error) {
	if name, ok := v.(string); ok {
		g, err := groupOf(name)
		if err != nil {
			return nil, err
		}
		return &JobSpec{Job: []Group{g}}, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, invalidf("%s", describe(v))
	}

	spec := &JobSpec{}
	switch job := obj["job"].(type) {
	case string, map[string]any:
		g, err := groupOf(job)
		if err != nil {
			return nil, err
		}
		spec.Job = []Group{g}
	case []any:
		if len(job) == 0 {
			return nil, invalidf("empty task list")
		}
		for _, item := range job {
			g, err := groupOf(item)
			if err != nil {
				return nil, err
			}
			spec.Job = append(spec.Job, g)
		}
	default:
		return nil, invalidf("missing job in %s", describe(v))
	}

	spec.NoErrors = truthy(obj["noerrors"])
	switch st := obj["single_task"].(type) {
	case string:
		if st != "" {
			spec.Single = true
			spec.SingleName = st
		}
	default:
		spec.Single = truthy(st)
	}
	if n, ok := number(obj["single_timeout"]); ok && n > 0 {
		spec.SingleTimeout = int64(n)
	}
	return spec, nil
}

func groupOf(v any) (Group, error) {
	switch x := v.(type) {
	case string:
		if !ValidTaskName(x) {
			return nil, invalidf("bad task name %q", x)
		}
		return Group{{Name: x, Options: Options{}}}, nil
	case map[string]any:
		if len(x) == 0 {
			return nil, invalidf("empty task group")
		}
		g := make(Group, 0, len(x))
		for name, raw := range x {
			if !ValidTaskName(name) {
				return nil, invalidf("bad task name %q", name)
			}
			opts, _ := raw.(map[string]any)
			if opts == nil {
				opts = map[string]any{}
			}
			g = append(g, Task{Name: name, Options: Options(opts)})
		}
		sort.Slice(g, func(i, j int) bool { return g[i].Name < g[j].Name })
		return g, nil
	default:
		return nil, invalidf("bad task %s", describe(v))
	}
}

func validate(in *JobSpec) (*JobSpec, error) {
	if len(in.Job) == 0 {
		return nil, invalidf("empty task list")
	}
	out := *in
	out.Job = make([]Group, len(in.Job))
	for i, g := range in.Job {
		if len(g) == 0 {
			return nil, invalidf("empty task group")
		}
		cp := make(Group, len(g))
		for j, t := range g {
			if !ValidTaskName(t.Name) {
				return nil, invalidf("bad task name %q", t.Name)
			}
			if t.Options == nil {
				t.Options = Options{}
			}
			cp[j] = t
		}
		out.Job[i] = cp
	}
	return &out, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x == "true" || x == "1"
	default:
		n, ok := number(v)
		return ok && n != 0
	}
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func describe(v any) string {
	b, err := json.Marshal(v)
	if err != nil || len(b) > 200 {
		return fmt.Sprintf("%T", v)
	}
	return string(b)
}
