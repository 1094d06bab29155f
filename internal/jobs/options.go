package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Options is the decoded options object handed to a task.
type Options map[string]any

func (o Options) String(key string) string {
	switch v := o[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func (o Options) Float(key string, def float64) float64 {
	switch v := o[key].(type) {
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	default:
		if f, ok := number(v); ok {
			return f
		}
	}
	return def
}

func (o Options) Int(key string, def int) int {
	return int(o.Float(key, float64(def)))
}

func (o Options) Bool(key string) bool { return truthy(o[key]) }

// Duration reads a Go duration string or a number of milliseconds.
func (o Options) Duration(key string, def time.Duration) time.Duration {
	if s, ok := o[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	if f, ok := number(o[key]); ok {
		return time.Duration(f * float64(time.Millisecond))
	}
	return def
}

// Strings reads a list of strings, a single string becomes a one-item list.
func (o Options) Strings(key string) []string {
	switch v := o[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			out = append(out, fmt.Sprint(x))
		}
		return out
	case []string:
		return v
	}
	return nil
}

// Decode copies the options into a typed struct through JSON.
func (o Options) Decode(dst any) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
