package ipc

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// OptionPrefix marks URL query params that are moved into client options.
const OptionPrefix = "bk-"

// ParseURL splits a backend URL into the URL (with prefixed option params
// removed) and the options carried in its query. Plain params are copied
// into the options and stay in the URL for the driver; a prefixed param
// wins over a plain one of the same name. Explicit opts win over the URL.
func ParseURL(raw string, opts map[string]string) (*url.URL, map[string]string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: parse url %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return nil, nil, fmt.Errorf("ipc: url %q has no scheme", raw)
	}
	out := map[string]string{}
	q := u.Query()
	for k, vs := range q {
		if len(vs) > 0 && !strings.HasPrefix(k, OptionPrefix) {
			out[k] = vs[0]
		}
	}
	for k, vs := range q {
		if !strings.HasPrefix(k, OptionPrefix) || len(vs) == 0 {
			continue
		}
		out[strings.TrimPrefix(k, OptionPrefix)] = vs[0]
		q.Del(k)
	}
	u.RawQuery = q.Encode()
	for k, v := range opts {
		out[k] = v
	}
	return u, out, nil
}

func OptString(opts map[string]string, key, def string) string {
	if v, ok := opts[key]; ok && v != "" {
		return v
	}
	return def
}

func OptInt(opts map[string]string, key string, def int) int {
	if v, ok := opts[key]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func OptBool(opts map[string]string, key string, def bool) bool {
	if v, ok := opts[key]; ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// OptDuration accepts a Go duration ("1.5s") or a bare number of milliseconds.
func OptDuration(opts map[string]string, key string, def time.Duration) time.Duration {
	v, ok := opts[key]
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

// OptList splits a comma separated option.
func OptList(opts map[string]string, key string) []string {
	v := opts[key]
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
