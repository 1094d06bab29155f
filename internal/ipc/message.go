package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jobcluster/internal/errs"
)

// Msg is one bus message. Op selects the handler; the remaining fields are
// the union of payloads used by the built-in ops. Free-form payloads go in Data.
type Msg struct {
	Op  string `json:"__op,omitempty"`
	ID  string `json:"__id,omitempty"`
	Res bool   `json:"__res,omitempty"`

	// cache
	Cache   string            `json:"cache,omitempty"`
	Name    string            `json:"name,omitempty"`
	Value   string            `json:"value,omitempty"`
	Set     string            `json:"set,omitempty"`
	TTL     int64             `json:"ttl,omitempty"` // ms
	Count   int64             `json:"count,omitempty"`
	Pattern string            `json:"pattern,omitempty"`
	Keys    []string          `json:"keys,omitempty"`
	Exists  bool              `json:"exists,omitempty"`
	Stats   map[string]string `json:"stats,omitempty"`

	// limiter
	Rate     float64 `json:"rate,omitempty"`
	Max      float64 `json:"max,omitempty"`
	Interval int64   `json:"interval,omitempty"` // ms
	Consume  float64 `json:"consume,omitempty"`
	Consumed bool    `json:"consumed,omitempty"`
	Delay    int64   `json:"delay,omitempty"` // ms

	// cluster
	PID    int    `json:"pid,omitempty"`
	Role   string `json:"role,omitempty"`
	Task   string `json:"task,omitempty"`
	Code   int    `json:"code,omitempty"`
	Signal string `json:"signal,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`

	// reply error
	Err    string `json:"err,omitempty"`
	Status int    `json:"status,omitempty"`
}

// Clone returns a shallow copy safe to hand to another goroutine.
func (m *Msg) Clone() *Msg {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// SetError records err on a reply.
func (m *Msg) SetError(err error) {
	if err == nil {
		return
	}
	n := errs.Normalize(err, errs.StatusInternal)
	m.Err = n.Error()
	m.Status = n.Status
}

// Error returns the error carried by a reply, nil if none.
func (m *Msg) Error() error {
	if m == nil || m.Err == "" {
		return nil
	}
	return errs.New(m.Status, m.Err)
}

func (m *Msg) TTLDuration() time.Duration      { return time.Duration(m.TTL) * time.Millisecond }
func (m *Msg) IntervalDuration() time.Duration { return time.Duration(m.Interval) * time.Millisecond }

// Encode returns the newline-terminated object form used on process pipes.
func Encode(m *Msg) ([]byte, error) {
	if m == nil || m.Op == "" {
		return nil, errors.New("ipc: message without op")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// EncodeArray returns the [op, payload] text form for string-only transports.
func EncodeArray(m *Msg) (string, error) {
	if m == nil || m.Op == "" {
		return "", errors.New("ipc: message without op")
	}
	payload := m.Clone()
	op := payload.Op
	payload.Op = ""
	b, err := json.Marshal([]any{op, payload})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses either wire form.
func Decode(b []byte) (*Msg, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("ipc: empty message")
	}
	var m Msg
	switch b[0] {
	case '{':
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("ipc: decode object: %w", err)
		}
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(b, &arr); err != nil {
			return nil, fmt.Errorf("ipc: decode array: %w", err)
		}
		if len(arr) == 0 || len(arr) > 2 {
			return nil, fmt.Errorf("ipc: array message must be [op, payload], got %d elements", len(arr))
		}
		if len(arr) == 2 && !isNull(arr[1]) {
			if err := json.Unmarshal(arr[1], &m); err != nil {
				return nil, fmt.Errorf("ipc: decode payload: %w", err)
			}
		}
		if err := json.Unmarshal(arr[0], &m.Op); err != nil {
			return nil, fmt.Errorf("ipc: decode op: %w", err)
		}
	default:
		return nil, fmt.Errorf("ipc: unsupported message %q", truncate(b, 32))
	}
	if m.Op == "" {
		return nil, errors.New("ipc: message without op")
	}
	return &m, nil
}

func isNull(b json.RawMessage) bool {
	return len(bytes.TrimSpace(b)) == 0 || bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
