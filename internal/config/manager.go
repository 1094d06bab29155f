package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "jobcluster/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	validateWait   = 5 * time.Second
)

// ConfigManager owns the process config: it loads the file, keeps the
// committed copy and, in the master, watches the file and publishes every
// accepted change to its subscribers.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	validate func(ctx context.Context, cfg *Config) error

	// subsMu is held while sending so Unsubscribe never closes a channel
	// under a pending send.
	subsMu sync.Mutex
	subs   []chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs the check a reloaded config must pass before it is
// committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads the file without committing it. YAML is coerced to JSON;
// unknown fields and trailing data are errors.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	data, err := CoerceJSON(m.path, raw)
	if err != nil {
		return nil, err
	}
	return decodeStrict(data)
}

func decodeStrict(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			err = fmt.Errorf("trailing data")
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Reload parses the file and, when its content differs from the committed
// config and passes the validator, commits and publishes it. changed is
// false for an identical file.
func (m *ConfigManager) Reload(ctx context.Context) (cfg *Config, changed bool, err error) {
	cfg, err = m.Parse()
	if err != nil {
		return nil, false, err
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		return cfg, false, nil
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateWait)
		err = m.validate(vctx, cfg)
		cancel()
		if err != nil {
			return nil, false, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	return cfg, true, nil
}

// Watch reloads the file on every settled change until ctx is done.
func (m *ConfigManager) Watch(ctx context.Context) error {
	fw := &FileWatcher{
		Dir:      filepath.Dir(m.path),
		Files:    []string{filepath.Base(m.path)},
		Debounce: reloadDebounce,
		Log:      m.log,
		OnChange: func(ctx context.Context) {
			_, changed, err := m.Reload(ctx)
			switch {
			case err != nil:
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			case changed:
				m.log.Debug("config published", logx.String("path", m.path))
			default:
				m.log.Debug("config unchanged", logx.String("path", m.path))
			}
		},
	}
	return fw.Run(ctx)
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish hands cfg to every subscriber. A full subscriber loses its oldest
// pending config so the newest one always gets through.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped", logx.Int("queue_len", len(ch)))
		}
	}
}
