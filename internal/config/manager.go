package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"agentd/internal/filewatch"
	logx "agentd/pkg/logx"
)

type ConfigManager struct {
	path   string
	getenv func(string) string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards subscriber list and ensures we never send on a channel
	// that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lastHash tracks the last committed config so redundant editor writes don't republish.
	lastHash uint64
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetEnv replaces the environment lookup (tests).
func (m *ConfigManager) SetEnv(getenv func(string) string) { m.getenv = getenv }

// SetValidator installs a validation hook used by Watch() before committing/publishing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the config file. A missing file yields Default().
// Omitted fields keep their defaults; unknown fields are rejected.
func (m *ConfigManager) Parse() (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(m.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		b = nil
	}
	if len(bytes.TrimSpace(b)) > 0 {
		if err := decodeStrict(m.path, b, cfg); err != nil {
			return nil, err
		}
	}
	ApplyEnv(cfg, m.getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(path string, b []byte, cfg *Config) error {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("invalid config: trailing data")
		}
		return err
	}
	return nil
}

// Validate checks duration fields and ranges.
func Validate(cfg *Config) error {
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	check("extensions.load_timeout", cfg.Extensions.LoadTimeout)
	check("cron.debounce", cfg.Cron.Debounce)
	if _, err := ParseSwitchDuration("cron.poll_interval", cfg.Cron.PollInterval, 0); err != nil {
		errs = append(errs, err)
	}
	check("admin.read_timeout", cfg.Admin.ReadTimeout)
	check("admin.write_timeout", cfg.Admin.WriteTimeout)
	check("admin.idle_timeout", cfg.Admin.IdleTimeout)
	check("tasks.fetch_url.timeout", cfg.Tasks.FetchURL.Timeout)
	if cfg.TaskEngine != nil {
		check("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout)
		if cfg.TaskEngine.Workers < 0 || cfg.TaskEngine.QueueSize < 0 {
			errs = append(errs, fmt.Errorf("task_engine: workers and queue_size must be >= 0"))
		}
	}
	if cfg.Extensions.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("extensions.parallelism must be >= 0"))
	}
	if cfg.Storage != nil {
		check("storage.busy_timeout", cfg.Storage.BusyTimeout)
	}
	if tz := cfg.Cron.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("cron.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return filewatch.HashBytes(b)
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
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
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Latest wins: drop one stale item when the subscriber is behind.
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
			if !m.log.IsZero() {
				m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
			}
		}
	}
}

// Reload parses, validates and publishes the file when its content changed.
// It returns false when the config was unchanged or rejected.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return false, nil
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	return true, nil
}

// Watch republishes the config whenever the file changes, until ctx is done.
func (m *ConfigManager) Watch(ctx context.Context) error {
	events := filewatch.Watch(ctx, m.path, filewatch.Options{Debounce: 250 * time.Millisecond, Log: m.log})
	for range events {
		changed, err := m.Reload(ctx)
		if !m.log.IsZero() {
			switch {
			case err != nil:
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			case changed:
				m.log.Debug("config published", logx.String("path", m.path))
			default:
				m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
			}
		}
	}
	return nil
}
