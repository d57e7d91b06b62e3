package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"
	"time"

	logx "uploadbot/pkg/logx"
)

// ValidateFunc is an extra check a reloaded config must pass before commit.
type ValidateFunc func(ctx context.Context, cfg *Config) error

// ConfigManager owns the committed config and fans reloads out to
// subscribers.
type ConfigManager struct {
	path   string
	lookup LookupFunc
	log    logx.Logger
	check  ValidateFunc

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	subsMu sync.Mutex
	subs   []chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, lookup: os.LookupEnv}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetLookup replaces the environment lookup. nil disables overrides.
func (m *ConfigManager) SetLookup(fn LookupFunc) { m.lookup = fn }

// SetValidator installs a hook run on every reload, after Validate.
func (m *ConfigManager) SetValidator(fn ValidateFunc) { m.check = fn }

// Parse reads the file (JSON or YAML) and applies environment overrides.
// A missing file yields an env-only config.
func (m *ConfigManager) Parse() (*Config, error) {
	cfg := new(Config)
	b, err := os.ReadFile(m.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := decodeStrict(m.path, b, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, m.lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses, validates and commits the config.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
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

func (m *ConfigManager) committedHash() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hash
}

// Subscribe returns a channel receiving every committed reload. Close it
// with Unsubscribe.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if i := slices.Index(m.subs, ch); i >= 0 && ch != nil {
		m.subs = slices.Delete(m.subs, i, i+1)
		close(ch)
	}
}

// publish never blocks: a subscriber with a full buffer loses its oldest
// pending config to make room for cfg.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for range 2 {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload re-reads the file and commits and publishes it when it changed and
// passes validation. Failures keep the current config.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	if h != 0 && h == m.committedHash() {
		log.Debug("config unchanged")
		return
	}
	if err := m.validate(ctx, cfg); err != nil {
		log.Warn("config rejected", logx.Err(err))
		return
	}
	m.Commit(cfg)
	m.publish(cfg)
	log.Debug("config committed", logx.String("hash", fmt.Sprintf("%016x", h)))
}

func (m *ConfigManager) validate(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.check == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.check(vctx, cfg)
}
