package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"droughtwatch/pkg/logx"
)

// ConfigManager owns the committed config and fans validated reloads out to
// subscribers.
type ConfigManager struct {
	path     string
	getenv   func(string) string
	debounce time.Duration

	mu        sync.RWMutex
	cfg       *Config
	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
	subs      map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:     path,
		getenv:   os.Getenv,
		debounce: 250 * time.Millisecond,
		log:      logx.Nop(),
		subs:     map[chan *Config]struct{}{},
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// SetEnv replaces os.Getenv for secret overrides.
func (m *ConfigManager) SetEnv(getenv func(string) string) { m.getenv = getenv }

// SetValidator adds a check that runs after Validate on every load and
// reload. A failing reload keeps the committed config.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

func (m *ConfigManager) logger() logx.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

// Parse reads the file and overlays environment secrets without
// validating or committing.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(m.path, raw)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, m.getenv)
	return cfg, nil
}

func (m *ConfigManager) validate(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	m.mu.RLock()
	extra := m.validator
	m.mu.RUnlock()
	if extra == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return extra(vctx, cfg)
}

// Load parses, validates and commits the file.
func (m *ConfigManager) Load(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.validate(ctx, cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", m.path, err)
	}
	m.Commit(cfg)
	return cfg, nil
}

// Commit makes cfg current without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file and, when it differs from the committed config
// and validates, commits and publishes it. It reports whether it published.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	next, err := m.Parse()
	if err != nil {
		return false, err
	}
	if cur := m.Get(); cur != nil && reflect.DeepEqual(cur, next) {
		return false, nil
	}
	if err := m.validate(ctx, next); err != nil {
		return false, err
	}
	m.Commit(next)
	m.publish(next)
	return true, nil
}

// Subscribe returns a channel that receives every published config. A slow
// subscriber only ever misses older configs, never the newest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs {
		for delivered := false; !delivered; {
			select {
			case ch <- cfg:
				delivered = true
			default:
				// Full: drop the oldest queued config and retry.
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}
