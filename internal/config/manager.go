package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	logx "recurd/pkg/logx"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Manager owns the config file: it loads it, watches it and hands every
// accepted version to the subscribers.
type Manager struct {
	path     string
	getenv   func(string) string
	debounce time.Duration

	cur atomic.Pointer[snapshot]

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error

	// Held while sending so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   []chan *Config
}

// snapshot is a committed config with its fingerprint. Editors often emit
// several events per save; equal fingerprints are not published again.
type snapshot struct {
	cfg *Config
	sum uint64
}

func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		getenv:   os.Getenv,
		debounce: 250 * time.Millisecond,
		log:      logx.Nop(),
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log.With(logx.String("path", m.path))
	}
}

// SetValidator installs a check that runs on reloads, after Validate and
// before the new config is committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads and strictly decodes the file and applies environment
// overrides.
func (m *Manager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(m.path, data)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, m.getenv)
	return cfg, nil
}

// Load parses, validates and commits the file.
func (m *Manager) Load() (*Config, error) {
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

func (m *Manager) Commit(cfg *Config) {
	m.cur.Store(&snapshot{cfg: cfg, sum: fingerprint(cfg)})
}

func (m *Manager) Get() *Config {
	if s := m.cur.Load(); s != nil {
		return s.cfg
	}
	return nil
}

// fingerprint is FNV-64a over the JSON form; 0 means unknown.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return sum64(b)
}

func sum64(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func hashString(s string) string { return fmt.Sprintf("%x", sum64([]byte(s))) }

// Subscribe returns a channel receiving every committed reload.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	n := len(m.subs)
	m.subs = slices.DeleteFunc(m.subs, func(c chan *Config) bool { return c == ch })
	if len(m.subs) < n {
		close(ch)
	}
}

// publish hands cfg to every subscriber. Only the newest config matters, so
// a full channel gives up its oldest entry.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if offer(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) {
			m.log.Debug("config update dropped: subscriber slow", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload runs after the file changed. Configs that fail to parse, fail
// validation or did not change are not published.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		m.log.Warn("config rejected", logx.Err(err))
		return
	}
	sum := fingerprint(cfg)
	if cur := m.cur.Load(); cur != nil && sum != 0 && sum == cur.sum {
		m.log.Debug("config unchanged")
		return
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.Err(err))
			return
		}
	}
	m.cur.Store(&snapshot{cfg: cfg, sum: sum})
	m.publish(cfg)
	m.log.Debug("config published", logx.String("sum", fmt.Sprintf("%x", sum)))
}
