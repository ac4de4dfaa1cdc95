package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "egoipush/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// Change is one committed reload. Sections and Fields come from
// SummarizeConfigChange and never carry secrets.
type Change struct {
	Old      *Config
	New      *Config
	Sections []string
	Fields   []logx.Field
}

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Restart lists changed sections that only take effect after a restart.
func (c Change) Restart() []string {
	var out []string
	for _, s := range c.Sections {
		if s == "storage" || s == "http" {
			out = append(out, s)
		}
	}
	return out
}

const (
	defaultDebounce = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Manager owns the simulator config file. Load commits the first version;
// Watch commits later versions and hands each one to the single consumer
// of Changes. A slow consumer only ever sees the newest change.
type Manager struct {
	path     string
	log      logx.Logger
	debounce time.Duration

	mu   sync.RWMutex
	cur  *Config
	hash uint64

	changes chan Change
}

type Option func(*Manager)

// WithDebounce sets how long Watch waits for writes to settle.
func WithDebounce(d time.Duration) Option { return func(m *Manager) { m.debounce = d } }

func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{path: path, debounce: defaultDebounce, changes: make(chan Change, 1)}
	for _, o := range opts {
		o(m)
	}
	if m.debounce <= 0 {
		m.debounce = defaultDebounce
	}
	return m
}

// SetLogger sets the logger. The file is loaded before logging is
// configured, so this is set after construction.
func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Parse reads and decodes the file without validating or committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Load parses, validates and commits the file. Nothing is published.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cur, m.hash = cfg, fingerprint(cfg)
	m.mu.Unlock()
	return cfg, nil
}

// Current is the last committed config.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Changes delivers committed reloads.
func (m *Manager) Changes() <-chan Change { return m.changes }

// Reload re-reads the file and commits it when it is valid and differs
// from the current config. ok is false when nothing was committed.
func (m *Manager) Reload() (ch Change, ok bool, err error) {
	cfg, err := m.Parse()
	if err != nil {
		return Change{}, false, err
	}
	if err := cfg.Validate(); err != nil {
		return Change{}, false, err
	}
	h := fingerprint(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if h != 0 && h == m.hash {
		return Change{}, false, nil
	}
	sections, fields := SummarizeConfigChange(m.cur, cfg)
	ch = Change{Old: m.cur, New: cfg, Sections: sections, Fields: fields}
	m.cur, m.hash = cfg, h
	return ch, len(sections) > 0, nil
}

// offer replaces any undelivered change with ch.
func (m *Manager) offer(ch Change) {
	for {
		select {
		case m.changes <- ch:
			return
		default:
		}
		select {
		case <-m.changes:
			m.log.Debug("config change superseded before delivery")
		default:
		}
	}
}

func (m *Manager) reloadAndOffer() {
	ch, ok, err := m.Reload()
	switch {
	case err != nil:
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
	case !ok:
		m.log.Debug("config unchanged", logx.String("path", m.path))
	default:
		m.offer(ch)
		m.log.Debug("config change published", logx.String("changed", strings.Join(ch.Sections, ",")))
	}
}

// Watch follows the config file until ctx is done. Writes are debounced;
// a broken watcher is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := watchBackoffMin
	for {
		healthy, err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			backoff = watchBackoffMin
		}
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		m.log.Warn("config watcher restarting", logx.Err(err), logx.Duration("backoff", wait))
		backoff = min(backoff*2, watchBackoffMax)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one fsnotify watcher. healthy reports whether it got
// as far as watching the directory.
func (m *Manager) watchOnce(ctx context.Context) (healthy bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(m.debounce)
		} else {
			timer.Reset(m.debounce)
		}
		fire = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-fire:
			fire = nil
			m.reloadAndOffer()
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("watcher events closed")
			}
			// Editors often replace the file, so match on the name only.
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&^fsnotify.Chmod != 0 {
				schedule()
			}
		case werr, ok := <-w.Errors:
			switch {
			case !ok:
				return true, errors.New("watcher errors closed")
			case errors.Is(werr, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; reloading", logx.Err(werr))
				schedule()
			case errors.Is(werr, fsnotify.ErrClosed):
				return true, werr
			case werr != nil:
				m.log.Warn("config watch error", logx.Err(werr))
			}
		}
	}
}

func fingerprint(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
