package prefs

import (
	"context"
	"errors"
	"sync"

	"egoipush/internal/storage"
	logx "egoipush/pkg/logx"
)

// Settings is the subset of storage.Store the manager needs.
type Settings interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Manager is the only writer of the preferences blob. All mutations run
// under one mutex so check-then-insert on the dedup set is atomic.
type Manager struct {
	store      Settings
	log        logx.Logger
	maxEntries int

	mu     sync.Mutex
	cached *Preferences
}

type Option func(*Manager)

// WithMaxProcessed bounds the dedup set; oldest ids are evicted first.
func WithMaxProcessed(n int) Option { return func(m *Manager) { m.maxEntries = n } }

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

func NewManager(store Settings, opts ...Option) *Manager {
	m := &Manager{store: store}
	for _, o := range opts {
		o(m)
	}
	if m.store == nil {
		m.store = storage.NewMemory()
	}
	m.log = m.log.With(logx.String("comp", "prefs"))
	return m
}

// Load returns the current preferences. A missing or corrupt blob yields
// defaults; only store I/O errors are returned.
func (m *Manager) Load(ctx context.Context) (Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.loadLocked(ctx)
	if err != nil {
		return Defaults(), err
	}
	return p.Clone(), nil
}

// Save replaces the stored preferences atomically.
func (m *Manager) Save(ctx context.Context, p Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(ctx, p.Clone())
}

// Update applies fn to the current preferences and persists the result.
// fn returning false skips the write.
func (m *Manager) Update(ctx context.Context, fn func(p *Preferences) bool) (Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.loadLocked(ctx)
	if err != nil {
		return Defaults(), err
	}
	p = p.Clone()
	if !fn(&p) {
		return p, nil
	}
	if err := m.saveLocked(ctx, p); err != nil {
		return p, err
	}
	return p.Clone(), nil
}

// MarkProcessed records id in the dedup set. It reports false when id was
// already present, meaning the notification must not be shown again.
// Non-positive ids are never deduplicated.
func (m *Manager) MarkProcessed(ctx context.Context, id int64) (bool, error) {
	if id <= 0 {
		return true, nil
	}
	added := false
	_, err := m.Update(ctx, func(p *Preferences) bool {
		if !p.ProcessedNotifications.Add(id) {
			return false
		}
		added = true
		if n := p.ProcessedNotifications.Trim(m.maxEntries); n > 0 {
			m.log.Debug("dedup set trimmed", logx.Int("evicted", n))
		}
		return true
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// Unmark drops id from the dedup set. It undoes MarkProcessed for a
// notification that was never shown.
func (m *Manager) Unmark(ctx context.Context, id int64) error {
	if id <= 0 {
		return nil
	}
	_, err := m.Update(ctx, func(p *Preferences) bool {
		return p.ProcessedNotifications.Remove(id)
	})
	return err
}

// Processed reports whether id is already in the dedup set.
func (m *Manager) Processed(ctx context.Context, id int64) (bool, error) {
	p, err := m.Load(ctx)
	if err != nil {
		return false, err
	}
	return p.ProcessedNotifications.Contains(id), nil
}

func (m *Manager) loadLocked(ctx context.Context) (Preferences, error) {
	if m.cached != nil {
		return *m.cached, nil
	}
	blob, ok, err := m.store.Get(ctx, StoreKey)
	if err != nil {
		return Defaults(), err
	}
	p := Defaults()
	if ok {
		decoded, derr := Decode(blob)
		if derr != nil && !errors.Is(derr, ErrEmptyBlob) {
			m.log.Debug("stored preferences unreadable; using defaults", logx.Err(derr))
		} else if derr == nil {
			p = decoded
		}
	}
	m.cached = &p
	return p, nil
}

func (m *Manager) saveLocked(ctx context.Context, p Preferences) error {
	blob, err := Encode(p)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, StoreKey, blob); err != nil {
		return err
	}
	m.cached = &p
	return nil
}
