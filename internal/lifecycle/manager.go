// Package lifecycle owns long-lived feed subscriptions and cleanup callbacks for
// one session and tears all of them down exactly once.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Unsubscriber is an underlying subscription handle (feed subscription, listener, timer).
type Unsubscriber interface {
	Unsubscribe() error
}

// UnsubscribeFunc adapts a plain func to Unsubscriber.
type UnsubscribeFunc func() error

// Unsubscribe calls f.
func (f UnsubscribeFunc) Unsubscribe() error { return f() }

// Handle is a registered subscription.
type Handle struct {
	ID         string
	Underlying Unsubscriber
	CreatedAt  time.Time
	Active     bool
}

// Stats is a diagnostic snapshot.
type Stats struct {
	ActiveSubscriptions int `json:"active_subscriptions"`
	Cleanups            int `json:"cleanups"`
}

// Manager tracks subscriptions and cleanup callbacks. The zero value is not usable; use NewManager.
type Manager struct {
	mu       sync.Mutex
	subs     map[string]*Handle
	cleanups map[uint64]func() error
	nextID   uint64
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates an empty lifecycle manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subs:     make(map[string]*Handle),
		cleanups: make(map[uint64]func() error),
		logger:   logger,
		now:      time.Now,
	}
}

// Register records an active subscription under id. An active handle already
// registered under the same id is unsubscribed first so two listeners never coexist.
func (m *Manager) Register(id string, u Unsubscriber) {
	h := &Handle{ID: id, Underlying: u, CreatedAt: m.now(), Active: true}
	m.mu.Lock()
	prev := m.subs[id]
	m.subs[id] = h
	replaced := prev != nil && prev.Active
	if replaced {
		prev.Active = false
	}
	m.mu.Unlock()

	if replaced {
		m.unsubscribe(prev)
	}
	m.logger.Debug("subscription registered", zap.String("subscription_id", id))
}

// Unregister unsubscribes and forgets id. Unknown or inactive ids are a no-op.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	h, ok := m.subs[id]
	wasActive := ok && h.Active
	if ok {
		delete(m.subs, id)
		h.Active = false
	}
	m.mu.Unlock()

	if !wasActive {
		return
	}
	m.unsubscribe(h)
	m.logger.Debug("subscription unregistered", zap.String("subscription_id", id))
}

// Active reports whether id is currently registered and active.
func (m *Manager) Active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.subs[id]
	return ok && h.Active
}

// RegisterCleanup adds fn to run on CleanupAll. The returned func removes it without running it.
func (m *Manager) RegisterCleanup(fn func() error) (unregister func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.cleanups[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.cleanups, id)
		m.mu.Unlock()
	}
}

// CleanupAll unsubscribes every active handle and runs every cleanup once.
// Failures are logged and never stop the remaining teardown. A second call is a no-op.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	active := make([]*Handle, 0, len(m.subs))
	for _, h := range m.subs {
		if h.Active {
			h.Active = false
			active = append(active, h)
		}
	}
	cleanups := m.cleanups
	m.subs = make(map[string]*Handle)
	m.cleanups = make(map[uint64]func() error)
	m.mu.Unlock()

	for _, h := range active {
		m.unsubscribe(h)
	}
	for id, fn := range cleanups {
		if err := safeCall(fn); err != nil {
			m.logger.Warn("cleanup failed", zap.Uint64("cleanup_id", id), zap.Error(err))
		}
	}
	if len(active) > 0 || len(cleanups) > 0 {
		m.logger.Debug("cleanup complete", zap.Int("subscriptions", len(active)), zap.Int("cleanups", len(cleanups)))
	}
}

// HealthStats returns counts of active subscriptions and registered cleanups.
func (m *Manager) HealthStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, h := range m.subs {
		if h.Active {
			active++
		}
	}
	return Stats{ActiveSubscriptions: active, Cleanups: len(m.cleanups)}
}

func (m *Manager) unsubscribe(h *Handle) {
	if h.Underlying == nil {
		return
	}
	if err := safeCall(h.Underlying.Unsubscribe); err != nil {
		m.logger.Warn("unsubscribe failed", zap.String("subscription_id", h.ID), zap.Error(err))
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
