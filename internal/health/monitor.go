// Package health tracks the state and quality of one logical connection and
// schedules exponentially backed-off reconnect attempts for it.
package health

import (
	"sync"
	"time"

	"github.com/aura-webinar/stagecore/internal/clock"
	"github.com/aura-webinar/stagecore/internal/notify"
	"go.uber.org/zap"
)

// Status is the connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Quality is a coarse connection quality derived from reconnect history.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityCritical  Quality = "critical"
)

// ManualRetryRequired is the LastError reported once the reconnect ceiling is hit.
const ManualRetryRequired = "disconnected: manual retry required"

// Record is a snapshot of one logical connection.
type Record struct {
	Name              string     `json:"name"`
	Status            Status     `json:"status"`
	Quality           Quality    `json:"quality"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	LastConnected     *time.Time `json:"last_connected,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
}

// Policy bounds reconnect attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy allows 5 attempts at 1s, 2s, 4s, 8s, 16s, capped at 30s.
var DefaultPolicy = Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

// Delay returns the wait before the reconnect that follows attempts failed ones.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPolicy overrides DefaultPolicy.
func WithPolicy(p Policy) Option { return func(m *Monitor) { m.policy = p } }

// WithAfterFunc replaces the timer source, mainly for tests.
func WithAfterFunc(fn clock.AfterFunc) Option { return func(m *Monitor) { m.afterFunc = fn } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// Monitor is the health state machine for one logical connection.
// Only one reconnect timer is ever armed; arming a new one cancels the previous.
type Monitor struct {
	mu        sync.Mutex
	rec       Record
	timer     clock.Timer
	gen       uint64
	stopped   bool
	policy    Policy
	afterFunc clock.AfterFunc
	now       func() time.Time
	changes   notify.Topic[Record]
	logger    *zap.Logger
}

// NewMonitor creates a disconnected monitor named name (e.g. "chat:<session>").
func NewMonitor(name string, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		rec:       Record{Name: name, Status: StatusDisconnected, Quality: QualityExcellent},
		policy:    DefaultPolicy,
		afterFunc: clock.Std,
		now:       time.Now,
		logger:    logger.With(zap.String("connection", name)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnSubscribed records a successful subscribe. Quality reflects how many
// attempts it took; the attempt counter then resets.
func (m *Monitor) OnSubscribed() {
	m.update(func(r *Record) {
		switch {
		case r.ReconnectAttempts == 0:
			r.Quality = QualityExcellent
		case r.ReconnectAttempts <= 2:
			r.Quality = QualityGood
		default:
			r.Quality = QualityPoor
		}
		now := m.now()
		r.Status = StatusConnected
		r.ReconnectAttempts = 0
		r.LastConnected = &now
		r.LastError = ""
		m.cancelTimerLocked()
	})
}

// OnTransportError records a transport failure.
func (m *Monitor) OnTransportError(err error) {
	m.update(func(r *Record) {
		if r.Status != StatusError {
			r.Status = StatusDisconnected
		}
		r.Quality = QualityCritical
		if err != nil && r.Status != StatusError {
			r.LastError = err.Error()
		}
	})
	m.logger.Warn("connection error", zap.Error(err))
}

// OnClosed records the feed being closed.
func (m *Monitor) OnClosed() {
	m.update(func(r *Record) {
		if r.Status != StatusError {
			r.Status = StatusDisconnected
		}
		r.Quality = QualityCritical
	})
}

// OnAttempting records a subscribe attempt in flight.
func (m *Monitor) OnAttempting() {
	m.update(func(r *Record) {
		r.Status = StatusConnecting
		if r.ReconnectAttempts > 3 {
			r.Quality = QualityPoor
		}
	})
}

// ScheduleReconnect arms the reconnect timer and reports whether it did.
// Once the attempt ceiling is reached it moves the record to error and
// returns false; only ResetReconnectAttempts leaves that state.
func (m *Monitor) ScheduleReconnect(cb func()) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	if m.rec.ReconnectAttempts >= m.policy.MaxAttempts {
		m.cancelTimerLocked()
		m.rec.Status = StatusError
		m.rec.Quality = QualityCritical
		m.rec.LastError = ManualRetryRequired
		rec := m.rec
		m.mu.Unlock()
		m.logger.Error("reconnect ceiling reached", zap.Int("attempts", rec.ReconnectAttempts))
		m.changes.Publish(rec)
		return false
	}

	m.cancelTimerLocked()
	m.gen++
	gen := m.gen
	delay := m.policy.Delay(m.rec.ReconnectAttempts)
	m.timer = m.afterFunc(delay, func() { m.fire(gen, cb) })
	attempts := m.rec.ReconnectAttempts
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempts", attempts))
	return true
}

func (m *Monitor) fire(gen uint64, cb func()) {
	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.rec.ReconnectAttempts++
	m.rec.Status = StatusConnecting
	if m.rec.ReconnectAttempts > 3 {
		m.rec.Quality = QualityPoor
	}
	rec := m.rec
	m.mu.Unlock()

	m.changes.Publish(rec)
	if cb != nil {
		cb()
	}
}

// ResetReconnectAttempts cancels any pending reconnect and zeroes the counter.
// A record stuck in error returns to disconnected.
func (m *Monitor) ResetReconnectAttempts() {
	m.update(func(r *Record) {
		m.cancelTimerLocked()
		r.ReconnectAttempts = 0
		if r.Status == StatusError {
			r.Status = StatusDisconnected
			r.LastError = ""
		}
	})
}

// Pending reports whether a reconnect timer is armed.
func (m *Monitor) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Snapshot returns a copy of the current record.
func (m *Monitor) Snapshot() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec
}

// OnChange registers fn to receive a copy of the record on every change.
func (m *Monitor) OnChange(fn func(Record)) (unsubscribe func()) {
	return m.changes.Subscribe(fn)
}

// Stop cancels the pending timer and makes any in-flight fire a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.cancelTimerLocked()
	m.mu.Unlock()
	m.changes.Clear()
}

func (m *Monitor) cancelTimerLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) update(fn func(*Record)) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	before := m.rec
	fn(&m.rec)
	rec := m.rec
	m.mu.Unlock()

	if before.Status != rec.Status {
		m.logger.Debug("connection state changed",
			zap.String("from", string(before.Status)),
			zap.String("to", string(rec.Status)),
			zap.String("quality", string(rec.Quality)),
		)
	}
	m.changes.Publish(rec)
}
