// Package delivery tracks outbound chat messages through processing, sent and
// failed, and collapses duplicate deliveries in merged message streams.
package delivery

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aura-webinar/stagecore/internal/clock"
	"github.com/aura-webinar/stagecore/internal/notify"
	"go.uber.org/zap"
)

// State is the delivery state of one message id.
type State string

const (
	StateProcessing State = "processing"
	StateSent       State = "sent"
	StateFailed     State = "failed"
)

const (
	// DefaultTimeout bounds how long a send may stay processing.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxRetries is how many failed attempts a logical message may accumulate.
	DefaultMaxRetries = 3
)

// Record is the tracked state of one message id.
type Record struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats counts records per state.
type Stats struct {
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option { return func(t *Tracker) { t.timeout = d } }

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option { return func(t *Tracker) { t.maxRetries = n } }

// WithAfterFunc replaces time.AfterFunc, mainly for tests.
func WithAfterFunc(fn clock.AfterFunc) Option { return func(t *Tracker) { t.afterFunc = fn } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

type entry struct {
	rec   Record
	timer clock.Timer
}

// Tracker holds one state per id, so an id is never in two states at once.
type Tracker struct {
	mu         sync.Mutex
	entries    map[string]*entry
	stopped    bool
	timeout    time.Duration
	maxRetries int
	afterFunc  clock.AfterFunc
	now        func() time.Time
	timeouts   notify.Topic[string]
	logger     *zap.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		entries:    make(map[string]*entry),
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		afterFunc:  clock.Std,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LogicalID strips the retry suffix from id.
func LogicalID(id string) string {
	logical, _, _ := strings.Cut(id, "#")
	return logical
}

// RetryID returns the id of the n-th retry of logical.
func RetryID(logical string, n int) string {
	return fmt.Sprintf("%s#%d", LogicalID(logical), n)
}

// IsDuplicate reports whether id is already processing or sent.
func (t *Tracker) IsDuplicate(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return ok && (e.rec.State == StateProcessing || e.rec.State == StateSent)
}

// MarkProcessing records id as in flight and arms its delivery timeout.
func (t *Tracker) MarkProcessing(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	e := t.resetLocked(id, StateProcessing)
	e.timer = t.afterFunc(t.timeout, func() { t.expire(id, e) })
}

// MarkSent records id as acknowledged. A late ack moves a failed id to sent.
func (t *Tracker) MarkSent(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked(id, StateSent)
}

// MarkFailed records id as failed.
func (t *Tracker) MarkFailed(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked(id, StateFailed)
}

// CanRetry reports whether the logical message behind id may be sent again.
func (t *Tracker) CanRetry(id string) bool {
	return t.FailedAttempts(id) < t.maxRetries
}

// FailedAttempts counts failed ids sharing id's logical prefix.
func (t *Tracker) FailedAttempts(id string) int {
	logical := LogicalID(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key, e := range t.entries {
		if e.rec.State == StateFailed && LogicalID(key) == logical {
			n++
		}
	}
	return n
}

// State returns the record for id.
func (t *Tracker) State(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Stats returns per-state counts.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s Stats
	for _, e := range t.entries {
		switch e.rec.State {
		case StateProcessing:
			s.Processing++
		case StateSent:
			s.Sent++
		case StateFailed:
			s.Failed++
		}
	}
	return s
}

// OnTimeout registers fn to be called with every id that times out.
func (t *Tracker) OnTimeout(fn func(id string)) (unsubscribe func()) {
	return t.timeouts.Subscribe(fn)
}

// Stop cancels all pending timeouts. Entries still processing stay processing.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	for _, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	t.mu.Unlock()
	t.timeouts.Clear()
}

// resetLocked replaces whatever state id had with state, cancelling its timer.
func (t *Tracker) resetLocked(id string, state State) *entry {
	if old, ok := t.entries[id]; ok && old.timer != nil {
		old.timer.Stop()
		old.timer = nil
	}
	e := &entry{rec: Record{ID: id, State: state, CreatedAt: t.now()}}
	t.entries[id] = e
	return e
}

func (t *Tracker) expire(id string, e *entry) {
	t.mu.Lock()
	if t.stopped || t.entries[id] != e || e.rec.State != StateProcessing {
		t.mu.Unlock()
		return
	}
	e.timer = nil
	e.rec.State = StateFailed
	t.mu.Unlock()

	t.logger.Warn("message delivery timed out", zap.String("message_id", id), zap.Duration("timeout", t.timeout))
	t.timeouts.Publish(id)
}
