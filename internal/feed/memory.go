package feed

import (
	"context"
	"errors"
	"sync"
)

// ErrInjected is reported by MemoryFeed fault injection when no error is given.
var ErrInjected = errors.New("injected feed failure")

// MemoryFeed is an in-process Feed. Delivery is synchronous on the caller's goroutine.
type MemoryFeed struct {
	mu       sync.Mutex
	next     uint64
	subs     map[string]map[uint64]*memorySubscription
	failNext map[string]error
}

// NewMemoryFeed creates an empty in-process feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		subs:     make(map[string]map[uint64]*memorySubscription),
		failNext: make(map[string]error),
	}
}

type memorySubscription struct {
	feed *MemoryFeed
	key  string
	id   uint64
	h    Handler

	mu     sync.Mutex
	closed bool
}

// Subscribe registers h on topic and reports subscribed before returning,
// unless a failure was injected with FailNextSubscribe.
func (f *MemoryFeed) Subscribe(_ context.Context, topic Topic, h Handler) (Subscription, error) {
	key := topic.Key()
	f.mu.Lock()
	f.next++
	s := &memorySubscription{feed: f, key: key, id: f.next, h: h}
	failErr, fail := f.failNext[key]
	if fail {
		delete(f.failNext, key)
	} else {
		if f.subs[key] == nil {
			f.subs[key] = make(map[uint64]*memorySubscription)
		}
		f.subs[key][s.id] = s
	}
	f.mu.Unlock()

	if fail {
		s.emit(func() { h.status(StatusError, failErr) })
		return s, nil
	}
	s.emit(func() { h.status(StatusSubscribed, nil) })
	return s, nil
}

// Publish delivers c to every current subscriber of topic.
func (f *MemoryFeed) Publish(_ context.Context, topic Topic, c Change) error {
	for _, s := range f.snapshot(topic.Key()) {
		s.emit(func() { s.h.change(c) })
	}
	return nil
}

// FailNextSubscribe makes the next Subscribe on topic report err instead of subscribed.
func (f *MemoryFeed) FailNextSubscribe(topic Topic, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.mu.Lock()
	f.failNext[topic.Key()] = err
	f.mu.Unlock()
}

// Break reports err to every subscriber of topic and drops them, as a lost connection would.
func (f *MemoryFeed) Break(topic Topic, err error) {
	if err == nil {
		err = ErrInjected
	}
	key := topic.Key()
	subs := f.snapshot(key)
	f.mu.Lock()
	delete(f.subs, key)
	f.mu.Unlock()
	for _, s := range subs {
		s.emit(func() { s.h.status(StatusError, err) })
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (f *MemoryFeed) Subscribers(topic Topic) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic.Key()])
}

func (f *MemoryFeed) snapshot(key string) []*memorySubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*memorySubscription, 0, len(f.subs[key]))
	for _, s := range f.subs[key] {
		out = append(out, s)
	}
	return out
}

func (s *memorySubscription) emit(fn func()) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		fn()
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.feed.mu.Lock()
	delete(s.feed.subs[s.key], s.id)
	s.feed.mu.Unlock()
	return nil
}
