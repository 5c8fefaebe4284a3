// Package notify provides a typed in-process publish/subscribe topic.
package notify

import "sync"

// Topic fans a value out to every subscribed listener.
// Listeners are invoked synchronously, outside the topic lock, in no particular order.
type Topic[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(T)
}

// Subscribe adds fn and returns a func that removes it. The returned func is idempotent.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	if t.subs == nil {
		t.subs = make(map[uint64]func(T))
	}
	t.next++
	id := t.next
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Publish delivers v to a snapshot of current listeners.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	fns := make([]func(T), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of listeners.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Clear drops every listener.
func (t *Topic[T]) Clear() {
	t.mu.Lock()
	t.subs = nil
	t.mu.Unlock()
}
