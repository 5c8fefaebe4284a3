package lifecycle

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingSub struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingSub) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *countingSub) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestManager_UnregisterIsIdempotent(t *testing.T) {
	req := require.New(t)
	// Given
	m := NewManager(nil)
	sub := &countingSub{}
	m.Register("roster", sub)

	// When
	m.Unregister("roster")
	m.Unregister("roster")
	m.Unregister("unknown")

	// Then
	req.Equal(1, sub.Calls())
	req.False(m.Active("roster"))
	req.Zero(m.HealthStats().ActiveSubscriptions)
}

func TestManager_ReRegisterUnsubscribesPrevious(t *testing.T) {
	req := require.New(t)
	// Given
	m := NewManager(nil)
	first := &countingSub{}
	second := &countingSub{}
	m.Register("chat", first)

	// When
	m.Register("chat", second)

	// Then
	req.Equal(1, first.Calls())
	req.Zero(second.Calls())
	req.True(m.Active("chat"))
	req.Equal(1, m.HealthStats().ActiveSubscriptions)
}

func TestManager_CleanupAllRunsEverythingOnce(t *testing.T) {
	req := require.New(t)
	// Given
	m := NewManager(nil)
	a := &countingSub{}
	b := &countingSub{err: errors.New("socket already closed")}
	m.Register("a", a)
	m.Register("b", b)

	ran := 0
	m.RegisterCleanup(func() error { ran++; return nil })
	m.RegisterCleanup(func() error { panic("broken listener") })
	m.RegisterCleanup(func() error { ran++; return errors.New("boom") })
	m.RegisterCleanup(func() error { ran++; return nil })

	// When
	m.CleanupAll()
	m.CleanupAll()

	// Then
	req.Equal(1, a.Calls())
	req.Equal(1, b.Calls())
	req.Equal(3, ran)
	req.Equal(Stats{}, m.HealthStats())
}

func TestManager_UnregisteredCleanupDoesNotRun(t *testing.T) {
	req := require.New(t)
	m := NewManager(nil)
	ran := false
	unregister := m.RegisterCleanup(func() error { ran = true; return nil })
	req.Equal(1, m.HealthStats().Cleanups)

	unregister()
	m.CleanupAll()

	req.False(ran)
}

func TestManager_CleanupAllConcurrent(t *testing.T) {
	req := require.New(t)
	// Given
	m := NewManager(nil)
	subs := make([]*countingSub, 20)
	for i := range subs {
		subs[i] = &countingSub{}
		m.Register(string(rune('a'+i)), subs[i])
	}

	// When
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.CleanupAll()
		}()
	}
	wg.Wait()

	// Then
	for _, s := range subs {
		req.Equal(1, s.Calls())
	}
}

func TestManager_HealthStatsIsPureRead(t *testing.T) {
	req := require.New(t)
	m := NewManager(nil)
	m.Register("x", UnsubscribeFunc(func() error { return nil }))
	m.RegisterCleanup(func() error { return nil })

	first := m.HealthStats()
	second := m.HealthStats()

	req.Equal(Stats{ActiveSubscriptions: 1, Cleanups: 1}, first)
	req.Equal(first, second)
}
