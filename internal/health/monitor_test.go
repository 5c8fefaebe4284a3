package health

import (
	"errors"
	"testing"
	"time"

	"github.com/aura-webinar/stagecore/internal/clock"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestMonitor() (*Monitor, *clock.Fake) {
	fake := clock.NewFake(epoch)
	return NewMonitor("chat:test", nil, WithAfterFunc(fake.AfterFunc), WithClock(fake.Now)), fake
}

// fireNext advances the clock to the single pending reconnect and returns its delay.
func fireNext(t *testing.T, fake *clock.Fake) time.Duration {
	t.Helper()
	pending := fake.Pending()
	require.Len(t, pending, 1)
	d := pending[0].Delay
	fake.Advance(d)
	return d
}

func TestPolicy_Delay(t *testing.T) {
	req := require.New(t)
	want := []time.Duration{1000, 2000, 4000, 8000, 16000, 30000, 30000}
	for attempts, ms := range want {
		req.Equal(ms*time.Millisecond, DefaultPolicy.Delay(attempts), "attempts=%d", attempts)
	}
}

func TestMonitor_BackoffSequenceAndCeiling(t *testing.T) {
	req := require.New(t)
	// Given
	m, fake := newTestMonitor()
	m.OnTransportError(errors.New("socket reset"))
	calls := 0

	// When
	var delays []time.Duration
	for i := 0; i < 5; i++ {
		req.True(m.ScheduleReconnect(func() { calls++ }))
		delays = append(delays, fireNext(t, fake))
		m.OnTransportError(errors.New("still down"))
	}

	// Then
	req.Equal([]time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}, delays)
	req.Equal(5, calls)
	req.False(m.ScheduleReconnect(func() { calls++ }))
	req.Empty(fake.Pending())

	rec := m.Snapshot()
	req.Equal(StatusError, rec.Status)
	req.Equal(ManualRetryRequired, rec.LastError)
	req.Equal(5, rec.ReconnectAttempts)
}

func TestMonitor_SubscribedQuality(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		want     Quality
	}{
		{"first attempt", 0, QualityExcellent},
		{"one retry", 1, QualityGood},
		{"two retries", 2, QualityGood},
		{"three retries", 3, QualityPoor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			m, fake := newTestMonitor()
			for i := 0; i < tt.attempts; i++ {
				req.True(m.ScheduleReconnect(nil))
				fireNext(t, fake)
			}
			req.Equal(tt.attempts, m.Snapshot().ReconnectAttempts)

			m.OnSubscribed()

			rec := m.Snapshot()
			req.Equal(StatusConnected, rec.Status)
			req.Equal(tt.want, rec.Quality)
			req.Zero(rec.ReconnectAttempts)
			req.NotNil(rec.LastConnected)
			req.Equal(fake.Now(), *rec.LastConnected)
		})
	}
}

func TestMonitor_TransportEvents(t *testing.T) {
	req := require.New(t)
	m, _ := newTestMonitor()
	m.OnSubscribed()

	m.OnTransportError(errors.New("reset by peer"))
	rec := m.Snapshot()
	req.Equal(StatusDisconnected, rec.Status)
	req.Equal(QualityCritical, rec.Quality)
	req.Equal("reset by peer", rec.LastError)

	m.OnAttempting()
	req.Equal(StatusConnecting, m.Snapshot().Status)
	req.Equal(QualityCritical, m.Snapshot().Quality)

	m.OnClosed()
	req.Equal(StatusDisconnected, m.Snapshot().Status)
}

func TestMonitor_AttemptingDegradesAfterThreeAttempts(t *testing.T) {
	req := require.New(t)
	m, fake := newTestMonitor()
	for i := 0; i < 4; i++ {
		req.True(m.ScheduleReconnect(nil))
		fireNext(t, fake)
	}
	m.OnSubscribed()
	req.Equal(QualityPoor, m.Snapshot().Quality)

	m.OnTransportError(nil)
	m.OnAttempting()
	req.Equal(QualityCritical, m.Snapshot().Quality)
}

func TestMonitor_SingleArmedTimer(t *testing.T) {
	req := require.New(t)
	// Given
	m, fake := newTestMonitor()
	first, second := 0, 0

	// When
	req.True(m.ScheduleReconnect(func() { first++ }))
	req.True(m.ScheduleReconnect(func() { second++ }))

	// Then
	req.Len(fake.Pending(), 1)
	fake.Advance(time.Minute)
	req.Zero(first)
	req.Equal(1, second)
	req.Equal(1, m.Snapshot().ReconnectAttempts)
}

func TestMonitor_ResetLeavesErrorState(t *testing.T) {
	req := require.New(t)
	m, fake := newTestMonitor()
	for i := 0; i < 5; i++ {
		req.True(m.ScheduleReconnect(nil))
		fireNext(t, fake)
	}
	req.False(m.ScheduleReconnect(nil))
	req.Equal(StatusError, m.Snapshot().Status)

	m.ResetReconnectAttempts()

	rec := m.Snapshot()
	req.Zero(rec.ReconnectAttempts)
	req.Equal(StatusDisconnected, rec.Status)
	req.False(m.Pending())

	fired := false
	req.True(m.ScheduleReconnect(func() { fired = true }))
	req.Equal(time.Second, fireNext(t, fake))
	req.True(fired)
}

func TestMonitor_ResetCancelsPendingTimer(t *testing.T) {
	req := require.New(t)
	m, fake := newTestMonitor()
	fired := false
	req.True(m.ScheduleReconnect(func() { fired = true }))

	m.ResetReconnectAttempts()
	fake.Advance(time.Minute)

	req.False(fired)
	req.False(m.Pending())
}

func TestMonitor_StopMakesFireNoop(t *testing.T) {
	req := require.New(t)
	m, fake := newTestMonitor()
	fired := false
	req.True(m.ScheduleReconnect(func() { fired = true }))

	m.Stop()
	fake.Advance(time.Minute)

	req.False(fired)
	req.False(m.ScheduleReconnect(nil))
}

func TestMonitor_ObserversReceiveCopies(t *testing.T) {
	req := require.New(t)
	m, _ := newTestMonitor()
	var got []Status
	unsubscribe := m.OnChange(func(r Record) { got = append(got, r.Status) })

	m.OnAttempting()
	m.OnSubscribed()
	unsubscribe()
	m.OnClosed()

	req.Equal([]Status{StatusConnecting, StatusConnected}, got)
}
