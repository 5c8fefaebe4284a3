package delivery

import (
	"testing"
	"time"

	"github.com/aura-webinar/stagecore/internal/clock"
	"github.com/stretchr/testify/require"
)

func newTestTracker() (*Tracker, *clock.Fake) {
	fake := clock.NewFake(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	return NewTracker(nil, WithAfterFunc(fake.AfterFunc), WithClock(fake.Now)), fake
}

func TestTracker_TimeoutMovesProcessingToFailed(t *testing.T) {
	req := require.New(t)
	// Given
	tr, fake := newTestTracker()
	var timedOut []string
	tr.OnTimeout(func(id string) { timedOut = append(timedOut, id) })

	// When
	tr.MarkProcessing("m1")
	req.True(tr.IsDuplicate("m1"))
	fake.Advance(9 * time.Second)
	rec, _ := tr.State("m1")
	req.Equal(StateProcessing, rec.State)
	fake.Advance(time.Second)

	// Then
	rec, ok := tr.State("m1")
	req.True(ok)
	req.Equal(StateFailed, rec.State)
	req.False(tr.IsDuplicate("m1"))
	req.Equal([]string{"m1"}, timedOut)
}

func TestTracker_SentClearsTimeout(t *testing.T) {
	req := require.New(t)
	tr, fake := newTestTracker()

	tr.MarkProcessing("m1")
	tr.MarkSent("m1")
	fake.Advance(time.Minute)

	rec, _ := tr.State("m1")
	req.Equal(StateSent, rec.State)
	req.Empty(fake.Pending())
	req.Equal(Stats{Sent: 1}, tr.Stats())
}

func TestTracker_LateAckAfterTimeout(t *testing.T) {
	req := require.New(t)
	tr, fake := newTestTracker()

	tr.MarkProcessing("m1")
	fake.Advance(DefaultTimeout)
	tr.MarkSent("m1")

	rec, _ := tr.State("m1")
	req.Equal(StateSent, rec.State)
	req.Equal(Stats{Sent: 1}, tr.Stats())
}

func TestTracker_IDInOneStateOnly(t *testing.T) {
	req := require.New(t)
	tr, _ := newTestTracker()

	tr.MarkProcessing("m1")
	tr.MarkFailed("m1")
	req.Equal(Stats{Failed: 1}, tr.Stats())

	tr.MarkProcessing("m1")
	req.Equal(Stats{Processing: 1}, tr.Stats())

	tr.MarkSent("m1")
	req.Equal(Stats{Sent: 1}, tr.Stats())
}

func TestTracker_CanRetryAfterThreeFailures(t *testing.T) {
	req := require.New(t)
	// Given
	tr, fake := newTestTracker()
	logical := "3f1d"

	// When
	for n := 0; n < 3; n++ {
		id := logical
		if n > 0 {
			id = RetryID(logical, n)
		}
		req.True(tr.CanRetry(id), "attempt %d", n)
		tr.MarkProcessing(id)
		fake.Advance(DefaultTimeout)
	}

	// Then
	req.Equal(3, tr.FailedAttempts(logical))
	req.False(tr.CanRetry(logical))
	req.False(tr.CanRetry(RetryID(logical, 7)))
	req.True(tr.CanRetry("other"))
}

func TestTracker_StopCancelsTimeouts(t *testing.T) {
	req := require.New(t)
	tr, fake := newTestTracker()
	tr.MarkProcessing("m1")

	tr.Stop()
	fake.Advance(time.Minute)

	rec, _ := tr.State("m1")
	req.Equal(StateProcessing, rec.State)
	req.Empty(fake.Pending())
}

func TestRetryID(t *testing.T) {
	req := require.New(t)
	req.Equal("abc#2", RetryID("abc", 2))
	req.Equal("abc#3", RetryID("abc#2", 3))
	req.Equal("abc", LogicalID("abc#3"))
	req.Equal("abc", LogicalID("abc"))
}
