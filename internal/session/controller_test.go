package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aura-webinar/stagecore/internal/clock"
	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/feed"
	"github.com/aura-webinar/stagecore/internal/health"
	"github.com/aura-webinar/stagecore/internal/identity"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/aura-webinar/stagecore/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	start   = time.Date(2024, 9, 12, 17, 0, 0, 0, time.UTC)
	errBoom = errors.New("connection reset by peer")
)

type harness struct {
	store *store.Memory
	feed  *feed.MemoryFeed
	clock *clock.Fake
	sess  *models.Session
}

func newHarness(t *testing.T, status models.SessionStatus, capacity models.Capacity) *harness {
	t.Helper()
	f := feed.NewMemoryFeed()
	h := &harness{
		store: store.NewMemory(f, nil),
		feed:  f,
		clock: clock.NewFake(start),
		sess: &models.Session{
			Kind:           models.KindStage,
			Title:          "Release planning",
			Status:         status,
			ScheduledStart: start,
			Capacity:       capacity,
			Moderators:     []string{"mod"},
		},
	}
	require.NoError(t, h.store.CreateSession(context.Background(), h.sess))
	return h
}

func (h *harness) controller(t *testing.T, who string) *Controller {
	t.Helper()
	var provider identity.Provider = identity.Anonymous
	if who != "" {
		provider = identity.Static{Identity: &models.Identity{ID: who, DisplayName: who}}
	}
	c := NewController(h.sess.ID, Deps{
		Store:     h.store,
		Feed:      h.feed,
		Identity:  provider,
		Now:       h.clock.Now,
		AfterFunc: h.clock.AfterFunc,
	}, Config{})
	t.Cleanup(c.Close)
	return c
}

func (h *harness) topic(table string) feed.Topic {
	return feed.SessionTopic(table, h.sess.ID)
}

func identities(list []models.Participant) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.Identity)
	}
	return out
}

func TestJoin_Validation(t *testing.T) {
	tests := []struct {
		name    string
		who     string
		status  models.SessionStatus
		role    models.Role
		wantErr error
	}{
		{"unauthenticated", "", models.SessionLive, models.RoleAudience, errs.ErrNotAuthenticated},
		{"unknown role", "alice", models.SessionLive, models.Role("host"), errs.ErrInvalidContent},
		{"ended session", "alice", models.SessionEnded, models.RoleAudience, errs.ErrNotJoinable},
		{"unlisted moderator", "alice", models.SessionLive, models.RoleModerator, errs.ErrUnauthorized},
		{"listed moderator", "mod", models.SessionLive, models.RoleModerator, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			h := newHarness(t, tt.status, models.Capacity{Speakers: 2, Audience: 5})
			c := h.controller(t, tt.who)

			err := c.Join(context.Background(), tt.role)

			if tt.wantErr == nil {
				req.NoError(err)
				return
			}
			req.ErrorIs(err, tt.wantErr)
			_, joined := c.Self()
			req.False(joined)
		})
	}
}

func TestJoin_UnknownSession(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, models.SessionLive, models.Capacity{Speakers: 1, Audience: 1})
	c := NewController(uuid.New(), Deps{
		Store:    h.store,
		Feed:     h.feed,
		Identity: identity.Static{Identity: &models.Identity{ID: "alice"}},
	}, Config{})
	defer c.Close()

	req.ErrorIs(c.Join(context.Background(), models.RoleAudience), errs.ErrNotFound)
}

func TestJoin_IsIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	// Given
	h := newHarness(t, models.SessionLive, models.Capacity{Speakers: 1, Audience: 1})
	c := h.controller(t, "alice")
	req.NoError(c.Join(ctx, models.RoleAudience))
	first, _ := c.Self()

	// When the audience slot is full, a rejoin still succeeds
	again := h.controller(t, "alice")
	req.NoError(again.Join(ctx, models.RoleAudience))

	// Then
	second, ok := again.Self()
	req.True(ok)
	req.Equal(first.ID, second.ID)
	rows, err := h.store.ListParticipants(ctx, h.sess.ID, true)
	req.NoError(err)
	req.Len(rows, 1)
	req.False(rows[0].AudioEnabled)
}

func TestJoin_SpeakerCapacityUnderConcurrency(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, models.SessionLive, models.Capacity{Speakers: 2, Audience: 10})

	var (
		wg       sync.WaitGroup
		joined   atomic.Int32
		rejected atomic.Int32
	)
	for _, who := range []string{"ana", "ben", "cai"} {
		c := h.controller(t, who)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Join(ctx, models.RoleSpeaker)
			switch {
			case err == nil:
				joined.Add(1)
			case errors.Is(err, errs.ErrCapacityExceeded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}()
	}
	wg.Wait()

	req.EqualValues(2, joined.Load())
	req.EqualValues(1, rejected.Load())
	rows, err := h.store.ListParticipants(ctx, h.sess.ID, true)
	req.NoError(err)
	req.Len(rows, 2)
}

func TestLeave_IsIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, models.SessionLive, models.Capacity{Speakers: 2, Audience: 2})
	c := h.controller(t, "alice")
	req.NoError(c.Join(ctx, models.RoleSpeaker))

	req.NoError(c.Leave(ctx))
	req.NoError(c.Leave(ctx))

	_, joined := c.Self()
	req.False(joined)
	rows, err := h.store.ListParticipants(ctx, h.sess.ID, false)
	req.NoError(err)
	req.Len(rows, 1)
	req.NotNil(rows[0].LeftAt)
}

func TestToggle_RollsBackOnFailure(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	// Given
	h := newHarness(t, models.SessionLive, models.Capacity{Speakers: 2, Audience: 2})
	c := h.controller(t, "alice")
	req.NoError(c.Join(ctx, models.RoleSpeaker))
	var seen []bool
	c.OnRosterChange(func(list []models.Participant) {
		if len(list) == 1 {
			seen = append(seen, list[0].AudioEnabled)
		}
	})
	h.store.SetHook(func(_ context.Context, op store.Op) error {
		if op == store.OpUpdateFlag {
			return errBoom
		}
		return nil
	})

	// When
	value, err := c.ToggleAudio(ctx)

	// Then the optimistic false was shown, then reverted
	req.ErrorIs(err, errs.ErrTransport)
	req.True(value)
	req.Equal([]bool{false, true}, seen)
	self, _ := c.Self()
	req.True(self.AudioEnabled)
	row, err := h.store.GetParticipant(ctx, self.ID)
	req.NoError(err)
	req.True(row.AudioEnabled)
}

func TestToggle_CommitsInOrder(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	// Given a first commit that blocks and then fails
	h := newHarness(t, models.SessionLive, models.Capacity{Speakers: 2, Audience: 2})
	c := h.controller(t, "alice")
	req.NoError(c.Join(ctx, models.RoleSpeaker))
	release := make(chan struct{})
	var calls atomic.Int32
	h.store.SetHook(func(_ context.Context, op store.Op) error {
		if op != store.OpUpdateFlag {
			return nil
		}
		if calls.Add(1) == 1 {
			<-release
			return errBoom
		}
		return nil
	})

	// When a second toggle is issued while the first is in flight
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.ToggleAudio(ctx)
		firstErr <- err
	}()
	req.Eventually(func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		value bool
		err   error
	}
	second := make(chan result, 1)
	go func() {
		v, err := c.ToggleAudio(ctx)
		second <- result{v, err}
	}()
	req.Eventually(func() bool {
		self, _ := c.Self()
		return self.AudioEnabled
	}, time.Second, time.Millisecond)
	req.EqualValues(1, calls.Load(), "second commit must wait for the first")
	close(release)

	// Then the failed first toggle does not roll back the newer one
	req.ErrorIs(<-firstErr, errs.ErrTransport)
	res := <-second
	req.NoError(res.err)
	req.True(res.value)
	self, _ := c.Self()
	req.True(self.AudioEnabled)
	row, err := h.store.GetParticipant(ctx, self.ID)
	req.NoError(err)
	req.True(row.AudioEnabled)
}

func TestToggle_Authorization(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, models.SessionLive, models.Capacity{Speakers: 2, Audience: 2})
	c := h.controller(t, "alice")

	_, err := c.RaiseHand(ctx)
	req.ErrorIs(err, errs.ErrUnauthorized)

	req.NoError(c.Join(ctx, models.RoleAudience))
	_, err = c.ToggleAudio(ctx)
	req.ErrorIs(err, errs.ErrUnauthorized)
	_, err = c.ToggleVideo(ctx)
	req.ErrorIs(err, errs.ErrUnauthorized)

	raised, err := c.RaiseHand(ctx)
	req.NoError(err)
	req.True(raised)
}

func TestChangeRole(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, models.SessionLive, models.Capacity{Speakers: 2, Audience: 5})
	mod := h.controller(t, "mod")
	alice := h.controller(t, "alice")
	bob := h.controller(t, "bob")
	req.NoError(mod.Join(ctx, models.RoleModerator))
	req.NoError(alice.Join(ctx, models.RoleSpeaker))
	req.NoError(bob.Join(ctx, models.RoleAudience))
	aliceRow, _ := alice.Self()
	bobRow, _ := bob.Self()
	modRow, _ := mod.Self()

	// Only moderators may change roles, and never their own.
	req.ErrorIs(alice.ChangeRole(ctx, bobRow.ID, models.RoleSpeaker), errs.ErrUnauthorized)
	req.ErrorIs(mod.ChangeRole(ctx, modRow.ID, models.RoleAudience), errs.ErrUnauthorized)
	req.ErrorIs(mod.ChangeRole(ctx, uuid.New(), models.RoleSpeaker), errs.ErrNotFound)
	req.ErrorIs(mod.ChangeRole(ctx, aliceRow.ID, models.RoleModerator), errs.ErrUnauthorized)

	// The stage is full.
	req.ErrorIs(mod.ChangeRole(ctx, bobRow.ID, models.RoleSpeaker), errs.ErrCapacityExceeded)

	// Demotion forces media off.
	req.NoError(mod.ChangeRole(ctx, aliceRow.ID, models.RoleAudience))
	self, _ := alice.Self()
	req.Equal(models.RoleAudience, self.Role)
	req.False(self.AudioEnabled)
	req.False(self.VideoEnabled)

	// Promotion clears the raised hand.
	_, err := bob.RaiseHand(ctx)
	req.NoError(err)
	req.NoError(mod.ChangeRole(ctx, bobRow.ID, models.RoleSpeaker))
	self, _ = bob.Self()
	req.Equal(models.RoleSpeaker, self.Role)
	req.False(self.HandRaised)
}

func TestStartAndEnd(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, models.SessionScheduled, models.Capacity{Speakers: 2, Audience: 5})
	mod := h.controller(t, "mod")
	alice := h.controller(t, "alice")
	req.NoError(alice.Join(ctx, models.RoleAudience))

	req.ErrorIs(alice.Start(ctx), errs.ErrUnauthorized)
	req.NoError(mod.Start(ctx))
	req.NoError(mod.Start(ctx))
	sess, err := h.store.GetSession(ctx, h.sess.ID)
	req.NoError(err)
	req.Equal(models.SessionLive, sess.Status)

	req.NoError(mod.End(ctx))

	sess, err = h.store.GetSession(ctx, h.sess.ID)
	req.NoError(err)
	req.Equal(models.SessionEnded, sess.Status)
	req.Empty(sess.Participants)
	req.False(mod.Active())
	req.False(alice.Active(), "ended status reaches watching controllers")
	req.ErrorIs(alice.Join(ctx, models.RoleAudience), errs.ErrNotJoinable)
}

func TestReconnect_AfterFeedBreak(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	// Given
	h := newHarness(t, models.SessionLive, models.Capacity{Speakers: 2, Audience: 5})
	c := h.controller(t, "alice")
	req.NoError(c.Join(ctx, models.RoleAudience))
	var records []health.Record
	c.OnConnectionHealthChange(func(r health.Record) { records = append(records, r) })
	chat := h.topic(feed.TableMessages)
	req.Equal(1, h.feed.Subscribers(chat))

	// When
	h.feed.Break(chat, errBoom)

	// Then a single reconnect is armed and the stale subscription is gone
	req.Equal(0, h.feed.Subscribers(chat))
	pending := h.clock.Pending()
	req.Len(pending, 1)
	req.Equal(time.Second, pending[0].Delay)

	h.clock.Advance(time.Second)
	req.Equal(1, h.feed.Subscribers(chat))
	last := records[len(records)-1]
	req.Equal(health.StatusConnected, last.Status)
	req.Equal(health.QualityGood, last.Quality)
	req.Zero(last.ReconnectAttempts)
}

func TestReconnect_CeilingNeedsManualRetry(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	// Given
	h := newHarness(t, models.SessionLive, models.Capacity{Speakers: 2, Audience: 5})
	c := h.controller(t, "alice")
	req.NoError(c.Join(ctx, models.RoleAudience))
	chat := h.topic(feed.TableMessages)
	h.feed.Break(chat, errBoom)

	// When every retry fails
	var delays []time.Duration
	for i := 0; i < 5; i++ {
		pending := h.clock.Pending()
		req.Len(pending, 1)
		delays = append(delays, pending[0].Delay)
		h.feed.FailNextSubscribe(chat, errBoom)
		h.clock.Advance(pending[0].Delay)
	}

	// Then
	req.Equal([]time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, delays)
	req.Empty(h.clock.Pending())
	var rec health.Record
	for _, r := range c.Health().Connections {
		if r.Name == connChat+":"+h.sess.ID.String() {
			rec = r
		}
	}
	req.Equal(health.StatusError, rec.Status)
	req.Equal(health.ManualRetryRequired, rec.LastError)

	req.NoError(c.Reconnect(ctx))
	req.Equal(1, h.feed.Subscribers(chat))
	for _, r := range c.Health().Connections {
		req.Equal(health.StatusConnected, r.Status, r.Name)
	}
}

func TestClose_ReleasesEverything(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, models.SessionLive, models.Capacity{Speakers: 2, Audience: 5})
	c := h.controller(t, "alice")
	req.NoError(c.Join(ctx, models.RoleSpeaker))
	calls := 0
	c.OnRosterChange(func([]models.Participant) { calls++ })
	h.feed.Break(h.topic(feed.TableMessages), errBoom)
	req.Len(h.clock.Pending(), 1)

	c.Close()
	c.Close()

	req.False(c.Active())
	req.Empty(h.clock.Pending())
	req.Equal(0, h.feed.Subscribers(h.topic(feed.TableParticipants)))
	req.Equal(0, h.feed.Subscribers(h.topic(feed.TableSessions)))
	_, err := c.ToggleAudio(ctx)
	req.ErrorIs(err, errs.ErrNotJoinable)

	other := h.controller(t, "bob")
	req.NoError(other.Join(ctx, models.RoleAudience))
	req.Zero(calls)
	req.Zero(c.Health().Lifecycle.ActiveSubscriptions)
}

// A full stage lifecycle: early join rejected, audience join inside the
// window, hand raised and promoted, audio on, leave frees the slot.
func TestStageLifecycle(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	h := newHarness(t, models.SessionScheduled, models.Capacity{Speakers: 2, Audience: 10})
	alice := h.controller(t, "alice")
	mod := h.controller(t, "mod")
	bob := h.controller(t, "bob")

	h.clock.Set(start.Add(-20 * time.Minute))
	req.ErrorIs(alice.Join(ctx, models.RoleAudience), errs.ErrNotJoinable)

	h.clock.Set(start.Add(-10 * time.Minute))
	req.NoError(alice.Join(ctx, models.RoleAudience))
	req.NoError(mod.Join(ctx, models.RoleModerator))
	self, _ := alice.Self()
	req.Equal(models.RoleAudience, self.Role)
	req.False(self.AudioEnabled)

	raised, err := alice.RaiseHand(ctx)
	req.NoError(err)
	req.True(raised)
	req.Eventually(func() bool {
		for _, p := range mod.Roster() {
			if p.Identity == "alice" {
				return p.HandRaised
			}
		}
		return false
	}, time.Second, time.Millisecond)

	req.NoError(mod.ChangeRole(ctx, self.ID, models.RoleSpeaker))
	self, _ = alice.Self()
	req.Equal(models.RoleSpeaker, self.Role)
	req.False(self.HandRaised)

	on, err := alice.ToggleAudio(ctx)
	req.NoError(err)
	req.True(on)

	req.ErrorIs(bob.Join(ctx, models.RoleSpeaker), errs.ErrCapacityExceeded)
	req.NoError(alice.Leave(ctx))
	req.NoError(bob.Join(ctx, models.RoleSpeaker))

	req.ElementsMatch([]string{"mod", "bob"}, identities(mod.Roster()))
}
