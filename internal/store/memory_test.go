package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/feed"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 5, 10, 18, 0, 0, 0, time.UTC)

func newSession(t *testing.T, s *Memory, capacity models.Capacity) *models.Session {
	t.Helper()
	sess := &models.Session{
		Kind:           models.KindStage,
		Title:          "Quarterly all-hands",
		Status:         models.SessionLive,
		ScheduledStart: start,
		Capacity:       capacity,
		Moderators:     []string{"mod"},
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func participant(sess *models.Session, identity string, role models.Role) *models.Participant {
	return &models.Participant{
		SessionID:    sess.ID,
		Identity:     identity,
		DisplayName:  identity,
		Role:         role,
		AudioEnabled: role != models.RoleAudience,
		JoinedAt:     start,
	}
}

func TestMemory_JoinIsIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := NewMemory(nil, nil)
	sess := newSession(t, s, models.Capacity{Speakers: 2, Audience: 10})

	first, created, err := s.JoinParticipant(ctx, participant(sess, "alice", models.RoleAudience))
	req.NoError(err)
	req.True(created)
	second, created, err := s.JoinParticipant(ctx, participant(sess, "alice", models.RoleAudience))
	req.NoError(err)
	req.False(created)

	req.Equal(first.ID, second.ID)
	open, err := s.ListParticipants(ctx, sess.ID, true)
	req.NoError(err)
	req.Len(open, 1)
}

func TestMemory_SpeakerCapacity(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := NewMemory(nil, nil)
	sess := newSession(t, s, models.Capacity{Speakers: 2, Audience: 10})

	_, _, err := s.JoinParticipant(ctx, participant(sess, "a", models.RoleSpeaker))
	req.NoError(err)
	_, _, err = s.JoinParticipant(ctx, participant(sess, "mod", models.RoleModerator))
	req.NoError(err)
	_, _, err = s.JoinParticipant(ctx, participant(sess, "c", models.RoleSpeaker))
	req.ErrorIs(err, errs.ErrCapacityExceeded)

	_, _, err = s.JoinParticipant(ctx, participant(sess, "d", models.RoleAudience))
	req.NoError(err)
}

func TestMemory_CloseFreesSlotAndKeepsHistory(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := NewMemory(nil, nil)
	sess := newSession(t, s, models.Capacity{Speakers: 1, Audience: 1})

	row, _, err := s.JoinParticipant(ctx, participant(sess, "a", models.RoleSpeaker))
	req.NoError(err)
	closed, err := s.CloseParticipant(ctx, row.ID, start.Add(time.Hour))
	req.NoError(err)
	req.NotNil(closed.LeftAt)

	again, err := s.CloseParticipant(ctx, row.ID, start.Add(2*time.Hour))
	req.NoError(err)
	req.Equal(*closed.LeftAt, *again.LeftAt)

	_, created, err := s.JoinParticipant(ctx, participant(sess, "b", models.RoleSpeaker))
	req.NoError(err)
	req.True(created)

	all, err := s.ListParticipants(ctx, sess.ID, false)
	req.NoError(err)
	req.Len(all, 2)
}

func TestMemory_MutationsPublishChanges(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := feed.NewMemoryFeed()
	s := NewMemory(f, nil)
	sess := newSession(t, s, models.Capacity{Speakers: 2, Audience: 2})

	var changes []feed.Change
	_, err := f.Subscribe(ctx, feed.SessionTopic(feed.TableParticipants, sess.ID), feed.Handler{
		OnChange: func(c feed.Change) { changes = append(changes, c) },
	})
	req.NoError(err)

	row, _, err := s.JoinParticipant(ctx, participant(sess, "a", models.RoleSpeaker))
	req.NoError(err)
	_, err = s.UpdateMediaFlag(ctx, row.ID, models.FlagVideo, true)
	req.NoError(err)

	req.Len(changes, 2)
	req.Equal(feed.KindInsert, changes[0].Kind)
	got, err := feed.Decode[models.Participant](changes[1])
	req.NoError(err)
	req.True(got.VideoEnabled)
	req.True(got.AudioEnabled)
}

func TestMemory_HookAbortsMutation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := NewMemory(nil, nil)
	sess := newSession(t, s, models.Capacity{Speakers: 2, Audience: 2})
	row, _, err := s.JoinParticipant(ctx, participant(sess, "a", models.RoleSpeaker))
	req.NoError(err)

	boom := errors.New("write timeout")
	s.SetHook(func(_ context.Context, op Op) error {
		if op == OpUpdateFlag {
			return boom
		}
		return nil
	})
	_, err = s.UpdateMediaFlag(ctx, row.ID, models.FlagAudio, false)

	req.ErrorIs(err, boom)
	got, err := s.GetParticipant(ctx, row.ID)
	req.NoError(err)
	req.True(got.AudioEnabled)
}

func TestMemory_Messages(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := NewMemory(nil, nil)
	sess := newSession(t, s, models.Capacity{Speakers: 2, Audience: 2})

	for i, content := range []string{"one", "two", "three"} {
		m := &models.Message{ID: content, ChannelID: sess.ID, SenderID: "a", Content: content, CreatedAt: start.Add(time.Duration(i) * time.Second)}
		req.NoError(s.InsertMessage(ctx, m))
		req.NoError(s.InsertMessage(ctx, m))
	}

	latest, err := s.ListMessages(ctx, sess.ID, 2)
	req.NoError(err)
	req.Equal("two", latest[0].ID)
	req.Equal("three", latest[1].ID)

	deleted, err := s.SoftDeleteMessage(ctx, "one", start)
	req.NoError(err)
	req.True(deleted.Deleted())

	_, err = s.SoftDeleteMessage(ctx, "missing", start)
	req.ErrorIs(err, errs.ErrNotFound)
	missing, err := s.GetMessage(ctx, "missing")
	req.NoError(err)
	req.Nil(missing)
}
