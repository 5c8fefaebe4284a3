package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

type recorder struct {
	statuses []Status
	errs     []error
	changes  []Change
}

func (r *recorder) handler() Handler {
	return Handler{
		OnChange: func(c Change) { r.changes = append(r.changes, c) },
		OnStatus: func(s Status, err error) {
			r.statuses = append(r.statuses, s)
			r.errs = append(r.errs, err)
		},
	}
}

func TestMemoryFeed_SubscribePublishUnsubscribe(t *testing.T) {
	req := require.New(t)
	// Given
	ctx := context.Background()
	f := NewMemoryFeed()
	topic := SessionTopic(TableMessages, uuid.New())
	other := SessionTopic(TableMessages, uuid.New())
	var rec recorder

	// When
	sub, err := f.Subscribe(ctx, topic, rec.handler())
	req.NoError(err)
	c, err := NewChange(TableMessages, KindInsert, row{ID: "1", Body: "hi"})
	req.NoError(err)
	req.NoError(f.Publish(ctx, topic, c))
	req.NoError(f.Publish(ctx, other, c))
	req.NoError(sub.Unsubscribe())
	req.NoError(sub.Unsubscribe())
	req.NoError(f.Publish(ctx, topic, c))

	// Then
	req.Equal([]Status{StatusSubscribed}, rec.statuses)
	req.Len(rec.changes, 1)
	got, err := Decode[row](rec.changes[0])
	req.NoError(err)
	req.Equal(row{ID: "1", Body: "hi"}, got)
	req.Zero(f.Subscribers(topic))
}

func TestMemoryFeed_FaultInjection(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := NewMemoryFeed()
	topic := SessionTopic(TableParticipants, uuid.New())
	boom := errors.New("connection reset")

	f.FailNextSubscribe(topic, boom)
	var first recorder
	_, err := f.Subscribe(ctx, topic, first.handler())
	req.NoError(err)
	req.Equal([]Status{StatusError}, first.statuses)
	req.ErrorIs(first.errs[0], boom)
	req.Zero(f.Subscribers(topic))

	var second recorder
	_, err = f.Subscribe(ctx, topic, second.handler())
	req.NoError(err)
	req.Equal(1, f.Subscribers(topic))

	f.Break(topic, nil)
	req.Equal([]Status{StatusSubscribed, StatusError}, second.statuses)
	req.ErrorIs(second.errs[1], ErrInjected)
	req.Zero(f.Subscribers(topic))
}

func TestSessionTopic(t *testing.T) {
	req := require.New(t)
	id := uuid.MustParse("8f0a3c52-3e43-4d55-9b7e-1b0c2f3d4e5f")

	req.Equal("feed:messages:channel_id=eq."+id.String(), SessionTopic(TableMessages, id).Key())
	req.Equal("feed:session_participants:session_id=eq."+id.String(), SessionTopic(TableParticipants, id).Key())
	req.Equal("feed:sessions:id=eq."+id.String(), SessionTopic(TableSessions, id).Key())
}
