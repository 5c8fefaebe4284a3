// Package feed is the change-notification feed: insert/update events on a
// (table, filter) topic plus subscription lifecycle events.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tables that publish changes.
const (
	TableSessions     = "sessions"
	TableParticipants = "session_participants"
	TableMessages     = "messages"
)

// Kind is the mutation kind of a change.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
)

// Status is a subscription lifecycle event.
type Status string

const (
	StatusSubscribed Status = "subscribed"
	StatusError      Status = "error"
	StatusClosed     Status = "closed"
)

// Topic is a table plus a filter predicate, e.g. {"messages", "channel_id=eq.<uuid>"}.
type Topic struct {
	Table  string
	Filter string
}

// Key is the channel name a topic maps to.
func (t Topic) Key() string { return "feed:" + t.Table + ":" + t.Filter }

// SessionTopic returns the topic of table rows belonging to session id.
func SessionTopic(table string, id uuid.UUID) Topic {
	col := "session_id"
	switch table {
	case TableMessages:
		col = "channel_id"
	case TableSessions:
		col = "id"
	}
	return Topic{Table: table, Filter: col + "=eq." + id.String()}
}

// Change is one row mutation.
type Change struct {
	Table string          `json:"table"`
	Kind  Kind            `json:"kind"`
	Row   json.RawMessage `json:"row"`
	At    time.Time       `json:"at"`
}

// NewChange marshals row into a change.
func NewChange(table string, kind Kind, row any) (Change, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return Change{}, err
	}
	return Change{Table: table, Kind: kind, Row: b, At: time.Now().UTC()}, nil
}

// Decode unmarshals the row of c into a T.
func Decode[T any](c Change) (T, error) {
	var v T
	err := json.Unmarshal(c.Row, &v)
	return v, err
}

// Handler receives changes and lifecycle events of one subscription.
// Either func may be nil.
type Handler struct {
	OnChange func(Change)
	OnStatus func(Status, error)
}

func (h Handler) change(c Change) {
	if h.OnChange != nil {
		h.OnChange(c)
	}
}

func (h Handler) status(s Status, err error) {
	if h.OnStatus != nil {
		h.OnStatus(s, err)
	}
}

// Subscription is an open feed subscription. Unsubscribe is idempotent and
// no callback fires after it returns.
type Subscription interface {
	Unsubscribe() error
}

// Feed delivers changes per topic.
type Feed interface {
	Subscribe(ctx context.Context, topic Topic, h Handler) (Subscription, error)
	Publish(ctx context.Context, topic Topic, c Change) error
}
