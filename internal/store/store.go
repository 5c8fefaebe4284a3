// Package store is the durable store for sessions, participant rows and chat
// messages. Mutations publish a change to the feed after they commit.
package store

import (
	"context"
	"time"

	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/google/uuid"
)

// Sessions reads and transitions sessions. Get returns nil, nil for unknown ids.
type Sessions interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) (*models.Session, error)
}

// Participants manages participant rows. Rows are soft-closed, never deleted.
type Participants interface {
	// JoinParticipant atomically returns the caller's open row if one exists,
	// otherwise checks the session's capacity for p.Role and inserts p.
	// created is false for an idempotent rejoin.
	JoinParticipant(ctx context.Context, p *models.Participant) (row *models.Participant, created bool, err error)
	GetParticipant(ctx context.Context, id uuid.UUID) (*models.Participant, error)
	GetOpenParticipant(ctx context.Context, sessionID uuid.UUID, identity string) (*models.Participant, error)
	ListParticipants(ctx context.Context, sessionID uuid.UUID, openOnly bool) ([]models.Participant, error)
	// CloseParticipant sets left_at on an open row. Closing a closed row returns it unchanged.
	CloseParticipant(ctx context.Context, id uuid.UUID, at time.Time) (*models.Participant, error)
	CloseAllParticipants(ctx context.Context, sessionID uuid.UUID, at time.Time) (int, error)
	UpdateMediaFlag(ctx context.Context, id uuid.UUID, flag models.MediaFlag, value bool) (*models.Participant, error)
	UpdateRole(ctx context.Context, id uuid.UUID, role models.Role, flags models.MediaFlags) (*models.Participant, error)
}

// Messages stores chat messages. InsertMessage is idempotent on the message id.
type Messages interface {
	InsertMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) (*models.Message, error)
	ListMessages(ctx context.Context, channelID uuid.UUID, limit int) ([]models.Message, error)
}

// Store is the full durable store.
type Store interface {
	Sessions
	Participants
	Messages
}

// DefaultMessageLimit bounds ListMessages when limit <= 0.
const DefaultMessageLimit = 200

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
