package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/feed"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const sessionColumns = `id, kind, title, status, scheduled_start, speaker_capacity, audience_capacity, moderators, created_at, updated_at`

const participantColumns = `id, session_id, identity, display_name, role, audio_enabled, video_enabled, hand_raised, joined_at, left_at`

const messageColumns = `id, channel_id, sender_id, sender_name, content, created_at, deleted_at`

// Postgres implements Store on PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
	pub  publisher
}

// NewPostgres creates a PostgreSQL store. changes may be nil.
func NewPostgres(pool *pgxpool.Pool, changes feed.Feed, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, pub: publisher{feed: changes, logger: logger}}
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	var kind, status string
	err := row.Scan(&s.ID, &kind, &s.Title, &status, &s.ScheduledStart,
		&s.Capacity.Speakers, &s.Capacity.Audience, &s.Moderators, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Kind = models.SessionKind(kind)
	s.Status = models.SessionStatus(status)
	return &s, nil
}

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	var role string
	err := row.Scan(&p.ID, &p.SessionID, &p.Identity, &p.DisplayName, &role,
		&p.AudioEnabled, &p.VideoEnabled, &p.HandRaised, &p.JoinedAt, &p.LeftAt)
	if err != nil {
		return nil, err
	}
	p.Role = models.Role(role)
	return &p, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.SenderName, &m.Content, &m.CreatedAt, &m.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectParticipants(rows pgx.Rows) ([]models.Participant, error) {
	defer rows.Close()
	var list []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// CreateSession inserts a session. A zero ID is generated.
func (s *Postgres) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	if sess.Moderators == nil {
		sess.Moderators = []string{}
	}
	const q = `INSERT INTO sessions (id, kind, title, status, scheduled_start, speaker_capacity, audience_capacity, moderators)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`
	return s.pool.QueryRow(ctx, q, sess.ID, string(sess.Kind), sess.Title, string(sess.Status), sess.ScheduledStart,
		sess.Capacity.Speakers, sess.Capacity.Audience, sess.Moderators).Scan(&sess.CreatedAt, &sess.UpdatedAt)
}

// GetSession returns the session with its open participants, or nil if not found.
func (s *Postgres) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.Participants, err = s.ListParticipants(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateSessionStatus sets the session status. Ended sessions are never changed.
func (s *Postgres) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) (*models.Session, error) {
	const q = `UPDATE sessions SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> 'ended'
		RETURNING ` + sessionColumns
	sess, err := scanSession(s.pool.QueryRow(ctx, q, id, string(status)))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, gerr := s.GetSession(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if existing == nil {
			return nil, errs.ErrNotFound
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	s.pub.publish(ctx, feed.TableSessions, sess.ID, feed.KindUpdate, sess)
	return sess, nil
}

// JoinParticipant locks the session row so concurrent joins see each other's inserts.
func (s *Postgres) JoinParticipant(ctx context.Context, p *models.Participant) (*models.Participant, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var capacity models.Capacity
	err = tx.QueryRow(ctx, `SELECT speaker_capacity, audience_capacity FROM sessions WHERE id = $1 FOR UPDATE`, p.SessionID).
		Scan(&capacity.Speakers, &capacity.Audience)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, errs.ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	existing, err := scanParticipant(tx.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM session_participants WHERE session_id = $1 AND identity = $2 AND left_at IS NULL`,
		p.SessionID, p.Identity))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	rows, err := tx.Query(ctx, `SELECT `+participantColumns+` FROM session_participants WHERE session_id = $1 AND left_at IS NULL`, p.SessionID)
	if err != nil {
		return nil, false, err
	}
	open, err := collectParticipants(rows)
	if err != nil {
		return nil, false, err
	}
	if !capacity.HasRoom(p.Role, open) {
		return nil, false, fmt.Errorf("%w: %s", errs.ErrCapacityExceeded, p.Role)
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	const q = `INSERT INTO session_participants (id, session_id, identity, display_name, role, audio_enabled, video_enabled, hand_raised, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + participantColumns
	row, err := scanParticipant(tx.QueryRow(ctx, q, p.ID, p.SessionID, p.Identity, p.DisplayName, string(p.Role),
		p.AudioEnabled, p.VideoEnabled, p.HandRaised, p.JoinedAt))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	s.pub.publish(ctx, feed.TableParticipants, row.SessionID, feed.KindInsert, row)
	return row, true, nil
}

// GetParticipant returns a participant row by id, or nil if not found.
func (s *Postgres) GetParticipant(ctx context.Context, id uuid.UUID) (*models.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx, `SELECT `+participantColumns+` FROM session_participants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// GetOpenParticipant returns identity's open row in the session, or nil.
func (s *Postgres) GetOpenParticipant(ctx context.Context, sessionID uuid.UUID, identity string) (*models.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM session_participants WHERE session_id = $1 AND identity = $2 AND left_at IS NULL`,
		sessionID, identity))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListParticipants returns the session's rows ordered by join time.
func (s *Postgres) ListParticipants(ctx context.Context, sessionID uuid.UUID, openOnly bool) ([]models.Participant, error) {
	q := `SELECT ` + participantColumns + ` FROM session_participants WHERE session_id = $1`
	if openOnly {
		q += ` AND left_at IS NULL`
	}
	q += ` ORDER BY joined_at`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	return collectParticipants(rows)
}

// CloseParticipant soft-closes an open row.
func (s *Postgres) CloseParticipant(ctx context.Context, id uuid.UUID, at time.Time) (*models.Participant, error) {
	const q = `UPDATE session_participants SET left_at = $2 WHERE id = $1 AND left_at IS NULL RETURNING ` + participantColumns
	p, err := scanParticipant(s.pool.QueryRow(ctx, q, id, at))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, gerr := s.GetParticipant(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if existing == nil {
			return nil, errs.ErrNotFound
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	s.pub.publish(ctx, feed.TableParticipants, p.SessionID, feed.KindUpdate, p)
	return p, nil
}

// CloseAllParticipants soft-closes every open row of the session.
func (s *Postgres) CloseAllParticipants(ctx context.Context, sessionID uuid.UUID, at time.Time) (int, error) {
	const q = `UPDATE session_participants SET left_at = $2 WHERE session_id = $1 AND left_at IS NULL RETURNING ` + participantColumns
	rows, err := s.pool.Query(ctx, q, sessionID, at)
	if err != nil {
		return 0, err
	}
	closed, err := collectParticipants(rows)
	if err != nil {
		return 0, err
	}
	for i := range closed {
		s.pub.publish(ctx, feed.TableParticipants, sessionID, feed.KindUpdate, &closed[i])
	}
	return len(closed), nil
}

// UpdateMediaFlag sets one media flag on an open row.
func (s *Postgres) UpdateMediaFlag(ctx context.Context, id uuid.UUID, flag models.MediaFlag, value bool) (*models.Participant, error) {
	if !flag.Valid() {
		return nil, fmt.Errorf("unknown media flag %q", flag)
	}
	// flag is one of the fixed column names checked above.
	q := `UPDATE session_participants SET ` + string(flag) + ` = $2 WHERE id = $1 AND left_at IS NULL RETURNING ` + participantColumns
	p, err := scanParticipant(s.pool.QueryRow(ctx, q, id, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.pub.publish(ctx, feed.TableParticipants, p.SessionID, feed.KindUpdate, p)
	return p, nil
}

// UpdateRole sets role and media flags of an open row together.
func (s *Postgres) UpdateRole(ctx context.Context, id uuid.UUID, role models.Role, flags models.MediaFlags) (*models.Participant, error) {
	const q = `UPDATE session_participants SET role = $2, audio_enabled = $3, video_enabled = $4, hand_raised = $5
		WHERE id = $1 AND left_at IS NULL RETURNING ` + participantColumns
	p, err := scanParticipant(s.pool.QueryRow(ctx, q, id, string(role), flags.AudioEnabled, flags.VideoEnabled, flags.HandRaised))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.pub.publish(ctx, feed.TableParticipants, p.SessionID, feed.KindUpdate, p)
	return p, nil
}

// InsertMessage stores m. Re-inserting an existing id is a no-op.
func (s *Postgres) InsertMessage(ctx context.Context, m *models.Message) error {
	const q = `INSERT INTO messages (id, channel_id, sender_id, sender_name, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, q, m.ID, m.ChannelID, m.SenderID, m.SenderName, m.Content, m.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		stored := *m
		stored.Pending = false
		s.pub.publish(ctx, feed.TableMessages, m.ChannelID, feed.KindInsert, &stored)
	}
	return nil
}

// GetMessage returns a message by id, or nil if not found.
func (s *Postgres) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// SoftDeleteMessage sets deleted_at once.
func (s *Postgres) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (*models.Message, error) {
	const q = `UPDATE messages SET deleted_at = COALESCE(deleted_at, $2) WHERE id = $1 RETURNING ` + messageColumns
	m, err := scanMessage(s.pool.QueryRow(ctx, q, id, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.pub.publish(ctx, feed.TableMessages, m.ChannelID, feed.KindUpdate, m)
	return m, nil
}

// ListMessages returns the latest limit messages of the channel in chronological order.
func (s *Postgres) ListMessages(ctx context.Context, channelID uuid.UUID, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	const q = `SELECT ` + messageColumns + ` FROM (
		SELECT ` + messageColumns + ` FROM messages WHERE channel_id = $1 ORDER BY created_at DESC LIMIT $2
	) latest ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}
