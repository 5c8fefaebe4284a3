package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/feed"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Op names a Memory mutation for the test hook.
type Op string

const (
	OpJoin          Op = "join"
	OpClose         Op = "close"
	OpUpdateFlag    Op = "update_flag"
	OpUpdateRole    Op = "update_role"
	OpUpdateStatus  Op = "update_status"
	OpInsertMessage Op = "insert_message"
	OpDeleteMessage Op = "delete_message"
)

// Hook runs before a Memory mutation is applied. A non-nil error aborts it.
type Hook func(ctx context.Context, op Op) error

// Memory is an in-process Store used for embedded runs and tests.
type Memory struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]*models.Session
	participants map[uuid.UUID]*models.Participant
	messages     map[string]*models.Message
	hook         Hook
	now          func() time.Time
	pub          publisher
}

// NewMemory creates an empty in-memory store. changes may be nil.
func NewMemory(changes feed.Feed, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		sessions:     make(map[uuid.UUID]*models.Session),
		participants: make(map[uuid.UUID]*models.Participant),
		messages:     make(map[string]*models.Message),
		now:          time.Now,
		pub:          publisher{feed: changes, logger: logger},
	}
}

// SetHook installs h; nil removes it.
func (s *Memory) SetHook(h Hook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

func (s *Memory) runHook(ctx context.Context, op Op) error {
	s.mu.Lock()
	h := s.hook
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, op)
}

// CreateSession stores a copy of sess.
func (s *Memory) CreateSession(_ context.Context, sess *models.Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	now := s.now()
	sess.CreatedAt, sess.UpdatedAt = now, now
	cp := *sess
	cp.Participants = nil
	cp.Moderators = append([]string(nil), sess.Moderators...)
	s.mu.Lock()
	s.sessions[sess.ID] = &cp
	s.mu.Unlock()
	return nil
}

// GetSession returns a copy with open participants, or nil.
func (s *Memory) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	cp.Moderators = append([]string(nil), sess.Moderators...)
	cp.Participants = s.listLocked(id, true)
	return &cp, nil
}

// UpdateSessionStatus sets the status unless the session already ended.
func (s *Memory) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) (*models.Session, error) {
	if err := s.runHook(ctx, OpUpdateStatus); err != nil {
		return nil, err
	}
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, errs.ErrNotFound
	}
	changed := sess.Status != models.SessionEnded && sess.Status != status
	if changed {
		sess.Status = status
		sess.UpdatedAt = s.now()
	}
	cp := *sess
	s.mu.Unlock()

	if changed {
		s.pub.publish(ctx, feed.TableSessions, id, feed.KindUpdate, &cp)
	}
	return &cp, nil
}

// JoinParticipant applies the same rules as the PostgreSQL store under one lock.
func (s *Memory) JoinParticipant(ctx context.Context, p *models.Participant) (*models.Participant, bool, error) {
	if err := s.runHook(ctx, OpJoin); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	sess, ok := s.sessions[p.SessionID]
	if !ok {
		s.mu.Unlock()
		return nil, false, errs.ErrNotFound
	}
	open := s.listLocked(p.SessionID, true)
	for i := range open {
		if open[i].Identity == p.Identity {
			s.mu.Unlock()
			return &open[i], false, nil
		}
	}
	if !sess.Capacity.HasRoom(p.Role, open) {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s", errs.ErrCapacityExceeded, p.Role)
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := *p
	row.LeftAt = nil
	s.participants[row.ID] = &row
	out := row
	s.mu.Unlock()

	s.pub.publish(ctx, feed.TableParticipants, out.SessionID, feed.KindInsert, &out)
	return &out, true, nil
}

// GetParticipant returns a copy of the row, or nil.
func (s *Memory) GetParticipant(_ context.Context, id uuid.UUID) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// GetOpenParticipant returns identity's open row, or nil.
func (s *Memory) GetOpenParticipant(_ context.Context, sessionID uuid.UUID, identity string) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.SessionID == sessionID && p.Identity == identity && p.Open() {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

// ListParticipants returns copies ordered by join time.
func (s *Memory) ListParticipants(_ context.Context, sessionID uuid.UUID, openOnly bool) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(sessionID, openOnly), nil
}

func (s *Memory) listLocked(sessionID uuid.UUID, openOnly bool) []models.Participant {
	var list []models.Participant
	for _, p := range s.participants {
		if p.SessionID != sessionID || (openOnly && !p.Open()) {
			continue
		}
		list = append(list, *p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].JoinedAt.Before(list[j].JoinedAt) })
	return list
}

// CloseParticipant soft-closes an open row; a closed row is returned unchanged.
func (s *Memory) CloseParticipant(ctx context.Context, id uuid.UUID, at time.Time) (*models.Participant, error) {
	if err := s.runHook(ctx, OpClose); err != nil {
		return nil, err
	}
	s.mu.Lock()
	p, ok := s.participants[id]
	if !ok {
		s.mu.Unlock()
		return nil, errs.ErrNotFound
	}
	changed := p.Open()
	if changed {
		left := at
		p.LeftAt = &left
	}
	cp := *p
	s.mu.Unlock()

	if changed {
		s.pub.publish(ctx, feed.TableParticipants, cp.SessionID, feed.KindUpdate, &cp)
	}
	return &cp, nil
}

// CloseAllParticipants soft-closes every open row of the session.
func (s *Memory) CloseAllParticipants(ctx context.Context, sessionID uuid.UUID, at time.Time) (int, error) {
	if err := s.runHook(ctx, OpClose); err != nil {
		return 0, err
	}
	s.mu.Lock()
	var closed []models.Participant
	for _, p := range s.participants {
		if p.SessionID == sessionID && p.Open() {
			left := at
			p.LeftAt = &left
			closed = append(closed, *p)
		}
	}
	s.mu.Unlock()

	for i := range closed {
		s.pub.publish(ctx, feed.TableParticipants, sessionID, feed.KindUpdate, &closed[i])
	}
	return len(closed), nil
}

// UpdateMediaFlag sets one flag on an open row.
func (s *Memory) UpdateMediaFlag(ctx context.Context, id uuid.UUID, flag models.MediaFlag, value bool) (*models.Participant, error) {
	if !flag.Valid() {
		return nil, fmt.Errorf("unknown media flag %q", flag)
	}
	return s.mutateOpen(ctx, OpUpdateFlag, id, func(p *models.Participant) {
		p.SetFlags(p.Flags().With(flag, value))
	})
}

// UpdateRole sets role and flags of an open row together.
func (s *Memory) UpdateRole(ctx context.Context, id uuid.UUID, role models.Role, flags models.MediaFlags) (*models.Participant, error) {
	return s.mutateOpen(ctx, OpUpdateRole, id, func(p *models.Participant) {
		p.Role = role
		p.SetFlags(flags)
	})
}

func (s *Memory) mutateOpen(ctx context.Context, op Op, id uuid.UUID, fn func(*models.Participant)) (*models.Participant, error) {
	if err := s.runHook(ctx, op); err != nil {
		return nil, err
	}
	s.mu.Lock()
	p, ok := s.participants[id]
	if !ok || !p.Open() {
		s.mu.Unlock()
		return nil, errs.ErrNotFound
	}
	fn(p)
	cp := *p
	s.mu.Unlock()

	s.pub.publish(ctx, feed.TableParticipants, cp.SessionID, feed.KindUpdate, &cp)
	return &cp, nil
}

// InsertMessage stores m unless its id already exists.
func (s *Memory) InsertMessage(ctx context.Context, m *models.Message) error {
	if err := s.runHook(ctx, OpInsertMessage); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.messages[m.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	cp := *m
	cp.Pending = false
	s.messages[m.ID] = &cp
	out := cp
	s.mu.Unlock()

	s.pub.publish(ctx, feed.TableMessages, out.ChannelID, feed.KindInsert, &out)
	return nil
}

// GetMessage returns a copy of the message, or nil.
func (s *Memory) GetMessage(_ context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

// SoftDeleteMessage sets deleted_at once.
func (s *Memory) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (*models.Message, error) {
	if err := s.runHook(ctx, OpDeleteMessage); err != nil {
		return nil, err
	}
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return nil, errs.ErrNotFound
	}
	if m.DeletedAt == nil {
		d := at
		m.DeletedAt = &d
	}
	cp := *m
	s.mu.Unlock()

	s.pub.publish(ctx, feed.TableMessages, cp.ChannelID, feed.KindUpdate, &cp)
	return &cp, nil
}

// ListMessages returns the latest limit messages in chronological order.
func (s *Memory) ListMessages(_ context.Context, channelID uuid.UUID, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	s.mu.Lock()
	var list []models.Message
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			list = append(list, *m)
		}
	}
	s.mu.Unlock()
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list, nil
}
