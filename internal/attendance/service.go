package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/aura-webinar/stagecore/internal/store"
	"github.com/aura-webinar/stagecore/pkg/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Enqueuer queues export jobs. *queue.Queue implements it.
type Enqueuer interface {
	EnqueueAttendanceExport(ctx context.Context, payload queue.AttendanceExportPayload) error
}

// Service serves attendance reports to listed moderators and schedules exports.
type Service struct {
	store   store.Store
	exports Exports
	jobs    Enqueuer
	now     func() time.Time
	logger  *zap.Logger
}

// NewService creates an attendance service. jobs may be nil, in which case
// exports are refused.
func NewService(st store.Store, exports Exports, jobs Enqueuer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, exports: exports, jobs: jobs, now: time.Now, logger: logger}
}

func (s *Service) authorize(ctx context.Context, sessionID uuid.UUID, caller string) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errs.Classify(err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: session %s", errs.ErrNotFound, sessionID)
	}
	if !sess.CanModerate(caller) {
		return nil, fmt.Errorf("%w: attendance is visible to moderators only", errs.ErrUnauthorized)
	}
	return sess, nil
}

// Build assembles the report without an authorization check. Used by the worker.
func (s *Service) Build(ctx context.Context, sessionID uuid.UUID) (*Report, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errs.Classify(err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: session %s", errs.ErrNotFound, sessionID)
	}
	return s.build(ctx, sess)
}

func (s *Service) build(ctx context.Context, sess *models.Session) (*Report, error) {
	rows, err := s.store.ListParticipants(ctx, sess.ID, false)
	if err != nil {
		return nil, errs.Classify(err)
	}
	r := Build(sess, rows, s.now().UTC())
	return &r, nil
}

// Report returns the attendance of sessionID for caller.
func (s *Service) Report(ctx context.Context, sessionID uuid.UUID, caller string) (*Report, error) {
	sess, err := s.authorize(ctx, sessionID, caller)
	if err != nil {
		return nil, err
	}
	return s.build(ctx, sess)
}

// RequestExport records a pending export and queues the upload job.
func (s *Service) RequestExport(ctx context.Context, sessionID uuid.UUID, caller string) (*Export, error) {
	if s.jobs == nil {
		return nil, fmt.Errorf("%w: export queue not configured", errs.ErrTransport)
	}
	if _, err := s.authorize(ctx, sessionID, caller); err != nil {
		return nil, err
	}
	exp := &Export{ID: uuid.New(), SessionID: sessionID, RequestedBy: caller}
	if err := s.exports.CreateExport(ctx, exp); err != nil {
		return nil, errs.Classify(err)
	}
	if err := s.jobs.EnqueueAttendanceExport(ctx, queue.AttendanceExportPayload{ExportID: exp.ID, SessionID: sessionID}); err != nil {
		if ferr := s.exports.FailExport(ctx, exp.ID, "enqueue failed", s.now()); ferr != nil {
			s.logger.Warn("mark export failed", zap.String("export_id", exp.ID.String()), zap.Error(ferr))
		}
		return nil, errs.Classify(err)
	}
	s.logger.Info("attendance export requested", zap.String("export_id", exp.ID.String()), zap.String("session_id", sessionID.String()))
	return exp, nil
}

// GetExport returns an export of sessionID for caller.
func (s *Service) GetExport(ctx context.Context, sessionID, exportID uuid.UUID, caller string) (*Export, error) {
	if _, err := s.authorize(ctx, sessionID, caller); err != nil {
		return nil, err
	}
	exp, err := s.exports.GetExport(ctx, exportID)
	if err != nil {
		return nil, errs.Classify(err)
	}
	if exp == nil || exp.SessionID != sessionID {
		return nil, fmt.Errorf("%w: export %s", errs.ErrNotFound, exportID)
	}
	return exp, nil
}
