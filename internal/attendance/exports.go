package attendance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ExportStatus is the state of an export job.
type ExportStatus string

const (
	ExportPending   ExportStatus = "pending"
	ExportCompleted ExportStatus = "completed"
	ExportFailed    ExportStatus = "failed"
)

// Export is one requested report upload.
type Export struct {
	ID          uuid.UUID    `json:"id"`
	SessionID   uuid.UUID    `json:"session_id"`
	Status      ExportStatus `json:"status"`
	ObjectKey   string       `json:"object_key,omitempty"`
	ObjectURL   string       `json:"object_url,omitempty"`
	Error       string       `json:"error,omitempty"`
	RequestedBy string       `json:"requested_by"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Exports persists export records. GetExport returns nil, nil for unknown ids.
type Exports interface {
	CreateExport(ctx context.Context, e *Export) error
	GetExport(ctx context.Context, id uuid.UUID) (*Export, error)
	CompleteExport(ctx context.Context, id uuid.UUID, key, url string, at time.Time) error
	FailExport(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
}

var (
	_ Exports = (*Repository)(nil)
	_ Exports = (*MemoryExports)(nil)
)

// Repository handles attendance_exports.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an export repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateExport inserts e as pending.
func (r *Repository) CreateExport(ctx context.Context, e *Export) error {
	e.Status = ExportPending
	return r.pool.QueryRow(ctx,
		`INSERT INTO attendance_exports (id, session_id, status, requested_by) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		e.ID, e.SessionID, string(e.Status), e.RequestedBy).Scan(&e.CreatedAt)
}

// GetExport loads one export.
func (r *Repository) GetExport(ctx context.Context, id uuid.UUID) (*Export, error) {
	var e Export
	var status string
	var key, url, reason *string
	err := r.pool.QueryRow(ctx,
		`SELECT id, session_id, status, object_key, object_url, error, requested_by, created_at, completed_at
		 FROM attendance_exports WHERE id = $1`, id).
		Scan(&e.ID, &e.SessionID, &status, &key, &url, &reason, &e.RequestedBy, &e.CreatedAt, &e.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Status = ExportStatus(status)
	if key != nil {
		e.ObjectKey = *key
	}
	if url != nil {
		e.ObjectURL = *url
	}
	if reason != nil {
		e.Error = *reason
	}
	return &e, nil
}

// CompleteExport records the uploaded object.
func (r *Repository) CompleteExport(ctx context.Context, id uuid.UUID, key, url string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attendance_exports SET status = 'completed', object_key = $2, object_url = $3, error = NULL, completed_at = $4 WHERE id = $1`,
		id, key, url, at)
	return err
}

// FailExport records a terminal failure.
func (r *Repository) FailExport(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attendance_exports SET status = 'failed', error = $2, completed_at = $3 WHERE id = $1 AND status = 'pending'`,
		id, reason, at)
	return err
}

// MemoryExports keeps exports in memory, for embedded use and tests.
type MemoryExports struct {
	mu   sync.Mutex
	rows map[uuid.UUID]Export
	now  func() time.Time
}

// NewMemoryExports creates an empty in-memory export store.
func NewMemoryExports() *MemoryExports {
	return &MemoryExports{rows: make(map[uuid.UUID]Export), now: time.Now}
}

func (m *MemoryExports) CreateExport(_ context.Context, e *Export) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Status = ExportPending
	e.CreatedAt = m.now()
	m.rows[e.ID] = *e
	return nil
}

func (m *MemoryExports) GetExport(_ context.Context, id uuid.UUID) (*Export, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryExports) CompleteExport(_ context.Context, id uuid.UUID, key, url string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return nil
	}
	e.Status, e.ObjectKey, e.ObjectURL, e.Error, e.CompletedAt = ExportCompleted, key, url, "", &at
	m.rows[id] = e
	return nil
}

func (m *MemoryExports) FailExport(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok || e.Status != ExportPending {
		return nil
	}
	e.Status, e.Error, e.CompletedAt = ExportFailed, reason, &at
	m.rows[id] = e
	return nil
}
