package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aura-webinar/stagecore/internal/attendance"
	"github.com/aura-webinar/stagecore/pkg/queue"
	"github.com/aura-webinar/stagecore/pkg/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Uploader stores report objects. *storage.S3 implements it.
type Uploader interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	ReportsBucket() string
}

// Jobs is the queue side the processor consumes. *queue.Queue implements it.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ReportBuilder assembles a report for a session. *attendance.Service implements it.
type ReportBuilder interface {
	Build(ctx context.Context, sessionID uuid.UUID) (*attendance.Report, error)
}

// ExportProcessor processes attendance export jobs: build the report, upload
// it as JSON, record the object on the export row.
type ExportProcessor struct {
	reports  ReportBuilder
	exports  attendance.Exports
	uploader Uploader
	jobs     Jobs
	backoff  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewExportProcessor creates an attendance export processor.
func NewExportProcessor(reports ReportBuilder, exports attendance.Exports, uploader Uploader, jobs Jobs, logger *zap.Logger) *ExportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportProcessor{
		reports:  reports,
		exports:  exports,
		uploader: uploader,
		jobs:     jobs,
		backoff:  queue.RetryBackoff,
		now:      time.Now,
		logger:   logger,
	}
}

// Process executes one export job.
func (p *ExportProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeAttendanceExport {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.AttendanceExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	exp, err := p.exports.GetExport(ctx, payload.ExportID)
	if err != nil {
		return fmt.Errorf("load export: %w", err)
	}
	if exp == nil {
		return fmt.Errorf("export not found: %s", payload.ExportID)
	}
	if exp.Status != attendance.ExportPending {
		p.logger.Info("export already finished", zap.String("export_id", exp.ID.String()), zap.String("status", string(exp.Status)))
		return nil
	}

	report, err := p.reports.Build(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("build report: %w", err)
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	bucket := p.uploader.ReportsBucket()
	key := storage.ReportKey(payload.SessionID.String(), payload.ExportID.String())
	url, err := p.uploader.Upload(ctx, bucket, key, "application/json", bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.exports.CompleteExport(ctx, exp.ID, key, url, p.now()); err != nil {
		p.logger.Error("update export failed", zap.Error(err), zap.String("export_id", exp.ID.String()))
		if delErr := p.uploader.DeleteObject(ctx, bucket, key); delErr != nil {
			p.logger.Warn("delete orphaned report", zap.String("key", key), zap.Error(delErr))
		}
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("attendance export completed", zap.String("export_id", exp.ID.String()), zap.String("s3_key", key),
		zap.Int("attendees", len(report.Attendees)))
	return nil
}

// fail marks the export failed once the job has no retries left.
func (p *ExportProcessor) fail(ctx context.Context, job *queue.Job, cause error) {
	var payload queue.AttendanceExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return
	}
	if err := p.exports.FailExport(ctx, payload.ExportID, cause.Error(), p.now()); err != nil {
		p.logger.Error("mark export failed", zap.String("export_id", payload.ExportID.String()), zap.Error(err))
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ExportProcessor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			p.logger.Info("export worker stopping")
			return
		}

		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if job.Exhausted() {
				p.fail(ctx, job, err)
			}
			if reErr := p.jobs.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ExportProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
