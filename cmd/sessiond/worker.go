package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/aura-webinar/stagecore/config"
	"github.com/aura-webinar/stagecore/internal/attendance"
	"github.com/aura-webinar/stagecore/internal/worker"
	"github.com/aura-webinar/stagecore/pkg/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errWorkerConfig = errors.New("export worker needs REDIS_ADDR and AWS_S3_REPORTS_BUCKET")

func newExportProcessor(ctx context.Context, a *app, reports *attendance.Service) (*worker.ExportProcessor, error) {
	if a.queue == nil || a.cfg.AWS.ReportsBucket == "" {
		return nil, errWorkerConfig
	}
	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               a.cfg.AWS.Region,
		AccessKeyID:          a.cfg.AWS.AccessKeyID,
		SecretAccessKey:      a.cfg.AWS.SecretAccessKey,
		ReportsBucket:        a.cfg.AWS.ReportsBucket,
		PresignExpireMinutes: a.cfg.AWS.PresignExpireMinutes,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	return worker.NewExportProcessor(reports, a.exports, s3Client, a.queue, a.logger), nil
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the attendance export worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			defer logger.Sync()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			reports := attendance.NewService(a.store, a.exports, a.queue, logger)
			processor, err := newExportProcessor(ctx, a, reports)
			if err != nil {
				return err
			}
			logger.Info("export worker started", zap.String("bucket", cfg.AWS.ReportsBucket))
			processor.Run(ctx)
			return nil
		},
	}
}
