package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aura-webinar/stagecore/config"
	"github.com/aura-webinar/stagecore/internal/api"
	"github.com/aura-webinar/stagecore/internal/attendance"
	"github.com/aura-webinar/stagecore/internal/identity"
	"github.com/aura-webinar/stagecore/internal/signaling"
	"github.com/aura-webinar/stagecore/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		migrate    bool
		withWorker bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session HTTP API, event stream and signaling endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			defer logger.Sync()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, migrate, withWorker)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply database migrations on startup")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "run the attendance export worker in-process")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrate, withWorker bool) error {
	a, err := openApp(ctx, cfg, logger, migrate)
	if err != nil {
		return err
	}
	defer a.Close()

	gin.SetMode(gin.ReleaseMode)
	jwtService := identity.NewJWTService(cfg.JWT.Secret, time.Duration(cfg.JWT.ExpireHours)*time.Hour)
	registry := api.NewRegistry(a.agentFactory(jwtService), logger)
	defer registry.Close()

	var jobs attendance.Enqueuer
	if a.queue != nil {
		jobs = a.queue
	}
	reports := attendance.NewService(a.store, a.exports, jobs, logger)
	router := api.NewRouter(api.RouterOptions{
		Handler:     api.NewHandler(registry, a.store, reports, logger),
		JWT:         jwtService,
		Hub:         signaling.NewHub(a.bridge, logger),
		CORSOrigins: cfg.Server.CORSAllowedOrigins,
		Logger:      logger,
	})

	var processor *worker.ExportProcessor
	if withWorker {
		if processor, err = newExportProcessor(ctx, a, reports); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
			return err
		}
		return nil
	})
	if processor != nil {
		g.Go(func() error {
			logger.Info("export worker started")
			processor.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("server stopped", zap.Int("agents", registry.Len()))
	return err
}
