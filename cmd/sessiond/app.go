package main

import (
	"context"
	"fmt"

	"github.com/aura-webinar/stagecore/config"
	"github.com/aura-webinar/stagecore/internal/api"
	"github.com/aura-webinar/stagecore/internal/attendance"
	"github.com/aura-webinar/stagecore/internal/feed"
	"github.com/aura-webinar/stagecore/internal/health"
	"github.com/aura-webinar/stagecore/internal/identity"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/aura-webinar/stagecore/internal/peers"
	"github.com/aura-webinar/stagecore/internal/session"
	"github.com/aura-webinar/stagecore/internal/signaling"
	"github.com/aura-webinar/stagecore/internal/store"
	"github.com/aura-webinar/stagecore/pkg/database"
	"github.com/aura-webinar/stagecore/pkg/queue"
	"github.com/aura-webinar/stagecore/pkg/redis"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// app holds the backends selected by configuration. Without a database the
// store is in memory; without Redis the feed is in process and exports are off.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	pool    *pgxpool.Pool
	rdb     *redis.Client
	store   store.Store
	feed    feed.Feed
	exports attendance.Exports
	queue   *queue.Queue
	bridge  signaling.Bridge
	peers   peers.TransportFactory
}

func openApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		a.feed = feed.NewRedisFeed(rdb.Client, logger)
		a.queue = queue.NewQueue(rdb.Client, logger)
		a.bridge = signaling.NewRedisBridge(rdb.Client, logger)
	} else {
		logger.Warn("REDIS_ADDR not set: using in-process change feed, exports disabled")
		a.feed = feed.NewMemoryFeed()
	}

	if dsn := cfg.Database.DSN(); dsn != "" {
		pool, err := database.NewPostgresPool(ctx, dsn, int32(cfg.Database.MaxConns), logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.pool = pool
		if migrate {
			if err := database.Migrate(ctx, pool, logger); err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		a.store = store.NewPostgres(pool, a.feed, logger)
		a.exports = attendance.NewRepository(pool)
	} else {
		logger.Warn("no database configured: using in-memory store")
		a.store = store.NewMemory(a.feed, logger)
		a.exports = attendance.NewMemoryExports()
	}

	if cfg.WebRTC.Enabled {
		iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEUrls))
		for _, u := range cfg.WebRTC.ICEUrls {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
		}
		factory, err := peers.NewPionFactory(iceServers)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("webrtc: %w", err)
		}
		a.peers = factory
	}
	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("redis close", zap.Error(err))
		}
	}
}

func (a *app) sessionConfig() session.Config {
	s := a.cfg.Session
	return session.Config{
		JoinWindow:   s.JoinWindow,
		HistoryLimit: s.HistoryLimit,
		Reconnect: health.Policy{
			MaxAttempts: s.ReconnectMaxAttempts,
			BaseDelay:   s.ReconnectBaseDelay,
			MaxDelay:    s.ReconnectMaxDelay,
		},
		DeliveryTimeout: s.DeliveryTimeout,
		MaxRetries:      s.MaxDeliveryRetries,
	}
}

// agentFactory builds controllers bound to the caller's token; later requests
// refresh it through Agent.Refresh. With WebRTC and
// a signaling URL configured the controller also gets a peer manager and a
// signaling relay that live as long as it does.
func (a *app) agentFactory(jwtSvc *identity.JWTService) api.Factory {
	cfg := a.sessionConfig()
	return func(ctx context.Context, sessionID uuid.UUID, who models.Identity, token string) (*api.Agent, error) {
		logger := a.logger.With(zap.String("identity", who.ID))
		tokens := identity.NewTokenProvider(jwtSvc, token)
		deps := session.Deps{
			Store:    a.store,
			Feed:     a.feed,
			Identity: tokens,
			Logger:   logger,
		}
		if a.peers != nil {
			deps.Peers = peers.NewManager(a.peers, peers.SampleDevices{StreamID: who.ID}, logger)
		}
		ctrl := session.NewController(sessionID, deps, cfg)
		agent := &api.Agent{Controller: ctrl, Refresh: tokens.SetToken}
		if deps.Peers == nil || a.cfg.Signaling.URL == "" {
			return agent, nil
		}

		client, err := signaling.NewClient(a.cfg.Signaling.URL, sessionID, token, logger, health.WithPolicy(cfg.Reconnect))
		if err != nil {
			ctrl.Close()
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			logger.Warn("signaling connect failed, redial scheduled", zap.Error(err))
		}
		relay := signaling.NewRelay(ctrl, client, logger)
		ctrl.OnClose(func() error {
			relay.Stop()
			return client.Close()
		})
		agent.Relay = relay
		agent.Refresh = func(token string) {
			tokens.SetToken(token)
			client.SetToken(token)
		}
		return agent, nil
	}
}
