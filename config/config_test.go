package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "")
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load()

	req.NoError(err)
	req.Equal("8080", cfg.Server.Port)
	req.Equal([]string{"http://localhost:3000", "http://localhost:3001"}, cfg.Server.CORSAllowedOrigins)
	req.Empty(cfg.Database.DSN())
	req.Equal(15*time.Minute, cfg.Session.JoinWindow)
	req.Equal(5, cfg.Session.ReconnectMaxAttempts)
	req.Equal(time.Second, cfg.Session.ReconnectBaseDelay)
	req.Equal(10*time.Second, cfg.Session.DeliveryTimeout)
	req.Equal(3, cfg.Session.MaxDeliveryRetries)
	req.False(cfg.WebRTC.Enabled)
	req.Equal(5*time.Second, cfg.Redis.DialTimeout)
	req.Zero(cfg.Redis.PoolSize)
}

func TestLoad_Overrides(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_USER", "stage")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("DB_NAME", "sessions")
	t.Setenv("RECONNECT_BASE_DELAY", "250ms")
	t.Setenv("WEBRTC_ENABLED", "true")
	t.Setenv("WEBRTC_ICE_URLS", " stun:a:3478 , ,turn:b:3478")
	t.Setenv("SESSION_HISTORY_LIMIT", "not-a-number")
	t.Setenv("REDIS_POOL_SIZE", "20")

	cfg, err := Load()

	req.NoError(err)
	req.Equal("postgres://stage:pw@db:5432/sessions?sslmode=disable", cfg.Database.DSN())
	req.Equal(250*time.Millisecond, cfg.Session.ReconnectBaseDelay)
	req.True(cfg.WebRTC.Enabled)
	req.Equal([]string{"stun:a:3478", "turn:b:3478"}, cfg.WebRTC.ICEUrls)
	req.Equal(200, cfg.Session.HistoryLimit)
	req.Equal(20, cfg.Redis.PoolSize)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	require.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("RECONNECT_MAX_DELAY", "100ms")
	_, err = Load()
	require.ErrorContains(t, err, "RECONNECT_MAX_DELAY")
}
