package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "signal:"
	publishTTL    = 5 * time.Second
)

// RedisBridge implements Bridge on Redis pub/sub, one channel per session.
type RedisBridge struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBridge creates a Redis bridge for cross-instance signaling.
func NewRedisBridge(client *redis.Client, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, logger: logger}
}

// Publish sends msg to the session channel.
func (r *RedisBridge) Publish(ctx context.Context, msg Routed) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTTL)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+msg.SessionID.String(), body).Err()
}

// Subscribe listens on the session channel until cancel is called.
func (r *RedisBridge) Subscribe(sessionID uuid.UUID, handler func(Routed)) (cancel func(), err error) {
	channel := channelPrefix + sessionID.String()
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var routed Routed
				if err := json.Unmarshal([]byte(msg.Payload), &routed); err != nil {
					r.logger.Warn("discarding malformed signal", zap.Error(err))
					continue
				}
				handler(routed)
			}
		}
	}()
	return cancelCtx, nil
}
