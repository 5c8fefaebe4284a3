package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// RedisFeed implements Feed on Redis pub/sub, one channel per topic.
type RedisFeed struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisFeed creates a Redis-backed change feed.
func NewRedisFeed(client *redis.Client, logger *zap.Logger) *RedisFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFeed{client: client, logger: logger}
}

// Publish sends c to every subscriber of topic.
func (r *RedisFeed) Publish(ctx context.Context, topic Topic, c Change) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, topic.Key(), body).Err()
}

// Subscribe opens a subscription. The subscribed event arrives once Redis
// confirms it; a receive failure reports error and ends the subscription, so
// the caller decides when to resubscribe.
func (r *RedisFeed) Subscribe(ctx context.Context, topic Topic, h Handler) (Subscription, error) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pubsub := r.client.Subscribe(subCtx, topic.Key())
	s := &redisSubscription{pubsub: pubsub, cancel: cancel}
	log := r.logger.With(zap.String("topic", topic.Key()))

	go func() {
		defer pubsub.Close()
		for {
			msg, err := pubsub.Receive(subCtx)
			if err != nil {
				if subCtx.Err() != nil || errors.Is(err, redis.ErrClosed) {
					s.emitStatus(h, StatusClosed, nil)
				} else {
					log.Warn("feed receive failed", zap.Error(err))
					s.emitStatus(h, StatusError, err)
				}
				return
			}
			switch m := msg.(type) {
			case *redis.Subscription:
				if m.Kind == "subscribe" {
					s.emitStatus(h, StatusSubscribed, nil)
				}
			case *redis.Message:
				var c Change
				if err := json.Unmarshal([]byte(m.Payload), &c); err != nil {
					log.Warn("discarding malformed change", zap.Error(err))
					continue
				}
				if s.closed.Load() {
					return
				}
				h.change(c)
			}
		}
	}()
	return s, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
}

func (s *redisSubscription) emitStatus(h Handler, st Status, err error) {
	if s.closed.Load() {
		return
	}
	h.status(st, err)
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		err = s.pubsub.Close()
	})
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
