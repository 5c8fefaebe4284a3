package store

import (
	"context"

	"github.com/aura-webinar/stagecore/internal/feed"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// publisher forwards committed mutations to the change feed. A nil feed disables it.
type publisher struct {
	feed   feed.Feed
	logger *zap.Logger
}

func (p publisher) publish(ctx context.Context, table string, sessionID uuid.UUID, kind feed.Kind, row any) {
	if p.feed == nil {
		return
	}
	c, err := feed.NewChange(table, kind, row)
	if err != nil {
		p.logger.Error("encode change", zap.String("table", table), zap.Error(err))
		return
	}
	if err := p.feed.Publish(ctx, feed.SessionTopic(table, sessionID), c); err != nil {
		p.logger.Warn("publish change", zap.String("table", table), zap.Error(err))
	}
}
