package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/aura-webinar/stagecore/internal/delivery"
	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/feed"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind classifies a chat event.
type EventKind string

const (
	// EventReceived is a new message: a local echo or one from another participant.
	EventReceived EventKind = "received"
	// EventConfirmed is a local message acknowledged by the store.
	EventConfirmed EventKind = "confirmed"
	// EventFailed is a local message that failed or timed out.
	EventFailed  EventKind = "failed"
	EventDeleted EventKind = "deleted"
)

// MessageEvent is delivered to chat observers.
type MessageEvent struct {
	Kind    EventKind      `json:"kind"`
	Message models.Message `json:"message"`
}

// Messages returns the timeline in chronological order.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.timeline))
	copy(out, c.timeline)
	return out
}

// SendMessage posts content to the session channel and returns the message id.
// The pending echo reaches observers before the store is called.
func (c *Controller) SendMessage(ctx context.Context, content string) (string, error) {
	if err := c.checkActive(); err != nil {
		return "", err
	}
	id, err := c.currentIdentity()
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: empty message", errs.ErrInvalidContent)
	}
	if n := utf8.RuneCountInString(content); n > models.MaxMessageLength {
		return "", fmt.Errorf("%w: message is %d characters, limit %d", errs.ErrInvalidContent, n, models.MaxMessageLength)
	}
	if _, joined := c.Self(); !joined {
		return "", fmt.Errorf("%w: not joined", errs.ErrUnauthorized)
	}

	msg := models.Message{
		ID:         uuid.NewString(),
		ChannelID:  c.sessionID,
		SenderID:   id.ID,
		SenderName: id.DisplayName,
		Content:    content,
		CreatedAt:  c.now().UTC(),
	}
	return msg.ID, c.deliver(ctx, msg, "")
}

// RetryMessage resends a failed message under a retry id and returns that id.
func (c *Controller) RetryMessage(ctx context.Context, id string) (string, error) {
	if err := c.checkActive(); err != nil {
		return "", err
	}
	if _, err := c.currentIdentity(); err != nil {
		return "", err
	}
	c.mu.Lock()
	idx := c.timelineIndexLocked(id)
	var msg models.Message
	if idx >= 0 {
		msg = c.timeline[idx]
	}
	c.mu.Unlock()
	if idx < 0 {
		return "", fmt.Errorf("%w: message %s", errs.ErrNotFound, id)
	}
	if rec, ok := c.tracker.State(id); ok && rec.State != delivery.StateFailed {
		return "", fmt.Errorf("%w: message %s is %s", errs.ErrInvalidContent, id, rec.State)
	}
	if !c.tracker.CanRetry(id) {
		return "", fmt.Errorf("%w: message %s", errs.ErrRetryLimit, delivery.LogicalID(id))
	}

	msg.ID = delivery.RetryID(id, c.tracker.FailedAttempts(id))
	c.logger.Info("retrying message", zap.String("message_id", id), zap.String("retry_id", msg.ID))
	return msg.ID, c.deliver(ctx, msg, id)
}

// deliver echoes msg as pending, stores it and reports the outcome. replaces
// names the timeline entry msg supersedes, if any. The store call is bounded
// by the delivery timeout; a failure after the timeout, or the timeout
// itself, is ErrDeliveryTimeout.
func (c *Controller) deliver(ctx context.Context, msg models.Message, replaces string) error {
	echo := msg
	echo.Pending = true

	c.mu.Lock()
	if replaces != "" {
		if i := c.timelineIndexLocked(replaces); i >= 0 {
			c.timeline = append(c.timeline[:i], c.timeline[i+1:]...)
		}
	}
	c.tracker.MarkProcessing(msg.ID)
	c.upsertLocked(echo)
	c.mu.Unlock()
	c.messageTopic.Publish(MessageEvent{Kind: EventReceived, Message: echo})

	insertCtx, cancel := context.WithTimeout(ctx, c.cfg.DeliveryTimeout)
	defer cancel()
	err := c.store.InsertMessage(insertCtx, &msg)
	if err != nil {
		c.mu.Lock()
		// A timeout may already have reported this id as failed.
		rec, _ := c.tracker.State(msg.ID)
		report := rec.State == delivery.StateProcessing
		if report {
			c.tracker.MarkFailed(msg.ID)
		}
		c.mu.Unlock()
		if report {
			c.messageTopic.Publish(MessageEvent{Kind: EventFailed, Message: echo})
		}
		c.logger.Warn("send message failed", zap.String("message_id", msg.ID), zap.Error(err))
		expired := errors.Is(insertCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		if !report || expired {
			return fmt.Errorf("%w: message %s: %w", errs.ErrDeliveryTimeout, msg.ID, err)
		}
		return errs.Classify(err)
	}
	c.confirm(msg)
	return nil
}

// confirm marks msg sent and publishes confirmed once, whichever of the store
// ack or the feed echo gets here first.
func (c *Controller) confirm(msg models.Message) {
	msg.Pending = false
	c.mu.Lock()
	rec, _ := c.tracker.State(msg.ID)
	if rec.State == delivery.StateSent {
		c.mu.Unlock()
		return
	}
	c.tracker.MarkSent(msg.ID)
	c.upsertLocked(msg)
	c.mu.Unlock()
	c.messageTopic.Publish(MessageEvent{Kind: EventConfirmed, Message: msg})
}

func (c *Controller) onDeliveryTimeout(id string) {
	c.mu.Lock()
	i := c.timelineIndexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return
	}
	msg := c.timeline[i]
	c.mu.Unlock()
	c.messageTopic.Publish(MessageEvent{Kind: EventFailed, Message: msg})
}

// DeleteMessage soft-deletes one of the caller's own messages.
func (c *Controller) DeleteMessage(ctx context.Context, id string) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	caller, err := c.currentIdentity()
	if err != nil {
		return err
	}
	msg, err := c.store.GetMessage(ctx, id)
	if err != nil {
		return errs.Classify(err)
	}
	if msg == nil || msg.ChannelID != c.sessionID {
		return fmt.Errorf("%w: message %s", errs.ErrNotFound, id)
	}
	if msg.SenderID != caller.ID {
		return fmt.Errorf("%w: only the sender may delete a message", errs.ErrUnauthorized)
	}
	deleted, err := c.store.SoftDeleteMessage(ctx, id, c.now().UTC())
	if err != nil {
		return errs.Classify(err)
	}
	c.applyDeleted(*deleted)
	return nil
}

func (c *Controller) applyDeleted(msg models.Message) {
	c.mu.Lock()
	if i := c.timelineIndexLocked(msg.ID); i >= 0 && c.timeline[i].Deleted() {
		c.mu.Unlock()
		return
	}
	c.upsertLocked(msg)
	c.mu.Unlock()
	c.messageTopic.Publish(MessageEvent{Kind: EventDeleted, Message: msg})
}

// applyMessageChange handles inbound chat rows. Each id reaches observers at
// most once no matter how often the feed redelivers it.
func (c *Controller) applyMessageChange(ch feed.Change) {
	msg, err := feed.Decode[models.Message](ch)
	if err != nil {
		c.logger.Warn("decode message change", zap.Error(err))
		return
	}
	if msg.ChannelID != c.sessionID {
		return
	}
	msg.Pending = false
	if msg.Deleted() {
		c.applyDeleted(msg)
		return
	}

	c.mu.Lock()
	rec, known := c.tracker.State(msg.ID)
	if known && rec.State == delivery.StateSent {
		c.mu.Unlock()
		return
	}
	if known {
		// Our own send, acknowledged through the feed.
		c.mu.Unlock()
		c.confirm(msg)
		return
	}
	c.tracker.MarkSent(msg.ID)
	c.upsertLocked(msg)
	c.mu.Unlock()
	c.messageTopic.Publish(MessageEvent{Kind: EventReceived, Message: msg})
}

func (c *Controller) timelineIndexLocked(id string) int {
	for i := range c.timeline {
		if c.timeline[i].ID == id {
			return i
		}
	}
	return -1
}

// upsertLocked replaces the entry with msg's id or inserts msg in CreatedAt order.
func (c *Controller) upsertLocked(msg models.Message) {
	if i := c.timelineIndexLocked(msg.ID); i >= 0 {
		c.timeline[i] = msg
		return
	}
	i := sort.Search(len(c.timeline), func(i int) bool { return c.timeline[i].CreatedAt.After(msg.CreatedAt) })
	c.timeline = append(c.timeline, models.Message{})
	copy(c.timeline[i+1:], c.timeline[i:])
	c.timeline[i] = msg
}
