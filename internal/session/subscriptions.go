package session

import (
	"context"

	"github.com/aura-webinar/stagecore/internal/clock"
	"github.com/aura-webinar/stagecore/internal/delivery"
	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/feed"
	"github.com/aura-webinar/stagecore/internal/health"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Logical connection names, also used as lifecycle handle ids.
const (
	connSession = "session"
	connRoster  = "roster"
	connChat    = "chat"
)

// connection is one logical feed subscription with its own health monitor.
type connection struct {
	name    string
	topic   feed.Topic
	monitor *health.Monitor
	apply   func(feed.Change)
	reload  func(context.Context) error

	epoch uint64 // guarded by Controller.mu
}

func (c *Controller) newConnection(name string, topic feed.Topic, apply func(feed.Change), reload func(context.Context) error, after clock.AfterFunc) *connection {
	conn := &connection{
		name:  name,
		topic: topic,
		monitor: health.NewMonitor(name+":"+c.sessionID.String(), c.logger,
			health.WithPolicy(c.cfg.Reconnect),
			health.WithAfterFunc(after),
			health.WithClock(c.now),
		),
		apply:  apply,
		reload: reload,
	}
	c.observe(conn.monitor.OnChange(func(r health.Record) { c.healthTopic.Publish(r) }))
	c.lifecycle.RegisterCleanup(func() error {
		conn.monitor.Stop()
		return nil
	})
	return conn
}

// Watch subscribes the session, roster and chat feeds. Later calls are no-ops.
// A subscribe failure is handed to the connection's reconnect policy.
func (c *Controller) Watch() error {
	if err := c.checkActive(); err != nil {
		return err
	}
	if !c.watching.CompareAndSwap(false, true) {
		return nil
	}
	for _, conn := range c.conns {
		c.subscribe(conn)
	}
	return nil
}

// Reconnect is the manual retry: it clears every reconnect counter and
// resubscribes each connection.
func (c *Controller) Reconnect(ctx context.Context) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.Classify(err)
	}
	c.watching.Store(true)
	for _, conn := range c.conns {
		conn.monitor.ResetReconnectAttempts()
		c.subscribe(conn)
	}
	c.logger.Info("manual reconnect")
	return nil
}

func (c *Controller) current(conn *connection, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return conn.epoch == epoch
}

// subscribe replaces the connection's subscription. The old handle is torn
// down first; callbacks from any earlier epoch are dropped.
func (c *Controller) subscribe(conn *connection) {
	if !c.active.Load() {
		return
	}
	c.mu.Lock()
	conn.epoch++
	epoch := conn.epoch
	c.mu.Unlock()

	c.lifecycle.Unregister(conn.name)
	conn.monitor.OnAttempting()

	sub, err := c.feed.Subscribe(c.ctx, conn.topic, feed.Handler{
		OnChange: func(ch feed.Change) {
			if c.current(conn, epoch) {
				conn.apply(ch)
			}
		},
		OnStatus: func(st feed.Status, err error) {
			c.onStatus(conn, epoch, st, err)
		},
	})
	if err != nil {
		c.onStatus(conn, epoch, feed.StatusError, err)
		return
	}
	if !c.current(conn, epoch) {
		// The subscription failed before Subscribe returned.
		_ = sub.Unsubscribe()
		return
	}
	c.lifecycle.Register(conn.name, sub)
	if !c.active.Load() {
		c.lifecycle.Unregister(conn.name)
	}
}

func (c *Controller) onStatus(conn *connection, epoch uint64, st feed.Status, err error) {
	if !c.current(conn, epoch) {
		return
	}
	switch st {
	case feed.StatusSubscribed:
		conn.monitor.OnSubscribed()
		if conn.reload != nil {
			if err := conn.reload(c.ctx); err != nil {
				c.logger.Warn("reload after subscribe", zap.String("connection", conn.name), zap.Error(err))
			}
		}
		return
	case feed.StatusError:
		conn.monitor.OnTransportError(err)
	case feed.StatusClosed:
		conn.monitor.OnClosed()
	default:
		return
	}

	c.mu.Lock()
	if conn.epoch != epoch {
		c.mu.Unlock()
		return
	}
	conn.epoch++
	c.mu.Unlock()
	c.lifecycle.Unregister(conn.name)

	if !c.active.Load() {
		return
	}
	scheduled := conn.monitor.ScheduleReconnect(func() {
		if c.active.Load() {
			c.subscribe(conn)
		}
	})
	if !scheduled {
		c.logger.Error("connection needs manual reconnect", zap.String("connection", conn.name))
	}
}

func (c *Controller) applySessionChange(ch feed.Change) {
	sess, err := feed.Decode[models.Session](ch)
	if err != nil {
		c.logger.Warn("decode session change", zap.Error(err))
		return
	}
	if sess.ID != c.sessionID {
		return
	}
	c.mu.Lock()
	prev := c.status
	c.status = sess.Status
	c.mu.Unlock()

	if sess.Status == models.SessionEnded && prev != models.SessionEnded {
		c.logger.Info("session ended remotely")
		if c.peers != nil {
			c.peers.CloseAll()
		}
		c.markEnded()
	}
}

func (c *Controller) applyRosterChange(ch feed.Change) {
	row, err := feed.Decode[models.Participant](ch)
	if err != nil {
		c.logger.Warn("decode participant change", zap.Error(err))
		return
	}
	if row.SessionID != c.sessionID {
		return
	}
	c.applyRow(row)
}

// applyRow folds one participant row into the local roster.
func (c *Controller) applyRow(row models.Participant) {
	c.mu.Lock()
	self := row.ID == c.selfID && c.selfID != uuid.Nil
	prev, known := c.roster[row.ID]
	var dropMedia, dropLink bool
	switch {
	case !row.Open():
		delete(c.roster, row.ID)
		if self {
			c.selfID = uuid.Nil
			dropMedia = true
		} else {
			dropLink = known
		}
	case self:
		row = c.mergeSelfLocked(row)
		dropMedia = known && prev.Role.OnStage() != row.Role.OnStage()
		c.roster[row.ID] = row
	default:
		c.roster[row.ID] = row
	}
	snapshot := c.rosterLocked()
	c.mu.Unlock()

	c.rosterTopic.Publish(snapshot)
	if c.peers == nil {
		return
	}
	switch {
	case dropMedia:
		// Links are re-created with the tracks of the new role.
		c.peers.CloseAll()
	case dropLink:
		_ = c.peers.CloseLink(row.Identity)
	}
}

func (c *Controller) reloadRoster(ctx context.Context) error {
	rows, err := c.store.ListParticipants(ctx, c.sessionID, true)
	if err != nil {
		return err
	}
	c.mu.Lock()
	roster := make(map[uuid.UUID]models.Participant, len(rows))
	for _, row := range rows {
		if row.ID == c.selfID {
			row = c.mergeSelfLocked(row)
		}
		roster[row.ID] = row
	}
	if _, ok := roster[c.selfID]; !ok {
		c.selfID = uuid.Nil
	}
	c.roster = roster
	snapshot := c.rosterLocked()
	c.mu.Unlock()

	c.rosterTopic.Publish(snapshot)
	return nil
}

// reloadHistory merges stored history into the timeline. Server rows win over
// local echoes of the same message; unseen messages reach observers once.
func (c *Controller) reloadHistory(ctx context.Context) error {
	history, err := c.store.ListMessages(ctx, c.sessionID, c.cfg.HistoryLimit)
	if err != nil {
		return err
	}
	var fresh []models.Message
	c.mu.Lock()
	merged := make([]models.Message, 0, len(c.timeline)+len(history))
	merged = append(merged, c.timeline...)
	merged = append(merged, history...)
	c.timeline = delivery.DeduplicateMessages(merged)
	for _, m := range history {
		if !c.tracker.IsDuplicate(m.ID) {
			c.tracker.MarkSent(m.ID)
			fresh = append(fresh, m)
		}
	}
	c.mu.Unlock()

	for _, m := range fresh {
		c.messageTopic.Publish(MessageEvent{Kind: EventReceived, Message: m})
	}
	return nil
}
