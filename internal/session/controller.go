// Package session is the per-session controller: it validates join, leave and
// role changes, owns the local roster and chat view, and wires the health
// monitors, lifecycle manager, delivery tracker and peer manager together.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aura-webinar/stagecore/internal/clock"
	"github.com/aura-webinar/stagecore/internal/delivery"
	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/feed"
	"github.com/aura-webinar/stagecore/internal/health"
	"github.com/aura-webinar/stagecore/internal/identity"
	"github.com/aura-webinar/stagecore/internal/lifecycle"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/aura-webinar/stagecore/internal/notify"
	"github.com/aura-webinar/stagecore/internal/peers"
	"github.com/aura-webinar/stagecore/internal/store"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Config tunes a controller. Zero fields take defaults.
type Config struct {
	JoinWindow      time.Duration
	HistoryLimit    int
	Reconnect       health.Policy
	DeliveryTimeout time.Duration
	MaxRetries      int
}

func (c Config) withDefaults() Config {
	if c.JoinWindow <= 0 {
		c.JoinWindow = models.JoinWindow
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = store.DefaultMessageLimit
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect = health.DefaultPolicy
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = delivery.DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = delivery.DefaultMaxRetries
	}
	return c
}

// Deps are the collaborators of a controller. Peers may be nil for chat-only use.
type Deps struct {
	Store     store.Store
	Feed      feed.Feed
	Identity  identity.Provider
	Peers     *peers.Manager
	Logger    *zap.Logger
	Now       func() time.Time
	AfterFunc clock.AfterFunc
}

// Snapshot is the diagnostic state of a controller.
type Snapshot struct {
	SessionID   uuid.UUID            `json:"session_id"`
	Status      models.SessionStatus `json:"status"`
	Active      bool                 `json:"active"`
	Connections []health.Record      `json:"connections"`
	Lifecycle   lifecycle.Stats      `json:"lifecycle"`
	Delivery    delivery.Stats       `json:"delivery"`
	PeerLinks   []peers.LinkInfo     `json:"peer_links"`
}

// Controller coordinates one session for one local identity.
// Store and feed calls are never made while mu is held.
type Controller struct {
	sessionID uuid.UUID
	cfg       Config
	store     store.Store
	feed      feed.Feed
	ident     identity.Provider
	peers     *peers.Manager
	now       func() time.Time
	logger    *zap.Logger

	// ctx lives until Close; feed subscriptions and history loads run under it.
	ctx    context.Context
	cancel context.CancelFunc

	lifecycle *lifecycle.Manager
	tracker   *delivery.Tracker
	conns     []*connection

	active    atomic.Bool
	watching  atomic.Bool
	closeOnce sync.Once

	mu       sync.Mutex
	status   models.SessionStatus
	roster   map[uuid.UUID]models.Participant
	selfID   uuid.UUID
	flags    map[models.MediaFlag]*flagState
	commits  chan struct{}
	timeline []models.Message

	rosterTopic  notify.Topic[[]models.Participant]
	messageTopic notify.Topic[MessageEvent]
	healthTopic  notify.Topic[health.Record]
}

// NewController creates the controller of sessionID. It does not touch the
// store or feed until Join or Watch.
func NewController(sessionID uuid.UUID, deps Deps, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", sessionID.String()))
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	after := deps.AfterFunc
	if after == nil {
		after = clock.Std
	}
	ident := deps.Identity
	if ident == nil {
		ident = identity.Anonymous
	}

	c := &Controller{
		sessionID: sessionID,
		cfg:       cfg,
		store:     deps.Store,
		feed:      deps.Feed,
		ident:     ident,
		peers:     deps.Peers,
		now:       now,
		logger:    logger,
		lifecycle: lifecycle.NewManager(logger),
		tracker: delivery.NewTracker(logger,
			delivery.WithTimeout(cfg.DeliveryTimeout),
			delivery.WithMaxRetries(cfg.MaxRetries),
			delivery.WithAfterFunc(after),
			delivery.WithClock(now),
		),
		roster: make(map[uuid.UUID]models.Participant),
		flags:  make(map[models.MediaFlag]*flagState),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.active.Store(true)
	// A closed channel is the head of the commit chain.
	c.commits = make(chan struct{})
	close(c.commits)

	c.conns = []*connection{
		c.newConnection(connSession, feed.SessionTopic(feed.TableSessions, sessionID), c.applySessionChange, nil, after),
		c.newConnection(connRoster, feed.SessionTopic(feed.TableParticipants, sessionID), c.applyRosterChange, c.reloadRoster, after),
		c.newConnection(connChat, feed.SessionTopic(feed.TableMessages, sessionID), c.applyMessageChange, c.reloadHistory, after),
	}

	c.lifecycle.RegisterCleanup(func() error {
		c.cancel()
		return nil
	})
	c.lifecycle.RegisterCleanup(func() error {
		c.tracker.Stop()
		return nil
	})
	c.observe(c.tracker.OnTimeout(c.onDeliveryTimeout))
	if c.peers != nil {
		c.observe(c.peers.OnStateChange(c.onPeerState))
		c.lifecycle.RegisterCleanup(func() error {
			c.peers.CloseAll()
			return nil
		})
	}
	c.lifecycle.RegisterCleanup(func() error {
		c.rosterTopic.Clear()
		c.messageTopic.Clear()
		c.healthTopic.Clear()
		return nil
	})
	return c
}

// SessionID returns the controlled session id.
func (c *Controller) SessionID() uuid.UUID { return c.sessionID }

// Active reports whether Close has not run yet.
func (c *Controller) Active() bool { return c.active.Load() }

func (c *Controller) currentIdentity() (models.Identity, error) {
	id, ok := c.ident.CurrentIdentity()
	if !ok {
		return models.Identity{}, errs.ErrNotAuthenticated
	}
	return id, nil
}

func (c *Controller) checkActive() error {
	if !c.active.Load() {
		return fmt.Errorf("%w: session controller closed", errs.ErrNotJoinable)
	}
	return nil
}

// loadSession returns the session or ErrNotFound.
func (c *Controller) loadSession(ctx context.Context) (*models.Session, error) {
	sess, err := c.store.GetSession(ctx, c.sessionID)
	if err != nil {
		return nil, errs.Classify(err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: session %s", errs.ErrNotFound, c.sessionID)
	}
	c.mu.Lock()
	c.status = sess.Status
	c.mu.Unlock()
	return sess, nil
}

func (c *Controller) joinable(sess *models.Session, now time.Time) bool {
	switch sess.Status {
	case models.SessionEnded:
		return false
	case models.SessionScheduled:
		return !now.Before(sess.ScheduledStart.Add(-c.cfg.JoinWindow))
	default:
		return true
	}
}

// Join admits the current identity with role. A caller that already has an
// open row succeeds without creating a second one.
func (c *Controller) Join(ctx context.Context, role models.Role) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	id, err := c.currentIdentity()
	if err != nil {
		return err
	}
	if _, ok := models.ParseRole(string(role)); !ok {
		return fmt.Errorf("%w: role %q", errs.ErrInvalidContent, role)
	}
	sess, err := c.loadSession(ctx)
	if err != nil {
		return err
	}
	now := c.now()
	if !c.joinable(sess, now) {
		return fmt.Errorf("%w: status %s, scheduled start %s", errs.ErrNotJoinable, sess.Status, sess.ScheduledStart.Format(time.RFC3339))
	}

	if existing, ok := lo.Find(sess.Participants, func(p models.Participant) bool { return p.Identity == id.ID && p.Open() }); ok {
		c.adoptSelf(existing)
		c.logger.Info("rejoined session", zap.String("identity", id.ID), zap.String("role", string(existing.Role)))
		return c.Watch()
	}

	if role == models.RoleModerator && !sess.CanModerate(id.ID) {
		return fmt.Errorf("%w: %s is not a moderator of this session", errs.ErrUnauthorized, id.ID)
	}
	if !sess.Capacity.HasRoom(role, sess.Participants) {
		return fmt.Errorf("%w: %s", errs.ErrCapacityExceeded, role)
	}

	row, created, err := c.store.JoinParticipant(ctx, &models.Participant{
		SessionID:    c.sessionID,
		Identity:     id.ID,
		DisplayName:  id.DisplayName,
		Role:         role,
		AudioEnabled: role != models.RoleAudience,
		JoinedAt:     now,
	})
	if err != nil {
		return errs.Classify(err)
	}
	c.adoptSelf(*row)
	c.logger.Info("joined session",
		zap.String("identity", id.ID),
		zap.String("role", string(row.Role)),
		zap.Bool("created", created),
	)
	return c.Watch()
}

// adoptSelf records row as the local participant.
func (c *Controller) adoptSelf(row models.Participant) {
	c.mu.Lock()
	c.selfID = row.ID
	c.roster[row.ID] = row
	c.resetFlagsLocked(row)
	snapshot := c.rosterLocked()
	c.mu.Unlock()
	c.rosterTopic.Publish(snapshot)
}

// Leave closes the caller's open row and tears down peer links. Leaving twice is a no-op.
func (c *Controller) Leave(ctx context.Context) error {
	id, err := c.currentIdentity()
	if err != nil {
		return err
	}
	c.mu.Lock()
	selfID := c.selfID
	c.mu.Unlock()

	if selfID == uuid.Nil {
		row, err := c.store.GetOpenParticipant(ctx, c.sessionID, id.ID)
		if err != nil {
			return errs.Classify(err)
		}
		if row == nil {
			return nil
		}
		selfID = row.ID
	}

	if _, err := c.store.CloseParticipant(ctx, selfID, c.now()); err != nil {
		return errs.Classify(err)
	}
	c.dropSelf(selfID)
	if c.peers != nil {
		c.peers.CloseAll()
	}
	c.logger.Info("left session", zap.String("identity", id.ID))
	return nil
}

func (c *Controller) dropSelf(selfID uuid.UUID) {
	c.mu.Lock()
	delete(c.roster, selfID)
	if c.selfID == selfID {
		c.selfID = uuid.Nil
	}
	snapshot := c.rosterLocked()
	c.mu.Unlock()
	c.rosterTopic.Publish(snapshot)
}

// requireModerator returns the session if the caller moderates it, either as a
// listed moderator or through an open moderator row.
func (c *Controller) requireModerator(ctx context.Context) (*models.Session, models.Identity, error) {
	id, err := c.currentIdentity()
	if err != nil {
		return nil, id, err
	}
	sess, err := c.loadSession(ctx)
	if err != nil {
		return nil, id, err
	}
	if sess.CanModerate(id.ID) {
		return sess, id, nil
	}
	if self, ok := lo.Find(sess.Participants, func(p models.Participant) bool { return p.Identity == id.ID && p.Open() }); ok && self.Role == models.RoleModerator {
		return sess, id, nil
	}
	return nil, id, fmt.Errorf("%w: moderator required", errs.ErrUnauthorized)
}

// Start moves a scheduled session live. Starting a live session is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	sess, _, err := c.requireModerator(ctx)
	if err != nil {
		return err
	}
	switch sess.Status {
	case models.SessionLive:
		return nil
	case models.SessionEnded:
		return fmt.Errorf("%w: session ended", errs.ErrNotJoinable)
	}
	updated, err := c.store.UpdateSessionStatus(ctx, c.sessionID, models.SessionLive)
	if err != nil {
		return errs.Classify(err)
	}
	c.mu.Lock()
	c.status = updated.Status
	c.mu.Unlock()
	c.logger.Info("session started")
	return nil
}

// End ends the session, closes every open row and tears the controller down.
func (c *Controller) End(ctx context.Context) error {
	sess, _, err := c.requireModerator(ctx)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionEnded {
		if _, err := c.store.UpdateSessionStatus(ctx, c.sessionID, models.SessionEnded); err != nil {
			return errs.Classify(err)
		}
	}
	n, err := c.store.CloseAllParticipants(ctx, c.sessionID, c.now())
	if err != nil {
		return errs.Classify(err)
	}
	c.logger.Info("session ended", zap.Int("closed_participants", n))
	c.markEnded()
	return nil
}

// markEnded clears the local view and closes the controller.
func (c *Controller) markEnded() {
	c.mu.Lock()
	c.status = models.SessionEnded
	c.roster = make(map[uuid.UUID]models.Participant)
	c.selfID = uuid.Nil
	c.mu.Unlock()
	c.rosterTopic.Publish(nil)
	c.Close()
}

// Close is the single cancellation point: reconnect timers, delivery timeouts,
// feed subscriptions, peer links and observers are all released. It is safe to
// call more than once and concurrently with an in-flight reconnect.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.active.Store(false)
		c.lifecycle.CleanupAll()
		c.logger.Info("session controller closed")
	})
}

// OnClose registers fn to run during Close. Used to tie a signaling client to
// the controller's lifetime.
func (c *Controller) OnClose(fn func() error) {
	c.lifecycle.RegisterCleanup(fn)
}

// Self returns the local participant row, if joined.
func (c *Controller) Self() (models.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.roster[c.selfID]
	return p, ok && c.selfID != uuid.Nil
}

// Status returns the last known session status.
func (c *Controller) Status() models.SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Roster returns the open participants ordered by join time.
func (c *Controller) Roster() []models.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rosterLocked()
}

func (c *Controller) rosterLocked() []models.Participant {
	list := lo.Filter(lo.Values(c.roster), func(p models.Participant, _ int) bool { return p.Open() })
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].Identity < list[j].Identity
		}
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})
	return list
}

// Health returns a diagnostic snapshot.
func (c *Controller) Health() Snapshot {
	s := Snapshot{
		SessionID: c.sessionID,
		Status:    c.Status(),
		Active:    c.Active(),
		Lifecycle: c.lifecycle.HealthStats(),
		Delivery:  c.tracker.Stats(),
	}
	for _, conn := range c.conns {
		s.Connections = append(s.Connections, conn.monitor.Snapshot())
	}
	if c.peers != nil {
		s.PeerLinks = c.peers.Links()
	}
	return s
}

// observe routes an unsubscribe func through the lifecycle manager so the
// listener cannot outlive the controller.
func (c *Controller) observe(unsubscribe func()) func() {
	unregister := c.lifecycle.RegisterCleanup(func() error {
		unsubscribe()
		return nil
	})
	return func() {
		unsubscribe()
		unregister()
	}
}

// OnRosterChange registers fn for roster snapshots.
func (c *Controller) OnRosterChange(fn func([]models.Participant)) (unsubscribe func()) {
	return c.observe(c.rosterTopic.Subscribe(fn))
}

// OnMessageReceived registers fn for chat events.
func (c *Controller) OnMessageReceived(fn func(MessageEvent)) (unsubscribe func()) {
	return c.observe(c.messageTopic.Subscribe(fn))
}

// OnConnectionHealthChange registers fn for connection health records.
func (c *Controller) OnConnectionHealthChange(fn func(health.Record)) (unsubscribe func()) {
	return c.observe(c.healthTopic.Subscribe(fn))
}
