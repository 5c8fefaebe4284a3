package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/health"
	"github.com/aura-webinar/stagecore/internal/notify"
	"github.com/aura-webinar/stagecore/internal/peers"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Inbound is a signal received from another participant.
type Inbound struct {
	From   string
	Signal peers.Signal
}

// Client is the participant side of the signaling channel. A lost connection
// is redialed on the schedule of its health monitor.
type Client struct {
	url       string
	sessionID uuid.UUID
	dialer    *websocket.Dialer
	monitor   *health.Monitor
	logger    *zap.Logger

	mu      sync.Mutex
	token   string
	conn    *wsConn
	closed  atomic.Bool
	signals notify.Topic[Inbound]
}

// NewClient creates a client for session on the signaling server at baseURL
// (http, https, ws or wss). It does not dial until Connect.
func NewClient(baseURL string, sessionID uuid.UUID, token string, logger *zap.Logger, opts ...health.Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported signaling scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sessions/" + sessionID.String() + "/signal"

	return &Client{
		url:       u.String(),
		token:     token,
		sessionID: sessionID,
		dialer:    websocket.DefaultDialer,
		monitor:   health.NewMonitor("signaling:"+sessionID.String(), logger, opts...),
		logger:    logger.With(zap.String("session_id", sessionID.String())),
	}, nil
}

// Connect dials the server. On failure a redial is scheduled and the error returned.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: signaling client closed", errs.ErrTransport)
	}
	c.monitor.OnAttempting()
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.monitor.OnTransportError(err)
		c.scheduleRedial()
		return fmt.Errorf("%w: dial signaling: %w", errs.ErrTransport, err)
	}

	conn := newWSConn(ws)
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		old.close()
	}
	if c.closed.Load() {
		conn.close()
		return fmt.Errorf("%w: signaling client closed", errs.ErrTransport)
	}

	c.monitor.OnSubscribed()
	go conn.writeLoop()
	go c.read(conn)
	return nil
}

func (c *Client) read(conn *wsConn) {
	err := conn.readLoop(func(env Envelope) {
		if env.Event != EventSignal {
			return
		}
		msg, err := decodeRouted(env)
		if err != nil {
			c.logger.Debug("discarding malformed signal", zap.Error(err))
			return
		}
		c.signals.Publish(Inbound{From: msg.From, Signal: msg.Signal})
	})

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	if !current || c.closed.Load() {
		return
	}
	c.monitor.OnTransportError(err)
	c.scheduleRedial()
}

func (c *Client) scheduleRedial() {
	if c.closed.Load() {
		return
	}
	ok := c.monitor.ScheduleReconnect(func() {
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn("signaling redial failed", zap.Error(err))
		}
	})
	if !ok {
		c.logger.Error("signaling needs manual reconnect")
	}
}

// SetToken replaces the token presented on later dials.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Reconnect resets the redial budget and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.monitor.ResetReconnectAttempts()
	return c.Connect(ctx)
}

// Send queues sig for the participant to.
func (c *Client) Send(to string, sig peers.Signal) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: signaling not connected", errs.ErrTransport)
	}
	env, err := newEnvelope(EventSignal, Routed{SessionID: c.sessionID, To: to, Signal: sig})
	if err != nil {
		return err
	}
	if err := conn.enqueue(env); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrTransport, err)
	}
	return nil
}

// OnSignal registers fn for inbound signals.
func (c *Client) OnSignal(fn func(Inbound)) (unsubscribe func()) {
	return c.signals.Subscribe(fn)
}

// Health returns the connection record.
func (c *Client) Health() health.Record { return c.monitor.Snapshot() }

// OnHealthChange registers fn for connection records.
func (c *Client) OnHealthChange(fn func(health.Record)) (unsubscribe func()) {
	return c.monitor.OnChange(fn)
}

// Close stops redials and closes the connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.monitor.Stop()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.close()
	}
	c.signals.Clear()
	return nil
}

var errEmptySignal = errors.New("empty signal payload")

func decodeRouted(env Envelope) (Routed, error) {
	var msg Routed
	if len(env.Data) == 0 {
		return msg, errEmptySignal
	}
	err := json.Unmarshal(env.Data, &msg)
	return msg, err
}
