// Package signaling relays peer-link handshake payloads between participants
// of a session over websockets.
package signaling

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/aura-webinar/stagecore/internal/peers"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 64 << 10
	sendBuffer   = 256
)

// Envelope events.
const (
	EventSignal = "signal"
	EventError  = "error"
)

// ErrBufferFull is returned when a connection's outbound queue is full.
var ErrBufferFull = errors.New("signaling send buffer full")

// Envelope is the websocket message envelope.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Routed is a signal addressed from one identity to another within a session.
// The server stamps From with the authenticated sender.
type Routed struct {
	SessionID uuid.UUID    `json:"session_id"`
	From      string       `json:"from,omitempty"`
	To        string       `json:"to"`
	Signal    peers.Signal `json:"signal"`
}

func newEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// wsConn pairs a websocket with its outbound queue. One goroutine runs
// writeLoop; readLoop runs on the caller's goroutine.
type wsConn struct {
	conn *websocket.Conn
	send chan Envelope
	done chan struct{}
	once sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan Envelope, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue queues env without blocking.
func (c *wsConn) enqueue(env Envelope) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// readLoop reads envelopes until the connection fails or is closed.
func (c *wsConn) readLoop(handle func(Envelope)) error {
	defer c.close()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait))
	})
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		handle(env)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
