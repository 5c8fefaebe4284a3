package signaling

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Bridge carries routed signals between server instances.
type Bridge interface {
	Publish(ctx context.Context, msg Routed) error
	Subscribe(sessionID uuid.UUID, handler func(Routed)) (cancel func(), err error)
}

// Hub maintains session -> identity -> connection and routes signals.
// A signal whose target is not connected locally goes through the bridge.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[uuid.UUID]map[string]*wsConn
	subs   map[uuid.UUID]func()
	bridge Bridge
	logger *zap.Logger
}

// NewHub creates a hub. bridge may be nil for a single instance.
func NewHub(bridge Bridge, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[uuid.UUID]map[string]*wsConn),
		subs:   make(map[uuid.UUID]func()),
		bridge: bridge,
		logger: logger,
	}
}

// Register attaches conn for identity, replacing and closing an older
// connection of the same identity. The first connection of a session starts
// its bridge subscription.
func (h *Hub) Register(sessionID uuid.UUID, identity string, conn *wsConn) {
	h.mu.Lock()
	room := h.rooms[sessionID]
	if room == nil {
		room = make(map[string]*wsConn)
		h.rooms[sessionID] = room
		if h.bridge != nil {
			cancel, err := h.bridge.Subscribe(sessionID, func(msg Routed) { h.deliver(msg) })
			if err != nil {
				h.logger.Warn("bridge subscribe failed", zap.String("session_id", sessionID.String()), zap.Error(err))
			} else {
				h.subs[sessionID] = cancel
			}
		}
	}
	old := room[identity]
	room[identity] = conn
	h.mu.Unlock()

	if old != nil && old != conn {
		old.close()
	}
	h.logger.Debug("signaling peer connected", zap.String("session_id", sessionID.String()), zap.String("identity", identity))
}

// Unregister detaches conn if it is still the identity's current connection.
func (h *Hub) Unregister(sessionID uuid.UUID, identity string, conn *wsConn) {
	var cancel func()
	h.mu.Lock()
	if room, ok := h.rooms[sessionID]; ok && room[identity] == conn {
		delete(room, identity)
		if len(room) == 0 {
			delete(h.rooms, sessionID)
			cancel = h.subs[sessionID]
			delete(h.subs, sessionID)
		}
	}
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.logger.Debug("signaling peer disconnected", zap.String("session_id", sessionID.String()), zap.String("identity", identity))
}

// Route delivers msg to its target, locally when possible.
func (h *Hub) Route(ctx context.Context, msg Routed) {
	if h.deliver(msg) {
		return
	}
	if h.bridge == nil {
		h.logger.Debug("signal target not connected", zap.String("to", msg.To))
		return
	}
	if err := h.bridge.Publish(ctx, msg); err != nil {
		h.logger.Warn("bridge publish failed", zap.String("to", msg.To), zap.Error(err))
	}
}

// deliver sends msg to a local connection and reports whether one was found.
func (h *Hub) deliver(msg Routed) bool {
	h.mu.RLock()
	conn := h.rooms[msg.SessionID][msg.To]
	h.mu.RUnlock()
	if conn == nil {
		return false
	}
	env, err := newEnvelope(EventSignal, msg)
	if err != nil {
		h.logger.Error("encode signal", zap.Error(err))
		return true
	}
	if err := conn.enqueue(env); err != nil {
		h.logger.Warn("drop signal", zap.String("to", msg.To), zap.Error(err))
	}
	return true
}

// Connected returns the number of connected identities in a session.
func (h *Hub) Connected(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}
