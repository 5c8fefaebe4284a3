package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/aura-webinar/stagecore/internal/health"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/aura-webinar/stagecore/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event types on the /events stream.
const (
	EventRoster  = "roster"
	EventMessage = "message"
	EventHealth  = "health"
	EventStatus  = "status"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	streamBuffer = 128
)

// Event is one frame of the /events stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced by middleware; the token is the credential
	},
}

// stream drops a consumer that falls behind instead of blocking the
// controller's observers.
type stream struct {
	ws   *websocket.Conn
	out  chan Event
	done chan struct{}
	once sync.Once
}

func newStream(ws *websocket.Conn) *stream {
	return &stream{ws: ws, out: make(chan Event, streamBuffer), done: make(chan struct{})}
}

func (s *stream) push(typ string, data any) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- Event{Type: typ, Data: data}:
	default:
		s.close()
	}
}

func (s *stream) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}

func (s *stream) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.out:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames and returns when the client goes away.
func (s *stream) readLoop() {
	defer s.close()
	s.ws.SetReadLimit(512)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.ws.NextReader(); err != nil {
			return
		}
	}
}

// Events handles GET /sessions/:id/events: a snapshot of roster and health,
// then every roster, chat and connection health change.
func (h *Handler) Events(c *gin.Context) {
	a, ok := h.agent(c)
	if !ok {
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("events upgrade failed", zap.Error(err))
		return
	}
	s := newStream(ws)
	ctrl := a.Controller

	unsubscribe := []func(){
		ctrl.OnRosterChange(func(list []models.Participant) {
			s.push(EventRoster, list)
			if list == nil {
				s.push(EventStatus, gin.H{"status": models.SessionEnded})
			}
		}),
		ctrl.OnMessageReceived(func(ev session.MessageEvent) { s.push(EventMessage, ev) }),
		ctrl.OnConnectionHealthChange(func(r health.Record) { s.push(EventHealth, r) }),
	}
	defer func() {
		for _, fn := range unsubscribe {
			fn()
		}
	}()

	s.push(EventStatus, gin.H{"status": ctrl.Status()})
	s.push(EventRoster, ctrl.Roster())
	for _, r := range ctrl.Health().Connections {
		s.push(EventHealth, r)
	}
	go s.writeLoop()
	s.readLoop()
}
