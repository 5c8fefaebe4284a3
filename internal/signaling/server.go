package signaling

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/aura-webinar/stagecore/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Authenticator resolves a bearer token to an identity.
type Authenticator func(token string) (models.Identity, error)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the token is the credential; origins are not restricted
	},
}

// bearer returns the token from the Authorization header or the token query parameter.
func bearer(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
	}
	return c.Query("token")
}

// ServeWs upgrades GET /sessions/:id/signal and relays signals for the caller.
func ServeWs(hub *Hub, auth Authenticator, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		sessionID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.BadRequest(c, "invalid session id")
			return
		}
		token := bearer(c)
		if token == "" {
			response.Unauthorized(c, "token required")
			return
		}
		who, err := auth(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		conn := newWSConn(ws)
		hub.Register(sessionID, who.ID, conn)
		defer hub.Unregister(sessionID, who.ID, conn)
		go conn.writeLoop()

		log := logger.With(zap.String("session_id", sessionID.String()), zap.String("identity", who.ID))
		err = conn.readLoop(func(env Envelope) {
			switch env.Event {
			case EventSignal:
				var msg Routed
				if err := json.Unmarshal(env.Data, &msg); err != nil || msg.To == "" {
					log.Debug("discarding malformed signal", zap.Error(err))
					return
				}
				msg.SessionID = sessionID
				msg.From = who.ID
				hub.Route(c.Request.Context(), msg)
			default:
				// ignore
			}
		})
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			log.Debug("signaling connection ended", zap.Error(err))
		}
	}
}
