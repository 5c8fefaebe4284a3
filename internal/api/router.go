package api

import (
	"github.com/aura-webinar/stagecore/internal/identity"
	"github.com/aura-webinar/stagecore/internal/middleware"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/aura-webinar/stagecore/internal/signaling"
	"github.com/aura-webinar/stagecore/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterOptions are the pieces the router mounts. Hub may be nil to disable
// the signaling endpoint.
type RouterOptions struct {
	Handler     *Handler
	JWT         *identity.JWTService
	Hub         *signaling.Hub
	CORSOrigins []string
	Logger      *zap.Logger
}

// JWTAuthenticator adapts a JWT service to the signaling server.
func JWTAuthenticator(svc *identity.JWTService) signaling.Authenticator {
	return func(token string) (models.Identity, error) {
		claims, err := svc.Validate(token)
		if err != nil {
			return models.Identity{}, err
		}
		return claims.Identity(), nil
	}
}

// NewRouter builds the gin engine with every route.
func NewRouter(o RouterOptions) *gin.Engine {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(o.CORSOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	if o.Hub != nil {
		router.GET("/sessions/:id/signal", signaling.ServeWs(o.Hub, JWTAuthenticator(o.JWT), logger))
	}

	h := o.Handler
	api := router.Group("")
	api.Use(middleware.JWT(o.JWT))
	{
		api.POST("/sessions", middleware.RequireRole(identity.ServiceRoleScheduler), h.CreateSession)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions/:id/join", h.Join)
		api.POST("/sessions/:id/leave", h.Leave)
		api.POST("/sessions/:id/start", h.Start)
		api.POST("/sessions/:id/end", h.End)
		api.POST("/sessions/:id/reconnect", h.Reconnect)
		api.GET("/sessions/:id/roster", h.Roster)
		api.GET("/sessions/:id/health", h.Health)
		api.GET("/sessions/:id/events", h.Events)

		api.POST("/sessions/:id/audio", h.ToggleAudio)
		api.POST("/sessions/:id/video", h.ToggleVideo)
		api.POST("/sessions/:id/hand", h.RaiseHand)
		api.PUT("/sessions/:id/participants/:pid/role", h.ChangeRole)
		api.POST("/sessions/:id/peers/:identity/call", h.CallPeer)

		api.GET("/sessions/:id/messages", h.Messages)
		api.POST("/sessions/:id/messages", h.SendMessage)
		api.POST("/sessions/:id/messages/:mid/retry", h.RetryMessage)
		api.DELETE("/sessions/:id/messages/:mid", h.DeleteMessage)

		api.GET("/sessions/:id/attendance", h.Attendance)
		api.POST("/sessions/:id/attendance/exports", h.RequestExport)
		api.GET("/sessions/:id/attendance/exports/:eid", h.GetExport)
	}
	return router
}
