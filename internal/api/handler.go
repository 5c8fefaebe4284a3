package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/aura-webinar/stagecore/internal/attendance"
	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/middleware"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/aura-webinar/stagecore/internal/store"
	"github.com/aura-webinar/stagecore/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler serves the session routes.
type Handler struct {
	registry   *Registry
	store      store.Store
	attendance *attendance.Service
	logger     *zap.Logger
}

// NewHandler creates a session handler.
func NewHandler(registry *Registry, st store.Store, att *attendance.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, store: st, attendance: att, logger: logger}
}

// fail writes err with the status its sentinel maps to.
func fail(c *gin.Context, err error) {
	code := errs.Code(err)
	status := http.StatusServiceUnavailable
	switch code {
	case "not_authenticated":
		status = http.StatusUnauthorized
	case "unauthorized":
		status = http.StatusForbidden
	case "not_found":
		status = http.StatusNotFound
	case "capacity_exceeded", "not_joinable":
		status = http.StatusConflict
	case "invalid_content":
		status = http.StatusBadRequest
	case "retry_limit":
		status = http.StatusTooManyRequests
	case "delivery_timeout":
		status = http.StatusGatewayTimeout
	}
	_ = c.Error(err)
	response.Fail(c, status, code, err.Error())
}

func sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

func caller(c *gin.Context) (models.Identity, bool) {
	who, ok := middleware.CurrentIdentity(c)
	if !ok {
		response.Unauthorized(c, "missing caller context")
	}
	return who, ok
}

// agent resolves the caller's agent for the :id session.
func (h *Handler) agent(c *gin.Context) (*Agent, bool) {
	id, ok := sessionID(c)
	if !ok {
		return nil, false
	}
	who, ok := caller(c)
	if !ok {
		return nil, false
	}
	a, err := h.registry.Get(c.Request.Context(), id, who, c.GetString(middleware.ContextToken))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return a, true
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Kind           models.SessionKind `json:"kind"`
	Title          string             `json:"title" binding:"required"`
	ScheduledStart time.Time          `json:"scheduled_start" binding:"required"`
	Capacity       models.Capacity    `json:"capacity"`
	Moderators     []string           `json:"moderators"`
}

// CreateSession handles POST /sessions (scheduler only).
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = models.KindStage
	}
	if req.Kind != models.KindStage && req.Kind != models.KindChat {
		response.BadRequest(c, "kind must be chat or stage")
		return
	}
	if req.Capacity.Speakers < 0 || req.Capacity.Audience < 0 {
		response.BadRequest(c, "capacity must not be negative")
		return
	}
	sess := &models.Session{
		ID:             uuid.New(),
		Kind:           req.Kind,
		Title:          strings.TrimSpace(req.Title),
		Status:         models.SessionScheduled,
		ScheduledStart: req.ScheduledStart.UTC(),
		Capacity:       req.Capacity,
		Moderators:     req.Moderators,
	}
	if err := h.store.CreateSession(c.Request.Context(), sess); err != nil {
		fail(c, errs.Classify(err))
		return
	}
	response.Created(c, sess)
}

// GetSession handles GET /sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		fail(c, errs.Classify(err))
		return
	}
	if sess == nil {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, sess)
}

type joinRequest struct {
	Role models.Role `json:"role" binding:"required"`
}

// Join handles POST /sessions/:id/join.
func (h *Handler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "role is required")
		return
	}
	a, ok := h.agent(c)
	if !ok {
		return
	}
	if err := a.Controller.Join(c.Request.Context(), req.Role); err != nil {
		fail(c, err)
		return
	}
	self, _ := a.Controller.Self()
	response.OK(c, self)
}

// Leave handles POST /sessions/:id/leave.
func (h *Handler) Leave(c *gin.Context) {
	a, ok := h.agent(c)
	if !ok {
		return
	}
	if err := a.Controller.Leave(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	response.NoContent(c)
}

// Start handles POST /sessions/:id/start.
func (h *Handler) Start(c *gin.Context) {
	a, ok := h.agent(c)
	if !ok {
		return
	}
	if err := a.Controller.Start(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	response.OK(c, gin.H{"status": a.Controller.Status()})
}

// End handles POST /sessions/:id/end.
func (h *Handler) End(c *gin.Context) {
	a, ok := h.agent(c)
	if !ok {
		return
	}
	if err := a.Controller.End(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	response.OK(c, gin.H{"status": models.SessionEnded})
}

// Reconnect handles POST /sessions/:id/reconnect.
func (h *Handler) Reconnect(c *gin.Context) {
	a, ok := h.agent(c)
	if !ok {
		return
	}
	if err := a.Controller.Reconnect(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	response.OK(c, a.Controller.Health())
}

// Roster handles GET /sessions/:id/roster.
func (h *Handler) Roster(c *gin.Context) {
	a, ok := h.agent(c)
	if !ok {
		return
	}
	body := gin.H{"participants": a.Controller.Roster()}
	if self, joined := a.Controller.Self(); joined {
		body["self"] = self
	}
	response.OK(c, body)
}

// Health handles GET /sessions/:id/health.
func (h *Handler) Health(c *gin.Context) {
	a, ok := h.agent(c)
	if !ok {
		return
	}
	response.OK(c, a.Controller.Health())
}

func (h *Handler) toggle(c *gin.Context, fn func(*Agent) (bool, error)) {
	a, ok := h.agent(c)
	if !ok {
		return
	}
	v, err := fn(a)
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, gin.H{"enabled": v})
}

// ToggleAudio handles POST /sessions/:id/audio.
func (h *Handler) ToggleAudio(c *gin.Context) {
	h.toggle(c, func(a *Agent) (bool, error) { return a.Controller.ToggleAudio(c.Request.Context()) })
}

// ToggleVideo handles POST /sessions/:id/video.
func (h *Handler) ToggleVideo(c *gin.Context) {
	h.toggle(c, func(a *Agent) (bool, error) { return a.Controller.ToggleVideo(c.Request.Context()) })
}

// RaiseHand handles POST /sessions/:id/hand.
func (h *Handler) RaiseHand(c *gin.Context) {
	h.toggle(c, func(a *Agent) (bool, error) { return a.Controller.RaiseHand(c.Request.Context()) })
}

type roleRequest struct {
	Role models.Role `json:"role" binding:"required"`
}

// ChangeRole handles PUT /sessions/:id/participants/:pid/role.
func (h *Handler) ChangeRole(c *gin.Context) {
	pid, err := uuid.Parse(c.Param("pid"))
	if err != nil {
		response.BadRequest(c, "invalid participant id")
		return
	}
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "role is required")
		return
	}
	a, ok := h.agent(c)
	if !ok {
		return
	}
	if err := a.Controller.ChangeRole(c.Request.Context(), pid, req.Role); err != nil {
		fail(c, err)
		return
	}
	response.NoContent(c)
}

// Messages handles GET /sessions/:id/messages.
func (h *Handler) Messages(c *gin.Context) {
	a, ok := h.agent(c)
	if !ok {
		return
	}
	response.OK(c, gin.H{"messages": a.Controller.Messages()})
}

type messageRequest struct {
	Content string `json:"content"`
}

// SendMessage handles POST /sessions/:id/messages.
func (h *Handler) SendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid body")
		return
	}
	a, ok := h.agent(c)
	if !ok {
		return
	}
	id, err := a.Controller.SendMessage(c.Request.Context(), req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, gin.H{"id": id})
}

// RetryMessage handles POST /sessions/:id/messages/:mid/retry.
func (h *Handler) RetryMessage(c *gin.Context) {
	a, ok := h.agent(c)
	if !ok {
		return
	}
	id, err := a.Controller.RetryMessage(c.Request.Context(), c.Param("mid"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Created(c, gin.H{"id": id})
}

// DeleteMessage handles DELETE /sessions/:id/messages/:mid.
func (h *Handler) DeleteMessage(c *gin.Context) {
	a, ok := h.agent(c)
	if !ok {
		return
	}
	if err := a.Controller.DeleteMessage(c.Request.Context(), c.Param("mid")); err != nil {
		fail(c, err)
		return
	}
	response.NoContent(c)
}

// CallPeer handles POST /sessions/:id/peers/:identity/call: open a link and send the offer.
func (h *Handler) CallPeer(c *gin.Context) {
	a, ok := h.agent(c)
	if !ok {
		return
	}
	if a.Relay == nil {
		response.Fail(c, http.StatusServiceUnavailable, "transport_error", "signaling not configured")
		return
	}
	if err := a.Relay.Call(c.Request.Context(), c.Param("identity")); err != nil {
		fail(c, err)
		return
	}
	response.NoContent(c)
}

// Attendance handles GET /sessions/:id/attendance.
func (h *Handler) Attendance(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	who, ok := caller(c)
	if !ok {
		return
	}
	report, err := h.attendance.Report(c.Request.Context(), id, who.ID)
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, report)
}

// RequestExport handles POST /sessions/:id/attendance/exports.
func (h *Handler) RequestExport(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	who, ok := caller(c)
	if !ok {
		return
	}
	exp, err := h.attendance.RequestExport(c.Request.Context(), id, who.ID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Accepted(c, exp)
}

// GetExport handles GET /sessions/:id/attendance/exports/:eid.
func (h *Handler) GetExport(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	eid, err := uuid.Parse(c.Param("eid"))
	if err != nil {
		response.BadRequest(c, "invalid export id")
		return
	}
	who, ok := caller(c)
	if !ok {
		return
	}
	exp, err := h.attendance.GetExport(c.Request.Context(), id, eid, who.ID)
	if err != nil {
		fail(c, err)
		return
	}
	response.OK(c, exp)
}
