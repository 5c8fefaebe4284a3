package middleware

import (
	"strings"

	"github.com/aura-webinar/stagecore/internal/identity"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/aura-webinar/stagecore/pkg/response"
	"github.com/gin-gonic/gin"
)

const (
	// ContextIdentity holds the caller's models.Identity.
	ContextIdentity = "identity"
	// ContextServiceRole holds the service role claim (user or scheduler).
	ContextServiceRole = "service_role"
	// ContextToken holds the raw bearer token, reused for outbound signaling.
	ContextToken = "token"
)

// bearerToken reads the Authorization header. Browsers cannot set headers on
// websocket upgrades, so GET requests may pass ?token= instead.
func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if c.Request.Method == "GET" {
		if token := c.Query("token"); token != "" {
			return token, true
		}
	}
	return "", false
}

// JWT validates the bearer token and stores the caller identity in the context.
func JWT(jwtService *identity.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "missing or invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextIdentity, claims.Identity())
		c.Set(ContextServiceRole, claims.Role)
		c.Set(ContextToken, token)
		c.Next()
	}
}

// CurrentIdentity returns the identity set by JWT.
func CurrentIdentity(c *gin.Context) (models.Identity, bool) {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return models.Identity{}, false
	}
	id, ok := v.(models.Identity)
	return id, ok && id.ID != ""
}
