package middleware

import (
	"github.com/aura-webinar/stagecore/pkg/response"
	"github.com/gin-gonic/gin"
)

// RequireRole returns a middleware that allows only the given service roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{})
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		roleVal, ok := c.Get(ContextServiceRole)
		if !ok {
			response.Unauthorized(c, "missing caller context")
			c.Abort()
			return
		}
		role, _ := roleVal.(string)
		if _, ok := allowed[role]; !ok {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}
