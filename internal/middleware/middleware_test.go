package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aura-webinar/stagecore/internal/identity"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newRouter(svc *identity.JWTService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"http://localhost:3000"}))
	g := r.Group("", JWT(svc))
	g.GET("/me", func(c *gin.Context) {
		id, _ := CurrentIdentity(c)
		c.String(http.StatusOK, id.ID+"|"+c.GetString(ContextToken))
	})
	g.POST("/sessions", RequireRole(identity.ServiceRoleScheduler), func(c *gin.Context) { c.Status(http.StatusCreated) })
	return r
}

func TestJWT(t *testing.T) {
	svc := identity.NewJWTService("secret", time.Hour)
	r := newRouter(svc)
	tok, err := svc.Generate(models.Identity{ID: "alice"}, "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		target string
		header string
		status int
		body   string
	}{
		{"missing", http.MethodGet, "/me", "", http.StatusUnauthorized, ""},
		{"wrong scheme", http.MethodGet, "/me", "Basic " + tok, http.StatusUnauthorized, ""},
		{"garbage", http.MethodGet, "/me", "Bearer nope", http.StatusUnauthorized, ""},
		{"header", http.MethodGet, "/me", "Bearer " + tok, http.StatusOK, "alice|" + tok},
		{"query on GET", http.MethodGet, "/me?token=" + tok, "", http.StatusOK, "alice|" + tok},
		{"query ignored on POST", http.MethodPost, "/sessions?token=" + tok, "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			require.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				require.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	svc := identity.NewJWTService("secret", time.Hour)
	r := newRouter(svc)
	for role, want := range map[string]int{
		identity.ServiceRoleUser:      http.StatusForbidden,
		identity.ServiceRoleScheduler: http.StatusCreated,
	} {
		tok, err := svc.Generate(models.Identity{ID: "x"}, role)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/sessions", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, want, rec.Code, role)
	}
}

func TestCORS(t *testing.T) {
	r := newRouter(identity.NewJWTService("secret", time.Hour))

	req := httptest.NewRequest(http.MethodOptions, "/me", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/me", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
