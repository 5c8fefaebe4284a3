package identity

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Service roles carried in tokens. Scheduler tokens may create sessions.
const (
	ServiceRoleUser      = "user"
	ServiceRoleScheduler = "scheduler"
)

// Claims holds the identity claims of a session token. The subject is the identity id.
type Claims struct {
	DisplayName string `json:"name"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the identity the claims describe.
func (c *Claims) Identity() models.Identity {
	return models.Identity{ID: c.Subject, DisplayName: c.DisplayName}
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// JWTOption configures a JWTService.
type JWTOption func(*JWTService)

// WithClock sets the time source used to issue and validate tokens.
func WithClock(now func() time.Time) JWTOption { return func(s *JWTService) { s.now = now } }

// NewJWTService creates a JWT service issuing tokens valid for ttl.
func NewJWTService(secret string, ttl time.Duration, opts ...JWTOption) *JWTService {
	s := &JWTService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate creates a signed token for id.
func (s *JWTService) Generate(id models.Identity, role string) (string, error) {
	if role == "" {
		role = ServiceRoleUser
	}
	now := s.now()
	claims := Claims{
		DisplayName: id.DisplayName,
		Role:        role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a token, returning claims or ErrInvalidToken.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenProvider reports the identity of a token for as long as it stays valid.
// Long-lived holders swap in each fresh token they receive with SetToken.
type TokenProvider struct {
	service *JWTService
	token   atomic.Value // string
}

// NewTokenProvider creates a provider for token.
func NewTokenProvider(service *JWTService, token string) *TokenProvider {
	p := &TokenProvider{service: service}
	p.token.Store(token)
	return p
}

// SetToken replaces the token checked by CurrentIdentity.
func (p *TokenProvider) SetToken(token string) { p.token.Store(token) }

// Token returns the current token.
func (p *TokenProvider) Token() string { return p.token.Load().(string) }

// CurrentIdentity validates the token on every call, so an expired token reports none.
func (p *TokenProvider) CurrentIdentity() (models.Identity, bool) {
	claims, err := p.service.Validate(p.Token())
	if err != nil {
		return models.Identity{}, false
	}
	return claims.Identity(), true
}
