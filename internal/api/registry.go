// Package api is the HTTP surface of the session daemon: one session
// controller per (session, identity), driven over REST and observed over a
// websocket event stream.
package api

import (
	"context"
	"sync"

	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/aura-webinar/stagecore/internal/session"
	"github.com/aura-webinar/stagecore/internal/signaling"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Agent is one identity's live view of one session.
type Agent struct {
	Controller *session.Controller
	// Relay is nil when signaling is not configured.
	Relay *signaling.Relay
	// Refresh, when set, receives the bearer token of every request that
	// reuses the agent, so collaborators bound to a token outlive its expiry.
	Refresh func(token string)
}

// Factory builds the agent for who in sessionID. token is the caller's bearer
// token, for collaborators that authenticate onward.
type Factory func(ctx context.Context, sessionID uuid.UUID, who models.Identity, token string) (*Agent, error)

type agentKey struct {
	session  uuid.UUID
	identity string
}

func (k agentKey) String() string { return k.session.String() + "/" + k.identity }

// Registry owns the agents. A closed controller is replaced on next use.
type Registry struct {
	factory Factory
	logger  *zap.Logger
	group   singleflight.Group

	mu     sync.Mutex
	agents map[agentKey]*Agent
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{factory: factory, logger: logger, agents: make(map[agentKey]*Agent)}
}

func (r *Registry) lookup(key agentKey) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a := r.agents[key]; a != nil && a.Controller.Active() {
		return a
	}
	return nil
}

// Get returns the agent of who in sessionID, creating and watching it on first use.
func (r *Registry) Get(ctx context.Context, sessionID uuid.UUID, who models.Identity, token string) (*Agent, error) {
	key := agentKey{session: sessionID, identity: who.ID}
	if a := r.lookup(key); a != nil {
		a.refresh(token)
		return a, nil
	}
	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		if a := r.lookup(key); a != nil {
			return a, nil
		}
		a, err := r.factory(ctx, sessionID, who, token)
		if err != nil {
			return nil, err
		}
		if err := a.Controller.Watch(); err != nil {
			a.Controller.Close()
			return nil, err
		}
		r.mu.Lock()
		r.agents[key] = a
		r.mu.Unlock()
		r.logger.Debug("agent created", zap.String("session_id", sessionID.String()), zap.String("identity", who.ID))
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	a := v.(*Agent)
	a.refresh(token)
	return a, nil
}

func (a *Agent) refresh(token string) {
	if a.Refresh != nil && token != "" {
		a.Refresh(token)
	}
}

// Len returns the number of live agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.agents {
		if a.Controller.Active() {
			n++
		}
	}
	return n
}

// Close closes every agent.
func (r *Registry) Close() {
	r.mu.Lock()
	agents := r.agents
	r.agents = make(map[agentKey]*Agent)
	r.mu.Unlock()
	for _, a := range agents {
		a.Controller.Close()
	}
}
