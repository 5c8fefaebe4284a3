package models

import "strings"

// Role represents a participant's role within a session.
type Role string

const (
	RoleModerator Role = "moderator"
	RoleSpeaker   Role = "speaker"
	RoleAudience  Role = "audience"
)

// ParseRole normalizes a role string. ok is false for unknown roles.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleModerator, RoleSpeaker, RoleAudience:
		return r, true
	default:
		return "", false
	}
}

// OnStage reports whether the role publishes media (counts against speaker capacity).
func (r Role) OnStage() bool {
	return r == RoleModerator || r == RoleSpeaker
}

// Identity is the authenticated caller as reported by the identity provider.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}
