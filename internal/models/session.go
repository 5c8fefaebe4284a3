package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a session. Ended is terminal.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionLive      SessionStatus = "live"
	SessionEnded     SessionStatus = "ended"
)

// SessionKind distinguishes text-only channels from audio/video stages.
type SessionKind string

const (
	KindChat  SessionKind = "chat"
	KindStage SessionKind = "stage"
)

// JoinWindow is how long before ScheduledStart a scheduled session accepts joins.
const JoinWindow = 15 * time.Minute

// Capacity holds per-role limits. Speakers covers speakers and moderators.
type Capacity struct {
	Speakers int `json:"speakers"`
	Audience int `json:"audience"`
}

// Session is a chat channel or stage call, created by an external scheduler.
type Session struct {
	ID             uuid.UUID     `json:"id"`
	Kind           SessionKind   `json:"kind"`
	Title          string        `json:"title"`
	Status         SessionStatus `json:"status"`
	ScheduledStart time.Time     `json:"scheduled_start"`
	Capacity       Capacity      `json:"capacity"`
	Moderators     []string      `json:"moderators,omitempty"` // identities allowed to join as moderator
	Participants   []Participant `json:"participants,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// CanModerate reports whether identity is listed as a session moderator.
func (s *Session) CanModerate(identity string) bool {
	for _, m := range s.Moderators {
		if m == identity {
			return true
		}
	}
	return false
}

// Joinable reports whether a join at now is allowed by status and schedule.
func (s *Session) Joinable(now time.Time) bool {
	switch s.Status {
	case SessionEnded:
		return false
	case SessionScheduled:
		return !now.Before(s.ScheduledStart.Add(-JoinWindow))
	default:
		return true
	}
}

// LimitFor returns the capacity limit that applies to role and whether the role
// shares the speaker pool.
func (c Capacity) LimitFor(role Role) int {
	if role.OnStage() {
		return c.Speakers
	}
	return c.Audience
}

// HasRoom reports whether another participant with role fits next to the open rows.
func (c Capacity) HasRoom(role Role, open []Participant) bool {
	n := 0
	for _, p := range open {
		if !p.Open() {
			continue
		}
		if p.Role.OnStage() == role.OnStage() {
			n++
		}
	}
	return n < c.LimitFor(role)
}
