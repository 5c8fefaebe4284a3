// Package attendance derives attendance reports from participant rows and
// tracks report exports produced by the worker.
package attendance

import (
	"sort"
	"time"

	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Attendee aggregates every row one identity had in a session.
type Attendee struct {
	Identity      string      `json:"identity"`
	DisplayName   string      `json:"display_name"`
	Role          models.Role `json:"role"`
	Visits        int         `json:"visits"`
	FirstJoinedAt time.Time   `json:"first_joined_at"`
	LastLeftAt    *time.Time  `json:"last_left_at,omitempty"`
	Present       bool        `json:"present"`
	WatchSeconds  int64       `json:"watch_seconds"`
}

// Report is the attendance of one session at GeneratedAt.
type Report struct {
	SessionID         uuid.UUID            `json:"session_id"`
	Title             string               `json:"title"`
	Status            models.SessionStatus `json:"status"`
	ScheduledStart    time.Time            `json:"scheduled_start"`
	GeneratedAt       time.Time            `json:"generated_at"`
	Attendees         []Attendee           `json:"attendees"`
	TotalWatchSeconds int64                `json:"total_watch_seconds"`
}

// Build groups rows by identity. Open rows count up to now. Role and display
// name come from the identity's latest row.
func Build(sess *models.Session, rows []models.Participant, now time.Time) Report {
	r := Report{
		SessionID:      sess.ID,
		Title:          sess.Title,
		Status:         sess.Status,
		ScheduledStart: sess.ScheduledStart,
		GeneratedAt:    now,
		Attendees:      []Attendee{},
	}
	for identity, group := range lo.GroupBy(rows, func(p models.Participant) string { return p.Identity }) {
		sort.Slice(group, func(i, j int) bool { return group[i].JoinedAt.Before(group[j].JoinedAt) })
		latest := group[len(group)-1]
		a := Attendee{
			Identity:      identity,
			DisplayName:   latest.DisplayName,
			Role:          latest.Role,
			Visits:        len(group),
			FirstJoinedAt: group[0].JoinedAt,
			Present:       latest.Open(),
		}
		for i := range group {
			a.WatchSeconds += group[i].WatchSeconds(now)
			if left := group[i].LeftAt; left != nil && (a.LastLeftAt == nil || left.After(*a.LastLeftAt)) {
				a.LastLeftAt = left
			}
		}
		if a.Present {
			a.LastLeftAt = nil
		}
		r.TotalWatchSeconds += a.WatchSeconds
		r.Attendees = append(r.Attendees, a)
	}
	sort.Slice(r.Attendees, func(i, j int) bool {
		if r.Attendees[i].FirstJoinedAt.Equal(r.Attendees[j].FirstJoinedAt) {
			return r.Attendees[i].Identity < r.Attendees[j].Identity
		}
		return r.Attendees[i].FirstJoinedAt.Before(r.Attendees[j].FirstJoinedAt)
	})
	return r
}
