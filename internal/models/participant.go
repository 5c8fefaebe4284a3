package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant is one identity's membership row within a session.
// Rows are soft-closed by setting LeftAt and never deleted.
type Participant struct {
	ID           uuid.UUID  `json:"id"`
	SessionID    uuid.UUID  `json:"session_id"`
	Identity     string     `json:"identity"`
	DisplayName  string     `json:"display_name"`
	Role         Role       `json:"role"`
	AudioEnabled bool       `json:"audio_enabled"`
	VideoEnabled bool       `json:"video_enabled"`
	HandRaised   bool       `json:"hand_raised"`
	JoinedAt     time.Time  `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
}

// Open reports whether the row has not been closed.
func (p *Participant) Open() bool { return p.LeftAt == nil }

// WatchSeconds returns the attended duration, measured up to now for open rows.
func (p *Participant) WatchSeconds(now time.Time) int64 {
	end := now
	if p.LeftAt != nil {
		end = *p.LeftAt
	}
	d := end.Sub(p.JoinedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// MediaFlags is the mutable media state of a participant.
type MediaFlags struct {
	AudioEnabled bool `json:"audio_enabled"`
	VideoEnabled bool `json:"video_enabled"`
	HandRaised   bool `json:"hand_raised"`
}

// Flags returns the participant's current media flags.
func (p *Participant) Flags() MediaFlags {
	return MediaFlags{AudioEnabled: p.AudioEnabled, VideoEnabled: p.VideoEnabled, HandRaised: p.HandRaised}
}

// SetFlags overwrites the participant's media flags.
func (p *Participant) SetFlags(f MediaFlags) {
	p.AudioEnabled = f.AudioEnabled
	p.VideoEnabled = f.VideoEnabled
	p.HandRaised = f.HandRaised
}

// MediaFlag names one mutable media flag; values match the column names.
type MediaFlag string

const (
	FlagAudio MediaFlag = "audio_enabled"
	FlagVideo MediaFlag = "video_enabled"
	FlagHand  MediaFlag = "hand_raised"
)

// Get returns the value of flag.
func (f MediaFlags) Get(flag MediaFlag) bool {
	switch flag {
	case FlagAudio:
		return f.AudioEnabled
	case FlagVideo:
		return f.VideoEnabled
	case FlagHand:
		return f.HandRaised
	}
	return false
}

// With returns f with flag set to v.
func (f MediaFlags) With(flag MediaFlag, v bool) MediaFlags {
	switch flag {
	case FlagAudio:
		f.AudioEnabled = v
	case FlagVideo:
		f.VideoEnabled = v
	case FlagHand:
		f.HandRaised = v
	}
	return f
}

// Valid reports whether flag is a known media flag.
func (flag MediaFlag) Valid() bool {
	return flag == FlagAudio || flag == FlagVideo || flag == FlagHand
}
