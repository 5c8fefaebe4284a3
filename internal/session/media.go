package session

import (
	"context"
	"fmt"

	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var mediaFlags = []models.MediaFlag{models.FlagAudio, models.FlagVideo, models.FlagHand}

// flagState tracks one media flag of the local participant.
// version counts optimistic updates; committed is the last value the store accepted.
type flagState struct {
	version   uint64
	committed bool
	pending   int
}

func (c *Controller) flagLocked(flag models.MediaFlag) *flagState {
	st, ok := c.flags[flag]
	if !ok {
		st = &flagState{}
		c.flags[flag] = st
	}
	return st
}

func (c *Controller) resetFlagsLocked(row models.Participant) {
	flags := row.Flags()
	for _, f := range mediaFlags {
		c.flagLocked(f).committed = flags.Get(f)
	}
}

// mergeSelfLocked applies a remote copy of the local row. Flags with toggles
// still in flight keep their optimistic value.
func (c *Controller) mergeSelfLocked(remote models.Participant) models.Participant {
	local, ok := c.roster[remote.ID]
	flags := remote.Flags()
	for _, f := range mediaFlags {
		st := c.flagLocked(f)
		if ok && st.pending > 0 {
			flags = flags.With(f, local.Flags().Get(f))
			continue
		}
		st.committed = flags.Get(f)
	}
	remote.SetFlags(flags)
	return remote
}

// ToggleAudio flips the local microphone flag and returns the new value.
func (c *Controller) ToggleAudio(ctx context.Context) (bool, error) {
	return c.toggle(ctx, models.FlagAudio)
}

// ToggleVideo flips the local camera flag and returns the new value.
func (c *Controller) ToggleVideo(ctx context.Context) (bool, error) {
	return c.toggle(ctx, models.FlagVideo)
}

// RaiseHand flips the raised-hand flag and returns the new value.
func (c *Controller) RaiseHand(ctx context.Context) (bool, error) {
	return c.toggle(ctx, models.FlagHand)
}

// toggle applies the flip locally, commits it in FIFO order behind earlier
// toggles, and on failure rolls back to the last committed value unless a
// newer toggle of the same flag has superseded this one.
func (c *Controller) toggle(ctx context.Context, flag models.MediaFlag) (bool, error) {
	if err := c.checkActive(); err != nil {
		return false, err
	}
	if _, err := c.currentIdentity(); err != nil {
		return false, err
	}

	c.mu.Lock()
	self, ok := c.roster[c.selfID]
	if c.selfID == uuid.Nil || !ok {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: not joined", errs.ErrUnauthorized)
	}
	if flag != models.FlagHand && !self.Role.OnStage() {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: %s may not publish media", errs.ErrUnauthorized, self.Role)
	}
	value := !self.Flags().Get(flag)
	self.SetFlags(self.Flags().With(flag, value))
	c.roster[self.ID] = self

	st := c.flagLocked(flag)
	st.version++
	version := st.version
	st.pending++

	prev := c.commits
	done := make(chan struct{})
	c.commits = done
	snapshot := c.rosterLocked()
	c.mu.Unlock()
	c.rosterTopic.Publish(snapshot)

	<-prev
	_, err := c.store.UpdateMediaFlag(ctx, self.ID, flag, value)
	close(done)

	c.mu.Lock()
	st.pending--
	result := value
	if err == nil {
		st.committed = value
	} else if st.version == version {
		result = st.committed
		if cur, ok := c.roster[self.ID]; ok {
			cur.SetFlags(cur.Flags().With(flag, st.committed))
			c.roster[self.ID] = cur
		}
	}
	snapshot = c.rosterLocked()
	c.mu.Unlock()
	c.rosterTopic.Publish(snapshot)

	if err != nil {
		c.logger.Warn("media flag update failed",
			zap.String("flag", string(flag)),
			zap.Bool("value", value),
			zap.Error(err),
		)
		return result, errs.Classify(err)
	}
	return value, nil
}

func roleRank(r models.Role) int {
	switch r {
	case models.RoleModerator:
		return 2
	case models.RoleSpeaker:
		return 1
	default:
		return 0
	}
}

// ChangeRole lets a moderator move another participant to role. Raising the
// rank clears the hand; demotion to audience turns audio and video off.
func (c *Controller) ChangeRole(ctx context.Context, participantID uuid.UUID, role models.Role) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	id, err := c.currentIdentity()
	if err != nil {
		return err
	}
	role, ok := models.ParseRole(string(role))
	if !ok {
		return fmt.Errorf("%w: unknown role", errs.ErrInvalidContent)
	}
	sess, err := c.loadSession(ctx)
	if err != nil {
		return err
	}

	caller, ok := lo.Find(sess.Participants, func(p models.Participant) bool { return p.Identity == id.ID && p.Open() })
	if !ok || caller.Role != models.RoleModerator {
		return fmt.Errorf("%w: moderator required", errs.ErrUnauthorized)
	}
	target, ok := lo.Find(sess.Participants, func(p models.Participant) bool { return p.ID == participantID && p.Open() })
	if !ok {
		return fmt.Errorf("%w: participant %s", errs.ErrNotFound, participantID)
	}
	if target.Identity == id.ID {
		return fmt.Errorf("%w: cannot change own role", errs.ErrUnauthorized)
	}
	if target.Role == role {
		return nil
	}
	if role == models.RoleModerator && !sess.CanModerate(target.Identity) {
		return fmt.Errorf("%w: %s is not a moderator of this session", errs.ErrUnauthorized, target.Identity)
	}
	if role.OnStage() && !target.Role.OnStage() {
		others := lo.Reject(sess.Participants, func(p models.Participant, _ int) bool { return p.ID == target.ID })
		if !sess.Capacity.HasRoom(role, others) {
			return fmt.Errorf("%w: %s", errs.ErrCapacityExceeded, role)
		}
	}

	flags := target.Flags()
	if roleRank(role) > roleRank(target.Role) {
		flags.HandRaised = false
	}
	if role == models.RoleAudience {
		flags.AudioEnabled = false
		flags.VideoEnabled = false
	}
	row, err := c.store.UpdateRole(ctx, target.ID, role, flags)
	if err != nil {
		return errs.Classify(err)
	}
	c.applyRow(*row)
	c.logger.Info("role changed",
		zap.String("participant", target.Identity),
		zap.String("from", string(target.Role)),
		zap.String("to", string(role)),
	)
	return nil
}
