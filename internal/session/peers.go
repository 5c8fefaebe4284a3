package session

import (
	"context"
	"fmt"

	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/aura-webinar/stagecore/internal/peers"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// onPeerState treats a terminal link as an implicit leave of the remote side:
// the link is closed and the identity drops out of the local roster until the
// feed reports it again. Links this controller closed itself never get here.
func (c *Controller) onPeerState(ev peers.StateEvent) {
	if !peers.IsTerminal(ev.State) {
		return
	}
	if err := c.peers.CloseLink(ev.RemoteIdentity); err != nil {
		c.logger.Warn("close terminal peer link", zap.String("remote", ev.RemoteIdentity), zap.Error(err))
	}

	c.mu.Lock()
	removed := false
	for id, p := range c.roster {
		if p.Identity == ev.RemoteIdentity && id != c.selfID {
			delete(c.roster, id)
			removed = true
		}
	}
	snapshot := c.rosterLocked()
	c.mu.Unlock()
	if removed {
		c.rosterTopic.Publish(snapshot)
	}
}

// peerReady checks that the local participant is joined and remote is on the
// roster, and acquires local media when the local role publishes.
func (c *Controller) peerReady(ctx context.Context, remote string) error {
	if err := c.checkActive(); err != nil {
		return err
	}
	if c.peers == nil {
		return fmt.Errorf("%w: media is disabled for this session", errs.ErrTransport)
	}
	self, joined := c.Self()
	if !joined {
		return fmt.Errorf("%w: not joined", errs.ErrUnauthorized)
	}
	if remote == self.Identity {
		return fmt.Errorf("%w: cannot link to self", errs.ErrInvalidContent)
	}
	if _, ok := lo.Find(c.Roster(), func(p models.Participant) bool { return p.Identity == remote }); !ok {
		return fmt.Errorf("%w: %s is not in the session", errs.ErrNotFound, remote)
	}
	if self.Role.OnStage() {
		if _, err := c.peers.GetLocalMedia(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// ConnectPeer opens a link to remote and returns the offer to send it.
func (c *Controller) ConnectPeer(ctx context.Context, remote string) (*peers.Signal, error) {
	if err := c.peerReady(ctx, remote); err != nil {
		return nil, err
	}
	if err := c.peers.EnsurePeerLink(remote); err != nil {
		return nil, err
	}
	return c.peers.CreateOffer(remote)
}

// HandleSignal applies a signal from remote. An offer returns the answer to send back.
func (c *Controller) HandleSignal(ctx context.Context, remote string, sig peers.Signal) (*peers.Signal, error) {
	if err := c.peerReady(ctx, remote); err != nil {
		return nil, err
	}
	return c.peers.HandleSignal(remote, sig)
}

// OnLocalCandidate registers fn for local ICE candidates to relay.
func (c *Controller) OnLocalCandidate(fn func(peers.CandidateEvent)) (unsubscribe func()) {
	if c.peers == nil {
		return func() {}
	}
	return c.observe(c.peers.OnLocalCandidate(fn))
}

// OnTrack registers fn for inbound remote tracks.
func (c *Controller) OnTrack(fn func(peers.TrackEvent)) (unsubscribe func()) {
	if c.peers == nil {
		return func() {}
	}
	return c.observe(c.peers.OnTrack(fn))
}
