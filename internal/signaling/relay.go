package signaling

import (
	"context"
	"time"

	"github.com/aura-webinar/stagecore/internal/peers"
	"go.uber.org/zap"
)

// PeerSession is the part of a session controller the relay drives.
type PeerSession interface {
	HandleSignal(ctx context.Context, remote string, sig peers.Signal) (*peers.Signal, error)
	ConnectPeer(ctx context.Context, remote string) (*peers.Signal, error)
	OnLocalCandidate(fn func(peers.CandidateEvent)) (unsubscribe func())
}

// Transport is the part of a signaling client the relay drives.
type Transport interface {
	Send(to string, sig peers.Signal) error
	OnSignal(fn func(Inbound)) (unsubscribe func())
}

const signalTimeout = 10 * time.Second

// Relay feeds inbound signals to a session and sends its answers and local
// ICE candidates back out.
type Relay struct {
	session   PeerSession
	transport Transport
	logger    *zap.Logger
	stop      []func()
}

// NewRelay wires session to transport until Stop.
func NewRelay(session PeerSession, transport Transport, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{session: session, transport: transport, logger: logger}
	r.stop = append(r.stop,
		transport.OnSignal(r.onSignal),
		session.OnLocalCandidate(func(ev peers.CandidateEvent) {
			cand := ev.Candidate
			if err := transport.Send(ev.RemoteIdentity, peers.Signal{Kind: peers.SignalICE, Candidate: &cand}); err != nil {
				logger.Warn("relay local candidate", zap.String("remote", ev.RemoteIdentity), zap.Error(err))
			}
		}),
	)
	return r
}

func (r *Relay) onSignal(in Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	reply, err := r.session.HandleSignal(ctx, in.From, in.Signal)
	if err != nil {
		r.logger.Warn("handle signal", zap.String("from", in.From), zap.String("kind", string(in.Signal.Kind)), zap.Error(err))
		return
	}
	if reply == nil {
		return
	}
	if err := r.transport.Send(in.From, *reply); err != nil {
		r.logger.Warn("send reply", zap.String("to", in.From), zap.Error(err))
	}
}

// Call opens a link to remote and sends it the offer.
func (r *Relay) Call(ctx context.Context, remote string) error {
	offer, err := r.session.ConnectPeer(ctx, remote)
	if err != nil {
		return err
	}
	return r.transport.Send(remote, *offer)
}

// Stop detaches the relay.
func (r *Relay) Stop() {
	for _, fn := range r.stop {
		fn()
	}
	r.stop = nil
}
