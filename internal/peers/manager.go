// Package peers owns one media transport per remote participant and drives the
// offer/answer/ICE handshake for each of them.
package peers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/notify"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SignalKind is the type of a signaling payload.
type SignalKind string

const (
	SignalOffer  SignalKind = "offer"
	SignalAnswer SignalKind = "answer"
	SignalICE    SignalKind = "ice"
)

// Signal is one signaling payload exchanged with a remote participant.
type Signal struct {
	Kind      SignalKind               `json:"kind"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// TrackEvent reports an inbound track from a remote participant.
type TrackEvent struct {
	RemoteIdentity string
	Track          *webrtc.TrackRemote
}

// StateEvent reports a connection state change of a peer link. Links closed
// by the local side through CloseLink or CloseAll report nothing further.
type StateEvent struct {
	RemoteIdentity string
	State          webrtc.PeerConnectionState
}

// CandidateEvent carries a local ICE candidate to be sent to the remote side.
type CandidateEvent struct {
	RemoteIdentity string
	Candidate      webrtc.ICECandidateInit
}

// LinkInfo is a snapshot of one peer link.
type LinkInfo struct {
	RemoteIdentity string `json:"remote_identity"`
	State          string `json:"state"`
}

// IsTerminal reports whether state ends the link.
func IsTerminal(state webrtc.PeerConnectionState) bool {
	switch state {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		return true
	default:
		return false
	}
}

var errUnknownSignal = errors.New("unknown signal kind")

type link struct {
	remote    string
	transport Transport

	// closed is set before the transport is closed locally; state changes
	// after that are not reported, so listeners only see remote endings.
	closed atomic.Bool

	mu      sync.Mutex
	state   webrtc.PeerConnectionState
	pending []webrtc.ICECandidateInit
}

func (l *link) close() error {
	l.closed.Store(true)
	return l.transport.Close()
}

// Manager keeps a PeerLink per remote identity.
type Manager struct {
	mu           sync.Mutex
	links        map[string]*link
	media        *LocalMedia
	newTransport TransportFactory
	devices      MediaDevices
	acquire      singleflight.Group

	tracks     notify.Topic[TrackEvent]
	states     notify.Topic[StateEvent]
	candidates notify.Topic[CandidateEvent]

	logger *zap.Logger
}

// NewManager creates a peer manager. devices may be nil for receive-only participants.
func NewManager(factory TransportFactory, devices MediaDevices, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		links:        make(map[string]*link),
		newTransport: factory,
		devices:      devices,
		logger:       logger,
	}
}

// GetLocalMedia acquires local capture once; later and concurrent callers share it.
func (m *Manager) GetLocalMedia(ctx context.Context, wantVideo bool) (*LocalMedia, error) {
	m.mu.Lock()
	if m.media != nil {
		media := m.media
		m.mu.Unlock()
		return media, nil
	}
	m.mu.Unlock()
	if m.devices == nil {
		return nil, fmt.Errorf("%w: no media devices", errs.ErrTransport)
	}

	v, err, _ := m.acquire.Do("local", func() (interface{}, error) {
		m.mu.Lock()
		if m.media != nil {
			media := m.media
			m.mu.Unlock()
			return media, nil
		}
		m.mu.Unlock()

		media, err := m.devices.Acquire(ctx, wantVideo)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.media = media
		m.mu.Unlock()
		m.logger.Info("local media acquired", zap.String("stream_id", media.ID), zap.Bool("video", media.Video))
		return media, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: acquire local media: %w", errs.ErrTransport, err)
	}
	return v.(*LocalMedia), nil
}

// EnsurePeerLink returns the link to remote, creating it and attaching local tracks on first use.
func (m *Manager) EnsurePeerLink(remote string) error {
	_, err := m.ensure(remote)
	return err
}

func (m *Manager) ensure(remote string) (*link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[remote]; ok {
		return l, nil
	}

	t, err := m.newTransport()
	if err != nil {
		return nil, fmt.Errorf("%w: new transport: %w", errs.ErrTransport, err)
	}
	l := &link{remote: remote, transport: t, state: webrtc.PeerConnectionStateNew}

	if m.media != nil {
		for _, track := range m.media.Tracks {
			if _, err := t.AddTrack(track); err != nil {
				_ = t.Close()
				return nil, fmt.Errorf("%w: add track: %w", errs.ErrTransport, err)
			}
		}
	}

	log := m.logger.With(zap.String("remote", remote))
	t.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug("inbound track", zap.String("kind", track.Kind().String()))
		m.tracks.Publish(TrackEvent{RemoteIdentity: remote, Track: track})
	})
	t.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.mu.Lock()
		l.state = state
		l.mu.Unlock()
		if l.closed.Load() {
			return
		}
		if IsTerminal(state) {
			log.Info("peer link terminal", zap.String("state", state.String()))
		}
		m.states.Publish(StateEvent{RemoteIdentity: remote, State: state})
	})
	t.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.candidates.Publish(CandidateEvent{RemoteIdentity: remote, Candidate: c.ToJSON()})
	})

	m.links[remote] = l
	log.Debug("peer link created")
	return l, nil
}

// HandleSignal applies an inbound signal from remote. An offer yields the answer to send back.
// ICE candidates that arrive before a remote description are queued.
func (m *Manager) HandleSignal(remote string, sig Signal) (*Signal, error) {
	l, err := m.ensure(remote)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	switch sig.Kind {
	case SignalOffer:
		if err := l.setRemoteLocked(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
			return nil, err
		}
		answer, err := l.transport.CreateAnswer(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: create answer: %w", errs.ErrTransport, err)
		}
		if err := l.transport.SetLocalDescription(answer); err != nil {
			return nil, fmt.Errorf("%w: set local description: %w", errs.ErrTransport, err)
		}
		return &Signal{Kind: SignalAnswer, SDP: answer.SDP}, nil

	case SignalAnswer:
		return nil, l.setRemoteLocked(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP})

	case SignalICE:
		if sig.Candidate == nil {
			return nil, nil
		}
		if l.transport.RemoteDescription() == nil {
			l.pending = append(l.pending, *sig.Candidate)
			return nil, nil
		}
		if err := l.transport.AddICECandidate(*sig.Candidate); err != nil {
			return nil, fmt.Errorf("%w: add ice candidate: %w", errs.ErrTransport, err)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", errUnknownSignal, sig.Kind)
	}
}

func (l *link) setRemoteLocked(desc webrtc.SessionDescription) error {
	if err := l.transport.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote description: %w", errs.ErrTransport, err)
	}
	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		if err := l.transport.AddICECandidate(c); err != nil {
			return fmt.Errorf("%w: add queued ice candidate: %w", errs.ErrTransport, err)
		}
	}
	return nil
}

// CreateOffer starts a handshake with remote and returns the offer to send.
func (m *Manager) CreateOffer(remote string) (*Signal, error) {
	l, err := m.ensure(remote)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	offer, err := l.transport.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create offer: %w", errs.ErrTransport, err)
	}
	if err := l.transport.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("%w: set local description: %w", errs.ErrTransport, err)
	}
	return &Signal{Kind: SignalOffer, SDP: offer.SDP}, nil
}

// CloseLink tears down the link to remote. Local media is released once no links remain.
func (m *Manager) CloseLink(remote string) error {
	m.mu.Lock()
	l, ok := m.links[remote]
	delete(m.links, remote)
	release := m.releaseIfIdleLocked()
	m.mu.Unlock()

	m.release(release)
	if !ok {
		return nil
	}
	if err := l.close(); err != nil {
		m.logger.Warn("close peer link", zap.String("remote", remote), zap.Error(err))
		return fmt.Errorf("%w: close link: %w", errs.ErrTransport, err)
	}
	return nil
}

// CloseAll tears down every link and releases local media.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[string]*link)
	release := m.releaseIfIdleLocked()
	m.mu.Unlock()

	for remote, l := range links {
		if err := l.close(); err != nil {
			m.logger.Warn("close peer link", zap.String("remote", remote), zap.Error(err))
		}
	}
	m.release(release)
}

func (m *Manager) releaseIfIdleLocked() *LocalMedia {
	if len(m.links) > 0 || m.media == nil {
		return nil
	}
	media := m.media
	m.media = nil
	return media
}

func (m *Manager) release(media *LocalMedia) {
	if media == nil || m.devices == nil {
		return
	}
	m.devices.Release(media)
	m.acquire.Forget("local")
	m.logger.Info("local media released", zap.String("stream_id", media.ID))
}

// Links returns a snapshot of every link.
func (m *Manager) Links() []LinkInfo {
	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	out := make([]LinkInfo, 0, len(links))
	for _, l := range links {
		l.mu.Lock()
		out = append(out, LinkInfo{RemoteIdentity: l.remote, State: l.state.String()})
		l.mu.Unlock()
	}
	return out
}

// HasMedia reports whether local media is currently held.
func (m *Manager) HasMedia() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.media != nil
}

// OnTrack registers fn for inbound tracks.
func (m *Manager) OnTrack(fn func(TrackEvent)) (unsubscribe func()) { return m.tracks.Subscribe(fn) }

// OnStateChange registers fn for link state changes.
func (m *Manager) OnStateChange(fn func(StateEvent)) (unsubscribe func()) {
	return m.states.Subscribe(fn)
}

// OnLocalCandidate registers fn for local ICE candidates to forward to the remote side.
func (m *Manager) OnLocalCandidate(fn func(CandidateEvent)) (unsubscribe func()) {
	return m.candidates.Subscribe(fn)
}
