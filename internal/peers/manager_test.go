package peers_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aura-webinar/stagecore/internal/errs"
	"github.com/aura-webinar/stagecore/internal/peers"
	"github.com/aura-webinar/stagecore/internal/peers/mocks"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type callbacks struct {
	state func(webrtc.PeerConnectionState)
	ice   func(*webrtc.ICECandidate)
	track func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func expectCallbacks(tr *mocks.MockTransport, cb *callbacks) {
	tr.EXPECT().OnTrack(gomock.Any()).Do(func(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { cb.track = f })
	tr.EXPECT().OnConnectionStateChange(gomock.Any()).Do(func(f func(webrtc.PeerConnectionState)) { cb.state = f })
	tr.EXPECT().OnICECandidate(gomock.Any()).Do(func(f func(*webrtc.ICECandidate)) { cb.ice = f })
}

func factoryOf(tr peers.Transport) peers.TransportFactory {
	return func() (peers.Transport, error) { return tr, nil }
}

func TestManager_EnsurePeerLinkAttachesLocalTracks(t *testing.T) {
	ctrl := gomock.NewController(t)
	req := require.New(t)

	// Given
	tr := mocks.NewMockTransport(ctrl)
	devices := mocks.NewMockMediaDevices(ctrl)
	media, err := peers.SampleDevices{StreamID: "local"}.Acquire(context.Background(), true)
	req.NoError(err)
	devices.EXPECT().Acquire(gomock.Any(), true).Return(media, nil).Times(1)

	created := 0
	m := peers.NewManager(func() (peers.Transport, error) { created++; return tr, nil }, devices, nil)
	var cb callbacks
	expectCallbacks(tr, &cb)
	tr.EXPECT().AddTrack(gomock.Any()).Return(nil, nil).Times(2)

	// When
	_, err = m.GetLocalMedia(context.Background(), true)
	req.NoError(err)
	req.NoError(m.EnsurePeerLink("bob"))
	req.NoError(m.EnsurePeerLink("bob"))

	// Then
	req.Equal(1, created)
	req.NotNil(cb.state)
	req.NotNil(cb.track)
	req.Len(m.Links(), 1)
}

func TestManager_GetLocalMediaIsMemoized(t *testing.T) {
	ctrl := gomock.NewController(t)
	req := require.New(t)

	devices := mocks.NewMockMediaDevices(ctrl)
	media := &peers.LocalMedia{ID: "cam"}
	devices.EXPECT().Acquire(gomock.Any(), false).Return(media, nil).Times(1)
	m := peers.NewManager(nil, devices, nil)

	var wg sync.WaitGroup
	got := make([]*peers.LocalMedia, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], _ = m.GetLocalMedia(context.Background(), false)
		}(i)
	}
	wg.Wait()

	for _, g := range got {
		req.Same(media, g)
	}
}

func TestManager_OfferProducesAnswerAndFlushesQueuedICE(t *testing.T) {
	ctrl := gomock.NewController(t)
	req := require.New(t)

	// Given
	tr := mocks.NewMockTransport(ctrl)
	var cb callbacks
	expectCallbacks(tr, &cb)
	m := peers.NewManager(factoryOf(tr), nil, nil)

	var remote *webrtc.SessionDescription
	tr.EXPECT().RemoteDescription().DoAndReturn(func() *webrtc.SessionDescription { return remote }).AnyTimes()
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host"}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}

	gomock.InOrder(
		tr.EXPECT().SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}).
			DoAndReturn(func(d webrtc.SessionDescription) error { remote = &d; return nil }),
		tr.EXPECT().AddICECandidate(candidate).Return(nil),
		tr.EXPECT().CreateAnswer(gomock.Nil()).Return(answer, nil),
		tr.EXPECT().SetLocalDescription(answer).Return(nil),
	)

	// When
	early, err := m.HandleSignal("bob", peers.Signal{Kind: peers.SignalICE, Candidate: &candidate})
	req.NoError(err)
	req.Nil(early)
	reply, err := m.HandleSignal("bob", peers.Signal{Kind: peers.SignalOffer, SDP: "v=0 offer"})

	// Then
	req.NoError(err)
	req.Equal(&peers.Signal{Kind: peers.SignalAnswer, SDP: "v=0 answer"}, reply)
}

func TestManager_AnswerAndLateICE(t *testing.T) {
	ctrl := gomock.NewController(t)
	req := require.New(t)

	tr := mocks.NewMockTransport(ctrl)
	var cb callbacks
	expectCallbacks(tr, &cb)
	m := peers.NewManager(factoryOf(tr), nil, nil)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	tr.EXPECT().CreateOffer(gomock.Nil()).Return(offer, nil)
	tr.EXPECT().SetLocalDescription(offer).Return(nil)
	tr.EXPECT().SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}).Return(nil)
	tr.EXPECT().RemoteDescription().Return(&webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer})
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:2"}
	tr.EXPECT().AddICECandidate(candidate).Return(nil)

	sig, err := m.CreateOffer("bob")
	req.NoError(err)
	req.Equal(peers.SignalOffer, sig.Kind)

	reply, err := m.HandleSignal("bob", peers.Signal{Kind: peers.SignalAnswer, SDP: "v=0 answer"})
	req.NoError(err)
	req.Nil(reply)

	_, err = m.HandleSignal("bob", peers.Signal{Kind: peers.SignalICE, Candidate: &candidate})
	req.NoError(err)
}

func TestManager_SignalErrorsAreTransportErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	req := require.New(t)

	tr := mocks.NewMockTransport(ctrl)
	var cb callbacks
	expectCallbacks(tr, &cb)
	m := peers.NewManager(factoryOf(tr), nil, nil)
	tr.EXPECT().SetRemoteDescription(gomock.Any()).Return(errors.New("bad sdp"))

	_, err := m.HandleSignal("bob", peers.Signal{Kind: peers.SignalOffer, SDP: "garbage"})

	req.ErrorIs(err, errs.ErrTransport)
}

func TestManager_TerminalStateIsReported(t *testing.T) {
	ctrl := gomock.NewController(t)
	req := require.New(t)

	tr := mocks.NewMockTransport(ctrl)
	var cb callbacks
	expectCallbacks(tr, &cb)
	m := peers.NewManager(factoryOf(tr), nil, nil)
	var events []peers.StateEvent
	m.OnStateChange(func(e peers.StateEvent) { events = append(events, e) })

	req.NoError(m.EnsurePeerLink("bob"))
	cb.state(webrtc.PeerConnectionStateConnected)
	cb.state(webrtc.PeerConnectionStateFailed)

	req.Len(events, 2)
	req.False(peers.IsTerminal(events[0].State))
	req.True(peers.IsTerminal(events[1].State))
	req.Equal("bob", events[1].RemoteIdentity)
	req.Equal("failed", m.Links()[0].State)
}

func TestManager_CloseReleasesMediaWhenIdle(t *testing.T) {
	ctrl := gomock.NewController(t)
	req := require.New(t)

	// Given
	bob := mocks.NewMockTransport(ctrl)
	carol := mocks.NewMockTransport(ctrl)
	var cbBob, cbCarol callbacks
	expectCallbacks(bob, &cbBob)
	expectCallbacks(carol, &cbCarol)
	queue := []peers.Transport{bob, carol}
	factory := func() (peers.Transport, error) {
		tr := queue[0]
		queue = queue[1:]
		return tr, nil
	}

	devices := mocks.NewMockMediaDevices(ctrl)
	media := &peers.LocalMedia{ID: "mic"}
	devices.EXPECT().Acquire(gomock.Any(), false).Return(media, nil)
	m := peers.NewManager(factory, devices, nil)
	_, err := m.GetLocalMedia(context.Background(), false)
	req.NoError(err)
	req.NoError(m.EnsurePeerLink("bob"))
	req.NoError(m.EnsurePeerLink("carol"))

	// When / Then
	bob.EXPECT().Close().Return(nil)
	req.NoError(m.CloseLink("bob"))
	req.True(m.HasMedia())

	carol.EXPECT().Close().Return(nil)
	devices.EXPECT().Release(media).Times(1)
	m.CloseAll()
	req.False(m.HasMedia())
	req.Empty(m.Links())
	req.NoError(m.CloseLink("nobody"))
}

func TestManager_LocalCloseIsNotReported(t *testing.T) {
	ctrl := gomock.NewController(t)
	req := require.New(t)

	// Given
	tr := mocks.NewMockTransport(ctrl)
	var cb callbacks
	expectCallbacks(tr, &cb)
	m := peers.NewManager(factoryOf(tr), nil, nil)
	var events []peers.StateEvent
	m.OnStateChange(func(e peers.StateEvent) { events = append(events, e) })
	req.NoError(m.EnsurePeerLink("bob"))
	cb.state(webrtc.PeerConnectionStateConnected)

	// When the transport reports closed while being closed locally
	tr.EXPECT().Close().DoAndReturn(func() error {
		cb.state(webrtc.PeerConnectionStateClosed)
		return nil
	})
	m.CloseAll()
	cb.state(webrtc.PeerConnectionStateDisconnected)

	// Then only the state before the close was published
	req.Len(events, 1)
	req.Equal(webrtc.PeerConnectionStateConnected, events[0].State)
}
