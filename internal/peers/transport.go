//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=mocks/mock_transport.go -package=mocks

package peers

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Transport is the subset of *webrtc.PeerConnection a peer link drives.
type Transport interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	SetLocalDescription(desc webrtc.SessionDescription) error
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICECandidate(f func(*webrtc.ICECandidate))
	RemoteDescription() *webrtc.SessionDescription
	Close() error
}

// TransportFactory opens a new transport for one remote participant.
type TransportFactory func() (Transport, error)

// NewPionFactory builds a factory backed by pion with the default codecs and
// interceptors (NACK, RTCP reports, TWCC).
func NewPionFactory(iceServers []webrtc.ICEServer) (TransportFactory, error) {
	cfg := webrtc.Configuration{ICEServers: iceServers}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry))

	return func() (Transport, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}, nil
}

// LocalMedia is the local capture shared read-only by every peer link.
type LocalMedia struct {
	ID     string
	Tracks []webrtc.TrackLocal
	Video  bool
}

// MediaDevices acquires and releases local capture.
type MediaDevices interface {
	Acquire(ctx context.Context, wantVideo bool) (*LocalMedia, error)
	Release(media *LocalMedia)
}

// SampleDevices produces pion sample tracks (Opus audio, optional VP8 video)
// that an external capture pipeline writes encoded samples into.
type SampleDevices struct {
	StreamID string
}

// Acquire creates fresh sample tracks.
func (d SampleDevices) Acquire(ctx context.Context, wantVideo bool) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := d.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	media := &LocalMedia{ID: streamID, Tracks: []webrtc.TrackLocal{audio}}
	if wantVideo {
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		media.Tracks = append(media.Tracks, video)
		media.Video = true
	}
	return media, nil
}

// Release is a no-op; sample tracks hold no device.
func (SampleDevices) Release(*LocalMedia) {}
