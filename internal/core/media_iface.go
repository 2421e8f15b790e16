package core

//go:generate mockgen -source=media_iface.go -destination=mocks/mock_media.go -package=mocks

import (
	"context"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// LocalTrack is a capture track owned by the media provider.
// The core attaches and detaches it but never stops it.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(bool)
	State() domain.TrackState
	// Local returns the pion track to attach to a sender.
	Local() webrtc.TrackLocal
}

// RemoteTrack is an inbound track with observable liveness.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	State() domain.TrackState
	Muted() bool
}

// MediaSource supplies local tracks. Tracks may block (device acquisition).
type MediaSource interface {
	Tracks(ctx context.Context) ([]LocalTrack, error)
}

// Resource is the single mutable connection a session owns.
type Resource interface {
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription

	SetRemoteDescription(webrtc.SessionDescription) error
	SetLocalDescription(webrtc.SessionDescription) error
	// CreateOffer requests audio and video reception; iceRestart regenerates ICE credentials.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	// CreateAnswer answers the applied remote offer; its media sections mirror
	// the offer's.
	CreateAnswer() (webrtc.SessionDescription, error)
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error

	// AttachTrack replaces the track of a sender with a matching kind, else adds a sender.
	AttachTrack(LocalTrack) error
	// DetachSenders removes every sender without stopping the tracks.
	DetachSenders()
	SenderCount() int

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// OnTrack is invoked for new remote tracks.
	OnTrack(func(track RemoteTrack))
	// OnTrackState reports liveness transitions of a known remote track.
	OnTrackState(func(track RemoteTrack))
	// ClearHandlers drops every callback binding.
	ClearHandlers()

	IsClosed() bool
	Close() error
}

// ResourceFactory creates fresh connection resources.
type ResourceFactory interface {
	NewResource() (Resource, error)
}
