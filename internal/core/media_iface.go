package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Device names the capture device behind a track kind, for user messages.
func (k TrackKind) Device() string {
	if k == TrackVideo {
		return "camera"
	}
	return "microphone"
}

// MediaConstraints selects which local devices to open.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// ConnectionConfig carries the relay endpoints handed to the media engine.
type ConnectionConfig struct {
	ICEServers []webrtc.ICEServer
}

// MediaEngine is the capability the manager drives; encoding, transport and
// NAT traversal live behind it.
type MediaEngine interface {
	// AcquireLocalMedia opens local capture. Denial returns *MediaAccessError.
	AcquireLocalMedia(ctx context.Context, c MediaConstraints) (MediaHandle, error)
	CreateConnection(ctx context.Context, cfg ConnectionConfig) (Connection, error)
}

// LocalTrack is one captured track. Disabled tracks stay attached but send
// nothing.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
	// Stop releases the device. Safe to call more than once.
	Stop()
	Stopped() bool
}

// MediaHandle groups the tracks opened by one AcquireLocalMedia call.
type MediaHandle interface {
	Tracks() []LocalTrack
	// SetEnabled toggles every track of kind and returns the resulting state.
	// It returns false when the handle has no track of that kind.
	SetEnabled(kind TrackKind, enabled bool) bool
	Enabled(kind TrackKind) bool
	// Stop stops every track.
	Stop()
}

// RemoteTrack describes a track received from the peer.
type RemoteTrack struct {
	ID       string    `json:"id"`
	StreamID string    `json:"streamId"`
	Kind     TrackKind `json:"kind"`
}

// Connection is one peer connection handle.
type Connection interface {
	AddTrack(LocalTrack) error
	RemoveTrack(LocalTrack) error

	// CreateOffer creates an offer; iceRestart gathers fresh credentials.
	CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, sd webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, sd webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, ci webrtc.ICECandidateInit) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	// OnConnectivityStateChange reports the ICE connection state.
	OnConnectivityStateChange(func(webrtc.ICEConnectionState))

	// Close should stop all underlying media resources.
	Close() error
}
