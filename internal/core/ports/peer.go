package ports

import (
	"context"

	"peercall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PeerConnection is the connectivity+media negotiation primitive.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error

	// OnICECandidate is called with nil when gathering completes.
	OnICECandidate(fn func(candidate *webrtc.ICECandidateInit))
	OnTrack(fn func(track domain.RemoteTrack))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))

	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(ctx context.Context) (PeerConnection, error)
}

// CallObserver is notified from the call machine's loop goroutine and must
// not block.
type CallObserver interface {
	OnStateChange(snapshot domain.CallSnapshot)
	OnRemoteTrack(callID domain.CallID, track domain.RemoteTrack)
	OnCallError(callID domain.CallID, err error)
}
