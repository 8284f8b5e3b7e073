package ports

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// LocalStream is an acquired local audio+video stream.
type LocalStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(enabled bool)
	AudioEnabled() bool
	Stop()
}

// MediaCapability acquires local devices.
type MediaCapability interface {
	GetUserMedia(ctx context.Context) (LocalStream, error)
}
