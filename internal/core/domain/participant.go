package domain

import "github.com/google/uuid"

type ParticipantID string

// CallID tags one call attempt locally. It never goes on the wire.
type CallID string

func NewCallID() CallID {
	return CallID(uuid.NewString())
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// RemoteTrack describes a media track received from the remote peer.
type RemoteTrack struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
	Codec    string `json:"codec,omitempty"`
}
