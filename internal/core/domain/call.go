package domain

import "time"

type CallState int

const (
	CallStateIdle CallState = iota
	CallStateOutgoingPending
	CallStateIncomingPending
	CallStateActive
	CallStateEnded
)

func (s CallState) String() string {
	switch s {
	case CallStateIdle:
		return "idle"
	case CallStateOutgoingPending:
		return "outgoing_pending"
	case CallStateIncomingPending:
		return "incoming_pending"
	case CallStateActive:
		return "active"
	case CallStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func (s CallState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type EndReason string

const (
	EndReasonLocalHangup        EndReason = "local_hangup"
	EndReasonRemoteHangup       EndReason = "remote_hangup"
	EndReasonDeclined           EndReason = "declined"
	EndReasonBusy               EndReason = "busy"
	EndReasonCancelled          EndReason = "cancelled"
	EndReasonTimeout            EndReason = "timeout"
	EndReasonUnreachable        EndReason = "unreachable"
	EndReasonConnectivityFailed EndReason = "connectivity_failed"
	EndReasonMediaUnavailable   EndReason = "media_unavailable"
	EndReasonTransportFailed    EndReason = "transport_failed"
	EndReasonShutdown           EndReason = "shutdown"
)

// CallSnapshot is a read-only copy of the call state machine. When State is
// idle, EndReason and LastError describe the most recently ended call.
type CallSnapshot struct {
	CallID      CallID        `json:"call_id,omitempty"`
	State       CallState     `json:"state"`
	Direction   Direction     `json:"direction,omitempty"`
	Local       ParticipantID `json:"local"`
	Remote      ParticipantID `json:"remote,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	ConnectedAt time.Time     `json:"connected_at"`
	Muted       bool          `json:"muted"`
	EndReason   EndReason     `json:"end_reason,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}
