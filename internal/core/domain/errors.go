package domain

import "errors"

var (
	ErrMediaAcquisition   = errors.New("media acquisition failed")
	ErrInvalidState       = errors.New("invalid state")
	ErrConnectivity       = errors.New("connectivity failed")
	ErrSessionClosed      = errors.New("session closed")
	ErrInvalidParticipant = errors.New("invalid participant")
	ErrUnknownEvent       = errors.New("unknown signaling event")
	ErrInvalidPayload     = errors.New("invalid signaling payload")
	ErrHandlerRegistered  = errors.New("handler already registered")
	ErrTransportClosed    = errors.New("transport closed")
	ErrSendQueueFull      = errors.New("send queue full")
	ErrParticipantOffline = errors.New("participant offline")
	ErrMachineStopped     = errors.New("call machine stopped")
)

// OfflineError names the participant the relay could not reach. It matches
// ErrParticipantOffline.
type OfflineError struct {
	Participant ParticipantID
}

func (e *OfflineError) Error() string {
	return ErrParticipantOffline.Error() + ": " + string(e.Participant)
}

func (e *OfflineError) Unwrap() error {
	return ErrParticipantOffline
}
