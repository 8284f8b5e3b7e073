package ports

import (
	"time"

	"peercall/internal/core/domain"
)

type CallMetrics interface {
	CallStarted(direction domain.Direction)
	CallConnected(direction domain.Direction, setup time.Duration)
	CallEnded(reason domain.EndReason, duration time.Duration)
	SignalSent(kind domain.SignalKind)
	SignalReceived(kind domain.SignalKind, accepted bool)
	CandidatesBuffered(count int)
}

type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageRelayed(event string)
	MessageDropped(event, reason string)
}

type TrackMetrics interface {
	RTPReceived(kind string, bytes int)
	RTCPReport(kind string, fractionLost float64, jitter uint32)
	NackReceived(kind string, count int)
}
