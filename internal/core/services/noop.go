package services

import (
	"time"

	"peercall/internal/core/domain"
)

type noopObserver struct{}

func (noopObserver) OnStateChange(domain.CallSnapshot)              {}
func (noopObserver) OnRemoteTrack(domain.CallID, domain.RemoteTrack) {}
func (noopObserver) OnCallError(domain.CallID, error)               {}

type noopCallMetrics struct{}

func (noopCallMetrics) CallStarted(domain.Direction)                  {}
func (noopCallMetrics) CallConnected(domain.Direction, time.Duration) {}
func (noopCallMetrics) CallEnded(domain.EndReason, time.Duration)     {}
func (noopCallMetrics) SignalSent(domain.SignalKind)                  {}
func (noopCallMetrics) SignalReceived(domain.SignalKind, bool)        {}
func (noopCallMetrics) CandidatesBuffered(int)                        {}
