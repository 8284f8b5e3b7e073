package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Call signaling event names.
const (
	EventOffer     = "offer"
	EventAnswer    = "answer"
	EventCandidate = "candidate"
	EventEndCall   = "endCall"
	EventDecline   = "declineCall"
	EventError     = "error"

	// EventCandidateLegacy is the candidate event name used by the
	// socket.io chat server. Accepted inbound alongside EventCandidate.
	EventCandidateLegacy = "iceCandidate"
)

// SignalKind tags a SignalingEvent.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	SignalEndCall   SignalKind = "endCall"
	SignalDecline   SignalKind = "declineCall"
)

// Wire payloads. From is stamped by the relay on delivery; the sender only
// fills it for offer.

type OfferPayload struct {
	To    ParticipantID             `json:"to"`
	From  ParticipantID             `json:"from"`
	Offer webrtc.SessionDescription `json:"offer"`
}

type AnswerPayload struct {
	To     ParticipantID             `json:"to"`
	From   ParticipantID             `json:"from,omitempty"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type CandidatePayload struct {
	To        ParticipantID           `json:"to"`
	From      ParticipantID           `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type EndCallPayload struct {
	To   ParticipantID `json:"to"`
	From ParticipantID `json:"from,omitempty"`
}

type DeclinePayload struct {
	To     ParticipantID `json:"to"`
	From   ParticipantID `json:"from,omitempty"`
	Reason EndReason     `json:"reason,omitempty"`
}

// RelayErrorPayload is sent by the relay when it cannot deliver an event.
type RelayErrorPayload struct {
	Message string        `json:"message"`
	Code    string        `json:"code,omitempty"`
	Event   string        `json:"event,omitempty"`
	To      ParticipantID `json:"to,omitempty"`
}

// SignalingEvent is one call signaling message in transit.
type SignalingEvent struct {
	Kind        SignalKind
	From        ParticipantID
	To          ParticipantID
	Description *webrtc.SessionDescription
	Candidate   *webrtc.ICECandidateInit
	Reason      EndReason
}

func NewOffer(from, to ParticipantID, offer webrtc.SessionDescription) SignalingEvent {
	return SignalingEvent{Kind: SignalOffer, From: from, To: to, Description: &offer}
}

func NewAnswer(to ParticipantID, answer webrtc.SessionDescription) SignalingEvent {
	return SignalingEvent{Kind: SignalAnswer, To: to, Description: &answer}
}

func NewCandidate(to ParticipantID, candidate webrtc.ICECandidateInit) SignalingEvent {
	return SignalingEvent{Kind: SignalCandidate, To: to, Candidate: &candidate}
}

func NewEndCall(to ParticipantID) SignalingEvent {
	return SignalingEvent{Kind: SignalEndCall, To: to}
}

func NewDecline(to ParticipantID, reason EndReason) SignalingEvent {
	return SignalingEvent{Kind: SignalDecline, To: to, Reason: reason}
}

// Payload returns the wire payload for the event.
func (e SignalingEvent) Payload() (any, error) {
	if e.To == "" {
		return nil, fmt.Errorf("%w: %s without recipient", ErrInvalidPayload, e.Kind)
	}

	switch e.Kind {
	case SignalOffer:
		if e.Description == nil || e.From == "" {
			return nil, fmt.Errorf("%w: offer needs sender and description", ErrInvalidPayload)
		}
		return OfferPayload{To: e.To, From: e.From, Offer: *e.Description}, nil
	case SignalAnswer:
		if e.Description == nil {
			return nil, fmt.Errorf("%w: answer needs description", ErrInvalidPayload)
		}
		// from is left out on purpose: peers infer it from the pending call
		return AnswerPayload{To: e.To, Answer: *e.Description}, nil
	case SignalCandidate:
		if e.Candidate == nil {
			return nil, fmt.Errorf("%w: candidate needs candidate", ErrInvalidPayload)
		}
		return CandidatePayload{To: e.To, Candidate: *e.Candidate}, nil
	case SignalEndCall:
		return EndCallPayload{To: e.To}, nil
	case SignalDecline:
		return DeclinePayload{To: e.To, Reason: e.Reason}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Kind)
	}
}

// SignalKindForEvent maps a transport event name to its kind.
func SignalKindForEvent(event string) (SignalKind, bool) {
	switch event {
	case EventOffer:
		return SignalOffer, true
	case EventAnswer:
		return SignalAnswer, true
	case EventCandidate, EventCandidateLegacy:
		return SignalCandidate, true
	case EventEndCall:
		return SignalEndCall, true
	case EventDecline:
		return SignalDecline, true
	}
	return "", false
}

// DecodeSignalingEvent parses the payload of a named transport event.
func DecodeSignalingEvent(event string, data json.RawMessage) (SignalingEvent, error) {
	kind, ok := SignalKindForEvent(event)
	if !ok {
		return SignalingEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}

	ev := SignalingEvent{Kind: kind}
	switch kind {
	case SignalOffer:
		var p OfferPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return SignalingEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.Offer.SDP == "" {
			return SignalingEvent{}, fmt.Errorf("%w: offer without sdp", ErrInvalidPayload)
		}
		ev.From, ev.To, ev.Description = p.From, p.To, &p.Offer
	case SignalAnswer:
		var p AnswerPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return SignalingEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.Answer.SDP == "" {
			return SignalingEvent{}, fmt.Errorf("%w: answer without sdp", ErrInvalidPayload)
		}
		ev.From, ev.To, ev.Description = p.From, p.To, &p.Answer
	case SignalCandidate:
		var p CandidatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return SignalingEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		ev.From, ev.To, ev.Candidate = p.From, p.To, &p.Candidate
	case SignalEndCall:
		var p EndCallPayload
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return SignalingEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
		}
		ev.From, ev.To = p.From, p.To
	case SignalDecline:
		var p DeclinePayload
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return SignalingEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
		}
		ev.From, ev.To, ev.Reason = p.From, p.To, p.Reason
	}
	return ev, nil
}
