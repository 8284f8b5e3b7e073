package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// SessionCallbacks are invoked from connectivity goroutines. They are
// detached once the session is closed.
type SessionCallbacks struct {
	OnLocalCandidate  func(candidate webrtc.ICECandidateInit)
	OnRemoteTrack     func(track domain.RemoteTrack)
	OnConnectionState func(state webrtc.PeerConnectionState)
}

// Session owns one peer connection, its descriptions and the queue of
// remote candidates that arrived before the remote description.
//
// opMu serializes negotiation steps; mu guards fields and is never held
// across a call into the peer connection, so Close does not wait for an
// in-flight negotiation step.
type Session struct {
	factory   ports.PeerConnectionFactory
	local     domain.ParticipantID
	callbacks SessionCallbacks

	opMu sync.Mutex

	mu        sync.Mutex
	pc        ports.PeerConnection
	lease     *MediaLease
	opening   bool
	closed    bool
	localType webrtc.SDPType
	remoteSet bool
	connected bool
	pending   []webrtc.ICECandidateInit
	applied   int

	logger *zap.SugaredLogger
}

func NewSession(factory ports.PeerConnectionFactory, local domain.ParticipantID, callbacks SessionCallbacks, logger *zap.SugaredLogger) *Session {
	return &Session{
		factory:   factory,
		local:     local,
		callbacks: callbacks,
		logger:    logger,
	}
}

// Open leases the local stream, creates the peer connection and attaches the
// stream's tracks to it.
func (s *Session) Open(ctx context.Context, media *MediaManager) (ports.LocalStream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrSessionClosed
	}
	if s.opening || s.pc != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session already open", domain.ErrInvalidState)
	}
	s.opening = true
	s.mu.Unlock()

	pc, lease, err := s.connect(ctx, media)

	s.mu.Lock()
	s.opening = false
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.closed {
		s.mu.Unlock()
		pc.Close()
		lease.Release()
		return nil, domain.ErrSessionClosed
	}
	s.pc = pc
	s.lease = lease
	s.mu.Unlock()

	return lease.Stream(), nil
}

func (s *Session) connect(ctx context.Context, media *MediaManager) (ports.PeerConnection, *MediaLease, error) {
	lease, err := media.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	pc, err := s.factory.NewPeerConnection(ctx)
	if err != nil {
		lease.Release()
		return nil, nil, fmt.Errorf("%w: create peer connection: %v", domain.ErrConnectivity, err)
	}

	for _, track := range lease.Stream().Tracks() {
		if err := pc.AddTrack(track); err != nil {
			pc.Close()
			lease.Release()
			return nil, nil, fmt.Errorf("%w: add track %s: %v", domain.ErrConnectivity, track.ID(), err)
		}
	}

	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnTrack(s.handleRemoteTrack)
	pc.OnConnectionStateChange(s.handleConnectionState)

	return pc, lease, nil
}

// trace starts a span for one negotiation step. The returned func ends it
// with the step's outcome.
func (s *Session) trace(ctx context.Context, operation string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracing.TraceWebRTC(ctx, operation, string(s.local))
	return ctx, func(err error) {
		tracing.MeasureDuration(ctx, start, operation)
		if err != nil {
			tracing.RecordError(ctx, err)
		} else {
			tracing.SetSpanStatus(ctx, codes.Ok, "")
		}
		span.End()
	}
}

// CreateOffer generates the local offer and sets it as local description.
func (s *Session) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	ctx, done := s.trace(ctx, "create_offer")
	offer, err := s.createOffer(ctx)
	done(err)
	return offer, err
}

func (s *Session) createOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	pc, err := s.usable(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	s.mu.Lock()
	if s.localType != 0 || s.remoteSet {
		s.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("%w: offer after description was set", domain.ErrInvalidState)
	}
	s.mu.Unlock()

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %v", domain.ErrConnectivity, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local offer: %v", domain.ErrConnectivity, err)
	}

	s.mu.Lock()
	s.localType = webrtc.SDPTypeOffer
	s.mu.Unlock()
	return offer, nil
}

// CreateAnswer applies the remote offer, then generates and sets the local
// answer. Buffered candidates are replayed once the offer is applied.
func (s *Session) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	ctx, done := s.trace(ctx, "create_answer")
	answer, err := s.createAnswer(ctx, offer)
	done(err)
	return answer, err
}

func (s *Session) createAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	pc, err := s.usable(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	s.mu.Lock()
	if s.remoteSet || s.localType != 0 {
		s.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("%w: answer after description was set", domain.ErrInvalidState)
	}
	s.mu.Unlock()

	if err := s.applyRemote(pc, offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", domain.ErrConnectivity, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", domain.ErrConnectivity, err)
	}

	s.mu.Lock()
	s.localType = webrtc.SDPTypeAnswer
	s.mu.Unlock()
	return answer, nil
}

// ApplyRemoteAnswer sets the remote description on the offering side.
func (s *Session) ApplyRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	ctx, done := s.trace(ctx, "apply_answer")
	err := s.applyRemoteAnswer(ctx, answer)
	done(err)
	return err
}

func (s *Session) applyRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	pc, err := s.usable(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case s.localType != webrtc.SDPTypeOffer:
		s.mu.Unlock()
		return fmt.Errorf("%w: answer without local offer", domain.ErrInvalidState)
	case s.remoteSet:
		s.mu.Unlock()
		return fmt.Errorf("%w: remote answer already applied", domain.ErrInvalidState)
	case s.connected:
		s.mu.Unlock()
		return fmt.Errorf("%w: session already connected", domain.ErrInvalidState)
	}
	s.mu.Unlock()

	return s.applyRemote(pc, answer)
}

// AddRemoteCandidate applies the candidate, or buffers it until the remote
// description is set.
func (s *Session) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if !s.remoteSet || s.pc == nil {
		s.pending = append(s.pending, candidate)
		s.mu.Unlock()
		return nil
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}

	s.mu.Lock()
	s.applied++
	s.mu.Unlock()
	return nil
}

// applyRemote must be called with opMu held.
func (s *Session) applyRemote(pc ports.PeerConnection, desc webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", domain.ErrConnectivity, desc.Type, err)
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for i, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			s.logger.Warnw("failed to apply buffered candidate",
				"index", i,
				"candidate", candidate.Candidate,
				"error", err,
			)
			continue
		}
		s.mu.Lock()
		s.applied++
		s.mu.Unlock()
	}

	if len(pending) > 0 {
		s.logger.Debugw("replayed buffered candidates", "count", len(pending))
	}
	return nil
}

func (s *Session) usable(ctx context.Context) (ports.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrSessionClosed
	}
	if s.pc == nil {
		return nil, fmt.Errorf("%w: session not open", domain.ErrInvalidState)
	}
	return s.pc, nil
}

// SetAudioEnabled toggles the local audio tracks.
func (s *Session) SetAudioEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.lease == nil {
		return fmt.Errorf("%w: no local stream", domain.ErrInvalidState)
	}
	s.lease.Stream().SetAudioEnabled(enabled)
	return nil
}

func (s *Session) remoteDescriptionSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSet
}

// pendingCandidates is the number of buffered remote candidates.
func (s *Session) pendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// appliedCandidates is the number of remote candidates handed to the peer
// connection.
func (s *Session) appliedCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// takePending removes and returns the buffered remote candidates.
func (s *Session) takePending() []webrtc.ICECandidateInit {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = nil
	return pending
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the connection and the media lease. It is idempotent and
// safe on a nil or never-opened session.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pc, lease := s.pc, s.lease
	s.pc, s.lease = nil, nil
	s.pending = nil
	s.mu.Unlock()

	var err error
	if pc != nil {
		err = pc.Close()
	}
	lease.Release()
	return err
}

func (s *Session) handleLocalCandidate(candidate *webrtc.ICECandidateInit) {
	if candidate == nil || s.Closed() {
		return
	}
	if s.callbacks.OnLocalCandidate != nil {
		s.callbacks.OnLocalCandidate(*candidate)
	}
}

func (s *Session) handleRemoteTrack(track domain.RemoteTrack) {
	if s.Closed() {
		return
	}
	if s.callbacks.OnRemoteTrack != nil {
		s.callbacks.OnRemoteTrack(track)
	}
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if state == webrtc.PeerConnectionStateConnected {
		s.connected = true
	}
	s.mu.Unlock()

	if s.callbacks.OnConnectionState != nil {
		s.callbacks.OnConnectionState(state)
	}
}
