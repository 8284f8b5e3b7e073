package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type CallConfig struct {
	// RingTimeout abandons a pending call. Zero disables it.
	RingTimeout time.Duration
	// SendDecline emits declineCall on decline and busy rejection.
	SendDecline bool
	// GlareAutoAccept accepts the peer's offer after yielding a glare.
	GlareAutoAccept bool
	// CandidateEvent is the outbound event name for local candidates.
	CandidateEvent string
	QueueSize      int
}

func DefaultCallConfig() CallConfig {
	return CallConfig{
		RingTimeout:     45 * time.Second,
		SendDecline:     false,
		GlareAutoAccept: true,
		CandidateEvent:  domain.EventCandidate,
		QueueSize:       128,
	}
}

type CallMachineOption func(*CallMachine)

func WithObserver(observer ports.CallObserver) CallMachineOption {
	return func(m *CallMachine) {
		if observer != nil {
			m.observer = observer
		}
	}
}

func WithCallMetrics(metrics ports.CallMetrics) CallMachineOption {
	return func(m *CallMachine) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// CallMachine drives at most one call. Every transition runs on the Run
// goroutine: commands, transport events, session callbacks, negotiation
// results and timers are all posted to one inbox.
type CallMachine struct {
	local     domain.ParticipantID
	transport ports.Transport
	factory   ports.PeerConnectionFactory
	media     *MediaManager
	observer  ports.CallObserver
	metrics   ports.CallMetrics
	cfg       CallConfig

	inbox    chan loopEvent
	done     chan struct{}
	started  atomic.Bool
	snapshot atomic.Pointer[domain.CallSnapshot]

	// loop goroutine only
	ctx     context.Context
	state   domain.CallState
	call    *callRecord
	lastEnd domain.EndReason
	lastErr error

	logger *zap.SugaredLogger
}

var _ ports.CallController = (*CallMachine)(nil)

func NewCallMachine(
	local domain.ParticipantID,
	transport ports.Transport,
	factory ports.PeerConnectionFactory,
	media *MediaManager,
	cfg CallConfig,
	logger *zap.SugaredLogger,
	opts ...CallMachineOption,
) *CallMachine {
	if cfg.CandidateEvent == "" {
		cfg.CandidateEvent = domain.EventCandidate
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultCallConfig().QueueSize
	}

	m := &CallMachine{
		local:     local,
		transport: transport,
		factory:   factory,
		media:     media,
		observer:  noopObserver{},
		metrics:   noopCallMetrics{},
		cfg:       cfg,
		inbox:     make(chan loopEvent, cfg.QueueSize),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		state:     domain.CallStateIdle,
		logger:    logger.With("participant_id", local),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.publish()
	return m
}

// callRecord is the CallSession entity plus the bookkeeping the loop needs
// around it.
type callRecord struct {
	id        domain.CallID
	direction domain.Direction
	remote    domain.ParticipantID
	offer     *webrtc.SessionDescription
	session   *Session

	negotiating bool
	signaled    bool
	answered    bool
	muted       bool
	// the remote offered at the same time and yielded to our offer
	glared bool

	// remote candidates held while no session can take them, in receipt order
	early []webrtc.ICECandidateInit
	// local candidates held until our description has been sent
	outbound []webrtc.ICECandidateInit

	startedAt   time.Time
	activeAt    time.Time
	connectedAt time.Time
	timer       *time.Timer
}

type loopEvent interface{ loopEvent() }

type commandKind int

const (
	cmdStart commandKind = iota
	cmdAccept
	cmdDecline
	cmdCancel
	cmdEnd
	cmdHangup
	cmdToggleMute
)

func (k commandKind) String() string {
	switch k {
	case cmdStart:
		return "start"
	case cmdAccept:
		return "accept"
	case cmdDecline:
		return "decline"
	case cmdCancel:
		return "cancel"
	case cmdEnd:
		return "end"
	case cmdHangup:
		return "hangup"
	case cmdToggleMute:
		return "toggle_mute"
	}
	return "unknown"
}

type commandResult struct {
	callID domain.CallID
	muted  bool
	err    error
}

type negotiationStep int

const (
	stepOffer negotiationStep = iota
	stepAnswer
	stepApplyAnswer
)

type (
	commandEvent struct {
		kind  commandKind
		to    domain.ParticipantID
		reply chan commandResult
	}
	signalEvent struct {
		event domain.SignalingEvent
	}
	relayErrorEvent struct {
		payload domain.RelayErrorPayload
	}
	negotiationEvent struct {
		callID domain.CallID
		step   negotiationStep
		desc   webrtc.SessionDescription
		err    error
	}
	localCandidateEvent struct {
		callID    domain.CallID
		candidate webrtc.ICECandidateInit
	}
	remoteTrackEvent struct {
		callID domain.CallID
		track  domain.RemoteTrack
	}
	connectionStateEvent struct {
		callID domain.CallID
		state  webrtc.PeerConnectionState
	}
	ringTimeoutEvent struct {
		callID domain.CallID
	}
)

func (commandEvent) loopEvent()         {}
func (signalEvent) loopEvent()          {}
func (relayErrorEvent) loopEvent()      {}
func (negotiationEvent) loopEvent()     {}
func (localCandidateEvent) loopEvent()  {}
func (remoteTrackEvent) loopEvent()     {}
func (connectionStateEvent) loopEvent() {}
func (ringTimeoutEvent) loopEvent()     {}

// Run registers the signaling handlers and processes events until ctx is
// done. An ongoing call is torn down on exit.
func (m *CallMachine) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: call machine already running", domain.ErrInvalidState)
	}

	unsubscribe, err := m.subscribe()
	if err != nil {
		close(m.done)
		return err
	}
	defer unsubscribe()
	defer close(m.done)

	m.ctx = ctx
	m.logger.Infow("call machine started")

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			m.logger.Infow("call machine stopped")
			return nil
		case ev := <-m.inbox:
			m.dispatch(ev)
		}
	}
}

func (m *CallMachine) subscribe() (func(), error) {
	var unsubs []func()
	unsubscribe := func() {
		for _, u := range unsubs {
			u()
		}
	}

	events := []string{
		domain.EventOffer,
		domain.EventAnswer,
		domain.EventCandidate,
		domain.EventCandidateLegacy,
		domain.EventEndCall,
		domain.EventDecline,
	}
	for _, name := range events {
		u, err := m.transport.On(name, m.signalHandler(name))
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", name, err)
		}
		unsubs = append(unsubs, u)
	}

	u, err := m.transport.On(domain.EventError, m.relayErrorHandler)
	if err != nil {
		unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", domain.EventError, err)
	}
	unsubs = append(unsubs, u)

	return unsubscribe, nil
}

func (m *CallMachine) signalHandler(name string) ports.EventHandler {
	return func(data json.RawMessage) {
		ev, err := domain.DecodeSignalingEvent(name, data)
		if err != nil {
			m.logger.Warnw("dropping malformed signaling event", "event", name, "error", err)
			return
		}
		m.post(signalEvent{event: ev})
	}
}

func (m *CallMachine) relayErrorHandler(data json.RawMessage) {
	var payload domain.RelayErrorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		m.logger.Warnw("dropping malformed relay error", "error", err)
		return
	}
	m.post(relayErrorEvent{payload: payload})
}

func (m *CallMachine) post(ev loopEvent) {
	select {
	case m.inbox <- ev:
	case <-m.done:
	}
}

func (m *CallMachine) dispatch(ev loopEvent) {
	switch e := ev.(type) {
	case commandEvent:
		res := m.handleCommand(e)
		m.publish()
		e.reply <- res
		return
	case signalEvent:
		accepted := m.handleSignal(e.event)
		m.metrics.SignalReceived(e.event.Kind, accepted)
		if !accepted {
			m.logger.Debugw("ignoring signaling event",
				"kind", e.event.Kind,
				"from", e.event.From,
				"state", m.state.String(),
			)
		}
	case relayErrorEvent:
		m.handleRelayError(e.payload)
	case negotiationEvent:
		m.handleNegotiation(e)
	case localCandidateEvent:
		m.handleLocalCandidate(e)
	case remoteTrackEvent:
		if rec := m.current(e.callID); rec != nil {
			m.logger.Infow("remote track received", "call_id", rec.id, "track_id", e.track.ID, "kind", e.track.Kind)
			m.observer.OnRemoteTrack(rec.id, e.track)
		}
	case connectionStateEvent:
		m.handleConnectionState(e)
	case ringTimeoutEvent:
		m.handleRingTimeout(e.callID)
	}
	m.publish()
}

// current returns the tracked call if it is the one id refers to.
func (m *CallMachine) current(id domain.CallID) *callRecord {
	if m.call == nil || m.call.id != id {
		return nil
	}
	return m.call
}

// Local commands

func (m *CallMachine) do(ctx context.Context, kind commandKind, to domain.ParticipantID) commandResult {
	ctx, span := tracing.TraceCall(ctx, kind.String(), string(m.local), string(to))
	defer span.End()

	cmd := commandEvent{kind: kind, to: to, reply: make(chan commandResult, 1)}

	select {
	case m.inbox <- cmd:
	case <-m.done:
		return commandResult{err: domain.ErrMachineStopped}
	case <-ctx.Done():
		return commandResult{err: ctx.Err()}
	}

	var res commandResult
	select {
	case res = <-cmd.reply:
	case <-m.done:
		res = commandResult{err: domain.ErrMachineStopped}
	case <-ctx.Done():
		res = commandResult{err: ctx.Err()}
	}
	if res.err != nil {
		tracing.RecordError(ctx, res.err)
	}
	return res
}

// StartCall opens a session towards to and sends the offer. It returns once
// the machine entered OutgoingPending; negotiation continues in the
// background.
func (m *CallMachine) StartCall(ctx context.Context, to domain.ParticipantID) (domain.CallID, error) {
	res := m.do(ctx, cmdStart, to)
	return res.callID, res.err
}

// Accept answers the pending incoming call. The machine reaches Active once
// the answer has been sent.
func (m *CallMachine) Accept(ctx context.Context) error {
	return m.do(ctx, cmdAccept, "").err
}

func (m *CallMachine) Decline(ctx context.Context) error {
	return m.do(ctx, cmdDecline, "").err
}

func (m *CallMachine) Cancel(ctx context.Context) error {
	return m.do(ctx, cmdCancel, "").err
}

func (m *CallMachine) EndCall(ctx context.Context) error {
	return m.do(ctx, cmdEnd, "").err
}

// Hangup cancels, declines or ends depending on the current state.
func (m *CallMachine) Hangup(ctx context.Context) error {
	return m.do(ctx, cmdHangup, "").err
}

// ToggleMute flips the local audio tracks and returns the new muted flag.
func (m *CallMachine) ToggleMute(ctx context.Context) (bool, error) {
	res := m.do(ctx, cmdToggleMute, "")
	return res.muted, res.err
}

func (m *CallMachine) Local() domain.ParticipantID {
	return m.local
}

// Snapshot returns the state as of the last processed event. Safe from any
// goroutine.
func (m *CallMachine) Snapshot() domain.CallSnapshot {
	if s := m.snapshot.Load(); s != nil {
		return *s
	}
	return domain.CallSnapshot{State: domain.CallStateIdle, Local: m.local}
}

func (m *CallMachine) handleCommand(cmd commandEvent) commandResult {
	var res commandResult
	switch cmd.kind {
	case cmdStart:
		res.callID, res.err = m.startCall(cmd.to)
	case cmdAccept:
		res.err = m.accept()
	case cmdDecline:
		res.err = m.decline()
	case cmdCancel:
		res.err = m.cancel()
	case cmdEnd:
		res.err = m.endCall()
	case cmdHangup:
		res.err = m.hangup()
	case cmdToggleMute:
		res.muted, res.err = m.toggleMute()
	}

	if res.err != nil {
		m.logger.Warnw("call command rejected",
			"command", cmd.kind.String(),
			"state", m.state.String(),
			"error", res.err,
		)
	}
	return res
}

func (m *CallMachine) invalid(action string) error {
	return fmt.Errorf("%w: cannot %s while %s", domain.ErrInvalidState, action, m.state)
}

func (m *CallMachine) startCall(to domain.ParticipantID) (domain.CallID, error) {
	if to == "" || to == m.local {
		return "", fmt.Errorf("%w: cannot call %q", domain.ErrInvalidParticipant, to)
	}
	if m.state != domain.CallStateIdle {
		return "", m.invalid("start a call")
	}

	rec := m.newRecord(domain.DirectionOutgoing, to)
	rec.session = m.newSession(rec.id)
	rec.negotiating = true
	m.call = rec

	m.metrics.CallStarted(rec.direction)
	m.setState(domain.CallStateOutgoingPending)
	m.armRingTimer(rec)

	go m.negotiateOffer(rec.id, rec.session)
	return rec.id, nil
}

func (m *CallMachine) accept() error {
	if m.state != domain.CallStateIncomingPending {
		return m.invalid("accept")
	}
	rec := m.call
	if rec.negotiating {
		return fmt.Errorf("%w: accept already in progress", domain.ErrInvalidState)
	}

	m.lastErr = nil
	rec.session = m.newSession(rec.id)
	rec.negotiating = true
	go m.negotiateAnswer(rec.id, rec.session, *rec.offer)
	return nil
}

func (m *CallMachine) decline() error {
	if m.state != domain.CallStateIncomingPending {
		return m.invalid("decline")
	}
	if m.cfg.SendDecline {
		m.emitBestEffort(domain.NewDecline(m.call.remote, domain.EndReasonDeclined))
	}
	m.teardown(domain.EndReasonDeclined, nil, false)
	return nil
}

func (m *CallMachine) cancel() error {
	if m.state != domain.CallStateOutgoingPending {
		return m.invalid("cancel")
	}
	m.teardown(domain.EndReasonCancelled, nil, true)
	return nil
}

func (m *CallMachine) endCall() error {
	if m.state != domain.CallStateActive {
		return m.invalid("end the call")
	}
	m.teardown(domain.EndReasonLocalHangup, nil, true)
	return nil
}

func (m *CallMachine) hangup() error {
	switch m.state {
	case domain.CallStateOutgoingPending:
		return m.cancel()
	case domain.CallStateIncomingPending:
		return m.decline()
	case domain.CallStateActive:
		return m.endCall()
	}
	return m.invalid("hang up")
}

func (m *CallMachine) toggleMute() (bool, error) {
	rec := m.call
	if m.state != domain.CallStateActive || rec == nil || rec.session == nil || rec.negotiating {
		return false, m.invalid("toggle mute")
	}
	if err := rec.session.SetAudioEnabled(rec.muted); err != nil {
		return rec.muted, err
	}
	rec.muted = !rec.muted
	return rec.muted, nil
}

// Negotiation runs off the loop; results come back as negotiationEvents.

func (m *CallMachine) negotiateOffer(id domain.CallID, session *Session) {
	if _, err := session.Open(m.ctx, m.media); err != nil {
		m.post(negotiationEvent{callID: id, step: stepOffer, err: err})
		return
	}
	offer, err := session.CreateOffer(m.ctx)
	m.post(negotiationEvent{callID: id, step: stepOffer, desc: offer, err: err})
}

func (m *CallMachine) negotiateAnswer(id domain.CallID, session *Session, offer webrtc.SessionDescription) {
	if _, err := session.Open(m.ctx, m.media); err != nil {
		m.post(negotiationEvent{callID: id, step: stepAnswer, err: err})
		return
	}
	answer, err := session.CreateAnswer(m.ctx, offer)
	m.post(negotiationEvent{callID: id, step: stepAnswer, desc: answer, err: err})
}

func (m *CallMachine) applyAnswer(id domain.CallID, session *Session, answer webrtc.SessionDescription) {
	err := session.ApplyRemoteAnswer(m.ctx, answer)
	m.post(negotiationEvent{callID: id, step: stepApplyAnswer, err: err})
}

func (m *CallMachine) handleNegotiation(e negotiationEvent) {
	rec := m.current(e.callID)
	if rec == nil {
		m.logger.Debugw("discarding stale negotiation result", "call_id", e.callID, "error", e.err)
		return
	}
	rec.negotiating = false

	switch e.step {
	case stepOffer:
		if m.state != domain.CallStateOutgoingPending {
			return
		}
		if e.err != nil {
			m.failNegotiation(e.err)
			return
		}
		if err := m.emit(domain.NewOffer(m.local, rec.remote, e.desc)); err != nil {
			m.teardown(domain.EndReasonTransportFailed, err, false)
			return
		}
		rec.signaled = true
		m.flushLocalCandidates(rec)
		m.drainRemoteCandidates(rec)

	case stepAnswer:
		if m.state != domain.CallStateIncomingPending {
			return
		}
		if e.err != nil {
			if errors.Is(e.err, domain.ErrMediaAcquisition) {
				// stay ringing so the user can retry accept
				rec.session.Close()
				rec.session = nil
				m.lastErr = e.err
				m.observer.OnCallError(rec.id, e.err)
				return
			}
			m.failNegotiation(e.err)
			return
		}
		if err := m.emit(domain.NewAnswer(rec.remote, e.desc)); err != nil {
			m.teardown(domain.EndReasonTransportFailed, err, false)
			return
		}
		rec.signaled = true
		m.becomeActive(rec)
		m.flushLocalCandidates(rec)
		m.drainRemoteCandidates(rec)

	case stepApplyAnswer:
		if m.state != domain.CallStateOutgoingPending {
			return
		}
		if e.err != nil {
			m.failNegotiation(e.err)
			return
		}
		m.becomeActive(rec)
		m.drainRemoteCandidates(rec)
	}
}

func (m *CallMachine) failNegotiation(err error) {
	rec := m.call
	reason := domain.EndReasonConnectivityFailed
	if errors.Is(err, domain.ErrMediaAcquisition) {
		reason = domain.EndReasonMediaUnavailable
	}
	notify := rec.signaled || rec.direction == domain.DirectionIncoming
	m.teardown(reason, err, notify)
}

func (m *CallMachine) becomeActive(rec *callRecord) {
	if rec.timer != nil {
		rec.timer.Stop()
	}
	rec.activeAt = time.Now()
	m.setState(domain.CallStateActive)
}

// Inbound signaling. Each handler reports whether the event was applied.

func (m *CallMachine) handleSignal(ev domain.SignalingEvent) bool {
	if ev.To != "" && ev.To != m.local {
		return false
	}
	switch ev.Kind {
	case domain.SignalOffer:
		return m.onOffer(ev)
	case domain.SignalAnswer:
		return m.onAnswer(ev)
	case domain.SignalCandidate:
		return m.onRemoteCandidate(ev)
	case domain.SignalEndCall:
		return m.onRemoteEnd(ev)
	case domain.SignalDecline:
		return m.onDecline(ev)
	}
	return false
}

// fromRemote matches the sender against the tracked call. Relays that do
// not stamp senders leave From empty; that is accepted.
func (m *CallMachine) fromRemote(ev domain.SignalingEvent) bool {
	return m.call != nil && (ev.From == "" || ev.From == m.call.remote)
}

func (m *CallMachine) onOffer(ev domain.SignalingEvent) bool {
	if ev.From == "" || ev.From == m.local {
		return false
	}

	switch m.state {
	case domain.CallStateIdle:
		rec := m.newRecord(domain.DirectionIncoming, ev.From)
		rec.offer = ev.Description
		m.call = rec
		m.metrics.CallStarted(rec.direction)
		m.setState(domain.CallStateIncomingPending)
		m.armRingTimer(rec)
		return true

	case domain.CallStateIncomingPending:
		rec := m.call
		if ev.From != rec.remote {
			m.rejectBusy(ev.From)
			return false
		}
		if rec.negotiating || rec.session != nil {
			return false
		}
		if rec.offer.SDP != ev.Description.SDP {
			// the caller restarted negotiation; its earlier candidates are void
			rec.early = nil
		}
		rec.offer = ev.Description
		return true

	case domain.CallStateOutgoingPending:
		if ev.From != m.call.remote {
			m.rejectBusy(ev.From)
			return false
		}
		return m.resolveGlare(ev)
	}

	if ev.From != m.call.remote {
		m.rejectBusy(ev.From)
	}
	return false
}

// resolveGlare handles both sides calling each other at once. The lower
// participant id keeps its offer; the other side drops its own and answers.
func (m *CallMachine) resolveGlare(ev domain.SignalingEvent) bool {
	if m.local < ev.From {
		rec := m.call
		m.logger.Infow("glare: keeping local offer", "call_id", rec.id, "remote", ev.From)
		// Candidates the remote sends before its answer belong to the offer
		// it is abandoning.
		rec.glared = true
		rec.early = nil
		if rec.session != nil {
			rec.session.takePending()
		}
		return false
	}

	prev := m.call
	m.logger.Infow("glare: yielding to remote offer", "call_id", prev.id, "remote", ev.From)

	if prev.timer != nil {
		prev.timer.Stop()
	}
	early := append(prev.early, prev.session.takePending()...)
	if err := prev.session.Close(); err != nil {
		m.logger.Warnw("failed to close yielded session", "call_id", prev.id, "error", err)
	}

	rec := m.newRecord(domain.DirectionIncoming, ev.From)
	rec.offer = ev.Description
	rec.early = early
	rec.startedAt = prev.startedAt
	m.call = rec
	m.setState(domain.CallStateIncomingPending)
	m.armRingTimer(rec)

	if m.cfg.GlareAutoAccept {
		if err := m.accept(); err != nil {
			m.logger.Warnw("glare auto-accept failed", "call_id", rec.id, "error", err)
		}
	}
	return true
}

func (m *CallMachine) rejectBusy(from domain.ParticipantID) {
	m.logger.Infow("rejecting offer while busy", "from", from, "state", m.state.String())
	if m.cfg.SendDecline {
		m.emitBestEffort(domain.NewDecline(from, domain.EndReasonBusy))
	}
}

func (m *CallMachine) onAnswer(ev domain.SignalingEvent) bool {
	if m.state != domain.CallStateOutgoingPending || !m.fromRemote(ev) {
		return false
	}
	rec := m.call
	if !rec.signaled || rec.negotiating || rec.answered {
		return false
	}

	rec.answered = true
	rec.negotiating = true
	go m.applyAnswer(rec.id, rec.session, *ev.Description)
	return true
}

func (m *CallMachine) onRemoteCandidate(ev domain.SignalingEvent) bool {
	if m.state == domain.CallStateIdle || !m.fromRemote(ev) {
		return false
	}

	rec := m.call
	if rec.glared && !rec.answered {
		m.logger.Debugw("dropping candidate for yielded offer", "call_id", rec.id, "remote", rec.remote)
		return false
	}
	if rec.session == nil || rec.negotiating {
		rec.early = append(rec.early, *ev.Candidate)
		m.metrics.CandidatesBuffered(len(rec.early))
		return true
	}
	if err := rec.session.AddRemoteCandidate(*ev.Candidate); err != nil {
		m.logger.Warnw("failed to add remote candidate", "call_id", rec.id, "error", err)
	}
	return true
}

func (m *CallMachine) onRemoteEnd(ev domain.SignalingEvent) bool {
	if m.state == domain.CallStateIdle || !m.fromRemote(ev) {
		return false
	}
	reason := domain.EndReasonRemoteHangup
	if m.state == domain.CallStateIncomingPending {
		reason = domain.EndReasonCancelled
	}
	m.teardown(reason, nil, false)
	return true
}

func (m *CallMachine) onDecline(ev domain.SignalingEvent) bool {
	if m.state != domain.CallStateOutgoingPending || !m.fromRemote(ev) {
		return false
	}
	reason := domain.EndReasonDeclined
	if ev.Reason == domain.EndReasonBusy {
		reason = domain.EndReasonBusy
	}
	m.teardown(reason, nil, false)
	return true
}

func (m *CallMachine) handleRelayError(p domain.RelayErrorPayload) {
	m.logger.Warnw("relay reported error", "code", p.Code, "event", p.Event, "to", p.To, "message", p.Message)

	if m.state != domain.CallStateOutgoingPending || p.Event != domain.EventOffer || p.To != m.call.remote {
		return
	}
	m.teardown(domain.EndReasonUnreachable, &domain.OfflineError{Participant: p.To}, false)
}

// Session callbacks

func (m *CallMachine) newSession(id domain.CallID) *Session {
	return NewSession(m.factory, m.local, SessionCallbacks{
		OnLocalCandidate: func(candidate webrtc.ICECandidateInit) {
			m.post(localCandidateEvent{callID: id, candidate: candidate})
		},
		OnRemoteTrack: func(track domain.RemoteTrack) {
			m.post(remoteTrackEvent{callID: id, track: track})
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			m.post(connectionStateEvent{callID: id, state: state})
		},
	}, m.logger.With("call_id", id))
}

func (m *CallMachine) handleLocalCandidate(e localCandidateEvent) {
	rec := m.current(e.callID)
	if rec == nil {
		return
	}
	if !rec.signaled {
		rec.outbound = append(rec.outbound, e.candidate)
		return
	}
	m.emitBestEffort(domain.NewCandidate(rec.remote, e.candidate))
}

func (m *CallMachine) flushLocalCandidates(rec *callRecord) {
	for _, candidate := range rec.outbound {
		m.emitBestEffort(domain.NewCandidate(rec.remote, candidate))
	}
	rec.outbound = nil
}

func (m *CallMachine) drainRemoteCandidates(rec *callRecord) {
	if rec.session == nil {
		return
	}
	for _, candidate := range rec.early {
		if err := rec.session.AddRemoteCandidate(candidate); err != nil {
			m.logger.Warnw("failed to add remote candidate", "call_id", rec.id, "error", err)
		}
	}
	rec.early = nil
}

func (m *CallMachine) handleConnectionState(e connectionStateEvent) {
	rec := m.current(e.callID)
	if rec == nil {
		return
	}
	m.logger.Infow("peer connection state changed", "call_id", rec.id, "connection_state", e.state.String())

	switch e.state {
	case webrtc.PeerConnectionStateConnected:
		if rec.connectedAt.IsZero() {
			rec.connectedAt = time.Now()
			m.metrics.CallConnected(rec.direction, rec.connectedAt.Sub(rec.startedAt))
		}
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		err := fmt.Errorf("%w: peer connection %s", domain.ErrConnectivity, e.state)
		m.teardown(domain.EndReasonConnectivityFailed, err, true)
	}
}

func (m *CallMachine) handleRingTimeout(id domain.CallID) {
	rec := m.current(id)
	if rec == nil {
		return
	}
	switch m.state {
	case domain.CallStateOutgoingPending:
		m.teardown(domain.EndReasonTimeout, nil, true)
	case domain.CallStateIncomingPending:
		m.teardown(domain.EndReasonTimeout, nil, false)
	}
}

func (m *CallMachine) armRingTimer(rec *callRecord) {
	if m.cfg.RingTimeout <= 0 {
		return
	}
	id := rec.id
	rec.timer = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.post(ringTimeoutEvent{callID: id})
	})
}

// Teardown

// teardown ends the tracked call. notify sends endCall to the remote side
// without waiting on the result.
func (m *CallMachine) teardown(reason domain.EndReason, err error, notify bool) {
	rec := m.call
	if rec == nil {
		return
	}

	if notify {
		m.emitBestEffort(domain.NewEndCall(rec.remote))
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	if rec.muted && rec.session != nil {
		_ = rec.session.SetAudioEnabled(true)
	}
	if cerr := rec.session.Close(); cerr != nil {
		m.logger.Warnw("failed to close session", "call_id", rec.id, "error", cerr)
	}

	var duration time.Duration
	if !rec.activeAt.IsZero() {
		duration = time.Since(rec.activeAt)
	}
	m.metrics.CallEnded(reason, duration)

	m.lastEnd = reason
	m.lastErr = err
	m.logger.Infow("call ended",
		"call_id", rec.id,
		"remote", rec.remote,
		"reason", reason,
		"duration", duration,
		"error", err,
	)

	m.setState(domain.CallStateEnded)
	m.call = nil
	m.setState(domain.CallStateIdle)

	if err != nil {
		m.observer.OnCallError(rec.id, err)
	}
}

func (m *CallMachine) shutdown() {
	rec := m.call
	if rec == nil {
		return
	}
	notify := m.state == domain.CallStateActive || rec.signaled
	m.teardown(domain.EndReasonShutdown, nil, notify)
}

// Emission

func (m *CallMachine) eventName(kind domain.SignalKind) string {
	switch kind {
	case domain.SignalOffer:
		return domain.EventOffer
	case domain.SignalAnswer:
		return domain.EventAnswer
	case domain.SignalCandidate:
		return m.cfg.CandidateEvent
	case domain.SignalEndCall:
		return domain.EventEndCall
	case domain.SignalDecline:
		return domain.EventDecline
	}
	return string(kind)
}

func (m *CallMachine) emit(ev domain.SignalingEvent) error {
	payload, err := ev.Payload()
	if err != nil {
		return err
	}
	// teardown during shutdown still gets to queue its endCall
	ctx := context.WithoutCancel(m.ctx)
	if err := m.transport.Emit(ctx, m.eventName(ev.Kind), payload); err != nil {
		return fmt.Errorf("emit %s: %w", ev.Kind, err)
	}
	m.metrics.SignalSent(ev.Kind)
	return nil
}

func (m *CallMachine) emitBestEffort(ev domain.SignalingEvent) {
	if err := m.emit(ev); err != nil {
		m.logger.Warnw("failed to send signaling event", "kind", ev.Kind, "to", ev.To, "error", err)
	}
}

// State publication

func (m *CallMachine) newRecord(direction domain.Direction, remote domain.ParticipantID) *callRecord {
	m.lastEnd = ""
	m.lastErr = nil
	return &callRecord{
		id:        domain.NewCallID(),
		direction: direction,
		remote:    remote,
		startedAt: time.Now(),
	}
}

func (m *CallMachine) setState(next domain.CallState) {
	if m.state == next {
		return
	}
	callID := domain.CallID("")
	if m.call != nil {
		callID = m.call.id
	}
	m.logger.Infow("call state changed", "call_id", callID, "from", m.state.String(), "to", next.String())

	m.state = next
	snapshot := m.publish()
	m.observer.OnStateChange(snapshot)
}

func (m *CallMachine) publish() domain.CallSnapshot {
	s := domain.CallSnapshot{
		State:     m.state,
		Local:     m.local,
		EndReason: m.lastEnd,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	if rec := m.call; rec != nil {
		s.CallID = rec.id
		s.Direction = rec.direction
		s.Remote = rec.remote
		s.StartedAt = rec.startedAt
		s.ConnectedAt = rec.connectedAt
		s.Muted = rec.muted
		if m.state != domain.CallStateEnded {
			s.EndReason = ""
		}
	}
	m.snapshot.Store(&s)
	return s
}
