package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLogger = zap.NewNop().Sugar()

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

// Peer connection

type fakePeerConnection struct {
	mu sync.Mutex

	name       string
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	remoteSets int
	applied    []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	closes     int

	// emitted from SetLocalDescription, like a real agent starting to gather
	gather []webrtc.ICECandidateInit

	remoteErr error

	onCandidate func(*webrtc.ICECandidateInit)
	onTrack     func(domain.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePeerConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- " + p.name + " offer\r\n"}, nil
}

func (p *fakePeerConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=- " + p.name + " answer\r\n"}, nil
}

func (p *fakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	gather := p.gather
	onCandidate := p.onCandidate
	p.mu.Unlock()

	if onCandidate != nil {
		for i := range gather {
			c := gather[i]
			onCandidate(&c)
		}
		onCandidate(nil)
	}
	return nil
}

func (p *fakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &desc
	p.remoteSets++
	return nil
}

func (p *fakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.applied = append(p.applied, candidate)
	return nil
}

func (p *fakePeerConnection) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *fakePeerConnection) OnTrack(fn func(domain.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeerConnection) Close() error {
	p.mu.Lock()
	p.closes++
	onState := p.onState
	p.mu.Unlock()

	// a real peer connection reports closed from inside Close
	if onState != nil {
		onState(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (p *fakePeerConnection) setState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	onState := p.onState
	p.mu.Unlock()
	onState(state)
}

func (p *fakePeerConnection) deliverTrack(track domain.RemoteTrack) {
	p.mu.Lock()
	onTrack := p.onTrack
	p.mu.Unlock()
	onTrack(track)
}

func (p *fakePeerConnection) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.applied))
	for _, c := range p.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePeerConnection) remoteSetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets
}

func (p *fakePeerConnection) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakeFactory struct {
	mu      sync.Mutex
	name    string
	gather  []webrtc.ICECandidateInit
	created []*fakePeerConnection
	err     error
}

func (f *fakeFactory) NewPeerConnection(ctx context.Context) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePeerConnection{
		name:   fmt.Sprintf("%s-%d", f.name, len(f.created)),
		gather: f.gather,
	}
	f.created = append(f.created, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) at(i int) *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func (f *fakeFactory) last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// Media

type fakeStream struct {
	mu     sync.Mutex
	id     string
	tracks []webrtc.TrackLocal
	audio  bool
	stops  int
}

func (s *fakeStream) ID() string                  { return s.id }
func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *fakeStream) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = enabled
}

func (s *fakeStream) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *fakeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	calls   int
	streams []*fakeStream
}

func (m *fakeMedia) GetUserMedia(ctx context.Context) (ports.LocalStream, error) {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}

	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "fake")
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "fake")
	if err != nil {
		return nil, err
	}

	stream := &fakeStream{
		id:     fmt.Sprintf("stream-%d", m.calls),
		tracks: []webrtc.TrackLocal{audio, video},
		audio:  true,
	}
	m.streams = append(m.streams, stream)
	return stream, nil
}

func (m *fakeMedia) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *fakeMedia) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *fakeMedia) stream(i int) *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.streams) {
		return nil
	}
	return m.streams[i]
}

// Transport

type sentEvent struct {
	From  domain.ParticipantID
	To    domain.ParticipantID
	Event string
	Data  json.RawMessage
}

// fakeBus relays between fakeTransports the way the relay server does:
// route by "to", stamp "from", keep per-recipient order. Sent payloads are
// recorded as the sender produced them.
type fakeBus struct {
	mu     sync.Mutex
	peers  map[domain.ParticipantID]*fakeTransport
	sent   []sentEvent
	drop   func(sentEvent) bool
	paused bool
	held   []sentEvent
}

func newFakeBus() *fakeBus {
	return &fakeBus{peers: make(map[domain.ParticipantID]*fakeTransport)}
}

func (b *fakeBus) join(t *testing.T, id domain.ParticipantID) *fakeTransport {
	tr := &fakeTransport{
		id:       id,
		bus:      b,
		handlers: make(map[string]ports.EventHandler),
		queue:    make(chan sentEvent, 512),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	b.peers[id] = tr
	b.mu.Unlock()

	go tr.deliverLoop()
	t.Cleanup(func() { close(tr.done) })
	return tr
}

func (b *fakeBus) setDrop(fn func(sentEvent) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop = fn
}

// pause holds deliveries until resume.
func (b *fakeBus) pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

func (b *fakeBus) resume() {
	b.mu.Lock()
	held := b.held
	b.held = nil
	b.paused = false
	b.mu.Unlock()

	for _, ev := range held {
		b.deliver(ev)
	}
}

// inject delivers an event as if from had sent it. An empty from stands for
// the relay itself.
func (b *fakeBus) inject(from, to domain.ParticipantID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	b.deliver(sentEvent{From: from, To: to, Event: event, Data: data})
}

func (b *fakeBus) route(ev sentEvent) {
	b.mu.Lock()
	b.sent = append(b.sent, ev)
	if b.drop != nil && b.drop(ev) {
		b.mu.Unlock()
		return
	}
	if b.paused {
		b.held = append(b.held, ev)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.deliver(ev)
}

func (b *fakeBus) deliver(ev sentEvent) {
	b.mu.Lock()
	recipient := b.peers[ev.To]
	b.mu.Unlock()
	if recipient == nil {
		return
	}
	if ev.From != "" {
		ev.Data = stampFrom(ev.Data, ev.From)
	}
	recipient.queue <- ev
}

func (b *fakeBus) sentBy(from domain.ParticipantID, event string) []sentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentEvent
	for _, ev := range b.sent {
		if ev.From == from && ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func stampFrom(data json.RawMessage, from domain.ParticipantID) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return data
	}
	fields["from"], _ = json.Marshal(from)
	out, _ := json.Marshal(fields)
	return out
}

type fakeTransport struct {
	id  domain.ParticipantID
	bus *fakeBus

	mu       sync.Mutex
	handlers map[string]ports.EventHandler
	emitErr  error

	queue chan sentEvent
	done  chan struct{}
}

func (t *fakeTransport) Emit(ctx context.Context, event string, payload any) error {
	t.mu.Lock()
	emitErr := t.emitErr
	t.mu.Unlock()
	if emitErr != nil {
		return emitErr
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var target struct {
		To domain.ParticipantID `json:"to"`
	}
	if err := json.Unmarshal(data, &target); err != nil {
		return err
	}
	t.bus.route(sentEvent{From: t.id, To: target.To, Event: event, Data: data})
	return nil
}

func (t *fakeTransport) On(event string, handler ports.EventHandler) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[event]; ok {
		return nil, domain.ErrHandlerRegistered
	}
	t.handlers[event] = handler
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, event)
	}, nil
}

func (t *fakeTransport) handlerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers)
}

func (t *fakeTransport) setEmitErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitErr = err
}

func (t *fakeTransport) deliverLoop() {
	for {
		select {
		case <-t.done:
			return
		case ev := <-t.queue:
			t.mu.Lock()
			handler := t.handlers[ev.Event]
			t.mu.Unlock()
			if handler != nil {
				handler(ev.Data)
			}
		}
	}
}

// Observer

type recordingObserver struct {
	mu     sync.Mutex
	states []domain.CallState
	errs   []error
	tracks []domain.RemoteTrack
}

func (o *recordingObserver) OnStateChange(s domain.CallSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s.State)
}

func (o *recordingObserver) OnRemoteTrack(id domain.CallID, track domain.RemoteTrack) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tracks = append(o.tracks, track)
}

func (o *recordingObserver) OnCallError(id domain.CallID, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) stateHistory() []domain.CallState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.CallState(nil), o.states...)
}

func (o *recordingObserver) errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

func (o *recordingObserver) trackCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tracks)
}

// Harness

type callPeer struct {
	id        domain.ParticipantID
	machine   *CallMachine
	transport *fakeTransport
	factory   *fakeFactory
	media     *fakeMedia
	manager   *MediaManager
	observer  *recordingObserver
	stop      func()
}

func testCallConfig() CallConfig {
	cfg := DefaultCallConfig()
	cfg.RingTimeout = 0
	return cfg
}

func newCallPeer(t *testing.T, bus *fakeBus, id domain.ParticipantID, cfg CallConfig) *callPeer {
	t.Helper()

	p := &callPeer{
		id:        id,
		transport: bus.join(t, id),
		factory:   &fakeFactory{name: string(id)},
		media:     &fakeMedia{},
		observer:  &recordingObserver{},
	}
	p.manager = NewMediaManager(p.media, false, testLogger)
	p.machine = NewCallMachine(id, p.transport, p.factory, p.manager, cfg, testLogger, WithObserver(p.observer))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = p.machine.Run(ctx)
	}()
	var once sync.Once
	p.stop = func() {
		once.Do(func() {
			cancel()
			<-stopped
		})
	}
	t.Cleanup(p.stop)

	// six signaling names plus the relay error handler
	require.Eventually(t, func() bool { return p.transport.handlerCount() == 7 }, waitFor, tick)
	return p
}

func (p *callPeer) waitState(t *testing.T, state domain.CallState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.machine.Snapshot().State == state
	}, waitFor, tick, "%s never reached %s (now %s)", p.id, state, p.machine.Snapshot().State)
}

// settle gives the bus time to deliver, then round-trips a no-op command so
// everything already in the inbox has been handled.
func (p *callPeer) settle(t *testing.T) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	res := p.machine.do(context.Background(), commandKind(-1), "")
	require.NoError(t, res.err)
}

func candidate(s string) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{Candidate: s, SDPMid: &mid, SDPMLineIndex: &idx}
}
