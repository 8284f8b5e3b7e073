package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/config"
	"peercall/pkg/tracing"
	"peercall/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Relay error codes sent in the "error" event.
const (
	CodeParticipantOffline = "participant_offline"
	CodeInvalidMessage     = "invalid_message"
	CodeInvalidPayload     = "invalid_payload"
	CodeUnsupportedEvent   = "unsupported_event"
	CodeRateLimited        = "rate_limited"
)

const closeReplaced = 4000

type RelayConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int
	MaxMessageSize int64
	AllowedOrigins []string
}

func RelayConfigFromConfig(cfg *config.Config) RelayConfig {
	return RelayConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
}

// RelayServer routes call signaling between authenticated participants.
// Every call event is forwarded to its "to" participant with "from"
// stamped from the sender's connection.
type RelayServer struct {
	cfg      RelayConfig
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[domain.ParticipantID]*relayConn
	partners map[domain.ParticipantID]domain.ParticipantID
	closing  bool
	wg       sync.WaitGroup

	bus        ports.RelayBus
	presence   ports.Presence
	metrics    ports.RelayMetrics
	newLimiter func() *rate.Limiter

	logger *zap.SugaredLogger
}

type RelayOption func(*RelayServer)

// WithRelayBus forwards deliveries for participants that are not connected
// to this instance.
func WithRelayBus(bus ports.RelayBus, presence ports.Presence) RelayOption {
	return func(s *RelayServer) {
		s.bus = bus
		s.presence = presence
	}
}

func WithRelayMetrics(m ports.RelayMetrics) RelayOption {
	return func(s *RelayServer) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithMessageLimiter sets a per-connection limiter factory. A nil limiter
// disables limiting for that connection.
func WithMessageLimiter(fn func() *rate.Limiter) RelayOption {
	return func(s *RelayServer) {
		s.newLimiter = fn
	}
}

func NewRelayServer(cfg RelayConfig, logger *zap.SugaredLogger, opts ...RelayOption) *RelayServer {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &RelayServer{
		cfg:        cfg,
		conns:      make(map[domain.ParticipantID]*relayConn),
		partners:   make(map[domain.ParticipantID]domain.ParticipantID),
		metrics:    noopRelayMetrics{},
		newLimiter: func() *rate.Limiter { return nil },
		logger:     logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type relayConn struct {
	id      domain.ParticipantID
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	closeCode int
}

func (c *relayConn) close(code int) {
	c.once.Do(func() {
		c.closeCode = code
		close(c.done)
	})
}

// ServeParticipant upgrades the request and relays for participant until
// the connection ends. The caller has already authenticated participant.
func (s *RelayServer) ServeParticipant(w http.ResponseWriter, r *http.Request, participant domain.ParticipantID) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "participant_id", participant, "error", err)
		return
	}

	rc := &relayConn{
		id:      participant,
		ws:      ws,
		send:    make(chan []byte, s.cfg.SendQueueSize),
		done:    make(chan struct{}),
		limiter: s.newLimiter(),
	}

	if !s.register(rc) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		ws.Close()
		return
	}
	defer s.wg.Done()

	ctx := context.Background()
	if s.presence != nil {
		if err := s.presence.Register(ctx, participant); err != nil {
			s.logger.Warnw("presence register failed", "participant_id", participant, "error", err)
		}
	}

	go s.writePump(rc)
	s.readPump(ctx, rc)
	s.unregister(ctx, rc)
}

func (s *RelayServer) register(rc *relayConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	if old, ok := s.conns[rc.id]; ok {
		old.close(closeReplaced)
		s.logger.Infow("replacing connection for reconnecting participant", "participant_id", rc.id)
	}
	s.conns[rc.id] = rc
	s.wg.Add(1)
	s.metrics.ConnectionOpened()
	s.logger.Infow("participant connected", "participant_id", rc.id)
	return true
}

func (s *RelayServer) unregister(ctx context.Context, rc *relayConn) {
	rc.close(websocket.CloseNormalClosure)

	s.mu.Lock()
	current := s.conns[rc.id] == rc
	var partner domain.ParticipantID
	if current {
		delete(s.conns, rc.id)
		partner = s.partners[rc.id]
		s.clearPartnerLocked(rc.id)
	}
	s.mu.Unlock()

	s.metrics.ConnectionClosed()
	if !current {
		return
	}

	if s.presence != nil {
		if err := s.presence.Unregister(ctx, rc.id); err != nil {
			s.logger.Warnw("presence unregister failed", "participant_id", rc.id, "error", err)
		}
	}

	if partner != "" {
		data, _ := json.Marshal(domain.EndCallPayload{To: partner, From: rc.id})
		s.logger.Infow("ending call for disconnected participant", "participant_id", rc.id, "partner", partner)
		s.deliver(ctx, rc.id, partner, domain.EventEndCall, data, false)
	}
	s.logger.Infow("participant disconnected", "participant_id", rc.id)
}

func (s *RelayServer) readPump(ctx context.Context, rc *relayConn) {
	if s.cfg.MaxMessageSize > 0 {
		rc.ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	if s.cfg.PongTimeout > 0 {
		rc.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		rc.ws.SetPongHandler(func(string) error {
			return rc.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		})
	}

	for {
		_, raw, err := rc.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading from participant", "participant_id", rc.id, "error", err)
			}
			return
		}
		if s.cfg.PongTimeout > 0 {
			rc.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			s.sendError(rc, domain.RelayErrorPayload{Message: "message must be {event, data}", Code: CodeInvalidMessage})
			s.metrics.MessageDropped("", "invalid_message")
			continue
		}

		if rc.limiter != nil && !rc.limiter.Allow() {
			s.sendError(rc, domain.RelayErrorPayload{Message: "rate limit exceeded", Code: CodeRateLimited, Event: env.Event})
			s.metrics.MessageDropped(env.Event, "rate_limited")
			continue
		}

		s.handle(ctx, rc, env)
	}
}

func (s *RelayServer) writePump(rc *relayConn) {
	var pings <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}
	defer rc.ws.Close()

	for {
		select {
		case msg := <-rc.send:
			rc.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := rc.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Infow("error writing to participant", "participant_id", rc.id, "error", err)
				rc.close(websocket.CloseAbnormalClosure)
				return
			}

		case <-pings:
			rc.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := rc.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "participant_id", rc.id, "error", err)
				rc.close(websocket.CloseAbnormalClosure)
				return
			}
			if s.presence != nil {
				if err := s.presence.Register(context.Background(), rc.id); err != nil {
					s.logger.Debugw("presence refresh failed", "participant_id", rc.id, "error", err)
				}
			}

		case <-rc.done:
			reason := ""
			if rc.closeCode == closeReplaced {
				reason = "replaced by a newer connection"
			}
			_ = rc.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(rc.closeCode, reason),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

func (s *RelayServer) handle(ctx context.Context, rc *relayConn, env Envelope) {
	switch env.Event {
	case domain.EventOffer, domain.EventAnswer, domain.EventCandidate, domain.EventCandidateLegacy,
		domain.EventEndCall, domain.EventDecline:
		s.relayCall(ctx, rc, env)
	case domain.EventTyping:
		s.relayTyping(ctx, rc, env)
	case domain.EventJoin:
		// registration happens at connect time
	default:
		s.metrics.MessageDropped(env.Event, "unsupported")
		s.sendError(rc, domain.RelayErrorPayload{
			Message: fmt.Sprintf("unsupported event %q", env.Event),
			Code:    CodeUnsupportedEvent,
			Event:   env.Event,
		})
	}
}

func (s *RelayServer) relayCall(ctx context.Context, rc *relayConn, env Envelope) {
	fields, to, err := s.decodeCall(rc.id, env)
	if err != nil {
		s.metrics.MessageDropped(env.Event, "invalid_payload")
		s.sendError(rc, domain.RelayErrorPayload{Message: err.Error(), Code: CodeInvalidPayload, Event: env.Event, To: to})
		return
	}

	from, _ := json.Marshal(rc.id)
	fields["from"] = from
	data, err := json.Marshal(fields)
	if err != nil {
		s.logger.Errorw("re-encode call payload failed", "event", env.Event, "error", err)
		return
	}

	s.trackPartner(env.Event, rc.id, to)
	s.deliver(ctx, rc.id, to, env.Event, data, true)
}

// decodeCall checks a call payload and returns its fields and recipient.
func (s *RelayServer) decodeCall(from domain.ParticipantID, env Envelope) (map[string]json.RawMessage, domain.ParticipantID, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil || fields == nil {
		return nil, "", fmt.Errorf("%s payload must be an object", env.Event)
	}

	var to domain.ParticipantID
	if err := json.Unmarshal(fields["to"], &to); err != nil {
		return nil, "", fmt.Errorf("%s payload needs a string \"to\"", env.Event)
	}
	if err := validation.ValidateParticipantID(string(to)); err != nil {
		return nil, to, err
	}
	if to == from {
		return nil, to, fmt.Errorf("cannot signal yourself")
	}

	switch env.Event {
	case domain.EventOffer, domain.EventAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(fields[env.Event], &desc); err != nil {
			return nil, to, fmt.Errorf("%s payload needs a session description", env.Event)
		}
		if err := validation.ValidateSDP(desc.SDP); err != nil {
			return nil, to, err
		}
	case domain.EventCandidate, domain.EventCandidateLegacy:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(fields["candidate"], &cand); err != nil {
			return nil, to, fmt.Errorf("%s payload needs a candidate", env.Event)
		}
		if err := validation.ValidateCandidate(cand.Candidate); err != nil {
			return nil, to, err
		}
	}
	return fields, to, nil
}

func (s *RelayServer) relayTyping(ctx context.Context, rc *relayConn, env Envelope) {
	var p domain.TypingPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ReceiverID == "" {
		s.metrics.MessageDropped(env.Event, "invalid_payload")
		return
	}
	data, _ := json.Marshal(domain.TypingStatusPayload{SenderID: rc.id, IsTyping: p.IsTyping})
	s.deliver(ctx, rc.id, p.ReceiverID, domain.EventTypingStatus, data, false)
}

// deliver enqueues event for to, locally or through the bus. When nobody
// holds to and reportOffline is set, the sender gets an error event.
func (s *RelayServer) deliver(ctx context.Context, from, to domain.ParticipantID, event string, data json.RawMessage, reportOffline bool) {
	ctx, span := tracing.TraceRelay(ctx, event, string(from), string(to))
	defer span.End()

	if s.deliverLocal(ctx, to, event, data) {
		return
	}

	if s.bus != nil {
		online := true
		if s.presence != nil {
			var err error
			_, online, err = s.presence.Lookup(ctx, to)
			if err != nil {
				s.logger.Warnw("presence lookup failed", "participant_id", to, "error", err)
				online = false
			}
		}
		if online {
			err := s.bus.Publish(ctx, ports.RelayDelivery{To: to, Event: event, Data: data})
			if err == nil {
				s.metrics.MessageRelayed(event)
				return
			}
			tracing.RecordError(ctx, err)
			s.logger.Warnw("relay bus publish failed", "participant_id", to, "event", event, "error", err)
		}
	}

	s.metrics.MessageDropped(event, "offline")
	tracing.RecordError(ctx, &domain.OfflineError{Participant: to})
	if event == domain.EventOffer {
		s.clearPair(from, to)
	}
	if !reportOffline {
		return
	}

	s.mu.RLock()
	sender := s.conns[from]
	s.mu.RUnlock()
	if sender != nil {
		s.sendError(sender, domain.RelayErrorPayload{
			Message: fmt.Sprintf("participant %s is not connected", to),
			Code:    CodeParticipantOffline,
			Event:   event,
			To:      to,
		})
	}
}

func (s *RelayServer) deliverLocal(ctx context.Context, to domain.ParticipantID, event string, data json.RawMessage) bool {
	s.mu.RLock()
	rc := s.conns[to]
	s.mu.RUnlock()
	if rc == nil {
		return false
	}

	msg, err := encodeEnvelope(event, data)
	if err != nil {
		s.logger.Errorw("encode envelope failed", "event", event, "error", err)
		return true
	}
	if s.enqueue(rc, event, msg) {
		s.metrics.MessageRelayed(event)
	}
	return true
}

func (s *RelayServer) enqueue(rc *relayConn, event string, msg []byte) bool {
	select {
	case <-rc.done:
		s.metrics.MessageDropped(event, "closed")
		return false
	default:
	}

	select {
	case rc.send <- msg:
		return true
	default:
		s.metrics.MessageDropped(event, "queue_full")
		s.logger.Warnw("send queue full, dropping message", "participant_id", rc.id, "event", event)
		return false
	}
}

func (s *RelayServer) sendError(rc *relayConn, payload domain.RelayErrorPayload) {
	msg, err := encodeEnvelope(domain.EventError, payload)
	if err != nil {
		return
	}
	s.enqueue(rc, domain.EventError, msg)
}

// HandleBusDelivery delivers an event published by another instance.
func (s *RelayServer) HandleBusDelivery(d ports.RelayDelivery) {
	if isCallEvent(d.Event) {
		var p struct {
			From domain.ParticipantID `json:"from"`
		}
		if err := json.Unmarshal(d.Data, &p); err == nil && p.From != "" {
			s.trackPartner(d.Event, p.From, d.To)
		}
	}
	if !s.deliverLocal(context.Background(), d.To, d.Event, d.Data) {
		s.metrics.MessageDropped(d.Event, "offline")
	}
}

// RunBus consumes the relay bus until ctx is done. It returns nil when no
// bus is configured.
func (s *RelayServer) RunBus(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Subscribe(ctx, s.HandleBusDelivery)
}

// trackPartner records who is in a call with whom. An offer pairs two
// participants only while neither is paired with someone else, so a busy
// offer from a third party leaves the existing call alone. An answer
// confirms the pairing and replaces any earlier one.
func (s *RelayServer) trackPartner(event string, from, to domain.ParticipantID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event {
	case domain.EventOffer:
		if p, ok := s.partners[from]; ok && p != to {
			return
		}
		if p, ok := s.partners[to]; ok && p != from {
			return
		}
		s.partners[from] = to
		s.partners[to] = from
	case domain.EventAnswer:
		if s.partners[from] != to {
			s.clearPartnerLocked(from)
		}
		if s.partners[to] != from {
			s.clearPartnerLocked(to)
		}
		s.partners[from] = to
		s.partners[to] = from
	case domain.EventEndCall, domain.EventDecline:
		s.clearPairLocked(from, to)
	}
}

// clearPair forgets the pairing of a and b, leaving other pairings alone.
func (s *RelayServer) clearPair(a, b domain.ParticipantID) {
	s.mu.Lock()
	s.clearPairLocked(a, b)
	s.mu.Unlock()
}

func (s *RelayServer) clearPairLocked(a, b domain.ParticipantID) {
	if s.partners[a] == b {
		s.clearPartnerLocked(a)
	}
}

func (s *RelayServer) clearPartnerLocked(id domain.ParticipantID) {
	partner, ok := s.partners[id]
	if !ok {
		return
	}
	delete(s.partners, id)
	if s.partners[partner] == id {
		delete(s.partners, partner)
	}
}

// partner returns the participant id last seen in a call with id.
func (s *RelayServer) partner(id domain.ParticipantID) (domain.ParticipantID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partners[id]
	return p, ok
}

func (s *RelayServer) online(id domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[id]
	return ok
}

func (s *RelayServer) connectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Check implements monitoring.Checker.
func (s *RelayServer) Check(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closing {
		return fmt.Errorf("relay shutting down")
	}
	return nil
}

// Shutdown closes every connection and waits for their handlers to return.
func (s *RelayServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for _, rc := range s.conns {
		rc.close(websocket.CloseGoingAway)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RelayServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

func isCallEvent(event string) bool {
	_, ok := domain.SignalKindForEvent(event)
	return ok
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) ConnectionOpened()             {}
func (noopRelayMetrics) ConnectionClosed()             {}
func (noopRelayMetrics) MessageRelayed(string)         {}
func (noopRelayMetrics) MessageDropped(string, string) {}
