package webrtc

import (
	"context"
	"fmt"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config configures the pion API shared by every peer connection.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func ConfigFromConfig(cfg *config.Config) Config {
	var c Config
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		c.ICEServers = append(c.ICEServers, server)
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	c.DisconnectedTimeout = cfg.WebRTC.DisconnectedTimeout
	c.FailedTimeout = cfg.WebRTC.FailedTimeout
	c.KeepAliveInterval = cfg.WebRTC.KeepAliveInterval
	return c
}

// PionFactory builds peer connections from one pion API. The media engine
// registers the default codecs and the interceptor registry carries NACK,
// RTCP reports and TWCC.
type PionFactory struct {
	api     *webrtc.API
	config  Config
	metrics ports.TrackMetrics
	logger  *zap.SugaredLogger
}

var _ ports.PeerConnectionFactory = (*PionFactory)(nil)

func NewPionFactory(cfg Config, metrics ports.TrackMetrics, logger *zap.SugaredLogger) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepAliveInterval > 0 {
		settingEngine.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	if metrics == nil {
		metrics = noopTrackMetrics{}
	}

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config:  cfg,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (f *PionFactory) NewPeerConnection(ctx context.Context) (ports.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectivity, err)
	}

	return &pionPeer{
		pc:     pc,
		reader: newTrackReader(f.metrics, f.logger),
		logger: f.logger,
	}, nil
}

// pionPeer adapts *webrtc.PeerConnection to ports.PeerConnection.
type pionPeer struct {
	pc     *webrtc.PeerConnection
	reader *trackReader
	logger *zap.SugaredLogger
}

func (p *pionPeer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// AddTrack attaches a local track and drains RTCP from its sender, which
// also lets the interceptors process NACKs.
func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go p.reader.readRTCP(track.Kind().String(), sender.ReadRTCP)
	return nil
}

func (p *pionPeer) OnICECandidate(fn func(candidate *webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *pionPeer) OnTrack(fn func(track domain.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		remote := domain.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Codec:    track.Codec().MimeType,
		}
		p.logger.Debugw("remote track",
			"track_id", remote.ID,
			"kind", remote.Kind,
			"codec", remote.Codec,
		)
		fn(remote)

		go p.reader.readRTP(remote.Kind, track)
		go p.reader.readRTCP(remote.Kind, receiver.ReadRTCP)
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
