package webrtc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	opusFrameSamples  = 960
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticMedia stands in for capture devices on a headless client. Its
// audio track carries Opus silence so the remote side sees RTP flowing; its
// video track is negotiated but idle.
type SyntheticMedia struct {
	enabled bool
	video   bool
	logger  *zap.SugaredLogger
}

var _ ports.MediaCapability = (*SyntheticMedia)(nil)

func NewSyntheticMedia(enabled, video bool, logger *zap.SugaredLogger) *SyntheticMedia {
	return &SyntheticMedia{enabled: enabled, video: video, logger: logger}
}

func (m *SyntheticMedia) GetUserMedia(ctx context.Context) (ports.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}
	if !m.enabled {
		return nil, fmt.Errorf("%w: capture disabled", domain.ErrMediaAcquisition)
	}

	id := uuid.New().String()
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+id, id,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}

	s := &syntheticStream{
		id:     id,
		audio:  audio,
		tracks: []webrtc.TrackLocal{audio},
		done:   make(chan struct{}),
		logger: m.logger,
	}
	s.audioEnabled.Store(true)

	if m.video {
		video, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video-"+id, id,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
		}
		s.tracks = append(s.tracks, video)
	}

	s.wg.Add(1)
	go s.pumpAudio()
	return s, nil
}

type syntheticStream struct {
	id     string
	audio  *webrtc.TrackLocalStaticRTP
	tracks []webrtc.TrackLocal

	audioEnabled atomic.Bool
	done         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup

	logger *zap.SugaredLogger
}

func (s *syntheticStream) ID() string {
	return s.id
}

func (s *syntheticStream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

func (s *syntheticStream) SetAudioEnabled(enabled bool) {
	s.audioEnabled.Store(enabled)
}

func (s *syntheticStream) AudioEnabled() bool {
	return s.audioEnabled.Load()
}

// Stop ends the audio pump. Safe to call more than once.
func (s *syntheticStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.logger.Debugw("synthetic stream stopped", "stream_id", s.id)
	})
}

// pumpAudio writes one silent Opus frame per 20ms while audio is enabled.
// Writes before the track is bound to a sender are discarded by pion.
func (s *syntheticStream) pumpAudio() {
	defer s.wg.Done()

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: uint16(rand.Uint32()),
			Timestamp:      rand.Uint32(),
		},
		Payload: opusSilence,
	}

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		packet.Timestamp += opusFrameSamples
		if !s.audioEnabled.Load() {
			continue
		}
		packet.SequenceNumber++
		if err := s.audio.WriteRTP(packet); err != nil {
			s.logger.Debugw("audio write failed", "stream_id", s.id, "error", err)
		}
	}
}
