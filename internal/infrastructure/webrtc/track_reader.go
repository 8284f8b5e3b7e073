package webrtc

import (
	"errors"
	"io"

	"peercall/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type rtcpReadFunc func() ([]rtcp.Packet, interceptor.Attributes, error)

// trackReader drains RTP and RTCP for one peer connection and turns what it
// sees into track metrics.
type trackReader struct {
	metrics ports.TrackMetrics
	logger  *zap.SugaredLogger
}

func newTrackReader(metrics ports.TrackMetrics, logger *zap.SugaredLogger) *trackReader {
	if metrics == nil {
		metrics = noopTrackMetrics{}
	}
	return &trackReader{metrics: metrics, logger: logger}
}

// readRTP runs until the track ends.
func (r *trackReader) readRTP(kind string, track rtpReader) {
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debugw("rtp read stopped", "kind", kind, "error", err)
			}
			return
		}
		r.metrics.RTPReceived(kind, packet.MarshalSize())
	}
}

func (r *trackReader) readRTCP(kind string, read rtcpReadFunc) {
	for {
		packets, _, err := read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debugw("rtcp read stopped", "kind", kind, "error", err)
			}
			return
		}
		r.processRTCPPackets(kind, packets)
	}
}

func (r *trackReader) processRTCPPackets(kind string, packets []rtcp.Packet) {
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				// FractionLost is a fixed point number with the binary point at the left edge.
				r.metrics.RTCPReport(kind, float64(report.FractionLost)/256.0, report.Jitter)
			}

		case *rtcp.SenderReport:
			for _, report := range p.Reports {
				r.metrics.RTCPReport(kind, float64(report.FractionLost)/256.0, report.Jitter)
			}
			r.logger.Debugw("received sender report",
				"kind", kind,
				"packet_count", p.PacketCount,
				"octet_count", p.OctetCount,
			)

		case *rtcp.TransportLayerNack:
			lost := 0
			for _, pair := range p.Nacks {
				lost += len(pair.PacketList())
			}
			r.metrics.NackReceived(kind, lost)

		case *rtcp.PictureLossIndication:
			r.logger.Debugw("received PLI", "kind", kind, "media_ssrc", p.MediaSSRC)
		}
	}
}

type noopTrackMetrics struct{}

func (noopTrackMetrics) RTPReceived(string, int)            {}
func (noopTrackMetrics) RTCPReport(string, float64, uint32) {}
func (noopTrackMetrics) NackReceived(string, int)           {}
