package monitoring

import (
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records call, relay and track metrics.
type PrometheusCollector struct {
	// Calls
	callsStarted   *prometheus.CounterVec
	callsConnected *prometheus.CounterVec
	callsEnded     *prometheus.CounterVec
	callsActive    prometheus.Gauge
	callSetup      *prometheus.HistogramVec
	callDuration   prometheus.Histogram

	// Signaling
	signalsSent        *prometheus.CounterVec
	signalsReceived    *prometheus.CounterVec
	candidatesBuffered prometheus.Histogram

	// Relay
	relayConnections prometheus.Gauge
	relayRelayed     *prometheus.CounterVec
	relayDropped     *prometheus.CounterVec

	// Tracks
	rtpBytes     *prometheus.CounterVec
	rtpPackets   *prometheus.CounterVec
	fractionLost *prometheus.GaugeVec
	jitter       *prometheus.GaugeVec
	nacks        *prometheus.CounterVec

	circuitState *prometheus.GaugeVec
}

var (
	_ ports.CallMetrics  = (*PrometheusCollector)(nil)
	_ ports.RelayMetrics = (*PrometheusCollector)(nil)
	_ ports.TrackMetrics = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers every metric with reg. A nil reg uses the
// default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_calls_started_total",
			Help: "Calls started, by direction",
		}, []string{"direction"}),

		callsConnected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_calls_connected_total",
			Help: "Calls that reached the active state, by direction",
		}, []string{"direction"}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_calls_ended_total",
			Help: "Calls ended, by reason",
		}, []string{"reason"}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_calls_active",
			Help: "Calls currently in progress",
		}),

		callSetup: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peercall_call_setup_duration_seconds",
			Help:    "Time from start or accept until the call is active",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"direction"}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peercall_call_duration_seconds",
			Help:    "Duration of ended calls that became active",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		signalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_signals_sent_total",
			Help: "Signaling messages sent, by kind",
		}, []string{"kind"}),

		signalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_signals_received_total",
			Help: "Signaling messages received, by kind and outcome",
		}, []string{"kind", "outcome"}),

		candidatesBuffered: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peercall_candidates_buffered",
			Help:    "Remote candidates buffered before the remote description was set",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_relay_connections",
			Help: "Open relay websocket connections",
		}),

		relayRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_relay_messages_relayed_total",
			Help: "Messages delivered by the relay, by event",
		}, []string{"event"}),

		relayDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_relay_messages_dropped_total",
			Help: "Messages the relay could not deliver, by event and reason",
		}, []string{"event", "reason"}),

		rtpBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_rtp_received_bytes_total",
			Help: "RTP bytes received on remote tracks, by kind",
		}, []string{"kind"}),

		rtpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_rtp_received_packets_total",
			Help: "RTP packets received on remote tracks, by kind",
		}, []string{"kind"}),

		fractionLost: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peercall_rtcp_fraction_lost",
			Help: "Last reported fraction of packets lost (0-1), by kind",
		}, []string{"kind"}),

		jitter: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peercall_rtcp_jitter",
			Help: "Last reported interarrival jitter in timestamp units, by kind",
		}, []string{"kind"}),

		nacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_rtcp_nacked_packets_total",
			Help: "Packets requested for retransmission, by kind",
		}, []string{"kind"}),

		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peercall_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open), by dependency",
		}, []string{"name"}),
	}
}

func (p *PrometheusCollector) CallStarted(direction domain.Direction) {
	p.callsStarted.WithLabelValues(string(direction)).Inc()
	p.callsActive.Inc()
}

func (p *PrometheusCollector) CallConnected(direction domain.Direction, setup time.Duration) {
	p.callsConnected.WithLabelValues(string(direction)).Inc()
	p.callSetup.WithLabelValues(string(direction)).Observe(setup.Seconds())
}

func (p *PrometheusCollector) CallEnded(reason domain.EndReason, duration time.Duration) {
	p.callsEnded.WithLabelValues(string(reason)).Inc()
	p.callsActive.Dec()
	if duration > 0 {
		p.callDuration.Observe(duration.Seconds())
	}
}

func (p *PrometheusCollector) SignalSent(kind domain.SignalKind) {
	p.signalsSent.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) SignalReceived(kind domain.SignalKind, accepted bool) {
	outcome := "ignored"
	if accepted {
		outcome = "accepted"
	}
	p.signalsReceived.WithLabelValues(string(kind), outcome).Inc()
}

func (p *PrometheusCollector) CandidatesBuffered(count int) {
	p.candidatesBuffered.Observe(float64(count))
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.relayConnections.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.relayConnections.Dec()
}

func (p *PrometheusCollector) MessageRelayed(event string) {
	p.relayRelayed.WithLabelValues(event).Inc()
}

func (p *PrometheusCollector) MessageDropped(event, reason string) {
	p.relayDropped.WithLabelValues(event, reason).Inc()
}

func (p *PrometheusCollector) RTPReceived(kind string, bytes int) {
	p.rtpPackets.WithLabelValues(kind).Inc()
	p.rtpBytes.WithLabelValues(kind).Add(float64(bytes))
}

func (p *PrometheusCollector) RTCPReport(kind string, fractionLost float64, jitter uint32) {
	p.fractionLost.WithLabelValues(kind).Set(fractionLost)
	p.jitter.WithLabelValues(kind).Set(float64(jitter))
}

func (p *PrometheusCollector) NackReceived(kind string, count int) {
	p.nacks.WithLabelValues(kind).Add(float64(count))
}

func (p *PrometheusCollector) CircuitStateChanged(name string, state int) {
	p.circuitState.WithLabelValues(name).Set(float64(state))
}
