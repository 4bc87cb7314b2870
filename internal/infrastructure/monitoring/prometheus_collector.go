package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
)

// PrometheusCollector exports both session telemetry (streamer side) and
// relay telemetry. Each process only feeds the half it uses.
type PrometheusCollector struct {
	// Session
	videoBitrate       *prometheus.GaugeVec
	audioBitrate       *prometheus.GaugeVec
	frameRate          *prometheus.GaugeVec
	lossRatio          *prometheus.GaugeVec
	roundTrip          prometheus.Histogram
	connectionStates   *prometheus.CounterVec
	reconnectAttempts  *prometheus.CounterVec
	qualityChanges     *prometheus.CounterVec
	acquisitions       *prometheus.CounterVec
	signalingStates    *prometheus.CounterVec
	viewerCount        *prometheus.GaugeVec
	currentQualityTier *prometheus.GaugeVec

	// Relay
	connectionsActive *prometheus.GaugeVec
	connectionsTotal  *prometheus.CounterVec
	messagesRelayed   *prometheus.CounterVec
	messagesRejected  *prometheus.CounterVec
	roomMembers       *prometheus.GaugeVec
}

var (
	_ ports.MetricsRecorder      = (*PrometheusCollector)(nil)
	_ ports.RelayMetricsRecorder = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers every metric with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		videoBitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livestage_video_bitrate_bps",
			Help: "Current video bitrate in bits per second",
		}, []string{"stream_id"}),

		audioBitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livestage_audio_bitrate_bps",
			Help: "Current audio bitrate in bits per second",
		}, []string{"stream_id"}),

		frameRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livestage_video_frame_rate",
			Help: "Current video frames per second",
		}, []string{"stream_id"}),

		lossRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livestage_packet_loss_ratio",
			Help: "Packet loss ratio over the last stats interval",
		}, []string{"stream_id"}),

		roundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livestage_round_trip_seconds",
			Help:    "Round trip time reported by the peer connection",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		connectionStates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livestage_connection_state_changes_total",
			Help: "Peer connection state transitions by new state",
		}, []string{"state"}),

		reconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livestage_reconnect_attempts_total",
			Help: "Peer reconnection attempts by attempt number",
		}, []string{"attempt"}),

		qualityChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livestage_quality_changes_total",
			Help: "Quality tier switches",
		}, []string{"from", "to"}),

		acquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livestage_media_acquisitions_total",
			Help: "Media acquisition attempts by outcome",
		}, []string{"outcome"}),

		signalingStates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livestage_signaling_state_changes_total",
			Help: "Signaling client state transitions by new state",
		}, []string{"state"}),

		viewerCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livestage_viewers",
			Help: "Viewers currently connected to a hosted stream",
		}, []string{"stream_id"}),

		currentQualityTier: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livestage_quality_tier",
			Help: "Current quality tier (0 low, 1 medium, 2 high)",
		}, []string{"stream_id"}),

		connectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livestage_relay_connections",
			Help: "Parties connected to this relay instance",
		}, []string{"transport"}),

		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livestage_relay_connections_total",
			Help: "Connections accepted by this relay instance",
		}, []string{"transport"}),

		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livestage_relay_messages_total",
			Help: "Frames relayed by event type",
		}, []string{"type"}),

		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livestage_relay_messages_rejected_total",
			Help: "Frames dropped by reason",
		}, []string{"reason"}),

		roomMembers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livestage_relay_room_members",
			Help: "Members of each relay room",
		}, []string{"stream_id"}),
	}
}

func (p *PrometheusCollector) RecordStreamMetrics(m domain.StreamMetrics) {
	id := string(m.StreamID)
	p.videoBitrate.WithLabelValues(id).Set(float64(m.Video.Bitrate))
	p.audioBitrate.WithLabelValues(id).Set(float64(m.Audio.Bitrate))
	p.frameRate.WithLabelValues(id).Set(m.Video.FrameRate)
	p.lossRatio.WithLabelValues(id).Set(m.LossRatio)
	p.currentQualityTier.WithLabelValues(id).Set(float64(m.Tier))
	if m.Connection.RTT > 0 {
		p.roundTrip.Observe(m.Connection.RTT.Seconds())
	}
}

func (p *PrometheusCollector) RecordConnectionState(_ domain.PartyID, state domain.ConnectionState) {
	p.connectionStates.WithLabelValues(string(state)).Inc()
}

func (p *PrometheusCollector) RecordReconnectAttempt(_ domain.PartyID, attempt int) {
	p.reconnectAttempts.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

func (p *PrometheusCollector) RecordQualityChange(from, to domain.QualityTier) {
	p.qualityChanges.WithLabelValues(from.String(), to.String()).Inc()
}

func (p *PrometheusCollector) RecordAcquisition(outcome string) {
	p.acquisitions.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordSignalingState(state domain.SignalingState) {
	p.signalingStates.WithLabelValues(string(state)).Inc()
}

func (p *PrometheusCollector) RecordViewerCount(streamID domain.StreamID, count int) {
	p.viewerCount.WithLabelValues(string(streamID)).Set(float64(count))
}

func (p *PrometheusCollector) ConnectionOpened(transport string) {
	p.connectionsActive.WithLabelValues(transport).Inc()
	p.connectionsTotal.WithLabelValues(transport).Inc()
}

func (p *PrometheusCollector) ConnectionClosed(transport string) {
	p.connectionsActive.WithLabelValues(transport).Dec()
}

func (p *PrometheusCollector) MessageRelayed(eventType string) {
	p.messagesRelayed.WithLabelValues(eventType).Inc()
}

func (p *PrometheusCollector) MessageRejected(reason string) {
	p.messagesRejected.WithLabelValues(reason).Inc()
}

// RoomSize sets the member gauge; an empty room drops its series.
func (p *PrometheusCollector) RoomSize(streamID string, members int) {
	if members <= 0 {
		p.roomMembers.DeleteLabelValues(streamID)
		return
	}
	p.roomMembers.WithLabelValues(streamID).Set(float64(members))
}
