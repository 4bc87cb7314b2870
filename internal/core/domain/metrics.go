package domain

import "time"

// RTPCounters are cumulative per-kind RTP counters.
type RTPCounters struct {
	Bytes       uint64
	Packets     uint64
	PacketsLost int64
}

// TransportSample is one raw statistics read of a peer connection.
// Outbound counters are filled for senders, inbound for receivers.
type TransportSample struct {
	Timestamp                time.Time
	OutboundVideo            RTPCounters
	OutboundAudio            RTPCounters
	InboundVideo             RTPCounters
	InboundAudio             RTPCounters
	RTT                      time.Duration
	AvailableOutgoingBitrate float64 // bits per second, 0 when unknown
	FramesPerSecond          float64 // reported by senders only
	FramesReceived           uint64  // cumulative, receivers only
	FrameWidth               int
	FrameHeight              int
}

// QualityInput is what the tier decision rule looks at.
type QualityInput struct {
	LossRatio  float64
	BitrateBps int64
}

type VideoMetrics struct {
	Bitrate     int64   `json:"bitrate"` // bits per second
	FrameRate   float64 `json:"frameRate"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	PacketsLost int64   `json:"packetsLost"`
}

type AudioMetrics struct {
	Bitrate     int64 `json:"bitrate"`
	PacketsLost int64 `json:"packetsLost"`
}

type ConnectionMetrics struct {
	RTT       time.Duration `json:"rtt"`
	Bandwidth int64         `json:"bandwidth"` // available outgoing bits per second
}

// StreamMetrics is the periodic per-party snapshot surfaced to the UI.
type StreamMetrics struct {
	Timestamp  time.Time         `json:"timestamp"`
	StreamID   StreamID          `json:"streamId"`
	PartyID    PartyID           `json:"partyId"`
	Tier       QualityTier       `json:"tier"`
	LossRatio  float64           `json:"lossRatio"`
	Video      VideoMetrics      `json:"video"`
	Audio      AudioMetrics      `json:"audio"`
	Connection ConnectionMetrics `json:"connection"`
}
