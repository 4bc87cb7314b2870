package webrtc

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"

	"livestage/internal/core/domain"
)

func TestSampleReport(t *testing.T) {
	now := time.Unix(100, 0)
	report := webrtc.StatsReport{
		"out-video": webrtc.OutboundRTPStreamStats{
			Kind:            "video",
			BytesSent:       50_000,
			PacketsSent:     100,
			FrameWidth:      1280,
			FrameHeight:     720,
			FramesPerSecond: 30,
		},
		"out-audio": webrtc.OutboundRTPStreamStats{
			Kind:        "audio",
			BytesSent:   4_000,
			PacketsSent: 50,
		},
		"remote-in-video": webrtc.RemoteInboundRTPStreamStats{
			Kind:          "video",
			PacketsLost:   7,
			RoundTripTime: 0.08,
		},
		"pair": webrtc.ICECandidatePairStats{
			State:                    webrtc.StatsICECandidatePairStateSucceeded,
			Nominated:                true,
			CurrentRoundTripTime:     0.05,
			AvailableOutgoingBitrate: 2_500_000,
		},
		"pair-unused": webrtc.ICECandidatePairStats{
			State:                    webrtc.StatsICECandidatePairStateFailed,
			AvailableOutgoingBitrate: 1,
		},
	}

	sample := sampleReport(report, now)

	assert.Equal(t, now, sample.Timestamp)
	assert.Equal(t, uint64(50_000), sample.OutboundVideo.Bytes)
	assert.Equal(t, uint64(100), sample.OutboundVideo.Packets)
	assert.Equal(t, int64(7), sample.OutboundVideo.PacketsLost)
	assert.Equal(t, uint64(4_000), sample.OutboundAudio.Bytes)
	assert.Equal(t, 1280, sample.FrameWidth)
	assert.Equal(t, 720, sample.FrameHeight)
	assert.Equal(t, 80*time.Millisecond, sample.RTT, "remote-inbound RTT wins over the pair estimate")
	assert.Equal(t, 2_500_000.0, sample.AvailableOutgoingBitrate)
}

func TestSampleReport_Inbound(t *testing.T) {
	report := webrtc.StatsReport{
		"in-video": webrtc.InboundRTPStreamStats{
			Kind:            "video",
			BytesReceived:   20_000,
			PacketsReceived: 40,
			PacketsLost:     2,
			FrameWidth:      640,
			FrameHeight:     360,
			FramesReceived:  90,
		},
		"in-audio": webrtc.InboundRTPStreamStats{
			Kind:           "audio",
			BytesReceived:  3_000,
			FramesReceived: 500,
		},
	}

	sample := sampleReport(report, time.Now())

	assert.Equal(t, uint64(20_000), sample.InboundVideo.Bytes)
	assert.Equal(t, int64(2), sample.InboundVideo.PacketsLost)
	assert.Equal(t, 640, sample.FrameWidth)
	assert.Equal(t, 360, sample.FrameHeight)
	assert.Equal(t, uint64(90), sample.FramesReceived, "audio frames are not counted")
	assert.Zero(t, sample.FramesPerSecond)
	assert.Zero(t, sample.OutboundVideo.Bytes)
}

func TestBuildMetrics_InboundFrameRate(t *testing.T) {
	start := time.Unix(100, 0)
	prev := domain.TransportSample{
		Timestamp:      start,
		InboundVideo:   domain.RTPCounters{Bytes: 10_000},
		FramesReceived: 30,
	}
	cur := domain.TransportSample{
		Timestamp:      start.Add(2 * time.Second),
		InboundVideo:   domain.RTPCounters{Bytes: 60_000},
		FramesReceived: 90,
		FrameWidth:     640,
		FrameHeight:    360,
	}

	m := buildMetrics("stream-1", "host", domain.QualityLow, prev, cur, domain.QualityInput{})

	assert.Equal(t, 30.0, m.Video.FrameRate)
	assert.Equal(t, int64(200_000), m.Video.Bitrate)
	assert.Equal(t, 640, m.Video.Width)
}

func TestBuildMetrics(t *testing.T) {
	start := time.Unix(100, 0)
	prev := domain.TransportSample{
		Timestamp:     start,
		OutboundVideo: domain.RTPCounters{Bytes: 0},
	}
	cur := domain.TransportSample{
		Timestamp:       start.Add(time.Second),
		OutboundVideo:   domain.RTPCounters{Bytes: 125_000, PacketsLost: 3},
		OutboundAudio:   domain.RTPCounters{Bytes: 4_000},
		RTT:             40 * time.Millisecond,
		FramesPerSecond: 30,
		FrameWidth:      1280,
		FrameHeight:     720,
	}
	in := domain.QualityInput{LossRatio: 0.01, BitrateBps: 1_032_000}

	m := buildMetrics("stream-1", "viewer-1", domain.QualityHigh, prev, cur, in)

	assert.Equal(t, domain.StreamID("stream-1"), m.StreamID)
	assert.Equal(t, domain.PartyID("viewer-1"), m.PartyID)
	assert.Equal(t, domain.QualityHigh, m.Tier)
	assert.Equal(t, int64(1_000_000), m.Video.Bitrate)
	assert.Equal(t, int64(32_000), m.Audio.Bitrate)
	assert.Equal(t, int64(3), m.Video.PacketsLost)
	assert.Equal(t, 40*time.Millisecond, m.Connection.RTT)
	assert.Equal(t, int64(1_032_000), m.Connection.Bandwidth, "falls back to the measured bitrate")
	assert.Equal(t, 0.01, m.LossRatio)
}

func TestBuildMetrics_FirstSample(t *testing.T) {
	cur := domain.TransportSample{
		Timestamp:     time.Now(),
		OutboundVideo: domain.RTPCounters{Bytes: 125_000},
	}

	m := buildMetrics("s", "p", domain.QualityMedium, domain.TransportSample{}, cur, domain.QualityInput{})

	assert.Zero(t, m.Video.Bitrate)
}

func TestFeedbackCounters(t *testing.T) {
	var f feedbackCounters

	f.observe([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: 1},
		&rtcp.FullIntraRequest{MediaSSRC: 1},
		&rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 10, LostPackets: 0b11}}},
		&rtcp.ReceiverReport{},
	})

	assert.Equal(t, uint64(1), f.pli.Load())
	assert.Equal(t, uint64(1), f.fir.Load())
	assert.Equal(t, uint64(3), f.nack.Load())
}
