package webrtc

import (
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"livestage/internal/core/domain"
	"livestage/internal/core/services"
)

// sampleReport folds a pion stats report into one transport sample.
func sampleReport(report webrtc.StatsReport, now time.Time) domain.TransportSample {
	sample := domain.TransportSample{Timestamp: now}

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			c := counterFor(&sample.OutboundVideo, &sample.OutboundAudio, st.Kind)
			c.Bytes += st.BytesSent
			c.Packets += uint64(st.PacketsSent)
			if st.Kind == string(domain.TrackKindVideo) {
				sample.FramesPerSecond = st.FramesPerSecond
				sample.FrameWidth = int(st.FrameWidth)
				sample.FrameHeight = int(st.FrameHeight)
			}
		case webrtc.RemoteInboundRTPStreamStats:
			// The remote's view of our outbound stream carries the loss.
			c := counterFor(&sample.OutboundVideo, &sample.OutboundAudio, st.Kind)
			c.PacketsLost += int64(st.PacketsLost)
			if st.RoundTripTime > 0 {
				sample.RTT = secondsToDuration(st.RoundTripTime)
			}
		case webrtc.InboundRTPStreamStats:
			c := counterFor(&sample.InboundVideo, &sample.InboundAudio, st.Kind)
			c.Bytes += st.BytesReceived
			c.Packets += uint64(st.PacketsReceived)
			c.PacketsLost += int64(st.PacketsLost)
			if st.Kind == string(domain.TrackKindVideo) {
				sample.FramesReceived += uint64(st.FramesReceived)
			}
			if st.Kind == string(domain.TrackKindVideo) && sample.FrameWidth == 0 {
				sample.FrameWidth = int(st.FrameWidth)
				sample.FrameHeight = int(st.FrameHeight)
			}
		case webrtc.ICECandidatePairStats:
			if !st.Nominated || st.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			if st.CurrentRoundTripTime > 0 && sample.RTT == 0 {
				sample.RTT = secondsToDuration(st.CurrentRoundTripTime)
			}
			sample.AvailableOutgoingBitrate = st.AvailableOutgoingBitrate
		}
	}
	return sample
}

func counterFor(video, audio *domain.RTPCounters, kind string) *domain.RTPCounters {
	if kind == string(domain.TrackKindAudio) {
		return audio
	}
	return video
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// buildMetrics assembles the periodic snapshot from two samples. Senders
// report outbound figures, receivers inbound ones.
func buildMetrics(
	streamID domain.StreamID,
	party domain.PartyID,
	tier domain.QualityTier,
	prev, cur domain.TransportSample,
	in domain.QualityInput,
) domain.StreamMetrics {
	elapsed := cur.Timestamp.Sub(prev.Timestamp)
	if prev.Timestamp.IsZero() {
		elapsed = 0
	}

	video, audio := cur.OutboundVideo, cur.OutboundAudio
	prevVideo, prevAudio := prev.OutboundVideo, prev.OutboundAudio
	if video.Bytes == 0 && audio.Bytes == 0 {
		video, audio = cur.InboundVideo, cur.InboundAudio
		prevVideo, prevAudio = prev.InboundVideo, prev.InboundAudio
	}

	frameRate := cur.FramesPerSecond
	if frameRate == 0 && elapsed > 0 && cur.FramesReceived >= prev.FramesReceived {
		frameRate = float64(cur.FramesReceived-prev.FramesReceived) / elapsed.Seconds()
	}

	bandwidth := int64(cur.AvailableOutgoingBitrate)
	if bandwidth == 0 {
		bandwidth = in.BitrateBps
	}

	return domain.StreamMetrics{
		Timestamp: cur.Timestamp,
		StreamID:  streamID,
		PartyID:   party,
		Tier:      tier,
		LossRatio: in.LossRatio,
		Video: domain.VideoMetrics{
			Bitrate:     services.Bitrate(prevVideo.Bytes, video.Bytes, elapsed),
			FrameRate:   frameRate,
			Width:       cur.FrameWidth,
			Height:      cur.FrameHeight,
			PacketsLost: video.PacketsLost,
		},
		Audio: domain.AudioMetrics{
			Bitrate:     services.Bitrate(prevAudio.Bytes, audio.Bytes, elapsed),
			PacketsLost: audio.PacketsLost,
		},
		Connection: domain.ConnectionMetrics{
			RTT:       cur.RTT,
			Bandwidth: bandwidth,
		},
	}
}

// feedbackCounters counts RTCP feedback received on our senders.
type feedbackCounters struct {
	pli  atomic.Uint64
	nack atomic.Uint64
	fir  atomic.Uint64
}

func (f *feedbackCounters) observe(packets []rtcp.Packet) {
	for _, p := range packets {
		switch pkt := p.(type) {
		case *rtcp.PictureLossIndication:
			f.pli.Add(1)
		case *rtcp.FullIntraRequest:
			f.fir.Add(1)
		case *rtcp.TransportLayerNack:
			for _, pair := range pkt.Nacks {
				f.nack.Add(uint64(len(pair.PacketList())))
			}
		}
	}
}
