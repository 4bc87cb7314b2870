package services

import (
	"time"

	"livestage/internal/core/domain"
)

// QualityThresholds are the cutoffs of the tier decision rule.
type QualityThresholds struct {
	HighLossRatio      float64
	LowLossRatio       float64
	LowBitrateFloor    int64 // bits per second
	HighBitrateCeiling int64 // bits per second
}

func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		HighLossRatio:      0.10,
		LowLossRatio:       0.02,
		LowBitrateFloor:    500_000,
		HighBitrateCeiling: 2_000_000,
	}
}

type QualityDecision int

const (
	DecisionHold QualityDecision = iota
	DecisionDowngrade
	DecisionUpgrade
)

func (d QualityDecision) String() string {
	switch d {
	case DecisionDowngrade:
		return "downgrade"
	case DecisionUpgrade:
		return "upgrade"
	}
	return "hold"
}

type QualityService struct {
	thresholds QualityThresholds
}

func NewQualityService(thresholds QualityThresholds) *QualityService {
	return &QualityService{thresholds: thresholds}
}

func (qs *QualityService) Thresholds() QualityThresholds {
	return qs.thresholds
}

// Decide applies the rule: loss above the high threshold or bitrate under
// the floor steps down; loss under the low threshold and bitrate over the
// ceiling steps up; anything else holds. A degraded input can never yield
// an upgrade, and a healthy one never a downgrade.
func (qs *QualityService) Decide(in domain.QualityInput) QualityDecision {
	if in.LossRatio > qs.thresholds.HighLossRatio || in.BitrateBps < qs.thresholds.LowBitrateFloor {
		return DecisionDowngrade
	}
	if in.LossRatio < qs.thresholds.LowLossRatio && in.BitrateBps > qs.thresholds.HighBitrateCeiling {
		return DecisionUpgrade
	}
	return DecisionHold
}

// NextTier returns the tier after applying Decide to current.
func (qs *QualityService) NextTier(current domain.QualityTier, in domain.QualityInput) domain.QualityTier {
	switch qs.Decide(in) {
	case DecisionDowngrade:
		return current.Lower()
	case DecisionUpgrade:
		return current.Higher()
	}
	return current
}

// ComputeInput derives outbound loss ratio and bitrate between two samples.
// ok is false when the samples cannot be compared (first sample, clock
// not advanced, or counters reset by a rebuilt connection).
func ComputeInput(prev, cur domain.TransportSample) (in domain.QualityInput, ok bool) {
	elapsed := cur.Timestamp.Sub(prev.Timestamp)
	if prev.Timestamp.IsZero() || elapsed <= 0 {
		return in, false
	}

	prevOut := sumCounters(prev.OutboundVideo, prev.OutboundAudio)
	curOut := sumCounters(cur.OutboundVideo, cur.OutboundAudio)
	if curOut.Bytes < prevOut.Bytes || curOut.Packets < prevOut.Packets {
		return in, false
	}

	bytes := curOut.Bytes - prevOut.Bytes
	packets := int64(curOut.Packets - prevOut.Packets)
	lost := curOut.PacketsLost - prevOut.PacketsLost
	if lost < 0 {
		lost = 0
	}

	in.BitrateBps = int64(float64(bytes*8) / elapsed.Seconds())
	if total := packets + lost; total > 0 {
		in.LossRatio = float64(lost) / float64(total)
	}
	return in, true
}

// Bitrate returns bits per second between two cumulative byte counts.
func Bitrate(prevBytes, curBytes uint64, elapsed time.Duration) int64 {
	if elapsed <= 0 || curBytes < prevBytes {
		return 0
	}
	return int64(float64((curBytes-prevBytes)*8) / elapsed.Seconds())
}

func sumCounters(a, b domain.RTPCounters) domain.RTPCounters {
	return domain.RTPCounters{
		Bytes:       a.Bytes + b.Bytes,
		Packets:     a.Packets + b.Packets,
		PacketsLost: a.PacketsLost + b.PacketsLost,
	}
}
