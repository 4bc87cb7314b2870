package services

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
)

const maxQualityHistory = 100

// AdaptiveQualityService keeps a tier per remote party and drives the shared
// outbound video track at the lowest of them, so the weakest viewer sets the
// capture shape.
type AdaptiveQualityService struct {
	qualityService *QualityService
	metrics        ports.MetricsRecorder
	logger         *zap.SugaredLogger

	mu             sync.RWMutex
	initial        domain.QualityTier
	effective      domain.QualityTier
	partyTier      map[domain.PartyID]domain.QualityTier
	lastSwitchTime map[domain.PartyID]time.Time
	history        []QualitySnapshot
	stream         *domain.LocalStream

	minTimeBetweenSwitches time.Duration
	now                    func() time.Time
}

type QualitySnapshot struct {
	PartyID   domain.PartyID
	From, To  domain.QualityTier
	Input     domain.QualityInput
	Timestamp time.Time
}

func NewAdaptiveQualityService(
	qualityService *QualityService,
	initial domain.QualityTier,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *AdaptiveQualityService {
	return &AdaptiveQualityService{
		qualityService: qualityService,
		metrics:        metrics,
		logger:         logger,
		initial:        initial,
		effective:      initial,
		partyTier:      make(map[domain.PartyID]domain.QualityTier),
		lastSwitchTime: make(map[domain.PartyID]time.Time),
		now:            time.Now,
	}
}

// SetMinTimeBetweenSwitches sets the per-party hold time after a switch.
func (a *AdaptiveQualityService) SetMinTimeBetweenSwitches(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.minTimeBetweenSwitches = d
}

// Bind sets the stream whose video tracks follow the effective tier and
// applies the current tier to it.
func (a *AdaptiveQualityService) Bind(stream *domain.LocalStream) {
	a.mu.Lock()
	a.stream = stream
	tier := a.effective
	a.mu.Unlock()

	a.apply(stream, tier)
}

// Tier returns the tier currently applied to outbound video.
func (a *AdaptiveQualityService) Tier() domain.QualityTier {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.effective
}

// Observe feeds one evaluation for party and returns the effective tier.
func (a *AdaptiveQualityService) Observe(party domain.PartyID, in domain.QualityInput) domain.QualityTier {
	a.mu.Lock()

	current, ok := a.partyTier[party]
	if !ok {
		current = a.initial
		a.partyTier[party] = current
	}

	now := a.now()
	if last, seen := a.lastSwitchTime[party]; seen && now.Sub(last) < a.minTimeBetweenSwitches {
		tier := a.effective
		a.mu.Unlock()
		return tier
	}

	next := a.qualityService.NextTier(current, in)
	if next != current {
		a.partyTier[party] = next
		a.lastSwitchTime[party] = now
		a.history = append(a.history, QualitySnapshot{
			PartyID:   party,
			From:      current,
			To:        next,
			Input:     in,
			Timestamp: now,
		})
		if len(a.history) > maxQualityHistory {
			a.history = a.history[len(a.history)-maxQualityHistory:]
		}

		a.logger.Infow("quality switch triggered",
			"party_id", party,
			"from", current.String(),
			"to", next.String(),
			"loss_ratio", in.LossRatio,
			"bitrate_bps", in.BitrateBps,
		)
	}

	prev, stream, effective := a.recomputeLocked()
	a.mu.Unlock()

	if effective != prev {
		a.changed(prev, effective, stream)
	}
	return effective
}

// Forget drops a departed party; the effective tier may rise.
func (a *AdaptiveQualityService) Forget(party domain.PartyID) {
	a.mu.Lock()
	delete(a.partyTier, party)
	delete(a.lastSwitchTime, party)
	prev, stream, effective := a.recomputeLocked()
	a.mu.Unlock()

	if effective != prev {
		a.changed(prev, effective, stream)
	}
}

// History returns a copy of recent per-party switches.
func (a *AdaptiveQualityService) History() []QualitySnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]QualitySnapshot, len(a.history))
	copy(out, a.history)
	return out
}

func (a *AdaptiveQualityService) recomputeLocked() (prev domain.QualityTier, stream *domain.LocalStream, effective domain.QualityTier) {
	prev = a.effective
	effective = a.initial
	if len(a.partyTier) > 0 {
		effective = domain.QualityHigh
		for _, tier := range a.partyTier {
			if tier < effective {
				effective = tier
			}
		}
	}
	a.effective = effective
	return prev, a.stream, effective
}

func (a *AdaptiveQualityService) changed(from, to domain.QualityTier, stream *domain.LocalStream) {
	if a.metrics != nil {
		a.metrics.RecordQualityChange(from, to)
	}
	a.apply(stream, to)
}

// apply reshapes live video tracks; no renegotiation is involved.
func (a *AdaptiveQualityService) apply(stream *domain.LocalStream, tier domain.QualityTier) {
	for _, track := range stream.VideoTracks() {
		if !track.Live() {
			continue
		}
		if err := track.ApplyConstraints(tier.Constraints()); err != nil {
			a.logger.Warnw("failed to apply quality constraints",
				"track_id", track.ID(),
				"tier", tier.String(),
				"error", err,
			)
		}
	}
}

// Reset unbinds the stream and forgets every party.
func (a *AdaptiveQualityService) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stream = nil
	a.effective = a.initial
	a.partyTier = make(map[domain.PartyID]domain.QualityTier)
	a.lastSwitchTime = make(map[domain.PartyID]time.Time)
}
