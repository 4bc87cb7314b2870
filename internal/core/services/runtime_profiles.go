package services

import (
	"time"

	"livestage/internal/core/domain"
)

// CascadeStep is one capture attempt of the acquisition cascade.
type CascadeStep struct {
	Name    string
	Request domain.MediaRequest
	// Delay is waited before the attempt; some runtimes need the device to
	// settle after a failed request.
	Delay time.Duration
	// Probe steps only unlock permissions: whatever they capture is stopped
	// at once and the cascade continues.
	Probe bool
}

type CascadeOptions struct {
	AudioRetryDelay time.Duration
}

// RuntimeStrategy is the per-runtime acquisition behaviour.
type RuntimeStrategy struct {
	Cascade func(tier domain.QualityTier, opts CascadeOptions) []CascadeStep
	// HoldsDeviceLock marks runtimes that keep the device busy after stop;
	// the release guard runs a transient acquire-and-stop for them.
	HoldsDeviceLock bool
}

// StrategyTable maps a detected runtime profile to its strategy.
type StrategyTable map[domain.RuntimeProfile]RuntimeStrategy

func DefaultStrategyTable() StrategyTable {
	standard := RuntimeStrategy{Cascade: standardCascade}
	return StrategyTable{
		domain.ProfileGeneric:  standard,
		domain.ProfileChromium: standard,
		domain.ProfileNative:   standard,
		domain.ProfileFirefox:  {Cascade: firefoxCascade, HoldsDeviceLock: true},
		domain.ProfileSafari:   {Cascade: safariCascade, HoldsDeviceLock: true},
	}
}

// Strategy returns the entry for profile, falling back to the generic one.
func (t StrategyTable) Strategy(profile domain.RuntimeProfile) RuntimeStrategy {
	if s, ok := t[profile]; ok && s.Cascade != nil {
		return s
	}
	if s, ok := t[domain.ProfileGeneric]; ok && s.Cascade != nil {
		return s
	}
	return RuntimeStrategy{Cascade: standardCascade}
}

func standardCascade(tier domain.QualityTier, opts CascadeOptions) []CascadeStep {
	ideal := tier.Constraints()
	return []CascadeStep{
		{Name: "ideal", Request: domain.MediaRequest{Video: true, Audio: true, Constraints: &ideal}},
		{Name: "default", Request: domain.MediaRequest{Video: true, Audio: true}},
		{Name: "video-only", Request: domain.MediaRequest{Video: true}},
		{Name: "audio-only", Request: domain.MediaRequest{Audio: true}, Delay: opts.AudioRetryDelay},
	}
}

// Firefox grants camera and microphone more reliably after a separate
// microphone request, and rejects frame rate ideals on some drivers.
func firefoxCascade(tier domain.QualityTier, opts CascadeOptions) []CascadeStep {
	ideal := tier.Constraints()
	ideal.FrameRate = 0
	return []CascadeStep{
		{Name: "permission-probe", Request: domain.MediaRequest{Audio: true}, Probe: true},
		{Name: "ideal", Request: domain.MediaRequest{Video: true, Audio: true, Constraints: &ideal}},
		{Name: "default", Request: domain.MediaRequest{Video: true, Audio: true}},
		{Name: "video-only", Request: domain.MediaRequest{Video: true}},
		{Name: "audio-only", Request: domain.MediaRequest{Audio: true}, Delay: 2 * opts.AudioRetryDelay},
	}
}

// Safari caps capture at 720p and ignores frame rate ideals.
func safariCascade(tier domain.QualityTier, opts CascadeOptions) []CascadeStep {
	shaped := tier.Constraints()
	if shaped.Height > 720 {
		shaped = domain.QualityMedium.Constraints()
	}
	shaped.FrameRate = 0
	return []CascadeStep{
		{Name: "ideal", Request: domain.MediaRequest{Video: true, Audio: true, Constraints: &shaped}},
		{Name: "default", Request: domain.MediaRequest{Video: true, Audio: true}},
		{Name: "video-only", Request: domain.MediaRequest{Video: true}},
		{Name: "audio-only", Request: domain.MediaRequest{Audio: true}, Delay: opts.AudioRetryDelay},
	}
}
