package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
	"livestage/pkg/retry"
	"livestage/pkg/tracing"
)

const acquireKey = "acquire"

// Acquisition outcomes recorded as metrics.
const (
	OutcomeFull    = "full"
	OutcomePartial = "partial"
	OutcomeEmpty   = "empty"
	OutcomeReused  = "reused"
	OutcomeSkipped = "skipped"
)

// AcquisitionResult is never an error: a failed cascade yields an empty
// stream plus a warning.
type AcquisitionResult struct {
	Stream  *domain.LocalStream
	Warning *domain.AcquisitionWarning
	Outcome string
}

type AcquisitionConfig struct {
	Options     CascadeOptions
	StepTimeout time.Duration
}

// MediaAcquisition runs the constraint cascade against the capability
// provider. At most one acquisition is in flight; concurrent callers share it.
type MediaAcquisition struct {
	provider   ports.CapabilityProvider
	strategies StrategyTable
	cfg        AcquisitionConfig
	metrics    ports.MetricsRecorder
	logger     *zap.SugaredLogger

	group singleflight.Group

	mu      sync.Mutex
	current *domain.LocalStream

	sleep func(ctx context.Context, d time.Duration) error
}

func NewMediaAcquisition(
	provider ports.CapabilityProvider,
	strategies StrategyTable,
	cfg AcquisitionConfig,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *MediaAcquisition {
	if strategies == nil {
		strategies = DefaultStrategyTable()
	}
	return &MediaAcquisition{
		provider:   provider,
		strategies: strategies,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		sleep:      retry.Sleep,
	}
}

// Acquire returns a capture stream for role at tier. Viewers get an empty
// stream without touching the provider. A still-active previous stream is
// reused.
func (a *MediaAcquisition) Acquire(ctx context.Context, role domain.Role, tier domain.QualityTier) AcquisitionResult {
	if role != domain.RoleHost {
		a.record(OutcomeSkipped)
		return AcquisitionResult{Stream: domain.EmptyStream(), Outcome: OutcomeSkipped}
	}

	a.mu.Lock()
	if a.current.Active() {
		stream := a.current
		a.mu.Unlock()
		a.record(OutcomeReused)
		return AcquisitionResult{Stream: stream, Outcome: OutcomeReused}
	}
	a.mu.Unlock()

	v, _, _ := a.group.Do(acquireKey, func() (interface{}, error) {
		return a.runCascade(ctx, tier), nil
	})
	result := v.(AcquisitionResult)
	a.record(result.Outcome)
	return result
}

// Current returns the last acquired stream, which may have ended.
func (a *MediaAcquisition) Current() *domain.LocalStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Profile exposes the provider's runtime profile.
func (a *MediaAcquisition) Profile() domain.RuntimeProfile {
	if a.provider == nil {
		return domain.ProfileGeneric
	}
	return a.provider.Profile()
}

// Strategy returns the strategy used for the provider's runtime.
func (a *MediaAcquisition) Strategy() RuntimeStrategy {
	return a.strategies.Strategy(a.Profile())
}

func (a *MediaAcquisition) runCascade(ctx context.Context, tier domain.QualityTier) (result AcquisitionResult) {
	ctx, span := tracing.TraceAcquisition(ctx, string(domain.RoleHost), tier.String())
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorw("media acquisition panicked", "panic", fmt.Sprint(r))
			result = emptyResult([]stepFailure{{step: "panic", err: fmt.Errorf("%v", r)}})
		}
	}()

	if a.provider == nil || !a.provider.Supported() {
		return AcquisitionResult{
			Stream: domain.EmptyStream(),
			Warning: &domain.AcquisitionWarning{
				Reason: domain.WarningUnsupportedRuntime,
				Kind:   domain.KindUnsupportedRuntime,
				Err:    domain.ErrUnsupportedRuntime,
			},
			Outcome: OutcomeEmpty,
		}
	}

	steps := a.Strategy().Cascade(tier, a.cfg.Options)
	var failures []stepFailure

	for _, step := range steps {
		if step.Delay > 0 {
			if err := a.sleep(ctx, step.Delay); err != nil {
				failures = append(failures, stepFailure{step: step.Name, err: err})
				break
			}
		}

		tracks, err := a.attempt(ctx, step)
		if err != nil {
			a.logger.Infow("media acquisition step failed",
				"step", step.Name,
				"request", step.Request.String(),
				"error", err,
			)
			failures = append(failures, stepFailure{step: step.Name, err: err})
			continue
		}

		if step.Probe {
			stopTracks(tracks)
			continue
		}

		live := make([]domain.MediaTrack, 0, len(tracks))
		for _, t := range tracks {
			if t.Live() {
				live = append(live, t)
			} else {
				_ = t.Stop()
			}
		}
		if len(live) == 0 {
			failures = append(failures, stepFailure{step: step.Name, err: domain.ErrNoDeviceFound})
			continue
		}

		stream := domain.NewLocalStream(uuid.NewString(), live...)
		a.mu.Lock()
		a.current = stream
		a.mu.Unlock()

		result := AcquisitionResult{Stream: stream, Outcome: OutcomeFull}
		missingVideo := len(stream.VideoTracks()) == 0
		missingAudio := len(stream.AudioTracks()) == 0
		if missingVideo || missingAudio {
			result.Outcome = OutcomePartial
			result.Warning = buildWarning(missingVideo, missingAudio, failures)
		}

		a.logger.Infow("media acquired",
			"step", step.Name,
			"video_tracks", len(stream.VideoTracks()),
			"audio_tracks", len(stream.AudioTracks()),
		)
		return result
	}

	result = emptyResult(failures)
	tracing.RecordError(ctx, result.Warning)
	a.logger.Warnw("media acquisition exhausted",
		"reason", result.Warning.Reason,
		"attempts", len(failures),
	)
	return result
}

func (a *MediaAcquisition) attempt(ctx context.Context, step CascadeStep) ([]domain.MediaTrack, error) {
	if a.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.StepTimeout)
		defer cancel()
	}
	return a.provider.GetUserMedia(ctx, step.Request)
}

func (a *MediaAcquisition) record(outcome string) {
	if a.metrics != nil {
		a.metrics.RecordAcquisition(outcome)
	}
}

type stepFailure struct {
	step string
	err  error
}

func emptyResult(failures []stepFailure) AcquisitionResult {
	return AcquisitionResult{
		Stream:  domain.EmptyStream(),
		Warning: buildWarning(true, true, failures),
		Outcome: OutcomeEmpty,
	}
}

// buildWarning picks the most actionable cause: a denial beats a busy
// device, which beats a missing one.
func buildWarning(missingVideo, missingAudio bool, failures []stepFailure) *domain.AcquisitionWarning {
	kind, cause := classifyFailures(failures)

	w := &domain.AcquisitionWarning{Kind: kind, Err: cause}
	switch kind {
	case domain.KindPermissionDenied:
		w.Reason = domain.WarningPermissionDenied
	case domain.KindDeviceBusy:
		w.Reason = domain.WarningDeviceBusy
	case domain.KindUnsupportedRuntime:
		w.Reason = domain.WarningUnsupportedRuntime
	default:
		switch {
		case missingVideo && missingAudio:
			w.Reason = domain.WarningNoDevices
		case missingVideo:
			w.Reason = domain.WarningNoCamera
		default:
			w.Reason = domain.WarningNoMicrophone
		}
	}
	return w
}

func classifyFailures(failures []stepFailure) (domain.ErrorKind, error) {
	for _, want := range []domain.ErrorKind{
		domain.KindPermissionDenied,
		domain.KindDeviceBusy,
		domain.KindUnsupportedRuntime,
	} {
		for _, f := range failures {
			if errors.Is(f.err, want.Sentinel()) {
				return want, f.err
			}
		}
	}
	for _, f := range failures {
		if errors.Is(f.err, domain.ErrNoDeviceFound) {
			return domain.KindNoDeviceFound, f.err
		}
	}
	if len(failures) > 0 {
		return domain.KindNoDeviceFound, fmt.Errorf("%w: %v", domain.ErrNoDeviceFound, failures[len(failures)-1].err)
	}
	return domain.KindNoDeviceFound, domain.ErrNoDeviceFound
}

// stopTracks is only used on tracks that never left the cascade.
func stopTracks(tracks []domain.MediaTrack) {
	for _, t := range tracks {
		_ = t.Stop()
	}
}

// ForceRelease opens req once and stops it immediately. Some runtimes only
// let go of the device after such a cycle. Errors are ignored.
func (a *MediaAcquisition) ForceRelease(ctx context.Context, req domain.MediaRequest) {
	if a.provider == nil || !a.provider.Supported() {
		return
	}
	tracks, err := a.attempt(ctx, CascadeStep{Name: "force-release", Request: req})
	if err != nil {
		a.logger.Debugw("force release acquire failed", "request", req.String(), "error", err)
		return
	}
	stopTracks(tracks)
}
