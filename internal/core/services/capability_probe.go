package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
)

// MediaCapabilityProbe answers capability questions without side effects.
// Every failure degrades to false or PermissionUnknown.
type MediaCapabilityProbe struct {
	provider ports.CapabilityProvider
	logger   *zap.SugaredLogger
}

func NewMediaCapabilityProbe(provider ports.CapabilityProvider, logger *zap.SugaredLogger) *MediaCapabilityProbe {
	return &MediaCapabilityProbe{provider: provider, logger: logger}
}

// CheckSupport reports whether any capture API is present.
func (p *MediaCapabilityProbe) CheckSupport() (supported bool) {
	defer p.guardPanic("check_support", func() { supported = false })

	if p.provider == nil {
		return false
	}
	return p.provider.Supported()
}

// CheckMediaDevices enumerates devices without prompting for permission.
func (p *MediaCapabilityProbe) CheckMediaDevices(ctx context.Context) (avail domain.DeviceAvailability) {
	defer p.guardPanic("check_media_devices", func() { avail = domain.DeviceAvailability{} })

	if !p.CheckSupport() {
		return avail
	}

	devices, err := p.provider.EnumerateDevices(ctx)
	if err != nil {
		p.logger.Debugw("device enumeration failed", "error", err)
		return avail
	}

	for _, d := range devices {
		switch d.Kind {
		case domain.TrackKindVideo:
			avail.HasVideo = true
		case domain.TrackKindAudio:
			avail.HasAudio = true
		}
	}
	return avail
}

// CheckPermissions queries camera and microphone permission state,
// falling back to unknown when the runtime cannot tell.
func (p *MediaCapabilityProbe) CheckPermissions(ctx context.Context) domain.Permissions {
	return domain.Permissions{
		Camera:     p.queryPermission(ctx, domain.TrackKindVideo),
		Microphone: p.queryPermission(ctx, domain.TrackKindAudio),
	}
}

func (p *MediaCapabilityProbe) queryPermission(ctx context.Context, kind domain.TrackKind) (state domain.PermissionState) {
	defer p.guardPanic("query_permission", func() { state = domain.PermissionUnknown })

	if !p.CheckSupport() {
		return domain.PermissionUnknown
	}

	state, err := p.provider.QueryPermission(ctx, kind)
	if err != nil {
		if !errors.Is(err, domain.ErrPermissionsUnavailable) {
			p.logger.Debugw("permission query failed", "kind", kind, "error", err)
		}
		return domain.PermissionUnknown
	}

	switch state {
	case domain.PermissionGranted, domain.PermissionDenied, domain.PermissionPrompt:
		return state
	}
	return domain.PermissionUnknown
}

func (p *MediaCapabilityProbe) guardPanic(op string, fallback func()) {
	if r := recover(); r != nil {
		p.logger.Warnw("capability probe panicked", "op", op, "panic", fmt.Sprint(r))
		fallback()
	}
}
