package ports

import (
	"context"

	"livestage/internal/core/domain"
)

// CapabilityProvider is the runtime's capture surface. Implementations must
// classify failures with the domain sentinels (ErrPermissionDenied,
// ErrNoDeviceFound, ErrDeviceBusy, ErrUnsupportedRuntime).
type CapabilityProvider interface {
	// Supported reports whether any capture API is present at all.
	Supported() bool
	Profile() domain.RuntimeProfile
	// EnumerateDevices must not trigger a permission prompt.
	EnumerateDevices(ctx context.Context) ([]domain.DeviceInfo, error)
	// QueryPermission returns domain.ErrPermissionsUnavailable when the
	// runtime cannot answer without prompting.
	QueryPermission(ctx context.Context, kind domain.TrackKind) (domain.PermissionState, error)
	GetUserMedia(ctx context.Context, req domain.MediaRequest) ([]domain.MediaTrack, error)
}

// MediaSink consumes a local stream, e.g. a preview window or recorder.
type MediaSink interface {
	Attach(stream *domain.LocalStream)
	Detach()
}
