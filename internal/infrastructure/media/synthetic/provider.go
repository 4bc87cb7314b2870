// Package synthetic provides a capture runtime with generated tracks and
// injectable failures. It backs tests, loopback runs and hosts without
// capture hardware.
package synthetic

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
)

// Faults selects the failures the provider injects.
type Faults struct {
	// Unsupported hides the capture API entirely.
	Unsupported bool
	// DenyPermission fails every capture with domain.ErrPermissionDenied.
	DenyPermission bool
	// BusyCamera fails any request that includes video with domain.ErrDeviceBusy.
	BusyCamera bool
	// RejectConstraints fails requests that carry explicit constraints.
	RejectConstraints bool
	// AudioFailures fails the first N audio-only requests with domain.ErrDeviceBusy.
	AudioFailures int
	// HidePermissions makes QueryPermission unavailable.
	HidePermissions bool
}

// ParseFaults reads a comma separated fault list such as "busy-camera,deny".
func ParseFaults(spec string) (Faults, error) {
	var f Faults
	for _, name := range strings.Split(spec, ",") {
		switch strings.TrimSpace(name) {
		case "":
		case "unsupported":
			f.Unsupported = true
		case "deny":
			f.DenyPermission = true
		case "busy-camera":
			f.BusyCamera = true
		case "reject-constraints":
			f.RejectConstraints = true
		case "flaky-audio":
			f.AudioFailures = 1
		case "hide-permissions":
			f.HidePermissions = true
		default:
			return Faults{}, fmt.Errorf("unknown fault %q", name)
		}
	}
	return f, nil
}

type Options struct {
	Profile     domain.RuntimeProfile
	Cameras     int
	Microphones int
	Faults      Faults
}

func DefaultOptions() Options {
	return Options{Profile: domain.ProfileNative, Cameras: 1, Microphones: 1}
}

// Provider implements ports.CapabilityProvider with generated media.
type Provider struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	opts     Options
	requests []domain.MediaRequest
	live     map[string]*Track
}

var _ ports.CapabilityProvider = (*Provider)(nil)

func NewProvider(opts Options, logger *zap.SugaredLogger) *Provider {
	return &Provider{
		opts:   opts,
		logger: logger,
		live:   make(map[string]*Track),
	}
}

// SetFaults replaces the injected failures.
func (p *Provider) SetFaults(f Faults) {
	p.mu.Lock()
	p.opts.Faults = f
	p.mu.Unlock()
}

// Requests returns every capture request seen so far, in order.
func (p *Provider) Requests() []domain.MediaRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.MediaRequest(nil), p.requests...)
}

// LiveTracks counts tracks that were handed out and not stopped.
func (p *Provider) LiveTracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func (p *Provider) Supported() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.opts.Faults.Unsupported
}

func (p *Provider) Profile() domain.RuntimeProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Profile == "" {
		return domain.ProfileGeneric
	}
	return p.opts.Profile
}

func (p *Provider) EnumerateDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.Faults.Unsupported {
		return nil, domain.ErrUnsupportedRuntime
	}
	var devices []domain.DeviceInfo
	for i := 0; i < p.opts.Cameras; i++ {
		devices = append(devices, domain.DeviceInfo{
			ID:    fmt.Sprintf("synthetic-camera-%d", i),
			Label: fmt.Sprintf("Synthetic Camera %d", i),
			Kind:  domain.TrackKindVideo,
		})
	}
	for i := 0; i < p.opts.Microphones; i++ {
		devices = append(devices, domain.DeviceInfo{
			ID:    fmt.Sprintf("synthetic-microphone-%d", i),
			Label: fmt.Sprintf("Synthetic Microphone %d", i),
			Kind:  domain.TrackKindAudio,
		})
	}
	return devices, nil
}

func (p *Provider) QueryPermission(ctx context.Context, kind domain.TrackKind) (domain.PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.Faults.HidePermissions {
		return "", domain.ErrPermissionsUnavailable
	}
	if p.opts.Faults.DenyPermission {
		return domain.PermissionDenied, nil
	}
	return domain.PermissionGranted, nil
}

func (p *Provider) GetUserMedia(ctx context.Context, req domain.MediaRequest) ([]domain.MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.requests = append(p.requests, req)
	err := p.checkLocked(req)
	p.mu.Unlock()
	if err != nil {
		p.logger.Debugw("synthetic capture failed", "request", req.String(), "error", err)
		return nil, err
	}

	shape := domain.QualityMedium.Constraints()
	if req.Constraints != nil {
		shape = *req.Constraints
	}
	streamID := "livestage-" + uuid.NewString()

	var tracks []domain.MediaTrack
	for _, kind := range requestedKinds(req) {
		t, err := newTrack(kind, streamID, shape)
		if err != nil {
			for _, made := range tracks {
				_ = made.Stop()
			}
			return nil, err
		}
		t.onStop = p.forget
		p.mu.Lock()
		p.live[t.id] = t
		p.mu.Unlock()
		go t.generate()
		tracks = append(tracks, t)
	}

	p.logger.Debugw("synthetic capture started", "request", req.String(), "tracks", len(tracks))
	return tracks, nil
}

func (p *Provider) checkLocked(req domain.MediaRequest) error {
	f := &p.opts.Faults
	switch {
	case f.Unsupported:
		return domain.ErrUnsupportedRuntime
	case !req.Video && !req.Audio:
		return fmt.Errorf("%w: empty request", domain.ErrNoDeviceFound)
	case f.DenyPermission:
		return domain.ErrPermissionDenied
	case req.Video && p.opts.Cameras == 0:
		return fmt.Errorf("%w: no camera", domain.ErrNoDeviceFound)
	case req.Audio && p.opts.Microphones == 0:
		return fmt.Errorf("%w: no microphone", domain.ErrNoDeviceFound)
	case req.Video && f.BusyCamera:
		return fmt.Errorf("%w: camera in use", domain.ErrDeviceBusy)
	case req.Constraints != nil && f.RejectConstraints:
		return fmt.Errorf("%w: constraints cannot be satisfied", domain.ErrNoDeviceFound)
	case req.Audio && !req.Video && f.AudioFailures > 0:
		f.AudioFailures--
		return fmt.Errorf("%w: microphone in use", domain.ErrDeviceBusy)
	}
	return nil
}

func (p *Provider) forget(t *Track) {
	p.mu.Lock()
	delete(p.live, t.id)
	p.mu.Unlock()
}

func requestedKinds(req domain.MediaRequest) []domain.TrackKind {
	var kinds []domain.TrackKind
	if req.Video {
		kinds = append(kinds, domain.TrackKindVideo)
	}
	if req.Audio {
		kinds = append(kinds, domain.TrackKindAudio)
	}
	return kinds
}
