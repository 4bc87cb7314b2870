// Package devices captures from real cameras and microphones through
// pion/mediadevices. Drivers and encoders need cgo and are compiled in with
// the "hardware" build tag; without it the provider reports the runtime as
// unsupported.
package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
)

// Provider implements ports.CapabilityProvider on top of mediadevices.
type Provider struct {
	selector *mediadevices.CodecSelector
	logger   *zap.SugaredLogger
}

var _ ports.CapabilityProvider = (*Provider)(nil)

// NewProvider builds a provider encoding at videoBitrate bits per second.
func NewProvider(videoBitrate int, logger *zap.SugaredLogger) *Provider {
	selector, err := newCodecSelector(videoBitrate)
	if err != nil {
		logger.Warnw("hardware capture unavailable", "error", err)
	}
	return &Provider{selector: selector, logger: logger}
}

func (p *Provider) Supported() bool {
	return p.selector != nil
}

func (p *Provider) Profile() domain.RuntimeProfile {
	return domain.ProfileNative
}

// EnumerateDevices lists drivers without opening them, so it never
// prompts.
func (p *Provider) EnumerateDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	if !p.Supported() {
		return nil, domain.ErrUnsupportedRuntime
	}
	var out []domain.DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		var kind domain.TrackKind
		switch d.Kind {
		case mediadevices.VideoInput:
			kind = domain.TrackKindVideo
		case mediadevices.AudioInput:
			kind = domain.TrackKindAudio
		default:
			continue
		}
		out = append(out, domain.DeviceInfo{ID: d.DeviceID, Label: d.Label, Kind: kind})
	}
	return out, nil
}

// QueryPermission is unavailable: native capture has no permission query,
// access is decided when the device is opened.
func (p *Provider) QueryPermission(ctx context.Context, kind domain.TrackKind) (domain.PermissionState, error) {
	return "", domain.ErrPermissionsUnavailable
}

func (p *Provider) GetUserMedia(ctx context.Context, req domain.MediaRequest) ([]domain.MediaTrack, error) {
	if !p.Supported() {
		return nil, domain.ErrUnsupportedRuntime
	}
	if !req.Video && !req.Audio {
		return nil, fmt.Errorf("%w: empty request", domain.ErrNoDeviceFound)
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(buildConstraints(req, p.selector))
		done <- result{stream, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// Release whatever the abandoned open produces.
		go func() {
			if late := <-done; late.err == nil {
				for _, t := range late.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, classify(res.err)
	}

	shape := domain.VideoConstraints{}
	if req.Constraints != nil {
		shape = *req.Constraints
	}

	var tracks []domain.MediaTrack
	for _, t := range res.stream.GetVideoTracks() {
		tracks = append(tracks, newTrack(t, domain.TrackKindVideo, shape))
	}
	for _, t := range res.stream.GetAudioTracks() {
		tracks = append(tracks, newTrack(t, domain.TrackKindAudio, domain.VideoConstraints{}))
	}
	p.logger.Infow("hardware capture started", "request", req.String(), "tracks", len(tracks))
	return tracks, nil
}

func buildConstraints(req domain.MediaRequest, selector *mediadevices.CodecSelector) mediadevices.MediaStreamConstraints {
	c := mediadevices.MediaStreamConstraints{Codec: selector}
	if req.Video {
		c.Video = func(t *mediadevices.MediaTrackConstraints) {
			if req.Constraints == nil {
				return
			}
			t.Width = prop.Int(req.Constraints.Width)
			t.Height = prop.Int(req.Constraints.Height)
			t.FrameRate = prop.Float(req.Constraints.FrameRate)
		}
	}
	if req.Audio {
		c.Audio = func(t *mediadevices.MediaTrackConstraints) {
			t.SampleRate = prop.Int(48000)
			t.ChannelCount = prop.Int(1)
		}
	}
	return c
}

// classify maps driver errors onto the capture error taxonomy. Drivers
// report through plain errors, so the text is all there is.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	case strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", domain.ErrDeviceBusy, err)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "failed to find"), strings.Contains(msg, "no such"):
		return fmt.Errorf("%w: %v", domain.ErrNoDeviceFound, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrDeviceBusy, err)
}

var errReshapeUnsupported = errors.New("hardware tracks cannot be reshaped while live")

// track adapts a mediadevices track. mediadevices tracks are themselves
// webrtc.TrackLocal and bind straight to senders.
type track struct {
	src  mediadevices.Track
	kind domain.TrackKind

	mu      sync.Mutex
	enabled bool
	ended   bool
	shape   domain.VideoConstraints
}

func newTrack(src mediadevices.Track, kind domain.TrackKind, shape domain.VideoConstraints) *track {
	t := &track{src: src, kind: kind, enabled: true, shape: shape}
	src.OnEnded(func(error) {
		t.mu.Lock()
		t.ended = true
		t.mu.Unlock()
	})
	return t
}

func (t *track) ID() string               { return t.src.ID() }
func (t *track) Kind() domain.TrackKind   { return t.kind }
func (t *track) Local() webrtc.TrackLocal { return t.src }

func (t *track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.ended
}

func (t *track) Stop() error {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return nil
	}
	t.ended = true
	t.mu.Unlock()
	return t.src.Close()
}

func (t *track) ApplyConstraints(c domain.VideoConstraints) error {
	return errReshapeUnsupported
}

func (t *track) Settings() domain.VideoConstraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shape
}
