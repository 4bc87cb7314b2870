package synthetic

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"livestage/internal/core/domain"
)

const (
	audioFrame      = 20 * time.Millisecond
	audioFrameBytes = 160
	// bytes generated per pixel per frame; 720p at 30fps comes out near 1 Mbps
	videoBytesPerPixel = 1.0 / 200
)

// Track is a generated capture track. Video frames are sized from the
// current shape so that lowering the tier lowers the outbound bitrate.
type Track struct {
	id    string
	kind  domain.TrackKind
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	ended   bool
	shape   domain.VideoConstraints
	reshape chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	onStop   func(*Track)
}

func newTrack(kind domain.TrackKind, streamID string, shape domain.VideoConstraints) (*Track, error) {
	id := fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])

	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == domain.TrackKindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	return &Track{
		id:      id,
		kind:    kind,
		local:   local,
		enabled: true,
		shape:   shape,
		reshape: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}, nil
}

func (t *Track) ID() string               { return t.id }
func (t *Track) Kind() domain.TrackKind   { return t.kind }
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.ended
}

// Stop ends the track for good. Repeated calls are no-ops.
func (t *Track) Stop() error {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.ended = true
		t.mu.Unlock()
		close(t.stop)
		if t.onStop != nil {
			t.onStop(t)
		}
	})
	return nil
}

func (t *Track) ApplyConstraints(c domain.VideoConstraints) error {
	if t.kind != domain.TrackKindVideo {
		return fmt.Errorf("constraints apply to video tracks only")
	}
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return fmt.Errorf("track %s has ended", t.id)
	}
	t.shape = c
	t.mu.Unlock()

	select {
	case t.reshape <- struct{}{}:
	default:
	}
	return nil
}

func (t *Track) Settings() domain.VideoConstraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shape
}

func (t *Track) frame() (interval time.Duration, size int, send bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.kind == domain.TrackKindAudio {
		return audioFrame, audioFrameBytes, t.enabled
	}
	fps := t.shape.FrameRate
	if fps <= 0 {
		fps = 30
	}
	size = int(float64(t.shape.Width*t.shape.Height) * videoBytesPerPixel)
	if size < 1 {
		size = 1
	}
	return time.Duration(float64(time.Second) / fps), size, t.enabled
}

// generate writes frames until the track stops. Writes before the track is
// bound to a sender are dropped by pion.
func (t *Track) generate() {
	interval, _, _ := t.frame()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var payload []byte
	for {
		select {
		case <-t.stop:
			return
		case <-t.reshape:
			next, _, _ := t.frame()
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-ticker.C:
			_, size, send := t.frame()
			if !send {
				continue
			}
			if cap(payload) < size {
				payload = make([]byte, size)
			}
			payload = payload[:size]
			// A failing binding must not starve the other peers sharing the track.
			_ = t.local.WriteSample(media.Sample{Data: payload, Duration: interval})
		}
	}
}
