package synthetic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"livestage/internal/core/domain"
)

func newTestProvider(opts Options) *Provider {
	return NewProvider(opts, zap.NewNop().Sugar())
}

func TestProvider_CapturesRequestedKinds(t *testing.T) {
	p := newTestProvider(DefaultOptions())
	ctx := context.Background()

	tracks, err := p.GetUserMedia(ctx, domain.MediaRequest{Video: true, Audio: true})
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, domain.TrackKindVideo, tracks[0].Kind())
	assert.Equal(t, domain.TrackKindAudio, tracks[1].Kind())
	assert.Equal(t, domain.QualityMedium.Constraints(), tracks[0].Settings())
	assert.NotNil(t, tracks[0].Local())
	assert.Equal(t, 2, p.LiveTracks())

	for _, tr := range tracks {
		require.NoError(t, tr.Stop())
		require.NoError(t, tr.Stop())
		assert.False(t, tr.Live())
	}
	assert.Zero(t, p.LiveTracks())
}

func TestProvider_ConstrainedVideo(t *testing.T) {
	p := newTestProvider(DefaultOptions())
	low := domain.QualityLow.Constraints()

	tracks, err := p.GetUserMedia(context.Background(), domain.MediaRequest{Video: true, Constraints: &low})
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	video := tracks[0]
	defer video.Stop()

	assert.Equal(t, low, video.Settings())
	require.NoError(t, video.ApplyConstraints(domain.QualityHigh.Constraints()))
	assert.Equal(t, domain.QualityHigh.Constraints(), video.Settings())

	video.SetEnabled(false)
	assert.False(t, video.Enabled())

	require.NoError(t, video.Stop())
	assert.Error(t, video.ApplyConstraints(low), "ended tracks stay ended")
}

func TestProvider_Faults(t *testing.T) {
	ctx := context.Background()
	av := domain.MediaRequest{Video: true, Audio: true}
	audio := domain.MediaRequest{Audio: true}
	medium := domain.QualityMedium.Constraints()

	tests := []struct {
		name   string
		opts   Options
		req    domain.MediaRequest
		target error
	}{
		{"unsupported", Options{Cameras: 1, Microphones: 1, Faults: Faults{Unsupported: true}}, av, domain.ErrUnsupportedRuntime},
		{"denied", Options{Cameras: 1, Microphones: 1, Faults: Faults{DenyPermission: true}}, av, domain.ErrPermissionDenied},
		{"no camera", Options{Microphones: 1}, av, domain.ErrNoDeviceFound},
		{"no microphone", Options{Cameras: 1}, audio, domain.ErrNoDeviceFound},
		{"busy camera", Options{Cameras: 1, Microphones: 1, Faults: Faults{BusyCamera: true}}, av, domain.ErrDeviceBusy},
		{"rejected constraints", Options{Cameras: 1, Microphones: 1, Faults: Faults{RejectConstraints: true}},
			domain.MediaRequest{Video: true, Audio: true, Constraints: &medium}, domain.ErrNoDeviceFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(tt.opts)
			_, err := p.GetUserMedia(ctx, tt.req)
			assert.ErrorIs(t, err, tt.target)
			assert.Zero(t, p.LiveTracks())
		})
	}
}

func TestProvider_FlakyAudioRecovers(t *testing.T) {
	opts := DefaultOptions()
	opts.Faults = Faults{BusyCamera: true, AudioFailures: 1}
	p := newTestProvider(opts)
	ctx := context.Background()

	_, err := p.GetUserMedia(ctx, domain.MediaRequest{Audio: true})
	assert.ErrorIs(t, err, domain.ErrDeviceBusy)

	tracks, err := p.GetUserMedia(ctx, domain.MediaRequest{Audio: true})
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	defer tracks[0].Stop()

	assert.Len(t, p.Requests(), 2)
}

func TestProvider_Permissions(t *testing.T) {
	ctx := context.Background()

	p := newTestProvider(DefaultOptions())
	state, err := p.QueryPermission(ctx, domain.TrackKindVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionGranted, state)

	p.SetFaults(Faults{HidePermissions: true})
	_, err = p.QueryPermission(ctx, domain.TrackKindAudio)
	assert.ErrorIs(t, err, domain.ErrPermissionsUnavailable)

	devices, err := p.EnumerateDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

func TestParseFaults(t *testing.T) {
	f, err := ParseFaults("busy-camera, flaky-audio")
	require.NoError(t, err)
	assert.True(t, f.BusyCamera)
	assert.Equal(t, 1, f.AudioFailures)

	f, err = ParseFaults("")
	require.NoError(t, err)
	assert.Equal(t, Faults{}, f)

	_, err = ParseFaults("meteor")
	assert.Error(t, err)
}
