package devices

import (
	"errors"
	"testing"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestage/internal/core/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		target error
	}{
		{errors.New("open /dev/video0: permission denied"), domain.ErrPermissionDenied},
		{errors.New("VIDIOC_STREAMON: device or resource busy"), domain.ErrDeviceBusy},
		{errors.New("failed to find the best driver that fits the constraints"), domain.ErrNoDeviceFound},
		{errors.New("something odd"), domain.ErrDeviceBusy},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, classify(tt.err), tt.target, tt.err.Error())
	}
}

func TestBuildConstraints(t *testing.T) {
	shape := domain.QualityLow.Constraints()
	c := buildConstraints(domain.MediaRequest{Video: true, Constraints: &shape}, nil)
	require.NotNil(t, c.Video)
	assert.Nil(t, c.Audio)

	var vc mediadevices.MediaTrackConstraints
	c.Video(&vc)
	assert.Equal(t, prop.Int(640), vc.Width)
	assert.Equal(t, prop.Int(360), vc.Height)
	assert.Equal(t, prop.Float(15), vc.FrameRate)

	c = buildConstraints(domain.MediaRequest{Video: true, Audio: true}, nil)
	require.NotNil(t, c.Audio)
	var plain mediadevices.MediaTrackConstraints
	c.Video(&plain)
	assert.Nil(t, plain.Width, "unconstrained video leaves the shape to the driver")
}
