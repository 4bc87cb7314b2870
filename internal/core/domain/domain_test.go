package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

type stubTrack struct {
	kind    TrackKind
	live    bool
	enabled bool
}

func (t *stubTrack) ID() string                              { return string(t.kind) }
func (t *stubTrack) Kind() TrackKind                         { return t.kind }
func (t *stubTrack) Enabled() bool                           { return t.enabled }
func (t *stubTrack) SetEnabled(e bool)                       { t.enabled = e }
func (t *stubTrack) Live() bool                              { return t.live }
func (t *stubTrack) Stop() error                             { t.live = false; return nil }
func (t *stubTrack) ApplyConstraints(VideoConstraints) error { return nil }
func (t *stubTrack) Settings() VideoConstraints              { return VideoConstraints{} }
func (t *stubTrack) Local() webrtc.TrackLocal                { return nil }

func TestQualityTier_Neighbours(t *testing.T) {
	assert.Equal(t, QualityLow, QualityLow.Lower())
	assert.Equal(t, QualityLow, QualityMedium.Lower())
	assert.Equal(t, QualityHigh, QualityMedium.Higher())
	assert.Equal(t, QualityHigh, QualityHigh.Higher())

	low, high := QualityLow.Constraints(), QualityHigh.Constraints()
	assert.Less(t, low.Width, high.Width)
	assert.LessOrEqual(t, low.FrameRate, high.FrameRate)
}

func TestParseQualityTier(t *testing.T) {
	for _, tier := range []QualityTier{QualityLow, QualityMedium, QualityHigh} {
		parsed, err := ParseQualityTier(tier.String())
		assert.NoError(t, err)
		assert.Equal(t, tier, parsed)
	}

	_, err := ParseQualityTier("ultra")
	assert.Error(t, err)
}

func TestLocalStream(t *testing.T) {
	video := &stubTrack{kind: TrackKindVideo, live: true}
	audio := &stubTrack{kind: TrackKindAudio, live: true}
	s := NewLocalStream("cam", video, audio)

	assert.False(t, s.Empty())
	assert.True(t, s.Active())
	assert.Len(t, s.VideoTracks(), 1)
	assert.Len(t, s.AudioTracks(), 1)

	_ = video.Stop()
	assert.True(t, s.Active())
	assert.Equal(t, 1, s.LiveTracks())

	_ = audio.Stop()
	assert.False(t, s.Active())

	empty := EmptyStream()
	assert.True(t, empty.Empty())
	assert.False(t, empty.Active())

	var nilStream *LocalStream
	assert.True(t, nilStream.Empty())
	assert.Nil(t, nilStream.Tracks())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		kind ErrorKind
		ok   bool
	}{
		{fmt.Errorf("getUserMedia: %w", ErrPermissionDenied), KindPermissionDenied, true},
		{fmt.Errorf("open /dev/video0: %w", ErrDeviceBusy), KindDeviceBusy, true},
		{NewSessionError(KindConnectionLost, "viewer-1", errors.New("ice failed")), KindConnectionLost, true},
		{errors.New("boom"), "", false},
	}

	for _, tt := range tests {
		kind, ok := KindOf(tt.err)
		assert.Equal(t, tt.ok, ok, tt.err.Error())
		assert.Equal(t, tt.kind, kind, tt.err.Error())
	}
}

func TestSessionError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("set remote description")
	err := NewSessionError(KindNegotiationFailed, "host", cause)

	assert.ErrorIs(t, err, ErrNegotiationFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConnectionLost)
	assert.Contains(t, err.Error(), "party host")
}

func TestErrorKind_Classes(t *testing.T) {
	assert.True(t, KindConnectionLost.Recoverable())
	assert.True(t, KindSignalingUnreachable.Recoverable())
	assert.False(t, KindPermissionDenied.Recoverable())

	for _, k := range []ErrorKind{KindPermissionDenied, KindNoDeviceFound, KindDeviceBusy, KindUnsupportedRuntime} {
		assert.True(t, k.RequiresUser(), k)
	}
	assert.False(t, KindNegotiationFailed.RequiresUser())
}

func TestNegotiationMessage_Union(t *testing.T) {
	route := Route{StreamID: "s", From: "host", To: "viewer"}
	msgs := []NegotiationMessage{
		Offer{Route: route},
		Answer{Route: route},
		Candidate{Route: route},
		RenegotiateRequest{Route: route},
	}
	want := []NegotiationType{NegotiationOffer, NegotiationAnswer, NegotiationCandidate, NegotiationRenegotiate}

	for i, m := range msgs {
		assert.Equal(t, want[i], m.Type())
		assert.Equal(t, route, m.Routing())
	}
}
