package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"livestage/internal/core/domain"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestAcquisition(provider *MockCapabilityProvider) (*MediaAcquisition, *recordedSleeps) {
	a := NewMediaAcquisition(provider, nil, AcquisitionConfig{
		Options:     CascadeOptions{AudioRetryDelay: 500 * time.Millisecond},
		StepTimeout: time.Second,
	}, nil, testLogger())
	sleeps := &recordedSleeps{}
	a.sleep = sleeps.sleep
	return a, sleeps
}

func TestAcquire_ViewerShortCircuits(t *testing.T) {
	provider := newProvider(domain.ProfileGeneric)
	a, _ := newTestAcquisition(provider)

	result := a.Acquire(context.Background(), domain.RoleViewer, domain.QualityHigh)

	assert.True(t, result.Stream.Empty())
	assert.Nil(t, result.Warning)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	provider.AssertNotCalled(t, "GetUserMedia", mock.Anything, mock.Anything)
}

func TestAcquire_IdealSucceeds(t *testing.T) {
	provider := newProvider(domain.ProfileChromium)
	provider.On("GetUserMedia", mock.Anything, reqMatching(true, true, true)).Return(avTracks(), nil).Once()
	a, _ := newTestAcquisition(provider)

	result := a.Acquire(context.Background(), domain.RoleHost, domain.QualityHigh)

	assert.Equal(t, OutcomeFull, result.Outcome)
	assert.Nil(t, result.Warning)
	assert.Len(t, result.Stream.VideoTracks(), 1)
	assert.Len(t, result.Stream.AudioTracks(), 1)
	provider.AssertExpectations(t)
}

func TestAcquire_FallsBackToVideoOnly(t *testing.T) {
	provider := newProvider(domain.ProfileChromium)
	provider.On("GetUserMedia", mock.Anything, reqMatching(true, true, true)).Return(nil, domain.ErrNoDeviceFound).Once()
	provider.On("GetUserMedia", mock.Anything, reqMatching(true, true, false)).Return(nil, domain.ErrNoDeviceFound).Once()
	provider.On("GetUserMedia", mock.Anything, reqMatching(true, false, false)).
		Return([]domain.MediaTrack{newFakeTrack("v", domain.TrackKindVideo)}, nil).Once()
	a, sleeps := newTestAcquisition(provider)

	result := a.Acquire(context.Background(), domain.RoleHost, domain.QualityMedium)

	assert.Equal(t, OutcomePartial, result.Outcome)
	require.NotNil(t, result.Warning)
	assert.Equal(t, domain.WarningNoMicrophone, result.Warning.Reason)
	assert.Len(t, result.Stream.VideoTracks(), 1)
	assert.Empty(t, sleeps.delays, "audio-only step was never reached")
	provider.AssertExpectations(t)
}

func TestAcquire_AudioOnlyWaitsBeforeAttempt(t *testing.T) {
	provider := newProvider(domain.ProfileGeneric)
	provider.On("GetUserMedia", mock.Anything, reqMatching(true, true, true)).Return(nil, domain.ErrDeviceBusy).Once()
	provider.On("GetUserMedia", mock.Anything, reqMatching(true, true, false)).Return(nil, domain.ErrDeviceBusy).Once()
	provider.On("GetUserMedia", mock.Anything, reqMatching(true, false, false)).Return(nil, domain.ErrNoDeviceFound).Once()
	provider.On("GetUserMedia", mock.Anything, reqMatching(false, true, false)).
		Return([]domain.MediaTrack{newFakeTrack("a", domain.TrackKindAudio)}, nil).Once()
	a, sleeps := newTestAcquisition(provider)

	result := a.Acquire(context.Background(), domain.RoleHost, domain.QualityHigh)

	assert.Equal(t, OutcomePartial, result.Outcome)
	require.NotNil(t, result.Warning)
	assert.Equal(t, domain.WarningDeviceBusy, result.Warning.Reason)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, sleeps.delays)
}

func TestAcquire_AllStepsFail(t *testing.T) {
	tests := []struct {
		name       string
		errs       []error
		wantReason domain.WarningReason
		wantKind   domain.ErrorKind
	}{
		{
			name:       "no devices",
			errs:       []error{domain.ErrNoDeviceFound, domain.ErrNoDeviceFound, domain.ErrNoDeviceFound, domain.ErrNoDeviceFound},
			wantReason: domain.WarningNoDevices,
			wantKind:   domain.KindNoDeviceFound,
		},
		{
			name:       "permission denied wins",
			errs:       []error{domain.ErrDeviceBusy, domain.ErrPermissionDenied, domain.ErrNoDeviceFound, domain.ErrNoDeviceFound},
			wantReason: domain.WarningPermissionDenied,
			wantKind:   domain.KindPermissionDenied,
		},
		{
			name:       "busy beats missing",
			errs:       []error{domain.ErrNoDeviceFound, domain.ErrDeviceBusy, domain.ErrNoDeviceFound, domain.ErrNoDeviceFound},
			wantReason: domain.WarningDeviceBusy,
			wantKind:   domain.KindDeviceBusy,
		},
		{
			name:       "unclassified errors",
			errs:       []error{errors.New("x"), errors.New("y"), errors.New("z"), errors.New("w")},
			wantReason: domain.WarningNoDevices,
			wantKind:   domain.KindNoDeviceFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newProvider(domain.ProfileGeneric)
			for _, err := range tt.errs {
				provider.On("GetUserMedia", mock.Anything, mock.Anything).Return(nil, err).Once()
			}
			a, _ := newTestAcquisition(provider)

			var result AcquisitionResult
			assert.NotPanics(t, func() {
				result = a.Acquire(context.Background(), domain.RoleHost, domain.QualityHigh)
			})

			assert.True(t, result.Stream.Empty())
			assert.Equal(t, OutcomeEmpty, result.Outcome)
			require.NotNil(t, result.Warning)
			assert.Equal(t, tt.wantReason, result.Warning.Reason)
			assert.Equal(t, tt.wantKind, result.Warning.Kind)
			assert.ErrorIs(t, result.Warning, tt.wantKind.Sentinel())
			provider.AssertNumberOfCalls(t, "GetUserMedia", 4)
		})
	}
}

func TestAcquire_ReusesActiveStream(t *testing.T) {
	provider := newProvider(domain.ProfileGeneric)
	tracks := avTracks()
	provider.On("GetUserMedia", mock.Anything, mock.Anything).Return(tracks, nil).Once()
	a, _ := newTestAcquisition(provider)

	first := a.Acquire(context.Background(), domain.RoleHost, domain.QualityHigh)
	second := a.Acquire(context.Background(), domain.RoleHost, domain.QualityHigh)

	assert.Same(t, first.Stream, second.Stream)
	assert.Equal(t, OutcomeReused, second.Outcome)
	provider.AssertNumberOfCalls(t, "GetUserMedia", 1)
}

func TestAcquire_ReacquiresAfterTracksEnded(t *testing.T) {
	provider := newProvider(domain.ProfileGeneric)
	provider.On("GetUserMedia", mock.Anything, mock.Anything).Return(avTracks(), nil).Once()
	provider.On("GetUserMedia", mock.Anything, mock.Anything).Return(avTracks(), nil).Once()
	a, _ := newTestAcquisition(provider)

	first := a.Acquire(context.Background(), domain.RoleHost, domain.QualityHigh)
	for _, track := range first.Stream.Tracks() {
		_ = track.Stop()
	}

	second := a.Acquire(context.Background(), domain.RoleHost, domain.QualityHigh)

	assert.NotSame(t, first.Stream, second.Stream)
	assert.True(t, second.Stream.Active())
	provider.AssertNumberOfCalls(t, "GetUserMedia", 2)
}

func TestAcquire_ConcurrentCallsShareOneAttempt(t *testing.T) {
	provider := newProvider(domain.ProfileGeneric)
	release := make(chan time.Time)
	provider.On("GetUserMedia", mock.Anything, mock.Anything).
		WaitUntil(release).
		Return(avTracks(), nil).Once()
	a, _ := newTestAcquisition(provider)

	var wg sync.WaitGroup
	results := make([]AcquisitionResult, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = a.Acquire(context.Background(), domain.RoleHost, domain.QualityHigh)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	provider.AssertNumberOfCalls(t, "GetUserMedia", 1)
	for _, r := range results {
		assert.Same(t, results[0].Stream, r.Stream)
	}
}

func TestAcquire_DropsEndedTracksAndStopsProbe(t *testing.T) {
	provider := newProvider(domain.ProfileFirefox)
	probeTrack := newFakeTrack("probe", domain.TrackKindAudio)
	deadVideo := newFakeTrack("dead", domain.TrackKindVideo)
	_ = deadVideo.Stop()
	audio := newFakeTrack("a", domain.TrackKindAudio)

	provider.On("GetUserMedia", mock.Anything, reqMatching(false, true, false)).Return([]domain.MediaTrack{probeTrack}, nil).Once()
	provider.On("GetUserMedia", mock.Anything, reqMatching(true, true, true)).
		Return([]domain.MediaTrack{deadVideo, audio}, nil).Once()
	a, _ := newTestAcquisition(provider)

	result := a.Acquire(context.Background(), domain.RoleHost, domain.QualityHigh)

	assert.Equal(t, 1, probeTrack.Stops(), "probe capture must be released")
	assert.False(t, probeTrack.Live())
	assert.Equal(t, []domain.MediaTrack{audio}, result.Stream.Tracks())
	require.NotNil(t, result.Warning)
	assert.Equal(t, domain.WarningNoCamera, result.Warning.Reason)
}

func TestAcquire_UnsupportedRuntime(t *testing.T) {
	provider := &MockCapabilityProvider{}
	provider.On("Supported").Return(false)
	a, _ := newTestAcquisition(provider)

	result := a.Acquire(context.Background(), domain.RoleHost, domain.QualityHigh)

	assert.True(t, result.Stream.Empty())
	require.NotNil(t, result.Warning)
	assert.Equal(t, domain.WarningUnsupportedRuntime, result.Warning.Reason)
}

func TestAcquire_RecordsOutcome(t *testing.T) {
	provider := newProvider(domain.ProfileGeneric)
	provider.On("GetUserMedia", mock.Anything, mock.Anything).Return(avTracks(), nil).Once()
	metrics := &MockMetricsRecorder{}
	metrics.On("RecordAcquisition", OutcomeFull).Once()
	metrics.On("RecordAcquisition", OutcomeReused).Once()

	a := NewMediaAcquisition(provider, nil, AcquisitionConfig{}, metrics, testLogger())
	a.Acquire(context.Background(), domain.RoleHost, domain.QualityHigh)
	a.Acquire(context.Background(), domain.RoleHost, domain.QualityHigh)

	metrics.AssertExpectations(t)
}

func TestStrategyTable(t *testing.T) {
	table := DefaultStrategyTable()
	opts := CascadeOptions{AudioRetryDelay: time.Second}

	generic := table.Strategy(domain.ProfileGeneric).Cascade(domain.QualityHigh, opts)
	require.Len(t, generic, 4)
	assert.Equal(t, domain.QualityHigh.Constraints(), *generic[0].Request.Constraints)
	assert.Equal(t, time.Second, generic[3].Delay)

	safari := table.Strategy(domain.ProfileSafari).Cascade(domain.QualityHigh, opts)
	assert.LessOrEqual(t, safari[0].Request.Constraints.Height, 720)
	assert.Zero(t, safari[0].Request.Constraints.FrameRate)

	firefox := table.Strategy(domain.ProfileFirefox)
	assert.True(t, firefox.HoldsDeviceLock)
	assert.True(t, firefox.Cascade(domain.QualityLow, opts)[0].Probe)

	unknown := table.Strategy(domain.RuntimeProfile("netscape"))
	assert.False(t, unknown.HoldsDeviceLock)
	assert.Len(t, unknown.Cascade(domain.QualityLow, opts), 4)
}
