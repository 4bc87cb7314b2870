package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
	"livestage/pkg/retry"
)

type fakeMetadata struct {
	mu   sync.Mutex
	live []bool
}

func (m *fakeMetadata) GetStream(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	return &domain.Stream{ID: id, Title: "test", IsLive: true}, nil
}

func (m *fakeMetadata) SetLive(ctx context.Context, id domain.StreamID, live bool) error {
	m.mu.Lock()
	m.live = append(m.live, live)
	m.mu.Unlock()
	return nil
}

func (m *fakeMetadata) Calls() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.live...)
}

// eventLog collects session events from the callback goroutine.
type eventLog struct {
	mu       sync.Mutex
	local    *domain.LocalStream
	warning  *domain.AcquisitionWarning
	errs     []*domain.SessionError
	counts   []int
	info     *domain.Stream
	sigState []domain.SignalingState
}

func (l *eventLog) handlers() SessionEvents {
	return SessionEvents{
		OnLocalStream: func(s *domain.LocalStream, w *domain.AcquisitionWarning) {
			l.mu.Lock()
			l.local, l.warning = s, w
			l.mu.Unlock()
		},
		OnError: func(err *domain.SessionError) {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
		},
		OnViewerCount: func(n int) {
			l.mu.Lock()
			l.counts = append(l.counts, n)
			l.mu.Unlock()
		},
		OnStreamInfo: func(s *domain.Stream) {
			l.mu.Lock()
			l.info = s
			l.mu.Unlock()
		},
		OnSignalingState: func(s domain.SignalingState) {
			l.mu.Lock()
			l.sigState = append(l.sigState, s)
			l.mu.Unlock()
		},
	}
}

func (l *eventLog) Local() *domain.LocalStream {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local
}

func (l *eventLog) Errors() []*domain.SessionError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*domain.SessionError(nil), l.errs...)
}

type orchestratorFixture struct {
	orch      *StreamSessionOrchestrator
	provider  *MockCapabilityProvider
	signaling *fakeSignaling
	peers     *fakePeerFactory
	metadata  *fakeMetadata
	events    *eventLog
}

func newFixture(t *testing.T, local domain.PartyID, profile domain.RuntimeProfile) *orchestratorFixture {
	t.Helper()

	provider := newProvider(profile)
	provider.On("EnumerateDevices", mock.Anything).Return([]domain.DeviceInfo{}, nil).Maybe()
	provider.On("QueryPermission", mock.Anything, mock.Anything).Return(domain.PermissionPrompt, nil).Maybe()

	acq := NewMediaAcquisition(provider, nil, AcquisitionConfig{}, nil, testLogger())
	acq.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	f := &orchestratorFixture{
		provider:  provider,
		signaling: newFakeSignaling(local),
		peers:     newFakePeerFactory(),
		metadata:  &fakeMetadata{},
		events:    &eventLog{},
	}
	f.orch = NewStreamSessionOrchestrator(OrchestratorDeps{
		Probe:       NewMediaCapabilityProbe(provider, testLogger()),
		Acquisition: acq,
		Guard:       NewResourceReleaseGuard(acq, testLogger()),
		Quality:     newAdaptive(domain.QualityHigh),
		Signaling:   f.signaling,
		Peers:       f.peers,
		Metadata:    f.metadata,
		OfferRetry: retry.Config{
			Enabled:      true,
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   2,
		},
	}, testLogger())

	t.Cleanup(func() { _ = f.orch.Stop(context.Background()) })
	return f
}

func TestOrchestrator_HostOffersToJoiningViewer(t *testing.T) {
	f := newFixture(t, "host", domain.ProfileChromium)
	tracks := avTracks()
	f.provider.On("GetUserMedia", mock.Anything, mock.Anything).Return(tracks, nil).Once()

	require.NoError(t, f.orch.Start(context.Background(), "stream-1", domain.RoleHost, f.events.handlers()))

	require.Eventually(t, func() bool { return f.events.Local() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, f.events.Local().Active())
	assert.Equal(t, []bool{true}, f.metadata.Calls())

	f.signaling.deliver(ports.Event{Type: ports.EventViewerJoined, StreamID: "stream-1", PartyID: "viewer-1"})

	require.Eventually(t, func() bool { return len(f.signaling.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	offer, ok := f.signaling.Sent()[0].(domain.Offer)
	require.True(t, ok)
	assert.Equal(t, domain.PartyID("viewer-1"), offer.To)
	assert.Equal(t, domain.PartyID("host"), offer.From)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Description.Type)

	f.peers.mu.Lock()
	params := f.peers.params[0]
	f.peers.mu.Unlock()
	assert.Equal(t, domain.RoleHost, params.Role)
	assert.Len(t, params.Local.Tracks(), 2)

	f.signaling.deliver(ports.Event{
		Type: ports.EventAnswer, From: "viewer-1",
		Negotiation: domain.Answer{Route: domain.Route{From: "viewer-1", To: "host"}},
	})
	require.Eventually(t, func() bool {
		calls := f.peers.Peer("viewer-1").Calls()
		return len(calls) == 2 && calls[1] == "answer"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.orch.Stop(context.Background()))
	for _, track := range tracks {
		assert.False(t, track.Live())
	}
	assert.Equal(t, 1, f.peers.Peer("viewer-1").Teardowns())
	assert.Equal(t, 1, f.signaling.Disconnects())
	assert.Equal(t, []bool{true, false}, f.metadata.Calls())
}

func TestOrchestrator_RetriesOfferWhilePeerUnavailable(t *testing.T) {
	f := newFixture(t, "host", domain.ProfileChromium)
	f.provider.On("GetUserMedia", mock.Anything, mock.Anything).Return(avTracks(), nil).Once()
	f.peers.offerErrs = []error{domain.ErrPeerUnavailable, domain.ErrPeerUnavailable}

	require.NoError(t, f.orch.Start(context.Background(), "stream-1", domain.RoleHost, f.events.handlers()))
	f.signaling.deliver(ports.Event{Type: ports.EventViewerJoined, PartyID: "viewer-1"})

	require.Eventually(t, func() bool { return len(f.signaling.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"create-offer", "create-offer", "create-offer"}, f.peers.Peer("viewer-1").Calls())
	assert.Empty(t, f.events.Errors())
}

func TestOrchestrator_ViewerBuffersEarlyCandidates(t *testing.T) {
	f := newFixture(t, "viewer-1", domain.ProfileChromium)

	require.NoError(t, f.orch.Start(context.Background(), "stream-1", domain.RoleViewer, f.events.handlers()))
	f.provider.AssertNotCalled(t, "GetUserMedia", mock.Anything, mock.Anything)

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 50000 typ host"}
	f.signaling.deliver(ports.Event{
		Type: ports.EventICECandidate, From: "host",
		Negotiation: domain.Candidate{Route: domain.Route{From: "host"}, Candidate: cand},
	})
	f.signaling.deliver(ports.Event{
		Type: ports.EventOffer, From: "host",
		Negotiation: domain.Offer{Route: domain.Route{From: "host"}, Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}},
	})

	require.Eventually(t, func() bool { return len(f.signaling.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	peer := f.peers.Peer("host")
	require.NotNil(t, peer)
	assert.Equal(t, []string{"candidate", "remote-offer", "create-answer"}, peer.Calls())
	assert.Equal(t, []webrtc.ICECandidateInit{cand}, peer.Applied())

	answer, ok := f.signaling.Sent()[0].(domain.Answer)
	require.True(t, ok)
	assert.Equal(t, domain.PartyID("host"), answer.To)

	require.Eventually(t, func() bool {
		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		return f.events.info != nil && f.events.info.IsLive
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_SignalingFailureKeepsPreview(t *testing.T) {
	f := newFixture(t, "host", domain.ProfileChromium)
	f.provider.On("GetUserMedia", mock.Anything, mock.Anything).Return(avTracks(), nil).Once()
	f.signaling.connectErr = domain.ErrSignalingUnreachable

	require.NoError(t, f.orch.Start(context.Background(), "stream-1", domain.RoleHost, f.events.handlers()))

	require.Eventually(t, func() bool {
		return f.events.Local() != nil && len(f.events.Errors()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.events.Local().Active())
	assert.Equal(t, domain.KindSignalingUnreachable, f.events.Errors()[0].Kind)
	assert.Empty(t, f.metadata.Calls())
}

func TestOrchestrator_AcquisitionFailureReportedOnce(t *testing.T) {
	f := newFixture(t, "host", domain.ProfileChromium)
	f.provider.On("GetUserMedia", mock.Anything, mock.Anything).Return(nil, domain.ErrPermissionDenied)

	require.NoError(t, f.orch.Start(context.Background(), "stream-1", domain.RoleHost, f.events.handlers()))

	require.Eventually(t, func() bool { return f.events.Local() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, f.events.Local().Empty())

	// A peer surfacing the same kind later is not reported again.
	f.orch.report(f.orch.current(), domain.NewSessionError(domain.KindPermissionDenied, "", domain.ErrPermissionDenied))

	time.Sleep(20 * time.Millisecond)
	errs := f.events.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, domain.KindPermissionDenied, errs[0].Kind)
	assert.True(t, errors.Is(errs[0], domain.ErrPermissionDenied))
}

func TestOrchestrator_StartTwiceAndStopIdempotent(t *testing.T) {
	f := newFixture(t, "viewer-1", domain.ProfileChromium)

	require.NoError(t, f.orch.Start(context.Background(), "stream-1", domain.RoleViewer, SessionEvents{}))
	assert.ErrorIs(t, f.orch.Start(context.Background(), "stream-1", domain.RoleViewer, SessionEvents{}), domain.ErrSessionActive)

	require.NoError(t, f.orch.Stop(context.Background()))
	require.NoError(t, f.orch.Stop(context.Background()))
	assert.Nil(t, f.orch.Session())
	assert.Equal(t, 1, f.signaling.Disconnects())
}

func TestOrchestrator_ViewerLeftAndCounts(t *testing.T) {
	f := newFixture(t, "host", domain.ProfileChromium)
	f.provider.On("GetUserMedia", mock.Anything, mock.Anything).Return(avTracks(), nil).Once()

	require.NoError(t, f.orch.Start(context.Background(), "stream-1", domain.RoleHost, f.events.handlers()))
	f.signaling.deliver(ports.Event{Type: ports.EventViewerJoined, PartyID: "viewer-1"})
	require.Eventually(t, func() bool { return len(f.signaling.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	f.signaling.deliver(ports.Event{Type: ports.EventParticipantCount, Count: 2})
	f.signaling.deliver(ports.Event{Type: ports.EventViewerLeft, PartyID: "viewer-1"})

	require.Eventually(t, func() bool { return f.peers.Peer("viewer-1").Teardowns() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.orch.Session().PeerCount())

	require.Eventually(t, func() bool {
		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		return len(f.events.counts) == 1 && f.events.counts[0] == 2
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_RestartDoesNotBlockOtherViewers(t *testing.T) {
	f := newFixture(t, "host", domain.ProfileChromium)
	f.provider.On("GetUserMedia", mock.Anything, mock.Anything).Return(avTracks(), nil).Once()
	gate := make(chan struct{})
	f.peers.restartGate = gate

	require.NoError(t, f.orch.Start(context.Background(), "stream-1", domain.RoleHost, f.events.handlers()))
	f.signaling.deliver(ports.Event{Type: ports.EventViewerJoined, PartyID: "viewer-1"})
	require.Eventually(t, func() bool { return len(f.signaling.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	f.signaling.deliver(ports.Event{
		Type: ports.EventRenegotiate, From: "viewer-1",
		Negotiation: domain.RenegotiateRequest{Route: domain.Route{From: "viewer-1", To: "host"}},
	})
	require.Eventually(t, func() bool {
		calls := f.peers.Peer("viewer-1").Calls()
		return len(calls) > 0 && calls[len(calls)-1] == "restart"
	}, time.Second, 5*time.Millisecond)

	// viewer-1 is still restarting; viewer-2 must get its offer regardless.
	f.signaling.deliver(ports.Event{Type: ports.EventViewerJoined, PartyID: "viewer-2"})
	require.Eventually(t, func() bool { return len(f.signaling.Sent()) == 2 }, time.Second, 5*time.Millisecond)
	offer, ok := f.signaling.Sent()[1].(domain.Offer)
	require.True(t, ok)
	assert.Equal(t, domain.PartyID("viewer-2"), offer.To)

	close(gate)
	require.Eventually(t, func() bool {
		calls := f.peers.Peer("viewer-1").Calls()
		return calls[len(calls)-1] == "restarted"
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_HostDropsCandidatesFromUnknownParty(t *testing.T) {
	f := newFixture(t, "host", domain.ProfileChromium)
	f.provider.On("GetUserMedia", mock.Anything, mock.Anything).Return(avTracks(), nil).Once()

	require.NoError(t, f.orch.Start(context.Background(), "stream-1", domain.RoleHost, f.events.handlers()))
	require.Eventually(t, func() bool { return f.events.Local() != nil }, time.Second, 5*time.Millisecond)

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 10.0.0.9 50000 typ host"}
	f.signaling.deliver(ports.Event{
		Type: ports.EventICECandidate, From: "stranger",
		Negotiation: domain.Candidate{Route: domain.Route{From: "stranger", To: "host"}, Candidate: cand},
	})
	// A join queued behind the candidate proves it has been handled.
	f.signaling.deliver(ports.Event{Type: ports.EventViewerJoined, PartyID: "viewer-1"})
	require.Eventually(t, func() bool { return len(f.signaling.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	assert.Nil(t, f.peers.Peer("stranger"))
	assert.Equal(t, 1, f.orch.Session().PeerCount())
}

func TestOrchestrator_InvalidArguments(t *testing.T) {
	f := newFixture(t, "host", domain.ProfileChromium)

	assert.Error(t, f.orch.Start(context.Background(), "stream-1", domain.Role("admin"), SessionEvents{}))
	assert.Error(t, f.orch.Start(context.Background(), "", domain.RoleHost, SessionEvents{}))
	assert.ErrorIs(t, f.orch.SendChat(context.Background(), "hi"), domain.ErrSessionClosed)
}
