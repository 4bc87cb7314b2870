package services

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// fakeTrack is an in-memory capture track.
type fakeTrack struct {
	id    string
	kind  domain.TrackKind
	mu    sync.Mutex
	on    bool
	ended bool
	stops int32
	shape domain.VideoConstraints
}

func newFakeTrack(id string, kind domain.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, on: true}
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.on
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.on = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.ended
}

func (t *fakeTrack) Stop() error {
	atomic.AddInt32(&t.stops, 1)
	t.mu.Lock()
	t.ended = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) Stops() int {
	return int(atomic.LoadInt32(&t.stops))
}

func (t *fakeTrack) ApplyConstraints(c domain.VideoConstraints) error {
	t.mu.Lock()
	t.shape = c
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) Settings() domain.VideoConstraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shape
}

func avTracks() []domain.MediaTrack {
	return []domain.MediaTrack{newFakeTrack("v1", domain.TrackKindVideo), newFakeTrack("a1", domain.TrackKindAudio)}
}

type MockCapabilityProvider struct {
	mock.Mock
}

func (m *MockCapabilityProvider) Supported() bool {
	return m.Called().Bool(0)
}

func (m *MockCapabilityProvider) Profile() domain.RuntimeProfile {
	return m.Called().Get(0).(domain.RuntimeProfile)
}

func (m *MockCapabilityProvider) EnumerateDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.DeviceInfo), args.Error(1)
}

func (m *MockCapabilityProvider) QueryPermission(ctx context.Context, kind domain.TrackKind) (domain.PermissionState, error) {
	args := m.Called(ctx, kind)
	return args.Get(0).(domain.PermissionState), args.Error(1)
}

func (m *MockCapabilityProvider) GetUserMedia(ctx context.Context, req domain.MediaRequest) ([]domain.MediaTrack, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.MediaTrack), args.Error(1)
}

func newProvider(profile domain.RuntimeProfile) *MockCapabilityProvider {
	p := &MockCapabilityProvider{}
	p.On("Supported").Return(true).Maybe()
	p.On("Profile").Return(profile).Maybe()
	return p
}

func reqMatching(video, audio, constrained bool) interface{} {
	return mock.MatchedBy(func(r domain.MediaRequest) bool {
		return r.Video == video && r.Audio == audio && (r.Constraints != nil) == constrained
	})
}

type MockMetricsRecorder struct {
	mock.Mock
}

func (m *MockMetricsRecorder) RecordStreamMetrics(s domain.StreamMetrics) { m.Called(s) }
func (m *MockMetricsRecorder) RecordConnectionState(p domain.PartyID, s domain.ConnectionState) {
	m.Called(p, s)
}
func (m *MockMetricsRecorder) RecordReconnectAttempt(p domain.PartyID, attempt int) { m.Called(p, attempt) }
func (m *MockMetricsRecorder) RecordQualityChange(from, to domain.QualityTier) { m.Called(from, to) }
func (m *MockMetricsRecorder) RecordAcquisition(outcome string) { m.Called(outcome) }
func (m *MockMetricsRecorder) RecordSignalingState(s domain.SignalingState) { m.Called(s) }
func (m *MockMetricsRecorder) RecordViewerCount(id domain.StreamID, count int) { m.Called(id, count) }

type MockStreamRepository struct {
	mock.Mock
}

func (m *MockStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	return m.Called(ctx, stream).Error(0)
}

func (m *MockStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Stream), args.Error(1)
}

func (m *MockStreamRepository) Update(ctx context.Context, stream *domain.Stream) error {
	return m.Called(ctx, stream).Error(0)
}

func (m *MockStreamRepository) Delete(ctx context.Context, id domain.StreamID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStreamRepository) ListLive(ctx context.Context) ([]*domain.Stream, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Stream), args.Error(1)
}

type MockRoomRepository struct {
	mock.Mock
}

func (m *MockRoomRepository) Join(ctx context.Context, p domain.Participant) (bool, error) {
	args := m.Called(ctx, p)
	return args.Bool(0), args.Error(1)
}

func (m *MockRoomRepository) Leave(ctx context.Context, streamID domain.StreamID, partyID domain.PartyID) error {
	return m.Called(ctx, streamID, partyID).Error(0)
}

func (m *MockRoomRepository) Members(ctx context.Context, streamID domain.StreamID) ([]domain.Participant, error) {
	args := m.Called(ctx, streamID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Participant), args.Error(1)
}

func (m *MockRoomRepository) Count(ctx context.Context, streamID domain.StreamID) (int, error) {
	args := m.Called(ctx, streamID)
	return args.Int(0), args.Error(1)
}

// fakePeer records the negotiation calls made on it.
type fakePeer struct {
	remote domain.PartyID

	mu        sync.Mutex
	calls     []string
	remoteSet bool
	applied   []webrtc.ICECandidateInit
	buffered  []webrtc.ICECandidateInit
	teardowns int
	offerErrs []error
	// restartGate, when set, holds Restart until it is closed.
	restartGate chan struct{}
}

func (p *fakePeer) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *fakePeer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePeer) Teardowns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.teardowns
}

func (p *fakePeer) Applied() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.applied...)
}

func (p *fakePeer) RemoteID() domain.PartyID { return p.remote }

func (p *fakePeer) CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	p.record("create-offer")
	p.mu.Lock()
	if len(p.offerErrs) > 0 {
		err := p.offerErrs[0]
		p.offerErrs = p.offerErrs[1:]
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (p *fakePeer) HandleRemoteOffer(ctx context.Context, desc webrtc.SessionDescription) error {
	p.record("remote-offer")
	p.mu.Lock()
	p.remoteSet = true
	p.applied = append(p.applied, p.buffered...)
	p.buffered = nil
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (*webrtc.SessionDescription, error) {
	p.record("create-answer")
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, nil
}

func (p *fakePeer) HandleAnswer(ctx context.Context, desc webrtc.SessionDescription) error {
	p.record("answer")
	p.mu.Lock()
	p.remoteSet = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) HandleICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	p.record("candidate")
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		p.buffered = append(p.buffered, c)
		return nil
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) Restart(ctx context.Context) {
	p.record("restart")
	if p.restartGate == nil {
		return
	}
	select {
	case <-p.restartGate:
	case <-ctx.Done():
	}
	p.record("restarted")
}

func (p *fakePeer) State() domain.ConnectionState { return domain.ConnectionNew }

func (p *fakePeer) Teardown() error {
	p.mu.Lock()
	p.teardowns++
	p.mu.Unlock()
	return nil
}

type fakePeerFactory struct {
	mu        sync.Mutex
	peers       map[domain.PartyID]*fakePeer
	params      []ports.PeerSessionParams
	offerErrs   []error
	restartGate chan struct{}
}

func newFakePeerFactory() *fakePeerFactory {
	return &fakePeerFactory{peers: make(map[domain.PartyID]*fakePeer)}
}

func (f *fakePeerFactory) NewPeerSession(params ports.PeerSessionParams) (ports.PeerSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{remote: params.RemoteID, offerErrs: f.offerErrs, restartGate: f.restartGate}
	f.peers[params.RemoteID] = p
	f.params = append(f.params, params)
	return p, nil
}

func (f *fakePeerFactory) Peer(id domain.PartyID) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[id]
}

// fakeSignaling delivers events synchronously to registered handlers.
type fakeSignaling struct {
	localID    domain.PartyID
	connectErr error

	mu           sync.Mutex
	handlers     map[ports.EventType][]func(ports.Event)
	stateHandler []func(domain.SignalingState)
	state        domain.SignalingState
	sent         []domain.NegotiationMessage
	chats        []any
	disconnects  int
	errs         chan error
}

func newFakeSignaling(local domain.PartyID) *fakeSignaling {
	return &fakeSignaling{
		localID:  local,
		handlers: make(map[ports.EventType][]func(ports.Event)),
		state:    domain.SignalingDisconnected,
		errs:     make(chan error, 8),
	}
}

func (s *fakeSignaling) Connect(ctx context.Context, streamID domain.StreamID, role domain.Role) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.setState(domain.SignalingConnected)
	return nil
}

func (s *fakeSignaling) setState(state domain.SignalingState) {
	s.mu.Lock()
	s.state = state
	hs := append(([]func(domain.SignalingState))(nil), s.stateHandler...)
	s.mu.Unlock()
	for _, h := range hs {
		h(state)
	}
}

func (s *fakeSignaling) Send(ctx context.Context, t ports.EventType, to domain.PartyID, payload any) error {
	s.mu.Lock()
	s.chats = append(s.chats, payload)
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaling) SendNegotiation(ctx context.Context, msg domain.NegotiationMessage) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaling) Sent() []domain.NegotiationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.NegotiationMessage(nil), s.sent...)
}

func (s *fakeSignaling) On(t ports.EventType, h func(ports.Event)) {
	s.mu.Lock()
	s.handlers[t] = append(s.handlers[t], h)
	s.mu.Unlock()
}

func (s *fakeSignaling) OnStateChange(h func(domain.SignalingState)) {
	s.mu.Lock()
	s.stateHandler = append(s.stateHandler, h)
	s.mu.Unlock()
}

func (s *fakeSignaling) deliver(ev ports.Event) {
	s.mu.Lock()
	hs := append(([]func(ports.Event))(nil), s.handlers[ev.Type]...)
	s.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (s *fakeSignaling) Errors() <-chan error { return s.errs }

func (s *fakeSignaling) State() domain.SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSignaling) LocalID() domain.PartyID { return s.localID }

func (s *fakeSignaling) Disconnect() error {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()
	s.setState(domain.SignalingDisconnected)
	return nil
}

func (s *fakeSignaling) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}
