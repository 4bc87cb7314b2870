package ports

import (
	"context"

	"github.com/pion/webrtc/v4"

	"livestage/internal/core/domain"
)

// PeerEvents are upward notifications from a peer session. They are
// invoked without the session's lock held.
type PeerEvents struct {
	OnConnectionState func(party domain.PartyID, state domain.ConnectionState)
	OnICEState        func(party domain.PartyID, state string)
	OnRemoteStream    func(stream domain.RemoteStream)
	OnMetrics         func(metrics domain.StreamMetrics)
	OnError           func(err *domain.SessionError)
}

type PeerSessionParams struct {
	StreamID domain.StreamID
	LocalID  domain.PartyID
	RemoteID domain.PartyID
	// Role of the local side; the host offers, the viewer answers.
	Role   domain.Role
	Local  *domain.LocalStream
	Sender NegotiationSender
	Events PeerEvents
}

// PeerSession owns the connection to one remote party.
type PeerSession interface {
	RemoteID() domain.PartyID
	// CreateOffer returns domain.ErrPeerUnavailable when no connection
	// object can be built; callers retry later.
	CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error)
	HandleRemoteOffer(ctx context.Context, desc webrtc.SessionDescription) error
	CreateAnswer(ctx context.Context) (*webrtc.SessionDescription, error)
	HandleAnswer(ctx context.Context, desc webrtc.SessionDescription) error
	HandleICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error
	// Restart rebuilds the connection on request of the remote party.
	Restart(ctx context.Context)
	State() domain.ConnectionState
	// Teardown clears handlers, removes senders and closes. Idempotent.
	Teardown() error
}

type PeerSessionFactory interface {
	NewPeerSession(params PeerSessionParams) (PeerSession, error)
}

// QualityController owns the outbound quality tier shared by all peers.
type QualityController interface {
	Observe(party domain.PartyID, input domain.QualityInput) domain.QualityTier
	Forget(party domain.PartyID)
	Tier() domain.QualityTier
}

// StreamMetadataClient is the consumed stream API.
type StreamMetadataClient interface {
	GetStream(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	SetLive(ctx context.Context, id domain.StreamID, live bool) error
}

// MetricsRecorder exports session telemetry.
type MetricsRecorder interface {
	RecordStreamMetrics(m domain.StreamMetrics)
	RecordConnectionState(party domain.PartyID, state domain.ConnectionState)
	RecordReconnectAttempt(party domain.PartyID, attempt int)
	RecordQualityChange(from, to domain.QualityTier)
	RecordAcquisition(outcome string)
	RecordSignalingState(state domain.SignalingState)
	RecordViewerCount(streamID domain.StreamID, count int)
}

// StreamService is the relay-side stream metadata service.
type StreamService interface {
	CreateStream(ctx context.Context, title string, host domain.PartyID) (*domain.Stream, error)
	GetStream(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	SetLive(ctx context.Context, id domain.StreamID, live bool) (*domain.Stream, error)
	ListLiveStreams(ctx context.Context) ([]*domain.Stream, error)
	DeleteStream(ctx context.Context, id domain.StreamID) error
	GetStreamStats(ctx context.Context, id domain.StreamID) (*domain.StreamStats, error)
}
