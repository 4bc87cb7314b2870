package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
	"livestage/pkg/retry"
)

// SessionEvents are the notifications a started session delivers to the
// application. They run one at a time on a dedicated goroutine; nil
// handlers are skipped.
type SessionEvents struct {
	OnLocalStream     func(stream *domain.LocalStream, warning *domain.AcquisitionWarning)
	OnRemoteStream    func(stream domain.RemoteStream)
	OnConnectionState func(party domain.PartyID, state domain.ConnectionState)
	OnICEState        func(party domain.PartyID, state string)
	OnSignalingState  func(state domain.SignalingState)
	OnMetrics         func(metrics domain.StreamMetrics)
	OnViewerCount     func(count int)
	OnChatMessage     func(msg domain.ChatMessage)
	OnStreamInfo      func(stream *domain.Stream)
	OnError           func(err *domain.SessionError)
}

type OrchestratorDeps struct {
	Probe       *MediaCapabilityProbe
	Acquisition *MediaAcquisition
	Guard       *ResourceReleaseGuard
	Quality     *AdaptiveQualityService
	Signaling   ports.SignalingClient
	Peers       ports.PeerSessionFactory
	// Metadata and Metrics are optional.
	Metadata ports.StreamMetadataClient
	Metrics  ports.MetricsRecorder
	// OfferRetry paces offers that fail with domain.ErrPeerUnavailable.
	OfferRetry retry.Config
}

// StreamSessionOrchestrator runs one session at a time: probe, acquire and
// connect concurrently, negotiate per role, and release everything on Stop.
type StreamSessionOrchestrator struct {
	deps   OrchestratorDeps
	logger *zap.SugaredLogger

	registerOnce sync.Once

	mu  sync.Mutex
	run *sessionRun
}

// sessionRun is the state of one Start..Stop span.
type sessionRun struct {
	session  *Session
	handlers SessionEvents

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}

	// work serialises inbound signaling; events serialises application callbacks.
	work   *dispatcher
	events *dispatcher

	offers sync.WaitGroup

	reportedMu sync.Mutex
	reported   map[domain.ErrorKind]bool
}

func NewStreamSessionOrchestrator(deps OrchestratorDeps, logger *zap.SugaredLogger) *StreamSessionOrchestrator {
	if deps.OfferRetry.MaxAttempts == 0 {
		deps.OfferRetry = retry.ReconnectConfig()
	}
	deps.OfferRetry.RetryableErrors = []error{domain.ErrPeerUnavailable}
	return &StreamSessionOrchestrator{deps: deps, logger: logger}
}

// Start begins a session for streamID in role. It returns once media
// acquisition and the signaling connect have both settled; failures of
// either are reported through handlers.OnError and never prevent the other.
func (o *StreamSessionOrchestrator) Start(ctx context.Context, streamID domain.StreamID, role domain.Role, handlers SessionEvents) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	if streamID == "" {
		return errors.New("stream id is required")
	}

	o.registerOnce.Do(o.registerSignalingHandlers)

	runCtx, cancel := context.WithCancel(context.Background())
	r := &sessionRun{
		session:  NewSession(streamID, role, o.deps.Signaling.LocalID()),
		handlers: handlers,
		ctx:      runCtx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		work:     newDispatcher(o.logger),
		events:   newDispatcher(o.logger),
		reported: make(map[domain.ErrorKind]bool),
	}

	o.mu.Lock()
	if o.run != nil {
		o.mu.Unlock()
		cancel()
		r.work.Close()
		r.events.Close()
		return domain.ErrSessionActive
	}
	o.run = r
	o.mu.Unlock()

	// Inbound negotiation waits until the local stream exists.
	r.work.Post(func() {
		select {
		case <-r.ready:
		case <-r.ctx.Done():
		}
	})

	go o.watchSignalingErrors(r)

	log := o.logger.With("stream_id", streamID, "role", role)
	if role == domain.RoleHost {
		o.probe(ctx, log)
	}

	var g errgroup.Group
	g.Go(func() error {
		o.acquireMedia(ctx, r)
		return nil
	})
	g.Go(func() error {
		o.connectSignaling(ctx, r)
		return nil
	})
	_ = g.Wait()

	close(r.ready)
	if r.ctx.Err() != nil {
		// Stop ran while we were starting; release what arrived late.
		o.deps.Guard.ReleaseAll(ctx, r.session)
		return domain.ErrSessionClosed
	}
	log.Infow("stream session started",
		"local_tracks", r.session.Local().LiveTracks(),
		"signaling_state", o.deps.Signaling.State(),
	)
	return nil
}

// Stop releases every resource of the running session and disconnects
// signaling. Calling it without a running session is a no-op.
func (o *StreamSessionOrchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	r := o.run
	o.run = nil
	o.mu.Unlock()

	if r == nil {
		return nil
	}

	r.cancel()
	r.work.Close()
	r.offers.Wait()

	s := r.session
	if s.Role == domain.RoleHost && o.deps.Metadata != nil {
		if err := o.deps.Metadata.SetLive(ctx, s.StreamID, false); err != nil {
			o.logger.Warnw("failed to mark stream offline", "stream_id", s.StreamID, "error", err)
		}
	}

	o.deps.Guard.ReleaseAll(ctx, s)
	if o.deps.Quality != nil {
		o.deps.Quality.Reset()
	}

	err := o.deps.Signaling.Disconnect()
	r.events.Close()

	o.logger.Infow("stream session stopped",
		"stream_id", s.StreamID,
		"duration", time.Since(s.StartedAt).String(),
	)
	if err != nil {
		return fmt.Errorf("disconnect signaling: %w", err)
	}
	return nil
}

// Session returns the running session, or nil.
func (o *StreamSessionOrchestrator) Session() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return nil
	}
	return o.run.session
}

// AttachSink hands the local stream to sink now and detaches it on Stop.
func (o *StreamSessionOrchestrator) AttachSink(sink ports.MediaSink) error {
	r := o.current()
	if r == nil {
		return domain.ErrSessionClosed
	}
	r.session.AttachSink(sink)
	sink.Attach(r.session.Local())
	return nil
}

// SendChat relays a chat message to the room.
func (o *StreamSessionOrchestrator) SendChat(ctx context.Context, text string) error {
	r := o.current()
	if r == nil {
		return domain.ErrSessionClosed
	}
	msg := domain.ChatMessage{
		StreamID: r.session.StreamID,
		From:     r.session.LocalID,
		Text:     text,
		SentAt:   time.Now().UnixMilli(),
	}
	return o.deps.Signaling.Send(ctx, ports.EventChatMessage, "", msg)
}

func (o *StreamSessionOrchestrator) current() *sessionRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run
}

func (o *StreamSessionOrchestrator) probe(ctx context.Context, log *zap.SugaredLogger) {
	if o.deps.Probe == nil {
		return
	}
	devices := o.deps.Probe.CheckMediaDevices(ctx)
	perms := o.deps.Probe.CheckPermissions(ctx)
	log.Infow("media capabilities",
		"supported", o.deps.Probe.CheckSupport(),
		"has_video", devices.HasVideo,
		"has_audio", devices.HasAudio,
		"camera_permission", perms.Camera,
		"microphone_permission", perms.Microphone,
	)
}

func (o *StreamSessionOrchestrator) acquireMedia(ctx context.Context, r *sessionRun) {
	tier := domain.QualityHigh
	if o.deps.Quality != nil {
		tier = o.deps.Quality.Tier()
	}

	result := o.deps.Acquisition.Acquire(ctx, r.session.Role, tier)
	r.session.SetLocal(result.Stream)
	if o.deps.Quality != nil && r.session.Role == domain.RoleHost {
		o.deps.Quality.Bind(result.Stream)
	}

	stream, warning := result.Stream, result.Warning
	o.emit(r, func(h SessionEvents) {
		if h.OnLocalStream != nil {
			h.OnLocalStream(stream, warning)
		}
	})
	if warning != nil {
		o.report(r, domain.NewSessionError(warning.Kind, "", warning))
	}
}

func (o *StreamSessionOrchestrator) connectSignaling(ctx context.Context, r *sessionRun) {
	s := r.session
	if err := o.deps.Signaling.Connect(ctx, s.StreamID, s.Role); err != nil {
		o.logger.Warnw("signaling connect failed",
			"stream_id", s.StreamID,
			"error", err,
		)
		o.report(r, domain.NewSessionError(domain.KindSignalingUnreachable, "", err))
		return
	}

	if o.deps.Metadata == nil {
		return
	}
	switch s.Role {
	case domain.RoleHost:
		if err := o.deps.Metadata.SetLive(ctx, s.StreamID, true); err != nil {
			o.logger.Warnw("failed to mark stream live", "stream_id", s.StreamID, "error", err)
		}
	case domain.RoleViewer:
		info, err := o.deps.Metadata.GetStream(ctx, s.StreamID)
		if err != nil {
			o.logger.Warnw("failed to load stream metadata", "stream_id", s.StreamID, "error", err)
			return
		}
		o.emit(r, func(h SessionEvents) {
			if h.OnStreamInfo != nil {
				h.OnStreamInfo(info)
			}
		})
	}
}

func (o *StreamSessionOrchestrator) watchSignalingErrors(r *sessionRun) {
	errs := o.deps.Signaling.Errors()
	for {
		select {
		case <-r.ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			if errors.Is(err, domain.ErrSignalingUnreachable) {
				o.report(r, domain.NewSessionError(domain.KindSignalingUnreachable, "", err))
				continue
			}
			o.logger.Warnw("signaling transport error", "stream_id", r.session.StreamID, "error", err)
		}
	}
}

func (o *StreamSessionOrchestrator) registerSignalingHandlers() {
	sig := o.deps.Signaling

	sig.OnStateChange(func(state domain.SignalingState) {
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordSignalingState(state)
		}
		if r := o.current(); r != nil {
			o.emit(r, func(h SessionEvents) {
				if h.OnSignalingState != nil {
					h.OnSignalingState(state)
				}
			})
		}
	})

	o.onWork(ports.EventViewerJoined, o.handleViewerJoined)
	o.onWork(ports.EventViewerLeft, o.handleViewerLeft)
	o.onWork(ports.EventOffer, o.handleOffer)
	o.onWork(ports.EventAnswer, o.handleAnswer)
	o.onWork(ports.EventICECandidate, o.handleCandidate)
	o.onWork(ports.EventRenegotiate, o.handleRenegotiate)

	sig.On(ports.EventParticipantCount, func(ev ports.Event) {
		r := o.current()
		if r == nil {
			return
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordViewerCount(r.session.StreamID, ev.Count)
		}
		o.emit(r, func(h SessionEvents) {
			if h.OnViewerCount != nil {
				h.OnViewerCount(ev.Count)
			}
		})
	})
	sig.On(ports.EventChatMessage, func(ev ports.Event) {
		r := o.current()
		if r == nil || ev.Chat == nil {
			return
		}
		msg := *ev.Chat
		o.emit(r, func(h SessionEvents) {
			if h.OnChatMessage != nil {
				h.OnChatMessage(msg)
			}
		})
	})
	sig.On(ports.EventError, func(ev ports.Event) {
		o.logger.Warnw("relay reported error", "stream_id", ev.StreamID, "error", ev.Err)
	})
}

// onWork routes an event type onto the running session's work queue.
func (o *StreamSessionOrchestrator) onWork(t ports.EventType, fn func(r *sessionRun, ev ports.Event)) {
	o.deps.Signaling.On(t, func(ev ports.Event) {
		r := o.current()
		if r == nil {
			return
		}
		r.work.Post(func() {
			if r.ctx.Err() != nil {
				return
			}
			fn(r, ev)
		})
	})
}

func (o *StreamSessionOrchestrator) handleViewerJoined(r *sessionRun, ev ports.Event) {
	s := r.session
	if s.Role != domain.RoleHost || ev.PartyID == "" || ev.PartyID == s.LocalID {
		return
	}

	// A viewer that joins again lost its side; start over.
	if old, ok := s.RemovePeer(ev.PartyID); ok {
		_ = old.Teardown()
	}

	peer, err := o.newPeer(r, ev.PartyID)
	if err != nil {
		o.logger.Errorw("failed to create peer session", "party_id", ev.PartyID, "error", err)
		o.report(r, domain.NewSessionError(domain.KindNegotiationFailed, ev.PartyID, err))
		return
	}

	r.offers.Add(1)
	go func() {
		defer r.offers.Done()
		o.offerTo(r, peer)
	}()
}

// offerTo sends an offer to peer, retrying while the connection object
// cannot be built.
func (o *StreamSessionOrchestrator) offerTo(r *sessionRun, peer ports.PeerSession) {
	s := r.session
	party := peer.RemoteID()

	desc, err := retry.RetryWithResult(r.ctx, o.deps.OfferRetry, func() (*webrtc.SessionDescription, error) {
		return peer.CreateOffer(r.ctx)
	})
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		o.logger.Errorw("failed to create offer", "party_id", party, "error", err)
		o.report(r, domain.NewSessionError(domain.KindNegotiationFailed, party, err))
		return
	}

	msg := domain.Offer{
		Route:       domain.Route{StreamID: s.StreamID, From: s.LocalID, To: party},
		Description: *desc,
	}
	if err := o.deps.Signaling.SendNegotiation(r.ctx, msg); err != nil {
		o.logger.Warnw("failed to send offer", "party_id", party, "error", err)
	}
}

func (o *StreamSessionOrchestrator) handleViewerLeft(r *sessionRun, ev ports.Event) {
	if peer, ok := r.session.RemovePeer(ev.PartyID); ok {
		if err := peer.Teardown(); err != nil {
			o.logger.Warnw("failed to tear down peer", "party_id", ev.PartyID, "error", err)
		}
	}
	if o.deps.Quality != nil {
		o.deps.Quality.Forget(ev.PartyID)
	}
}

func (o *StreamSessionOrchestrator) handleOffer(r *sessionRun, ev ports.Event) {
	offer, ok := ev.Negotiation.(domain.Offer)
	if !ok {
		return
	}
	peer, err := o.ensurePeer(r, ev.From)
	if err != nil {
		o.report(r, domain.NewSessionError(domain.KindNegotiationFailed, ev.From, err))
		return
	}

	if err := peer.HandleRemoteOffer(r.ctx, offer.Description); err != nil {
		o.logger.Errorw("failed to apply remote offer", "party_id", ev.From, "error", err)
		o.report(r, domain.NewSessionError(domain.KindNegotiationFailed, ev.From, err))
		return
	}
	answer, err := peer.CreateAnswer(r.ctx)
	if err != nil {
		o.logger.Errorw("failed to create answer", "party_id", ev.From, "error", err)
		o.report(r, domain.NewSessionError(domain.KindNegotiationFailed, ev.From, err))
		return
	}

	s := r.session
	msg := domain.Answer{
		Route:       domain.Route{StreamID: s.StreamID, From: s.LocalID, To: ev.From},
		Description: *answer,
	}
	if err := o.deps.Signaling.SendNegotiation(r.ctx, msg); err != nil {
		o.logger.Warnw("failed to send answer", "party_id", ev.From, "error", err)
	}
}

func (o *StreamSessionOrchestrator) handleAnswer(r *sessionRun, ev ports.Event) {
	answer, ok := ev.Negotiation.(domain.Answer)
	if !ok {
		return
	}
	peer, ok := r.session.Peer(ev.From)
	if !ok {
		o.logger.Warnw("answer from unknown party", "party_id", ev.From, "error", domain.ErrUnexpectedAnswer)
		return
	}
	if err := peer.HandleAnswer(r.ctx, answer.Description); err != nil {
		o.logger.Errorw("failed to apply answer", "party_id", ev.From, "error", err)
		if !errors.Is(err, domain.ErrUnexpectedAnswer) {
			o.report(r, domain.NewSessionError(domain.KindNegotiationFailed, ev.From, err))
		}
	}
}

// handleCandidate passes a candidate to its peer, which buffers it until
// the remote description is set.
func (o *StreamSessionOrchestrator) handleCandidate(r *sessionRun, ev ports.Event) {
	cand, ok := ev.Negotiation.(domain.Candidate)
	if !ok {
		return
	}
	// Only a viewer learns of its peer through incoming negotiation; the
	// host creates peers when viewers join.
	var peer ports.PeerSession
	if r.session.Role == domain.RoleViewer {
		var err error
		if peer, err = o.ensurePeer(r, ev.From); err != nil {
			o.logger.Warnw("dropping candidate", "party_id", ev.From, "error", err)
			return
		}
	} else {
		if peer, ok = r.session.Peer(ev.From); !ok {
			o.logger.Warnw("dropping candidate from unknown party", "party_id", ev.From)
			return
		}
	}
	if err := peer.HandleICECandidate(r.ctx, cand.Candidate); err != nil {
		o.logger.Warnw("failed to add ice candidate", "party_id", ev.From, "error", err)
	}
}

func (o *StreamSessionOrchestrator) handleRenegotiate(r *sessionRun, ev ports.Event) {
	if r.session.Role != domain.RoleHost {
		return
	}
	peer, ok := r.session.Peer(ev.From)
	if !ok {
		// The host lost track of the viewer; treat it as a fresh join.
		o.handleViewerJoined(r, ports.Event{Type: ports.EventViewerJoined, PartyID: ev.From})
		return
	}

	// Restart waits for ICE gathering; keep the work queue free meanwhile.
	r.offers.Add(1)
	go func() {
		defer r.offers.Done()
		peer.Restart(r.ctx)
	}()
}

func (o *StreamSessionOrchestrator) ensurePeer(r *sessionRun, party domain.PartyID) (ports.PeerSession, error) {
	if party == "" {
		return nil, domain.ErrMalformedMessage
	}
	if peer, ok := r.session.Peer(party); ok {
		return peer, nil
	}
	return o.newPeer(r, party)
}

func (o *StreamSessionOrchestrator) newPeer(r *sessionRun, party domain.PartyID) (ports.PeerSession, error) {
	s := r.session
	peer, err := o.deps.Peers.NewPeerSession(ports.PeerSessionParams{
		StreamID: s.StreamID,
		LocalID:  s.LocalID,
		RemoteID: party,
		Role:     s.Role,
		Local:    s.Local(),
		Sender:   o.deps.Signaling,
		Events:   o.peerEvents(r),
	})
	if err != nil {
		return nil, err
	}
	s.PutPeer(party, peer)
	return peer, nil
}

func (o *StreamSessionOrchestrator) peerEvents(r *sessionRun) ports.PeerEvents {
	return ports.PeerEvents{
		OnConnectionState: func(party domain.PartyID, state domain.ConnectionState) {
			if o.deps.Metrics != nil {
				o.deps.Metrics.RecordConnectionState(party, state)
			}
			o.emit(r, func(h SessionEvents) {
				if h.OnConnectionState != nil {
					h.OnConnectionState(party, state)
				}
			})
		},
		OnICEState: func(party domain.PartyID, state string) {
			o.emit(r, func(h SessionEvents) {
				if h.OnICEState != nil {
					h.OnICEState(party, state)
				}
			})
		},
		OnRemoteStream: func(stream domain.RemoteStream) {
			o.emit(r, func(h SessionEvents) {
				if h.OnRemoteStream != nil {
					h.OnRemoteStream(stream)
				}
			})
		},
		OnMetrics: func(m domain.StreamMetrics) {
			if o.deps.Metrics != nil {
				o.deps.Metrics.RecordStreamMetrics(m)
			}
			o.emit(r, func(h SessionEvents) {
				if h.OnMetrics != nil {
					h.OnMetrics(m)
				}
			})
		},
		OnError: func(err *domain.SessionError) {
			o.report(r, err)
		},
	}
}

// report surfaces err. Kinds that need user action are reported once per
// session.
func (o *StreamSessionOrchestrator) report(r *sessionRun, err *domain.SessionError) {
	if err == nil {
		return
	}
	if err.Kind.RequiresUser() {
		r.reportedMu.Lock()
		seen := r.reported[err.Kind]
		r.reported[err.Kind] = true
		r.reportedMu.Unlock()
		if seen {
			return
		}
	}
	o.emit(r, func(h SessionEvents) {
		if h.OnError != nil {
			h.OnError(err)
		}
	})
}

func (o *StreamSessionOrchestrator) emit(r *sessionRun, fn func(h SessionEvents)) {
	h := r.handlers
	r.events.Post(func() { fn(h) })
}
