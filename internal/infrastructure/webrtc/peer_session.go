package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
	"livestage/internal/core/services"
	"livestage/pkg/retry"
	"livestage/pkg/tracing"
	"livestage/pkg/validation"
)

// PeerSession owns one pion peer connection to a remote party and rebuilds
// it on failure. Callbacks from a replaced connection are recognised by
// their generation and dropped.
type PeerSession struct {
	params  ports.PeerSessionParams
	api     *webrtc.API
	cfg     Config
	quality ports.QualityController
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	generation   uint64
	senders      []*webrtc.RTPSender
	pending      []webrtc.ICECandidateInit
	remoteSet    bool
	state        domain.ConnectionState
	attempts     int
	reconnecting bool
	graceTimer   *time.Timer
	retryTimer   *time.Timer
	watchdog     *time.Timer
	statsStop    chan struct{}
	lastSample   domain.TransportSample
	closed       bool

	feedback feedbackCounters
}

var _ ports.PeerSession = (*PeerSession)(nil)

func newPeerSession(
	params ports.PeerSessionParams,
	api *webrtc.API,
	cfg Config,
	quality ports.QualityController,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *PeerSession {
	return &PeerSession{
		params:  params,
		api:     api,
		cfg:     cfg,
		quality: quality,
		metrics: metrics,
		logger:  logger.With("remote_id", params.RemoteID, "stream_id", params.StreamID),
		now:     time.Now,
		state:   domain.ConnectionNew,
	}
}

func (p *PeerSession) RemoteID() domain.PartyID {
	return p.params.RemoteID
}

func (p *PeerSession) State() domain.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerSession) offerer() bool {
	return p.params.Role == domain.RoleHost
}

// ensurePCLocked returns the live connection, building one when there is
// none or the previous one failed or closed.
func (p *PeerSession) ensurePCLocked() (*webrtc.PeerConnection, error) {
	if p.closed {
		return nil, domain.ErrPeerUnavailable
	}
	if p.pc != nil {
		switch p.pc.ConnectionState() {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.closePCLocked()
		default:
			return p.pc, nil
		}
	}
	if err := p.buildPCLocked(); err != nil {
		return nil, err
	}
	return p.pc, nil
}

func (p *PeerSession) buildPCLocked() error {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.cfg.ICEServers})
	if err != nil {
		p.logger.Errorw("failed to create peer connection", "error", err)
		return fmt.Errorf("%w: %v", domain.ErrPeerUnavailable, err)
	}

	p.generation++
	gen := p.generation
	p.pc = pc
	p.remoteSet = false
	p.lastSample = domain.TransportSample{}

	tracks := p.params.Local.Tracks()
	for _, track := range tracks {
		if !track.Live() || track.Local() == nil {
			continue
		}
		sender, err := pc.AddTrack(track.Local())
		if err != nil {
			p.logger.Warnw("failed to add track", "track_id", track.ID(), "error", err)
			continue
		}
		p.senders = append(p.senders, sender)
		go p.readSenderRTCP(sender)
	}

	if len(p.senders) == 0 && p.offerer() {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				p.logger.Warnw("failed to add transceiver", "kind", kind.String(), "error", err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !p.cfg.TrickleICE {
			return
		}
		p.sendCandidate(gen, c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.onConnectionState(gen, state)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if p.current(gen) && p.params.Events.OnICEState != nil {
			p.params.Events.OnICEState(p.params.RemoteID, state.String())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.onTrack(gen, track, receiver)
	})

	p.logger.Debugw("peer connection created", "generation", gen, "senders", len(p.senders))
	return nil
}

// closePCLocked detaches and closes the current connection. Bumping the
// generation first silences its late callbacks.
func (p *PeerSession) closePCLocked() {
	p.stopStatsLocked()
	stopTimer(&p.graceTimer)
	stopTimer(&p.watchdog)

	pc := p.pc
	if pc == nil {
		return
	}
	p.generation++
	p.pc = nil
	p.remoteSet = false

	for _, sender := range p.senders {
		if err := pc.RemoveTrack(sender); err != nil {
			p.logger.Debugw("failed to remove sender", "error", err)
		}
	}
	p.senders = nil

	pc.OnICECandidate(func(*webrtc.ICECandidate) {})
	pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
	pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})

	go func() {
		if err := pc.Close(); err != nil {
			p.logger.Debugw("peer connection close error", "error", err)
		}
	}()
}

func (p *PeerSession) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && gen == p.generation
}

func (p *PeerSession) CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	ctx, span := tracing.TraceNegotiation(ctx, string(domain.NegotiationOffer), string(p.params.StreamID), string(p.params.RemoteID))
	defer span.End()

	p.mu.Lock()
	pc, err := p.ensurePCLocked()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	gen := p.generation

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		p.mu.Unlock()
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("%w: create offer: %v", domain.ErrNegotiationFailed, err)
	}
	desc, err := p.setLocalLocked(ctx, pc, gen, offer)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return desc, err
}

func (p *PeerSession) CreateAnswer(ctx context.Context) (*webrtc.SessionDescription, error) {
	ctx, span := tracing.TraceNegotiation(ctx, string(domain.NegotiationAnswer), string(p.params.StreamID), string(p.params.RemoteID))
	defer span.End()

	p.mu.Lock()
	pc := p.pc
	if pc == nil || !p.remoteSet {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: no remote offer", domain.ErrNegotiationFailed)
	}
	gen := p.generation

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		p.mu.Unlock()
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("%w: create answer: %v", domain.ErrNegotiationFailed, err)
	}
	desc, err := p.setLocalLocked(ctx, pc, gen, answer)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return desc, err
}

// setLocalLocked applies desc and, without trickle, waits for gathering to
// finish so the returned description carries every candidate. It is
// entered with mu held and returns with it released.
func (p *PeerSession) setLocalLocked(
	ctx context.Context,
	pc *webrtc.PeerConnection,
	gen uint64,
	desc webrtc.SessionDescription,
) (*webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: set local description: %v", domain.ErrNegotiationFailed, err)
	}
	p.mu.Unlock()

	if !p.cfg.TrickleICE {
		timer := time.NewTimer(p.cfg.GatherTimeout)
		defer timer.Stop()
		select {
		case <-gathered:
		case <-timer.C:
			p.logger.Warnw("ICE gathering timed out, sending partial candidates",
				"timeout", p.cfg.GatherTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !p.current(gen) {
		return nil, domain.ErrPeerUnavailable
	}
	local := pc.LocalDescription()
	if local == nil {
		return nil, fmt.Errorf("%w: no local description", domain.ErrNegotiationFailed)
	}
	return local, nil
}

func (p *PeerSession) HandleRemoteOffer(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := validation.ValidateSDP(desc.SDP); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A fresh offer after a remote restart belongs to a new connection.
	if p.pc != nil && p.remoteSet {
		p.logger.Infow("remote offer replaces established connection")
		p.closePCLocked()
	}
	pc, err := p.ensurePCLocked()
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote offer: %v", domain.ErrNegotiationFailed, err)
	}
	p.remoteSet = true
	p.flushCandidatesLocked(pc)
	return nil
}

func (p *PeerSession) HandleAnswer(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := validation.ValidateSDP(desc.SDP); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pc := p.pc
	if pc == nil || pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return domain.ErrUnexpectedAnswer
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", domain.ErrNegotiationFailed, err)
	}
	p.remoteSet = true
	p.flushCandidatesLocked(pc)
	return nil
}

// HandleICECandidate applies c, or buffers it until the remote description
// is in place.
func (p *PeerSession) HandleICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	if err := validation.ValidateCandidate(c.Candidate); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.ErrPeerUnavailable
	}
	if p.pc == nil || !p.remoteSet {
		p.pending = append(p.pending, c)
		return nil
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *PeerSession) flushCandidatesLocked(pc *webrtc.PeerConnection) {
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			p.logger.Debugw("dropping buffered candidate", "error", err)
		}
	}
	if len(pending) > 0 {
		p.logger.Debugw("applied buffered candidates", "count", len(pending))
	}
}

func (p *PeerSession) sendCandidate(gen uint64, c webrtc.ICECandidateInit) {
	if !p.current(gen) || p.params.Sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.GatherTimeout)
	defer cancel()
	msg := domain.Candidate{Route: p.route(), Candidate: c}
	if err := p.params.Sender.SendNegotiation(ctx, msg); err != nil {
		p.logger.Debugw("failed to send candidate", "error", err)
	}
}

func (p *PeerSession) route() domain.Route {
	return domain.Route{
		StreamID: p.params.StreamID,
		From:     p.params.LocalID,
		To:       p.params.RemoteID,
	}
}

// Restart rebuilds the connection right away. The offering side sends a new
// offer; the answering side asks the offerer to do so.
func (p *PeerSession) Restart(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	stopTimer(&p.retryTimer)
	p.reconnecting = false
	p.pending = nil
	p.closePCLocked()
	err := p.buildPCLocked()
	gen := p.generation
	p.mu.Unlock()

	if err != nil {
		p.fail(err)
		return
	}
	if err := p.renegotiate(ctx, gen); err != nil {
		p.logger.Warnw("restart negotiation failed", "error", err)
	}
}

func (p *PeerSession) renegotiate(ctx context.Context, gen uint64) error {
	if p.params.Sender == nil {
		return domain.ErrNotConnected
	}
	if !p.offerer() {
		return p.params.Sender.SendNegotiation(ctx, domain.RenegotiateRequest{Route: p.route()})
	}
	if !p.current(gen) {
		return domain.ErrPeerUnavailable
	}
	offer, err := p.CreateOffer(ctx)
	if err != nil {
		return err
	}
	return p.params.Sender.SendNegotiation(ctx, domain.Offer{Route: p.route(), Description: *offer})
}

func (p *PeerSession) onConnectionState(gen uint64, state webrtc.PeerConnectionState) {
	p.mu.Lock()
	if p.closed || gen != p.generation {
		p.mu.Unlock()
		return
	}

	var notify []domain.ConnectionState
	var terminal *domain.SessionError

	switch state {
	case webrtc.PeerConnectionStateConnecting:
		if !p.reconnecting {
			p.state = domain.ConnectionConnecting
			notify = append(notify, p.state)
		}
	case webrtc.PeerConnectionStateConnected:
		stopTimer(&p.graceTimer)
		stopTimer(&p.watchdog)
		if p.attempts > 0 {
			p.logger.Infow("peer connection recovered", "attempts", p.attempts)
		}
		p.attempts = 0
		p.reconnecting = false
		p.state = domain.ConnectionConnected
		p.startStatsLocked(gen)
		notify = append(notify, p.state)
	case webrtc.PeerConnectionStateDisconnected:
		p.state = domain.ConnectionDisconnected
		notify = append(notify, p.state)
		if p.graceTimer == nil {
			p.graceTimer = time.AfterFunc(p.cfg.DisconnectGrace, func() { p.graceExpired(gen) })
		}
	case webrtc.PeerConnectionStateFailed:
		stopTimer(&p.graceTimer)
		notify, terminal = p.scheduleReconnectLocked(gen)
	}
	p.mu.Unlock()

	p.notify(notify, terminal)
}

func (p *PeerSession) graceExpired(gen uint64) {
	p.mu.Lock()
	if p.closed || gen != p.generation {
		p.mu.Unlock()
		return
	}
	p.graceTimer = nil
	if p.state != domain.ConnectionDisconnected {
		p.mu.Unlock()
		return
	}
	p.logger.Infow("disconnect grace expired", "grace", p.cfg.DisconnectGrace)
	notify, terminal := p.scheduleReconnectLocked(gen)
	p.mu.Unlock()

	p.notify(notify, terminal)
}

// scheduleReconnectLocked arms the next rebuild, or gives up once
// MaxAttempts rebuilds have not brought the connection back.
func (p *PeerSession) scheduleReconnectLocked(gen uint64) ([]domain.ConnectionState, *domain.SessionError) {
	if p.retryTimer != nil {
		return nil, nil
	}
	p.stopStatsLocked()

	if p.attempts >= p.cfg.Reconnect.MaxAttempts {
		p.logger.Errorw("peer connection lost, giving up", "attempts", p.attempts)
		p.reconnecting = false
		p.state = domain.ConnectionFailed
		p.closePCLocked()
		err := domain.NewSessionError(domain.KindConnectionLost, p.params.RemoteID,
			fmt.Errorf("%w after %d reconnect attempts", domain.ErrConnectionLost, p.attempts))
		err.Terminal = true
		return []domain.ConnectionState{domain.ConnectionFailed}, err
	}

	p.attempts++
	p.reconnecting = true
	p.state = domain.ConnectionReconnecting
	delay := retry.Delay(p.cfg.Reconnect, p.attempts)
	attempt := p.attempts

	p.logger.Warnw("scheduling peer reconnect", "attempt", attempt, "delay", delay)
	if p.metrics != nil {
		p.metrics.RecordReconnectAttempt(p.params.RemoteID, attempt)
	}
	p.retryTimer = time.AfterFunc(delay, func() { p.reconnect(gen) })
	return []domain.ConnectionState{domain.ConnectionReconnecting}, nil
}

func (p *PeerSession) reconnect(gen uint64) {
	p.mu.Lock()
	p.retryTimer = nil
	if p.closed || gen != p.generation {
		p.mu.Unlock()
		return
	}
	p.pending = nil
	p.closePCLocked()
	err := p.buildPCLocked()
	newGen := p.generation
	if err == nil {
		p.armWatchdogLocked(newGen)
	}
	p.mu.Unlock()

	if err != nil {
		p.retryFrom(newGen, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.GatherTimeout+p.cfg.DisconnectGrace)
	defer cancel()
	if err := p.renegotiate(ctx, newGen); err != nil {
		p.retryFrom(newGen, err)
	}
}

// armWatchdogLocked schedules another attempt when a rebuilt connection
// does not come up in time.
func (p *PeerSession) armWatchdogLocked(gen uint64) {
	stopTimer(&p.watchdog)
	timeout := p.cfg.GatherTimeout + 2*p.cfg.DisconnectGrace
	p.watchdog = time.AfterFunc(timeout, func() {
		p.mu.Lock()
		if p.closed || gen != p.generation || p.state == domain.ConnectionConnected {
			p.mu.Unlock()
			return
		}
		p.watchdog = nil
		p.logger.Warnw("rebuilt connection did not come up", "timeout", timeout)
		notify, terminal := p.scheduleReconnectLocked(gen)
		p.mu.Unlock()
		p.notify(notify, terminal)
	})
}

func (p *PeerSession) retryFrom(gen uint64, cause error) {
	p.logger.Warnw("reconnect attempt failed", "error", cause)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	notify, terminal := p.scheduleReconnectLocked(gen)
	p.mu.Unlock()
	p.notify(notify, terminal)
}

func (p *PeerSession) fail(cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.state = domain.ConnectionFailed
	p.mu.Unlock()

	err := domain.NewSessionError(domain.KindConnectionLost, p.params.RemoteID, cause)
	err.Terminal = true
	p.notify([]domain.ConnectionState{domain.ConnectionFailed}, err)
}

func (p *PeerSession) notify(states []domain.ConnectionState, err *domain.SessionError) {
	for _, s := range states {
		if p.params.Events.OnConnectionState != nil {
			p.params.Events.OnConnectionState(p.params.RemoteID, s)
		}
	}
	if err != nil && p.params.Events.OnError != nil {
		p.params.Events.OnError(err)
	}
}

func (p *PeerSession) onTrack(gen uint64, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if !p.current(gen) {
		return
	}
	p.logger.Infow("remote track started",
		"track_id", track.ID(),
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	if p.params.Events.OnRemoteStream != nil {
		p.params.Events.OnRemoteStream(domain.RemoteStream{
			PartyID: p.params.RemoteID,
			Tracks: []domain.RemoteTrack{{
				ID:       track.ID(),
				StreamID: track.StreamID(),
				Kind:     domain.TrackKind(track.Kind().String()),
				Codec:    track.Codec().MimeType,
			}},
		})
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		p.requestKeyframe(gen, track)
	}
	go p.drainTrack(track)
}

func (p *PeerSession) requestKeyframe(gen uint64, track *webrtc.TrackRemote) {
	p.mu.Lock()
	pc := p.pc
	ok := !p.closed && gen == p.generation && pc != nil
	p.mu.Unlock()
	if !ok {
		return
	}
	pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
	if err := pc.WriteRTCP(pli); err != nil {
		p.logger.Debugw("failed to send PLI", "error", err)
	}
}

// drainTrack keeps the receive path flowing until the track ends. Rendering
// is up to the application's remote stream consumer.
func (p *PeerSession) drainTrack(track *webrtc.TrackRemote) {
	var packets uint64
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debugw("remote track read ended", "track_id", track.ID(), "error", err)
			}
			p.logger.Debugw("remote track drained", "track_id", track.ID(), "packets", packets)
			return
		}
		if pkt != nil {
			packets++
		}
	}
}

func (p *PeerSession) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		p.feedback.observe(packets)
	}
}

func (p *PeerSession) startStatsLocked(gen uint64) {
	p.stopStatsLocked()
	if p.cfg.StatsInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	p.statsStop = stop

	go func() {
		ticker := time.NewTicker(p.cfg.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.collectStats(gen)
			}
		}
	}()
}

func (p *PeerSession) stopStatsLocked() {
	if p.statsStop != nil {
		close(p.statsStop)
		p.statsStop = nil
	}
}

// collectStats samples the connection once. Samples are skipped while a
// rebuild is in flight; counters restart with each new connection.
func (p *PeerSession) collectStats(gen uint64) {
	p.mu.Lock()
	pc := p.pc
	if p.closed || gen != p.generation || pc == nil || p.reconnecting || p.state != domain.ConnectionConnected {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	cur := sampleReport(pc.GetStats(), p.now())

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return
	}
	prev := p.lastSample
	p.lastSample = cur
	p.mu.Unlock()

	in, ok := services.ComputeInput(prev, cur)

	var tier domain.QualityTier
	if p.quality != nil {
		if ok && p.offerer() {
			tier = p.quality.Observe(p.params.RemoteID, in)
		} else {
			tier = p.quality.Tier()
		}
	}

	if p.params.Events.OnMetrics != nil {
		p.params.Events.OnMetrics(buildMetrics(p.params.StreamID, p.params.RemoteID, tier, prev, cur, in))
	}
	p.logger.Debugw("stats sampled",
		"loss_ratio", in.LossRatio,
		"bitrate_bps", in.BitrateBps,
		"pli", p.feedback.pli.Load(),
		"nack", p.feedback.nack.Load(),
	)
}

// Teardown releases the connection and stops every timer. Safe to call
// more than once.
func (p *PeerSession) Teardown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	stopTimer(&p.retryTimer)
	p.closePCLocked()
	p.closed = true
	p.pending = nil
	p.reconnecting = false
	p.state = domain.ConnectionClosed
	p.mu.Unlock()

	if p.quality != nil {
		p.quality.Forget(p.params.RemoteID)
	}
	p.logger.Infow("peer session closed")
	p.notify([]domain.ConnectionState{domain.ConnectionClosed}, nil)
	return nil
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
