package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
	"livestage/internal/infrastructure/distributed"
	"livestage/pkg/validation"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// RelayConfig tunes the relay's connection handling.
type RelayConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	PollHold          time.Duration
	PollIdleTimeout   time.Duration
	MessagesPerSecond float64 // 0 disables per-connection limiting
	Burst             int
	MaxMessageSize    int64
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		PollHold:          25 * time.Second,
		PollIdleTimeout:   60 * time.Second,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageSize:    64 * 1024,
	}
}

// Relay is the signaling relay: rooms keyed by stream id, addressed
// forwarding and room broadcasts over websocket and long-poll.
type Relay struct {
	rooms   ports.RoomRepository
	bus     *distributed.EventBus
	metrics ports.RelayMetricsRecorder
	cfg     RelayConfig
	logger  *zap.SugaredLogger

	mu    sync.RWMutex
	conns map[domain.PartyID]*relayConn
	polls map[string]*relayConn

	// membershipMu orders room joins against leaves of replaced connections.
	membershipMu sync.Mutex
}

var _ ports.SignalingHTTPHandler = (*Relay)(nil)

// relayConn is one connected party, whichever transport it uses.
type relayConn struct {
	party     domain.PartyID
	transport string
	limiter   *rate.Limiter

	// websocket
	ws      *websocket.Conn
	writeMu sync.Mutex

	// long-poll
	session  string
	queue    chan Envelope
	lastSeen time.Time

	mu       sync.Mutex
	streamID domain.StreamID
	isHost   bool
	closed   bool
	released bool
	done     chan struct{}
}

func (c *relayConn) room() (domain.StreamID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID, c.isHost
}

func NewRelay(
	rooms ports.RoomRepository,
	bus *distributed.EventBus,
	metrics ports.RelayMetricsRecorder,
	cfg RelayConfig,
	logger *zap.SugaredLogger,
) *Relay {
	return &Relay{
		rooms:   rooms,
		bus:     bus,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		conns:   make(map[domain.PartyID]*relayConn),
		polls:   make(map[string]*relayConn),
	}
}

func (s *Relay) newConn(party domain.PartyID, transport string) *relayConn {
	c := &relayConn{
		party:     party,
		transport: transport,
		done:      make(chan struct{}),
		lastSeen:  time.Now(),
	}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}
	return c
}

// register installs c for its party, closing any older connection of the
// same party.
func (s *Relay) register(c *relayConn) {
	s.mu.Lock()
	old := s.conns[c.party]
	s.conns[c.party] = c
	if c.session != "" {
		s.polls[c.session] = c
	}
	s.mu.Unlock()

	if old != nil {
		s.logger.Infow("replacing connection for reconnecting party", "party_id", c.party)
		s.closeConn(old)
	}
	if s.metrics != nil {
		s.metrics.ConnectionOpened(c.transport)
	}
	s.logger.Infow("party connected", "party_id", c.party, "transport", c.transport, "reconnect", old != nil)
}

func (s *Relay) closeConn(c *relayConn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if c.ws != nil {
		_ = c.ws.Close()
	}
}

// disconnect removes c and takes its party out of its room, unless a newer
// connection for the same party has taken over.
func (s *Relay) disconnect(ctx context.Context, c *relayConn) {
	s.closeConn(c)

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.mu.Unlock()

	s.mu.Lock()
	if s.conns[c.party] == c {
		delete(s.conns, c.party)
	}
	if c.session != "" {
		delete(s.polls, c.session)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectionClosed(c.transport)
	}
	s.leaveRoom(ctx, c)
	s.logger.Infow("party disconnected", "party_id", c.party, "transport", c.transport)
}

func (s *Relay) superseded(c *relayConn) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.conns[c.party]
	return cur != nil && cur != c
}

// HandleWebSocket serves GET /ws?partyId=...
func (s *Relay) HandleWebSocket(ctx *gin.Context) {
	party := domain.PartyID(ctx.Query("partyId"))
	if err := validation.ValidatePartyID(string(party)); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := s.newConn(party, TransportWebSocket)
	c.ws = ws
	s.register(c)
	defer s.disconnect(context.Background(), c)

	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.WriteTimeout))
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Envelope, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var env Envelope
			if err := ws.ReadJSON(&env); err != nil {
				errorChan <- err
				return
			}
			_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- env:
			case <-c.done:
				return
			}
		}
	}()

	for {
		select {
		case env := <-messageChan:
			if err := s.handleMessage(ctx.Request.Context(), c, env); err != nil {
				s.logger.Infow("error handling message from party", "party_id", party, "type", env.Type, "error", err)
				s.sendError(c, err)
			}

		case <-pingTicker.C:
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "party_id", party, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from party", "party_id", party, "error", err)
			}
			return

		case <-c.done:
			return
		}
	}
}

// HandlePollOpen serves POST /poll/sessions?partyId=...
func (s *Relay) HandlePollOpen(ctx *gin.Context) {
	party := domain.PartyID(ctx.Query("partyId"))
	if err := validation.ValidatePartyID(string(party)); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c := s.newConn(party, TransportPolling)
	c.session = uuid.NewString()
	c.queue = make(chan Envelope, 256)
	s.register(c)

	ctx.JSON(http.StatusOK, pollOpenResponse{SessionID: c.session})
}

// HandlePollReceive serves GET /poll/sessions/:session. It holds the request until
// frames are queued or PollHold passes.
func (s *Relay) HandlePollReceive(ctx *gin.Context) {
	c := s.pollConn(ctx.Param("session"))
	if c == nil {
		ctx.Status(http.StatusGone)
		return
	}
	s.touch(c)

	timer := time.NewTimer(s.cfg.PollHold)
	defer timer.Stop()

	var batch []Envelope
	select {
	case env := <-c.queue:
		batch = append(batch, env)
	case <-timer.C:
		ctx.Status(http.StatusNoContent)
		return
	case <-c.done:
		ctx.Status(http.StatusGone)
		return
	case <-ctx.Request.Context().Done():
		return
	}

drain:
	for len(batch) < cap(c.queue) {
		select {
		case env := <-c.queue:
			batch = append(batch, env)
		default:
			break drain
		}
	}
	s.touch(c)
	ctx.JSON(http.StatusOK, batch)
}

// HandlePollSend serves POST /poll/sessions/:session with one frame as the body.
func (s *Relay) HandlePollSend(ctx *gin.Context) {
	c := s.pollConn(ctx.Param("session"))
	if c == nil {
		ctx.Status(http.StatusGone)
		return
	}
	s.touch(c)

	if s.cfg.MaxMessageSize > 0 {
		ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, s.cfg.MaxMessageSize)
	}
	var env Envelope
	if err := ctx.ShouldBindJSON(&env); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ctx.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message too large"})
			return
		}
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid frame"})
		return
	}

	if err := s.handleMessage(ctx.Request.Context(), c, env); err != nil {
		s.logger.Infow("error handling message from party", "party_id", c.party, "type", env.Type, "error", err)
		s.sendError(c, err)
	}
	ctx.Status(http.StatusAccepted)
}

// HandlePollClose serves DELETE /poll/sessions/:session.
func (s *Relay) HandlePollClose(ctx *gin.Context) {
	c := s.pollConn(ctx.Param("session"))
	if c == nil {
		ctx.Status(http.StatusGone)
		return
	}
	s.disconnect(ctx.Request.Context(), c)
	ctx.Status(http.StatusNoContent)
}

func (s *Relay) pollConn(session string) *relayConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.polls[session]
}

func (s *Relay) touch(c *relayConn) {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// Run expires idle poll sessions and, with an event bus, delivers frames
// published by other relay instances. It blocks until ctx is done.
func (s *Relay) Run(ctx context.Context) error {
	if s.bus != nil {
		go func() {
			if err := s.bus.Subscribe(ctx, s.onBusEvent); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Errorw("event bus subscription ended", "error", err)
			}
		}()
	}

	interval := s.cfg.PollIdleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.expireIdlePolls(ctx)
		}
	}
}

func (s *Relay) expireIdlePolls(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.PollIdleTimeout)

	s.mu.RLock()
	var idle []*relayConn
	for _, c := range s.polls {
		c.mu.Lock()
		if c.lastSeen.Before(cutoff) {
			idle = append(idle, c)
		}
		c.mu.Unlock()
	}
	s.mu.RUnlock()

	for _, c := range idle {
		s.logger.Infow("expiring idle poll session", "party_id", c.party)
		s.disconnect(ctx, c)
	}
}

func (s *Relay) handleMessage(ctx context.Context, c *relayConn, env Envelope) error {
	if c.limiter != nil && !c.limiter.Allow() {
		s.rejected("rate-limited")
		return &RelayError{Code: "rate-limited", Message: "too many messages"}
	}

	ev, err := DecodeEvent(env)
	if err != nil {
		s.rejected("malformed")
		return &RelayError{Code: "malformed", Message: err.Error()}
	}

	switch ev.Type {
	case ports.EventJoinStream:
		return s.handleJoin(ctx, c, ev.StreamID, env)
	case ports.EventLeaveStream:
		s.leaveRoom(ctx, c)
		return nil
	case ports.EventOffer, ports.EventAnswer, ports.EventICECandidate, ports.EventRenegotiate, ports.EventChatMessage:
		return s.forward(ctx, c, env)
	}
	s.rejected("unsupported")
	return &RelayError{Code: "unsupported", Message: fmt.Sprintf("%s is relay-originated", ev.Type)}
}

func (s *Relay) handleJoin(ctx context.Context, c *relayConn, streamID domain.StreamID, env Envelope) error {
	var p JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &RelayError{Code: "malformed", Message: "invalid join payload"}
	}

	if current, _ := c.room(); current != "" && current != streamID {
		s.leaveRoom(ctx, c)
	}

	s.membershipMu.Lock()
	added, err := s.rooms.Join(ctx, domain.Participant{
		ID:       c.party,
		StreamID: streamID,
		IsHost:   p.IsHost,
		JoinedAt: time.Now(),
	})
	s.membershipMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}

	c.mu.Lock()
	c.streamID = streamID
	c.isHost = p.IsHost
	c.mu.Unlock()

	s.logger.Infow("party joined stream",
		"party_id", c.party,
		"stream_id", streamID,
		"is_host", p.IsHost,
		"added", added,
	)

	// A repeated join refreshes membership without replaying arrivals.
	if added {
		members, err := s.rooms.Members(ctx, streamID)
		if err != nil {
			return fmt.Errorf("failed to list room: %w", err)
		}
		if p.IsHost {
			for _, m := range members {
				if m.IsHost || m.ID == c.party {
					continue
				}
				s.sendTo(ctx, streamID, c.party, ports.EventViewerJoined, PartyPayload{PartyID: m.ID})
			}
		} else {
			for _, m := range members {
				if m.IsHost && m.ID != c.party {
					s.sendTo(ctx, streamID, m.ID, ports.EventViewerJoined, PartyPayload{PartyID: c.party})
				}
			}
		}
	}

	s.broadcastCount(ctx, streamID)
	return nil
}

func (s *Relay) leaveRoom(ctx context.Context, c *relayConn) {
	c.mu.Lock()
	streamID, isHost := c.streamID, c.isHost
	c.streamID = ""
	c.mu.Unlock()
	if streamID == "" {
		return
	}

	s.membershipMu.Lock()
	if s.superseded(c) {
		// The party reconnected; its membership belongs to the new connection.
		s.membershipMu.Unlock()
		return
	}
	err := s.rooms.Leave(ctx, streamID, c.party)
	s.membershipMu.Unlock()
	if err != nil {
		s.logger.Warnw("failed to leave room", "party_id", c.party, "stream_id", streamID, "error", err)
		return
	}
	s.logger.Infow("party left stream", "party_id", c.party, "stream_id", streamID, "is_host", isHost)

	if !isHost {
		members, err := s.rooms.Members(ctx, streamID)
		if err == nil {
			for _, m := range members {
				if m.IsHost {
					s.sendTo(ctx, streamID, m.ID, ports.EventViewerLeft, PartyPayload{PartyID: c.party})
				}
			}
		}
	}
	s.broadcastCount(ctx, streamID)
}

// forward relays a negotiation or chat frame. The relay stamps the sender
// and room itself; an addressed frame must target a member of the room.
func (s *Relay) forward(ctx context.Context, c *relayConn, env Envelope) error {
	streamID, _ := c.room()
	if streamID == "" {
		s.rejected("not-joined")
		return &RelayError{Code: "not-joined", Message: "join a stream first"}
	}
	env.From = c.party
	env.StreamID = streamID

	if env.Type == ports.EventChatMessage || env.To == "" {
		env.To = ""
		return s.broadcast(ctx, streamID, c.party, env)
	}

	members, err := s.rooms.Members(ctx, streamID)
	if err != nil {
		return fmt.Errorf("failed to list room: %w", err)
	}
	if !containsParty(members, env.To) {
		s.rejected("unknown-target")
		return &RelayError{Code: "unknown-target", Message: fmt.Sprintf("party %s is not in the stream", env.To)}
	}

	s.logger.Debugw("routing message",
		"type", env.Type,
		"from_party", env.From,
		"to_party", env.To,
		"stream_id", streamID,
	)
	s.deliver(ctx, env.To, env)
	if s.metrics != nil {
		s.metrics.MessageRelayed(string(env.Type))
	}
	return nil
}

func (s *Relay) broadcast(ctx context.Context, streamID domain.StreamID, from domain.PartyID, env Envelope) error {
	members, err := s.rooms.Members(ctx, streamID)
	if err != nil {
		return fmt.Errorf("failed to list room: %w", err)
	}
	for _, m := range members {
		if m.ID == from {
			continue
		}
		s.writeLocal(m.ID, env)
	}
	if s.bus != nil {
		if frame, err := json.Marshal(env); err == nil {
			if err := s.bus.Broadcast(ctx, streamID, from, frame); err != nil {
				s.logger.Warnw("failed to publish broadcast", "stream_id", streamID, "error", err)
			}
		}
	}
	if s.metrics != nil {
		s.metrics.MessageRelayed(string(env.Type))
	}
	return nil
}

func (s *Relay) broadcastCount(ctx context.Context, streamID domain.StreamID) {
	count, err := s.rooms.Count(ctx, streamID)
	if err != nil {
		s.logger.Warnw("failed to count room", "stream_id", streamID, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RoomSize(string(streamID), count)
	}
	env, err := NewEnvelope(ports.EventParticipantCount, streamID, "", "", count)
	if err != nil {
		return
	}
	_ = s.broadcast(ctx, streamID, "", env)
}

func (s *Relay) sendTo(ctx context.Context, streamID domain.StreamID, to domain.PartyID, t ports.EventType, payload any) {
	env, err := NewEnvelope(t, streamID, "", to, payload)
	if err != nil {
		s.logger.Errorw("failed to build frame", "type", t, "error", err)
		return
	}
	s.deliver(ctx, to, env)
}

// deliver writes env to a local connection, or hands it to the other
// instances when the party is connected elsewhere.
func (s *Relay) deliver(ctx context.Context, to domain.PartyID, env Envelope) {
	if s.writeLocal(to, env) {
		return
	}
	if s.bus == nil {
		s.logger.Debugw("target party not connected", "party_id", to, "type", env.Type)
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := s.bus.Forward(ctx, env.StreamID, to, frame); err != nil {
		s.logger.Warnw("failed to publish forward", "party_id", to, "error", err)
	}
}

func (s *Relay) writeLocal(to domain.PartyID, env Envelope) bool {
	s.mu.RLock()
	c := s.conns[to]
	s.mu.RUnlock()
	if c == nil {
		return false
	}
	if err := s.write(c, env); err != nil {
		s.logger.Infow("failed to write to party", "party_id", to, "type", env.Type, "error", err)
	}
	return true
}

func (s *Relay) write(c *relayConn, env Envelope) error {
	if c.ws != nil {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		return c.ws.WriteJSON(env)
	}
	select {
	case c.queue <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("poll queue full")
	}
}

func (s *Relay) onBusEvent(ev *distributed.Event) error {
	var env Envelope
	if err := json.Unmarshal(ev.Frame, &env); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}

	switch ev.Type {
	case distributed.EventSignalForward:
		s.writeLocal(ev.To, env)
	case distributed.EventSignalBroadcast:
		s.mu.RLock()
		var targets []*relayConn
		for party, c := range s.conns {
			if party == ev.From {
				continue
			}
			if streamID, _ := c.room(); streamID == ev.StreamID {
				targets = append(targets, c)
			}
		}
		s.mu.RUnlock()
		for _, c := range targets {
			if err := s.write(c, env); err != nil {
				s.logger.Debugw("failed to write broadcast", "party_id", c.party, "error", err)
			}
		}
	}
	return nil
}

func (s *Relay) sendError(c *relayConn, err error) {
	payload := ErrorPayload{Message: err.Error()}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		payload = ErrorPayload{Message: relayErr.Message, Code: relayErr.Code}
	}
	env, encErr := NewEnvelope(ports.EventError, "", "", c.party, payload)
	if encErr != nil {
		return
	}
	_ = s.write(c, env)
}

func (s *Relay) rejected(reason string) {
	if s.metrics != nil {
		s.metrics.MessageRejected(reason)
	}
}

// Connections reports how many parties are connected to this instance.
func (s *Relay) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func containsParty(members []domain.Participant, id domain.PartyID) bool {
	for _, m := range members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Shutdown tells every connected party the relay is going away and takes
// them out of their rooms.
func (s *Relay) Shutdown(ctx context.Context) {
	s.mu.RLock()
	conns := make([]*relayConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if c.ws != nil {
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
				time.Now().Add(s.cfg.WriteTimeout))
			c.writeMu.Unlock()
		}
		s.disconnect(ctx, c)
	}
	s.logger.Infow("relay connections released", "count", len(conns))
}

// RegisterRoutes mounts the websocket and long-poll endpoints.
func (s *Relay) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", s.HandleWebSocket)
	poll := r.Group("/poll/sessions")
	poll.POST("", s.HandlePollOpen)
	poll.GET("/:session", s.HandlePollReceive)
	poll.POST("/:session", s.HandlePollSend)
	poll.DELETE("/:session", s.HandlePollClose)
}
