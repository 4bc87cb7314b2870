package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
	"livestage/pkg/retry"
	"livestage/pkg/tracing"
)

// ClientConfig configures the signaling client.
type ClientConfig struct {
	URL     string // websocket endpoint, ws://host/ws
	PollURL string // long-poll base, http://host/poll
	// Transports in preference order; a failed dial moves to the next one.
	Transports []string
	// ConnectTimeout bounds the whole connect, every attempt included.
	ConnectTimeout       time.Duration
	MaxConnectAttempts   int
	MaxReconnectAttempts int
	Backoff              retry.Config
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	PollHold             time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Transports:           []string{TransportWebSocket, TransportPolling},
		ConnectTimeout:       10 * time.Second,
		MaxConnectAttempts:   4,
		MaxReconnectAttempts: 5,
		Backoff: retry.Config{
			Enabled:      true,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
		PingInterval: 15 * time.Second,
		WriteTimeout: 5 * time.Second,
		PollHold:     25 * time.Second,
	}
}

// Client is the signaling client. It owns one transport at a time and
// replaces it on unexpected loss, joining the same room again.
type Client struct {
	cfg     ClientConfig
	localID domain.PartyID
	logger  *zap.SugaredLogger
	dialer  func(name string) (transport, error)

	handlersMu    sync.RWMutex
	handlers      map[ports.EventType][]func(ports.Event)
	stateHandlers []func(domain.SignalingState)

	errs chan error

	mu        sync.Mutex
	state     domain.SignalingState
	tr        transport
	streamID  domain.StreamID
	role      domain.Role
	preferred int
	runCtx    context.Context
	runCancel context.CancelFunc
}

var _ ports.SignalingClient = (*Client)(nil)

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	c := &Client{
		cfg:      cfg,
		localID:  domain.PartyID(uuid.NewString()),
		handlers: make(map[ports.EventType][]func(ports.Event)),
		errs:     make(chan error, 16),
		state:    domain.SignalingDisconnected,
	}
	c.logger = logger.With("party_id", c.localID)
	c.dialer = c.newTransport
	return c
}

func (c *Client) newTransport(name string) (transport, error) {
	switch name {
	case TransportWebSocket:
		if c.cfg.URL == "" {
			return nil, fmt.Errorf("websocket url not configured")
		}
		return newWSTransport(c.cfg.URL, c.cfg.PingInterval, c.cfg.WriteTimeout, c.logger), nil
	case TransportPolling:
		if c.cfg.PollURL == "" {
			return nil, fmt.Errorf("poll url not configured")
		}
		return newPollTransport(c.cfg.PollURL, c.cfg.PollHold, c.logger), nil
	}
	return nil, fmt.Errorf("unknown transport %q", name)
}

func (c *Client) LocalID() domain.PartyID {
	return c.localID
}

func (c *Client) State() domain.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Errors() <-chan error {
	return c.errs
}

func (c *Client) On(eventType ports.EventType, handler func(ports.Event)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
}

func (c *Client) OnStateChange(handler func(domain.SignalingState)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.stateHandlers = append(c.stateHandlers, handler)
}

// Connect dials the relay and joins the room. Calling it again for the
// same room while connected only repeats the join.
func (c *Client) Connect(ctx context.Context, streamID domain.StreamID, role domain.Role) error {
	c.mu.Lock()
	if c.state == domain.SignalingConnected && c.streamID == streamID {
		tr := c.tr
		c.mu.Unlock()
		return c.join(ctx, tr)
	}
	if c.state != domain.SignalingDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("signaling busy: %s", c.state)
	}
	c.streamID = streamID
	c.role = role
	c.preferred = 0
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	runCtx := c.runCtx
	c.mu.Unlock()

	c.setState(domain.SignalingConnecting)

	ctx, span := tracing.TraceSignaling(ctx, "connect", string(c.localID))
	defer span.End()

	tr, err := c.dial(ctx, c.cfg.MaxConnectAttempts)
	if err == nil {
		err = c.join(ctx, tr)
		if err != nil {
			_ = tr.Close()
		}
	}
	if err != nil {
		c.mu.Lock()
		c.runCancel()
		c.mu.Unlock()
		c.setState(domain.SignalingDisconnected)
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: %v", domain.ErrSignalingUnreachable, err)
	}

	if !c.install(runCtx, tr) {
		_ = tr.Close()
		return domain.ErrSessionClosed
	}
	c.logger.Infow("signaling connected", "stream_id", streamID, "role", role, "transport", tr.Name())
	return nil
}

// dial tries the transports in preference order within ConnectTimeout,
// moving down the list after each failure. A downgrade sticks for the
// rest of the connection's life.
func (c *Client) dial(ctx context.Context, attempts int) (transport, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if attempts <= 0 {
		attempts = 1
	}

	c.mu.Lock()
	idx := c.preferred
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if idx >= len(c.cfg.Transports) {
			idx = len(c.cfg.Transports) - 1
		}
		if idx < 0 {
			return nil, fmt.Errorf("no transports configured")
		}
		name := c.cfg.Transports[idx]

		tr, err := c.dialer(name)
		if err == nil {
			err = tr.Dial(ctx, c.localID)
		}
		if err == nil {
			return tr, nil
		}
		lastErr = err

		c.logger.Warnw("signaling dial failed",
			"transport", name,
			"attempt", attempt,
			"error", err,
		)
		if idx < len(c.cfg.Transports)-1 {
			idx++
			// Later dials, reconnects included, start from the downgraded transport.
			c.mu.Lock()
			c.preferred = idx
			c.mu.Unlock()
			c.logger.Infow("downgrading signaling transport", "transport", c.cfg.Transports[idx])
		}
		if attempt == attempts {
			break
		}
		if err := retry.Sleep(ctx, retry.Delay(c.cfg.Backoff, attempt)); err != nil {
			break
		}
	}
	if ctx.Err() != nil && lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, lastErr
}

func (c *Client) join(ctx context.Context, tr transport) error {
	c.mu.Lock()
	streamID, role := c.streamID, c.role
	c.mu.Unlock()

	env, err := NewEnvelope(ports.EventJoinStream, streamID, c.localID, "", JoinPayload{
		StreamID: streamID,
		IsHost:   role == domain.RoleHost,
		PartyID:  c.localID,
	})
	if err != nil {
		return err
	}
	return tr.Send(ctx, env)
}

// install makes tr the live transport unless the client was disconnected
// meanwhile.
func (c *Client) install(runCtx context.Context, tr transport) bool {
	c.mu.Lock()
	if runCtx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.tr = tr
	c.mu.Unlock()

	c.setState(domain.SignalingConnected)
	go c.readLoop(runCtx, tr)
	return true
}

// readLoop delivers frames to handlers in arrival order until the
// transport drops.
func (c *Client) readLoop(runCtx context.Context, tr transport) {
	for {
		select {
		case env := <-tr.Incoming():
			c.dispatch(env)
		case <-tr.Closed():
			c.drain(tr)
			if runCtx.Err() == nil {
				c.onTransportLost(runCtx, tr)
			}
			return
		case <-runCtx.Done():
			return
		}
	}
}

// drain dispatches what arrived before the transport closed.
func (c *Client) drain(tr transport) {
	for {
		select {
		case env := <-tr.Incoming():
			c.dispatch(env)
		default:
			return
		}
	}
}

func (c *Client) dispatch(env Envelope) {
	ev, err := DecodeEvent(env)
	if err != nil {
		c.logger.Warnw("dropping malformed signaling message", "type", env.Type, "from", env.From, "error", err)
		return
	}

	c.handlersMu.RLock()
	handlers := append([]func(ports.Event){}, c.handlers[ev.Type]...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (c *Client) onTransportLost(runCtx context.Context, lost transport) {
	c.mu.Lock()
	if c.tr != lost {
		c.mu.Unlock()
		return
	}
	c.tr = nil
	c.mu.Unlock()

	cause := lost.Err()
	c.logger.Warnw("signaling transport lost", "transport", lost.Name(), "error", cause)
	c.reportError(fmt.Errorf("signaling transport %s lost: %w", lost.Name(), cause))
	c.setState(domain.SignalingReconnecting)

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := retry.Delay(c.cfg.Backoff, attempt)
		c.logger.Infow("signaling reconnect scheduled", "attempt", attempt, "delay", delay)
		if err := retry.Sleep(runCtx, delay); err != nil {
			return
		}

		tr, err := c.dial(runCtx, 1)
		if err == nil {
			err = c.join(runCtx, tr)
			if err != nil {
				_ = tr.Close()
			}
		}
		if err != nil {
			c.logger.Warnw("signaling reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		if !c.install(runCtx, tr) {
			_ = tr.Close()
			return
		}
		c.logger.Infow("signaling reconnected", "attempt", attempt, "transport", tr.Name())
		return
	}

	if runCtx.Err() != nil {
		return
	}
	c.setState(domain.SignalingDisconnected)
	c.reportError(fmt.Errorf("%w: reconnect attempts exhausted", domain.ErrSignalingUnreachable))
}

func (c *Client) Send(ctx context.Context, eventType ports.EventType, to domain.PartyID, payload any) error {
	c.mu.Lock()
	tr, streamID := c.tr, c.streamID
	c.mu.Unlock()
	if tr == nil {
		return domain.ErrNotConnected
	}

	env, err := NewEnvelope(eventType, streamID, c.localID, to, payload)
	if err != nil {
		return err
	}
	return tr.Send(ctx, env)
}

func (c *Client) SendNegotiation(ctx context.Context, msg domain.NegotiationMessage) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return domain.ErrNotConnected
	}

	env, err := EncodeNegotiation(msg)
	if err != nil {
		return err
	}
	if env.From == "" {
		env.From = c.localID
	}
	return tr.Send(ctx, env)
}

// Disconnect leaves the room and closes the transport. Safe to call at any
// time and more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.runCancel != nil {
		c.runCancel()
	}
	tr := c.tr
	c.tr = nil
	streamID := c.streamID
	wasConnected := c.state != domain.SignalingDisconnected
	c.mu.Unlock()

	var err error
	if tr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		if env, encErr := NewEnvelope(ports.EventLeaveStream, streamID, c.localID, "", nil); encErr == nil {
			_ = tr.Send(ctx, env)
		}
		cancel()
		err = tr.Close()
	}
	if wasConnected {
		c.setState(domain.SignalingDisconnected)
		c.logger.Infow("signaling disconnected", "stream_id", streamID)
	}
	if err != nil && !errors.Is(err, errTransportClosed) {
		return err
	}
	return nil
}

func (c *Client) setState(state domain.SignalingState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.handlersMu.RLock()
	handlers := append([]func(domain.SignalingState){}, c.stateHandlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(state)
	}
}

func (c *Client) reportError(err error) {
	select {
	case c.errs <- err:
	default:
		c.logger.Debugw("signaling error channel full, dropping", "error", err)
	}
}
