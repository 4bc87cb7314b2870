package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livestage/internal/core/domain"
)

const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// transport is one live connection to the relay. Incoming frames arrive on
// Incoming until Closed fires; Err then tells why.
type transport interface {
	Name() string
	Dial(ctx context.Context, party domain.PartyID) error
	Send(ctx context.Context, env Envelope) error
	Incoming() <-chan Envelope
	Closed() <-chan struct{}
	Err() error
	Close() error
}

// link holds the shared closing state of a transport.
type link struct {
	incoming  chan Envelope
	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newLink() link {
	return link{
		incoming: make(chan Envelope, 64),
		closed:   make(chan struct{}),
	}
}

func (l *link) Incoming() <-chan Envelope { return l.incoming }
func (l *link) Closed() <-chan struct{}   { return l.closed }

func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *link) shut(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.closed)
	})
}

func (l *link) deliver(env Envelope) bool {
	select {
	case l.incoming <- env:
		return true
	case <-l.closed:
		return false
	}
}

var errTransportClosed = errors.New("transport closed")

// wsTransport is the primary transport.
type wsTransport struct {
	link
	url          string
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func newWSTransport(rawURL string, pingInterval, writeTimeout time.Duration, logger *zap.SugaredLogger) *wsTransport {
	return &wsTransport{
		link:         newLink(),
		url:          rawURL,
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

func (t *wsTransport) Name() string { return TransportWebSocket }

func (t *wsTransport) Dial(ctx context.Context, party domain.PartyID) error {
	u, err := url.Parse(t.url)
	if err != nil {
		return fmt.Errorf("invalid signaling url: %w", err)
	}
	q := u.Query()
	q.Set("partyId", string(party))
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	t.conn = conn

	readTimeout := 2 * t.pingInterval
	if readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}

	go t.readLoop(readTimeout)
	if t.pingInterval > 0 {
		go t.pingLoop()
	}
	return nil
}

func (t *wsTransport) readLoop(readTimeout time.Duration) {
	for {
		var env Envelope
		if err := t.conn.ReadJSON(&env); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				err = errTransportClosed
			}
			t.shut(err)
			_ = t.conn.Close()
			return
		}
		if readTimeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		if !t.deliver(env) {
			return
		}
	}
}

func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debugw("websocket ping failed", "error", err)
				t.shut(err)
				_ = t.conn.Close()
				return
			}
		}
	}
}

func (t *wsTransport) Send(ctx context.Context, env Envelope) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	if t.conn == nil {
		t.shut(errTransportClosed)
		return nil
	}
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.writeTimeout))
	t.writeMu.Unlock()
	t.shut(errTransportClosed)
	return t.conn.Close()
}

// pollTransport is the fallback transport: frames go up with POST and come
// down through a held GET.
type pollTransport struct {
	link
	client  *resty.Client
	session string
	cancel  context.CancelFunc
	logger  *zap.SugaredLogger
}

type pollOpenResponse struct {
	SessionID string `json:"sessionId"`
}

func newPollTransport(baseURL string, hold time.Duration, logger *zap.SugaredLogger) *pollTransport {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(hold+5*time.Second).
		SetHeader("Content-Type", "application/json")
	return &pollTransport{
		link:   newLink(),
		client: client,
		logger: logger,
	}
}

func (t *pollTransport) Name() string { return TransportPolling }

func (t *pollTransport) Dial(ctx context.Context, party domain.PartyID) error {
	var opened pollOpenResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("partyId", string(party)).
		SetResult(&opened).
		Post("/sessions")
	if err != nil {
		return fmt.Errorf("poll open: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || opened.SessionID == "" {
		return fmt.Errorf("poll open: unexpected status %d", resp.StatusCode())
	}
	t.session = opened.SessionID

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.receiveLoop(loopCtx)
	return nil
}

func (t *pollTransport) receiveLoop(ctx context.Context) {
	for {
		var batch []Envelope
		resp, err := t.client.R().
			SetContext(ctx).
			SetResult(&batch).
			Get("/sessions/" + t.session)
		if err != nil {
			if ctx.Err() != nil {
				t.shut(errTransportClosed)
				return
			}
			t.shut(fmt.Errorf("poll receive: %w", err))
			return
		}

		switch resp.StatusCode() {
		case http.StatusOK:
			for _, env := range batch {
				if !t.deliver(env) {
					return
				}
			}
		case http.StatusNoContent:
		default:
			t.shut(fmt.Errorf("poll receive: unexpected status %d", resp.StatusCode()))
			return
		}
	}
}

func (t *pollTransport) Send(ctx context.Context, env Envelope) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(env).
		Post("/sessions/" + t.session)
	if err != nil {
		return fmt.Errorf("poll send: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusAccepted, http.StatusOK:
		return nil
	case http.StatusGone:
		t.shut(fmt.Errorf("poll session expired"))
		return errTransportClosed
	}
	return fmt.Errorf("poll send: unexpected status %d", resp.StatusCode())
}

func (t *pollTransport) Close() error {
	t.shut(errTransportClosed)
	if t.cancel != nil {
		t.cancel()
	}
	if t.session == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := t.client.R().SetContext(ctx).Delete("/sessions/" + t.session)
	return err
}
