package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"livestage/internal/core/domain"
	"livestage/internal/core/ports"
	"livestage/pkg/cache"
	"livestage/pkg/circuitbreaker"
	apperrors "livestage/pkg/errors"
	"livestage/pkg/retry"
)

// errRejected marks responses that repeating the call cannot fix.
var errRejected = errors.New("request rejected")

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// CacheTTL keeps GetStream results this long; 0 disables caching.
	CacheTTL time.Duration
	Retry    retry.Config
	Breaker  circuitbreaker.Config
}

func DefaultClientConfig(baseURL string) ClientConfig {
	breaker := circuitbreaker.DefaultConfig()
	breaker.Name = "stream-api"
	return ClientConfig{
		BaseURL:  baseURL,
		Timeout:  5 * time.Second,
		CacheTTL: 5 * time.Second,
		Retry:    retry.DefaultConfig(),
		Breaker:  breaker,
	}
}

// StreamClient talks to the stream metadata API. Transport failures and
// 5xx responses are retried and count against the circuit breaker; 4xx
// responses are returned at once.
type StreamClient struct {
	http    *resty.Client
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	streams *cache.Cache[domain.StreamID, domain.Stream]
	logger  *zap.SugaredLogger
}

var _ ports.StreamMetadataClient = (*StreamClient)(nil)

type streamEnvelope struct {
	Stream *domain.Stream `json:"stream"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewStreamClient(cfg ClientConfig, logger *zap.SugaredLogger) *StreamClient {
	breaker := circuitbreaker.New(cfg.Breaker)
	breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		logger.Warnw("circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	})

	rc := cfg.Retry
	rc.NonRetryableErrors = append(rc.NonRetryableErrors, errRejected, circuitbreaker.ErrOpen)

	var streams *cache.Cache[domain.StreamID, domain.Stream]
	if cfg.CacheTTL > 0 {
		streams = cache.New[domain.StreamID, domain.Stream](cfg.CacheTTL)
	}

	return &StreamClient{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
		breaker: breaker,
		retry:   rc,
		streams: streams,
		logger:  logger,
	}
}

func (c *StreamClient) GetStream(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	if c.streams != nil {
		if cached, ok := c.streams.Get(id); ok {
			return &cached, nil
		}
	}

	var out streamEnvelope
	err := c.do(ctx, "get stream", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetPathParam("id", string(id)).
			SetResult(&out).
			SetError(&errorBody{}).
			Get("/streams/{id}")
	})
	if err != nil {
		return nil, err
	}
	if out.Stream == nil {
		return nil, fmt.Errorf("get stream: empty response")
	}
	c.remember(out.Stream)
	return out.Stream, nil
}

func (c *StreamClient) SetLive(ctx context.Context, id domain.StreamID, live bool) error {
	if c.streams != nil {
		c.streams.Delete(id)
	}
	return c.do(ctx, "set live", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetPathParam("id", string(id)).
			SetBody(map[string]bool{"isLive": live}).
			SetError(&errorBody{}).
			Put("/streams/{id}")
	})
}

// CreateStream registers a stream for host and returns it.
func (c *StreamClient) CreateStream(ctx context.Context, title string, host domain.PartyID) (*domain.Stream, error) {
	var out streamEnvelope
	err := c.do(ctx, "create stream", func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetBody(map[string]string{"title": title, "hostId": string(host)}).
			SetResult(&out).
			SetError(&errorBody{}).
			Post("/streams")
	})
	if err != nil {
		return nil, err
	}
	if out.Stream == nil {
		return nil, fmt.Errorf("create stream: empty response")
	}
	c.remember(out.Stream)
	return out.Stream, nil
}

func (c *StreamClient) remember(stream *domain.Stream) {
	if c.streams != nil {
		c.streams.Set(stream.ID, *stream)
	}
}

func (c *StreamClient) do(ctx context.Context, op string, call func() (*resty.Response, error)) error {
	err := retry.Retry(ctx, c.retry, func() error {
		var rejected error
		err := c.breaker.Execute(ctx, func() error {
			resp, err := call()
			if err != nil {
				return err
			}
			if !resp.IsError() {
				return nil
			}
			appErr := responseError(resp)
			if appErr.Retryable() {
				return appErr
			}
			// The API answered; a client error says nothing about its health.
			rejected = fmt.Errorf("%w: %w", errRejected, appErr)
			return nil
		})
		if err != nil {
			return err
		}
		return rejected
	})
	if err != nil {
		c.logger.Debugw("stream api call failed", "operation", op, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func responseError(resp *resty.Response) *apperrors.AppError {
	var msg string
	if body, ok := resp.Error().(*errorBody); ok && body != nil {
		msg = body.Message
	}
	appErr := apperrors.FromStatus(resp.StatusCode(), msg)
	if resp.StatusCode() == http.StatusNotFound {
		appErr.Cause = domain.ErrStreamNotFound
	}
	return appErr
}
