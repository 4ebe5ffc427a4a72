package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"chat-client/internal/logger"
	"chat-client/internal/observability"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("chat api unavailable")
	ErrInvalidInput = errors.New("invalid input")
)

// StatusError is a non-2xx response from the chat API.
type StatusError struct {
	Method string
	Route  string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Route, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Route, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Options configures a Client.
type Options struct {
	BaseURL              string
	Token                string
	Timeout              time.Duration
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
	BreakerMaxFailures   uint32
	BreakerTimeout       time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

// Client talks to the chat REST API.
type Client struct {
	base *url.URL
	opts Options
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: api url %q", ErrInvalidInput, opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = 200 * time.Millisecond
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = 10 * time.Second
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	log := logger.OrNop(opts.Logger).With(zap.String("component", "api"))

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				MaxIdleConns:    16,
				IdleConnTimeout: 90 * time.Second,
			},
			Timeout: opts.Timeout,
		}
	}

	maxFailures := opts.BreakerMaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chat-api",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Client{base: base, opts: opts, http: httpClient, cb: cb, log: log}, nil
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.cb.State()
}

type request struct {
	method string
	route  string // low-cardinality route label, e.g. /groups/:id/history
	path   string
	body   func() (io.Reader, string, error)
	retry  bool
}

// do executes req through the circuit breaker, retrying transport errors and
// 5xx responses with exponential backoff when req.retry is set. out, when
// non-nil, receives the decoded JSON body.
func (c *Client) do(ctx context.Context, req request, out any) error {
	ctx, span := otel.Tracer("chat-client/api").Start(ctx, "api "+req.method+" "+req.route)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", req.method), attribute.String("http.route", req.route))

	operation := func() error {
		httpReq, err := c.newRequest(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		res, err := c.cb.Execute(func() (interface{}, error) {
			resp, err := c.http.Do(httpReq)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 500 {
				defer resp.Body.Close()
				return nil, c.statusError(req, resp)
			}
			return resp, nil
		})
		if err != nil {
			status := 0
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				status = statusErr.Code
			}
			observability.ObserveHTTP(req.method, req.route, status, time.Since(start))

			switch {
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
			case ctx.Err() != nil:
				return backoff.Permanent(ctx.Err())
			case !req.retry:
				return backoff.Permanent(err)
			}
			c.log.Debug("request failed, retrying", zap.String("route", req.route), zap.Error(err))
			return err
		}

		resp := res.(*http.Response)
		defer resp.Body.Close()
		observability.ObserveHTTP(req.method, req.route, resp.StatusCode, time.Since(start))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backoff.Permanent(c.statusError(req, resp))
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s %s: %w", req.method, req.route, err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInitialInterval
	b.MaxElapsedTime = c.opts.RetryMaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return err
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, req request) (*http.Request, error) {
	// req.path is already escaped
	target := *c.base
	target.RawPath = c.base.EscapedPath() + req.path
	path, err := url.PathUnescape(target.RawPath)
	if err != nil {
		return nil, fmt.Errorf("%w: bad path %q", ErrInvalidInput, req.path)
	}
	target.Path = path

	var body io.Reader
	contentType := ""
	if req.body != nil {
		var err error
		body, contentType, err = req.body()
		if err != nil {
			return nil, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.opts.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	return httpReq, nil
}

func (c *Client) statusError(req request, resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(raw))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{Method: req.method, Route: req.route, Code: resp.StatusCode, Body: msg}
}
