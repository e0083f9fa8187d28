// Package api is the REST client for the debate backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/metrics"
)

// HeaderXCorrelationID carries the request correlation id to the backend.
const HeaderXCorrelationID = "X-Correlation-ID"

const (
	breakerName     = "rest"
	maxResponseSize = 4 << 20
)

// TokenSource supplies bearer tokens and renews them after a 401.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Tokens     TokenSource
	HTTPClient *http.Client

	// Breaker settings; zero values use the defaults below.
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// Client talks to the session endpoints. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
	cb     *gobreaker.CircuitBreaker
	tracer trace.Tracer
}

// rawResponse is what survives the breaker: only transport failures and 5xx
// responses count against it, 4xx answers are the caller's problem.
type rawResponse struct {
	status int
	body   []byte
}

// NewClient builds a REST client.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	maxFailures := opts.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	breakerTimeout := opts.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 15 * time.Second
	}

	st := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			logging.Warn(context.Background(), "REST circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Client{
		base:   base,
		http:   httpClient,
		tokens: opts.Tokens,
		cb:     gobreaker.NewCircuitBreaker(st),
		tracer: otel.Tracer("github.com/debatehub/session-chat/internal/v1/api"),
	}, nil
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// request describes one REST call.
type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	noAuth bool
}

// do performs req and decodes a 2xx body into out (when out is non-nil).
// A 401 triggers exactly one token refresh and retry.
func (c *Client) do(ctx context.Context, req request, out any) error {
	ctx, span := c.tracer.Start(ctx, "api."+req.op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", req.method),
		attribute.String("http.route", req.path),
	)

	correlationID := logging.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.New().String()
		ctx = logging.WithCorrelationID(ctx, correlationID)
	}

	resp, err := c.execute(ctx, req, correlationID)
	if err == nil && resp.status == http.StatusUnauthorized && !req.noAuth && c.tokens != nil {
		if _, refreshErr := c.tokens.Refresh(ctx); refreshErr == nil {
			logging.Info(ctx, "Retrying request after token refresh", zap.String("op", req.op))
			resp, err = c.execute(ctx, req, correlationID)
		} else {
			logging.Warn(ctx, "Token refresh failed", zap.String("op", req.op), zap.Error(refreshErr))
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.status))

	if resp.status < 200 || resp.status >= 300 {
		apiErr := &Error{Status: resp.status, Message: errorMessage(resp.status, resp.body), Op: req.op}
		span.SetStatus(codes.Error, apiErr.Message)
		logging.Debug(ctx, "REST request rejected",
			zap.String("op", req.op), zap.Int("status", resp.status), zap.String("message", apiErr.Message))
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: decode response: %w", req.op, err)
	}
	return nil
}

// execute runs one round trip behind the circuit breaker.
func (c *Client) execute(ctx context.Context, req request, correlationID string) (*rawResponse, error) {
	start := time.Now()

	res, err := c.cb.Execute(func() (interface{}, error) {
		httpReq, err := c.newHTTPRequest(ctx, req, correlationID)
		if err != nil {
			return nil, err
		}

		httpResp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}

		raw := &rawResponse{status: httpResp.StatusCode, body: body}
		if raw.status >= 500 {
			return raw, &Error{Status: raw.status, Message: errorMessage(raw.status, body), Op: req.op}
		}
		return raw, nil
	})

	status := "error"
	if raw, ok := res.(*rawResponse); ok && raw != nil {
		status = strconv.Itoa(raw.status/100) + "xx"
	}
	metrics.RESTRequestDuration.WithLabelValues(req.op, status).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues(breakerName).Inc()
			logging.Warn(ctx, "REST circuit breaker open: failing fast", zap.String("op", req.op))
			return nil, fmt.Errorf("%s: %w", req.op, ErrUnavailable)
		}
		var apiErr *Error
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		logging.Error(ctx, "REST request failed", zap.String("op", req.op), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", req.op, err)
	}
	return res.(*rawResponse), nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req request, correlationID string) (*http.Request, error) {
	u := c.base.JoinPath(req.path)
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", req.op, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(HeaderXCorrelationID, correlationID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	if !req.noAuth && c.tokens != nil {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", req.op, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}
