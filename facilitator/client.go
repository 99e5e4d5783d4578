// Package facilitator speaks the facilitator HTTP API: POST /verify,
// POST /settle and GET /supported. Client is used for delegated settlement,
// Handler serves the same API on top of a local Service.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nova402/x402/logger"
	"github.com/nova402/x402/types"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultRetryDelay = 100 * time.Millisecond

	// HeaderRequestID correlates client calls with server logs.
	HeaderRequestID = "X-Request-ID"
)

// Client calls a remote facilitator.
type Client struct {
	baseURL    string
	http       *http.Client
	token      string
	retries    int
	retryDelay time.Duration
	logger     logger.Logger
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithToken sends "Authorization: Bearer <token>" on every call.
func WithToken(token string) ClientOption {
	return func(cl *Client) { cl.token = token }
}

// WithRetries sets how many times an unreachable facilitator is retried on
// verify and supported. Settle is never retried.
func WithRetries(n int, delay time.Duration) ClientOption {
	return func(cl *Client) {
		cl.retries = max(n, 0)
		if delay > 0 {
			cl.retryDelay = delay
		}
	}
}

func WithClientLogger(l logger.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a client for the facilitator at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, types.NewError(types.ReasonInvalidConfiguration, "invalid facilitator URL %q", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: defaultTimeout},
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.OrNoop(c.logger)
	return c, nil
}

// NewClientFromConfig builds a client from the facilitator section of the config.
func NewClientFromConfig(cfg types.FacilitatorConfig, opts ...ClientOption) (*Client, error) {
	base := []ClientOption{WithToken(cfg.Token), WithRetries(cfg.RetryCount, 0)}
	if cfg.Timeout > 0 {
		base = append(base, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	return NewClient(cfg.URL, append(base, opts...)...)
}

// Verify asks the facilitator to verify a payment.
func (c *Client) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	var out types.VerificationResult
	if err := c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/verify", req, &out)
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle asks the facilitator to settle a payment. A response with
// success=false is returned as a result, not an error.
func (c *Client) Settle(ctx context.Context, req *types.VerifyRequest) (*types.SettlementResult, error) {
	var out types.SettlementResult
	if err := c.do(ctx, http.MethodPost, "/settle", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Supported lists the scheme/network kinds the facilitator handles.
func (c *Client) Supported(ctx context.Context) (*types.SupportedResponse, error) {
	var out types.SupportedResponse
	if err := c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, "/supported", nil, &out)
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) withRetry(ctx context.Context, call func() error) error {
	delay := c.retryDelay
	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(delay):
			}
			delay *= 2
		}

		err = call()
		if reason, _ := types.ReasonOf(err); reason != types.ReasonFacilitatorUnreachable {
			return err
		}
		c.logger.Warn("facilitator unreachable", map[string]any{
			"url":     c.baseURL,
			"attempt": attempt + 1,
			"error":   err,
		})
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return types.WrapError(types.ReasonInvalidConfiguration, err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set(HeaderRequestID, uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return types.WrapError(types.ReasonFacilitatorUnreachable, err, method+" "+path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return types.NewError(types.ReasonFacilitatorUnreachable, "%s %s: status %d", method, path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return responseError(resp, method+" "+path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.WrapError(types.ReasonFacilitatorRejected, err, "failed to decode "+path+" response")
	}
	return nil
}

// responseError turns a non-200 answer into a FacilitatorRejected error,
// keeping the server's message when it sent one.
func responseError(resp *http.Response, op string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return types.NewError(types.ReasonFacilitatorRejected, "%s: status %d: %s", op, resp.StatusCode, body.Error)
	}
	if len(raw) > 0 && len(raw) < 500 {
		return types.NewError(types.ReasonFacilitatorRejected, "%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return types.NewError(types.ReasonFacilitatorRejected, "%s: status %d", op, resp.StatusCode)
}
