package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// HTTP GATEWAY - REST payment gateway client
// =============================================================================

type gatewayOption struct {
	apiKey        string
	baseURL       string
	maxTries      uint
	retryInterval time.Duration
	client        *http.Client
	logger        logrus.FieldLogger
}

// GatewayOption configures an HTTPGateway.
type GatewayOption func(*gatewayOption)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) GatewayOption {
	return func(opt *gatewayOption) {
		opt.apiKey = key
	}
}

// WithBaseURL sets the gateway's base URL, e.g. "https://pay.example.com/v1".
func WithBaseURL(url string) GatewayOption {
	return func(opt *gatewayOption) {
		opt.baseURL = url
	}
}

// WithRetry retries transport errors, 429 and 5xx responses up to maxTries
// attempts in total, starting at interval and backing off exponentially.
// Every attempt carries the same Idempotency-Key.
func WithRetry(maxTries uint, interval time.Duration) GatewayOption {
	return func(opt *gatewayOption) {
		opt.maxTries = maxTries
		opt.retryInterval = interval
	}
}

func WithHTTPClient(c *http.Client) GatewayOption {
	return func(opt *gatewayOption) {
		opt.client = c
	}
}

func WithLogger(l logrus.FieldLogger) GatewayOption {
	return func(opt *gatewayOption) {
		opt.logger = l
	}
}

// HTTPGateway implements Adapter against a REST payment gateway:
//
//	POST {base}/transfers/pull  {"reference","party","asset","amount"}
//	POST {base}/transfers/push  {"reference","party","asset","amount"}
type HTTPGateway struct {
	opts gatewayOption
}

// GatewayResponse is the gateway's envelope. A non-empty Code marks an error.
type GatewayResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type transferBody struct {
	Reference string `json:"reference"`
	Party     string `json:"party"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
}

func NewHTTPGateway(options ...GatewayOption) (*HTTPGateway, error) {
	opts := gatewayOption{
		maxTries:      1,
		retryInterval: 200 * time.Millisecond,
		client:        &http.Client{Timeout: 15 * time.Second},
		logger:        logrus.StandardLogger(),
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.apiKey == "" {
		return nil, errors.New("missing gateway API key")
	}
	if opts.baseURL == "" {
		return nil, errors.New("missing gateway base URL")
	}
	if opts.maxTries == 0 {
		opts.maxTries = 1
	}
	return &HTTPGateway{opts: opts}, nil
}

func (g *HTTPGateway) Pull(ctx context.Context, req Request) error {
	return g.send(ctx, "/transfers/pull", req)
}

func (g *HTTPGateway) Push(ctx context.Context, req Request) error {
	return g.send(ctx, "/transfers/push", req)
}

func (g *HTTPGateway) send(ctx context.Context, endpoint string, req Request) error {
	body := transferBody{
		Reference: req.Reference,
		Party:     string(req.Party),
		Asset:     string(req.Asset),
		Amount:    req.Amount.String(),
	}

	operation := func() (*GatewayResponse, error) {
		resp, err := g.makeRequest(ctx, endpoint, req.Reference, body)
		if err != nil && !isRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}
	notify := func(err error, next time.Duration) {
		g.opts.logger.WithFields(logrus.Fields{
			"reference": req.Reference,
			"endpoint":  endpoint,
			"next":      next,
		}).WithError(err).Warn("gateway call failed, retrying")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.retryInterval
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(g.opts.maxTries),
		backoff.WithNotify(notify),
	)
	return err
}

type retryableError struct {
	Err error
}

func (e retryableError) Error() string { return e.Err.Error() }
func (e retryableError) Unwrap() error { return e.Err }

func isRetryable(err error) bool {
	var re retryableError
	return errors.As(err, &re)
}

func (g *HTTPGateway) makeRequest(ctx context.Context, endpoint, reference string, body transferBody) (*GatewayResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.opts.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.opts.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", reference)

	resp, err := g.opts.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retryableError{Err: fmt.Errorf("failed to make request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retryableError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, retryableError{Err: fmt.Errorf("HTTP error: %d", resp.StatusCode)}
	}

	var gr GatewayResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if gr.Code != "" {
		if gr.Code == "insufficient_funds" {
			return nil, fmt.Errorf("%w: %s", ErrInsufficientFunds, gr.Message)
		}
		return nil, fmt.Errorf("%w: %s - %s", ErrRejected, gr.Code, gr.Message)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
	}
	return &gr, nil
}
