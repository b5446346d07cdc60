package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 64 << 10
)

// DispatchConfig holds the wire settings for a dispatcher.
type DispatchConfig struct {
	URL               string
	Method            string            // default POST
	Headers           map[string]string // static headers
	IdempotencyHeader string            // header name for the idempotency key
	HTTPTimeout       time.Duration
	RateLimit         float64 // requests per second, 0 disables
}

// Dispatcher sends JSON request envelopes to the configured endpoint.
type Dispatcher struct {
	config     DispatchConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewDispatcher creates a dispatcher for the configured endpoint.
func NewDispatcher(config DispatchConfig) *Dispatcher {
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = defaultHTTPTimeout
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	return &Dispatcher{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		limiter: limiter,
	}
}

// Send dispatches one request envelope. The idempotency key, when present,
// is attached under the configured header name so the server can deduplicate
// retried deliveries. Dynamic headers override static ones per request.
// A transport-level failure returns an error; any HTTP response, success or
// not, returns an HTTPEvent.
func (d *Dispatcher) Send(ctx context.Context, body map[string]any, idempotencyKey string, dynamicHeaders map[string]string) (HTTPEvent, error) {
	doc, err := json.Marshal(body)
	if err != nil {
		return HTTPEvent{}, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, d.config.Method, d.config.URL, bytes.NewReader(doc))
	if err != nil {
		return HTTPEvent{}, fmt.Errorf("create request: %w", err)
	}

	for k, v := range d.config.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range dynamicHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.config.IdempotencyHeader != "" && idempotencyKey != "" {
		req.Header.Set(d.config.IdempotencyHeader, idempotencyKey)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return HTTPEvent{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return HTTPEvent{}, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	text, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return HTTPEvent{}, fmt.Errorf("read response: %w", err)
	}

	return HTTPEvent{
		Status:       resp.StatusCode,
		OK:           resp.StatusCode >= 200 && resp.StatusCode < 300,
		ResponseText: string(text),
	}, nil
}

// Endpoint reports the target host for logging, with credentials stripped.
func (d *Dispatcher) Endpoint() string {
	u, err := url.Parse(d.config.URL)
	if err != nil {
		return d.config.URL
	}
	u.User = nil
	return u.String()
}
