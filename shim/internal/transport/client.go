// Package transport is the shim's HTTP client for the relay: event upload
// with retry, command polling, and context teardown.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/domlink/protocol"
)

// Option configures a Client.
type Option func(*Client)

// WithRetries sets the maximum number of upload retries. Default: 3.
func WithRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// Client talks to one relay.
type Client struct {
	baseURL    string
	httpc      *http.Client
	maxRetries int
	logger     *slog.Logger
}

// New creates a Client for the relay at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpc:      &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SendEvents uploads a batch of events with retry and exponential backoff.
// Delivery is at-least-once; the relay tolerates duplicates.
func (c *Client) SendEvents(ctx context.Context, events ...protocol.Event) error {
	if len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("transport: marshal events: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/api/events", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("transport: new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("transport: send events failed", "attempt", attempt+1, "error", err)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("transport: rate limited")
			c.logger.Warn("transport: rate limited", "attempt", attempt+1)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// Client errors never heal on retry.
			return fmt.Errorf("transport: send events: status %d", resp.StatusCode)
		default:
			lastErr = fmt.Errorf("transport: status %d", resp.StatusCode)
			c.logger.Warn("transport: bad status", "attempt", attempt+1, "status", resp.StatusCode)
		}
	}
	return fmt.Errorf("transport: all retries exhausted: %w", lastErr)
}

// Claim polls the relay for pending commands on a context.
func (c *Client) Claim(ctx context.Context, ref string) ([]protocol.Command, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/contexts/"+ref+"/commands", nil)
	if err != nil {
		return nil, fmt.Errorf("transport: new request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: claim: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrContextGone
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: claim: status %d", resp.StatusCode)
	}
	var cmds []protocol.Command
	if err := json.NewDecoder(resp.Body).Decode(&cmds); err != nil {
		return nil, fmt.Errorf("transport: decode commands: %w", err)
	}
	return cmds, nil
}

// ErrContextGone marks a context the relay no longer knows. The shim should
// re-announce by emitting a fresh snapshot.
var ErrContextGone = errors.New("transport: context not known to relay")

// Destroy tears down a context on the relay.
func (c *Client) Destroy(ctx context.Context, ref string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/contexts/"+ref+"/", nil)
	if err != nil {
		return fmt.Errorf("transport: new request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("transport: destroy: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("transport: destroy: status %d", resp.StatusCode)
	}
	return nil
}
