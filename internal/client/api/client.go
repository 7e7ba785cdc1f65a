// Package api implements the HTTP transport between a device and the sync server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iudanet/wmssync/pkg/api"
)

// Server routes of the sync protocol
const (
	PushPath   = "/api/v1/sync/push"
	PullPath   = "/api/v1/sync/pull"
	HealthPath = "/api/v1/health"
)

// DefaultTimeout is the per-request timeout of the HTTP client
const DefaultTimeout = 30 * time.Second

// maxResponseSize caps the response body size
const maxResponseSize = 32 << 20

// TokenProvider returns the bearer token attached to every request
type TokenProvider interface {
	Token() (string, error)
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Code)
}

// ErrUnexpectedPayload is returned when the server answers with the wrong message type
var ErrUnexpectedPayload = errors.New("unexpected response payload")

// Client is the HTTP client for the relay server
type Client struct {
	httpClient *http.Client
	tokens     TokenProvider
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTokenProvider attaches bearer tokens to requests
func WithTokenProvider(p TokenProvider) Option {
	return func(c *Client) {
		c.tokens = p
	}
}

// NewClient creates a new API client
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			// Redirect handling
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Limit the number of redirects
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Carry the Authorization header across redirects
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send pushes a batch of changes and returns the server acknowledgment
func (c *Client) Send(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncAck, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, endpoint, PushPath, msg)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}

	ack, err := resp.Ack()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedPayload, err)
	}
	return ack, nil
}

// Fetch requests one page of changes from the server
func (c *Client) Fetch(ctx context.Context, endpoint string, msg *api.SyncMessage) (*api.SyncResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, endpoint, PullPath, msg)
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}

	page, err := resp.Response()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedPayload, err)
	}
	return page, nil
}

// Health checks that the server is reachable
func (c *Client) Health(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(endpoint, HealthPath), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	}
	return nil
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, endpoint, path string, msg *api.SyncMessage) (*api.SyncMessage, error) {
	body, err := api.Encode(msg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, joinURL(endpoint, path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Read the response body
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// Check the status code
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Code: strings.TrimSpace(string(respBody))}
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil {
			statusErr.Code = errResp.Error
			statusErr.Message = errResp.Message
		}
		return nil, statusErr
	}

	// Decode the successful response
	return api.Decode(respBody)
}

func joinURL(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + path
}
