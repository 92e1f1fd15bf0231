// Package backend talks to the emergency REST API.
package backend

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vettrack/internal/model"
	"vettrack/internal/schema"
)

// Error is a non-2xx answer from the backend. Message is the server's text
// and is shown to the user as is.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend error %d: %s", e.StatusCode, e.Message)
}

// UserMessage returns the server message
func (e *Error) UserMessage() string {
	return e.Message
}

// errorResponse mirrors the backend's error body
type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client is the backend REST client
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	schemas    *schema.Compiler
	log        *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithFetchLimit bounds how often the tracking record may be fetched
func WithFetchLimit(every time.Duration, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

// WithSchemas validates responses with the given compiler
func WithSchemas(sc *schema.Compiler) Option {
	return func(c *Client) { c.schemas = sc }
}

// New creates a client for the API rooted at baseURL
func New(baseURL, token string, log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 3),
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetTracking fetches the authoritative record of an emergency
func (c *Client) GetTracking(ctx context.Context, emergencyID string) (*model.EmergencyRequest, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.do(ctx, http.MethodGet, "/emergencies/"+url.PathEscape(emergencyID)+"/tracking", nil)
	if err != nil {
		return nil, err
	}

	if c.schemas != nil {
		if err := c.schemas.ValidateJSON(schema.TrackingSnapshot, body); err != nil {
			return nil, fmt.Errorf("invalid tracking response: %w", err)
		}
	}

	var tr trackingResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode tracking response: %w", err)
	}
	req := tr.toModel()
	return &req, nil
}

// ExpandSearch asks the backend to widen the vet search radius
func (c *Client) ExpandSearch(ctx context.Context, emergencyID string) error {
	_, err := c.do(ctx, http.MethodPost, "/emergencies/"+url.PathEscape(emergencyID)+"/expand-search", map[string]interface{}{})
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug("Backend request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp.StatusCode, body)
	}
	return body, nil
}

func decodeError(status int, body []byte) error {
	e := &Error{StatusCode: status}
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		e.Code = er.Code
		if e.Code == "" {
			e.Code = er.Error
		}
		e.Message = er.Message
		if e.Message == "" && er.Error != "" && er.Code != "" {
			e.Message = er.Error
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
