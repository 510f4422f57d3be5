// Package api is the HTTP client for the backend messaging API. It owns the
// wire contract: paths, bearer authentication, error extraction from non-2xx
// responses and the per-request timeout. Response bodies are handed to the
// wire package for normalization.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/propdash/convsync/internal/metrics"
	"github.com/propdash/convsync/internal/session"
	"github.com/propdash/convsync/internal/wire"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 4 << 20

// Config holds backend client settings.
type Config struct {
	BaseURL           string        // e.g. http://localhost:8000/api
	Timeout           time.Duration // per-request timeout
	IncludeFromUserID bool          // send fromUserId alongside toUserId
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8000/api",
		Timeout: 10 * time.Second,
	}
}

// SendRequest is the body of a send call.
type SendRequest struct {
	FromUserID string `json:"fromUserId,omitempty"`
	ToUserID   string `json:"toUserId"`
	Content    string `json:"content"`
}

// SendResult is the outcome of a successful send call. Recognized is false
// when the backend answered 2xx without a message carrying an id.
type SendResult struct {
	Message    wire.Message
	Recognized bool
}

// Client calls the backend messaging API on behalf of one identity.
type Client struct {
	config   Config
	http     *http.Client
	identity session.Source
}

// NewClient creates a backend client. If httpClient is nil a default client
// without its own timeout is used; timeouts are applied per request.
func NewClient(config Config, identity session.Source, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{config: config, http: httpClient, identity: identity}
}

// ListUsers fetches the caller's company-scoped user directory.
func (c *Client) ListUsers(ctx context.Context) ([]wire.User, error) {
	body, err := c.do(ctx, "list users", http.MethodGet, "/messaging/users", nil)
	if err != nil {
		return nil, err
	}
	users, err := wire.DecodeUsers(body)
	if err != nil {
		return nil, fmt.Errorf("api: list users: %w", err)
	}
	return users, nil
}

// ListConversations fetches the caller's conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]wire.ConversationSummary, error) {
	body, err := c.do(ctx, "list conversations", http.MethodGet, "/messaging/messages/conversations", nil)
	if err != nil {
		return nil, err
	}
	convs, err := wire.DecodeConversations(body)
	if err != nil {
		return nil, fmt.Errorf("api: list conversations: %w", err)
	}
	return convs, nil
}

// GetConversation fetches the message history with peerID.
func (c *Client) GetConversation(ctx context.Context, peerID wire.ID) ([]wire.Message, error) {
	path := "/messaging/messages/" + url.PathEscape(peerID.String())
	body, err := c.do(ctx, "get conversation", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	msgs, err := wire.DecodeMessages(body)
	if err != nil {
		return nil, fmt.Errorf("api: get conversation: %w", err)
	}
	return msgs, nil
}

// SendMessage posts a message. FromUserID is only transmitted when the
// client is configured to include it.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	if !c.config.IncludeFromUserID {
		req.FromUserID = ""
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("api: send message: marshal: %w", err)
	}
	body, err := c.do(ctx, "send message", http.MethodPost, "/messaging/messages", payload)
	if err != nil {
		return SendResult{}, err
	}
	msg, ok := wire.DecodeSentMessage(body)
	return SendResult{Message: msg, Recognized: ok}, nil
}

// MarkRead marks every message from peerID as read. The response body is
// ignored.
func (c *Client) MarkRead(ctx context.Context, peerID wire.ID) error {
	path := "/messaging/messages/" + url.PathEscape(peerID.String()) + "/read"
	_, err := c.do(ctx, "mark read", http.MethodPost, path, nil)
	return err
}

// do performs one request under the configured timeout and returns the
// response body of a 2xx answer.
func (c *Client) do(parent context.Context, op, method, path string, payload []byte) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.BackendLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(parent, c.config.Timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("api: %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, fmt.Errorf("api: %s: %w", op, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.wrapErr(parent, ctx, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.wrapErr(parent, ctx, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newHTTPError(op, resp.StatusCode, body)
	}
	return body, nil
}

// authorize attaches the bearer token. A token that sanitizes to empty
// leaves the request unauthenticated; the backend rejects it.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.identity == nil {
		return nil
	}
	id, err := c.identity.Identity(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	token := SanitizeToken(id.Token)
	if token == "" {
		log.Printf("[api] empty token for user=%s, sending %s %s unauthenticated", id.UserID, req.Method, req.URL.Path)
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// wrapErr maps a deadline hit by our own timer to a TimeoutError. A caller
// cancellation is reported as-is.
func (c *Client) wrapErr(parent, ctx context.Context, op string, err error) error {
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, After: c.config.Timeout}
	}
	return fmt.Errorf("api: %s: %w", op, err)
}
