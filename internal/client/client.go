package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/inercia/agentchat/internal/logging"
	"github.com/inercia/agentchat/internal/transport"
)

// MaxQueryLength is the longest query the backend accepts, in characters.
const MaxQueryLength = 500

var (
	// ErrEmptyQuery is returned for a blank query.
	ErrEmptyQuery = errors.New("query cannot be empty")
	// ErrQueryTooLong is returned for a query over MaxQueryLength.
	ErrQueryTooLong = fmt.Errorf("query too long (max %d characters)", MaxQueryLength)
	// ErrInvalidMode is returned for an unknown chat mode.
	ErrInvalidMode = errors.New("invalid chat mode")
)

// Mode selects the backend handler that runs a task.
type Mode string

const (
	ModeAgent        Mode = "agent"
	ModeTeam         Mode = "team"
	ModeWorkflow     Mode = "workflow"
	ModeAgentWithMCP Mode = "agent_with_mcp"
)

// Modes lists every mode the backend serves.
func Modes() []Mode {
	return []Mode{ModeAgent, ModeTeam, ModeWorkflow, ModeAgentWithMCP}
}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// ValidateQuery trims the query and checks it against the backend limits.
func ValidateQuery(query string) (string, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return "", ErrEmptyQuery
	}
	if utf8.RuneCountInString(q) > MaxQueryLength {
		return "", ErrQueryTooLong
	}
	return q, nil
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Op         string
	StatusCode int
	// Detail is the backend's "detail" field, when the body carried one.
	Detail string
	Body   string
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Body
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, msg)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client provides HTTP methods for the backend REST API.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiPrefix  string
	httpClient *http.Client
	log        *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithAPIPrefix sets a path prefix in front of every endpoint, for backends
// mounted below the root. Default is none.
func WithAPIPrefix(prefix string) Option {
	return func(client *Client) {
		client.apiPrefix = "/" + strings.Trim(prefix, "/")
		if client.apiPrefix == "/" {
			client.apiPrefix = ""
		}
	}
}

// New creates a new client.
// baseURL should be the backend address (e.g., "http://localhost:8000").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logging.Client(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiURL builds a full API URL with the prefix.
func (c *Client) apiURL(path string) string {
	return c.baseURL + c.apiPrefix + path
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIPrefix returns the normalized endpoint prefix, "" when unset.
func (c *Client) APIPrefix() string {
	return c.apiPrefix
}

// WebSocketURL returns the WebSocket URL of a session.
func (c *Client) WebSocketURL(sessionID string) (string, error) {
	return transport.SessionURL(c.baseURL+c.apiPrefix, transport.DefaultPath, sessionID)
}

// StartTaskResponse is the backend's answer to a new task.
type StartTaskResponse struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// CancelResponse is the backend's answer to a cancel.
type CancelResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// SessionInfo describes a backend session.
type SessionInfo struct {
	SessionID          string            `json:"session_id"`
	IsConnected        bool              `json:"is_connected"`
	TaskExists         bool              `json:"task_exists"`
	SavedStateMessages int               `json:"saved_state_messages"`
	StateMessages      []json.RawMessage `json:"state_messages,omitempty"`
}

// StartTask asks the backend to run query with the given mode.
func (c *Client) StartTask(ctx context.Context, mode Mode, query string) (*StartTaskResponse, error) {
	q, err := ValidateQuery(query)
	if err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}

	var out StartTaskResponse
	path := "/api/chat/completion/" + url.PathEscape(string(mode))
	if err := c.do(ctx, "start task", http.MethodPost, path, map[string]string{"query": q}, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("start task: response has no session_id")
	}
	c.log.Debug("task started", "mode", mode, "session_id", out.SessionID)
	return &out, nil
}

// CancelTask asks the backend to cancel the session's task. The response
// body is optional; an empty body yields a zero CancelResponse.
func (c *Client) CancelTask(ctx context.Context, sessionID string) (*CancelResponse, error) {
	var out CancelResponse
	path := "/api/chat/cancel/" + url.PathEscape(sessionID)
	if err := c.do(ctx, "cancel task", http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	c.log.Debug("task cancelled", "session_id", sessionID, "status", out.Status)
	return &out, nil
}

// GetSessionInfo returns the backend's view of a session.
func (c *Client) GetSessionInfo(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var out SessionInfo
	path := "/api/chat/session/" + url.PathEscape(sessionID)
	if err := c.do(ctx, "get session", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(path), body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		var detail struct {
			Detail any `json:"detail"`
		}
		if json.Unmarshal(data, &detail) == nil && detail.Detail != nil {
			if s, ok := detail.Detail.(string); ok {
				apiErr.Detail = s
			} else {
				raw, _ := json.Marshal(detail.Detail)
				apiErr.Detail = string(raw)
			}
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}
