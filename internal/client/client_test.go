package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/inercia/agentchat/internal/client"
	"github.com/inercia/agentchat/tests/mocks/agentserver"
)

func newTestClient(t *testing.T) (*client.Client, *agentserver.Server) {
	t.Helper()
	backend := agentserver.New()
	srv := backend.Start()
	t.Cleanup(srv.Close)
	return client.New(srv.URL, client.WithTimeout(5*time.Second)), backend
}

func TestClient_StartTask(t *testing.T) {
	c, backend := newTestClient(t)

	resp, err := c.StartTask(context.Background(), client.ModeAgent, "  ping  ")
	if err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	if resp.SessionID == "" {
		t.Error("StartTask returned no session ID")
	}
	if resp.Query != "ping" {
		t.Errorf("Query = %q, want trimmed %q", resp.Query, "ping")
	}
	if ids := backend.Sessions(); len(ids) != 1 || ids[0] != resp.SessionID {
		t.Errorf("backend sessions = %v", ids)
	}
}

func TestClient_StartTaskValidation(t *testing.T) {
	c, backend := newTestClient(t)

	tests := []struct {
		name  string
		mode  client.Mode
		query string
		want  error
	}{
		{"empty", client.ModeAgent, "   ", client.ErrEmptyQuery},
		{"too long", client.ModeAgent, strings.Repeat("x", client.MaxQueryLength+1), client.ErrQueryTooLong},
		{"bad mode", client.Mode("chaos"), "hi", client.ErrInvalidMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.StartTask(context.Background(), tt.mode, tt.query)
			if !errors.Is(err, tt.want) {
				t.Errorf("StartTask error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := c.StartTask(context.Background(), client.ModeTeam, strings.Repeat("é", client.MaxQueryLength)); err != nil {
		t.Errorf("query at the limit should be accepted: %v", err)
	}
	if n := len(backend.Sessions()); n != 1 {
		t.Errorf("backend sessions = %d, want 1", n)
	}
}

func TestClient_CancelTask(t *testing.T) {
	c, backend := newTestClient(t)
	ctx := context.Background()

	resp, err := c.StartTask(ctx, client.ModeWorkflow, "long job")
	if err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}

	cancelled, err := c.CancelTask(ctx, resp.SessionID)
	if err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	if cancelled.Status != "cancelled" || cancelled.SessionID != resp.SessionID {
		t.Errorf("CancelTask = %+v", cancelled)
	}
	if !backend.Cancelled(resp.SessionID) {
		t.Error("backend session not cancelled")
	}

	_, err = c.CancelTask(ctx, "missing")
	if !client.IsNotFound(err) {
		t.Errorf("CancelTask(missing) error = %v, want not found", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Detail != "Session not found" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestClient_CancelTaskEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := client.New(srv.URL).CancelTask(context.Background(), "abc")
	if err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	if resp.Status != "" {
		t.Errorf("Status = %q, want empty", resp.Status)
	}
}

func TestClient_GetSessionInfo(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	resp, err := c.StartTask(ctx, client.ModeAgent, "hello")
	if err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	info, err := c.GetSessionInfo(ctx, resp.SessionID)
	if err != nil {
		t.Fatalf("GetSessionInfo failed: %v", err)
	}
	if info.SessionID != resp.SessionID || info.IsConnected {
		t.Errorf("GetSessionInfo = %+v", info)
	}

	if _, err := c.GetSessionInfo(ctx, "missing"); !client.IsNotFound(err) {
		t.Errorf("GetSessionInfo(missing) error = %v", err)
	}
}

func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := client.New(srv.URL).StartTask(context.Background(), client.ModeAgent, "hi")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError || apiErr.Body != "backend exploded" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if !strings.Contains(err.Error(), "start task: status 500") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestClient_APIPrefixAndWebSocketURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"session_id":"s1","query":"q"}`))
	}))
	defer srv.Close()

	c := client.New(srv.URL+"/", client.WithAPIPrefix("/backend/"))
	if _, err := c.StartTask(context.Background(), client.ModeAgentWithMCP, "q"); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	if gotPath != "/backend/api/chat/completion/agent_with_mcp" {
		t.Errorf("path = %q", gotPath)
	}

	wsURL, err := c.WebSocketURL("s1")
	if err != nil {
		t.Fatalf("WebSocketURL failed: %v", err)
	}
	want := "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/backend/api/ws/session/s1"
	if wsURL != want {
		t.Errorf("WebSocketURL = %q, want %q", wsURL, want)
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range client.Modes() {
		got, err := client.ParseMode(string(m))
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %q, %v", m, got, err)
		}
	}
	if _, err := client.ParseMode("AGENT"); !errors.Is(err, client.ErrInvalidMode) {
		t.Errorf("ParseMode(AGENT) error = %v", err)
	}
}
