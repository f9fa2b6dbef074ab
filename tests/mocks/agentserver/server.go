// Package agentserver implements an in-process fake of the agent backend
// for tests: the chat REST endpoints and the session WebSocket, driven by
// scripted frames.
package agentserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MaxStateMessages is how many sent frames a session keeps for replay.
const MaxStateMessages = 100

// MaxQueryLength mirrors the backend's query limit.
const MaxQueryLength = 500

// Step is one scripted action of a session.
type Step struct {
	// Frame is sent to the client as JSON.
	Frame map[string]any
	// Delay is waited before the step.
	Delay time.Duration
	// WaitFor blocks the script until the client sends a message of this
	// type (e.g. "confirm").
	WaitFor string
	// Close ends the connection with a normal closure after the step.
	Close bool
}

// Script returns the steps played for a new task.
type Script func(mode, query string) []Step

// Handlers lists the modes the server accepts.
var Handlers = []string{"agent", "team", "workflow", "agent_with_mcp"}

type session struct {
	id    string
	mode  string
	query string

	mu        sync.Mutex
	conn      *websocket.Conn
	state     []json.RawMessage
	received  []json.RawMessage
	started   bool
	cancelled bool
	done      chan struct{}
	inbox     chan string

	writeMu sync.Mutex
}

// Server is the fake backend. It is safe for concurrent use.
type Server struct {
	router   chi.Router
	upgrader websocket.Upgrader
	script   Script

	mu       sync.Mutex
	sessions map[string]*session
	order    []string
}

// Option configures a Server.
type Option func(*Server)

// WithScript sets the script played for every task.
func WithScript(s Script) Option {
	return func(srv *Server) { srv.script = s }
}

// New creates a fake backend.
func New(opts ...Option) *Server {
	s := &Server{
		sessions: make(map[string]*session),
		script:   EchoScript,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Post("/api/chat/completion/{handler}", s.handleCompletion)
	r.Post("/api/chat/cancel/{sessionID}", s.handleCancel)
	r.Get("/api/chat/session/{sessionID}", s.handleSessionInfo)
	r.Get("/api/ws/session/{sessionID}", s.handleWebSocket)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start runs the server on a local port until the returned server is closed.
func (s *Server) Start() *httptest.Server {
	return httptest.NewServer(s)
}

// Sessions returns the IDs of all sessions in creation order.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Received returns the client messages received on a session.
func (s *Server) Received(sessionID string) []json.RawMessage {
	sess := s.get(sessionID)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return append([]json.RawMessage(nil), sess.received...)
}

// ReceivedTypes returns the "type" of every client message of a session.
func (s *Server) ReceivedTypes(sessionID string) []string {
	var out []string
	for _, raw := range s.Received(sessionID) {
		var m struct {
			Type string `json:"type"`
		}
		json.Unmarshal(raw, &m)
		out = append(out, m.Type)
	}
	return out
}

// Cancelled reports whether the session was cancelled, by REST or socket.
func (s *Server) Cancelled(sessionID string) bool {
	sess := s.get(sessionID)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.cancelled
}

func (s *Server) get(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	handler := chi.URLParam(r, "handler")
	valid := false
	for _, h := range Handlers {
		valid = valid || h == handler
	}
	if !valid {
		writeDetail(w, http.StatusBadRequest, "Invalid handler: "+handler)
		return
	}

	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	q := strings.TrimSpace(req.Query)
	if q == "" {
		writeDetail(w, http.StatusBadRequest, "Query cannot be empty")
		return
	}
	if utf8.RuneCountInString(q) > MaxQueryLength {
		writeDetail(w, http.StatusBadRequest, "Query too long (max 500 characters)")
		return
	}

	sess := &session{
		id:    uuid.NewString(),
		mode:  handler,
		query: q,
		done:  make(chan struct{}),
		inbox: make(chan string, 16),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.order = append(s.order, sess.id)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"session_id": sess.id, "query": q})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess := s.get(id)
	if sess == nil {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	sess.cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "session_id": id})
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess := s.get(id)
	if sess == nil {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":           id,
		"is_connected":         sess.conn != nil,
		"task_exists":          sess.started && !sess.cancelled,
		"saved_state_messages": len(sess.state),
		"state_messages":       sess.state,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess := s.get(chi.URLParam(r, "sessionID"))
	if sess == nil {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess.mu.Lock()
	sess.conn = conn
	state := append([]json.RawMessage(nil), sess.state...)
	start := !sess.started && !sess.cancelled
	sess.started = true
	sess.mu.Unlock()

	sess.writeTo(conn, map[string]any{
		"type":           "initial_state",
		"message":        "Connected to session",
		"state_messages": state,
		"state_count":    len(state),
	})

	if start {
		go s.play(sess, s.script(sess.mode, sess.query))
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var m struct {
			Type string `json:"type"`
		}
		json.Unmarshal(data, &m)

		sess.mu.Lock()
		sess.received = append(sess.received, data)
		sess.mu.Unlock()

		if m.Type == "cancel" {
			sess.cancel()
			sess.writeTo(conn, map[string]any{"type": "task_cancelled", "content": "Task cancelled by user."})
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			break
		}
		select {
		case sess.inbox <- m.Type:
		default:
		}
	}

	sess.mu.Lock()
	if sess.conn == conn {
		sess.conn = nil
	}
	sess.mu.Unlock()
}

// play runs the script against whatever connection the session has.
func (s *Server) play(sess *session, steps []Step) {
	for _, st := range steps {
		if st.Delay > 0 {
			select {
			case <-time.After(st.Delay):
			case <-sess.done:
				return
			}
		}
		if st.WaitFor != "" {
			if !sess.waitFor(st.WaitFor) {
				return
			}
		}
		if st.Frame != nil {
			select {
			case <-sess.done:
				return
			default:
			}
			sess.send(st.Frame)
		}
		if st.Close {
			sess.mu.Lock()
			conn := sess.conn
			sess.mu.Unlock()
			if conn != nil {
				sess.writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				sess.writeMu.Unlock()
			}
		}
	}
}

func (sess *session) waitFor(msgType string) bool {
	for {
		select {
		case t := <-sess.inbox:
			if t == msgType {
				return true
			}
		case <-sess.done:
			return false
		}
	}
}

func (sess *session) cancel() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.cancelled {
		sess.cancelled = true
		close(sess.done)
	}
}

// send records the frame for replay and writes it to the live connection.
func (sess *session) send(frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	sess.mu.Lock()
	sess.state = append(sess.state, data)
	if len(sess.state) > MaxStateMessages {
		sess.state = sess.state[len(sess.state)-MaxStateMessages:]
	}
	conn := sess.conn
	sess.mu.Unlock()

	if conn != nil {
		sess.writeMu.Lock()
		conn.WriteMessage(websocket.TextMessage, data)
		sess.writeMu.Unlock()
	}
}

func (sess *session) writeTo(conn *websocket.Conn, frame map[string]any) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	conn.WriteJSON(frame)
}
