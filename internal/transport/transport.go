// Package transport owns the per-session WebSocket to the agent backend.
//
// An Adapter holds at most one connection. Inbound frames are decoded into
// protocol messages and delivered, in receipt order, through Recv. Each
// connection gets a generation number; Disconnect bumps it, so frames read
// from a socket that was already torn down are never delivered.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/agentchat/internal/logging"
	"github.com/inercia/agentchat/internal/protocol"
)

var (
	// ErrConnectFailed is returned when every connection attempt failed.
	ErrConnectFailed = errors.New("websocket connection failed")
	// ErrClosed is returned by Recv after Close.
	ErrClosed = errors.New("transport closed")
)

const (
	// DefaultMaxRetries is the number of retries after a failed dial.
	DefaultMaxRetries = 5
	// DefaultBackoffStep is the unit of the linear retry delay.
	DefaultBackoffStep = 300 * time.Millisecond
	// DefaultPath is the session WebSocket path prefix.
	DefaultPath = "/api/ws/session/"

	writeWait     = 10 * time.Second
	eventsBufSize = 256
)

// EventKind classifies transport events.
type EventKind int

const (
	// EventOpen is emitted once the socket is open.
	EventOpen EventKind = iota
	// EventMessage carries a decoded server message.
	EventMessage
	// EventError is emitted when the socket fails.
	EventError
	// EventClosed is emitted when the socket is closed by the peer or fails.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one transport occurrence delivered to the consumer.
type Event struct {
	Kind      EventKind
	SessionID string
	Message   protocol.ServerMessage
	Err       error

	gen uint64
}

// Config configures an Adapter.
type Config struct {
	// BaseURL is the backend address, e.g. "http://localhost:8000".
	// http and https are mapped to ws and wss.
	BaseURL string
	// Path is the WebSocket path prefix. Default: DefaultPath.
	Path string
	// MaxRetries is the number of retries after the first failed dial.
	// Zero uses DefaultMaxRetries; negative disables retries.
	MaxRetries int
	// BackoffStep is the retry delay unit: the wait before a retry is
	// (retriesLeft-1) * BackoffStep. Default: DefaultBackoffStep.
	BackoffStep time.Duration
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// State is a point-in-time view of the adapter.
type State struct {
	SessionID  string
	Connected  bool
	Connecting bool
	LastError  string
}

// Adapter manages one WebSocket connection at a time.
// It is safe for concurrent use.
type Adapter struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	connDone   chan struct{}
	gen        uint64
	sessionID  string
	connected  bool
	connecting bool
	lastError  error

	writeMu sync.Mutex

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an adapter.
func New(cfg Config) *Adapter {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = DefaultBackoffStep
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Adapter{
		cfg:    cfg,
		dialer: dialer,
		log:    logging.Transport(),
		events: make(chan Event, eventsBufSize),
		closed: make(chan struct{}),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// URL returns the WebSocket URL of a session.
func (a *Adapter) URL(sessionID string) (string, error) {
	return SessionURL(a.cfg.BaseURL, a.cfg.Path, sessionID)
}

// SessionURL builds the WebSocket URL of a session from the backend base
// URL and the session path prefix.
func SessionURL(baseURL, path, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	if path == "" {
		path = DefaultPath
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Trim(path, "/") + "/" + url.PathEscape(sessionID)
	return u.String(), nil
}

// Connect opens the session socket, replacing any previous connection.
// A failed dial is retried up to MaxRetries times; the wait before each
// retry is (retriesLeft-1)*BackoffStep, so the last retry is immediate.
func (a *Adapter) Connect(ctx context.Context, sessionID string) error {
	a.Disconnect()

	wsURL, err := a.URL(sessionID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.connecting = true
	a.lastError = nil
	a.sessionID = sessionID
	a.mu.Unlock()

	log := a.log.With("session_id", sessionID)
	retries := a.cfg.MaxRetries
	attempts := 0
	for {
		attempts++
		conn, _, err := a.dialer.DialContext(ctx, wsURL, nil)
		if err == nil {
			a.attach(conn, sessionID)
			log.Debug("websocket connected", "url", wsURL, "attempts", attempts)
			return nil
		}
		log.Debug("websocket dial failed", "attempt", attempts, "error", err)

		if retries <= 0 || ctx.Err() != nil {
			a.fail(err)
			return fmt.Errorf("%w after %d attempts: %v", ErrConnectFailed, attempts, err)
		}
		delay := time.Duration(retries-1) * a.cfg.BackoffStep
		log.Info("retrying websocket connection", "retries_left", retries, "delay", delay)
		if err := a.sleep(ctx, delay); err != nil {
			a.fail(err)
			return fmt.Errorf("%w: %v", ErrConnectFailed, err)
		}
		retries--
	}
}

func (a *Adapter) fail(err error) {
	a.mu.Lock()
	a.connecting = false
	a.lastError = err
	a.mu.Unlock()
}

func (a *Adapter) attach(conn *websocket.Conn, sessionID string) {
	a.mu.Lock()
	a.gen++
	gen := a.gen
	done := make(chan struct{})
	a.conn = conn
	a.connDone = done
	a.connected = true
	a.connecting = false
	a.mu.Unlock()

	a.push(Event{Kind: EventOpen, SessionID: sessionID, gen: gen}, done)
	go a.readLoop(conn, sessionID, gen, done)
}

// readLoop decodes frames until the connection fails or is torn down.
func (a *Adapter) readLoop(conn *websocket.Conn, sessionID string, gen uint64, done chan struct{}) {
	log := a.log.With("session_id", sessionID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.onReadError(conn, sessionID, gen, done, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn("dropping undecodable frame", "error", err, "size", len(data))
			continue
		}
		if !a.push(Event{Kind: EventMessage, SessionID: sessionID, Message: msg, gen: gen}, done) {
			return
		}
	}
}

func (a *Adapter) onReadError(conn *websocket.Conn, sessionID string, gen uint64, done chan struct{}, err error) {
	a.mu.Lock()
	if a.gen != gen {
		// torn down by Disconnect; handlers are detached
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.connDone = nil
	a.connected = false
	abnormal := !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if abnormal {
		a.lastError = err
	}
	a.mu.Unlock()
	conn.Close()

	if abnormal {
		a.log.Warn("websocket error", "session_id", sessionID, "error", err)
		a.push(Event{Kind: EventError, SessionID: sessionID, Err: err, gen: gen}, done)
	} else {
		a.log.Debug("websocket closed by server", "session_id", sessionID)
	}
	a.push(Event{Kind: EventClosed, SessionID: sessionID, Err: err, gen: gen}, done)
}

// push hands an event to the consumer unless the connection was torn down.
func (a *Adapter) push(ev Event, done chan struct{}) bool {
	select {
	case a.events <- ev:
		return true
	case <-done:
		return false
	case <-a.closed:
		return false
	}
}

// Recv returns the next event of the current connection, skipping events
// of connections that were disconnected in the meantime.
func (a *Adapter) Recv(ctx context.Context) (Event, error) {
	for {
		select {
		case ev := <-a.events:
			if !a.current(ev.gen) {
				continue
			}
			return ev, nil
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-a.closed:
			return Event{}, ErrClosed
		}
	}
}

// current reports whether gen is the live connection's generation, or the
// last one if it ended on its own (read error rather than Disconnect).
func (a *Adapter) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return gen == a.gen
}

// Send writes msg as JSON if the socket is open and reports success.
func (a *Adapter) Send(msg protocol.ClientMessage) bool {
	a.mu.Lock()
	conn := a.conn
	open := a.connected
	a.mu.Unlock()

	if conn == nil || !open {
		a.log.Warn("websocket not connected, cannot send message", "type", msg.Type())
		return false
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		a.log.Warn("websocket send failed", "type", msg.Type(), "error", err)
		return false
	}
	return true
}

// Disconnect detaches and closes the current socket. It is idempotent.
// No event read from the closed socket is delivered afterwards.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	conn := a.conn
	done := a.connDone
	if conn != nil {
		a.gen++
	}
	a.conn = nil
	a.connDone = nil
	a.connected = false
	a.connecting = false
	a.mu.Unlock()

	if conn == nil {
		return
	}
	close(done)

	a.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	a.writeMu.Unlock()
	conn.Close()
	a.log.Debug("websocket disconnected")
}

// State returns the adapter's connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := State{
		SessionID:  a.sessionID,
		Connected:  a.connected,
		Connecting: a.connecting,
	}
	if a.lastError != nil {
		s.LastError = a.lastError.Error()
	}
	return s
}

// Connected reports whether the socket is open.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Close disconnects and makes Recv return ErrClosed.
func (a *Adapter) Close() error {
	a.Disconnect()
	a.closeOnce.Do(func() { close(a.closed) })
	return nil
}
