// Package session drives one chat room against the agent backend: it turns
// user intents (start, cancel, confirm, submit input, retry) into REST calls
// and socket messages, and runs the reducer loop that applies the server's
// answers to the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/inercia/agentchat/internal/client"
	"github.com/inercia/agentchat/internal/logging"
	"github.com/inercia/agentchat/internal/protocol"
	"github.com/inercia/agentchat/internal/reducer"
	"github.com/inercia/agentchat/internal/store"
	"github.com/inercia/agentchat/internal/transport"
)

// ErrNotConnected is returned when a message cannot be sent because the
// session socket is not open.
var ErrNotConnected = errors.New("session socket not connected")

// ErrClosed is returned by intents on a closed controller.
var ErrClosed = errors.New("session controller closed")

// API is the part of the REST client the controller uses.
type API interface {
	StartTask(ctx context.Context, mode client.Mode, query string) (*client.StartTaskResponse, error)
	CancelTask(ctx context.Context, sessionID string) (*client.CancelResponse, error)
}

// Conn is the session socket.
type Conn interface {
	reducer.Source
	reducer.Effector
	Connect(ctx context.Context, sessionID string) error
	Connected() bool
	Close() error
}

// Controller owns the session of one room. It is safe for concurrent use.
type Controller struct {
	roomID  string
	mode    client.Mode
	api     API
	conn    Conn
	store   *store.Store
	reducer *reducer.Reducer
	log     *slog.Logger
	hooks   []reducer.EventHook

	now   func() time.Time
	newID func() string

	// starts serializes StartTask; cancel never waits on it.
	starts *semaphore.Weighted

	mu        sync.Mutex
	sessionID string
	abort     context.CancelFunc
	closed    bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Option configures a Controller.
type Option func(*controllerOptions)

type controllerOptions struct {
	roomID     string
	mode       client.Mode
	reducerOpt []reducer.Option
	hooks      []reducer.EventHook
	now        func() time.Time
	newID      func() string
}

// WithRoom selects the room to drive. Default: store.RoomAgent.
func WithRoom(roomID string) Option {
	return func(o *controllerOptions) { o.roomID = roomID }
}

// WithMode selects the backend handler. Default: client.ModeAgent.
func WithMode(mode client.Mode) Option {
	return func(o *controllerOptions) { o.mode = mode }
}

// WithFencing drops the messages of a session once it was cancelled
// locally, instead of applying them until the socket closes.
func WithFencing() Option {
	return func(o *controllerOptions) { o.reducerOpt = append(o.reducerOpt, reducer.WithFencing()) }
}

// WithEventHook registers a function called after every applied event.
func WithEventHook(h reducer.EventHook) Option {
	return func(o *controllerOptions) { o.hooks = append(o.hooks, h) }
}

// WithClock sets the time source of local messages.
func WithClock(now func() time.Time) Option {
	return func(o *controllerOptions) {
		o.now = now
		o.reducerOpt = append(o.reducerOpt, reducer.WithClock(now))
	}
}

// WithIDGenerator sets the generator of message IDs.
func WithIDGenerator(fn func() string) Option {
	return func(o *controllerOptions) {
		o.newID = fn
		o.reducerOpt = append(o.reducerOpt, reducer.WithIDGenerator(fn))
	}
}

// New creates a controller for a room of s. The room must exist.
func New(s *store.Store, api API, conn Conn, opts ...Option) (*Controller, error) {
	o := controllerOptions{
		roomID: store.RoomAgent,
		mode:   client.ModeAgent,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !s.HasRoom(o.roomID) {
		return nil, fmt.Errorf("%w: %s", store.ErrRoomNotFound, o.roomID)
	}
	if _, err := client.ParseMode(string(o.mode)); err != nil {
		return nil, err
	}

	log := logging.WithRoom(logging.Session(), o.roomID, "")
	return &Controller{
		roomID:  o.roomID,
		mode:    o.mode,
		api:     api,
		conn:    conn,
		store:   s,
		reducer: reducer.New(s, o.roomID, append(o.reducerOpt, reducer.WithLogger(logging.WithRoom(logging.Reducer(), o.roomID, "")))...),
		log:     log,
		hooks:   o.hooks,
		now:     o.now,
		newID:   o.newID,
		starts:  semaphore.NewWeighted(1),
	}, nil
}

// NewDefault wires a controller to a REST client and a WebSocket adapter
// for the given backend.
func NewDefault(s *store.Store, api *client.Client, tcfg transport.Config, opts ...Option) (*Controller, error) {
	if tcfg.BaseURL == "" {
		tcfg.BaseURL = api.BaseURL()
	}
	return New(s, api, transport.New(tcfg), opts...)
}

// Start runs the reducer loop until ctx is done or Close is called.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	c.mu.Lock()
	c.group = g
	c.cancel = cancel
	c.mu.Unlock()

	g.Go(func() error {
		return c.reducer.Run(gctx, c.conn, c.conn, c.hooks...)
	})
	g.Go(func() error {
		<-gctx.Done()
		return c.conn.Close()
	})
}

// Close stops the loop and closes the socket.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	g, cancel, abort := c.group, c.cancel, c.abort
	c.mu.Unlock()

	if abort != nil {
		abort()
	}
	if cancel == nil {
		return c.conn.Close()
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RoomID returns the room driven by the controller.
func (c *Controller) RoomID() string {
	return c.roomID
}

// Mode returns the backend handler used for new tasks.
func (c *Controller) Mode() client.Mode {
	return c.mode
}

// SessionID returns the current backend session, if any.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Room returns a copy of the room state.
func (c *Controller) Room() store.Room {
	r, _ := c.store.Room(c.roomID)
	return r
}

// Reducer returns the room's reducer.
func (c *Controller) Reducer() *reducer.Reducer {
	return c.reducer
}

// StartTask sends query to the backend and connects to the new session.
// Any previous session of the room is dropped first. On failure the room
// status is set to error and the cause is returned.
func (c *Controller) StartTask(ctx context.Context, query string) error {
	q := strings.TrimSpace(query)
	if q == "" {
		return client.ErrEmptyQuery
	}
	if !c.store.HasRoom(c.roomID) {
		return fmt.Errorf("%w: %s", store.ErrRoomNotFound, c.roomID)
	}

	if err := c.starts.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.starts.Release(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	postCtx, abort := context.WithCancel(ctx)
	c.abort = abort
	c.sessionID = ""
	c.mu.Unlock()
	defer abort()

	c.conn.Disconnect()
	c.reducer.Reset()
	c.reducer.Unfence()
	c.store.ResetTransient(c.roomID)
	c.store.AddMessage(store.ChatMessage{
		ID:        c.newID(),
		Role:      protocol.RoleUser,
		Content:   q,
		CreatedAt: c.now(),
	}, c.roomID)
	c.store.SetStatus(c.roomID, store.StatusStarting)

	resp, err := c.api.StartTask(postCtx, c.mode, q)
	if err != nil {
		return c.startFailed(ctx, postCtx, "failed to start task", err)
	}

	c.mu.Lock()
	c.sessionID = resp.SessionID
	c.mu.Unlock()
	c.store.SetSession(c.roomID, resp.SessionID, q)

	if err := c.conn.Connect(postCtx, resp.SessionID); err != nil {
		return c.startFailed(ctx, postCtx, "failed to connect to session", err)
	}

	c.mu.Lock()
	c.abort = nil
	c.mu.Unlock()
	c.log.Info("task started", "mode", c.mode, "session_id", resp.SessionID)
	return nil
}

// startFailed ends a failed StartTask. A start aborted by CancelTask or
// Close leaves the status to the canceller.
func (c *Controller) startFailed(ctx, postCtx context.Context, msg string, err error) error {
	c.mu.Lock()
	c.abort = nil
	c.mu.Unlock()

	if postCtx.Err() != nil && ctx.Err() == nil {
		c.log.Info("task start aborted")
		return fmt.Errorf("start task: %w", context.Canceled)
	}
	c.log.Error(msg, "error", err)
	c.store.SetStatus(c.roomID, store.StatusError)
	return err
}

// CancelTask stops the current task: an in-flight start is aborted, the
// server is told over the socket and the task is cancelled over REST. The
// room then goes back to idle and the socket is closed last, so the
// server's task_cancelled answer is still applied unless fencing is on.
// The room goes back to idle even if the REST call fails; its error is
// returned.
func (c *Controller) CancelTask(ctx context.Context) error {
	c.mu.Lock()
	abort := c.abort
	sessionID := c.sessionID
	c.mu.Unlock()

	if abort != nil {
		abort()
	}
	if c.conn.Connected() {
		c.conn.Send(protocol.Cancel{})
	}
	if sessionID != "" {
		c.reducer.Fence(sessionID)
	}

	var err error
	if sessionID != "" {
		if _, err = c.api.CancelTask(ctx, sessionID); err != nil {
			c.log.Warn("failed to cancel task", "session_id", sessionID, "error", err)
		}
	}

	c.store.SetStatus(c.roomID, store.StatusIdle)
	c.reducer.Reset()
	c.store.UpdateStreamingMessage(c.roomID, nil)
	c.conn.Disconnect()
	return err
}

// HandleConfirm answers the pending confirmation requests and clears them.
// A delivered decline marks the room not_confirmed.
func (c *Controller) HandleConfirm(value bool) error {
	sent := c.conn.Send(protocol.Confirm{Value: value})
	c.store.ClearConfirmationRequests(c.roomID)
	if !sent {
		return ErrNotConnected
	}
	if !value {
		c.store.SetStatus(c.roomID, store.StatusNotConfirmed)
	}
	return nil
}

// HandleInputSubmit sends the values of the requested fields and clears the
// pending input requests.
func (c *Controller) HandleInputSubmit(values map[string]string) error {
	sent := c.conn.Send(protocol.UserInput{Values: values})
	c.store.ClearUserInputRequests(c.roomID)
	if !sent {
		return ErrNotConnected
	}
	return nil
}

// HandleRetry answers a retry prompt. Declining marks the room
// not_retried; an accepted retry marks it running only once the answer
// reached the server.
func (c *Controller) HandleRetry(value bool) error {
	sent := c.conn.Send(protocol.Confirm{Value: value})
	c.store.ClearRetryPrompt(c.roomID)
	switch {
	case !value:
		c.store.SetStatus(c.roomID, store.StatusNotRetried)
	case sent:
		c.store.SetStatus(c.roomID, store.StatusRunning)
	}
	if !sent {
		return ErrNotConnected
	}
	return nil
}

// Wait blocks until the room is no longer busy and returns its status.
func (c *Controller) Wait(ctx context.Context) (store.Status, error) {
	wake := make(chan struct{}, 1)
	unsubscribe := c.store.Subscribe(store.ObserverFunc(func(ch store.Change) {
		if ch.RoomID != c.roomID {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}))
	defer unsubscribe()

	for {
		if st := c.store.Status(c.roomID); !st.Busy() {
			return st, nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return c.store.Status(c.roomID), ctx.Err()
		}
	}
}
