// Package reducer turns the stream of server messages of one chat room into
// store mutations.
//
// A Reducer owns the per-turn state that is not visible in the store until
// the turn is finalized: the streaming text buffer, the completed tool calls
// and the reasoning steps. Side effects that involve the socket (replies,
// closing) are returned as Effects and performed by the caller.
package reducer

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/agentchat/internal/logging"
	"github.com/inercia/agentchat/internal/protocol"
	"github.com/inercia/agentchat/internal/store"
	"github.com/inercia/agentchat/internal/transport"
)

// CancelledMessage is appended to the room when the server confirms a cancel.
const CancelledMessage = "Task was cancelled by user."

// Effects are the socket side effects requested by a message.
type Effects struct {
	// Reply holds messages to send back, in order.
	Reply []protocol.ClientMessage
	// Close asks for the socket to be disconnected.
	Close bool
}

func (e *Effects) merge(o Effects) {
	e.Reply = append(e.Reply, o.Reply...)
	e.Close = e.Close || o.Close
}

// Reducer applies server messages to one room of a store.
// It is safe for concurrent use.
type Reducer struct {
	store  *store.Store
	roomID string
	log    *slog.Logger

	now   func() time.Time
	newID func() string

	fencing bool

	mu        sync.Mutex
	buf       strings.Builder
	streamID  string
	toolCalls []protocol.ToolCall
	steps     []protocol.ReasoningStep
	fenced    string
}

// Option configures a Reducer.
type Option func(*Reducer)

// WithClock sets the time source used for local timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reducer) { r.now = now }
}

// WithIDGenerator sets the generator of message IDs.
func WithIDGenerator(fn func() string) Option {
	return func(r *Reducer) { r.newID = fn }
}

// WithFencing makes Fence effective: once a session is fenced, its
// messages are dropped instead of applied.
func WithFencing() Option {
	return func(r *Reducer) { r.fencing = true }
}

// WithLogger overrides the reducer logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reducer) { r.log = l }
}

// New creates a reducer writing to room roomID of s.
func New(s *store.Store, roomID string, opts ...Option) *Reducer {
	r := &Reducer{
		store:  s,
		roomID: roomID,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.WithRoom(logging.Reducer(), roomID, "")
	}
	return r
}

// RoomID returns the room the reducer writes to.
func (r *Reducer) RoomID() string {
	return r.roomID
}

// Streaming returns the current streaming buffer.
func (r *Reducer) Streaming() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

// Pending returns copies of the accumulated tool calls and reasoning steps
// of the current turn.
func (r *Reducer) Pending() ([]protocol.ToolCall, []protocol.ReasoningStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ToolCall(nil), r.toolCalls...),
		append([]protocol.ReasoningStep(nil), r.steps...)
}

// Reset drops the streaming buffer and the turn accumulators. The store is
// not touched.
func (r *Reducer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetTurn()
}

// Unfence lifts the fence set by Fence.
func (r *Reducer) Unfence() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fenced = ""
}

// Fence drops every later message of sessionID. It has no effect unless the
// reducer was created WithFencing.
func (r *Reducer) Fence(sessionID string) {
	if !r.fencing {
		return
	}
	r.mu.Lock()
	r.fenced = sessionID
	r.mu.Unlock()
	r.log.Debug("fenced session", "session_id", sessionID)
}

func (r *Reducer) isFenced(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fenced != "" && r.fenced == sessionID
}

// HandleEvent applies one transport event.
func (r *Reducer) HandleEvent(ev transport.Event) Effects {
	switch ev.Kind {
	case transport.EventOpen:
		r.store.SetStatus(r.roomID, store.StatusRunning)
		return Effects{}

	case transport.EventError:
		r.log.Warn("websocket error", "session_id", ev.SessionID, "error", ev.Err)
		r.store.SetStatus(r.roomID, store.StatusError)
		return Effects{}

	case transport.EventClosed:
		if r.store.Status(r.roomID).Busy() {
			r.store.SetStatus(r.roomID, store.StatusClosed)
		}
		return Effects{}

	case transport.EventMessage:
		if r.isFenced(ev.SessionID) {
			r.log.Debug("dropping message of fenced session",
				"session_id", ev.SessionID, "type", ev.Message.Type())
			return Effects{}
		}
		return r.Apply(ev.Message)
	}
	return Effects{}
}

// Apply applies one server message to the room.
func (r *Reducer) Apply(msg protocol.ServerMessage) Effects {
	switch m := msg.(type) {
	case protocol.InitialState:
		return r.replay(m)

	case protocol.ConnectionReady:
		r.log.Debug("connection ready", "session_id", m.SessionID)
		return Effects{Reply: []protocol.ClientMessage{protocol.ConnectionAck{}}}

	case protocol.ConnectionAcknowledged:
		return Effects{}

	case protocol.TaskStarted:
		// accumulators are only reset on finalize and cancel
		r.store.SetStatus(r.roomID, store.StatusRunning)
		return Effects{}

	case protocol.TaskProgress:
		r.progress(m.Event)
		return Effects{}

	case protocol.TaskCompleted:
		r.mu.Lock()
		r.buf.Reset()
		r.streamID = ""
		r.mu.Unlock()
		r.store.SetStatus(r.roomID, store.StatusIdle)
		r.store.UpdateStreamingMessage(r.roomID, nil)
		return Effects{Close: true}

	case protocol.TaskFailed:
		r.log.Warn("task failed", "type", m.Type(), "error", m.Reason(), "attempt", m.Attempt)
		status := store.StatusError
		if m.Retry {
			status = store.StatusFailed
		}
		r.store.SetStatus(r.roomID, status)
		attempt := m.Attempt
		if attempt == 0 {
			attempt = 1
		}
		r.store.SetRetryPrompt(r.roomID, store.RetryPrompt{
			Attempt:  attempt,
			Error:    m.Reason(),
			CanRetry: m.CanRetry,
		})
		return Effects{Close: !m.Retry}

	case protocol.TaskCancelled:
		r.mu.Lock()
		r.resetTurn()
		r.mu.Unlock()
		r.store.SetStatus(r.roomID, store.StatusIdle)
		r.store.UpdateStreamingMessage(r.roomID, nil)
		r.store.AddMessage(store.ChatMessage{
			ID:        r.newID(),
			Role:      protocol.RoleAgent,
			Content:   CancelledMessage,
			CreatedAt: r.now(),
		}, r.roomID)
		return Effects{Close: true}

	case protocol.TaskNotConfirmed:
		r.mu.Lock()
		r.buf.Reset()
		r.streamID = ""
		r.mu.Unlock()
		r.store.SetStatus(r.roomID, store.StatusNotConfirmed)
		r.store.UpdateStreamingMessage(r.roomID, nil)
		return Effects{}

	case protocol.RequestUserInput:
		if len(m.Fields) > 0 {
			r.store.SetUserInputRequest(r.roomID, m.Fields)
		}
		return Effects{}

	case protocol.RequestConfirmation:
		text := m.Message
		if text == "" {
			text = protocol.DefaultConfirmationMessage
		}
		r.store.SetConfirmationRequest(r.roomID, store.ConfirmationRequest{ID: m.ID, Message: text})
		return Effects{}

	case protocol.Unknown:
		r.log.Warn("ignoring unknown message type", "type", m.MessageType)
		return Effects{}

	default:
		r.log.Warn("ignoring unhandled message", "type", msg.Type())
		return Effects{}
	}
}

// replay rebuilds the room from the server-buffered messages. Transient
// state is reset and the messages of the current turn are dropped, since the
// buffer carries them again; then each message goes through Apply. Replies are
// kept; closing is not, since the socket that delivered the replay is the
// live one.
func (r *Reducer) replay(m protocol.InitialState) Effects {
	r.log.Debug("replaying initial state", "count", len(m.StateMessages))

	r.mu.Lock()
	r.resetTurn()
	r.mu.Unlock()
	r.store.ResetTransient(r.roomID)
	r.store.TrimAfterLastUserMessage(r.roomID)
	r.store.SetReplaying(r.roomID, true)

	var eff Effects
	for _, sm := range m.StateMessages {
		eff.merge(r.Apply(sm))
	}
	eff.Close = false

	r.store.SetReplaying(r.roomID, false)
	return eff
}

func (r *Reducer) progress(ev protocol.ProgressEvent) {
	switch e := ev.(type) {
	case protocol.RunResponseContent:
		if e.Content == "" {
			return
		}
		r.mu.Lock()
		r.buf.WriteString(e.Content)
		if r.streamID == "" {
			r.streamID = r.newID()
		}
		msg := store.ChatMessage{
			ID:        r.streamID,
			Role:      protocol.RoleAgent,
			Content:   r.buf.String(),
			CreatedAt: r.timestamp(e.CreatedAt),
		}
		r.mu.Unlock()
		r.store.UpdateStreamingMessage(r.roomID, &msg)

	case protocol.RunCompleted:
		r.finalize(e)

	case protocol.ToolCallCompleted:
		if e.Tool == nil {
			r.log.Debug("ignoring tool call event without tool")
			return
		}
		r.mu.Lock()
		r.toolCalls = append(r.toolCalls, *e.Tool)
		r.mu.Unlock()

	case protocol.ReasoningCompleted:
		if e.Steps == nil {
			return
		}
		r.mu.Lock()
		r.steps = append(r.steps, e.Steps...)
		r.mu.Unlock()

	case protocol.ReasoningStepEvent:
		if e.Step == nil {
			return
		}
		r.mu.Lock()
		r.steps = append(r.steps, *e.Step)
		r.mu.Unlock()

	default:
		r.log.Debug("ignoring progress event", "event", ev.EventName())
	}
}

// finalize turns the current turn into a permanent agent message. The
// event's content wins over the streaming buffer; an empty turn appends
// nothing but still ends it.
func (r *Reducer) finalize(e protocol.RunCompleted) {
	r.mu.Lock()
	content := e.Content
	if content == "" {
		content = r.buf.String()
	}
	id := r.streamID
	if id == "" {
		id = r.newID()
	}
	tools := r.toolCalls
	steps := r.steps
	r.resetTurn()
	r.mu.Unlock()

	if content != "" || len(tools) > 0 || len(steps) > 0 {
		extra := protocol.ParseExtraData(e.ExtraData, r.log)
		if len(steps) > 0 {
			extra.ReasoningSteps = steps
		}
		msg := store.ChatMessage{
			ID:        id,
			Role:      protocol.RoleAgent,
			Content:   content,
			CreatedAt: r.timestamp(e.CreatedAt),
			ToolCalls: tools,
		}
		if len(extra.ReasoningSteps) > 0 || len(extra.ReasoningMessages) > 0 || len(extra.References) > 0 {
			msg.ExtraData = &extra
		}
		r.store.AddMessage(msg, r.roomID)
	}

	r.store.UpdateStreamingMessage(r.roomID, nil)
	r.store.SetStatus(r.roomID, store.StatusIdle)
}

// resetTurn must be called with mu held.
func (r *Reducer) resetTurn() {
	r.buf.Reset()
	r.streamID = ""
	r.toolCalls = nil
	r.steps = nil
}

func (r *Reducer) timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return r.now()
	}
	return t
}
