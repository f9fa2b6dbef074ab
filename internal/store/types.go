// Package store holds the chat state of every room: messages, the
// in-progress streaming reply, session status and pending prompts.
package store

import (
	"time"

	"github.com/inercia/agentchat/internal/protocol"
)

// Status is the lifecycle status of a room's current task.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusError        Status = "error"
	StatusFailed       Status = "failed"
	StatusNotConfirmed Status = "not_confirmed"
	StatusNotRetried   Status = "not_retried"
	StatusClosed       Status = "closed"

	// StatusLoading is accepted as input and stored as StatusRunning.
	StatusLoading Status = "loading"
)

// Normalize maps aliases to their canonical status.
func (s Status) Normalize() Status {
	if s == StatusLoading {
		return StatusRunning
	}
	return s
}

// Busy reports whether a task is in flight.
func (s Status) Busy() bool {
	switch s.Normalize() {
	case StatusStarting, StatusRunning:
		return true
	}
	return false
}

// ChatMessage is one entry of a room's conversation.
type ChatMessage struct {
	ID        string              `json:"id"`
	Role      protocol.Role       `json:"role"`
	Content   string              `json:"content"`
	CreatedAt time.Time           `json:"created_at"`
	ToolCalls []protocol.ToolCall `json:"tool_calls,omitempty"`
	ExtraData *protocol.ExtraData `json:"extra_data,omitempty"`
}

// ConfirmationRequest is a pending yes/no question from the agent.
type ConfirmationRequest struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// UserInputRequest is a pending field the agent asked the user to fill in.
type UserInputRequest = protocol.InputField

// RetryPrompt is shown after a failed run.
type RetryPrompt struct {
	Attempt  int    `json:"attempt"`
	Error    string `json:"error"`
	CanRetry bool   `json:"can_retry"`
}

// Room is the state of one chat surface.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Status       Status `json:"status"`
	SessionID    string `json:"session_id,omitempty"`
	CurrentQuery string `json:"current_query,omitempty"`
	Replaying    bool   `json:"-"`

	Messages         []ChatMessage `json:"messages"`
	StreamingMessage *ChatMessage  `json:"streaming_message,omitempty"`

	ConfirmationRequests []ConfirmationRequest `json:"confirmation_requests,omitempty"`
	UserInputRequests    []UserInputRequest    `json:"user_input_requests,omitempty"`
	Retry                *RetryPrompt          `json:"retry,omitempty"`
}

// clone copies the room's slices. Message payloads are shared: messages
// are never mutated after being appended.
func (r *Room) clone() Room {
	c := *r
	c.Messages = cloneSlice(r.Messages)
	c.ConfirmationRequests = cloneSlice(r.ConfirmationRequests)
	c.UserInputRequests = cloneSlice(r.UserInputRequests)
	if r.StreamingMessage != nil {
		m := *r.StreamingMessage
		c.StreamingMessage = &m
	}
	if r.Retry != nil {
		rp := *r.Retry
		c.Retry = &rp
	}
	return c
}

// cloneSlice copies s, keeping nil and empty apart.
func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

// Well-known room IDs.
const (
	RoomAgent    = "agent"
	RoomTeam     = "team"
	RoomWorkflow = "workflow"
)

// DefaultRooms returns the rooms every store starts with.
func DefaultRooms() []Room {
	return []Room{
		{ID: RoomAgent, Name: "Agent Chat Room", Status: StatusIdle},
		{ID: RoomTeam, Name: "Team Chat Room", Status: StatusIdle},
		{ID: RoomWorkflow, Name: "Workflow Chat Room", Status: StatusIdle},
	}
}

// ChangeKind identifies what part of a room changed.
type ChangeKind string

const (
	ChangeMessages     ChangeKind = "messages"
	ChangeStatus       ChangeKind = "status"
	ChangeStreaming    ChangeKind = "streaming"
	ChangeConfirmation ChangeKind = "confirmation"
	ChangeUserInput    ChangeKind = "user_input"
	ChangeRetry        ChangeKind = "retry"
	ChangeSession      ChangeKind = "session"
	ChangeReset        ChangeKind = "reset"
	ChangeRestored     ChangeKind = "restored"
)

// Change describes one store mutation.
type Change struct {
	RoomID string
	Kind   ChangeKind
}

// Observer is notified after each mutation.
// OnChange runs synchronously on the mutating goroutine, after the store
// lock is released; implementations must not block.
type Observer interface {
	OnChange(Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Change)

// OnChange calls f(c).
func (f ObserverFunc) OnChange(c Change) { f(c) }
