// Package protocol defines the messages exchanged with the agent backend
// over the session WebSocket.
//
// Server frames are decoded once, at the transport boundary, into the sealed
// ServerMessage union; task_progress payloads are further decoded into the
// ProgressEvent union keyed by their "event" field. Consumers switch on the
// concrete types instead of on strings.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType is the "type" field of a WebSocket envelope.
type MessageType string

// Server to client message types.
const (
	TypeInitialState           MessageType = "initial_state"
	TypeConnectionReady        MessageType = "connection_ready"
	TypeConnectionAcknowledged MessageType = "connection_acknowledged"
	TypeTaskStarted            MessageType = "task_started"
	TypeTaskProgress           MessageType = "task_progress"
	TypeTaskCompleted          MessageType = "task_completed"
	TypeTaskFailed             MessageType = "task_failed"
	TypeTaskCancelled          MessageType = "task_cancelled"
	TypeTaskNotConfirmed       MessageType = "task_not_confirmed"
	TypeRequestRetry           MessageType = "request_retry"
	TypeRequestUserInput       MessageType = "request_user_input"
	TypeRequestConfirmation    MessageType = "request_confirmation"

	// TypeGenerating is the older name of task_progress.
	TypeGenerating MessageType = "generating"
)

// Client to server message types.
const (
	TypeCancel    MessageType = "cancel"
	TypeConfirm   MessageType = "confirm"
	TypeUserInput MessageType = "user_input"
)

// Role is the author of a chat message or tool record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAgent     Role = "agent"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleAssistant Role = "assistant"
)

// ToolMetrics carries timing information for a tool call.
type ToolMetrics struct {
	Time float64 `json:"time"`
}

// ToolCall is a completed tool invocation reported by the agent.
type ToolCall struct {
	Role          Role           `json:"role"`
	ToolName      string         `json:"tool_name"`
	ToolCallID    string         `json:"tool_call_id"`
	Content       string         `json:"content"`
	ToolArgs      map[string]any `json:"tool_args"`
	ToolCallError bool           `json:"tool_call_error"`
	CreatedAt     time.Time      `json:"created_at"`
	Metrics       *ToolMetrics   `json:"metrics,omitempty"`
}

// ReasoningStep is one step of the agent's reasoning trace.
type ReasoningStep struct {
	Title      string   `json:"title"`
	Action     string   `json:"action,omitempty"`
	Result     string   `json:"result"`
	Reasoning  string   `json:"reasoning"`
	Confidence *float64 `json:"confidence,omitempty"`
	NextAction string   `json:"next_action,omitempty"`
}

// ReasoningMessage is a raw message from the agent's reasoning run.
type ReasoningMessage struct {
	Role          Role           `json:"role"`
	Content       *string        `json:"content"`
	ToolCallID    string         `json:"tool_call_id,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	ToolArgs      map[string]any `json:"tool_args,omitempty"`
	ToolCallError bool           `json:"tool_call_error,omitempty"`
	Metrics       *ToolMetrics   `json:"metrics,omitempty"`
	CreatedAt     int64          `json:"created_at,omitempty"`
}

// ReferenceMeta locates a reference chunk in its source document.
type ReferenceMeta struct {
	Chunk     int `json:"chunk"`
	ChunkSize int `json:"chunk_size"`
}

// Reference is a knowledge-base snippet the agent used.
type Reference struct {
	Content  string        `json:"content"`
	MetaData ReferenceMeta `json:"meta_data"`
	Name     string        `json:"name"`
}

// ReferenceData groups the references returned for one search query.
type ReferenceData struct {
	Query      string      `json:"query"`
	References []Reference `json:"references"`
	Time       *float64    `json:"time,omitempty"`
}

// ExtraData is the auxiliary payload attached to agent replies.
type ExtraData struct {
	ReasoningSteps    []ReasoningStep    `json:"reasoning_steps,omitempty"`
	ReasoningMessages []ReasoningMessage `json:"reasoning_messages,omitempty"`
	References        []ReferenceData    `json:"references,omitempty"`
}

// FieldType is the value type of a user input field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
)

// InputField is one value the agent asks the user to provide.
type InputField struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Type        FieldType       `json:"type"`
	Value       json.RawMessage `json:"value,omitempty"`
}

// Timestamp converts a server timestamp to time.Time. The backend sends
// epoch seconds; browser clients historically sent epoch milliseconds, so
// values large enough to be milliseconds are treated as such. Zero yields
// the zero time.
func Timestamp(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(int64(v))
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
