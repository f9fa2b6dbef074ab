package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Progress event names carried in task_progress "data.event".
const (
	EventRunResponseContent = "RunResponseContent"
	EventRunCompleted       = "RunCompleted"
	EventToolCallCompleted  = "ToolCallCompleted"
	EventReasoningCompleted = "ReasoningCompleted"
	EventReasoningStep      = "ReasoningStep"
)

// ProgressEvent is a decoded task_progress payload.
type ProgressEvent interface {
	EventName() string
	progressEvent()
}

// RunResponseContent is one streamed chunk of the agent reply.
type RunResponseContent struct {
	Content   string
	CreatedAt time.Time
	ExtraData json.RawMessage
}

// RunCompleted carries the full agent reply at the end of a turn.
type RunCompleted struct {
	Content   string
	CreatedAt time.Time
	ExtraData json.RawMessage
}

// ToolCallCompleted reports a finished tool invocation. Tool is nil when
// the event carried no tool payload.
type ToolCallCompleted struct {
	Tool *ToolCall
}

// ReasoningCompleted carries the full list of reasoning steps of a turn.
// Steps is nil when the content was not an array.
type ReasoningCompleted struct {
	Steps []ReasoningStep
}

// ReasoningStepEvent carries a single reasoning step.
type ReasoningStepEvent struct {
	Step *ReasoningStep
}

// OtherEvent is any progress event the client does not act upon
// (RunStarted, ToolCallStarted, ...).
type OtherEvent struct {
	Name string
}

func (RunResponseContent) EventName() string { return EventRunResponseContent }
func (RunCompleted) EventName() string       { return EventRunCompleted }
func (ToolCallCompleted) EventName() string  { return EventToolCallCompleted }
func (ReasoningCompleted) EventName() string { return EventReasoningCompleted }
func (ReasoningStepEvent) EventName() string { return EventReasoningStep }
func (e OtherEvent) EventName() string       { return e.Name }

func (RunResponseContent) progressEvent() {}
func (RunCompleted) progressEvent()       {}
func (ToolCallCompleted) progressEvent()  {}
func (ReasoningCompleted) progressEvent() {}
func (ReasoningStepEvent) progressEvent() {}
func (OtherEvent) progressEvent()         {}

type progressData struct {
	Event     string          `json:"event"`
	Content   json.RawMessage `json:"content,omitempty"`
	CreatedAt float64         `json:"created_at,omitempty"`
	ExtraData json.RawMessage `json:"extra_data,omitempty"`
	Tool      *wireTool       `json:"tool,omitempty"`
}

type wireTool struct {
	ToolName      string         `json:"tool_name"`
	ToolCallID    string         `json:"tool_call_id"`
	Result        *string        `json:"result"`
	ToolArgs      map[string]any `json:"tool_args"`
	ToolCallError bool           `json:"tool_call_error"`
	CreatedAt     float64        `json:"created_at"`
	Metrics       *ToolMetrics   `json:"metrics"`
}

func (w *wireTool) toolCall() *ToolCall {
	tc := &ToolCall{
		Role:          RoleTool,
		ToolName:      w.ToolName,
		ToolCallID:    w.ToolCallID,
		ToolArgs:      w.ToolArgs,
		ToolCallError: w.ToolCallError,
		CreatedAt:     Timestamp(w.CreatedAt),
		Metrics:       w.Metrics,
	}
	if w.Result != nil {
		tc.Content = *w.Result
	}
	if tc.ToolArgs == nil {
		tc.ToolArgs = map[string]any{}
	}
	return tc
}

func decodeProgress(raw json.RawMessage) (ProgressEvent, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return OtherEvent{}, nil
	}
	var d progressData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("progress data: %w", err)
	}

	switch d.Event {
	case EventRunResponseContent:
		return RunResponseContent{
			Content:   contentString(d.Content),
			CreatedAt: Timestamp(d.CreatedAt),
			ExtraData: d.ExtraData,
		}, nil

	case EventRunCompleted:
		return RunCompleted{
			Content:   contentString(d.Content),
			CreatedAt: Timestamp(d.CreatedAt),
			ExtraData: d.ExtraData,
		}, nil

	case EventToolCallCompleted:
		if d.Tool == nil {
			return ToolCallCompleted{}, nil
		}
		return ToolCallCompleted{Tool: d.Tool.toolCall()}, nil

	case EventReasoningCompleted:
		var steps []ReasoningStep
		if err := json.Unmarshal(d.Content, &steps); err != nil {
			return ReasoningCompleted{}, nil
		}
		return ReasoningCompleted{Steps: steps}, nil

	case EventReasoningStep:
		var step ReasoningStep
		if err := json.Unmarshal(d.Content, &step); err != nil {
			return ReasoningStepEvent{}, nil
		}
		return ReasoningStepEvent{Step: &step}, nil

	default:
		return OtherEvent{Name: d.Event}, nil
	}
}
