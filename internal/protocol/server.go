package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyFrame is returned by Decode for empty input.
var ErrEmptyFrame = errors.New("empty frame")

// DefaultConfirmationMessage is shown when a confirmation request has no text.
const DefaultConfirmationMessage = "Do you want to proceed with this action?"

// ServerMessage is a decoded server to client message.
type ServerMessage interface {
	Type() MessageType
	serverMessage()
}

// InitialState carries the server-buffered messages of a session, sent
// right after a (re)connection so the client can rebuild its view.
type InitialState struct {
	Message       string
	StateMessages []ServerMessage
	StateCount    int
}

// ConnectionReady asks the client to acknowledge the connection.
type ConnectionReady struct {
	SessionID string
}

// ConnectionAcknowledged echoes a client acknowledgement.
type ConnectionAcknowledged struct{}

// TaskStarted signals that the backend began running the task.
type TaskStarted struct {
	Content string
}

// TaskProgress wraps one streamed progress event.
type TaskProgress struct {
	Event ProgressEvent
}

// TaskCompleted signals the end of the task.
type TaskCompleted struct {
	Content string
	Values  json.RawMessage
}

// TaskFailed reports a failed run. Retry is set when the server sent
// request_retry, asking the user whether to try again.
type TaskFailed struct {
	Retry    bool
	Error    string
	Message  string
	Attempt  int
	CanRetry bool
}

// Reason returns the most specific failure text available.
func (m TaskFailed) Reason() string {
	switch {
	case m.Error != "":
		return m.Error
	case m.Message != "":
		return m.Message
	default:
		return "Unknown error"
	}
}

// TaskCancelled signals that the task was cancelled.
type TaskCancelled struct {
	Content string
}

// TaskNotConfirmed signals that the user declined a confirmation.
type TaskNotConfirmed struct {
	Content string
}

// RequestUserInput asks the user to fill in fields.
type RequestUserInput struct {
	Fields []InputField
}

// RequestConfirmation asks the user to approve an action.
type RequestConfirmation struct {
	ID      string
	Message string
}

// Unknown is any message whose type is not recognized.
type Unknown struct {
	MessageType MessageType
	Raw         json.RawMessage
}

func (InitialState) Type() MessageType           { return TypeInitialState }
func (ConnectionReady) Type() MessageType        { return TypeConnectionReady }
func (ConnectionAcknowledged) Type() MessageType { return TypeConnectionAcknowledged }
func (TaskStarted) Type() MessageType            { return TypeTaskStarted }
func (TaskProgress) Type() MessageType           { return TypeTaskProgress }
func (TaskCompleted) Type() MessageType          { return TypeTaskCompleted }
func (TaskCancelled) Type() MessageType          { return TypeTaskCancelled }
func (TaskNotConfirmed) Type() MessageType       { return TypeTaskNotConfirmed }
func (RequestUserInput) Type() MessageType       { return TypeRequestUserInput }
func (RequestConfirmation) Type() MessageType    { return TypeRequestConfirmation }
func (m Unknown) Type() MessageType              { return m.MessageType }

func (m TaskFailed) Type() MessageType {
	if m.Retry {
		return TypeRequestRetry
	}
	return TypeTaskFailed
}

func (InitialState) serverMessage()           {}
func (ConnectionReady) serverMessage()        {}
func (ConnectionAcknowledged) serverMessage() {}
func (TaskStarted) serverMessage()            {}
func (TaskProgress) serverMessage()           {}
func (TaskCompleted) serverMessage()          {}
func (TaskFailed) serverMessage()             {}
func (TaskCancelled) serverMessage()          {}
func (TaskNotConfirmed) serverMessage()       {}
func (RequestUserInput) serverMessage()       {}
func (RequestConfirmation) serverMessage()    {}
func (Unknown) serverMessage()                {}

// envelope is the wire shape shared by all server messages.
type envelope struct {
	Type          MessageType       `json:"type"`
	Data          json.RawMessage   `json:"data,omitempty"`
	Content       json.RawMessage   `json:"content,omitempty"`
	Message       string            `json:"message,omitempty"`
	ID            string            `json:"id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Fields        []InputField      `json:"fields,omitempty"`
	Values        json.RawMessage   `json:"values,omitempty"`
	Error         string            `json:"error,omitempty"`
	Attempt       int               `json:"attempt,omitempty"`
	CanRetry      *bool             `json:"can_retry,omitempty"`
	StateMessages []json.RawMessage `json:"state_messages,omitempty"`
	StateCount    int               `json:"state_count,omitempty"`
}

// Decode parses one WebSocket frame. Malformed JSON is an error; an
// unrecognized type decodes to Unknown.
func Decode(data []byte) (ServerMessage, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return env.decode(data)
}

func (e *envelope) decode(raw []byte) (ServerMessage, error) {
	switch e.Type {
	case TypeInitialState:
		msg := InitialState{Message: e.Message, StateCount: e.StateCount}
		for _, sm := range e.StateMessages {
			decoded, err := Decode(sm)
			if err != nil {
				decoded = Unknown{Raw: sm}
			}
			msg.StateMessages = append(msg.StateMessages, decoded)
		}
		if msg.StateCount == 0 {
			msg.StateCount = len(msg.StateMessages)
		}
		return msg, nil

	case TypeConnectionReady:
		return ConnectionReady{SessionID: e.SessionID}, nil

	case TypeConnectionAcknowledged:
		return ConnectionAcknowledged{}, nil

	case TypeTaskStarted:
		return TaskStarted{Content: contentString(e.Content)}, nil

	case TypeTaskProgress, TypeGenerating:
		ev, err := decodeProgress(e.Data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return TaskProgress{Event: ev}, nil

	case TypeTaskCompleted:
		return TaskCompleted{Content: contentString(e.Content), Values: e.Values}, nil

	case TypeTaskFailed, TypeRequestRetry:
		canRetry := true
		if e.CanRetry != nil {
			canRetry = *e.CanRetry
		}
		return TaskFailed{
			Retry:    e.Type == TypeRequestRetry,
			Error:    e.Error,
			Message:  e.Message,
			Attempt:  e.Attempt,
			CanRetry: canRetry,
		}, nil

	case TypeTaskCancelled:
		return TaskCancelled{Content: contentString(e.Content)}, nil

	case TypeTaskNotConfirmed:
		return TaskNotConfirmed{Content: contentString(e.Content)}, nil

	case TypeRequestUserInput:
		return RequestUserInput{Fields: e.Fields}, nil

	case TypeRequestConfirmation:
		return RequestConfirmation{ID: e.ID, Message: e.Message}, nil

	default:
		return Unknown{MessageType: e.Type, Raw: json.RawMessage(raw)}, nil
	}
}

// contentString returns a JSON string value as is and any other JSON value
// as its compact text.
func contentString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
