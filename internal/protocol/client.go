package protocol

import "encoding/json"

// ClientMessage is a client to server message.
type ClientMessage interface {
	Type() MessageType
	json.Marshaler
}

// Cancel asks the server to stop the running task.
type Cancel struct{}

// Confirm answers a confirmation or retry request.
type Confirm struct {
	Value bool
}

// UserInput answers a request_user_input with the field values by name.
type UserInput struct {
	Values map[string]string
}

// ConnectionAck acknowledges connection_ready.
type ConnectionAck struct{}

func (Cancel) Type() MessageType        { return TypeCancel }
func (Confirm) Type() MessageType       { return TypeConfirm }
func (UserInput) Type() MessageType     { return TypeUserInput }
func (ConnectionAck) Type() MessageType { return TypeConnectionAcknowledged }

type typed struct {
	Type MessageType `json:"type"`
}

func (m Cancel) MarshalJSON() ([]byte, error) {
	return json.Marshal(typed{Type: m.Type()})
}

func (m ConnectionAck) MarshalJSON() ([]byte, error) {
	return json.Marshal(typed{Type: m.Type()})
}

func (m Confirm) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		typed
		Value bool `json:"value"`
	}{typed{m.Type()}, m.Value})
}

func (m UserInput) MarshalJSON() ([]byte, error) {
	values := m.Values
	if values == nil {
		values = map[string]string{}
	}
	return json.Marshal(struct {
		typed
		Values map[string]string `json:"values"`
	}{typed{m.Type()}, values})
}
