package agentserver

import (
	"strings"
	"time"
)

// Started returns a task_started frame.
func Started() Step {
	return Step{Frame: map[string]any{"type": "task_started", "content": "Task started"}}
}

// Chunk returns a streamed RunResponseContent frame.
func Chunk(content string) Step {
	return Step{Frame: map[string]any{
		"type": "task_progress",
		"data": map[string]any{"event": "RunResponseContent", "content": content},
	}}
}

// Done returns a RunCompleted frame.
func Done(content string) Step {
	return Step{Frame: map[string]any{
		"type": "task_progress",
		"data": map[string]any{"event": "RunCompleted", "content": content},
	}}
}

// Tool returns a ToolCallCompleted frame.
func Tool(name, result string) Step {
	return Step{Frame: map[string]any{
		"type": "task_progress",
		"data": map[string]any{
			"event": "ToolCallCompleted",
			"tool": map[string]any{
				"tool_name":    name,
				"tool_call_id": "call_" + name,
				"result":       result,
				"tool_args":    map[string]any{},
			},
		},
	}}
}

// Completed returns a task_completed frame.
func Completed() Step {
	return Step{Frame: map[string]any{"type": "task_completed", "content": "Task completed"}}
}

// Confirmation returns a request_confirmation frame followed by a wait for
// the client's answer.
func Confirmation(id, message string) []Step {
	return []Step{
		{Frame: map[string]any{"type": "request_confirmation", "id": id, "message": message}},
		{WaitFor: "confirm"},
	}
}

// EchoScript streams "You said: <query>" word by word.
func EchoScript(_, query string) []Step {
	reply := "You said: " + query
	steps := []Step{Started()}
	for i, w := range strings.Fields(reply) {
		if i > 0 {
			w = " " + w
		}
		steps = append(steps, Chunk(w))
	}
	return append(steps, Done(reply), Completed())
}

// PingScript answers "pong" twice and completes.
func PingScript(_, _ string) []Step {
	return []Step{Started(), Chunk("pong"), Chunk("pong"), Done("pongpong"), Completed()}
}

// SlowScript streams chunks forever with the given interval until the
// session is cancelled.
func SlowScript(interval time.Duration) Script {
	return func(_, _ string) []Step {
		steps := []Step{Started()}
		for i := 0; i < 1000; i++ {
			s := Chunk("tick ")
			s.Delay = interval
			steps = append(steps, s)
		}
		return steps
	}
}

// ConfirmScript asks for a confirmation before answering.
func ConfirmScript(_, _ string) []Step {
	steps := []Step{Started()}
	steps = append(steps, Confirmation("c1", "Proceed?")...)
	return append(steps, Done("confirmed"), Completed())
}
