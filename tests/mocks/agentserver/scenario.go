package agentserver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Scenario is a set of scripted responses loaded from a JSON file.
type Scenario struct {
	Name        string     `json:"scenario"`
	Description string     `json:"description"`
	Responses   []Response `json:"responses"`
}

// Response plays Actions for every task whose query matches Trigger.
type Response struct {
	Trigger Trigger  `json:"trigger"`
	Actions []Action `json:"actions"`

	re *regexp.Regexp
}

// Trigger selects the tasks a response answers. Mode is optional; an empty
// Pattern matches any query.
type Trigger struct {
	Mode    string `json:"mode,omitempty"`
	Pattern string `json:"pattern"`
}

// Action is one scripted step of a response.
//
// Types:
//   - "message": streams Chunks, then a RunCompleted with their concatenation
//   - "tool": a ToolCallCompleted for tool Title with result Text
//   - "confirm": a confirmation request, then waits for the answer
//   - "input": a user input request for Fields, then waits for the values
//   - "fail": a task_failed with Message
//   - "retry": a request_retry with Message
//   - "frame": sends Frame as is
//   - "delay": waits DelayMs
type Action struct {
	Type    string           `json:"type"`
	DelayMs int              `json:"delay_ms,omitempty"`
	Chunks  []string         `json:"chunks,omitempty"`
	Text    string           `json:"text,omitempty"`
	ID      string           `json:"id,omitempty"`
	Title   string           `json:"title,omitempty"`
	Message string           `json:"message,omitempty"`
	Fields  []map[string]any `json:"fields,omitempty"`
	Frame   map[string]any   `json:"frame,omitempty"`
}

// ParseScenario decodes a scenario and compiles its triggers.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if sc.Name == "" {
		return nil, fmt.Errorf("scenario has no name")
	}
	for i := range sc.Responses {
		re, err := regexp.Compile(sc.Responses[i].Trigger.Pattern)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: response %d: %w", sc.Name, i, err)
		}
		sc.Responses[i].re = re
		for _, a := range sc.Responses[i].Actions {
			if !knownAction(a.Type) {
				return nil, fmt.Errorf("scenario %s: unknown action %q", sc.Name, a.Type)
			}
		}
	}
	return &sc, nil
}

// LoadScenarios reads every *.json file of dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var out []*Scenario
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		sc, err := ParseScenario(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(file), err)
		}
		out = append(out, sc)
	}
	return out, nil
}

func knownAction(t string) bool {
	switch t {
	case "message", "tool", "confirm", "input", "fail", "retry", "frame", "delay":
		return true
	}
	return false
}

// ScenarioScript answers tasks with the first matching response of the
// scenarios, falling back to fallback when none match. delay is waited
// between streamed chunks.
func ScenarioScript(scenarios []*Scenario, fallback Script, delay time.Duration) Script {
	return func(mode, query string) []Step {
		for _, sc := range scenarios {
			for _, resp := range sc.Responses {
				if resp.Trigger.Mode != "" && resp.Trigger.Mode != mode {
					continue
				}
				if resp.re != nil && !resp.re.MatchString(query) {
					continue
				}
				return stepsFor(resp.Actions, delay)
			}
		}
		return fallback(mode, query)
	}
}

func stepsFor(actions []Action, delay time.Duration) []Step {
	steps := []Step{Started()}
	terminal := false
	for _, a := range actions {
		switch a.Type {
		case "message":
			for _, c := range a.Chunks {
				st := Chunk(c)
				st.Delay = delay
				steps = append(steps, st)
			}
			steps = append(steps, Done(strings.Join(a.Chunks, "")))
		case "tool":
			steps = append(steps, Tool(a.Title, a.Text))
		case "confirm":
			steps = append(steps, Confirmation(a.ID, a.Message)...)
		case "input":
			steps = append(steps,
				Step{Frame: map[string]any{"type": "request_user_input", "fields": a.Fields}},
				Step{WaitFor: "user_input"},
			)
		case "fail":
			steps = append(steps, Step{Frame: map[string]any{"type": "task_failed", "error": a.Message}, Close: true})
			terminal = true
		case "retry":
			steps = append(steps, Step{Frame: map[string]any{
				"type": "request_retry", "message": a.Message, "attempt": 1, "can_retry": true,
			}})
			terminal = true
		case "frame":
			steps = append(steps, Step{Frame: a.Frame})
		case "delay":
			steps = append(steps, Step{Delay: time.Duration(a.DelayMs) * time.Millisecond})
		}
	}
	if !terminal {
		steps = append(steps, Completed())
	}
	return steps
}
