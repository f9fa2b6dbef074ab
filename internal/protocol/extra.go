package protocol

import (
	"encoding/json"
	"log/slog"
)

// ParseExtraData decodes the extra_data of an agent reply.
//
// Reasoning steps may arrive embedded as JSON text inside
// reasoning_messages[i].content; those are extracted. A top-level
// reasoning_steps array takes precedence over the extracted ones.
// Messages whose content is not parsable are skipped. A nil logger
// disables the warnings.
func ParseExtraData(raw json.RawMessage, log *slog.Logger) ExtraData {
	var out ExtraData
	if len(raw) == 0 || string(raw) == "null" {
		return out
	}

	var in struct {
		ReasoningMessages []ReasoningMessage `json:"reasoning_messages"`
		ReasoningSteps    []ReasoningStep    `json:"reasoning_steps"`
		References        []ReferenceData    `json:"references"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		if log != nil {
			log.Warn("failed to parse extra data", "error", err)
		}
		return out
	}

	out.ReasoningMessages = in.ReasoningMessages
	for _, m := range in.ReasoningMessages {
		if m.Content == nil || *m.Content == "" {
			continue
		}
		var embedded struct {
			ReasoningSteps []ReasoningStep `json:"reasoning_steps"`
		}
		if err := json.Unmarshal([]byte(*m.Content), &embedded); err != nil {
			if log != nil {
				log.Warn("failed to parse reasoning message content", "error", err)
			}
			continue
		}
		out.ReasoningSteps = append(out.ReasoningSteps, embedded.ReasoningSteps...)
	}

	if in.ReasoningSteps != nil {
		out.ReasoningSteps = in.ReasoningSteps
	}
	out.References = in.References
	return out
}
