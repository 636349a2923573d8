package orchestrator

import (
	"fmt"
	"slices"
	"strings"

	"monollm/internal/core"
)

// Input is the prompt of a generation: either bare text or a conversation.
type Input struct {
	text     string
	isText   bool
	messages []core.Message
}

// Text wraps bare text. It becomes a single user message.
func Text(s string) Input {
	return Input{text: s, isText: true}
}

// Messages wraps an ordered conversation.
func Messages(msgs ...core.Message) Input {
	return Input{messages: msgs}
}

// normalize returns the conversation sent to the adapter. The caller's slice
// is copied so adapters never share it.
func (in Input) normalize() ([]core.Message, error) {
	if in.isText {
		if strings.TrimSpace(in.text) == "" {
			return nil, core.NewValidationError("input", in.text, "input text must not be empty")
		}
		return []core.Message{core.NewUserMessage(in.text)}, nil
	}

	if len(in.messages) == 0 {
		return nil, core.NewValidationError("messages", 0, "at least one message is required")
	}
	for i, m := range in.messages {
		if !m.Role.Valid() {
			return nil, core.NewValidationError("role", string(m.Role),
				fmt.Sprintf("message %d has invalid role %q (valid: system, user, assistant)", i, m.Role))
		}
	}
	return slices.Clone(in.messages), nil
}
