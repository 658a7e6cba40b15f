package ai

import "context"

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatStreamer streams a deterministic chat completion. onDelta is called
// for each non-empty text fragment in order; an error from onDelta aborts
// the stream. The full completion is returned once the stream ends.
type ChatStreamer interface {
	StreamChat(ctx context.Context, messages []ChatMessage, onDelta func(string) error) (string, error)
}
