package ai

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// JSONProvider is an optional interface. Providers that can constrain the reply to a
// single JSON object implement it.
type JSONProvider interface {
	ChatJSON(ctx context.Context, messages []Message) (string, error)
}
