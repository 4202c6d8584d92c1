package llm

import "context"

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is one provider call for one model.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Schema      *Schema
}

// Provider sends a completion request and returns the raw text of the answer.
// Non-2xx responses are reported as *ProviderError.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
