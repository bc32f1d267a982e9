// Package llm defines the Provider interface for Large Language Model backends.
//
// The story pipeline uses an LLM for three text tasks: classifying the
// emotional tone of a transcript, rewriting it into a narration script, and
// extracting key moments to illustrate. All of them are single-shot chat
// completions, so the interface is deliberately small.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message.
type Message struct {
	Role    string
	Content string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
type CompletionRequest struct {
	// SystemPrompt is sent before Messages as a system-role message.
	SystemPrompt string

	// Messages is the ordered conversation. Must be non-empty.
	Messages []Message

	// Model overrides the provider's configured model for this request.
	Model string

	// Temperature in [0.0, 2.0]. Zero means provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the full assistant reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the default model identifier.
	ModelID() string
}

// UserPrompt is a convenience for the common system + single user message shape.
func UserPrompt(system, user string, maxTokens int) CompletionRequest {
	return CompletionRequest{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: user}},
		MaxTokens:    maxTokens,
	}
}
