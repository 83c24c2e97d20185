// Package llm defines the Provider interface for the language models that
// rewrite fast ASR text into its corrected form.
//
// Correction only needs single-shot completions: a system prompt describing
// the rewrite rules and one user message carrying the transcript. Streaming
// and tool calling are deliberately absent from the interface.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	// Content is the plain-text body of the turn.
	Content string
}

// Usage reports token consumption of a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest describes a single completion.
type CompletionRequest struct {
	// Messages is the conversation, oldest first.
	Messages []Message

	// SystemPrompt, when non-empty, is prepended as a system message.
	SystemPrompt string

	// Temperature controls sampling randomness. Zero leaves the provider
	// default in place.
	Temperature float64

	// MaxTokens caps the length of the completion. Zero means no explicit cap.
	MaxTokens int
}

// CompletionResponse is the result of [Provider.Complete].
type CompletionResponse struct {
	// Content is the generated text.
	Content string

	// Usage holds token accounting when the backend reports it.
	Usage Usage
}

// Provider produces chat completions.
type Provider interface {
	// Complete runs the request to completion. Cancelling ctx abandons the
	// request.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
