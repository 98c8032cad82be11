// Package llm wraps the completion providers behind one small
// interface: Anthropic primary, an OpenAI-compatible secondary, and a
// failover client that switches on overload.
package llm

import "context"

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Client is the completion surface the core depends on. Stream invokes
// onDelta for every text fragment and returns the full text.
type Client interface {
	Complete(ctx context.Context, req Request) (string, Usage, error)
	Stream(ctx context.Context, req Request, onDelta func(string)) (string, Usage, error)
}
