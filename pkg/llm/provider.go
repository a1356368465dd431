package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends a chat completion request and returns a channel of
	// incremental deltas ending with the terminal response.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	MaxTokens   int
	Temperature float32
}
