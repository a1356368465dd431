package llm

// Message represents a chat message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat completion call. Model is set per call so a session's
// model override takes effect without rebuilding the provider.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Response represents a complete response from an LLM provider.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// StreamEvent is one element of a streamed completion: an incremental content
// delta, or the terminal Response carrying usage, or an error. Exactly one
// field is set; the channel closes after a Response or Err.
type StreamEvent struct {
	Delta    string
	Response *Response
	Err      error
}
