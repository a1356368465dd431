// internal/types/interfaces.go
package types

import "context"

// AgentRequest describes one turn handed to the agent runner.
type AgentRequest struct {
	SessionKey SessionKey
	SessionID  SessionID
	AgentID    AgentID
	Message    string
	Model      string
	Provider   string
}

// AgentResult is the final payload of an agent run.
type AgentResult struct {
	Text         string
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	DurationMs   int64
}

// AgentEvent is one element of the agent run stream: either an incremental
// text delta, the final result, or a terminal error. Exactly one field is set.
type AgentEvent struct {
	Delta string
	Final *AgentResult
	Err   error
}

// AgentRunner runs one chat turn against a session. The returned channel is
// closed after the final or error event. Cancellation is cooperative through
// ctx; implementations must settle (emit Final or Err) even when cancelled.
type AgentRunner interface {
	Run(ctx context.Context, req AgentRequest) (<-chan AgentEvent, error)
}

// TranscriptStore persists per-session transcript messages. Append is
// idempotent on Message.ID: appending a message whose ID already exists for
// the session is a no-op.
type TranscriptStore interface {
	Append(ctx context.Context, id SessionID, msg *Message) error
	Messages(ctx context.Context, id SessionID, limit int) ([]*Message, error)
}

// Deliverer routes a final reply to the session's channel. Returns an error
// when no delivery path exists for the key.
type Deliverer interface {
	Deliver(sessionKey SessionKey, message string) error
}
