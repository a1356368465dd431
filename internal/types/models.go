// internal/types/models.go
package types

// SessionEntry is the per-session mutable record kept in the session store.
// UpdatedAt is a logical clock in unix milliseconds; it never decreases under
// writes to the same store and is the authority for cross-store merges.
type SessionEntry struct {
	SessionID      SessionID  `json:"sessionId"`
	SessionFile    string     `json:"sessionFile,omitempty"`
	UpdatedAt      int64      `json:"updatedAt"`
	Label          string     `json:"label,omitempty"`
	DisplayName    string     `json:"displayName,omitempty"`
	LastChannel    string     `json:"lastChannel,omitempty"`
	LastTo         string     `json:"lastTo,omitempty"`
	LastAccountID  string     `json:"lastAccountId,omitempty"`
	LastThreadID   string     `json:"lastThreadId,omitempty"`
	Model          string     `json:"model,omitempty"`
	Provider       string     `json:"provider,omitempty"`
	ThinkingLevel  string     `json:"thinkingLevel,omitempty"`
	VerboseLevel   string     `json:"verboseLevel,omitempty"`
	ReasoningLevel string     `json:"reasoningLevel,omitempty"`
	SendPolicy     string     `json:"sendPolicy,omitempty"`
	InputTokens    int64      `json:"inputTokens,omitempty"`
	OutputTokens   int64      `json:"outputTokens,omitempty"`
	SpawnedBy      SessionKey `json:"spawnedBy,omitempty"`
}

// Clone returns a shallow copy. SessionEntry has no reference fields, so a
// shallow copy is a full copy.
func (e *SessionEntry) Clone() *SessionEntry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Message is one transcript entry for a session.
type Message struct {
	ID           MessageID `json:"id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Timestamp    int64     `json:"timestamp"`
	Channel      string    `json:"channel,omitempty"`
	Model        string    `json:"model,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	InputTokens  int       `json:"inputTokens,omitempty"`
	OutputTokens int       `json:"outputTokens,omitempty"`
	DurationMs   int64     `json:"durationMs,omitempty"`
	RunID        RunID     `json:"runId,omitempty"`
	Origin       string    `json:"origin,omitempty"`
	Label        string    `json:"label,omitempty"`
}

// ChatEvent is the per-run streaming payload broadcast to subscribers.
// Seq increases monotonically within a run so slow subscribers can detect
// out-of-order delivery.
type ChatEvent struct {
	SessionKey SessionKey `json:"sessionKey"`
	RunID      RunID      `json:"runId"`
	Seq        int        `json:"seq"`
	State      string     `json:"state"` // delta | final | error
	Text       string     `json:"text,omitempty"`
	Error      string     `json:"error,omitempty"`
}

const (
	ChatStateDelta = "delta"
	ChatStateFinal = "final"
	ChatStateError = "error"
)
