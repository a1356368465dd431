// internal/gateway/ops.go
package gateway

import (
	"context"

	"github.com/user/gateclaw/internal/types"
)

// History is the chat.history result.
type History struct {
	SessionKey    types.SessionKey `json:"sessionKey"`
	SessionID     types.SessionID  `json:"sessionId"`
	Messages      []*types.Message `json:"messages"`
	ThinkingLevel string           `json:"thinkingLevel,omitempty"`
	VerboseLevel  string           `json:"verboseLevel,omitempty"`
}

// History returns the session's transcript tail plus its output levels.
func (c *Coordinator) History(rawKey string, limit int) (*History, error) {
	res, err := c.manager.Resolver().Resolve(rawKey)
	if err != nil {
		return nil, err
	}
	store := c.manager.StoreOf(res)
	entry, _, err := store.Get(res)
	if err != nil {
		return nil, types.Unavailable(err, "read session store")
	}

	h := &History{SessionKey: res.CanonicalKey, Messages: []*types.Message{}}
	if entry == nil {
		return h, nil
	}
	h.SessionID = entry.SessionID
	h.ThinkingLevel = entry.ThinkingLevel
	h.VerboseLevel = entry.VerboseLevel

	msgs, err := c.transcripts.Messages(context.Background(), entry.SessionID, limit)
	if err != nil {
		return nil, types.Unavailable(err, "read transcript")
	}
	if msgs != nil {
		h.Messages = msgs
	}
	return h, nil
}

// Inject appends a message to the session transcript without running the
// agent. The message id is server-chosen.
func (c *Coordinator) Inject(rawKey, message, label string) (types.MessageID, error) {
	res, err := c.manager.Resolver().Resolve(rawKey)
	if err != nil {
		return "", err
	}
	if message == "" {
		return "", types.InvalidRequest("empty message")
	}

	store := c.manager.StoreOf(res)
	entry, err := store.Update(res, func(e *types.SessionEntry) {})
	if err != nil {
		return "", types.Unavailable(err, "update session store")
	}

	msg := &types.Message{
		ID:      types.NewMessageID(),
		Role:    "user",
		Content: message,
		Origin:  "inject",
		Label:   label,
	}
	if err := c.transcripts.Append(context.Background(), entry.SessionID, msg); err != nil {
		return "", types.Unavailable(err, "append transcript")
	}
	return msg.ID, nil
}
