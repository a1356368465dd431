// internal/delivery/registry.go
package delivery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/gateclaw/internal/types"
)

// Handler delivers a message to the session's channel destination.
type Handler func(sessionKey types.SessionKey, message string) error

// Registry routes final replies to a channel adapter based on the channel
// prefix of the session key (e.g. "telegram:", "webchat:"). Canonical keys
// carry an "agent:<id>:" scope in front of the channel part; the registry
// matches against the channel part so one handler serves every agent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for channel parts starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// channelPart strips the "agent:<id>:" scope off a canonical session key.
func channelPart(sessionKey types.SessionKey) string {
	s := string(sessionKey)
	if rest, ok := strings.CutPrefix(s, "agent:"); ok {
		if i := strings.Index(rest, ":"); i >= 0 {
			return rest[i+1:]
		}
	}
	return s
}

// Deliver finds the handler matching the session key's channel prefix and
// calls it. Returns an error when no handler is registered; the dispatcher
// treats that as "no delivery path" and relies on the transcript append.
func (r *Registry) Deliver(sessionKey types.SessionKey, message string) error {
	channel := channelPart(sessionKey)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(channel, prefix) {
			return handler(sessionKey, message)
		}
	}
	return fmt.Errorf("no delivery handler for session key: %s", sessionKey)
}
