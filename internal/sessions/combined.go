// internal/sessions/combined.go
package sessions

import (
	"sort"
	"strings"
	"sync"

	"github.com/user/gateclaw/internal/types"
)

// Manager hands out the Store partition for each agent and builds the
// combined cross-agent view. Store instances are cached per path so a shared
// store file is backed by one mutex.
type Manager struct {
	resolver *Resolver

	mu     sync.Mutex
	stores map[string]*Store
}

func NewManager(resolver *Resolver) *Manager {
	return &Manager{resolver: resolver, stores: make(map[string]*Store)}
}

func (m *Manager) Resolver() *Resolver { return m.resolver }

// StoreFor returns the partition store owning the given agent's sessions.
func (m *Manager) StoreFor(agent types.AgentID) *Store {
	path := m.resolver.StorePath(agent)
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stores[path]; ok {
		return st
	}
	st := NewStore(path)
	m.stores[path] = st
	return st
}

// StoreOf returns the store for a resolved session key.
func (m *Manager) StoreOf(res *Resolution) *Store {
	return m.StoreFor(res.AgentID)
}

// Combined merges every agent's store into one read-only view. Each entry is
// re-keyed under a canonical key embedding its owning agent id, with
// spawnedBy re-canonicalized relative to that agent. On key collision the
// greater updatedAt wins; equal timestamps favor the entry from the
// canonical-owning agent, since updatedAt ordering is not trustworthy across
// hosts with clock skew.
func (m *Manager) Combined() (map[types.SessionKey]*types.SessionEntry, error) {
	type partition struct {
		owner types.AgentID
		store *Store
	}

	var parts []partition
	seenPaths := make(map[string]bool)
	agents := m.resolver.Agents()
	sort.Slice(agents, func(i, j int) bool { return agents[i] < agents[j] })
	for _, agent := range agents {
		path := m.resolver.StorePath(agent)
		if seenPaths[path] {
			continue
		}
		seenPaths[path] = true
		owner := agent
		if m.resolver.SharedStore() {
			owner = m.resolver.DefaultAgent()
		}
		parts = append(parts, partition{owner: owner, store: m.StoreFor(agent)})
	}

	merged := make(map[types.SessionKey]*types.SessionEntry)
	for _, p := range parts {
		entries, err := p.store.Entries()
		if err != nil {
			return nil, err
		}
		for rawKey, entry := range entries {
			key := m.resolver.Canonicalize(string(rawKey), p.owner)
			if entry.SpawnedBy != "" {
				entry.SpawnedBy = m.resolver.Canonicalize(string(entry.SpawnedBy), p.owner)
			}
			existing, ok := merged[key]
			if !ok {
				merged[key] = entry
				continue
			}
			if entry.UpdatedAt > existing.UpdatedAt {
				merged[key] = entry
			} else if entry.UpdatedAt == existing.UpdatedAt && keyAgent(key) == p.owner {
				merged[key] = entry
			}
		}
	}
	return merged, nil
}

// keyAgent extracts the agent id embedded in a canonical "agent:<id>:<rest>"
// key, or "" for global/unknown keys.
func keyAgent(key types.SessionKey) types.AgentID {
	s := string(key)
	if !strings.HasPrefix(s, agentPrefix) {
		return ""
	}
	rest := s[len(agentPrefix):]
	if i := strings.Index(rest, ":"); i > 0 {
		return types.AgentID(rest[:i])
	}
	return ""
}
