// internal/sessions/key.go
package sessions

import (
	"strings"

	"github.com/user/gateclaw/internal/types"
)

// Reserved keys that pass through canonicalization unchanged.
const (
	KeyGlobal  = "global"
	KeyUnknown = "unknown"
)

const agentPrefix = "agent:"

// Resolution is the result of canonicalizing a raw session key.
type Resolution struct {
	AgentID      types.AgentID
	StorePath    string
	CanonicalKey types.SessionKey

	// LegacyCandidates are alternate spellings under which historical data
	// for the same session may exist on disk: the raw input as given and,
	// for an agent's main session, the unaliased "agent:<id>:main" form.
	// Callers may delete these keys once the canonical entry is written.
	LegacyCandidates []types.SessionKey
}

// Resolver canonicalizes client-supplied session keys and maps each agent to
// its store partition.
type Resolver struct {
	defaultAgent  types.AgentID
	agents        map[types.AgentID]bool
	mainAlias     string
	mainRests     map[types.AgentID]string
	storeTemplate string
}

// ResolverConfig configures a Resolver. MainAlias defaults to "main".
// MainRests optionally maps an agent to the rest-path of its main session;
// agents without an entry use the alias itself as the rest-path.
// StoreTemplate is the session store path, with "{agent}" substituted per
// agent when present.
type ResolverConfig struct {
	DefaultAgent  types.AgentID
	Agents        []types.AgentID
	MainAlias     string
	MainRests     map[types.AgentID]string
	StoreTemplate string
}

func NewResolver(cfg ResolverConfig) *Resolver {
	agents := make(map[types.AgentID]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents[types.AgentID(strings.ToLower(string(a)))] = true
	}
	alias := cfg.MainAlias
	if alias == "" {
		alias = "main"
	}
	rests := make(map[types.AgentID]string, len(cfg.MainRests))
	for a, rest := range cfg.MainRests {
		rests[types.AgentID(strings.ToLower(string(a)))] = strings.ToLower(rest)
	}
	return &Resolver{
		defaultAgent:  types.AgentID(strings.ToLower(string(cfg.DefaultAgent))),
		agents:        agents,
		mainAlias:     strings.ToLower(alias),
		mainRests:     rests,
		storeTemplate: cfg.StoreTemplate,
	}
}

// DefaultAgent returns the configured default agent id.
func (r *Resolver) DefaultAgent() types.AgentID { return r.defaultAgent }

// Agents returns the configured agent ids.
func (r *Resolver) Agents() []types.AgentID {
	out := make([]types.AgentID, 0, len(r.agents))
	for a := range r.agents {
		out = append(out, a)
	}
	return out
}

// MainKey returns the canonical main-session key for an agent.
func (r *Resolver) MainKey(agent types.AgentID) types.SessionKey {
	rest, ok := r.mainRests[agent]
	if !ok || rest == "" {
		rest = r.mainAlias
	}
	return types.SessionKey(agentPrefix + string(agent) + ":" + rest)
}

// StorePath returns the store partition path for an agent. When the template
// carries no "{agent}" placeholder all agents share one file.
func (r *Resolver) StorePath(agent types.AgentID) string {
	return strings.ReplaceAll(r.storeTemplate, "{agent}", string(agent))
}

// SharedStore reports whether all agents share a single store file.
func (r *Resolver) SharedStore() bool {
	return !strings.Contains(r.storeTemplate, "{agent}")
}

// Resolve canonicalizes rawKey per the session key grammar: "global" and
// "unknown" pass through; "agent:<id>:<rest>" keeps its agent; anything else
// is scoped to the default agent, with the configured main alias mapping to
// the agent's main-session key.
func (r *Resolver) Resolve(rawKey string) (*Resolution, error) {
	raw := strings.TrimSpace(rawKey)
	if raw == "" {
		return nil, types.InvalidRequest("empty session key")
	}
	lowered := strings.ToLower(raw)

	if lowered == KeyGlobal || lowered == KeyUnknown {
		return &Resolution{
			AgentID:          r.defaultAgent,
			StorePath:        r.StorePath(r.defaultAgent),
			CanonicalKey:     types.SessionKey(lowered),
			LegacyCandidates: legacyCandidates(raw, types.SessionKey(lowered), nil),
		}, nil
	}

	agent := r.defaultAgent
	rest := lowered
	if strings.HasPrefix(lowered, agentPrefix) {
		parts := strings.SplitN(lowered[len(agentPrefix):], ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, types.InvalidRequest("malformed session key %q", rawKey)
		}
		agent = types.AgentID(parts[0])
		rest = parts[1]
	}
	if !r.agents[agent] {
		return nil, types.InvalidRequest("unknown agent %q in session key %q", agent, rawKey)
	}

	var canonical types.SessionKey
	if rest == r.mainAlias {
		canonical = r.MainKey(agent)
	} else {
		canonical = types.SessionKey(agentPrefix + string(agent) + ":" + rest)
	}

	var extra []types.SessionKey
	if canonical == r.MainKey(agent) {
		extra = append(extra, types.SessionKey(agentPrefix+string(agent)+":main"))
	}

	return &Resolution{
		AgentID:          agent,
		StorePath:        r.StorePath(agent),
		CanonicalKey:     canonical,
		LegacyCandidates: legacyCandidates(raw, canonical, extra),
	}, nil
}

// Canonicalize resolves rawKey relative to the given agent instead of the
// default one. Used when re-keying entries of an agent-owned store, e.g. the
// spawnedBy field during a combined-view merge.
func (r *Resolver) Canonicalize(rawKey string, owner types.AgentID) types.SessionKey {
	raw := strings.ToLower(strings.TrimSpace(rawKey))
	if raw == "" || raw == KeyGlobal || raw == KeyUnknown {
		return types.SessionKey(raw)
	}
	if strings.HasPrefix(raw, agentPrefix) {
		return types.SessionKey(raw)
	}
	if raw == r.mainAlias {
		return r.MainKey(owner)
	}
	return types.SessionKey(agentPrefix + string(owner) + ":" + raw)
}

func legacyCandidates(raw string, canonical types.SessionKey, extra []types.SessionKey) []types.SessionKey {
	seen := map[types.SessionKey]bool{canonical: true}
	var out []types.SessionKey
	for _, cand := range append([]types.SessionKey{types.SessionKey(raw)}, extra...) {
		if seen[cand] {
			continue
		}
		seen[cand] = true
		out = append(out, cand)
	}
	return out
}
