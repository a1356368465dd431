// internal/sessions/key_test.go
package sessions

import (
	"testing"

	"github.com/user/gateclaw/internal/types"
)

func testResolver() *Resolver {
	return NewResolver(ResolverConfig{
		DefaultAgent:  "main",
		Agents:        []types.AgentID{"main", "work"},
		StoreTemplate: "/tmp/sessions-{agent}.json",
	})
}

func TestResolveCanonicalForms(t *testing.T) {
	r := testResolver()

	tests := []struct {
		raw   string
		want  types.SessionKey
		agent types.AgentID
	}{
		{"global", "global", "main"},
		{"Unknown", "unknown", "main"},
		{"whatsapp:dm:+1555", "agent:main:whatsapp:dm:+1555", "main"},
		{"WhatsApp:DM:+1555", "agent:main:whatsapp:dm:+1555", "main"},
		{"agent:work:telegram:dm:42", "agent:work:telegram:dm:42", "work"},
		{"Agent:Work:Telegram:DM:42", "agent:work:telegram:dm:42", "work"},
		{"main", "agent:main:main", "main"},
		{"agent:work:main", "agent:work:main", "work"},
	}

	for _, tt := range tests {
		res, err := r.Resolve(tt.raw)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.raw, err)
			continue
		}
		if res.CanonicalKey != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.raw, res.CanonicalKey, tt.want)
		}
		if res.AgentID != tt.agent {
			t.Errorf("Resolve(%q) agent = %q, want %q", tt.raw, res.AgentID, tt.agent)
		}
	}
}

func TestResolveCaseVariantsAgree(t *testing.T) {
	r := testResolver()
	variants := []string{
		"whatsapp:dm:+1555",
		"WHATSAPP:DM:+1555",
		"agent:main:whatsapp:dm:+1555",
		"Agent:Main:WhatsApp:DM:+1555",
	}
	first, err := r.Resolve(variants[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range variants[1:] {
		res, err := r.Resolve(v)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", v, err)
		}
		if res.CanonicalKey != first.CanonicalKey {
			t.Errorf("Resolve(%q) = %q, want %q", v, res.CanonicalKey, first.CanonicalKey)
		}
	}
}

func TestResolveMainAliasTable(t *testing.T) {
	r := NewResolver(ResolverConfig{
		DefaultAgent:  "main",
		Agents:        []types.AgentID{"main"},
		MainRests:     map[types.AgentID]string{"main": "whatsapp:dm:owner"},
		StoreTemplate: "/tmp/sessions.json",
	})

	res, err := r.Resolve("main")
	if err != nil {
		t.Fatal(err)
	}
	if res.CanonicalKey != "agent:main:whatsapp:dm:owner" {
		t.Fatalf("main alias resolved to %q", res.CanonicalKey)
	}

	// The historical unaliased spelling must be offered as a legacy candidate.
	found := false
	for _, cand := range res.LegacyCandidates {
		if cand == "agent:main:main" {
			found = true
		}
	}
	if !found {
		t.Errorf("legacy candidates %v missing agent:main:main", res.LegacyCandidates)
	}
}

func TestResolveRawInputIsLegacyCandidate(t *testing.T) {
	r := testResolver()
	res, err := r.Resolve("WhatsApp:DM:+1555")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, cand := range res.LegacyCandidates {
		if cand == "WhatsApp:DM:+1555" {
			found = true
		}
	}
	if !found {
		t.Errorf("legacy candidates %v missing raw input", res.LegacyCandidates)
	}
}

func TestResolveErrors(t *testing.T) {
	r := testResolver()
	for _, raw := range []string{"", "agent:ghost:telegram:dm:1", "agent::x", "agent:main:"} {
		_, err := r.Resolve(raw)
		if err == nil {
			t.Errorf("Resolve(%q): expected error", raw)
			continue
		}
		if types.KindOf(err) != types.ErrInvalidRequest {
			t.Errorf("Resolve(%q): expected INVALID_REQUEST, got %v", raw, err)
		}
	}
}

func TestStorePathTemplate(t *testing.T) {
	r := testResolver()
	if got := r.StorePath("work"); got != "/tmp/sessions-work.json" {
		t.Errorf("StorePath(work) = %q", got)
	}
	if r.SharedStore() {
		t.Error("templated path should not report a shared store")
	}

	shared := NewResolver(ResolverConfig{
		DefaultAgent:  "main",
		Agents:        []types.AgentID{"main"},
		StoreTemplate: "/tmp/sessions.json",
	})
	if !shared.SharedStore() {
		t.Error("plain path should report a shared store")
	}
}
