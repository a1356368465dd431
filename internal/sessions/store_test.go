// internal/sessions/store_test.go
package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/user/gateclaw/internal/types"
)

func writeStoreFile(t *testing.T, path string, entries map[string]*types.SessionEntry) {
	t.Helper()
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestStoreGetPrefersExactThenLegacy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	// One session written twice under different historical spellings.
	writeStoreFile(t, path, map[string]*types.SessionEntry{
		"agent:main:whatsapp:dm:+1555": {SessionID: "abc", UpdatedAt: 100},
		"Agent:Main:WhatsApp:DM:+1555": {SessionID: "abc-old", UpdatedAt: 50},
	})

	r := NewResolver(ResolverConfig{
		DefaultAgent:  "main",
		Agents:        []types.AgentID{"main"},
		StoreTemplate: path,
	})
	res, err := r.Resolve("whatsapp:dm:+1555")
	if err != nil {
		t.Fatal(err)
	}

	store := NewStore(path)
	entry, foundKey, err := store.Get(res)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.SessionID != "abc" {
		t.Fatalf("expected the updatedAt:100 entry, got %+v", entry)
	}
	if foundKey != res.CanonicalKey {
		t.Errorf("expected exact canonical match, found under %q", foundKey)
	}
}

func TestStoreGetCaseInsensitiveFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	writeStoreFile(t, path, map[string]*types.SessionEntry{
		"Agent:Main:Telegram:DM:42": {SessionID: "legacy", UpdatedAt: 10},
	})

	r := NewResolver(ResolverConfig{
		DefaultAgent:  "main",
		Agents:        []types.AgentID{"main"},
		StoreTemplate: path,
	})
	res, err := r.Resolve("telegram:dm:42")
	if err != nil {
		t.Fatal(err)
	}

	entry, foundKey, err := NewStore(path).Get(res)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.SessionID != "legacy" {
		t.Fatalf("expected legacy entry, got %+v", entry)
	}
	if foundKey != "Agent:Main:Telegram:DM:42" {
		t.Errorf("expected legacy key, got %q", foundKey)
	}
}

func TestStoreUpdateConsolidatesLegacyKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	writeStoreFile(t, path, map[string]*types.SessionEntry{
		"Agent:Main:Telegram:DM:42": {SessionID: "legacy", UpdatedAt: 10, Label: "old"},
	})

	r := NewResolver(ResolverConfig{
		DefaultAgent:  "main",
		Agents:        []types.AgentID{"main"},
		StoreTemplate: path,
	})
	res, err := r.Resolve("telegram:dm:42")
	if err != nil {
		t.Fatal(err)
	}

	store := NewStore(path)
	updated, err := store.Update(res, func(e *types.SessionEntry) {
		e.LastChannel = "telegram"
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.SessionID != "legacy" || updated.Label != "old" {
		t.Errorf("update must mutate the existing entry, got %+v", updated)
	}

	entries, err := store.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one consolidated entry, got %d", len(entries))
	}
	if _, ok := entries[res.CanonicalKey]; !ok {
		t.Errorf("entry not re-keyed under canonical key, have %v", keysOf(entries))
	}
}

func TestStoreUpdatePrunesCoexistingDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	// Canonical and legacy-cased spellings of the same session side by side:
	// the exact match wins the lookup, but the consolidating write must prune
	// the duplicate too.
	writeStoreFile(t, path, map[string]*types.SessionEntry{
		"agent:main:telegram:dm:42": {SessionID: "current", UpdatedAt: 100},
		"Agent:Main:Telegram:DM:42": {SessionID: "stale", UpdatedAt: 50},
	})

	r := NewResolver(ResolverConfig{
		DefaultAgent:  "main",
		Agents:        []types.AgentID{"main"},
		StoreTemplate: path,
	})
	res, err := r.Resolve("telegram:dm:42")
	if err != nil {
		t.Fatal(err)
	}

	store := NewStore(path)
	updated, err := store.Update(res, func(e *types.SessionEntry) {})
	if err != nil {
		t.Fatal(err)
	}
	if updated.SessionID != "current" {
		t.Errorf("exact canonical match must win, got %+v", updated)
	}

	entries, err := store.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry after consolidating write, have %v", keysOf(entries))
	}
	if _, ok := entries[res.CanonicalKey]; !ok {
		t.Errorf("surviving entry not under canonical key, have %v", keysOf(entries))
	}
}

func TestStoreUpdateCreatesAndAdvancesClock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	r := NewResolver(ResolverConfig{
		DefaultAgent:  "main",
		Agents:        []types.AgentID{"main"},
		StoreTemplate: path,
	})
	res, err := r.Resolve("discord:dm:9")
	if err != nil {
		t.Fatal(err)
	}

	store := NewStore(path)
	first, err := store.Update(res, func(e *types.SessionEntry) {})
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID == "" {
		t.Error("created entry missing session id")
	}
	second, err := store.Update(res, func(e *types.SessionEntry) {})
	if err != nil {
		t.Fatal(err)
	}
	if second.UpdatedAt <= first.UpdatedAt {
		t.Errorf("updatedAt must advance: %d then %d", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestStoreDeleteLegacy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	writeStoreFile(t, path, map[string]*types.SessionEntry{
		"agent:main:x:1": {SessionID: "a", UpdatedAt: 1},
		"Agent:Main:X:1": {SessionID: "b", UpdatedAt: 2},
	})

	store := NewStore(path)
	if err := store.Delete("Agent:Main:X:1", "nope"); err != nil {
		t.Fatal(err)
	}
	entries, err := store.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry after delete, got %d", len(entries))
	}
}

func keysOf(m map[types.SessionKey]*types.SessionEntry) []types.SessionKey {
	var ks []types.SessionKey
	for k := range m {
		ks = append(ks, k)
	}
	return ks
}
