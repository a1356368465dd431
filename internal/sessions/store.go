// internal/sessions/store.go
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/gateclaw/internal/types"
)

// Store is a JSON-file-backed map from canonical SessionKey to SessionEntry.
// One Store instance owns one partition file; writes go through a
// read-modify-write cycle under the store mutex with an atomic tmp+rename.
type Store struct {
	path string
	mu   sync.RWMutex
}

// NewStore creates a Store backed by the given file. The file is created on
// first write.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the partition file path.
func (s *Store) Path() string { return s.path }

func (s *Store) load() (map[types.SessionKey]*types.SessionEntry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.SessionKey]*types.SessionEntry), nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	entries := make(map[types.SessionKey]*types.SessionEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal session store %s: %w", s.path, err)
	}
	return entries, nil
}

func (s *Store) save(entries map[types.SessionKey]*types.SessionEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	// Atomic write: temp file then rename.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp store: %w", err)
	}
	return nil
}

// findKey locates the store key holding the session: exact canonical match
// first, then a case-insensitive scan over the canonical key and every legacy
// candidate. The scan lets data written under an old case or alias be found
// without a migration step.
func findKey(entries map[types.SessionKey]*types.SessionEntry, canonical types.SessionKey, legacy []types.SessionKey) (types.SessionKey, bool) {
	if _, ok := entries[canonical]; ok {
		return canonical, true
	}
	candidates := append([]types.SessionKey{canonical}, legacy...)
	for _, cand := range candidates {
		want := strings.ToLower(string(cand))
		for key := range entries {
			if strings.ToLower(string(key)) == want {
				return key, true
			}
		}
	}
	return "", false
}

// Get returns the entry for the resolved session, along with the store key it
// was found under (which may be a legacy spelling). Returns (nil, "", nil)
// when no entry exists.
func (s *Store) Get(res *Resolution) (*types.SessionEntry, types.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.load()
	if err != nil {
		return nil, "", err
	}
	key, ok := findKey(entries, res.CanonicalKey, res.LegacyCandidates)
	if !ok {
		return nil, "", nil
	}
	return entries[key].Clone(), key, nil
}

// Update applies mutate to the session's entry under the store lock, creating
// the entry on first write, and persists the result under the canonical key.
// Any legacy-spelled duplicates of the session are removed by the same write
// so repeated lookups converge on one entry. UpdatedAt advances to now but
// never decreases.
func (s *Store) Update(res *Resolution, mutate func(*types.SessionEntry)) (*types.SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}

	var entry *types.SessionEntry
	if key, ok := findKey(entries, res.CanonicalKey, res.LegacyCandidates); ok {
		entry = entries[key]
	} else {
		entry = &types.SessionEntry{SessionID: types.NewSessionID()}
	}

	// Prune every spelling of this session, not just the one the lookup
	// found, so the write below leaves exactly one entry under the
	// canonical key even when canonical and legacy spellings coexist.
	for _, cand := range append([]types.SessionKey{res.CanonicalKey}, res.LegacyCandidates...) {
		want := strings.ToLower(string(cand))
		for key := range entries {
			if strings.ToLower(string(key)) == want {
				delete(entries, key)
			}
		}
	}

	mutate(entry)

	now := time.Now().UnixMilli()
	if now <= entry.UpdatedAt {
		now = entry.UpdatedAt + 1
	}
	entry.UpdatedAt = now
	entries[res.CanonicalKey] = entry

	if err := s.save(entries); err != nil {
		return nil, err
	}
	return entry.Clone(), nil
}

// Delete removes the given keys (exact match) from the store. Missing keys
// are ignored. Used to prune superseded legacy spellings.
func (s *Store) Delete(keys ...types.SessionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	changed := false
	for _, key := range keys {
		if _, ok := entries[key]; ok {
			delete(entries, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.save(entries)
}

// Entries returns a copy of every entry in the partition.
func (s *Store) Entries() (map[types.SessionKey]*types.SessionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[types.SessionKey]*types.SessionEntry, len(entries))
	for k, e := range entries {
		out[k] = e.Clone()
	}
	return out, nil
}
