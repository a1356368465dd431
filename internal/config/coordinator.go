package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/user/gateclaw/internal/types"
)

// Snapshot is one consistent read of the configuration document. Hash is the
// optimistic-concurrency token: every mutation must present the hash of the
// document it was based on.
type Snapshot struct {
	Config *Config
	Hash   string
	Path   string
}

// ChangeEvent is fanned out to subscribers after a successful Set.
type ChangeEvent struct {
	Snapshot *Snapshot
	// Patch holds the dot-separated keys that were written.
	Patch map[string]any
}

// Coordinator mutates the shared JSON configuration document under optimistic
// concurrency control. Concurrent writers race to be first; all but the
// winner get a stale-hash INVALID_REQUEST and must re-read and retry.
type Coordinator struct {
	path string

	mu          sync.Mutex
	subscribers []func(ChangeEvent)
}

func NewCoordinator(path string) *Coordinator {
	return &Coordinator{path: path}
}

// Subscribe registers a callback invoked after every successful Set. The
// callback runs synchronously on the writer's goroutine; keep it cheap.
func (c *Coordinator) Subscribe(fn func(ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// readRaw returns the on-disk document bytes, materializing defaults on first
// run so a hash always exists.
func (c *Coordinator) readRaw() ([]byte, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		if err := writeDefaults(c.path, Defaults()); err != nil {
			return nil, err
		}
		data, err = os.ReadFile(c.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return data, nil
}

func (c *Coordinator) snapshot(raw []byte) (*Snapshot, error) {
	cfg := Defaults()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", c.path, err)
	}
	applyEnv(cfg)
	return &Snapshot{Config: cfg, Hash: hashOf(raw), Path: c.path}, nil
}

// Get returns the current configuration with its content hash.
func (c *Coordinator) Get() (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := c.readRaw()
	if err != nil {
		return nil, err
	}
	return c.snapshot(raw)
}

// Set merges a dot-key patch into the document iff baseHash matches the hash
// of the bytes currently on disk. The merge happens on a freshly unmarshalled
// document, so previously returned snapshots are never mutated. A nil patch
// value deletes the key.
func (c *Coordinator) Set(patch map[string]any, baseHash string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.readRaw()
	if err != nil {
		return nil, err
	}
	if current := hashOf(raw); current != baseHash {
		return nil, types.InvalidRequest("stale config hash: document changed since read")
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", c.path, err)
	}

	flat := Flatten(doc)
	for key, value := range patch {
		if value == nil {
			delete(flat, key)
			continue
		}
		flat[key] = value
	}
	merged := Unflatten(flat)

	next, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	next = append(next, '\n')

	// Shape validation happens on the typed struct, decoupled from the hash
	// check above.
	cfg := Defaults()
	if err := json.Unmarshal(next, cfg); err != nil {
		return nil, types.InvalidRequest("patch produces invalid config: %v", err)
	}
	if issues := Validate(cfg); len(issues) > 0 {
		return nil, types.InvalidRequest("invalid config: %s", issues[0])
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, next, 0o644); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("rename config: %w", err)
	}

	snap, err := c.snapshot(next)
	if err != nil {
		return nil, err
	}

	for _, fn := range c.subscribers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("config subscriber panicked", "panic", r)
				}
			}()
			fn(ChangeEvent{Snapshot: snap, Patch: patch})
		}()
	}
	return snap, nil
}

// DefaultModels describes the models.default view handed to clients.
type DefaultModels struct {
	Primary    string   `json:"primary"`
	Fallbacks  []string `json:"fallbacks,omitempty"`
	ConfigHash string   `json:"configHash"`
	SourcePath string   `json:"sourcePath"`
}

// GetDefaultModels reads the current default model selection.
func (c *Coordinator) GetDefaultModels() (*DefaultModels, error) {
	snap, err := c.Get()
	if err != nil {
		return nil, types.Unavailable(err, "read config")
	}
	return &DefaultModels{
		Primary:    snap.Config.Models.Primary,
		Fallbacks:  snap.Config.Models.Fallbacks,
		ConfigHash: snap.Hash,
		SourcePath: snap.Path,
	}, nil
}

// SetDefaultModels writes the default model selection. Unless allowUnknown,
// primary and every fallback must appear in the configured model catalog;
// this keeps catalog-membership validity separate from config-shape validity.
func (c *Coordinator) SetDefaultModels(primary string, fallbacks []string, baseHash string, allowUnknown bool) (*DefaultModels, error) {
	if primary == "" {
		return nil, types.InvalidRequest("primary model required")
	}

	if !allowUnknown {
		snap, err := c.Get()
		if err != nil {
			return nil, types.Unavailable(err, "read config")
		}
		catalog := snap.Config.Models.Catalog
		if len(catalog) > 0 {
			known := make(map[string]bool, len(catalog))
			for _, m := range catalog {
				known[m] = true
			}
			for _, m := range append([]string{primary}, fallbacks...) {
				if !known[m] {
					return nil, types.InvalidRequest("unknown model %q (set allowUnknown to bypass catalog check)", m)
				}
			}
		}
	}

	patch := map[string]any{
		"models.primary":   primary,
		"models.fallbacks": fallbacks,
	}
	snap, err := c.Set(patch, baseHash)
	if err != nil {
		return nil, err
	}
	return &DefaultModels{
		Primary:    snap.Config.Models.Primary,
		Fallbacks:  snap.Config.Models.Fallbacks,
		ConfigHash: snap.Hash,
		SourcePath: snap.Path,
	}, nil
}
