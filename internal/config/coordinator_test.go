package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/gateclaw/internal/types"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	return NewCoordinator(filepath.Join(t.TempDir(), "config.json"))
}

func TestCoordinatorGetWritesDefaults(t *testing.T) {
	c := newTestCoordinator(t)
	snap, err := c.Get()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Hash == "" {
		t.Error("snapshot missing hash")
	}
	if snap.Config.DefaultAgent != "main" {
		t.Errorf("default agent = %q", snap.Config.DefaultAgent)
	}
}

func TestCoordinatorSetRoundTrip(t *testing.T) {
	c := newTestCoordinator(t)
	snap, err := c.Get()
	if err != nil {
		t.Fatal(err)
	}

	next, err := c.Set(map[string]any{"log_level": "debug"}, snap.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if next.Config.LogLevel != "debug" {
		t.Errorf("log level = %q after set", next.Config.LogLevel)
	}
	if next.Hash == snap.Hash {
		t.Error("hash must change after a write")
	}
	// The previously returned snapshot must be untouched.
	if snap.Config.LogLevel == "debug" {
		t.Error("set mutated an old snapshot")
	}
}

func TestCoordinatorSetStaleHash(t *testing.T) {
	c := newTestCoordinator(t)
	snap, err := c.Get()
	if err != nil {
		t.Fatal(err)
	}

	// First writer wins.
	if _, err := c.Set(map[string]any{"log_level": "warn"}, snap.Hash); err != nil {
		t.Fatal(err)
	}

	// Second writer presents the old hash and must be rejected, even though
	// the patch itself is perfectly valid.
	_, err = c.Set(map[string]any{"log_level": "error"}, snap.Hash)
	if err == nil {
		t.Fatal("expected stale-hash rejection")
	}
	if types.KindOf(err) != types.ErrInvalidRequest {
		t.Errorf("expected INVALID_REQUEST, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "stale") && !strings.Contains(msg, "changed") {
		t.Errorf("error should mention stale/changed: %q", msg)
	}
}

func TestCoordinatorSetInvalidPatch(t *testing.T) {
	c := newTestCoordinator(t)
	snap, err := c.Get()
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Set(map[string]any{"log_level": "loud"}, snap.Hash)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if types.KindOf(err) != types.ErrInvalidRequest {
		t.Errorf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestCoordinatorBroadcast(t *testing.T) {
	c := newTestCoordinator(t)
	var got ChangeEvent
	fired := 0
	c.Subscribe(func(ev ChangeEvent) {
		got = ev
		fired++
	})

	snap, err := c.Get()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Set(map[string]any{"log_level": "debug"}, snap.Hash); err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Fatalf("expected one change event, got %d", fired)
	}
	if got.Snapshot.Config.LogLevel != "debug" {
		t.Errorf("event carries stale config: %q", got.Snapshot.Config.LogLevel)
	}
	if _, ok := got.Patch["log_level"]; !ok {
		t.Error("event missing patch keys")
	}
}

func TestSetDefaultModelsCatalogCheck(t *testing.T) {
	c := newTestCoordinator(t)
	snap, err := c.Get()
	if err != nil {
		t.Fatal(err)
	}
	snap, err = c.Set(map[string]any{"models.catalog": []string{"gpt-4o", "gpt-4o-mini"}}, snap.Hash)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.SetDefaultModels("llama-9", nil, snap.Hash, false); err == nil {
		t.Fatal("expected unknown-model rejection")
	} else if types.KindOf(err) != types.ErrInvalidRequest {
		t.Errorf("expected INVALID_REQUEST, got %v", err)
	}

	got, err := c.SetDefaultModels("llama-9", nil, snap.Hash, true)
	if err != nil {
		t.Fatalf("allowUnknown should bypass the catalog: %v", err)
	}
	if got.Primary != "llama-9" {
		t.Errorf("primary = %q", got.Primary)
	}

	fresh, err := c.GetDefaultModels()
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Primary != "llama-9" || fresh.ConfigHash != got.ConfigHash {
		t.Errorf("get after set mismatch: %+v vs %+v", fresh, got)
	}
}
