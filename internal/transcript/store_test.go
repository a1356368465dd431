// internal/transcript/store_test.go
package transcript

import (
	"context"
	"testing"

	"github.com/user/gateclaw/internal/types"
)

func TestAppendAndRead(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()
	id := types.SessionID("sess-1")

	for _, text := range []string{"hello", "world", "again"} {
		if err := store.Append(ctx, id, &types.Message{Role: "user", Content: text}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := store.Messages(ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[2].Content != "again" {
		t.Errorf("messages out of order: %q .. %q", msgs[0].Content, msgs[2].Content)
	}

	tail, err := store.Messages(ctx, id, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Content != "world" {
		t.Errorf("tail wrong: %+v", tail)
	}
}

func TestAppendIdempotentByID(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()
	id := types.SessionID("sess-1")

	msg := &types.Message{ID: "run-7:abort", Role: "assistant", Content: "partial"}
	if err := store.Append(ctx, id, msg); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, id, &types.Message{ID: "run-7:abort", Role: "assistant", Content: "partial"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := store.Messages(ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("duplicate ID must append once, got %d messages", len(msgs))
	}
}

func TestAppendIdempotentAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	id := types.SessionID("sess-1")

	first := NewStore(dir)
	if err := first.Append(ctx, id, &types.Message{ID: "m1", Role: "user", Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	// A fresh store over the same root must rediscover the written ID.
	second := NewStore(dir)
	if err := second.Append(ctx, id, &types.Message{ID: "m1", Role: "user", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	msgs, err := second.Messages(ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after reopen, got %d", len(msgs))
	}
}

func TestSessionFiles(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	if files, err := store.SessionFiles(); err != nil || files != nil {
		t.Fatalf("empty root: files=%v err=%v", files, err)
	}

	for _, id := range []types.SessionID{"a", "b"} {
		if err := store.Append(ctx, id, &types.Message{Role: "user", Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	files, err := store.SessionFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 transcript files, got %d", len(files))
	}
}
