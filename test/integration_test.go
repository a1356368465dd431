//go:build integration

package test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/user/gateclaw/internal/agent"
	"github.com/user/gateclaw/internal/config"
	"github.com/user/gateclaw/internal/gateway"
	"github.com/user/gateclaw/internal/sessions"
	"github.com/user/gateclaw/internal/transcript"
	"github.com/user/gateclaw/internal/types"
	"github.com/user/gateclaw/pkg/llm"
)

// mockProvider streams a canned completion in two deltas.
type mockProvider struct {
	content string
}

func (m *mockProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: m.content, Model: req.Model}, nil
}

func (m *mockProvider) Stream(_ context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent, 3)
	half := len(m.content) / 2
	ch <- llm.StreamEvent{Delta: m.content[:half]}
	ch <- llm.StreamEvent{Delta: m.content[half:]}
	ch <- llm.StreamEvent{Response: &llm.Response{
		Content: m.content,
		Model:   req.Model,
		Usage:   llm.Usage{InputTokens: 12, OutputTokens: 5, TotalTokens: 17},
	}}
	close(ch)
	return ch, nil
}

func newStack(t *testing.T) (*gateway.Coordinator, *sessions.Manager) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Defaults()
	cfg.DataDir = dir
	cfgFn := func() *config.Config { return cfg }

	manager := sessions.NewManager(sessions.NewResolver(sessions.ResolverConfig{
		DefaultAgent:  "main",
		Agents:        []types.AgentID{"main"},
		StoreTemplate: cfg.SessionStorePath(),
	}))
	transcripts := transcript.NewStore(dir)

	prompt, err := agent.NewPromptBuilder("gpt-4o-mini", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	runner := agent.NewRunner(
		map[string]llm.Provider{"openai": &mockProvider{content: "Hello from the LLM!"}},
		transcripts, cfgFn, prompt,
	)

	chat := gateway.NewCoordinator(manager, transcripts, runner, nil, nil, cfgFn, 4)
	chat.Start(context.Background())
	t.Cleanup(chat.Stop)
	return chat, manager
}

func awaitResult(t *testing.T, chat *gateway.Coordinator, runID types.RunID) *gateway.SendResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := chat.Result(runID); ok {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not settle", runID)
	return nil
}

func TestEndToEnd(t *testing.T) {
	chat, manager := newStack(t)

	// Three turns on the same session, settled in order.
	for i := 0; i < 3; i++ {
		runID := types.NewRunID()
		ack, err := chat.Send("telegram:dm:42", fmt.Sprintf("message %d", i), gateway.SendOptions{
			IdempotencyKey: string(runID),
			Channel:        "telegram",
		})
		if err != nil {
			t.Fatal(err)
		}
		if ack.Status != "started" {
			t.Fatalf("turn %d: status = %q, want started", i, ack.Status)
		}
		res := awaitResult(t, chat, runID)
		if res.Text != "Hello from the LLM!" {
			t.Fatalf("turn %d: text = %q", i, res.Text)
		}
	}

	combined, err := manager.Combined()
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := combined["agent:main:telegram:dm:42"]
	if !ok {
		t.Fatalf("session missing from combined view: %v", combined)
	}
	if entry.InputTokens != 12 || entry.OutputTokens != 5 {
		t.Errorf("usage = %d/%d, want 12/5", entry.InputTokens, entry.OutputTokens)
	}

	// 3 user + 3 assistant messages, alternating, timestamps in order.
	h, err := chat.History("telegram:dm:42", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Messages) != 6 {
		t.Fatalf("history length = %d, want 6", len(h.Messages))
	}
	for i, msg := range h.Messages {
		want := "user"
		if i%2 == 1 {
			want = "assistant"
		}
		if msg.Role != want {
			t.Errorf("message %d role = %q, want %q", i, msg.Role, want)
		}
		if i > 0 && msg.Timestamp < h.Messages[i-1].Timestamp {
			t.Errorf("timestamps out of order at %d", i)
		}
	}
}

func TestEndToEndIdempotentReplay(t *testing.T) {
	chat, _ := newStack(t)

	runID := types.NewRunID()
	opts := gateway.SendOptions{IdempotencyKey: string(runID)}
	if _, err := chat.Send("global", "hello", opts); err != nil {
		t.Fatal(err)
	}
	awaitResult(t, chat, runID)

	replay, err := chat.Send("global", "hello", opts)
	if err != nil {
		t.Fatal(err)
	}
	if replay.Status != "ok" || !strings.Contains(replay.Text, "Hello") {
		t.Fatalf("replay = %+v, want cached ok result", replay)
	}

	h, err := chat.History("global", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Messages) != 2 {
		t.Fatalf("history length = %d, want 2 (replay must not re-run)", len(h.Messages))
	}
}
