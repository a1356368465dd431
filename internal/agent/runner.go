// internal/agent/runner.go
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/gateclaw/internal/config"
	"github.com/user/gateclaw/internal/types"
	"github.com/user/gateclaw/pkg/llm"
)

// historyTail caps how many transcript messages are considered for the
// prompt; the token budget prunes further.
const historyTail = 200

// Runner is the default LLM-backed agent: it rebuilds the conversation from
// the session transcript under a token budget and streams the model's reply.
type Runner struct {
	providers   map[string]llm.Provider
	transcripts types.TranscriptStore
	cfg         func() *config.Config
	prompt      *PromptBuilder
}

// NewRunner wires the default agent runner. providers maps provider names
// ("openai") to clients; cfg is consulted per run for the system defaults.
func NewRunner(providers map[string]llm.Provider, transcripts types.TranscriptStore, cfg func() *config.Config, prompt *PromptBuilder) *Runner {
	return &Runner{
		providers:   providers,
		transcripts: transcripts,
		cfg:         cfg,
		prompt:      prompt,
	}
}

func (r *Runner) provider(name string) (llm.Provider, error) {
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	if p, ok := r.providers[r.cfg().LLM.Provider]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no provider registered for %q", name)
}

func systemPrompt(agentID types.AgentID) string {
	return fmt.Sprintf("You are %s, a personal assistant reachable over chat. "+
		"Be concise; answer in plain text or markdown.", agentID)
}

// Run executes one chat turn. The returned channel closes after a Final or
// Err event; cancellation is observed through ctx and still settles the
// stream.
func (r *Runner) Run(ctx context.Context, req types.AgentRequest) (<-chan types.AgentEvent, error) {
	provider, err := r.provider(req.Provider)
	if err != nil {
		return nil, err
	}

	history, err := r.transcripts.Messages(ctx, req.SessionID, historyTail)
	if err != nil {
		slog.Warn("transcript read failed, running without history",
			"session_id", req.SessionID, "error", err)
		history = nil
	}
	// The dispatcher appends the current user message before invoking the
	// runner; drop it so the prompt does not carry it twice.
	if n := len(history); n > 0 && history[n-1].Role == "user" && history[n-1].Content == req.Message {
		history = history[:n-1]
	}

	messages := r.prompt.Build(systemPrompt(req.AgentID), history, req.Message)

	out := make(chan types.AgentEvent, 16)
	go func() {
		defer close(out)
		start := time.Now()

		events, err := provider.Stream(ctx, llm.Request{Model: req.Model, Messages: messages})
		if err != nil {
			out <- types.AgentEvent{Err: fmt.Errorf("start completion: %w", err)}
			return
		}

		for ev := range events {
			switch {
			case ev.Delta != "":
				out <- types.AgentEvent{Delta: ev.Delta}
			case ev.Response != nil:
				out <- types.AgentEvent{Final: r.result(req, ev.Response, messages, start)}
				return
			case ev.Err != nil:
				if ctx.Err() != nil {
					out <- types.AgentEvent{Err: ctx.Err()}
				} else {
					out <- types.AgentEvent{Err: ev.Err}
				}
				return
			}
		}
		out <- types.AgentEvent{Err: fmt.Errorf("provider stream ended without response")}
	}()
	return out, nil
}

// result converts the provider response, estimating usage locally when the
// backend did not report it.
func (r *Runner) result(req types.AgentRequest, resp *llm.Response, messages []llm.Message, start time.Time) *types.AgentResult {
	usage := resp.Usage
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		for _, m := range messages {
			usage.InputTokens += r.prompt.CountTokens(m.Content)
		}
		usage.OutputTokens = r.prompt.CountTokens(resp.Content)
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return &types.AgentResult{
		Text:         resp.Content,
		Model:        model,
		Provider:     orDefault(req.Provider, r.cfg().LLM.Provider),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		DurationMs:   time.Since(start).Milliseconds(),
	}
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
