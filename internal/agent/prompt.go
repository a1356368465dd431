// internal/agent/prompt.go
package agent

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/gateclaw/internal/types"
	"github.com/user/gateclaw/pkg/llm"
)

// PromptBuilder assembles token-budgeted prompts from the session transcript.
type PromptBuilder struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// NewPromptBuilder creates a prompt builder. model selects the tokenizer
// (unknown models fall back to cl100k_base); maxTokens is the context window,
// reserve is held back for the model's response.
func NewPromptBuilder(model string, maxTokens, reserve int) (*PromptBuilder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &PromptBuilder{tokenizer: enc, maxTokens: maxTokens, reserve: reserve}, nil
}

func (b *PromptBuilder) countTokens(text string) int {
	return len(b.tokenizer.Encode(text, nil, nil))
}

// CountTokens exposes the tokenizer for usage estimation.
func (b *PromptBuilder) CountTokens(text string) int {
	return b.countTokens(text)
}

// Build assembles the message list: system prompt, then as much of the
// transcript tail as the budget allows (newest first, emitted oldest first),
// then the current user message. The current message is always included even
// when it blows the budget; the provider enforces the hard cap.
func (b *PromptBuilder) Build(systemPrompt string, history []*types.Message, userMessage string) []llm.Message {
	budget := b.maxTokens - b.reserve
	budget -= b.countTokens(systemPrompt)
	budget -= b.countTokens(userMessage)

	var tail []llm.Message
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if m.Content == "" {
			continue
		}
		cost := b.countTokens(m.Content)
		if cost > budget {
			break
		}
		budget -= cost
		tail = append(tail, llm.Message{Role: m.Role, Content: m.Content})
	}

	messages := make([]llm.Message, 0, len(tail)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	for i := len(tail) - 1; i >= 0; i-- {
		messages = append(messages, tail[i])
	}
	messages = append(messages, llm.Message{Role: "user", Content: userMessage})
	return messages
}
