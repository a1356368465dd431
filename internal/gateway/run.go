// internal/gateway/run.go
package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/user/gateclaw/internal/sessions"
	"github.com/user/gateclaw/internal/types"
)

// ChatRun tracks one in-flight chat turn. The run id doubles as the caller's
// idempotency key for chat.send; server-initiated turns get a generated id.
// The text buffer accumulates streamed deltas and is only read while the run
// is active (final payload assembly, partial persistence on abort).
type ChatRun struct {
	ID          types.RunID
	SessionKey  types.SessionKey
	Resolution  *sessions.Resolution
	StartedAtMs int64
	ExpiresAtMs int64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	buffer   strings.Builder
	seq      int
	sawDelta bool
	settled  bool
}

func newChatRun(parent context.Context, id types.RunID, res *sessions.Resolution, startedAt, expiresAt int64) *ChatRun {
	ctx, cancel := context.WithCancel(parent)
	return &ChatRun{
		ID:          id,
		SessionKey:  res.CanonicalKey,
		Resolution:  res,
		StartedAtMs: startedAt,
		ExpiresAtMs: expiresAt,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Cancel flips the run's cancellation token. Cooperative: the in-flight agent
// invocation observes the context, nothing is forcibly killed.
func (r *ChatRun) Cancel() {
	r.cancel()
}

// Cancelled reports whether the token has been flipped.
func (r *ChatRun) Cancelled() bool {
	return r.ctx.Err() != nil
}

// appendDelta buffers one streamed fragment and assigns it the next sequence
// number. Returns ok=false once the run has settled: an abort publishes the
// final event immediately, so fragments the agent emits before it observes
// cancellation must not follow it onto the wire.
func (r *ChatRun) appendDelta(text string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return r.seq, false
	}
	r.buffer.WriteString(text)
	r.sawDelta = true
	r.seq++
	return r.seq, true
}

// nextSeq assigns a sequence number without buffering (final/error events).
func (r *ChatRun) nextSeq() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// bufferedText returns everything streamed so far.
func (r *ChatRun) bufferedText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer.String()
}

func (r *ChatRun) sawAnyDelta() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sawDelta
}

// markSettled flips the run to settled exactly once; the second caller gets
// false. Serializes the abort-races-completion pair.
func (r *ChatRun) markSettled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return false
	}
	r.settled = true
	return true
}

// RunInfo is the bookkeeping view of an active run.
type RunInfo struct {
	RunID       types.RunID      `json:"runId"`
	SessionKey  types.SessionKey `json:"sessionKey"`
	StartedAtMs int64            `json:"startedAtMs"`
	ExpiresAtMs int64            `json:"expiresAtMs"`
	Stale       bool             `json:"stale"`
}
