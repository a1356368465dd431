// internal/gateway/dispatch.go
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/user/gateclaw/internal/config"
	"github.com/user/gateclaw/internal/sessions"
	"github.com/user/gateclaw/internal/types"
)

// resultCacheSize bounds the idempotency replay cache.
const resultCacheSize = 256

// Broadcaster fans chat events out to every subscriber of a session.
type Broadcaster interface {
	Publish(ev types.ChatEvent)
}

// SendOptions carries the optional fields of a chat.send call.
type SendOptions struct {
	IdempotencyKey string
	TimeoutMs      int64
	Channel        string
	To             string
	AccountID      string
	ThreadID       string

	// Model overrides the session's model for this turn only.
	Model string
}

// SendResult is the ack for chat.send. Status "started" begins streaming;
// "ok" replays a cached outcome (or reports a stop-command abort);
// "in_flight" means the same run id is already active.
type SendResult struct {
	RunID   types.RunID   `json:"runId"`
	Status  string        `json:"status"`
	Text    string        `json:"text,omitempty"`
	Aborted bool          `json:"aborted,omitempty"`
	RunIDs  []types.RunID `json:"runIds,omitempty"`
}

// AbortResult is the outcome of chat.abort.
type AbortResult struct {
	Aborted bool          `json:"aborted"`
	RunIDs  []types.RunID `json:"runIds"`
}

// Coordinator owns the lifecycle of chat turns: idempotent submission,
// streaming, cooperative cancellation with partial-result persistence, and
// final delivery. All check-then-act sequences on the active-run map and the
// result cache run under one mutex with no I/O in between.
type Coordinator struct {
	manager     *sessions.Manager
	transcripts types.TranscriptStore
	runner      types.AgentRunner
	deliver     types.Deliverer // nil when no channel adapters are registered
	broadcast   Broadcaster
	cfg         func() *config.Config
	retry       *RetryPolicy
	sem         *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[types.RunID]*ChatRun
	results *lru.Cache[string, *SendResult]
}

// NewCoordinator wires a Coordinator. cfg is called per operation so hot
// config reloads take effect without restarting the dispatcher.
func NewCoordinator(
	manager *sessions.Manager,
	transcripts types.TranscriptStore,
	runner types.AgentRunner,
	deliver types.Deliverer,
	broadcast Broadcaster,
	cfg func() *config.Config,
	maxConcurrent int64,
) *Coordinator {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	cache, _ := lru.New[string, *SendResult](resultCacheSize)
	return &Coordinator{
		manager:     manager,
		transcripts: transcripts,
		runner:      runner,
		deliver:     deliver,
		broadcast:   broadcast,
		cfg:         cfg,
		retry:       DefaultRetryPolicy(),
		sem:         semaphore.NewWeighted(maxConcurrent),
		active:      make(map[types.RunID]*ChatRun),
		results:     cache,
	}
}

// Start initialises the coordinator's root context. Runs are children of this
// context, not of the submitting RPC call, so a run outlives its request.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
}

// Stop cancels every active run and waits for settlement.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) publish(ev types.ChatEvent) {
	if c.broadcast != nil {
		c.broadcast.Publish(ev)
	}
}

// stopCommands are message bodies treated as an abort instead of being
// forwarded to the agent.
func isStopCommand(message string) bool {
	switch strings.ToLower(strings.TrimSpace(message)) {
	case "/stop", "stop":
		return true
	}
	return false
}

// Send submits one chat turn. The idempotency key doubles as the run id:
// a retry with the same key replays the first outcome without re-invoking
// the agent, and a key naming a still-active run acks "in_flight".
func (c *Coordinator) Send(rawKey, message string, opts SendOptions) (*SendResult, error) {
	res, err := c.manager.Resolver().Resolve(rawKey)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, types.InvalidRequest("empty message")
	}

	store := c.manager.StoreOf(res)
	entry, _, err := store.Get(res)
	if err != nil {
		return nil, types.Unavailable(err, "read session store")
	}
	if entry != nil && entry.SendPolicy == "deny" {
		return nil, types.InvalidRequest("session %s blocked by send policy", res.CanonicalKey)
	}

	if isStopCommand(message) {
		abort := c.abortAll(res, "stop-command")
		return &SendResult{Status: "ok", Aborted: abort.Aborted, RunIDs: abort.RunIDs}, nil
	}

	runID := types.RunID(opts.IdempotencyKey)
	if runID == "" {
		runID = types.NewRunID()
	}

	cfg := c.cfg()
	timeout := cfg.TurnTimeout(string(res.AgentID))
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	now := time.Now().UnixMilli()

	// Idempotency check-then-register: one suspension-free window.
	c.mu.Lock()
	if cached, ok := c.results.Get(string(runID)); ok {
		c.mu.Unlock()
		return cached, nil
	}
	if _, ok := c.active[runID]; ok {
		c.mu.Unlock()
		return &SendResult{RunID: runID, Status: "in_flight"}, nil
	}
	run := newChatRun(c.ctx, runID, res, now, now+timeout.Milliseconds())
	c.active[runID] = run
	c.mu.Unlock()

	c.wg.Add(1)
	go c.process(run, message, opts)

	return &SendResult{RunID: runID, Status: "started"}, nil
}

// process drives one run to settlement.
func (c *Coordinator) process(run *ChatRun, message string, opts SendOptions) {
	defer c.wg.Done()
	defer c.unregister(run.ID)

	ctx := run.ctx

	// Session entry is created on first send; delivery context updates on
	// every turn.
	store := c.manager.StoreOf(run.Resolution)
	entry, err := store.Update(run.Resolution, func(e *types.SessionEntry) {
		if opts.Channel != "" {
			e.LastChannel = opts.Channel
		}
		if opts.To != "" {
			e.LastTo = opts.To
		}
		if opts.AccountID != "" {
			e.LastAccountID = opts.AccountID
		}
		if opts.ThreadID != "" {
			e.LastThreadID = opts.ThreadID
		}
	})
	if err != nil {
		c.settleError(run, types.Unavailable(err, "update session store"))
		return
	}

	if err := c.transcripts.Append(ctx, entry.SessionID, &types.Message{
		ID:        types.MessageID(string(run.ID) + ":user"),
		Role:      "user",
		Content:   message,
		Channel:   opts.Channel,
		RunID:     run.ID,
		Timestamp: run.StartedAtMs,
	}); err != nil {
		slog.Warn("transcript user append failed", "run_id", run.ID, "error", err)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.settleAbort(run, "rpc")
		return
	}
	defer c.sem.Release(1)

	cfg := c.cfg()
	req := types.AgentRequest{
		SessionKey: run.SessionKey,
		SessionID:  entry.SessionID,
		AgentID:    run.Resolution.AgentID,
		Message:    message,
		Model:      entry.Model,
		Provider:   entry.Provider,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if req.Model == "" {
		if a := cfg.Agent(string(run.Resolution.AgentID)); a != nil && a.Model != "" {
			req.Model = a.Model
		} else {
			req.Model = cfg.Models.Primary
		}
	}
	if req.Provider == "" {
		req.Provider = cfg.LLM.Provider
	}

	events, err := c.runner.Run(ctx, req)
	if err != nil {
		c.settleError(run, types.Unavailable(err, "agent dispatch"))
		return
	}

	for ev := range events {
		switch {
		case ev.Delta != "":
			seq, ok := run.appendDelta(ev.Delta)
			if !ok {
				continue
			}
			c.publish(types.ChatEvent{
				SessionKey: run.SessionKey,
				RunID:      run.ID,
				Seq:        seq,
				State:      types.ChatStateDelta,
				Text:       ev.Delta,
			})
		case ev.Final != nil:
			c.finalize(run, ev.Final)
		case ev.Err != nil:
			if run.Cancelled() {
				c.settleAbort(run, "rpc")
			} else {
				c.settleError(run, types.Unavailable(ev.Err, "agent run"))
			}
		}
	}

	// Runner closed the stream without a terminal event: settle whatever is
	// buffered so callers never hang.
	if run.markSettled() {
		slog.Warn("agent stream ended without final event", "run_id", run.ID)
		c.publish(types.ChatEvent{
			SessionKey: run.SessionKey,
			RunID:      run.ID,
			Seq:        run.nextSeq(),
			State:      types.ChatStateError,
			Error:      "agent stream ended unexpectedly",
		})
	}
}

// finalize settles a successfully completed run: transcript append, session
// bookkeeping, channel delivery, final broadcast, idempotency cache.
func (c *Coordinator) finalize(run *ChatRun, final *types.AgentResult) {
	if !run.markSettled() {
		// An abort won the race; the cached abort outcome is authoritative.
		return
	}

	text := final.Text
	if text == "" {
		text = run.bufferedText()
	}

	// A runner that never streamed still owes subscribers at least one
	// incremental update.
	if !run.sawAnyDelta() && text != "" {
		c.publish(types.ChatEvent{
			SessionKey: run.SessionKey,
			RunID:      run.ID,
			Seq:        run.nextSeq(),
			State:      types.ChatStateDelta,
			Text:       text,
		})
	}

	msg := &types.Message{
		ID:           types.MessageID(string(run.ID) + ":assistant"),
		Role:         "assistant",
		Content:      text,
		Model:        final.Model,
		Provider:     final.Provider,
		InputTokens:  final.InputTokens,
		OutputTokens: final.OutputTokens,
		DurationMs:   final.DurationMs,
		RunID:        run.ID,
	}
	if err := c.transcripts.Append(context.Background(), c.sessionID(run), msg); err != nil {
		// Keep the in-memory message so the caller still gets a coherent
		// final payload.
		slog.Error("transcript assistant append failed", "run_id", run.ID, "error", err)
	}

	store := c.manager.StoreOf(run.Resolution)
	if _, err := store.Update(run.Resolution, func(e *types.SessionEntry) {
		e.InputTokens += int64(final.InputTokens)
		e.OutputTokens += int64(final.OutputTokens)
	}); err != nil {
		slog.Warn("session usage update failed", "run_id", run.ID, "error", err)
	}

	if c.deliver != nil && text != "" {
		if err := c.retry.Execute(func() error {
			return c.deliver.Deliver(run.SessionKey, text)
		}); err != nil {
			// No delivery path (webchat) or exhausted retries: the
			// synthesized transcript append above is the payload of record.
			slog.Debug("delivery skipped", "session_key", run.SessionKey, "error", err)
		}
	}

	c.publish(types.ChatEvent{
		SessionKey: run.SessionKey,
		RunID:      run.ID,
		Seq:        run.nextSeq(),
		State:      types.ChatStateFinal,
		Text:       text,
	})

	c.cacheResult(run.ID, &SendResult{RunID: run.ID, Status: "ok", Text: text})
}

// settleError publishes a terminal error. Errors are not cached: a retry with
// the same idempotency key is allowed to try again.
func (c *Coordinator) settleError(run *ChatRun, err error) {
	if !run.markSettled() {
		return
	}
	slog.Error("run failed", "run_id", run.ID, "session_key", run.SessionKey, "error", err)
	c.publish(types.ChatEvent{
		SessionKey: run.SessionKey,
		RunID:      run.ID,
		Seq:        run.nextSeq(),
		State:      types.ChatStateError,
		Error:      err.Error(),
	})
}

// settleAbort finishes a cancelled run: persist non-whitespace partial output
// exactly once, broadcast the final event, cache the outcome. Returns false
// when a completion (or an earlier abort) already settled the run.
func (c *Coordinator) settleAbort(run *ChatRun, origin string) bool {
	if !run.markSettled() {
		return false
	}
	text := run.bufferedText()
	if strings.TrimSpace(text) != "" {
		// The run id plus a fixed suffix keys the append, so a retried
		// cancellation or one racing a completion never duplicates the
		// transcript entry.
		msg := &types.Message{
			ID:      types.MessageID(string(run.ID) + ":aborted"),
			Role:    "assistant",
			Content: text,
			RunID:   run.ID,
			Origin:  origin,
		}
		if err := c.transcripts.Append(context.Background(), c.sessionID(run), msg); err != nil {
			// The user-visible contract is "the run stopped", not "its
			// partial output was definitely saved".
			slog.Warn("partial transcript persist failed", "run_id", run.ID, "error", err)
		}
	}
	c.publish(types.ChatEvent{
		SessionKey: run.SessionKey,
		RunID:      run.ID,
		Seq:        run.nextSeq(),
		State:      types.ChatStateFinal,
		Text:       text,
	})
	c.cacheResult(run.ID, &SendResult{RunID: run.ID, Status: "ok", Text: text, Aborted: true})
	return true
}

// Abort cancels one run (by id) or every run of a session. A run id whose
// recorded session key does not match the caller's key is rejected. An abort
// arriving after the run already settled returns aborted:false, treating the
// cached result as authoritative.
func (c *Coordinator) Abort(rawKey string, runID types.RunID, origin string) (*AbortResult, error) {
	res, err := c.manager.Resolver().Resolve(rawKey)
	if err != nil {
		return nil, err
	}
	if origin == "" {
		origin = "rpc"
	}

	if runID != "" {
		c.mu.Lock()
		run, ok := c.active[runID]
		c.mu.Unlock()
		if !ok {
			return &AbortResult{Aborted: false, RunIDs: []types.RunID{}}, nil
		}
		if run.SessionKey != res.CanonicalKey {
			return nil, types.InvalidRequest("run %s does not belong to session %s", runID, res.CanonicalKey)
		}
		if c.abortRun(run, origin) {
			return &AbortResult{Aborted: true, RunIDs: []types.RunID{runID}}, nil
		}
		return &AbortResult{Aborted: false, RunIDs: []types.RunID{}}, nil
	}

	result := c.abortAll(res, origin)
	return &result, nil
}

func (c *Coordinator) abortAll(res *sessions.Resolution, origin string) AbortResult {
	c.mu.Lock()
	var targets []*ChatRun
	for _, run := range c.active {
		if run.SessionKey == res.CanonicalKey {
			targets = append(targets, run)
		}
	}
	c.mu.Unlock()

	ids := []types.RunID{}
	for _, run := range targets {
		if c.abortRun(run, origin) {
			ids = append(ids, run.ID)
		}
	}
	return AbortResult{Aborted: len(ids) > 0, RunIDs: ids}
}

// abortRun flips the token and settles the run if no completion beat it.
// When a completion already settled, the cached idempotent result is
// authoritative and the abort reports false.
func (c *Coordinator) abortRun(run *ChatRun, origin string) bool {
	run.Cancel()
	return c.settleAbort(run, origin)
}

// Result returns the cached outcome for a settled run, if any. Synchronous
// callers poll this to turn the async send into a blocking request.
func (c *Coordinator) Result(runID types.RunID) (*SendResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results.Get(string(runID))
}

func (c *Coordinator) cacheResult(runID types.RunID, result *SendResult) {
	c.mu.Lock()
	c.results.Add(string(runID), result)
	c.mu.Unlock()
}

func (c *Coordinator) unregister(runID types.RunID) {
	c.mu.Lock()
	delete(c.active, runID)
	c.mu.Unlock()
}

// sessionID reads the session id for a run's entry; empty until the first
// store write lands.
func (c *Coordinator) sessionID(run *ChatRun) types.SessionID {
	store := c.manager.StoreOf(run.Resolution)
	entry, _, err := store.Get(run.Resolution)
	if err != nil || entry == nil {
		return types.SessionID(string(run.SessionKey))
	}
	return entry.SessionID
}

// ActiveRuns lists in-flight runs for bookkeeping. Runs past their expiry are
// flagged stale but stay listed until they actually settle.
func (c *Coordinator) ActiveRuns() []RunInfo {
	now := time.Now().UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RunInfo, 0, len(c.active))
	for _, run := range c.active {
		out = append(out, RunInfo{
			RunID:       run.ID,
			SessionKey:  run.SessionKey,
			StartedAtMs: run.StartedAtMs,
			ExpiresAtMs: run.ExpiresAtMs,
			Stale:       run.ExpiresAtMs <= now,
		})
	}
	return out
}
