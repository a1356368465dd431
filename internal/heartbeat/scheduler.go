// internal/heartbeat/scheduler.go
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/gateclaw/internal/types"
)

// RunResult reports what an agent's run-once callback did.
type RunResult int

const (
	RunDone RunResult = iota
	RunSkippedDisabled
	RunSkippedBusy // requests in flight; retry soon without advancing others
)

// RunFunc executes one heartbeat turn for an agent. reason is "interval" for
// timer fires or the external wake reason otherwise.
type RunFunc func(agent types.AgentID, reason string) (RunResult, error)

// Clock abstracts time.Now so tests can drive virtual time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// busyRetryDelay is how far a busy agent's due time is pushed before the next
// attempt, capped by the agent's own interval.
const busyRetryDelay = 30 * time.Second

// agentState tracks one agent's schedule. nextDue is unix milliseconds.
type agentState struct {
	interval time.Duration
	lastRun  int64
	nextDue  int64
}

// WakeStatus is the outcome of a Wake call.
type WakeStatus struct {
	Status string          `json:"status"` // ran | skipped
	Reason string          `json:"reason,omitempty"`
	Agents []types.AgentID `json:"agents,omitempty"`
}

// Scheduler runs periodic per-agent heartbeats off a single global timer.
// The timer is always armed for the minimum nextDue across active agents, so
// reconfiguration is O(agents) and there is one timer regardless of agent
// count.
type Scheduler struct {
	runOnce RunFunc
	clock   Clock

	mu     sync.Mutex
	agents map[types.AgentID]*agentState

	rearm  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects a clock, for tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func New(runOnce RunFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		runOnce: runOnce,
		clock:   systemClock{},
		agents:  make(map[types.AgentID]*agentState),
		rearm:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpdateConfig replaces the per-agent interval table. A zero interval removes
// the agent from scheduling. An agent whose interval is unchanged keeps its
// due time when that time is still in the future, so a config reload does not
// cause a spurious immediate re-fire. Enablement logging fires only on
// boolean transitions to keep logs quiet under config churn.
func (s *Scheduler) UpdateConfig(intervals map[types.AgentID]time.Duration) {
	now := s.clock.Now().UnixMilli()

	s.mu.Lock()
	next := make(map[types.AgentID]*agentState, len(intervals))
	for agent, interval := range intervals {
		if interval <= 0 {
			continue
		}
		if old, ok := s.agents[agent]; ok {
			if old.interval == interval && old.nextDue > now {
				next[agent] = old
				continue
			}
			next[agent] = &agentState{interval: interval, lastRun: old.lastRun, nextDue: now + interval.Milliseconds()}
			continue
		}
		slog.Info("heartbeat enabled", "agent", agent, "interval", interval)
		next[agent] = &agentState{interval: interval, nextDue: now + interval.Milliseconds()}
	}
	for agent := range s.agents {
		if _, ok := next[agent]; !ok {
			slog.Info("heartbeat disabled", "agent", agent)
		}
	}
	s.agents = next
	s.mu.Unlock()

	s.requestRearm()
}

// Start launches the timer loop. Stop by cancelling ctx or calling Stop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop halts the timer loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		wait := s.untilNextDue()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.rearm:
			timer.Stop()
		case <-timer.C:
			s.Wake("interval")
		}
	}
}

// untilNextDue returns how long until the earliest agent is due. With no
// active agents the timer parks on a long wait and relies on rearm signals.
func (s *Scheduler) untilNextDue() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var min int64 = -1
	for _, st := range s.agents {
		if min < 0 || st.nextDue < min {
			min = st.nextDue
		}
	}
	if min < 0 {
		return 24 * time.Hour
	}
	wait := time.Duration(min-s.clock.Now().UnixMilli()) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (s *Scheduler) requestRearm() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

// Wake executes due heartbeats. Reason "interval" runs only agents whose
// due time has arrived; any other reason (cron trigger, explicit API wake)
// runs every enabled agent unconditionally. A run-once error is logged and
// the agent's schedule still advances, so one bad agent cannot wedge the
// scheduler; a busy agent gets a short retry push without touching anyone
// else's schedule.
func (s *Scheduler) Wake(reason string) WakeStatus {
	now := s.clock.Now().UnixMilli()

	s.mu.Lock()
	var due []types.AgentID
	for agent, st := range s.agents {
		if reason != "interval" || st.nextDue <= now {
			due = append(due, agent)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		s.requestRearm()
		return WakeStatus{Status: "skipped", Reason: "no-agents-due"}
	}

	var ran []types.AgentID
	skippedReason := ""
	for _, agent := range due {
		result, err := s.safeRun(agent, reason)
		if err != nil {
			// Treated as a completed run: its schedule advances below.
			slog.Error("heartbeat run failed", "agent", agent, "reason", reason, "error", err)
			result = RunDone
		}

		// Re-read the clock: run-once is synchronous and may take a long
		// time (a full agent turn), and the next due time counts from the
		// run's end, not from when this wake started.
		after := s.clock.Now().UnixMilli()

		s.mu.Lock()
		st, ok := s.agents[agent]
		if !ok {
			// Removed by a concurrent reconfigure. Nothing to advance.
			s.mu.Unlock()
			continue
		}
		switch result {
		case RunSkippedBusy:
			retry := busyRetryDelay
			if st.interval < retry {
				retry = st.interval
			}
			st.nextDue = after + retry.Milliseconds()
			skippedReason = "requests-in-flight"
		case RunSkippedDisabled:
			st.lastRun = after
			st.nextDue = after + st.interval.Milliseconds()
			skippedReason = "disabled"
		default:
			st.lastRun = after
			st.nextDue = after + st.interval.Milliseconds()
			ran = append(ran, agent)
		}
		s.mu.Unlock()
	}

	s.requestRearm()

	if len(ran) > 0 {
		return WakeStatus{Status: "ran", Agents: ran}
	}
	return WakeStatus{Status: "skipped", Reason: skippedReason}
}

// safeRun shields the scheduler from a panicking run-once callback.
func (s *Scheduler) safeRun(agent types.AgentID, reason string) (result RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run-once panic: %v", r)
		}
	}()
	return s.runOnce(agent, reason)
}
