// internal/usage/aggregate.go
package usage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/gateclaw/internal/sessions"
	"github.com/user/gateclaw/internal/transcript"
	"github.com/user/gateclaw/internal/types"
)

// Bucket accumulates usage for one slice of the breakdown.
type Bucket struct {
	Messages     int     `json:"messages"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

func (b *Bucket) add(in, out int64, cost float64) {
	b.Messages++
	b.InputTokens += in
	b.OutputTokens += out
	b.CostUSD += cost
}

// DayUsage is one point of the daily time series, keyed by UTC date.
type DayUsage struct {
	Date string `json:"date"`
	Bucket
}

// Summary is the cost/usage report for a date range.
type Summary struct {
	StartMs int64 `json:"startMs"`
	EndMs   int64 `json:"endMs"`

	Totals Bucket `json:"totals"`
	Runs   int    `json:"runs"`

	ByModel    map[string]*Bucket `json:"byModel"`
	ByProvider map[string]*Bucket `json:"byProvider"`
	ByAgent    map[string]*Bucket `json:"byAgent"`
	ByChannel  map[string]*Bucket `json:"byChannel"`

	LatencyP50Ms int64 `json:"latencyP50Ms"`
	LatencyP95Ms int64 `json:"latencyP95Ms"`

	Daily []DayUsage `json:"daily"`

	GeneratedAtMs int64 `json:"generatedAtMs"`
}

// Aggregator scans session transcripts and produces usage summaries.
type Aggregator struct {
	manager     *sessions.Manager
	transcripts *transcript.Store

	tokOnce   sync.Once
	tokenizer *tiktoken.Tiktoken
}

func NewAggregator(manager *sessions.Manager, transcripts *transcript.Store) *Aggregator {
	return &Aggregator{manager: manager, transcripts: transcripts}
}

// estimateTokens approximates the token count of text for messages that were
// recorded without usage. The tokenizer is loaded lazily; when it cannot be
// loaded a chars/4 heuristic stands in so aggregation never fails on it.
func (a *Aggregator) estimateTokens(text string) int64 {
	a.tokOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, falling back to heuristic estimate", "error", err)
			return
		}
		a.tokenizer = enc
	})
	if a.tokenizer == nil {
		return int64(len(text) / 4)
	}
	return int64(len(a.tokenizer.Encode(text, nil, nil)))
}

// Summary computes the usage report for [startMs, endMs). Messages outside the
// range are skipped; assistant messages count as runs and contribute latency.
func (a *Aggregator) Summary(ctx context.Context, startMs, endMs int64) (*Summary, error) {
	rows, err := a.Sessions(0)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		StartMs:       startMs,
		EndMs:         endMs,
		ByModel:       make(map[string]*Bucket),
		ByProvider:    make(map[string]*Bucket),
		ByAgent:       make(map[string]*Bucket),
		ByChannel:     make(map[string]*Bucket),
		GeneratedAtMs: time.Now().UnixMilli(),
	}
	daily := make(map[string]*DayUsage)
	var latencies []int64

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs, err := a.transcripts.Messages(ctx, row.SessionID, 0)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m.Timestamp < startMs || (endMs > 0 && m.Timestamp >= endMs) {
				continue
			}
			if m.Role != "assistant" {
				continue
			}

			in, out := int64(m.InputTokens), int64(m.OutputTokens)
			if in == 0 && out == 0 && m.Content != "" {
				out = a.estimateTokens(m.Content)
			}
			cost := priceFor(m.Model).cost(in, out)

			s.Totals.add(in, out, cost)
			s.Runs++
			bucketFor(s.ByModel, orUnknown(m.Model)).add(in, out, cost)
			bucketFor(s.ByProvider, orUnknown(m.Provider)).add(in, out, cost)
			bucketFor(s.ByAgent, orUnknown(string(row.AgentID))).add(in, out, cost)

			channel := m.Channel
			if channel == "" {
				channel = row.LastChannel
			}
			bucketFor(s.ByChannel, orUnknown(channel)).add(in, out, cost)

			date := time.UnixMilli(m.Timestamp).UTC().Format("2006-01-02")
			day, ok := daily[date]
			if !ok {
				day = &DayUsage{Date: date}
				daily[date] = day
			}
			day.add(in, out, cost)

			if m.DurationMs > 0 {
				latencies = append(latencies, m.DurationMs)
			}
		}
	}

	s.LatencyP50Ms = percentile(latencies, 50)
	s.LatencyP95Ms = percentile(latencies, 95)

	s.Daily = make([]DayUsage, 0, len(daily))
	for _, day := range daily {
		s.Daily = append(s.Daily, *day)
	}
	sort.Slice(s.Daily, func(i, j int) bool { return s.Daily[i].Date < s.Daily[j].Date })

	return s, nil
}

func bucketFor(m map[string]*Bucket, key string) *Bucket {
	if b, ok := m[key]; ok {
		return b
	}
	b := &Bucket{}
	m[key] = b
	return b
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// percentile returns the p-th percentile (nearest-rank) of values, 0 when
// empty.
func percentile(values []int64, p int) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// SessionRow is one discovered session: a store entry, an orphaned on-disk
// transcript, or both merged.
type SessionRow struct {
	Key          types.SessionKey `json:"key,omitempty"`
	SessionID    types.SessionID  `json:"sessionId"`
	AgentID      types.AgentID    `json:"agentId,omitempty"`
	Label        string           `json:"label,omitempty"`
	LastChannel  string           `json:"lastChannel,omitempty"`
	UpdatedAtMs  int64            `json:"updatedAtMs"`
	InputTokens  int64            `json:"inputTokens"`
	OutputTokens int64            `json:"outputTokens"`
	InStore      bool             `json:"inStore"`
	OnDisk       bool             `json:"onDisk"`
}

// Sessions merges the combined session store with on-disk transcript files,
// matched by session id. Store metadata wins when both exist; transcript files
// without a store entry still appear so their usage is not lost. Results are
// sorted most recent first; limit <= 0 returns everything.
func (a *Aggregator) Sessions(limit int) ([]*SessionRow, error) {
	entries, err := a.manager.Combined()
	if err != nil {
		return nil, err
	}

	byID := make(map[types.SessionID]*SessionRow, len(entries))
	for key, entry := range entries {
		byID[entry.SessionID] = &SessionRow{
			Key:          key,
			SessionID:    entry.SessionID,
			AgentID:      keyAgent(key),
			Label:        entry.Label,
			LastChannel:  entry.LastChannel,
			UpdatedAtMs:  entry.UpdatedAt,
			InputTokens:  entry.InputTokens,
			OutputTokens: entry.OutputTokens,
			InStore:      true,
		}
	}

	files, err := a.transcripts.SessionFiles()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if row, ok := byID[f.SessionID]; ok {
			row.OnDisk = true
			continue
		}
		byID[f.SessionID] = &SessionRow{
			SessionID:   f.SessionID,
			UpdatedAtMs: f.ModTime.UnixMilli(),
			OnDisk:      true,
		}
	}

	rows := make([]*SessionRow, 0, len(byID))
	for _, row := range byID {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UpdatedAtMs != rows[j].UpdatedAtMs {
			return rows[i].UpdatedAtMs > rows[j].UpdatedAtMs
		}
		return rows[i].SessionID < rows[j].SessionID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// keyAgent extracts the agent id from a canonical "agent:<id>:<rest>" key.
func keyAgent(key types.SessionKey) types.AgentID {
	s := string(key)
	const prefix = "agent:"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return ""
	}
	rest := s[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return types.AgentID(rest[:i])
		}
	}
	return ""
}
