// internal/rpc/methods.go
package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/user/gateclaw/internal/config"
	"github.com/user/gateclaw/internal/gateway"
	"github.com/user/gateclaw/internal/types"
	"github.com/user/gateclaw/internal/usage"
)

// RestartFunc schedules a gateway restart after the given delay.
type RestartFunc func(delay time.Duration, reason string)

// Methods binds RPC method names to the control-plane components.
type Methods struct {
	Chat    *gateway.Coordinator
	Config  *config.Coordinator
	Usage   *usage.Cache
	Rows    *usage.Aggregator
	Cfg     func() *config.Config
	Restart RestartFunc
}

// Dispatch routes one request to its handler. Unknown methods and malformed
// params are INVALID_REQUEST; handler failures keep their own kind.
func (m *Methods) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "chat.send":
		return m.chatSend(params)
	case "chat.abort":
		return m.chatAbort(params)
	case "chat.history":
		return m.chatHistory(params)
	case "chat.inject":
		return m.chatInject(params)
	case "models.default.get":
		return m.Config.GetDefaultModels()
	case "models.default.set":
		return m.modelsSet(params)
	case "sessions.usage":
		return m.sessionsUsage(ctx, params)
	case "gateway.restart":
		return m.gatewayRestart(params)
	default:
		return nil, types.InvalidRequest("unknown method %q", method)
	}
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return types.InvalidRequest("malformed params: %v", err)
	}
	return nil
}

func (m *Methods) chatSend(params json.RawMessage) (any, error) {
	var p struct {
		SessionKey     string `json:"sessionKey"`
		Message        string `json:"message"`
		IdempotencyKey string `json:"idempotencyKey"`
		TimeoutMs      int64  `json:"timeoutMs"`
		Channel        string `json:"channel"`
		To             string `json:"to"`
		AccountID      string `json:"accountId"`
		ThreadID       string `json:"threadId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return m.Chat.Send(p.SessionKey, p.Message, gateway.SendOptions{
		IdempotencyKey: p.IdempotencyKey,
		TimeoutMs:      p.TimeoutMs,
		Channel:        p.Channel,
		To:             p.To,
		AccountID:      p.AccountID,
		ThreadID:       p.ThreadID,
	})
}

func (m *Methods) chatAbort(params json.RawMessage) (any, error) {
	var p struct {
		SessionKey string      `json:"sessionKey"`
		RunID      types.RunID `json:"runId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	result, err := m.Chat.Abort(p.SessionKey, p.RunID, "rpc")
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "aborted": result.Aborted, "runIds": result.RunIDs}, nil
}

func (m *Methods) chatHistory(params json.RawMessage) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return m.Chat.History(p.SessionKey, p.Limit)
}

func (m *Methods) chatInject(params json.RawMessage) (any, error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Message    string `json:"message"`
		Label      string `json:"label"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	id, err := m.Chat.Inject(p.SessionKey, p.Message, p.Label)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "messageId": id}, nil
}

func (m *Methods) modelsSet(params json.RawMessage) (any, error) {
	var p struct {
		Primary      string   `json:"primary"`
		Fallbacks    []string `json:"fallbacks"`
		BaseHash     string   `json:"baseHash"`
		AllowUnknown bool     `json:"allowUnknown"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	models, err := m.Config.SetDefaultModels(p.Primary, p.Fallbacks, p.BaseHash, p.AllowUnknown)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":         true,
		"primary":    models.Primary,
		"fallbacks":  models.Fallbacks,
		"configHash": models.ConfigHash,
	}, nil
}

// SessionsUsageResult is the sessions.usage response.
type SessionsUsageResult struct {
	Summary  *usage.Summary      `json:"summary"`
	Sessions []*usage.SessionRow `json:"sessions"`
}

func (m *Methods) sessionsUsage(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
		Days      int    `json:"days"`
		Key       string `json:"key"`
		Limit     int    `json:"limit"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	startMs, endMs, err := usageRange(p.StartDate, p.EndDate, p.Days, time.Now())
	if err != nil {
		return nil, err
	}

	summary, err := m.Usage.Summary(ctx, startMs, endMs)
	if err != nil {
		return nil, types.Unavailable(err, "compute usage summary")
	}
	rows, err := m.Rows.Sessions(p.Limit)
	if err != nil {
		return nil, types.Unavailable(err, "list sessions")
	}
	if p.Key != "" {
		want := strings.ToLower(p.Key)
		filtered := rows[:0]
		for _, row := range rows {
			if strings.Contains(strings.ToLower(string(row.Key)), want) {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}
	return &SessionsUsageResult{Summary: summary, Sessions: rows}, nil
}

// usageRange resolves the date-range params to a [startMs, endMs) pair. Dates
// are UTC days; days counts back from now; an empty range means everything.
func usageRange(startDate, endDate string, days int, now time.Time) (int64, int64, error) {
	if days > 0 {
		end := now.UnixMilli()
		return end - int64(days)*int64(24*time.Hour/time.Millisecond), end, nil
	}

	var startMs, endMs int64
	if startDate != "" {
		t, err := time.ParseInLocation("2006-01-02", startDate, time.UTC)
		if err != nil {
			return 0, 0, types.InvalidRequest("bad startDate %q", startDate)
		}
		startMs = t.UnixMilli()
	}
	if endDate != "" {
		t, err := time.ParseInLocation("2006-01-02", endDate, time.UTC)
		if err != nil {
			return 0, 0, types.InvalidRequest("bad endDate %q", endDate)
		}
		// endDate is inclusive: range ends at the next midnight.
		endMs = t.Add(24 * time.Hour).UnixMilli()
	}
	return startMs, endMs, nil
}

func (m *Methods) gatewayRestart(params json.RawMessage) (any, error) {
	var p struct {
		DelayMs int64  `json:"delayMs"`
		Reason  string `json:"reason"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if !m.Cfg().Gateway.AllowRestart {
		return nil, types.InvalidRequest("restart disabled by config (gateway.allow_restart)")
	}
	if m.Restart == nil {
		return nil, types.Unavailable(nil, "restart not wired")
	}
	delay := time.Duration(p.DelayMs) * time.Millisecond
	m.Restart(delay, p.Reason)
	return map[string]any{"ok": true, "restart": true}, nil
}
