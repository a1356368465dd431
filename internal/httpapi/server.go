// internal/httpapi/server.go
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/user/gateclaw/internal/gateway"
	"github.com/user/gateclaw/internal/types"
	"github.com/user/gateclaw/internal/usage"
	"github.com/user/gateclaw/internal/webchat"
)

// completionTimeout caps how long a synchronous completion request waits for
// the run to settle.
const completionTimeout = 5 * time.Minute

// Server is the HTTP surface of the gateway: an OpenAI-compatible chat
// endpoint for web clients plus the health/debug API.
type Server struct {
	chat *gateway.Coordinator
	rows *usage.Aggregator
	mux  *http.ServeMux
}

func NewServer(chat *gateway.Coordinator, rows *usage.Aggregator) *Server {
	s := &Server{chat: chat, rows: rows, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/runs", s.handleRuns)
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleCompletions)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.rows.Sessions(limit)
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, types.Unavailable(err, "list sessions"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": rows})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.chat.ActiveRuns()})
}

// completionRequest is the OpenAI chat-completions shape, reduced to the
// fields the gateway honors.
type completionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	User   string `json:"user"`
	Stream bool   `json:"stream"`
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.InvalidRequest("invalid JSON body"))
		return
	}
	if req.Stream {
		writeError(w, types.InvalidRequest("streaming is not supported on this endpoint; use the websocket control plane"))
		return
	}

	var body string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			body = req.Messages[i].Content
			break
		}
	}
	if body == "" {
		writeError(w, types.InvalidRequest("no user message in request"))
		return
	}

	text, err := webchat.Normalize(body)
	if err != nil {
		writeError(w, types.InvalidRequest("unreadable message body: %v", err))
		return
	}

	sessionKey := r.Header.Get("X-Session-Key")
	if sessionKey == "" {
		sessionKey = webchat.SessionKey(req.User)
	}

	runID := types.NewRunID()
	ack, err := s.chat.Send(sessionKey, text, gateway.SendOptions{
		IdempotencyKey: string(runID),
		Channel:        "webchat",
		Model:          req.Model,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.awaitResult(r, ack)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.completionResponse(sessionKey, result, req.Model))
}

// awaitResult polls the dispatch result cache until the run settles. A stop
// command or cached replay resolves immediately.
func (s *Server) awaitResult(r *http.Request, ack *gateway.SendResult) (*gateway.SendResult, error) {
	if ack.Status != "started" {
		return ack, nil
	}

	ctx := r.Context()
	deadline := time.NewTimer(completionTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			// The client went away; the run keeps going and its outcome
			// stays retrievable through the idempotency cache.
			return nil, types.Unavailable(ctx.Err(), "client disconnected")
		case <-deadline.C:
			return nil, types.Unavailable(nil, "run %s did not settle in time", ack.RunID)
		case <-tick.C:
			if result, ok := s.chat.Result(ack.RunID); ok {
				return result, nil
			}
		}
	}
}

func (s *Server) completionResponse(sessionKey string, result *gateway.SendResult, model string) map[string]any {
	var promptTokens, completionTokens int

	// The persisted assistant message carries usage and the resolved model.
	if h, err := s.chat.History(sessionKey, 20); err == nil {
		for i := len(h.Messages) - 1; i >= 0; i-- {
			m := h.Messages[i]
			if m.RunID == result.RunID && m.Role == "assistant" {
				promptTokens = m.InputTokens
				completionTokens = m.OutputTokens
				if m.Model != "" {
					model = m.Model
				}
				break
			}
		}
	}

	return map[string]any{
		"id":      "chatcmpl-" + string(result.RunID),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": result.Text,
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the gateway error taxonomy onto HTTP statuses in the OpenAI
// error envelope.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	kind := types.KindOf(err)
	if kind == types.ErrInvalidRequest {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    string(kind),
			"message": err.Error(),
		},
	})
}
