// internal/rpc/server_test.go
package rpc

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/gateclaw/internal/config"
	"github.com/user/gateclaw/internal/types"
)

func newTestMethods(t *testing.T, mutate func(*config.Config)) (*Methods, *config.Coordinator) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	coord := config.NewCoordinator(path)
	// Materialize defaults so a hash exists.
	if _, err := coord.Get(); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}
	return &Methods{
		Config: coord,
		Cfg:    func() *config.Config { return cfg },
	}, coord
}

func dialTest(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func call(t *testing.T, ws *websocket.Conn, id, method string, params any) *Response {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteJSON(&Request{Type: TypeRequest, ID: id, Method: method, Params: raw}); err != nil {
		t.Fatal(err)
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var res Response
		if err := ws.ReadJSON(&res); err != nil {
			t.Fatal(err)
		}
		// Skip interleaved broadcast events.
		if res.Type == TypeResponse && res.ID == id {
			return &res
		}
	}
}

func TestModelsDefaultRoundtrip(t *testing.T) {
	methods, _ := newTestMethods(t, nil)
	server := NewServer(NewHub(), methods)
	ws := dialTest(t, server)

	res := call(t, ws, "1", "models.default.get", nil)
	if !res.OK {
		t.Fatalf("get failed: %+v", res.Error)
	}
	var got struct {
		Primary    string `json:"primary"`
		ConfigHash string `json:"configHash"`
	}
	remarshal(t, res.Result, &got)
	if got.ConfigHash == "" {
		t.Fatal("expected a config hash")
	}

	set := call(t, ws, "2", "models.default.set", map[string]any{
		"primary":      "gpt-4o",
		"baseHash":     got.ConfigHash,
		"allowUnknown": true,
	})
	if !set.OK {
		t.Fatalf("set failed: %+v", set.Error)
	}

	// Stale hash now: the first hash no longer matches the document.
	stale := call(t, ws, "3", "models.default.set", map[string]any{
		"primary":      "gpt-4o-mini",
		"baseHash":     got.ConfigHash,
		"allowUnknown": true,
	})
	if stale.OK {
		t.Fatal("stale baseHash must be rejected")
	}
	if stale.Error.Kind != string(types.ErrInvalidRequest) {
		t.Errorf("kind = %s", stale.Error.Kind)
	}
	if !strings.Contains(stale.Error.Message, "stale") && !strings.Contains(stale.Error.Message, "changed") {
		t.Errorf("message should name the conflict: %q", stale.Error.Message)
	}
}

func TestRestartGatedByConfig(t *testing.T) {
	methods, _ := newTestMethods(t, nil)
	server := NewServer(NewHub(), methods)
	ws := dialTest(t, server)

	res := call(t, ws, "1", "gateway.restart", map[string]any{"delayMs": 10})
	if res.OK || res.Error.Kind != string(types.ErrInvalidRequest) {
		t.Fatalf("restart should be rejected while disabled: %+v", res)
	}
}

func TestRestartSchedulesWhenAllowed(t *testing.T) {
	methods, _ := newTestMethods(t, func(c *config.Config) { c.Gateway.AllowRestart = true })
	fired := make(chan time.Duration, 1)
	methods.Restart = func(delay time.Duration, reason string) { fired <- delay }

	server := NewServer(NewHub(), methods)
	ws := dialTest(t, server)

	res := call(t, ws, "1", "gateway.restart", map[string]any{"delayMs": 250, "reason": "test"})
	if !res.OK {
		t.Fatalf("restart failed: %+v", res.Error)
	}
	select {
	case d := <-fired:
		if d != 250*time.Millisecond {
			t.Errorf("delay = %v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("restart hook never invoked")
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	methods, _ := newTestMethods(t, nil)
	server := NewServer(NewHub(), methods)
	ws := dialTest(t, server)

	res := call(t, ws, "1", "chat.levitate", nil)
	if res.OK || res.Error.Kind != string(types.ErrInvalidRequest) {
		t.Fatalf("unknown method should be INVALID_REQUEST: %+v", res)
	}
}

func TestBroadcastReachesConnection(t *testing.T) {
	hub := NewHub()
	methods, _ := newTestMethods(t, nil)
	server := NewServer(hub, methods)
	ws := dialTest(t, server)

	// The pump registers before ServeHTTP returns, but give the dial a beat.
	deadline := time.Now().Add(time.Second)
	for hub.ConnectionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(types.ChatEvent{SessionKey: "agent:main:telegram:dm:1", RunID: "r1", Seq: 1, State: types.ChatStateDelta, Text: "hi"})

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev struct {
		Type    string          `json:"type"`
		Event   string          `json:"event"`
		Payload types.ChatEvent `json:"payload"`
	}
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != TypeEvent || ev.Event != EventChat || ev.Payload.RunID != "r1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestUsageRange(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	start, end, err := usageRange("", "", 7, now)
	if err != nil {
		t.Fatal(err)
	}
	if end != now.UnixMilli() || end-start != 7*24*int64(time.Hour/time.Millisecond) {
		t.Errorf("days range = [%d, %d)", start, end)
	}

	start, end, err = usageRange("2026-03-01", "2026-03-02", 0, now)
	if err != nil {
		t.Fatal(err)
	}
	wantStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	wantEnd := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC).UnixMilli()
	if start != wantStart || end != wantEnd {
		t.Errorf("date range = [%d, %d), want [%d, %d)", start, end, wantStart, wantEnd)
	}

	if _, _, err := usageRange("yesterday", "", 0, now); err == nil {
		t.Error("bad date should be rejected")
	}
}

func remarshal(t *testing.T, from any, to any) {
	t.Helper()
	data, err := json.Marshal(from)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, to); err != nil {
		t.Fatal(err)
	}
}
