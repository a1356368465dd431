// internal/rpc/hub.go
package rpc

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/user/gateclaw/internal/types"
)

// sendBuffer is the per-connection outbound queue depth. A subscriber that
// cannot drain this many frames is dropped rather than allowed to stall the
// broadcast path.
const sendBuffer = 256

type conn struct {
	id string

	// mu guards send against close: frames are queued and the channel is
	// closed under the same lock, so a broadcast racing a disconnect can
	// never send on a closed channel.
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Hub fans broadcast events out to every connected control client and queues
// per-connection responses. It implements the gateway's Broadcaster.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*conn)}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	slog.Debug("control connection registered", "conn_id", c.id)
}

// remove unregisters the connection and closes its send channel, ending the
// write pump. Safe to call more than once.
func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	slog.Debug("control connection unregistered", "conn_id", c.id)
}

// enqueue queues one frame for a single connection; a full buffer drops the
// connection, a closed one swallows the frame.
func (h *Hub) enqueue(c *conn, data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		slog.Warn("control connection too slow, dropping", "conn_id", c.id)
		go h.remove(c)
	}
}

// BroadcastEvent marshals and fans one event out to every connection.
func (h *Hub) BroadcastEvent(name string, payload any) {
	data, err := json.Marshal(&Event{Type: TypeEvent, Event: name, Payload: payload})
	if err != nil {
		slog.Error("marshal broadcast event", "event", name, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, data)
	}
}

// Publish broadcasts one chat streaming event. Satisfies gateway.Broadcaster.
func (h *Hub) Publish(ev types.ChatEvent) {
	h.BroadcastEvent(EventChat, ev)
}

// ConnectionCount reports the number of live control connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
