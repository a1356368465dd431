// internal/rpc/hub_test.go
package rpc

import (
	"fmt"
	"sync"
	"testing"
)

// Broadcasts racing a disconnect must never send on the closed channel,
// whichever goroutine wins. Run with -race for full effect.
func TestHubEnqueueRacesRemove(t *testing.T) {
	h := NewHub()
	frame := []byte(`{"type":"event"}`)

	for i := 0; i < 100; i++ {
		// A tiny buffer forces the slow-consumer drop path as well.
		c := &conn{id: fmt.Sprintf("conn-%d", i), send: make(chan []byte, 1)}
		h.add(c)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 16; j++ {
					h.enqueue(c, frame)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.remove(c)
		}()
		wg.Wait()
	}

	if n := h.ConnectionCount(); n != 0 {
		t.Fatalf("connections after removals = %d, want 0", n)
	}
}

func TestHubEnqueueAfterRemoveIsNoop(t *testing.T) {
	h := NewHub()
	c := &conn{id: "c1", send: make(chan []byte, sendBuffer)}
	h.add(c)
	h.remove(c)

	h.enqueue(c, []byte("late frame"))
	h.remove(c)

	if n := h.ConnectionCount(); n != 0 {
		t.Fatalf("connections = %d, want 0", n)
	}
}

func TestHubBroadcastSkipsClosedConnection(t *testing.T) {
	h := NewHub()
	open := &conn{id: "open", send: make(chan []byte, sendBuffer)}
	gone := &conn{id: "gone", send: make(chan []byte, sendBuffer)}
	h.add(open)
	h.add(gone)
	h.remove(gone)

	h.BroadcastEvent(EventPresence, map[string]int{"connections": 1})

	select {
	case <-open.send:
	default:
		t.Fatal("open connection did not receive the broadcast")
	}
	// The removed connection's channel is closed; a non-closed receive here
	// would mean a frame was queued after removal.
	if data, ok := <-gone.send; ok {
		t.Fatalf("removed connection received a frame: %s", data)
	}
}
