// internal/delivery/registry_test.go
package delivery

import (
	"testing"

	"github.com/user/gateclaw/internal/types"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotKey types.SessionKey
	var gotMsg string
	reg.Register("telegram:", func(sessionKey types.SessionKey, message string) error {
		gotKey = sessionKey
		gotMsg = message
		return nil
	})

	err := reg.Deliver("agent:main:telegram:dm:123", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotKey != "agent:main:telegram:dm:123" {
		t.Errorf("handler should receive the full key, got %q", gotKey)
	}
	if gotMsg != "hello" {
		t.Errorf("expected message %q, got %q", "hello", gotMsg)
	}
}

func TestRegistryMatchesAcrossAgents(t *testing.T) {
	reg := NewRegistry()

	calls := 0
	reg.Register("telegram:", func(types.SessionKey, string) error {
		calls++
		return nil
	})

	for _, key := range []types.SessionKey{
		"agent:main:telegram:dm:1",
		"agent:work:telegram:group:-100",
		"telegram:dm:2", // unscoped legacy spelling
	} {
		if err := reg.Deliver(key, "msg"); err != nil {
			t.Errorf("deliver %s: %v", key, err)
		}
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Deliver("agent:main:webchat:alice", "hello"); err == nil {
		t.Fatal("expected error for unregistered prefix, got nil")
	}
}

func TestRegistryMultiplePrefixes(t *testing.T) {
	reg := NewRegistry()

	var telegramCalls, webchatCalls int
	reg.Register("telegram:", func(types.SessionKey, string) error {
		telegramCalls++
		return nil
	})
	reg.Register("webchat:", func(types.SessionKey, string) error {
		webchatCalls++
		return nil
	})

	if err := reg.Deliver("agent:main:telegram:dm:42", "msg1"); err != nil {
		t.Fatalf("telegram deliver error: %v", err)
	}
	if err := reg.Deliver("agent:main:webchat:alice", "msg2"); err != nil {
		t.Fatalf("webchat deliver error: %v", err)
	}

	if telegramCalls != 1 || webchatCalls != 1 {
		t.Errorf("calls: telegram=%d webchat=%d", telegramCalls, webchatCalls)
	}
}
