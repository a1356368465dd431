// internal/webchat/normalize_test.go
package webchat

import (
	"strings"
	"testing"
)

func TestNormalizePlainTextPassesThrough(t *testing.T) {
	got, err := Normalize("  hello, 2 < 3 and 5 > 4  ")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello, 2 < 3 and 5 > 4" {
		t.Errorf("got %q", got)
	}
}

func TestNormalizeConvertsHTML(t *testing.T) {
	got, err := Normalize(`<p>Hello <strong>world</strong></p><ul><li>one</li><li>two</li></ul>`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "**world**") {
		t.Errorf("bold lost: %q", got)
	}
	if !strings.Contains(got, "- one") {
		t.Errorf("list lost: %q", got)
	}
	if strings.Contains(got, "<p>") {
		t.Errorf("tags left behind: %q", got)
	}
}

func TestNormalizeTruncatesLongBodies(t *testing.T) {
	got, err := Normalize(strings.Repeat("a", maxInboundChars+100))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(got, "[Content truncated]") {
		t.Error("expected truncation marker")
	}
}

func TestSessionKey(t *testing.T) {
	if got := SessionKey(" Alice "); got != "webchat:alice" {
		t.Errorf("got %q", got)
	}
	if got := SessionKey(""); got != "webchat:anonymous" {
		t.Errorf("got %q", got)
	}
}
