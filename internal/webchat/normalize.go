// internal/webchat/normalize.go
package webchat

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const maxInboundChars = 50000

// looksLikeHTML reports whether a body should go through markdown conversion.
// Web clients send rich-text editors' output as HTML fragments; plain text and
// markdown pass through untouched.
func looksLikeHTML(body string) bool {
	trimmed := strings.TrimSpace(body)
	if !strings.Contains(trimmed, "<") || !strings.Contains(trimmed, ">") {
		return false
	}
	for _, tag := range []string{"<p", "<div", "<br", "<span", "<a ", "<ul", "<ol", "<li", "<h1", "<h2", "<h3", "<strong", "<em", "<code", "<pre", "<blockquote", "<table", "<img", "<!doctype", "<html", "<body"} {
		if strings.Contains(strings.ToLower(trimmed), tag) {
			return true
		}
	}
	return false
}

// Normalize converts an inbound web chat body to markdown when it is HTML and
// caps its length. Plain text comes back trimmed but otherwise unchanged.
func Normalize(body string) (string, error) {
	text := strings.TrimSpace(body)
	if looksLikeHTML(text) {
		md, err := htmltomarkdown.ConvertString(text)
		if err != nil {
			return "", fmt.Errorf("convert to markdown: %w", err)
		}
		text = strings.TrimSpace(md)
	}
	if len(text) > maxInboundChars {
		text = text[:maxInboundChars] + "\n\n[Content truncated]"
	}
	return text, nil
}

// SessionKey derives the web chat session key for a client id.
func SessionKey(clientID string) string {
	id := strings.TrimSpace(clientID)
	if id == "" {
		id = "anonymous"
	}
	return "webchat:" + strings.ToLower(id)
}
