// Package textutil provides token estimation, truncation and the
// deterministic transcript summarizer used by the conversation state
// manager.
package textutil

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Rough characters-per-token ratio plus a fixed per-message overhead.
// Deliberately cheap: budgeting needs stability, not accuracy.
const (
	charsPerToken      = 4
	perMessageOverhead = 4
)

// EstimateTokens estimates the token count of a text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateMessageTokens estimates tokens for one role-tagged message.
func EstimateMessageTokens(role, content string) int {
	return EstimateTokens(content) + EstimateTokens(role) + perMessageOverhead
}

// Truncate clips a string to at most maxChars bytes, appending an ellipsis
// when clipping occurred. The cut never splits a rune; the result stays
// valid UTF-8. maxChars <= 0 returns the empty string.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if len(text) <= maxChars {
		return text
	}
	if maxChars <= 1 {
		return "…"
	}
	cut := maxChars - 1
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}

// ClampTail keeps the tail of a string, prefixing "…" when the head was
// dropped. Used for the rolling summary, where the newest material matters.
// The cut never splits a rune.
func ClampTail(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if len(text) <= maxChars {
		return text
	}
	if maxChars <= 1 {
		return "…"
	}
	start := len(text) - (maxChars - 1)
	for start < len(text) && !utf8.RuneStart(text[start]) {
		start++
	}
	return "…" + text[start:]
}

// SummaryLine is one message to fold into the rolling summary.
type SummaryLine struct {
	Role    string
	Content string
}

// SummarizeTranscript produces a deterministic one-line-per-message digest
// of a transcript, truncating each message. No model call: this path must
// stay free of external latency.
func SummarizeTranscript(lines []SummaryLine, perMessageChars int) string {
	if perMessageChars <= 0 {
		perMessageChars = 160
	}
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		content := strings.TrimSpace(line.Content)
		if content == "" {
			continue
		}
		content = strings.Join(strings.Fields(content), " ")
		parts = append(parts, fmt.Sprintf("%s: %s", line.Role, Truncate(content, perMessageChars)))
	}
	return strings.Join(parts, "\n")
}
