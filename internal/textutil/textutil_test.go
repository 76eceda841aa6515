package textutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 40), 10},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestEstimateMessageTokensAddsOverhead(t *testing.T) {
	got := EstimateMessageTokens("user", "abcd")
	// 1 token content + 1 token role + 4 overhead.
	if got != 6 {
		t.Errorf("Expected 6 tokens, got %d", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("Expected unchanged string, got %q", got)
	}
	got := Truncate("hello world", 6)
	if len(got) > 6+2 { // ellipsis rune is 3 bytes
		t.Errorf("Truncate produced %q, longer than budget", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("Expected ellipsis suffix, got %q", got)
	}
}

func TestTruncateNeverSplitsARune(t *testing.T) {
	text := strings.Repeat("é", 5)
	for max := 1; max <= len(text); max++ {
		got := Truncate(text, max)
		if !utf8.ValidString(got) {
			t.Errorf("Truncate(%q, %d) produced invalid UTF-8: %q", text, max, got)
		}
	}
	if got := Truncate("日本語テキスト", 7); !utf8.ValidString(got) {
		t.Errorf("Expected valid UTF-8, got %q", got)
	}
}

func TestClampTailKeepsNewestText(t *testing.T) {
	text := strings.Repeat("a", 50) + "TAIL"
	got := ClampTail(text, 10)
	if !strings.HasPrefix(got, "…") {
		t.Errorf("Expected leading ellipsis, got %q", got)
	}
	if !strings.HasSuffix(got, "TAIL") {
		t.Errorf("Expected tail preserved, got %q", got)
	}
	if got := ClampTail("short", 10); got != "short" {
		t.Errorf("Expected unchanged string, got %q", got)
	}
}

func TestClampTailNeverSplitsARune(t *testing.T) {
	text := strings.Repeat("é", 5)
	for max := 1; max <= len(text); max++ {
		got := ClampTail(text, max)
		if !utf8.ValidString(got) {
			t.Errorf("ClampTail(%q, %d) produced invalid UTF-8: %q", text, max, got)
		}
	}
	if got := ClampTail("概要は古い、結論は新しい", 10); !utf8.ValidString(got) {
		t.Errorf("Expected valid UTF-8, got %q", got)
	}
}

func TestSummarizeTranscript(t *testing.T) {
	lines := []SummaryLine{
		{Role: "user", Content: "  How many   projects?  "},
		{Role: "assistant", Content: "There are 12 projects."},
		{Role: "user", Content: "   "},
	}
	got := SummarizeTranscript(lines, 160)
	want := "user: How many projects?\nassistant: There are 12 projects."
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
