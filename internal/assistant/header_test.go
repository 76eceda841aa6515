package assistant

import (
	"strings"
	"testing"

	"github.com/ashureev/ispec/internal/identity"
)

func TestPromptHeaderEncoding(t *testing.T) {
	header := PromptHeader(HeaderInput{
		User:           &identity.User{ID: 1, Role: identity.RoleEditor},
		SessionID:      "s1",
		ProjectID:      42,
		LastMessageID:  100,
		HasSummary:     true,
		ToolsAvailable: true,
		CompareMode:    true,
	})

	lines := strings.Split(header, "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected status line plus legend, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "@h1 u=ed s=") {
		t.Errorf("Expected h1 header with editor abbreviation, got %q", lines[0])
	}
	// project 42 -> base36 "16", message 100 -> "2s"
	if !strings.Contains(lines[0], " p=16 ") || !strings.Contains(lines[0], " m=2s ") {
		t.Errorf("Expected base36 entity ids, got %q", lines[0])
	}
	// ok: summary(2) + authenticated(16) + staff(32) = 50 -> base36 "1e"
	if !strings.Contains(lines[0], " ok=1e ") {
		t.Errorf("Expected ok mask 1e, got %q", lines[0])
	}
	// pol: tools(1) + compare(4) = 5
	if !strings.HasSuffix(lines[0], " pol=5") {
		t.Errorf("Expected pol mask 5, got %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "legend: ") {
		t.Errorf("Expected legend line, got %q", lines[1])
	}
}

func TestPromptHeaderAnonymous(t *testing.T) {
	header := PromptHeader(HeaderInput{SessionID: "s2"})
	if !strings.HasPrefix(header, "@h1 u=an ") {
		t.Errorf("Expected anonymous abbreviation, got %q", header)
	}
	if !strings.Contains(header, " ok=0 ") {
		t.Errorf("Expected empty ok mask, got %q", header)
	}
}

func TestSessionTokenStable(t *testing.T) {
	a := sessionToken("session-1")
	b := sessionToken("session-1")
	if a != b {
		t.Errorf("Expected stable token, got %q and %q", a, b)
	}
	if len(a) != 4 {
		t.Errorf("Expected 4-char token, got %q", a)
	}
	if sessionToken("session-2") == a {
		t.Error("Expected different sessions to hash differently")
	}
}
