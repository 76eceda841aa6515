package assistant

import (
	"strings"
	"testing"

	"github.com/ashureev/ispec/internal/domain"
)

func transcript(n int) []*domain.Message {
	msgs := make([]*domain.Message, 0, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, &domain.Message{
			ID:      int64(i + 1),
			Role:    role,
			Content: strings.Repeat("word ", 40),
		})
	}
	return msgs
}

func TestParseStateNormalizesLegacyKeys(t *testing.T) {
	state := ParseState(`{"summary_text":"old summary","summary_last_id":7,"ui_route":"/projects"}`)
	if state.Summary != "old summary" {
		t.Errorf("Expected legacy summary to carry over, got %q", state.Summary)
	}
	if state.SummaryUpTo != 7 {
		t.Errorf("Expected high-water mark 7, got %d", state.SummaryUpTo)
	}
	if state.UIRoute != "/projects" {
		t.Errorf("Expected ui route, got %q", state.UIRoute)
	}
	if state.SchemaVersion != 1 {
		t.Errorf("Expected schema version 1, got %d", state.SchemaVersion)
	}
}

func TestParseStateGarbage(t *testing.T) {
	state := ParseState("not json at all")
	if state.Summary != "" || state.SummaryUpTo != 0 {
		t.Errorf("Expected empty state for invalid JSON, got %+v", state)
	}
}

func TestBuildHistoryWithinBudget(t *testing.T) {
	msgs := transcript(4)
	result := BuildHistory(SessionState{}, msgs, 6000, 2000)

	if len(result.Messages) != 4 {
		t.Errorf("Expected all 4 messages in window, got %d", len(result.Messages))
	}
	if result.Changed {
		t.Error("Expected no state change when everything fits")
	}
	if result.State.SummaryUpTo != 0 {
		t.Errorf("Expected untouched high-water mark, got %d", result.State.SummaryUpTo)
	}
}

func TestBuildHistoryFoldsOverflowIntoSummary(t *testing.T) {
	msgs := transcript(10)
	// Each message is ~55 tokens; a 200-token budget keeps only the tail.
	result := BuildHistory(SessionState{}, msgs, 200, 2000)

	if len(result.Messages) == 0 || len(result.Messages) >= 10 {
		t.Fatalf("Expected a truncated window, got %d messages", len(result.Messages))
	}
	if !result.Changed {
		t.Fatal("Expected state change when messages overflow")
	}
	if result.State.Summary == "" {
		t.Error("Expected overflow folded into summary")
	}

	foldedCount := 10 - len(result.Messages)
	if result.State.SummaryUpTo != int64(foldedCount) {
		t.Errorf("Expected high-water mark %d, got %d", foldedCount, result.State.SummaryUpTo)
	}
}

func TestBuildHistoryIdempotent(t *testing.T) {
	msgs := transcript(10)
	first := BuildHistory(SessionState{}, msgs, 200, 2000)

	second := BuildHistory(first.State, msgs, 200, 2000)
	if second.Changed {
		t.Error("Expected no change on re-run with the same message set")
	}
	if second.State.SummaryUpTo != first.State.SummaryUpTo {
		t.Errorf("Expected stable high-water mark %d, got %d", first.State.SummaryUpTo, second.State.SummaryUpTo)
	}
	if second.State.Summary != first.State.Summary {
		t.Error("Expected summary unchanged on re-run")
	}
	if len(second.Messages) != len(first.Messages) {
		t.Errorf("Expected same window size, got %d vs %d", len(second.Messages), len(first.Messages))
	}
}

func TestBuildHistoryNeverSplitsAMessage(t *testing.T) {
	msgs := transcript(3)
	// Budget below a single message still admits the newest one whole.
	result := BuildHistory(SessionState{}, msgs, 10, 2000)

	if len(result.Messages) != 1 {
		t.Fatalf("Expected exactly the newest message, got %d", len(result.Messages))
	}
	if result.Messages[0].Content != msgs[2].Content {
		t.Error("Expected the newest message to survive intact")
	}
}

func TestBuildHistorySummaryClamped(t *testing.T) {
	msgs := transcript(10)
	result := BuildHistory(SessionState{Summary: strings.Repeat("x", 500)}, msgs, 200, 100)

	if len(result.State.Summary) > 100 {
		t.Errorf("Expected summary clamped to 100 chars, got %d", len(result.State.Summary))
	}
	if !strings.HasPrefix(result.State.Summary, "…") {
		t.Error("Expected clamped summary to keep the tail with a leading ellipsis")
	}
}
