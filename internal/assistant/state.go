// Package assistant implements the chat orchestration loop, session state,
// compare mode, and feedback over the assistant store.
package assistant

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/ashureev/ispec/internal/domain"
	"github.com/ashureev/ispec/internal/provider"
	"github.com/ashureev/ispec/internal/textutil"
)

const stateSchemaVersion = 1

// SessionState is the versioned per-session conversational state. It is
// persisted as JSON on the session row and normalized on read, so rows
// written by older builds keep working.
type SessionState struct {
	SchemaVersion    int               `json:"schema_version"`
	Summary          string            `json:"summary,omitempty"`
	SummaryUpTo      int64             `json:"summary_up_to,omitempty"`
	UIRoute          string            `json:"ui_route,omitempty"`
	CurrentProjectID int64             `json:"current_project_id,omitempty"`
	Memory           map[string]string `json:"memory,omitempty"`
}

// ParseState normalizes a raw state blob. Unknown or missing fields fall
// back to zero values; legacy key spellings are accepted.
func ParseState(raw string) SessionState {
	state := SessionState{SchemaVersion: stateSchemaVersion}
	if raw == "" || !gjson.Valid(raw) {
		return state
	}

	state.Summary = gjson.Get(raw, "summary").String()
	if state.Summary == "" {
		state.Summary = gjson.Get(raw, "summary_text").String()
	}
	state.SummaryUpTo = gjson.Get(raw, "summary_up_to").Int()
	if state.SummaryUpTo == 0 {
		state.SummaryUpTo = gjson.Get(raw, "summary_last_id").Int()
	}
	state.UIRoute = gjson.Get(raw, "ui_route").String()
	state.CurrentProjectID = gjson.Get(raw, "current_project_id").Int()

	if memory := gjson.Get(raw, "memory"); memory.IsObject() {
		state.Memory = make(map[string]string)
		memory.ForEach(func(key, value gjson.Result) bool {
			state.Memory[key.String()] = value.String()
			return true
		})
	}
	return state
}

// JSON serializes the state for persistence.
func (s SessionState) JSON() string {
	s.SchemaVersion = stateSchemaVersion
	data, err := json.Marshal(s)
	if err != nil {
		return `{"schema_version":1}`
	}
	return string(data)
}

// HistoryResult is the output of one state/history build.
type HistoryResult struct {
	// Messages is the prompt-ready window, oldest first.
	Messages []provider.Message
	// State is the possibly-updated session state. Changed reports whether
	// the caller needs to persist it.
	State   SessionState
	Changed bool
}

// BuildHistory assembles a token-budgeted prompt window from the messages
// not yet folded into the rolling summary, newest backward, never splitting
// a message. Messages that fall outside the budget are folded into the
// summary and the high-water mark advances to the newest folded id. The
// high-water mark never decreases, so re-running with the same message set
// changes nothing.
func BuildHistory(state SessionState, msgs []*domain.Message, tokenBudget, summaryMaxChars int) HistoryResult {
	fresh := msgs[:0:0]
	for _, m := range msgs {
		if m.ID > state.SummaryUpTo {
			fresh = append(fresh, m)
		}
	}

	// Newest backward until the budget is spent.
	used := 0
	cut := 0
	for i := len(fresh) - 1; i >= 0; i-- {
		cost := textutil.EstimateMessageTokens(fresh[i].Role, fresh[i].Content)
		if used+cost > tokenBudget && used > 0 {
			cut = i + 1
			break
		}
		used += cost
	}

	result := HistoryResult{State: state}
	for _, m := range fresh[cut:] {
		result.Messages = append(result.Messages, provider.Message{Role: m.Role, Content: m.Content})
	}

	if cut == 0 {
		return result
	}

	overflow := fresh[:cut]
	lines := make([]textutil.SummaryLine, 0, len(overflow))
	var highWater int64
	for _, m := range overflow {
		lines = append(lines, textutil.SummaryLine{Role: m.Role, Content: m.Content})
		if m.ID > highWater {
			highWater = m.ID
		}
	}

	folded := textutil.SummarizeTranscript(lines, 0)
	if result.State.Summary != "" {
		folded = result.State.Summary + " " + folded
	}
	result.State.Summary = textutil.ClampTail(folded, summaryMaxChars)
	if highWater > result.State.SummaryUpTo {
		result.State.SummaryUpTo = highWater
	}
	result.Changed = true
	return result
}
