// Package protocol parses and formats the assistant wire formats: the
// tool-call directive (inline and fenced forms), the TOOL_RESULT echo, and
// the PLAN/FINAL response segments.
package protocol

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Directive tokens. Part of the wire contract with the model.
const (
	ToolCallPrefix   = "TOOL_CALL"
	ToolResultPrefix = "TOOL_RESULT"
)

// ToolCall is a parsed tool invocation request.
type ToolCall struct {
	Name string
	Args map[string]any
}

var (
	fencedBlockRe = regexp.MustCompile("(?s)```tool_calls\\s*\\n(.*?)```")
	callExprRe    = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*\((.*)\)\s*$`)
)

// ParseToolCall extracts a tool invocation from raw model output. A fenced
// tool_calls block takes priority over the inline directive; for either
// form the last occurrence wins, since later text supersedes earlier
// drafts. Malformed bodies yield (nil, false) rather than an error so the
// caller falls through to treating the text as a final answer. Tool names
// are not validated here; unknown names surface from the executor.
func ParseToolCall(text string) (*ToolCall, bool) {
	if blocks := fencedBlockRe.FindAllStringSubmatch(text, -1); len(blocks) > 0 {
		body := strings.TrimSpace(blocks[len(blocks)-1][1])
		if call, ok := parseBlockBody(body); ok {
			return call, true
		}
		return nil, false
	}

	idx := lastDirectiveIndex(text)
	if idx < 0 {
		return nil, false
	}
	rest := text[idx+len(ToolCallPrefix):]
	objRaw, ok := extractJSONObject(rest)
	if !ok {
		return nil, false
	}
	return parseDirectiveJSON(objRaw)
}

// lastDirectiveIndex finds the last TOOL_CALL token that is not actually a
// TOOL_RESULT echo or part of a longer identifier.
func lastDirectiveIndex(text string) int {
	for search := len(text); search > 0; {
		idx := strings.LastIndex(text[:search], ToolCallPrefix)
		if idx < 0 {
			return -1
		}
		search = idx
		if idx > 0 {
			prev := text[idx-1]
			if prev != '\n' && prev != ' ' && prev != '\t' && prev != '\r' {
				continue
			}
		}
		return idx
	}
	return -1
}

func parseBlockBody(body string) (*ToolCall, bool) {
	if strings.HasPrefix(body, "{") {
		return parseDirectiveJSON(body)
	}
	if m := callExprRe.FindStringSubmatch(body); m != nil {
		args, ok := parseCallArgs(m[2])
		if !ok {
			return nil, false
		}
		return &ToolCall{Name: m[1], Args: args}, true
	}
	return nil, false
}

func parseDirectiveJSON(raw string) (*ToolCall, bool) {
	if !gjson.Valid(raw) {
		return nil, false
	}
	name := strings.TrimSpace(gjson.Get(raw, "name").String())
	if name == "" {
		return nil, false
	}
	args := map[string]any{}
	if argsResult := gjson.Get(raw, "arguments"); argsResult.IsObject() {
		if m, ok := argsResult.Value().(map[string]any); ok {
			args = m
		}
	}
	return &ToolCall{Name: name, Args: args}, true
}

// parseCallArgs parses `key=value, ...` where values are JSON literals,
// falling back to bare strings.
func parseCallArgs(raw string) (map[string]any, bool) {
	args := map[string]any{}
	for _, part := range splitTopLevel(raw) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq <= 0 {
			return nil, false
		}
		key := strings.TrimSpace(part[:eq])
		value := strings.TrimSpace(part[eq+1:])
		if key == "" {
			return nil, false
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			args[key] = parsed
		} else {
			args[key] = strings.Trim(value, `"'`)
		}
	}
	return args, true
}

// splitTopLevel splits on commas that are not nested inside quotes,
// brackets or braces.
func splitTopLevel(raw string) []string {
	var parts []string
	depth := 0
	inString := false
	var quote byte
	start := 0
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			if ch == '\\' {
				i++
			} else if ch == quote {
				inString = false
			}
			continue
		}
		switch ch {
		case '"', '\'':
			inString = true
			quote = ch
		case '{', '[', '(':
			depth++
		case '}', ']', ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, raw[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, raw[start:])
	return parts
}

// extractJSONObject returns the first balanced top-level JSON object in a
// string, ignoring trailing commentary.
func extractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			if ch == '\\' {
				i++
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// FormatToolResult renders the envelope echo sent back to the model after
// a tool execution.
func FormatToolResult(tool string, envelopeJSON string) string {
	return ToolResultPrefix + " " + tool + " (JSON):\n" + envelopeJSON
}
