package protocol

import (
	"reflect"
	"testing"
)

func TestParseToolCallInlineJSON(t *testing.T) {
	call, ok := ParseToolCall(`TOOL_CALL {"name":"x","arguments":{"a":1}}`)
	if !ok {
		t.Fatal("Expected a tool call")
	}
	if call.Name != "x" {
		t.Errorf("Expected name x, got %q", call.Name)
	}
	if got := call.Args["a"]; got != float64(1) {
		t.Errorf("Expected a=1, got %v", got)
	}
}

func TestParseToolCallFencedCallSyntax(t *testing.T) {
	text := "Let me check.\n```tool_calls\nx(a=1)\n```\n"
	call, ok := ParseToolCall(text)
	if !ok {
		t.Fatal("Expected a tool call")
	}
	if call.Name != "x" {
		t.Errorf("Expected name x, got %q", call.Name)
	}
	if !reflect.DeepEqual(call.Args, map[string]any{"a": float64(1)}) {
		t.Errorf("Expected {a:1}, got %v", call.Args)
	}
}

func TestParseToolCallFencedJSON(t *testing.T) {
	text := "```tool_calls\n{\"name\": \"search_projects\", \"arguments\": {\"query\": \"liver\", \"limit\": 5}}\n```"
	call, ok := ParseToolCall(text)
	if !ok {
		t.Fatal("Expected a tool call")
	}
	if call.Name != "search_projects" {
		t.Errorf("Expected search_projects, got %q", call.Name)
	}
	if call.Args["query"] != "liver" || call.Args["limit"] != float64(5) {
		t.Errorf("Unexpected args: %v", call.Args)
	}
}

func TestParseToolCallCallSyntaxStringArgs(t *testing.T) {
	call, ok := ParseToolCall("```tool_calls\nsearch_people(query=\"ana maria\", limit=3)\n```")
	if !ok {
		t.Fatal("Expected a tool call")
	}
	if call.Args["query"] != "ana maria" {
		t.Errorf("Expected quoted string preserved, got %v", call.Args["query"])
	}
	if call.Args["limit"] != float64(3) {
		t.Errorf("Expected limit=3, got %v", call.Args["limit"])
	}
}

func TestParseToolCallLastInlineWins(t *testing.T) {
	text := "TOOL_CALL {\"name\":\"first\",\"arguments\":{}}\nOn second thought:\nTOOL_CALL {\"name\":\"second\",\"arguments\":{}}"
	call, ok := ParseToolCall(text)
	if !ok {
		t.Fatal("Expected a tool call")
	}
	if call.Name != "second" {
		t.Errorf("Expected last directive to win, got %q", call.Name)
	}
}

func TestParseToolCallFencedBeatsInline(t *testing.T) {
	text := "TOOL_CALL {\"name\":\"inline\",\"arguments\":{}}\n```tool_calls\nfenced(a=1)\n```"
	call, ok := ParseToolCall(text)
	if !ok {
		t.Fatal("Expected a tool call")
	}
	if call.Name != "fenced" {
		t.Errorf("Expected fenced block to win, got %q", call.Name)
	}
}

func TestParseToolCallTrailingCommentaryIgnored(t *testing.T) {
	call, ok := ParseToolCall(`I will look that up. TOOL_CALL {"name":"get_project","arguments":{"id":7}} and report back.`)
	if !ok {
		t.Fatal("Expected a tool call")
	}
	if call.Name != "get_project" || call.Args["id"] != float64(7) {
		t.Errorf("Unexpected call: %+v", call)
	}
}

func TestParseToolCallMalformed(t *testing.T) {
	cases := []string{
		"no directive here",
		`TOOL_CALL {"name":"x","arguments":{`,
		"TOOL_CALL not even json",
		"```tool_calls\nnot a call\n```",
		`TOOL_CALL {"arguments":{"a":1}}`,
		"TOOL_RESULT x (JSON):\n{\"ok\":true}",
	}
	for _, text := range cases {
		if call, ok := ParseToolCall(text); ok {
			t.Errorf("Expected no tool call for %q, got %+v", text, call)
		}
	}
}

func TestFormatToolResult(t *testing.T) {
	got := FormatToolResult("x", `{"ok":true,"tool":"x","result":1}`)
	want := "TOOL_RESULT x (JSON):\n{\"ok\":true,\"tool\":\"x\",\"result\":1}"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
