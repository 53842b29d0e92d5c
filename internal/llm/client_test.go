package llm

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseChatResultText(t *testing.T) {
	raw := []byte(`{
		"id": "chatcmpl-1",
		"choices": [{
			"message": {"content": "I changed the background color."},
			"finish_reason": "stop"
		}]
	}`)

	got, err := parseChatResult(raw)
	if err != nil {
		t.Fatalf("parseChatResult() error: %v", err)
	}
	if got.Content != "I changed the background color." {
		t.Errorf("content = %q", got.Content)
	}
	if got.HasToolCalls() {
		t.Error("unexpected tool calls")
	}
}

func TestParseChatResultToolCall(t *testing.T) {
	raw := []byte(`{
		"id": "chatcmpl-2",
		"choices": [{
			"message": {
				"content": "",
				"tool_calls": [{
					"id": "call_abc",
					"type": "function",
					"function": {
						"name": "execute_js",
						"arguments": "{\"jsScript\":\"document.body.style.background='black';\"}"
					}
				}]
			},
			"finish_reason": "tool_calls"
		}]
	}`)

	got, err := parseChatResult(raw)
	if err != nil {
		t.Fatalf("parseChatResult() error: %v", err)
	}
	if !got.HasToolCalls() {
		t.Fatal("expected a tool call")
	}
	call := got.ToolCalls[0]
	if call.ID != "call_abc" || call.Name != "execute_js" {
		t.Errorf("call = %+v", call)
	}

	var args struct {
		JSScript string `json:"jsScript"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if !strings.Contains(args.JSScript, "background") {
		t.Errorf("jsScript = %q", args.JSScript)
	}
}

func TestParseChatResultNoChoices(t *testing.T) {
	if _, err := parseChatResult([]byte(`{"id":"x","choices":[]}`)); err == nil {
		t.Fatal("expected error for empty choices")
	}
	if _, err := parseChatResult([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed body")
	}
}

func TestExecuteJSToolSpecShape(t *testing.T) {
	spec := ExecuteJSToolSpec()
	raw, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal tool spec: %v", err)
	}

	var decoded struct {
		Type     string `json:"type"`
		Function struct {
			Name       string `json:"name"`
			Parameters struct {
				Type       string `json:"type"`
				Properties map[string]struct {
					Type string `json:"type"`
				} `json:"properties"`
				Required []string `json:"required"`
			} `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("tool spec is not valid wire JSON: %v", err)
	}
	if decoded.Type != "function" || decoded.Function.Name != "execute_js" {
		t.Errorf("unexpected spec envelope: %s", raw)
	}
	if decoded.Function.Parameters.Properties["jsScript"].Type != "string" {
		t.Error("jsScript parameter missing or mistyped")
	}
	if len(decoded.Function.Parameters.Required) != 1 || decoded.Function.Parameters.Required[0] != "jsScript" {
		t.Errorf("required = %v", decoded.Function.Parameters.Required)
	}
}

func TestToSDKToolsRoundTrip(t *testing.T) {
	sdkTools, err := toSDKTools([]ToolSpec{ExecuteJSToolSpec()})
	if err != nil {
		t.Fatalf("convert tools: %v", err)
	}
	if len(sdkTools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(sdkTools))
	}
	if got := sdkTools[0].Function.Name; got != "execute_js" {
		t.Errorf("sdk tool name = %q", got)
	}
}
