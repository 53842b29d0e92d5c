package loop

import (
	"fmt"
	"strings"

	"scriptnerd/internal/capture"
	"scriptnerd/internal/store"
)

const toolPolicyText = `You are co-authoring a browser userscript with the user.
The userscript runs automatically on every matching page load.
When you want to change the page, call the execute_js tool with the COMPLETE
replacement script; never a fragment and never a narrated diff. The tool runs
the script against the live page and returns its console output or error.
Only reply in plain text when you need to ask the user something or explain
an outcome.`

// buildModelMessages assembles the provider request: one synthesized system
// message, the full persisted turn history, screenshots only on the first
// turn or alongside freshly grabbed elements.
func (o *Orchestrator) buildModelMessages(conv *store.Conversation, task *store.Task, obs capture.Observation) []map[string]any {
	out := make([]map[string]any, 0, len(conv.Messages)*2+1)
	out = append(out, map[string]any{
		"role":    "system",
		"content": buildSystemPrompt(task, obs),
	})

	firstUserSeen := false
	for i := range conv.Messages {
		msg := &conv.Messages[i]
		switch msg.Role {
		case store.RoleUser:
			isFirst := !firstUserSeen
			firstUserSeen = true
			isLatest := i == len(conv.Messages)-1
			out = append(out, userWireMessage(msg, conv, isFirst, isLatest))
		case store.RoleAssistant:
			out = append(out, assistantWireMessages(msg)...)
		}
	}
	return out
}

func buildSystemPrompt(task *store.Task, obs capture.Observation) string {
	var b strings.Builder
	b.WriteString(toolPolicyText)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Current page URL: %s\n", obs.URL)

	if task.Script != "" {
		b.WriteString("\nCurrent script in progress:\n```javascript\n")
		b.WriteString(task.Script)
		b.WriteString("\n```\n")
	} else {
		b.WriteString("\nNo script exists yet for this task.\n")
	}

	if obs.Markup != "" {
		b.WriteString("\nCurrent page markup:\n")
		b.WriteString(obs.Markup)
		b.WriteString("\n")
	}
	if obs.ConsoleLog != "" {
		b.WriteString("\nRecent console output:\n")
		b.WriteString(obs.ConsoleLog)
		b.WriteString("\n")
	}
	return b.String()
}

// userWireMessage renders one user turn. Screenshots ride along only on the
// conversation's first turn (the page screenshot) or when the turn carries
// freshly grabbed elements and is the latest one.
func userWireMessage(msg *store.Message, conv *store.Conversation, isFirst, isLatest bool) map[string]any {
	parts := []map[string]any{{"type": "text", "text": msg.Content}}

	if isFirst && conv.InitialScreenshot != "" {
		parts = append(parts, imagePart(conv.InitialScreenshot))
	}
	for _, el := range msg.GrabbedElements {
		if el.Markup != "" {
			parts = append(parts, map[string]any{
				"type": "text",
				"text": "Selected element markup:\n" + el.Markup,
			})
		}
		if el.Screenshot != "" && isLatest {
			parts = append(parts, imagePart(el.Screenshot))
		}
	}

	if len(parts) == 1 {
		return map[string]any{"role": "user", "content": msg.Content}
	}
	return map[string]any{"role": "user", "content": parts}
}

// assistantWireMessages renders one assistant turn, expanding a persisted
// tool invocation into the assistant tool_calls message plus its tool
// result message.
func assistantWireMessages(msg *store.Message) []map[string]any {
	if len(msg.ToolCalls) == 0 {
		return []map[string]any{{"role": "assistant", "content": msg.Content}}
	}

	calls := make([]map[string]any, 0, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		calls = append(calls, map[string]any{
			"id":   call.ID,
			"type": "function",
			"function": map[string]any{
				"name":      call.Name,
				"arguments": call.Arguments,
			},
		})
	}
	out := []map[string]any{{
		"role":       "assistant",
		"content":    msg.Content,
		"tool_calls": calls,
	}}
	for _, res := range msg.ToolResults {
		out = append(out, map[string]any{
			"role":         "tool",
			"tool_call_id": res.CallID,
			"content":      res.Output,
		})
	}
	return out
}

func imagePart(base64PNG string) map[string]any {
	return map[string]any{
		"type": "image_url",
		"image_url": map[string]any{
			"url": "data:image/png;base64," + base64PNG,
		},
	}
}
