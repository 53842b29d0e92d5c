package mcp

import (
	"context"
	"fmt"
	"strings"

	"scriptnerd/internal/browser"
)

// ExecuteJSTool runs JavaScript against a live page and returns its console
// output and final value.
type ExecuteJSTool struct {
	gateway Gateway
}

func (t *ExecuteJSTool) Name() string { return "execute_js" }
func (t *ExecuteJSTool) Description() string {
	return `Execute JavaScript against a live browser page.

The script runs in the page context. Console output produced during the run
and the final expression value come back as text. Pass a URL; the daemon
reuses an open tab for that page (same host) or opens a new one.

SCRIPT FORMATS:
- Expression: "document.title"
- Arrow function: "() => { return document.querySelectorAll('li').length; }"`
}
func (t *ExecuteJSTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Page URL to run against",
			},
			"jsScript": map[string]interface{}{
				"type":        "string",
				"description": "JavaScript code to execute",
			},
		},
		"required": []string{"url", "jsScript"},
	}
}

func (t *ExecuteJSTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	pageURL := getStringArg(args, "url")
	script := getStringArg(args, "jsScript")
	if strings.TrimSpace(pageURL) == "" {
		return nil, fmt.Errorf("url is required")
	}
	if strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("jsScript is required")
	}

	target, err := t.gateway.ResolveTarget(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}

	res := t.gateway.Execute(ctx, browser.ExecRequest{TargetID: target.ID, JSScript: script})
	if res.Error != "" {
		return map[string]interface{}{
			"success":   false,
			"targetId":  target.ID,
			"error":     res.Error,
			"errorType": res.ErrorType,
		}, nil
	}
	return map[string]interface{}{
		"success":  true,
		"targetId": target.ID,
		"result":   res.Result,
	}, nil
}

// CapturePageTool returns a scrubbed observation of a page: URL, bounded
// markup and recent console output, optionally a screenshot.
type CapturePageTool struct {
	gateway  Gateway
	capturer Capturer
}

func (t *CapturePageTool) Name() string { return "capture_page" }
func (t *CapturePageTool) Description() string {
	return `Capture the current state of a browser page.

Returns the page URL, bounded markup (structurally summarized when large,
with embedded base64 payloads scrubbed) and the recent console tail. Set
include_screenshot for a base64 PNG of the viewport.`
}
func (t *CapturePageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Page URL to capture",
			},
			"include_screenshot": map[string]interface{}{
				"type":        "boolean",
				"description": "Also capture a viewport screenshot (default false)",
			},
		},
		"required": []string{"url"},
	}
}

func (t *CapturePageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	pageURL := getStringArg(args, "url")
	if strings.TrimSpace(pageURL) == "" {
		return nil, fmt.Errorf("url is required")
	}
	includeScreenshot := getBoolArg(args, "include_screenshot", false)

	target, err := t.gateway.ResolveTarget(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}

	obs := t.capturer.Capture(ctx, target.ID, includeScreenshot)
	if obs.Error != "" && obs.URL == "" {
		return nil, fmt.Errorf("capture failed: %s", obs.Error)
	}

	out := map[string]interface{}{
		"success":    true,
		"targetId":   target.ID,
		"url":        obs.URL,
		"markup":     obs.Markup,
		"consoleLog": obs.ConsoleLog,
	}
	if obs.Screenshot != "" {
		out["screenshot"] = obs.Screenshot
	}
	if obs.Error != "" {
		out["warning"] = obs.Error
	}
	return out, nil
}

// ListTasksTool lists the stored userscript tasks.
type ListTasksTool struct {
	tasks TaskSource
}

func (t *ListTasksTool) Name() string { return "list_tasks" }
func (t *ListTasksTool) Description() string {
	return `List all userscript tasks with their match patterns, enabled state and
conversation ids. Use the task id with send_task_message, approve_script
and reject_script.`
}
func (t *ListTasksTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListTasksTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	tasks, err := t.tasks.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	out := make([]map[string]interface{}, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, map[string]interface{}{
			"id":             task.ID,
			"name":           task.Name,
			"matchPattern":   task.MatchPattern,
			"enabled":        task.Enabled,
			"conversationId": task.ConversationID,
			"hasScript":      strings.TrimSpace(task.Script) != "",
		})
	}
	return map[string]interface{}{"success": true, "tasks": out, "count": len(out)}, nil
}

// SendTaskMessageTool feeds a user message into a task's co-authoring loop.
type SendTaskMessageTool struct {
	tasks TaskSource
	loop  Loop
}

func (t *SendTaskMessageTool) Name() string { return "send_task_message" }
func (t *SendTaskMessageTool) Description() string {
	return `Send a message into a task's conversation. The loop observes the page,
consults the model and usually comes back with a draft script awaiting
approval. Returns immediately; the turn runs asynchronously. Fails with a
busy error while a previous turn is still in flight.`
}
func (t *SendTaskMessageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "Task id (see list_tasks)",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Instruction or feedback for the model",
			},
		},
		"required": []string{"task_id", "message"},
	}
}

func (t *SendTaskMessageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	taskID := getStringArg(args, "task_id")
	message := getStringArg(args, "message")
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message is required")
	}

	task, err := t.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if err := t.loop.Submit(task.ConversationID, message, nil, nil, "mcp"); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	return map[string]interface{}{"success": true, "conversationId": task.ConversationID}, nil
}

// ApproveScriptTool approves a task's pending draft script.
type ApproveScriptTool struct {
	tasks TaskSource
	loop  Loop
}

func (t *ApproveScriptTool) Name() string { return "approve_script" }
func (t *ApproveScriptTool) Description() string {
	return `Approve the pending draft script for a task. Enables the script for
auto-run on matching pages and names the task. Fails when nothing is
awaiting approval.`
}
func (t *ApproveScriptTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "Task id (see list_tasks)",
			},
		},
		"required": []string{"task_id"},
	}
}

func (t *ApproveScriptTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	taskID := getStringArg(args, "task_id")
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	task, err := t.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if err := t.loop.Approve(ctx, task.ConversationID); err != nil {
		return nil, fmt.Errorf("approve: %w", err)
	}
	return map[string]interface{}{"success": true, "taskId": taskID}, nil
}

// RejectScriptTool rejects a task's pending draft script.
type RejectScriptTool struct {
	tasks TaskSource
	loop  Loop
}

func (t *RejectScriptTool) Name() string { return "reject_script" }
func (t *RejectScriptTool) Description() string {
	return `Reject the pending draft script for a task. With feedback, the loop
revises the draft in a new turn. With start_over, the conversation and the
draft are discarded and the original prompt is retried from scratch.`
}
func (t *RejectScriptTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "Task id (see list_tasks)",
			},
			"feedback": map[string]interface{}{
				"type":        "string",
				"description": "What to change in the next revision",
			},
			"start_over": map[string]interface{}{
				"type":        "boolean",
				"description": "Discard the conversation and retry from the original prompt",
			},
		},
		"required": []string{"task_id"},
	}
}

func (t *RejectScriptTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	taskID := getStringArg(args, "task_id")
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	task, err := t.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	feedback := getStringArg(args, "feedback")
	startOver := getBoolArg(args, "start_over", false)
	if err := t.loop.Reject(ctx, task.ConversationID, feedback, startOver, nil); err != nil {
		return nil, fmt.Errorf("reject: %w", err)
	}
	return map[string]interface{}{"success": true, "taskId": taskID}, nil
}

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := val.(string)
	return s
}

func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}
