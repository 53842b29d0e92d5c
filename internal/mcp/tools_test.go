package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"

	"scriptnerd/internal/browser"
	"scriptnerd/internal/capture"
	"scriptnerd/internal/store"
)

type fakeGateway struct {
	target     browser.Target
	resolveErr error
	result     browser.ExecResult
	executed   []browser.ExecRequest
}

func (g *fakeGateway) ResolveTarget(ctx context.Context, wantURL string) (browser.Target, error) {
	if g.resolveErr != nil {
		return browser.Target{}, g.resolveErr
	}
	return g.target, nil
}

func (g *fakeGateway) Execute(ctx context.Context, req browser.ExecRequest) browser.ExecResult {
	g.executed = append(g.executed, req)
	return g.result
}

type fakeCapturer struct {
	obs capture.Observation
}

func (c *fakeCapturer) Capture(ctx context.Context, targetID string, includeScreenshot bool) capture.Observation {
	return c.obs
}

type fakeTasks struct {
	tasks map[string]store.Task
}

func (f *fakeTasks) ListTasks(ctx context.Context) ([]store.Task, error) {
	out := make([]store.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTasks) GetTask(ctx context.Context, id string) (store.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return store.Task{}, store.ErrNotFound
	}
	return t, nil
}

type fakeLoop struct {
	submitted []string
	submitErr error
	approved  []string
	rejected  []string
	startOver bool
}

func (l *fakeLoop) Submit(conversationID, userMessage string, grabbed []store.GrabbedElement, cachedObs *capture.Observation, source string) error {
	if l.submitErr != nil {
		return l.submitErr
	}
	l.submitted = append(l.submitted, userMessage)
	return nil
}

func (l *fakeLoop) Approve(ctx context.Context, conversationID string) error {
	l.approved = append(l.approved, conversationID)
	return nil
}

func (l *fakeLoop) Reject(ctx context.Context, conversationID, feedback string, startOver bool, grabbed []store.GrabbedElement) error {
	l.rejected = append(l.rejected, feedback)
	l.startOver = startOver
	return nil
}

func TestExecuteJSTool(t *testing.T) {
	gw := &fakeGateway{
		target: browser.Target{ID: "tgt-1"},
		result: browser.ExecResult{Result: "[log] hi\n=> 3"},
	}
	tool := &ExecuteJSTool{gateway: gw}

	if _, err := tool.Execute(context.Background(), map[string]interface{}{"url": "https://example.com"}); err == nil {
		t.Error("expected error for missing jsScript")
	}

	res, err := tool.Execute(context.Background(), map[string]interface{}{
		"url":      "https://example.com",
		"jsScript": "document.title",
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	out := res.(map[string]interface{})
	if out["success"] != true || out["result"] != "[log] hi\n=> 3" {
		t.Errorf("payload = %v", out)
	}
	if len(gw.executed) != 1 || gw.executed[0].JSScript != "document.title" {
		t.Errorf("executed = %+v", gw.executed)
	}
}

func TestExecuteJSToolScriptError(t *testing.T) {
	gw := &fakeGateway{
		target: browser.Target{ID: "tgt-1"},
		result: browser.ExecResult{Error: "ReferenceError:x is not defined", ErrorType: "runtime"},
	}
	tool := &ExecuteJSTool{gateway: gw}

	res, err := tool.Execute(context.Background(), map[string]interface{}{
		"url":      "https://example.com",
		"jsScript": "x()",
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	out := res.(map[string]interface{})
	if out["success"] != false || out["errorType"] != "runtime" {
		t.Errorf("payload = %v", out)
	}
}

func TestCapturePageTool(t *testing.T) {
	tool := &CapturePageTool{
		gateway: &fakeGateway{target: browser.Target{ID: "tgt-1"}},
		capturer: &fakeCapturer{obs: capture.Observation{
			URL:        "https://example.com/page",
			Markup:     "<body></body>",
			ConsoleLog: "[log] ready",
		}},
	}

	res, err := tool.Execute(context.Background(), map[string]interface{}{"url": "https://example.com/page"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	out := res.(map[string]interface{})
	if out["url"] != "https://example.com/page" || out["markup"] != "<body></body>" {
		t.Errorf("payload = %v", out)
	}
	if _, ok := out["screenshot"]; ok {
		t.Error("screenshot should be omitted when empty")
	}
}

func TestCapturePageToolUnreachable(t *testing.T) {
	tool := &CapturePageTool{
		gateway:  &fakeGateway{target: browser.Target{ID: "tgt-1"}},
		capturer: &fakeCapturer{obs: capture.Observation{Error: "page unreachable: gone"}},
	}
	if _, err := tool.Execute(context.Background(), map[string]interface{}{"url": "https://example.com"}); err == nil {
		t.Error("expected error for unreachable page")
	}
}

func TestListTasksTool(t *testing.T) {
	tool := &ListTasksTool{tasks: &fakeTasks{tasks: map[string]store.Task{
		"t1": {ID: "t1", Name: "dark mode", ConversationID: "c1", Script: "x", Enabled: true},
	}}}

	res, err := tool.Execute(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	out := res.(map[string]interface{})
	if out["count"] != 1 {
		t.Fatalf("count = %v", out["count"])
	}
	entry := out["tasks"].([]map[string]interface{})[0]
	if entry["id"] != "t1" || entry["hasScript"] != true {
		t.Errorf("entry = %v", entry)
	}
}

func TestSendTaskMessageTool(t *testing.T) {
	lp := &fakeLoop{}
	tool := &SendTaskMessageTool{
		tasks: &fakeTasks{tasks: map[string]store.Task{"t1": {ID: "t1", ConversationID: "c1"}}},
		loop:  lp,
	}

	if _, err := tool.Execute(context.Background(), map[string]interface{}{"task_id": "missing", "message": "hi"}); err == nil {
		t.Error("expected error for unknown task")
	}

	res, err := tool.Execute(context.Background(), map[string]interface{}{"task_id": "t1", "message": "make it dark"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	out := res.(map[string]interface{})
	if out["conversationId"] != "c1" || len(lp.submitted) != 1 {
		t.Errorf("payload = %v submitted = %v", out, lp.submitted)
	}

	lp.submitErr = errors.New("conversation busy")
	_, err = tool.Execute(context.Background(), map[string]interface{}{"task_id": "t1", "message": "again"})
	if err == nil || !strings.Contains(err.Error(), "busy") {
		t.Errorf("err = %v, want busy", err)
	}
}

func TestApproveAndRejectTools(t *testing.T) {
	lp := &fakeLoop{}
	tasks := &fakeTasks{tasks: map[string]store.Task{"t1": {ID: "t1", ConversationID: "c1"}}}

	approve := &ApproveScriptTool{tasks: tasks, loop: lp}
	if _, err := approve.Execute(context.Background(), map[string]interface{}{"task_id": "t1"}); err != nil {
		t.Fatalf("approve error: %v", err)
	}
	if len(lp.approved) != 1 || lp.approved[0] != "c1" {
		t.Errorf("approved = %v", lp.approved)
	}

	reject := &RejectScriptTool{tasks: tasks, loop: lp}
	if _, err := reject.Execute(context.Background(), map[string]interface{}{
		"task_id":    "t1",
		"feedback":   "too dark",
		"start_over": true,
	}); err != nil {
		t.Fatalf("reject error: %v", err)
	}
	if len(lp.rejected) != 1 || lp.rejected[0] != "too dark" || !lp.startOver {
		t.Errorf("rejected = %v startOver = %v", lp.rejected, lp.startOver)
	}
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("capture_page", map[string]interface{}{"ok": true})
	if string(payload) != `{"ok":true}` {
		t.Errorf("payload = %s", payload)
	}

	bad := marshalToolPayload("capture_page", func() {})
	if !strings.Contains(string(bad), `"success":false`) {
		t.Errorf("fallback payload = %s", bad)
	}
}
