package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scriptnerd/internal/browser"
	"scriptnerd/internal/store"
)

type fakeGateway struct {
	mu      sync.Mutex
	execs   []browser.ExecRequest
	results map[string]browser.ExecResult // keyed by script
}

func (f *fakeGateway) Execute(ctx context.Context, req browser.ExecRequest) browser.ExecResult {
	f.mu.Lock()
	f.execs = append(f.execs, req)
	f.mu.Unlock()
	if res, ok := f.results[req.JSScript]; ok {
		return res
	}
	return browser.ExecResult{Result: "ok"}
}

func (f *fakeGateway) SubscribeLoads() (<-chan browser.LoadEvent, func()) {
	ch := make(chan browser.LoadEvent)
	return ch, func() { close(ch) }
}

func (f *fakeGateway) executed() []browser.ExecRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browser.ExecRequest(nil), f.execs...)
}

type fakeTasks struct {
	tasks []store.Task
	err   error
}

func (f *fakeTasks) ListEnabledTasks(ctx context.Context) ([]store.Task, error) {
	return f.tasks, f.err
}

type captureBroadcast struct {
	mu       sync.Mutex
	statuses []RunStatus
}

func (c *captureBroadcast) Broadcast(topic string, payload any) {
	if topic != TopicRunStatus {
		return
	}
	if status, ok := payload.(RunStatus); ok {
		c.mu.Lock()
		c.statuses = append(c.statuses, status)
		c.mu.Unlock()
	}
}

func newTestRegistry(t *testing.T, gw *fakeGateway, tasks *fakeTasks, bc *captureBroadcast) *Registry {
	t.Helper()
	r, err := New(Config{Gateway: gw, Tasks: tasks, Broadcast: bc})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return r
}

func TestMatchPatternIsolation(t *testing.T) {
	gw := &fakeGateway{}
	tasks := &fakeTasks{tasks: []store.Task{
		{ID: "bad", MatchPattern: `https?://(unclosed`, Script: "bad();", Enabled: true},
		{ID: "good", MatchPattern: `https?://example\.com.*`, Script: "good();", Enabled: true},
	}}
	bc := &captureBroadcast{}
	r := newTestRegistry(t, gw, tasks, bc)

	r.HandleLoad(context.Background(), browser.LoadEvent{
		TargetID: "t1",
		URL:      "https://example.com/page",
		At:       time.Now(),
	})

	execs := gw.executed()
	if len(execs) != 1 || execs[0].JSScript != "good();" {
		t.Fatalf("expected only the valid task to run, got %+v", execs)
	}

	badStatus, ok := r.StatusOf("bad")
	if !ok || badStatus.State != StateFailure {
		t.Errorf("malformed pattern status = %+v", badStatus)
	}
	goodStatus, ok := r.StatusOf("good")
	if !ok || goodStatus.State != StateSuccess {
		t.Errorf("valid task status = %+v", goodStatus)
	}
}

func TestScriptErrorIsolatesToItsTask(t *testing.T) {
	gw := &fakeGateway{results: map[string]browser.ExecResult{
		"throws();": {Error: "TypeError:boom"},
	}}
	tasks := &fakeTasks{tasks: []store.Task{
		{ID: "t-throws", MatchPattern: `.*`, Script: "throws();", Enabled: true},
		{ID: "t-runs", MatchPattern: `.*`, Script: "runs();", Enabled: true},
	}}
	bc := &captureBroadcast{}
	r := newTestRegistry(t, gw, tasks, bc)

	r.HandleLoad(context.Background(), browser.LoadEvent{TargetID: "t1", URL: "https://x.io"})

	if got := len(gw.executed()); got != 2 {
		t.Fatalf("both tasks must run, got %d executions", got)
	}
	if s, _ := r.StatusOf("t-throws"); s.State != StateFailure || s.Error == "" {
		t.Errorf("throwing task status = %+v", s)
	}
	if s, _ := r.StatusOf("t-runs"); s.State != StateSuccess {
		t.Errorf("clean task status = %+v", s)
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.statuses) != 2 {
		t.Errorf("expected 2 run_status broadcasts, got %d", len(bc.statuses))
	}
}

func TestNonMatchingURLSkips(t *testing.T) {
	gw := &fakeGateway{}
	tasks := &fakeTasks{tasks: []store.Task{
		{ID: "t1", MatchPattern: `https?://example\.com.*`, Script: "x();", Enabled: true},
	}}
	r := newTestRegistry(t, gw, tasks, &captureBroadcast{})

	r.HandleLoad(context.Background(), browser.LoadEvent{TargetID: "t1", URL: "https://other.org/"})

	if len(gw.executed()) != 0 {
		t.Error("non-matching URL must not run the task")
	}
	if _, ok := r.StatusOf("t1"); ok {
		t.Error("a skipped task must not record a status")
	}
}

func TestInvalidateDropsCompiledPattern(t *testing.T) {
	gw := &fakeGateway{}
	tasks := &fakeTasks{tasks: []store.Task{
		{ID: "t1", MatchPattern: `https?://old\.com.*`, Script: "x();", Enabled: true},
	}}
	r := newTestRegistry(t, gw, tasks, &captureBroadcast{})

	r.HandleLoad(context.Background(), browser.LoadEvent{TargetID: "p", URL: "https://old.com/"})
	if len(gw.executed()) != 1 {
		t.Fatal("setup: task did not run")
	}

	// Pattern changes; without invalidation the stale compile would match.
	tasks.tasks[0].MatchPattern = `https?://new\.com.*`
	r.Invalidate("t1")

	r.HandleLoad(context.Background(), browser.LoadEvent{TargetID: "p", URL: "https://old.com/"})
	if len(gw.executed()) != 1 {
		t.Error("stale pattern ran after invalidation")
	}
	r.HandleLoad(context.Background(), browser.LoadEvent{TargetID: "p", URL: "https://new.com/"})
	if len(gw.executed()) != 2 {
		t.Error("new pattern did not run")
	}
}

func TestListFailureSkipsQuietly(t *testing.T) {
	gw := &fakeGateway{}
	tasks := &fakeTasks{err: errors.New("db closed")}
	r := newTestRegistry(t, gw, tasks, &captureBroadcast{})

	r.HandleLoad(context.Background(), browser.LoadEvent{TargetID: "p", URL: "https://x.io"})
	if len(gw.executed()) != 0 {
		t.Error("no tasks should run when listing fails")
	}
}
