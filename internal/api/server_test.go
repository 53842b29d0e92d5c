package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"scriptnerd/internal/browser"
	"scriptnerd/internal/capture"
	"scriptnerd/internal/loop"
	"scriptnerd/internal/registry"
	"scriptnerd/internal/store"
)

type memStore struct {
	tasks map[string]store.Task
	convs map[string]store.Conversation
}

func newMemStore() *memStore {
	return &memStore{tasks: map[string]store.Task{}, convs: map[string]store.Conversation{}}
}

func (m *memStore) CreateTaskWithConversation(ctx context.Context, task store.Task, conv store.Conversation) error {
	if _, ok := m.tasks[task.ID]; ok {
		return store.ErrAlreadyExists
	}
	m.tasks[task.ID] = task
	m.convs[conv.ID] = conv
	return nil
}

func (m *memStore) GetTask(ctx context.Context, id string) (store.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return store.Task{}, store.ErrNotFound
	}
	return t, nil
}

func (m *memStore) ListTasks(ctx context.Context) ([]store.Task, error) {
	out := make([]store.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) UpdateTask(ctx context.Context, task store.Task) error {
	if _, ok := m.tasks[task.ID]; !ok {
		return store.ErrNotFound
	}
	m.tasks[task.ID] = task
	return nil
}

func (m *memStore) DeleteTask(ctx context.Context, id string) error {
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(m.tasks, id)
	delete(m.convs, t.ConversationID)
	return nil
}

func (m *memStore) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	c, ok := m.convs[id]
	if !ok {
		return store.Conversation{}, store.ErrNotFound
	}
	return c, nil
}

type stubGateway struct {
	target browser.Target
}

func (g *stubGateway) OpenTarget(ctx context.Context, pageURL string) (browser.Target, error) {
	return g.target, nil
}

func (g *stubGateway) ResolveTarget(ctx context.Context, wantURL string) (browser.Target, error) {
	return g.target, nil
}

func (g *stubGateway) GrabElement(ctx context.Context, targetID, selector string) (string, string, error) {
	if selector == "#missing" {
		return "", "", errors.New("element not found: #missing")
	}
	return "<div id=\"x\"></div>", "c2NyZWVu", nil
}

func (g *stubGateway) ListTargets() []browser.Target {
	return []browser.Target{g.target}
}

type stubCapturer struct{}

func (stubCapturer) Capture(ctx context.Context, targetID string, includeScreenshot bool) capture.Observation {
	return capture.Observation{URL: "https://example.com/page", Markup: "<body></body>"}
}

type stubLoop struct {
	submitted  []string
	approveErr error
	cancelHit  bool
	forgot     []string
}

func (l *stubLoop) Submit(conversationID, userMessage string, grabbed []store.GrabbedElement, cachedObs *capture.Observation, source string) error {
	l.submitted = append(l.submitted, userMessage)
	return nil
}

func (l *stubLoop) Cancel(conversationID string) bool {
	l.cancelHit = true
	return false
}

func (l *stubLoop) Phase(ctx context.Context, conversationID string) (string, error) {
	return loop.PhaseIdle, nil
}

func (l *stubLoop) Approve(ctx context.Context, conversationID string) error {
	return l.approveErr
}

func (l *stubLoop) Reject(ctx context.Context, conversationID, feedback string, startOver bool, grabbed []store.GrabbedElement) error {
	return nil
}

func (l *stubLoop) EditMessage(ctx context.Context, conversationID, messageID, newContent string) error {
	return nil
}

func (l *stubLoop) RevertToMessage(ctx context.Context, conversationID, messageID string) error {
	return nil
}

func (l *stubLoop) Forget(conversationID string) {
	l.forgot = append(l.forgot, conversationID)
}

type stubRegistry struct{}

func (stubRegistry) StatusOf(taskID string) (registry.RunStatus, bool) {
	return registry.RunStatus{TaskID: taskID, State: registry.StateSuccess}, true
}

func (stubRegistry) Invalidate(string) {}

func newTestServer(t *testing.T) (*Server, *memStore, *stubLoop) {
	t.Helper()
	st := newMemStore()
	lp := &stubLoop{}
	srv, err := NewServer(Deps{
		Store:    st,
		Gateway:  &stubGateway{target: browser.Target{ID: "tgt-1", URL: "https://example.com/page"}},
		Capturer: stubCapturer{},
		Loop:     lp,
		Registry: stubRegistry{},
	})
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	return srv, st, lp
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCreateTaskFlow(t *testing.T) {
	srv, st, lp := newTestServer(t)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/tasks", map[string]any{
		"url":    "https://example.com/page",
		"prompt": "make it dark",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		OK   bool `json:"ok"`
		Data struct {
			Task           store.Task `json:"task"`
			ConversationID string     `json:"conversationId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK {
		t.Fatal("expected ok response")
	}
	if resp.Data.Task.MatchPattern != `https?://example\.com.*` {
		t.Errorf("match pattern = %q", resp.Data.Task.MatchPattern)
	}
	if _, err := st.GetConversation(context.Background(), resp.Data.ConversationID); err != nil {
		t.Errorf("conversation not persisted: %v", err)
	}
	if len(lp.submitted) != 1 || lp.submitted[0] != "make it dark" {
		t.Errorf("prompt not submitted: %v", lp.submitted)
	}
}

func TestCreateTaskRejectsBadURL(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, body := range []map[string]any{
		{},
		{"url": "   "},
		{"url": "not-a-url"},
	} {
		w := doJSON(t, srv.Handler(), http.MethodPost, "/api/tasks", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %v: status = %d", body, w.Code)
		}
	}
}

func TestTaskCRUD(t *testing.T) {
	srv, st, lp := newTestServer(t)
	st.tasks["t1"] = store.Task{ID: "t1", Name: "old", ConversationID: "c1"}
	st.convs["c1"] = store.Conversation{ID: "c1", Domain: "example.com"}

	w := doJSON(t, srv.Handler(), http.MethodPatch, "/api/tasks/t1", map[string]any{"name": "new", "enabled": true})
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d body=%s", w.Code, w.Body.String())
	}
	if got := st.tasks["t1"]; got.Name != "new" || !got.Enabled {
		t.Errorf("task after patch = %+v", got)
	}

	w = doJSON(t, srv.Handler(), http.MethodGet, "/api/tasks/t1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status status = %d", w.Code)
	}

	w = doJSON(t, srv.Handler(), http.MethodDelete, "/api/tasks/t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if len(lp.forgot) != 1 || lp.forgot[0] != "c1" {
		t.Errorf("loop not released: %v", lp.forgot)
	}

	w = doJSON(t, srv.Handler(), http.MethodGet, "/api/tasks/t1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", w.Code)
	}
}

func TestSendMessageValidation(t *testing.T) {
	srv, st, lp := newTestServer(t)
	st.convs["c1"] = store.Conversation{ID: "c1", Domain: "example.com"}

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/conversations/c1/messages", map[string]any{"content": "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank content status = %d", w.Code)
	}

	w = doJSON(t, srv.Handler(), http.MethodPost, "/api/conversations/c1/messages", map[string]any{"content": "hello"})
	if w.Code != http.StatusOK {
		t.Errorf("send status = %d body=%s", w.Code, w.Body.String())
	}
	if len(lp.submitted) != 1 {
		t.Errorf("submitted = %v", lp.submitted)
	}
}

func TestApproveConflictMapping(t *testing.T) {
	srv, _, lp := newTestServer(t)
	lp.approveErr = loop.ErrNoPendingApproval

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/conversations/c1/approve", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestGrabElement(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/targets/tgt-1/grab", map[string]any{"selector": "#x"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv.Handler(), http.MethodPost, "/api/targets/tgt-1/grab", map[string]any{"selector": "#missing"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("missing element status = %d", w.Code)
	}

	w = doJSON(t, srv.Handler(), http.MethodPost, "/api/targets/tgt-1/grab", map[string]any{"selector": ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty selector status = %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
}
