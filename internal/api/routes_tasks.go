package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"scriptnerd/internal/loop"
	"scriptnerd/internal/store"
)

func (s *Server) registerTaskRoutes() {
	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("PATCH /api/tasks/{id}", s.handleUpdateTask)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	s.mux.HandleFunc("GET /api/tasks/{id}/status", s.handleTaskStatus)
	s.mux.HandleFunc("POST /api/targets/{id}/grab", s.handleGrabElement)
	s.mux.HandleFunc("GET /api/targets", s.handleListTargets)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Store.ListTasks(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondOK(w, map[string]any{"tasks": tasks})
}

type createTaskRequest struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt,omitempty"`
	Name   string `json:"name,omitempty"`
	// Provenance for scripts imported from external repositories. Defaults
	// to the page itself.
	SourceURL  string `json:"sourceUrl,omitempty"`
	SourceType string `json:"sourceType,omitempty"`
}

// handleCreateTask opens (or attaches to) the target page, captures the
// initial observation and creates the task/conversation pair. A prompt in
// the request immediately enters the loop with the captured observation as
// its first-call cache.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "url is required")
		return
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Hostname() == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "url must be absolute")
		return
	}

	target, err := s.deps.Gateway.ResolveTarget(r.Context(), req.URL)
	if err != nil {
		respondError(w, http.StatusBadGateway, "target_unreachable", err.Error())
		return
	}
	obs := s.deps.Capturer.Capture(r.Context(), target.ID, true)
	if obs.Error != "" && obs.URL == "" {
		respondError(w, http.StatusBadGateway, "capture_failed", obs.Error)
		return
	}

	sourceURL := strings.TrimSpace(req.SourceURL)
	sourceType := strings.TrimSpace(req.SourceType)
	if sourceURL == "" {
		sourceURL = req.URL
	}
	if sourceType == "" {
		sourceType = "page"
	}

	conversationID := uuid.NewString()
	task := store.Task{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(req.Name),
		MatchPattern:   loop.DefaultMatchPattern(req.URL),
		ConversationID: conversationID,
		SourceURL:      sourceURL,
		SourceType:     sourceType,
	}
	conv := store.Conversation{
		ID:                conversationID,
		Domain:            parsed.Hostname(),
		InitialURL:        obs.URL,
		InitialScreenshot: obs.Screenshot,
		InitialMarkup:     obs.Markup,
		InitialConsoleLog: obs.ConsoleLog,
	}
	if err := s.deps.Store.CreateTaskWithConversation(r.Context(), task, conv); err != nil {
		respondStoreError(w, err)
		return
	}
	s.hub.Broadcast(loop.TopicTaskUpdated, map[string]any{"taskId": task.ID})

	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		if err := s.deps.Loop.Submit(conversationID, prompt, nil, &obs, "create"); err != nil {
			s.logger.Warningf("Initial prompt submit failed for %s: %v", conversationID, err)
		}
	}

	respondOK(w, map[string]any{"task": task, "conversationId": conversationID, "targetId": target.ID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondOK(w, map[string]any{"task": task})
}

type updateTaskRequest struct {
	Name         *string `json:"name,omitempty"`
	MatchPattern *string `json:"matchPattern,omitempty"`
	Script       *string `json:"script,omitempty"`
	Enabled      *bool   `json:"enabled,omitempty"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	task, err := s.deps.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if req.Name != nil {
		task.Name = strings.TrimSpace(*req.Name)
	}
	if req.MatchPattern != nil {
		task.MatchPattern = *req.MatchPattern
	}
	if req.Script != nil {
		task.Script = *req.Script
	}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}
	if err := s.deps.Store.UpdateTask(r.Context(), task); err != nil {
		respondStoreError(w, err)
		return
	}
	if s.deps.Registry != nil {
		s.deps.Registry.Invalidate(task.ID)
	}
	s.hub.Broadcast(loop.TopicTaskUpdated, map[string]any{"taskId": task.ID})
	respondOK(w, map[string]any{"task": task})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.deps.Store.GetTask(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if err := s.deps.Store.DeleteTask(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	s.deps.Loop.Forget(task.ConversationID)
	if s.deps.Registry != nil {
		s.deps.Registry.Invalidate(id)
	}
	s.hub.Broadcast(loop.TopicTaskUpdated, map[string]any{"taskId": id, "deleted": true})
	respondOK(w, map[string]any{"deleted": id})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.deps.Store.GetTask(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	phase, err := s.deps.Loop.Phase(r.Context(), task.ConversationID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	out := map[string]any{"taskId": id, "enabled": task.Enabled, "phase": phase}
	if s.deps.Registry != nil {
		if run, ok := s.deps.Registry.StatusOf(id); ok {
			out["lastRun"] = run
		}
	}
	respondOK(w, out)
}

type grabRequest struct {
	Selector string `json:"selector"`
}

// handleGrabElement captures markup and a screenshot of one element, for
// the user to attach as model context.
func (s *Server) handleGrabElement(w http.ResponseWriter, r *http.Request) {
	var req grabRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Selector) == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "selector is required")
		return
	}

	markup, screenshot, err := s.deps.Gateway.GrabElement(r.Context(), r.PathValue("id"), req.Selector)
	if err != nil {
		respondError(w, http.StatusBadGateway, "grab_failed", err.Error())
		return
	}
	respondOK(w, store.GrabbedElement{Markup: markup, Screenshot: screenshot})
}

func (s *Server) handleListTargets(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]any{"targets": s.deps.Gateway.ListTargets()})
}
