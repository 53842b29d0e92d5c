// Package api is the local HTTP + WebSocket surface the UI talks to. All
// state lives elsewhere; handlers validate, delegate and translate errors.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"scriptnerd/internal/browser"
	"scriptnerd/internal/capture"
	"scriptnerd/internal/log"
	"scriptnerd/internal/registry"
	"scriptnerd/internal/store"
)

// TaskStore is the persistence slice the API needs.
type TaskStore interface {
	CreateTaskWithConversation(ctx context.Context, task store.Task, conv store.Conversation) error
	GetTask(ctx context.Context, id string) (store.Task, error)
	ListTasks(ctx context.Context) ([]store.Task, error)
	UpdateTask(ctx context.Context, task store.Task) error
	DeleteTask(ctx context.Context, id string) error
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
}

// PageGateway is the browser slice the API needs.
type PageGateway interface {
	OpenTarget(ctx context.Context, pageURL string) (browser.Target, error)
	ResolveTarget(ctx context.Context, wantURL string) (browser.Target, error)
	GrabElement(ctx context.Context, targetID, selector string) (markup, screenshot string, err error)
	ListTargets() []browser.Target
}

// Capturer produces page observations for task creation.
type Capturer interface {
	Capture(ctx context.Context, targetID string, includeScreenshot bool) capture.Observation
}

// Loop is the orchestrator slice the API drives.
type Loop interface {
	Submit(conversationID, userMessage string, grabbed []store.GrabbedElement, cachedObs *capture.Observation, source string) error
	Cancel(conversationID string) bool
	Phase(ctx context.Context, conversationID string) (string, error)
	Approve(ctx context.Context, conversationID string) error
	Reject(ctx context.Context, conversationID, feedback string, startOver bool, grabbed []store.GrabbedElement) error
	EditMessage(ctx context.Context, conversationID, messageID, newContent string) error
	RevertToMessage(ctx context.Context, conversationID, messageID string) error
	Forget(conversationID string)
}

// RunStatusSource reports auto-run outcomes.
type RunStatusSource interface {
	StatusOf(taskID string) (registry.RunStatus, bool)
	Invalidate(taskID string)
}

// Deps are the collaborators behind the API.
type Deps struct {
	Store    TaskStore
	Gateway  PageGateway
	Capturer Capturer
	Loop     Loop
	Registry RunStatusSource
	// Hub, when set, reuses an existing broadcast hub (the loop and the
	// registry publish to it too). A fresh hub is created when nil.
	Hub    *WSHub
	Logger log.Logger
}

// Server serves the local API.
type Server struct {
	deps   Deps
	mux    *http.ServeMux
	hub    *WSHub
	logger log.Logger
}

// NewServer wires the routes. The returned server's hub doubles as the
// loop's broadcaster.
func NewServer(deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Gateway == nil || deps.Capturer == nil || deps.Loop == nil {
		return nil, fmt.Errorf("store, gateway, capturer and loop are required")
	}
	if deps.Logger == nil {
		deps.Logger = log.Noop
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewWSHub()
	}
	s := &Server{
		deps:   deps,
		mux:    http.NewServeMux(),
		hub:    hub,
		logger: deps.Logger.WithValues(log.Kv{"svc": "api"}),
	}
	s.registerTaskRoutes()
	s.registerConversationRoutes()
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /ws", s.hub.HandleWS)
	return s, nil
}

// Handler exposes the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub exposes the WebSocket hub for use as the loop broadcaster.
func (s *Server) Hub() *WSHub {
	return s.hub
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]any{"status": "ok", "wsClients": s.hub.ClientCount()})
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondStoreError maps store sentinels onto HTTP codes with actionable
// messages.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrAlreadyExists):
		respondError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, store.ErrStorageFull):
		respondError(w, http.StatusInsufficientStorage, "storage_full", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}
