package api

import (
	"errors"
	"net/http"
	"strings"

	"scriptnerd/internal/loop"
	"scriptnerd/internal/store"
)

func (s *Server) registerConversationRoutes() {
	s.mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	s.mux.HandleFunc("POST /api/conversations/{id}/messages", s.handleSendMessage)
	s.mux.HandleFunc("POST /api/conversations/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /api/conversations/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/conversations/{id}/reject", s.handleReject)
	s.mux.HandleFunc("POST /api/conversations/{id}/messages/{messageID}/edit", s.handleEditMessage)
	s.mux.HandleFunc("POST /api/conversations/{id}/messages/{messageID}/revert", s.handleRevertMessage)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.deps.Store.GetConversation(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	phase, err := s.deps.Loop.Phase(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondOK(w, map[string]any{"conversation": conv, "phase": phase})
}

type sendMessageRequest struct {
	Content         string                 `json:"content"`
	GrabbedElements []store.GrabbedElement `json:"grabbedElements,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "content is required")
		return
	}

	err := s.deps.Loop.Submit(r.PathValue("id"), req.Content, req.GrabbedElements, nil, "api")
	if err != nil {
		if errors.Is(err, loop.ErrBusy) {
			respondError(w, http.StatusConflict, "busy", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	respondOK(w, map[string]any{"queued": true})
}

// handleCancel registers one cancel signal; the client calls twice within
// the confirm window to hard-abort.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	confirmed := s.deps.Loop.Cancel(r.PathValue("id"))
	respondOK(w, map[string]any{"confirmed": confirmed})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Loop.Approve(r.Context(), r.PathValue("id")); err != nil {
		respondLoopError(w, err)
		return
	}
	respondOK(w, map[string]any{"approved": true})
}

type rejectRequest struct {
	Feedback        string                 `json:"feedback,omitempty"`
	StartOver       bool                   `json:"startOver,omitempty"`
	GrabbedElements []store.GrabbedElement `json:"grabbedElements,omitempty"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.deps.Loop.Reject(r.Context(), r.PathValue("id"), req.Feedback, req.StartOver, req.GrabbedElements); err != nil {
		respondLoopError(w, err)
		return
	}
	respondOK(w, map[string]any{"rejected": true, "startOver": req.StartOver})
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req editMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	err := s.deps.Loop.EditMessage(r.Context(), r.PathValue("id"), r.PathValue("messageID"), req.Content)
	if err != nil {
		respondLoopError(w, err)
		return
	}
	respondOK(w, map[string]any{"resent": true})
}

func (s *Server) handleRevertMessage(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Loop.RevertToMessage(r.Context(), r.PathValue("id"), r.PathValue("messageID"))
	if err != nil {
		respondLoopError(w, err)
		return
	}
	respondOK(w, map[string]any{"reverted": true})
}

func respondLoopError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, loop.ErrNoPendingApproval):
		respondError(w, http.StatusConflict, "no_pending_approval", err.Error())
	case errors.Is(err, loop.ErrBusy):
		respondError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
	}
}
