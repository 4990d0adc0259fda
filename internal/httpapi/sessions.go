package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/studio/internal/session"
	"github.com/ent0n29/studio/internal/tasks"
)

type createSessionRequest struct {
	Settings *session.SettingsPatch `json:"settings" validate:"omitempty"`
}

type updateSessionRequest struct {
	Settings    *session.SettingsPatch  `json:"settings" validate:"omitempty"`
	History     *[]session.HistoryEntry `json:"history"`
	EditHistory *[]session.HistoryEntry `json:"edit_history"`
}

type addHistoryRequest struct {
	TaskID string       `json:"task_id" validate:"max=128"`
	Kind   tasks.Kind   `json:"kind" validate:"omitempty,oneof=generate edit analyze"`
	Prompt string       `json:"prompt" validate:"required,max=8000"`
	Result tasks.Result `json:"result"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.validateRequest(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	doc, err := s.sessions.Create(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if req.Settings != nil {
		doc, err = s.sessions.Update(r.Context(), doc.ID, session.Patch{MergeSettings: req.Settings})
		if err != nil {
			respondServiceError(w, err)
			return
		}
	}
	respondJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	doc, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.validateRequest(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Settings == nil && req.History == nil && req.EditHistory == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "nothing to update")
		return
	}

	doc, err := s.sessions.Update(r.Context(), chi.URLParam(r, "id"), session.Patch{
		MergeSettings: req.Settings,
		History:       req.History,
		EditHistory:   req.EditHistory,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	existed, err := s.sessions.Delete(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if !existed {
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "deleted": true})
}

func (s *Server) handleAddHistory(w http.ResponseWriter, r *http.Request) {
	var req addHistoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if err := s.validateRequest(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	doc, err := s.sessions.AddHistory(r.Context(), chi.URLParam(r, "id"), session.HistoryEntry{
		TaskID: req.TaskID,
		Kind:   req.Kind,
		Prompt: req.Prompt,
		Result: req.Result,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSessionTasks(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	queued, err := s.taskService.SessionTasks(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if queued == nil {
		queued = []tasks.Task{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"tasks":      queued,
	})
}
