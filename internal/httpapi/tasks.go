package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/studio/internal/taskruntime"
)

type createTaskResponse struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type cancelTaskRequest struct {
	SessionID string `json:"session_id"`
}

type cancelTaskResponse struct {
	TaskID string `json:"task_id"`
	Result string `json:"result"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskruntime.EnqueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, err := s.taskService.Enqueue(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, createTaskResponse{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Status:    string(task.Status),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	task, err := s.taskService.GetTask(r.Context(), taskID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	var req cancelTaskRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.URL.Query().Get("session_id"))
	}
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}

	result, err := s.taskService.Cancel(r.Context(), taskID, sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	status := http.StatusOK
	switch result {
	case taskruntime.CancelNotFound:
		status = http.StatusNotFound
	case taskruntime.CancelAlreadyProcessing:
		status = http.StatusConflict
	}
	respondJSON(w, status, cancelTaskResponse{TaskID: taskID, Result: string(result)})
}
