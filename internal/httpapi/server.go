package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/studio/internal/config"
	"github.com/ent0n29/studio/internal/notify"
	"github.com/ent0n29/studio/internal/observability"
	"github.com/ent0n29/studio/internal/protocol"
	"github.com/ent0n29/studio/internal/session"
	"github.com/ent0n29/studio/internal/taskruntime"
	"github.com/ent0n29/studio/internal/tasks"
)

const (
	maxBodyBytes  = 16 << 20
	wsWriteWait   = 10 * time.Second
	wsReadTimeout = 120 * time.Second
	wsPingEvery   = 45 * time.Second
)

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	taskService *taskruntime.Service
	hub         *notify.Hub
	metrics     *observability.Metrics
	logger      *slog.Logger
	validate    *validator.Validate
	upgrader    websocket.Upgrader
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	taskService *taskruntime.Service,
	hub *notify.Hub,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		sessions:    sessions,
		taskService: taskService,
		hub:         hub,
		metrics:     metrics,
		logger:      logger.With("component", "httpapi"),
		validate:    validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/{id}", s.handleGetSession)
		r.Patch("/{id}", s.handleUpdateSession)
		r.Delete("/{id}", s.handleDeleteSession)
		r.Post("/{id}/history", s.handleAddHistory)
		r.Get("/{id}/tasks", s.handleSessionTasks)
	})

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.Get("/v1/queue/status", s.handleQueueStatus)
	r.Get("/v1/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"worker_alive":  s.taskService.WorkerAlive(),
		"queue_backend": s.cfg.QueueBackend,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st, err := s.taskService.QueueStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
		return
	}
	if !st.WorkerAlive {
		respondError(w, http.StatusServiceUnavailable, "worker_not_running", "task worker is not running")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"queue_backend": s.cfg.QueueBackend,
		"queue_length":  st.QueueLength,
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.taskService.QueueStatus(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	doc, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.hub.Subscribe(sessionID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Replies from the read loop go through outbound so that only the
	// writer goroutine touches the connection.
	outbound := make(chan any, 64)
	outbound <- protocol.SessionSnapshot{
		Type:        protocol.TypeSessionSnapshot,
		SessionID:   sessionID,
		QueuedTasks: doc.QueuedTasks,
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		ping := time.NewTicker(wsPingEvery)
		defer ping.Stop()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				continue
			case evt, ok := <-events:
				if !ok {
					return
				}
				msg = protocol.FromEvent(evt)
			case msg = <-outbound:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.DebugContext(ctx, "websocket write failed", "session_id", sessionID, "error", err)
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		reply := s.handleClientMessage(ctx, sessionID, data)
		if reply == nil {
			continue
		}
		select {
		case outbound <- reply:
		case <-ctx.Done():
		default:
			// Never block the reader on a slow socket.
			if t, ok := messageTypeOf(reply); ok {
				s.metrics.ObserveNotifyDropped(string(t))
			}
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) handleClientMessage(ctx context.Context, sessionID string, data []byte) any {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "invalid_client_message",
			Source:    "gateway",
			Detail:    err.Error(),
		}
	}
	if t, ok := messageTypeOf(parsed); ok {
		s.metrics.ObserveWSMessage("inbound", string(t))
	}

	switch msg := parsed.(type) {
	case protocol.GetQueueStatus:
		st, err := s.taskService.QueueStatus(ctx)
		if err != nil {
			return protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "queue_unavailable",
				Source:    "queue",
				Retryable: true,
				Detail:    err.Error(),
			}
		}
		return protocol.NewQueueStatus(st)
	case protocol.CancelTask:
		result, err := s.taskService.Cancel(ctx, msg.TaskID, sessionID)
		if err != nil {
			return protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "cancel_failed",
				Source:    "queue",
				Retryable: true,
				Detail:    err.Error(),
			}
		}
		return protocol.CancelResult{Type: protocol.TypeCancelResult, TaskID: msg.TaskID, Result: string(result)}
	case protocol.Ping:
		return protocol.Pong{Type: protocol.TypePong, TSMs: msg.TSMs}
	default:
		return nil
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func (s *Server) validateRequest(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed on %q", strings.ToLower(fe.Field()), fe.Tag())
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondServiceError maps domain errors onto HTTP status codes.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, taskruntime.ErrValidation):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, tasks.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, session.ErrConflict):
		respondError(w, http.StatusConflict, "session_conflict", err.Error())
	case errors.Is(err, tasks.ErrQueueUnavailable), errors.Is(err, session.ErrStoreUnavailable):
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.GetQueueStatus:
		return m.Type, true
	case protocol.CancelTask:
		return m.Type, true
	case protocol.Ping:
		return m.Type, true
	case protocol.TaskEvent:
		return m.Type, true
	case protocol.QueueStatusMessage:
		return m.Type, true
	case protocol.SessionSnapshot:
		return m.Type, true
	case protocol.CancelResult:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
