package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podushkina/taskpilot/internal/logger"
	"github.com/podushkina/taskpilot/internal/notify"
	"github.com/podushkina/taskpilot/internal/queue"
	"github.com/podushkina/taskpilot/internal/store"
	"github.com/podushkina/taskpilot/internal/task"
	"github.com/podushkina/taskpilot/internal/webhook"
)

// Handler wires the HTTP surface to the pipeline. Authentication lives
// in front of this service; callers are trusted to supply user_id.
type Handler struct {
	store    store.Store
	queue    *queue.Queue
	registry *webhook.Registry
	hooks    *webhook.Dispatcher
	settings *notify.Store
}

func NewHandler(s store.Store, q *queue.Queue, r *webhook.Registry, d *webhook.Dispatcher, n *notify.Store) *Handler {
	return &Handler{store: s, queue: q, registry: r, hooks: d, settings: n}
}

type CreateTaskRequest struct {
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	TaskType    string `json:"task_type"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	priority := req.Priority
	if priority < task.PriorityLow {
		priority = task.PriorityLow
	}
	if priority > task.PriorityHigh {
		priority = task.PriorityHigh
	}

	taskType := req.TaskType
	if taskType == "" {
		taskType = "general"
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		Name:        req.Name,
		Description: req.Description,
		Status:      task.StatusPending,
		Priority:    priority,
		Type:        taskType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.store.Create(r.Context(), t); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.appendLog(r, t.ID, task.EventCreated, "Task created: "+t.Name)

	// Enqueue failures are not fatal for the request: the task is
	// persisted as pending and the stale-pending sweep will resubmit it.
	if err := h.queue.Enqueue(r.Context(), t.ID); err != nil {
		logger.Warn("enqueue failed", zap.String("task_id", t.ID), zap.Error(err))
	}

	respondJSON(w, http.StatusCreated, t)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if t == nil {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}

	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	tasks, err := h.store.ListByUser(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, tasks)
}

func (h *Handler) GetTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if t == nil {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}

	logs, err := h.store.Logs(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, logs)
}

// RunTask is the manual re-run path: the only way a failed task goes
// back to pending.
func (h *Handler) RunTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if t == nil {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}

	if err := h.store.MarkPending(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotRunnable):
			respondError(w, http.StatusBadRequest, "task is already "+string(t.Status))
		case errors.Is(err, store.ErrNotFound):
			respondError(w, http.StatusNotFound, "task not found")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.appendLog(r, id, task.EventManualRun, "Task manually run via API")

	if err := h.queue.Enqueue(r.Context(), id); err != nil {
		logger.Warn("enqueue failed", zap.String("task_id", id), zap.Error(err))
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"message": "task scheduled for processing",
		"status":  string(task.StatusPending),
	})
}

func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "task not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Info("task deleted", zap.String("task_id", id))
	w.WriteHeader(http.StatusNoContent)
}

type RegisterWebhookRequest struct {
	UserID    string `json:"user_id"`
	URL       string `json:"url"`
	EventType string `json:"event_type"`
}

func (h *Handler) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req RegisterWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" || req.URL == "" || req.EventType == "" {
		respondError(w, http.StatusBadRequest, "user_id, url and event_type are required")
		return
	}

	sub, err := h.registry.Register(r.Context(), req.UserID, req.URL, req.EventType)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, sub)
}

func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	subs, err := h.registry.List(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, subs)
}

func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := h.registry.Delete(r.Context(), userID, id); err != nil {
		if errors.Is(err, webhook.ErrSubscriptionNotFound) {
			respondError(w, http.StatusNotFound, "webhook not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TestWebhook sends a synchronous test event and reports the receiver's
// status code.
func (h *Handler) TestWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	sub, err := h.registry.Get(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, webhook.ErrSubscriptionNotFound) {
			respondError(w, http.StatusNotFound, "webhook not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload := map[string]any{
		"test":    true,
		"user_id": userID,
		"message": "This is a test webhook event",
	}

	code, err := h.hooks.Deliver(*sub, sub.EventType, payload)
	if err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":       err.Error(),
			"status_code": code,
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"message":     "test webhook sent",
		"status_code": code,
	})
}

func (h *Handler) GetNotificationSettings(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	st, err := h.settings.Materialize(r.Context(), userID, r.URL.Query().Get("email"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, st)
}

type UpdateNotificationSettingsRequest struct {
	UserID   string          `json:"user_id"`
	Settings notify.Settings `json:"settings"`
}

func (h *Handler) UpdateNotificationSettings(w http.ResponseWriter, r *http.Request) {
	var req UpdateNotificationSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := h.settings.Put(r.Context(), req.UserID, req.Settings); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, req.Settings)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) appendLog(r *http.Request, taskID, status, message string) {
	if err := h.store.AppendLog(r.Context(), taskID, status, message); err != nil {
		logger.Warn("log append failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
