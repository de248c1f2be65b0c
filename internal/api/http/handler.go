package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
	"github.com/veranemoloko/attachment-fetcher/internal/progress"
	"github.com/veranemoloko/attachment-fetcher/internal/validation"
)

// TaskServiceI defines the interface for task-related business logic.
type TaskServiceI interface {
	CreateTask(ctx context.Context, req *domain.CreateTaskRequest) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context) []domain.Task
	History(ctx context.Context, id string) ([]progress.Sample, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	SetPriority(ctx context.Context, id, priority string) error
	SetSpeedLimit(ctx context.Context, id string, bps int64) error
	SetConcurrency(ctx context.Context, limit int) error
	Stats(ctx context.Context) domain.SchedulerStats
}

// TaskHandler handles HTTP requests for tasks.
type TaskHandler struct {
	taskService TaskServiceI
	logger      *slog.Logger
}

// NewTaskHandler creates a new TaskHandler with the provided service and logger.
func NewTaskHandler(taskService TaskServiceI, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		taskService: taskService,
		logger:      logger,
	}
}

// CreateTask handles the HTTP POST /tasks request to submit an ad-hoc task.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTaskRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	task, err := h.taskService.CreateTask(r.Context(), &req)
	if err != nil {
		h.fail(w, "failed to create task", err)
		return
	}

	writeJSON(w, http.StatusCreated, task)
}

// ListTasks handles GET /tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.taskService.ListTasks(r.Context()))
}

// GetTask handles the HTTP GET /tasks/{taskID} request to fetch a task by ID.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.taskService.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.fail(w, "failed to get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// History handles GET /tasks/{taskID}/history.
func (h *TaskHandler) History(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	samples, err := h.taskService.History(r.Context(), taskID)
	if err != nil {
		h.fail(w, "failed to get task history", err)
		return
	}
	if samples == nil {
		samples = []progress.Sample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"samples": samples,
	})
}

func (h *TaskHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "pause", h.taskService.Pause)
}

func (h *TaskHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "resume", h.taskService.Resume)
}

func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "cancel", h.taskService.Cancel)
}

// SetPriority handles PUT /tasks/{taskID}/priority.
func (h *TaskHandler) SetPriority(w http.ResponseWriter, r *http.Request) {
	var req domain.PriorityRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	h.control(w, r, "set priority", func(ctx context.Context, id string) error {
		return h.taskService.SetPriority(ctx, id, req.Priority)
	})
}

// SetSpeedLimit handles PUT /tasks/{taskID}/speed-limit.
func (h *TaskHandler) SetSpeedLimit(w http.ResponseWriter, r *http.Request) {
	var req domain.SpeedLimitRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	h.control(w, r, "set speed limit", func(ctx context.Context, id string) error {
		return h.taskService.SetSpeedLimit(ctx, id, req.BytesPerSec)
	})
}

// SetConcurrency handles PUT /scheduler/concurrency.
func (h *TaskHandler) SetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req domain.ConcurrencyRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	if err := h.taskService.SetConcurrency(r.Context(), req.Limit); err != nil {
		h.fail(w, "failed to set concurrency", err)
		return
	}
	writeJSON(w, http.StatusOK, h.taskService.Stats(r.Context()))
}

// Stats handles GET /scheduler.
func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.taskService.Stats(r.Context()))
}

// control applies a state change and answers with the updated task.
func (h *TaskHandler) control(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) error) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")

	if err := fn(ctx, taskID); err != nil {
		h.fail(w, "failed to "+action+" task", err)
		return
	}

	task, err := h.taskService.GetTask(ctx, taskID)
	if err != nil {
		// Cancelled tasks leave the scheduler right away.
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(domain.TaskStatusCancelled)})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	h.logger.Warn(msg, "error", err)
	writeError(w, status, err.Error())
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errpkg.ErrTaskNotFound),
		errors.Is(err, errpkg.ErrSessionNotFound),
		errors.Is(err, errpkg.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, errpkg.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, errpkg.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, errpkg.ErrSchedulerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any, logger *slog.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validation.Struct(dst); err != nil {
		logger.Warn("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
