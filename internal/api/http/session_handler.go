package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
)

// SessionServiceI starts and observes session driver runs.
type SessionServiceI interface {
	StartSession(ctx context.Context, req *domain.StartSessionRequest) (domain.Session, error)
	GetSession(ctx context.Context, id string) (domain.Session, error)
	StopSession(ctx context.Context, id string) (domain.Session, error)
}

type SessionHandler struct {
	sessionService SessionServiceI
	logger         *slog.Logger
}

func NewSessionHandler(sessionService SessionServiceI, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessionService: sessionService, logger: logger}
}

// StartSession handles POST /sessions. The run continues in the background.
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req domain.StartSessionRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	sess, err := h.sessionService.StartSession(r.Context(), &req)
	if err != nil {
		h.fail(w, "failed to start session", err)
		return
	}

	h.logger.Info("session accepted", "session_id", sess.ID, "containers", len(req.Containers))
	writeJSON(w, http.StatusAccepted, sess)
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionService.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, "failed to get session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionService.StopSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, "failed to stop session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	h.logger.Warn(msg, "error", err)
	writeError(w, status, err.Error())
}
