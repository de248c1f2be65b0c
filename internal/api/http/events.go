package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	"github.com/veranemoloko/attachment-fetcher/internal/progress"
)

const keepAliveInterval = 15 * time.Second

// EventSource hands out event subscriptions.
type EventSource interface {
	Subscribe(buffer int) *progress.Subscription
}

// EventsHandler streams publisher events as Server-Sent Events. The optional
// task_id and session_id query parameters narrow the stream.
type EventsHandler struct {
	source EventSource
	buffer int
	logger *slog.Logger
}

func NewEventsHandler(source EventSource, buffer int, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{source: source, buffer: buffer, logger: logger}
}

func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	taskID := r.URL.Query().Get("task_id")
	sessionID := r.URL.Query().Get("session_id")

	sub := h.source.Subscribe(h.buffer)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				// Dropped for falling behind; the client reconnects.
				return
			}
			if !matches(ev, taskID, sessionID) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func matches(ev domain.Event, taskID, sessionID string) bool {
	if taskID != "" && (ev.Task == nil || ev.Task.TaskID != taskID) {
		return false
	}
	if sessionID != "" && (ev.Session == nil || ev.Session.SessionID != sessionID) {
		return false
	}
	return true
}
