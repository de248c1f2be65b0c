package http

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
)

// LedgerServiceI reads and clears dedup ledger records.
type LedgerServiceI interface {
	GetRecord(ctx context.Context, containerID, itemID string) (domain.DedupRecord, error)
	Forget(ctx context.Context, containerID, itemID string) error
}

type LedgerHandler struct {
	ledgerService LedgerServiceI
	logger        *slog.Logger
}

func NewLedgerHandler(ledgerService LedgerServiceI, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledgerService: ledgerService, logger: logger}
}

// GetRecord handles GET /ledger/{containerID}/{itemID...}.
func (h *LedgerHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	containerID, itemID, ok := h.recordKey(w, r)
	if !ok {
		return
	}
	rec, err := h.ledgerService.GetRecord(r.Context(), containerID, itemID)
	if err != nil {
		h.fail(w, "failed to get ledger record", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Forget handles DELETE /ledger/{containerID}/{itemID...}. The item is
// downloaded again by the next session that lists it.
func (h *LedgerHandler) Forget(w http.ResponseWriter, r *http.Request) {
	containerID, itemID, ok := h.recordKey(w, r)
	if !ok {
		return
	}
	if err := h.ledgerService.Forget(r.Context(), containerID, itemID); err != nil {
		h.fail(w, "failed to forget ledger record", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *LedgerHandler) recordKey(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	containerID, err := url.PathUnescape(chi.URLParam(r, "containerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid container id")
		return "", "", false
	}
	itemID, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || itemID == "" {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return "", "", false
	}
	return containerID, itemID, true
}

func (h *LedgerHandler) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	h.logger.Warn(msg, "error", err)
	writeError(w, status, err.Error())
}
