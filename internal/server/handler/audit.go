package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

// OptionAuditLister is implemented by audit stores that index entries by
// option.
type OptionAuditLister interface {
	ListByOption(ctx context.Context, optionID uint64, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// AuditHandler serves the audit trail.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger.With(slog.String("handler", "audit"))}
}

type auditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// List returns the newest audit entries.
// GET /api/audit?limit=50&offset=0
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Entries: entries})
}

// ListByOption returns the audit trail of one record.
// GET /api/options/{id}/audit
func (h *AuditHandler) ListByOption(w http.ResponseWriter, r *http.Request) {
	lister, ok := h.audit.(OptionAuditLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "audit store cannot filter by option")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := lister.ListByOption(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list option audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Entries: entries})
}
