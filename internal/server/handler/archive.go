package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

// ArchiveReader lists and reads archived batches.
type ArchiveReader interface {
	domain.BlobReader
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
}

// ArchiveHandler exposes the JSONL batches written by the archiver.
type ArchiveHandler struct {
	blobs  ArchiveReader
	root   string // e.g. "archive/WETH-USDC/"
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler restricted to keys under root.
func NewArchiveHandler(blobs ArchiveReader, root string, logger *slog.Logger) *ArchiveHandler {
	if root != "" && !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return &ArchiveHandler{blobs: blobs, root: root, logger: logger.With(slog.String("handler", "archive"))}
}

type archiveListResponse struct {
	Objects []domain.BlobInfo `json:"objects"`
}

// List returns archived batches, optionally narrowed by a date prefix such
// as "2026/01".
// GET /api/archives?prefix=2026/01
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimPrefix(r.URL.Query().Get("prefix"), "/")
	if strings.Contains(prefix, "..") {
		writeError(w, http.StatusBadRequest, "invalid prefix")
		return
	}
	objs, err := h.blobs.List(r.Context(), h.root+"options/"+prefix)
	if err != nil {
		writeDomainError(w, r, h.logger, "list archives", err)
		return
	}
	if objs == nil {
		objs = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, archiveListResponse{Objects: objs})
}

// Get streams one archived batch as JSON lines.
// GET /api/archives/object?path=archive/WETH-USDC/options/...
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if !strings.HasPrefix(path, h.root) || strings.Contains(path, "..") {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	body, err := h.blobs.Get(r.Context(), path)
	if err != nil {
		writeDomainError(w, r, h.logger, "get archive", err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive stream interrupted", slog.String("error", err.Error()))
	}
}
