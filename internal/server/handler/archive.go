package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fuselabs/crossfill/internal/domain"
)

// ArchiveHandler serves cold-storage archive listing and retrieval, plus a
// manual archival trigger.
type ArchiveHandler struct {
	archiver  domain.Archiver
	blobs     domain.BlobReader
	retention time.Duration
	logger    *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. retention controls the cutoff
// used by the manual trigger: records older than now-retention are archived.
func NewArchiveHandler(archiver domain.Archiver, blobs domain.BlobReader, retention time.Duration, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		archiver:  archiver,
		blobs:     blobs,
		retention: retention,
		logger:    logHandler(logger, "archive"),
	}
}

// ListArchives lists stored archive objects under an optional prefix.
// GET /api/archives?prefix=archive/receipts/
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = "archive/"
	}

	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archives failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}

	type archiveInfo struct {
		Path         string    `json:"path"`
		Size         int64     `json:"size"`
		LastModified time.Time `json:"last_modified"`
	}
	out := make([]archiveInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, archiveInfo{
			Path:         info.Path,
			Size:         info.Size,
			LastModified: info.LastModified,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": out})
}

// GetArchive streams one archived JSONL object.
// GET /api/archives/{path...}
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	path := pathParam(r, "path")
	if path == "" || strings.Contains(path, "..") {
		writeError(w, http.StatusBadRequest, "invalid archive path")
		return
	}

	body, err := h.blobs.Get(r.Context(), path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "archive not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get archive failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to fetch archive")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive stream interrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// TriggerArchive runs one archival pass immediately, snapshotting receipts
// and escrows older than the retention cutoff.
// POST /api/archives/run
func (h *ArchiveHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Now().UTC().Add(-h.retention)

	receipts, err := h.archiver.ArchiveReceipts(r.Context(), cutoff)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "receipt archival failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "receipt archival failed")
		return
	}

	escrows, err := h.archiver.ArchiveEscrows(r.Context(), cutoff)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "escrow archival failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "escrow archival failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "completed",
		"receipts_archived": receipts,
		"escrows_archived":  escrows,
		"cutoff":            cutoff.Format(time.RFC3339),
	})
}
