package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fuselabs/crossfill/internal/domain"
)

// PauseControl is the engine surface the admin handler drives.
type PauseControl interface {
	Pause(caller common.Address) error
	Unpause(caller common.Address) error
}

// AdminHandler serves the operational pause/unpause and status endpoints.
type AdminHandler struct {
	engine    PauseControl
	owner     common.Address
	mode      string
	startedAt time.Time
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler. Pause and unpause run as the
// configured owner identity.
func NewAdminHandler(engine PauseControl, owner common.Address, mode string, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		engine:    engine,
		owner:     owner,
		mode:      mode,
		startedAt: time.Now().UTC(),
		logger:    logHandler(logger, "admin"),
	}
}

// GetStatus responds with the daemon mode, owner, and uptime.
// GET /api/status
func (h *AdminHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"owner":          h.owner.Hex(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// Pause halts all state-changing engine operations.
// POST /api/admin/pause
func (h *AdminHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Pause(h.owner); err != nil {
		h.writePauseError(w, r, err, "pause")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// Unpause resumes engine operation.
// POST /api/admin/unpause
func (h *AdminHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Unpause(h.owner); err != nil {
		h.writePauseError(w, r, err, "unpause")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (h *AdminHandler) writePauseError(w http.ResponseWriter, r *http.Request, err error, op string) {
	if errors.Is(err, domain.ErrUnauthorizedCaller) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	h.logger.ErrorContext(r.Context(), op+" failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, op+" failed")
}
