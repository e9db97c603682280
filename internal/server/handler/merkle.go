package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fuselabs/crossfill/internal/domain"
)

// MerkleService defines the partial-fill validator surface the handler uses.
type MerkleService interface {
	ValidateAndRecord(ctx context.Context, orderHash, root, leaf common.Hash, index uint64, proof []common.Hash) error
	LastValidated(ctx context.Context, orderHash, root common.Hash) (domain.ValidationData, bool, error)
}

// MerkleHandler serves merkle partial-fill validation endpoints.
type MerkleHandler struct {
	validator MerkleService
	logger    *slog.Logger
}

// NewMerkleHandler creates a MerkleHandler with the given validator.
func NewMerkleHandler(validator MerkleService, logger *slog.Logger) *MerkleHandler {
	return &MerkleHandler{
		validator: validator,
		logger:    logHandler(logger, "merkle"),
	}
}

// validateRequest carries one merkle proof submission.
type validateRequest struct {
	OrderHash string   `json:"order_hash"`
	Root      string   `json:"root"`
	Leaf      string   `json:"leaf"`
	Index     uint64   `json:"index"`
	Proof     []string `json:"proof"`
}

// Validate checks a merkle proof and records the consumed leaf index so the
// same secret cannot authorize a second partial fill.
// POST /api/merkle/validate
func (h *MerkleHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	orderHash, ok := parseHash(req.OrderHash)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order_hash")
		return
	}
	root, ok := parseHash(req.Root)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid root")
		return
	}
	leaf, ok := parseHash(req.Leaf)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid leaf")
		return
	}

	proof := make([]common.Hash, 0, len(req.Proof))
	for _, s := range req.Proof {
		node, ok := parseHash(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid proof node "+s)
			return
		}
		proof = append(proof, node)
	}

	if err := h.validator.ValidateAndRecord(r.Context(), orderHash, root, leaf, req.Index, proof); err != nil {
		if errors.Is(err, domain.ErrInvalidProof) || errors.Is(err, domain.ErrInvalidIndex) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "merkle validation failed",
			slog.String("order_hash", orderHash.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "merkle validation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "validated",
		"index":  req.Index,
	})
}

// LastValidated returns the most recently consumed leaf for an order/root
// pair, or 404 when no proof has been accepted yet.
// GET /api/merkle/last?order_hash=0x...&root=0x...
func (h *MerkleHandler) LastValidated(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orderHash, ok := parseHash(q.Get("order_hash"))
	if !ok {
		writeError(w, http.StatusBadRequest, "order_hash query parameter required")
		return
	}
	root, ok := parseHash(q.Get("root"))
	if !ok {
		writeError(w, http.StatusBadRequest, "root query parameter required")
		return
	}

	data, found, err := h.validator.LastValidated(r.Context(), orderHash, root)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "last validated lookup failed",
			slog.String("order_hash", orderHash.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no validated proof for this order and root")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"leaf":  data.Leaf.Hex(),
		"index": data.Index - 1,
	})
}
