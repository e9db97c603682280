package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fuselabs/crossfill/internal/domain"
)

// InvalidationService defines the cancellation and invalidation surface the
// order handler requires from the engine.
type InvalidationService interface {
	CancelOrder(ctx context.Context, maker common.Address, traits domain.MakerTraits, orderHash common.Hash) error
	CancelOrders(ctx context.Context, maker common.Address, traits []domain.MakerTraits, orderHashes []common.Hash) error
	MassInvalidate(ctx context.Context, maker common.Address, slot uint64, extraMask *big.Int) error
	IncreaseEpoch(ctx context.Context, maker common.Address, series uint64) (uint64, error)
	Epoch(ctx context.Context, maker common.Address, series uint64) (uint64, error)
	BitInvalidatorForOrder(ctx context.Context, maker common.Address, slot uint64) (*big.Int, error)
	RemainingInvalidatorForOrder(ctx context.Context, maker common.Address, orderHash common.Hash) (*big.Int, error)
}

// OrderHandler serves order cancellation and invalidation-state endpoints.
type OrderHandler struct {
	inv    InvalidationService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given engine surface.
func NewOrderHandler(inv InvalidationService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		inv:    inv,
		logger: logHandler(logger, "order"),
	}
}

// cancelRequest cancels one order.
type cancelRequest struct {
	Maker     string             `json:"maker"`
	OrderHash string             `json:"order_hash"`
	Traits    makerTraitsPayload `json:"traits"`
}

// CancelOrder invalidates a single order so no further fills can land.
// POST /api/orders/cancel
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	maker, ok := parseAddress(req.Maker)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid maker address")
		return
	}
	orderHash, ok := parseHash(req.OrderHash)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order_hash")
		return
	}
	traits, err := req.Traits.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.inv.CancelOrder(r.Context(), maker, traits, orderHash); err != nil {
		status, msg := fillErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "cancel order failed",
				slog.String("order_hash", orderHash.Hex()),
				slog.String("error", err.Error()),
			)
			msg = "failed to cancel order"
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "cancelled",
		"order_hash": orderHash.Hex(),
	})
}

// batchCancelRequest cancels several orders for one maker in a single call.
type batchCancelRequest struct {
	Maker       string               `json:"maker"`
	OrderHashes []string             `json:"order_hashes"`
	Traits      []makerTraitsPayload `json:"traits"`
}

// CancelOrders cancels a batch of orders. Elements are independent: a failure
// aborts the remainder but already-cancelled entries stay cancelled.
// POST /api/orders/cancel-batch
func (h *OrderHandler) CancelOrders(w http.ResponseWriter, r *http.Request) {
	var req batchCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	maker, ok := parseAddress(req.Maker)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid maker address")
		return
	}

	hashes := make([]common.Hash, 0, len(req.OrderHashes))
	for _, s := range req.OrderHashes {
		hash, ok := parseHash(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid order hash "+s)
			return
		}
		hashes = append(hashes, hash)
	}

	traits := make([]domain.MakerTraits, 0, len(req.Traits))
	for i := range req.Traits {
		t, err := req.Traits[i].decode()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		traits = append(traits, t)
	}

	if err := h.inv.CancelOrders(r.Context(), maker, traits, hashes); err != nil {
		if errors.Is(err, domain.ErrMismatchArraysLengths) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status, msg := fillErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "batch cancel failed",
				slog.String("maker", maker.Hex()),
				slog.String("error", err.Error()),
			)
			msg = "failed to cancel orders"
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "cancelled",
		"cancelled": len(hashes),
	})
}

// massInvalidateRequest ORs a mask into one bit-invalidator slot.
type massInvalidateRequest struct {
	Maker string `json:"maker"`
	Slot  uint64 `json:"slot"`
	Mask  string `json:"mask"` // decimal, up to 256 bits
}

// MassInvalidate sets additional bits in a maker's invalidation slot,
// cancelling every bit-mode order whose nonce maps onto them.
// POST /api/orders/mass-invalidate
func (h *OrderHandler) MassInvalidate(w http.ResponseWriter, r *http.Request) {
	var req massInvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	maker, ok := parseAddress(req.Maker)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid maker address")
		return
	}
	mask, ok := parseBig(req.Mask)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid mask")
		return
	}

	if err := h.inv.MassInvalidate(r.Context(), maker, req.Slot, mask); err != nil {
		if errors.Is(err, domain.ErrInvalidAmounts) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "mass invalidate failed",
			slog.String("maker", maker.Hex()),
			slog.Uint64("slot", req.Slot),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to mass invalidate")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "invalidated",
		"slot":   req.Slot,
	})
}

// epochRequest advances a maker's epoch for one series.
type epochRequest struct {
	Maker  string `json:"maker"`
	Series uint64 `json:"series"`
}

// IncreaseEpoch bumps the maker's epoch, mass-invalidating every epoch-bound
// order signed under the previous value.
// POST /api/epochs/increase
func (h *OrderHandler) IncreaseEpoch(w http.ResponseWriter, r *http.Request) {
	var req epochRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	maker, ok := parseAddress(req.Maker)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid maker address")
		return
	}

	epoch, err := h.inv.IncreaseEpoch(r.Context(), maker, req.Series)
	if err != nil {
		status, msg := fillErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "increase epoch failed",
				slog.String("maker", maker.Hex()),
				slog.Uint64("series", req.Series),
				slog.String("error", err.Error()),
			)
			msg = "failed to increase epoch"
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"maker":  maker.Hex(),
		"series": req.Series,
		"epoch":  epoch,
	})
}

// GetEpoch returns the maker's current epoch for a series.
// GET /api/epochs?maker=0x...&series=0
func (h *OrderHandler) GetEpoch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maker, ok := parseAddress(q.Get("maker"))
	if !ok {
		writeError(w, http.StatusBadRequest, "maker query parameter required")
		return
	}
	series, ok := parseUint(q.Get("series"))
	if !ok {
		series = 0
	}

	epoch, err := h.inv.Epoch(r.Context(), maker, series)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get epoch failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read epoch")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"maker":  maker.Hex(),
		"series": series,
		"epoch":  epoch,
	})
}

// GetBitSlot returns the 256-bit invalidation mask for a maker's slot.
// GET /api/invalidators/bits?maker=0x...&slot=0
func (h *OrderHandler) GetBitSlot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maker, ok := parseAddress(q.Get("maker"))
	if !ok {
		writeError(w, http.StatusBadRequest, "maker query parameter required")
		return
	}
	slot, ok := parseUint(q.Get("slot"))
	if !ok {
		writeError(w, http.StatusBadRequest, "slot query parameter required")
		return
	}

	mask, err := h.inv.BitInvalidatorForOrder(r.Context(), maker, slot)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get bit slot failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read invalidator slot")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"maker": maker.Hex(),
		"slot":  slot,
		"mask":  bigString(mask),
	})
}

// GetRemaining returns the remaining making amount for an order. A 404 means
// no remaining record exists, i.e. the order has never been touched.
// GET /api/orders/{hash}/remaining?maker=0x...
func (h *OrderHandler) GetRemaining(w http.ResponseWriter, r *http.Request) {
	orderHash, ok := parseHash(pathParam(r, "hash"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order hash")
		return
	}
	maker, ok := parseAddress(r.URL.Query().Get("maker"))
	if !ok {
		writeError(w, http.StatusBadRequest, "maker query parameter required")
		return
	}

	remaining, err := h.inv.RemainingInvalidatorForOrder(r.Context(), maker, orderHash)
	if err != nil {
		if errors.Is(err, domain.ErrOrderInvalidated) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "get remaining failed",
			slog.String("order_hash", orderHash.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read remaining amount")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"order_hash": orderHash.Hex(),
		"remaining":  bigString(remaining),
	})
}
