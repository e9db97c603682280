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
	"github.com/fuselabs/crossfill/internal/engine"
)

// FillService defines the methods the fill handler requires from the engine.
type FillService interface {
	Fill(ctx context.Context, p engine.FillParams) (*domain.FillReceipt, error)
	SimulateFill(ctx context.Context, p engine.FillParams) (*big.Int, error)
	OrderHash(order *domain.Order) common.Hash
	CalcMakingAmount(order *domain.Order, ext *domain.Extension, takingAmount *big.Int) (*big.Int, error)
	CalcTakingAmount(order *domain.Order, ext *domain.Extension, makingAmount *big.Int) (*big.Int, error)
}

// FillHandler serves fill submission and quoting endpoints.
type FillHandler struct {
	fills    FillService
	receipts domain.ReceiptStore
	logger   *slog.Logger
}

// NewFillHandler creates a FillHandler with the given engine and receipt store.
func NewFillHandler(fills FillService, receipts domain.ReceiptStore, logger *slog.Logger) *FillHandler {
	return &FillHandler{
		fills:    fills,
		receipts: receipts,
		logger:   logHandler(logger, "fill"),
	}
}

// fillRequest is the JSON body for fill submission and simulation.
type fillRequest struct {
	Order        orderPayload       `json:"order"`
	Extension    *extensionPayload  `json:"extension,omitempty"`
	Signature    string             `json:"signature"`
	Taker        string             `json:"taker"`
	TakingAmount string             `json:"taking_amount"`
	TakerTraits  takerTraitsPayload `json:"taker_traits"`
	ExtraData    string             `json:"extra_data,omitempty"`
}

func (req *fillRequest) decode() (engine.FillParams, error) {
	var p engine.FillParams

	order, err := req.Order.decode()
	if err != nil {
		return p, err
	}
	p.Order = order

	if req.Extension != nil {
		ext, err := req.Extension.decode()
		if err != nil {
			return p, err
		}
		p.Extension = ext
	}

	sig, ok := parseHexBytes(req.Signature)
	if !ok || len(sig) == 0 {
		return p, errors.New("invalid signature hex")
	}
	p.Signature = sig

	taker, ok := parseAddress(req.Taker)
	if !ok {
		return p, errors.New("invalid taker address")
	}
	p.Taker = taker

	taking, ok := parseBig(req.TakingAmount)
	if !ok {
		return p, errors.New("invalid taking_amount")
	}
	p.TakingAmount = taking

	traits, err := req.TakerTraits.decode()
	if err != nil {
		return p, err
	}
	p.TakerTraits = traits

	extra, ok := parseHexBytes(req.ExtraData)
	if !ok {
		return p, errors.New("invalid extra_data hex")
	}
	p.ExtraData = extra

	return p, nil
}

// SubmitFill validates and settles one fill.
// POST /api/fills
func (h *FillHandler) SubmitFill(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	params, err := req.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := h.fills.Fill(r.Context(), params)
	if err != nil {
		status, msg := fillErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "fill failed",
				slog.String("taker", params.Taker.Hex()),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusCreated, receiptFromDomain(*receipt))
}

// SimulateFill runs the fill validation pipeline without mutating state and
// returns the making amount the fill would settle.
// POST /api/fills/simulate
func (h *FillHandler) SimulateFill(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	params, err := req.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	making, err := h.fills.SimulateFill(r.Context(), params)
	if err != nil {
		status, msg := fillErrorStatus(err)
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"making_amount": bigString(making),
		"taking_amount": bigString(params.TakingAmount),
	})
}

// quoteRequest asks for one side of an order's proportional exchange rate.
type quoteRequest struct {
	Order        orderPayload      `json:"order"`
	Extension    *extensionPayload `json:"extension,omitempty"`
	MakingAmount string            `json:"making_amount,omitempty"`
	TakingAmount string            `json:"taking_amount,omitempty"`
}

// Quote computes the opposite-side amount for a prospective fill. Exactly one
// of making_amount or taking_amount must be supplied.
// POST /api/fills/quote
func (h *FillHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	order, err := req.Order.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var ext *domain.Extension
	if req.Extension != nil {
		if ext, err = req.Extension.decode(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if (req.MakingAmount == "") == (req.TakingAmount == "") {
		writeError(w, http.StatusBadRequest, "exactly one of making_amount or taking_amount is required")
		return
	}

	var making, taking *big.Int
	if req.TakingAmount != "" {
		taking, _ = parseBig(req.TakingAmount)
		if taking == nil {
			writeError(w, http.StatusBadRequest, "invalid taking_amount")
			return
		}
		making, err = h.fills.CalcMakingAmount(order, ext, taking)
	} else {
		making, _ = parseBig(req.MakingAmount)
		if making == nil {
			writeError(w, http.StatusBadRequest, "invalid making_amount")
			return
		}
		taking, err = h.fills.CalcTakingAmount(order, ext, making)
	}
	if err != nil {
		status, msg := fillErrorStatus(err)
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"order_hash":    h.fills.OrderHash(order).Hex(),
		"making_amount": bigString(making),
		"taking_amount": bigString(taking),
	})
}

// HashOrder returns the deterministic typed-data hash for an order body.
// POST /api/orders/hash
func (h *FillHandler) HashOrder(w http.ResponseWriter, r *http.Request) {
	var payload orderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	order, err := payload.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"order_hash": h.fills.OrderHash(order).Hex(),
	})
}

// ListReceipts returns all fill receipts recorded for an order.
// GET /api/orders/{hash}/receipts
func (h *FillHandler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	orderHash, ok := parseHash(pathParam(r, "hash"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order hash")
		return
	}

	receipts, err := h.receipts.ListByOrder(r.Context(), orderHash)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list receipts failed",
			slog.String("order_hash", orderHash.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list receipts")
		return
	}

	out := make([]receiptResponse, 0, len(receipts))
	for _, rec := range receipts {
		out = append(out, receiptFromDomain(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": out})
}

// fillErrorStatus maps engine errors onto HTTP status codes. Validation and
// authorization failures are client errors; anything unrecognized is a 500.
func fillErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrInvalidExtension),
		errors.Is(err, domain.ErrMissingOrderExtension),
		errors.Is(err, domain.ErrUnexpectedOrderExtension),
		errors.Is(err, domain.ErrInvalidExtensionHash),
		errors.Is(err, domain.ErrInvalidAmounts),
		errors.Is(err, domain.ErrSwapWithZeroAmount),
		errors.Is(err, domain.ErrMismatchArraysLengths):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrOrderExpired),
		errors.Is(err, domain.ErrOrderInvalidated),
		errors.Is(err, domain.ErrInvalidatedOrder),
		errors.Is(err, domain.ErrPartialFillNotAllowed),
		errors.Is(err, domain.ErrTakingAmountExceeded),
		errors.Is(err, domain.ErrMakingAmountTooLow),
		errors.Is(err, domain.ErrPredicateIsNotTrue),
		errors.Is(err, domain.ErrWrongSeriesNonce),
		errors.Is(err, domain.ErrEpochManagerAndBitInvalidatorsIncompatible),
		errors.Is(err, domain.ErrContractPaused),
		errors.Is(err, domain.ErrReentrancyDetected):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrPrivateOrder),
		errors.Is(err, domain.ErrUnauthorizedCaller),
		errors.Is(err, domain.ErrInvalidCaller):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	default:
		return http.StatusInternalServerError, "fill failed"
	}
}
