package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fuselabs/crossfill/internal/domain"
)

// EscrowService defines the escrow lifecycle surface the handler requires.
type EscrowService interface {
	Withdraw(ctx context.Context, id string, caller common.Address, imm domain.Immutables, secret [32]byte) error
	WithdrawTo(ctx context.Context, id string, caller common.Address, imm domain.Immutables, secret [32]byte, target common.Address) error
	PublicWithdraw(ctx context.Context, id string, caller common.Address, imm domain.Immutables, secret [32]byte) error
	Cancel(ctx context.Context, id string, caller common.Address, imm domain.Immutables) error
	PublicCancel(ctx context.Context, id string, caller common.Address, imm domain.Immutables) error
	RescueFunds(ctx context.Context, id string, caller common.Address, imm domain.Immutables, asset common.Address, amount *big.Int) error
	Get(ctx context.Context, id string) (domain.EscrowRecord, error)
	ListByOrder(ctx context.Context, orderHash common.Hash) ([]domain.EscrowRecord, error)
}

// FactoryService mints escrow legs. The source leg is minted by the fill
// engine's post-interaction hook; the destination leg is minted on taker
// request through CreateDst.
type FactoryService interface {
	CreateDst(ctx context.Context, caller common.Address, imm domain.Immutables, srcCancellation time.Time) (domain.Immutables, error)
}

// EscrowHandler serves escrow lifecycle and read endpoints.
type EscrowHandler struct {
	escrows EscrowService
	logger  *slog.Logger

	// factory, when set, enables the destination-leg mint endpoint. The
	// handler calls it under the engine identity, the factory's sole
	// trusted caller.
	factory FactoryService
	engine  common.Address
}

// NewEscrowHandler creates an EscrowHandler with the given service.
func NewEscrowHandler(escrows EscrowService, logger *slog.Logger) *EscrowHandler {
	return &EscrowHandler{
		escrows: escrows,
		logger:  logHandler(logger, "escrow"),
	}
}

// WithFactory enables destination-leg minting through the given factory,
// invoked under the engine's identity.
func (h *EscrowHandler) WithFactory(factory FactoryService, engine common.Address) *EscrowHandler {
	h.factory = factory
	h.engine = engine
	return h
}

// withdrawRequest is the JSON body for all withdraw variants. Target is only
// honored by the withdraw-to endpoint.
type withdrawRequest struct {
	Caller     string            `json:"caller"`
	Secret     string            `json:"secret"`
	Target     string            `json:"target,omitempty"`
	Immutables immutablesPayload `json:"immutables"`
}

// Withdraw releases the escrow principal to its designated recipient against
// the correct secret, inside the private withdrawal window.
// POST /api/escrows/{id}/withdraw
func (h *EscrowHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.handleWithdraw(w, r, func(ctx context.Context, id string, caller common.Address, imm domain.Immutables, secret [32]byte, _ common.Address) error {
		return h.escrows.Withdraw(ctx, id, caller, imm, secret)
	}, false)
}

// WithdrawTo releases a source-leg escrow to a caller-chosen target address.
// POST /api/escrows/{id}/withdraw-to
func (h *EscrowHandler) WithdrawTo(w http.ResponseWriter, r *http.Request) {
	h.handleWithdraw(w, r, func(ctx context.Context, id string, caller common.Address, imm domain.Immutables, secret [32]byte, target common.Address) error {
		return h.escrows.WithdrawTo(ctx, id, caller, imm, secret, target)
	}, true)
}

// PublicWithdraw lets any access-token holder complete a withdrawal once the
// public window has opened.
// POST /api/escrows/{id}/public-withdraw
func (h *EscrowHandler) PublicWithdraw(w http.ResponseWriter, r *http.Request) {
	h.handleWithdraw(w, r, func(ctx context.Context, id string, caller common.Address, imm domain.Immutables, secret [32]byte, _ common.Address) error {
		return h.escrows.PublicWithdraw(ctx, id, caller, imm, secret)
	}, false)
}

type withdrawFn func(ctx context.Context, id string, caller common.Address, imm domain.Immutables, secret [32]byte, target common.Address) error

func (h *EscrowHandler) handleWithdraw(w http.ResponseWriter, r *http.Request, fn withdrawFn, needTarget bool) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing escrow id")
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	secret, err := parseSecret(req.Secret)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	imm, err := req.Immutables.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var target common.Address
	if needTarget {
		target, ok = parseAddress(req.Target)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid target address")
			return
		}
	}

	if err := fn(r.Context(), id, caller, imm, secret, target); err != nil {
		status, msg := escrowErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "withdraw failed",
				slog.String("escrow_id", id),
				slog.String("error", err.Error()),
			)
			msg = "withdraw failed"
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    string(domain.EscrowStatusWithdrawn),
		"escrow_id": id,
	})
}

// cancelEscrowRequest is the JSON body for both cancel variants.
type cancelEscrowRequest struct {
	Caller     string            `json:"caller"`
	Immutables immutablesPayload `json:"immutables"`
}

// Cancel refunds the escrow principal to its depositor once the cancellation
// window has opened.
// POST /api/escrows/{id}/cancel
func (h *EscrowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.handleCancel(w, r, h.escrows.Cancel)
}

// PublicCancel lets any access-token holder cancel a source-leg escrow after
// the public cancellation window opens.
// POST /api/escrows/{id}/public-cancel
func (h *EscrowHandler) PublicCancel(w http.ResponseWriter, r *http.Request) {
	h.handleCancel(w, r, h.escrows.PublicCancel)
}

func (h *EscrowHandler) handleCancel(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id string, caller common.Address, imm domain.Immutables) error) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing escrow id")
		return
	}

	var req cancelEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	imm, err := req.Immutables.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := fn(r.Context(), id, caller, imm); err != nil {
		status, msg := escrowErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "cancel escrow failed",
				slog.String("escrow_id", id),
				slog.String("error", err.Error()),
			)
			msg = "cancel failed"
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    string(domain.EscrowStatusCancelled),
		"escrow_id": id,
	})
}

// createDstRequest funds the destination leg. SrcCancellation is the source
// leg's cancellation instant in unix seconds; the destination window must
// close no later than it.
type createDstRequest struct {
	Immutables      immutablesPayload `json:"immutables"`
	SrcCancellation uint64            `json:"src_cancellation"`
}

// CreateDst mints the destination-leg escrow, drawing the principal and
// safety deposit from the taker named in the immutables.
// POST /api/escrows/dst
func (h *EscrowHandler) CreateDst(w http.ResponseWriter, r *http.Request) {
	if h.factory == nil {
		writeError(w, http.StatusNotFound, "destination escrows disabled")
		return
	}

	var req createDstRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SrcCancellation == 0 {
		writeError(w, http.StatusBadRequest, "src_cancellation required")
		return
	}
	imm, err := req.Immutables.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	minted, err := h.factory.CreateDst(r.Context(), h.engine, imm, time.Unix(int64(req.SrcCancellation), 0))
	if err != nil {
		status, msg := escrowErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "create destination escrow failed",
				slog.String("order_hash", imm.OrderHash.Hex()),
				slog.String("error", err.Error()),
			)
			msg = "create destination escrow failed"
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"immutables": immutablesFromDomain(minted),
	})
}

// rescueRequest recovers stranded funds from a closed escrow.
type rescueRequest struct {
	Caller     string            `json:"caller"`
	Asset      string            `json:"asset"`
	Amount     string            `json:"amount"`
	Immutables immutablesPayload `json:"immutables"`
}

// RescueFunds sweeps stuck assets to the taker after the rescue delay.
// POST /api/escrows/{id}/rescue
func (h *EscrowHandler) RescueFunds(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing escrow id")
		return
	}

	var req rescueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	asset, ok := parseAddress(req.Asset)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}
	amount, ok := parseBig(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	imm, err := req.Immutables.decode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.escrows.RescueFunds(r.Context(), id, caller, imm, asset, amount); err != nil {
		status, msg := escrowErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "rescue failed",
				slog.String("escrow_id", id),
				slog.String("error", err.Error()),
			)
			msg = "rescue failed"
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "rescued",
		"escrow_id": id,
	})
}

// GetEscrow returns one escrow record by its ID.
// GET /api/escrows/{id}
func (h *EscrowHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing escrow id")
		return
	}

	rec, err := h.escrows.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "escrow not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get escrow failed",
			slog.String("escrow_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load escrow")
		return
	}

	writeJSON(w, http.StatusOK, escrowFromDomain(rec))
}

// ListEscrows returns both escrow legs linked to an order hash.
// GET /api/escrows?order_hash=0x...
func (h *EscrowHandler) ListEscrows(w http.ResponseWriter, r *http.Request) {
	orderHash, ok := parseHash(r.URL.Query().Get("order_hash"))
	if !ok {
		writeError(w, http.StatusBadRequest, "order_hash query parameter required")
		return
	}

	recs, err := h.escrows.ListByOrder(r.Context(), orderHash)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list escrows failed",
			slog.String("order_hash", orderHash.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list escrows")
		return
	}

	out := make([]escrowResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, escrowFromDomain(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrows": out})
}

// escrowErrorStatus maps escrow service errors onto HTTP status codes.
func escrowErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidImmutables),
		errors.Is(err, domain.ErrInvalidSecret),
		errors.Is(err, domain.ErrInvalidAmounts):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrTimelockNotReached),
		errors.Is(err, domain.ErrTimelockExpired),
		errors.Is(err, domain.ErrEscrowTerminal):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInvalidCaller),
		errors.Is(err, domain.ErrUnauthorizedCaller),
		errors.Is(err, domain.ErrNoAccessToken):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	default:
		return http.StatusInternalServerError, "escrow operation failed"
	}
}
