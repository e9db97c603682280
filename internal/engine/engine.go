// Package engine implements the order fill engine: signature, extension, and
// predicate validation, fill amount computation, and the bit/remaining
// invalidation subsystem that makes every fill race-free per maker.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/fuselabs/crossfill/internal/crypto"
	"github.com/fuselabs/crossfill/internal/domain"
)

// PostInteraction is invoked after invalidation has been committed but before
// settlement, with the full fill context. An error aborts the fill and rolls
// the invalidation write back. The escrow factory registers itself here to
// mint escrows from fills.
type PostInteraction interface {
	PostInteraction(ctx context.Context, order *domain.Order, ext *domain.Extension,
		orderHash common.Hash, taker common.Address,
		makingAmount, takingAmount, remainingMakingAmount *big.Int,
		extraData []byte) error
}

// PreInteraction runs after all validation but before any transfer.
type PreInteraction interface {
	PreInteraction(ctx context.Context, order *domain.Order, ext *domain.Extension,
		orderHash common.Hash, taker common.Address,
		makingAmount, takingAmount *big.Int) error
}

// Config carries the engine's construction parameters.
type Config struct {
	Owner common.Address
}

// Engine validates and settles limit orders against per-maker invalidation
// state. All operations touching one maker's state are serialized through a
// per-maker mutex, giving each externally visible operation the indivisible
// execution the protocol assumes.
type Engine struct {
	logger    *slog.Logger
	hasher    *crypto.OrderHasher
	verifier  domain.SignatureVerifier
	inv       domain.InvalidationStore
	receipts  domain.ReceiptStore
	transfers domain.TransferService
	clock     domain.Clock
	bus       domain.SignalBus
	owner     common.Address

	pre  PreInteraction
	post PostInteraction

	mu       sync.Mutex
	makerMu  map[common.Address]*makerLock
	paused   bool
	inFlight map[common.Hash]bool // orders with an outstanding transfer
}

type makerLock struct {
	sync.Mutex
	refs int
}

// New creates an Engine. The signal bus, receipt store, and interaction hooks
// are optional; pass nil to disable them.
func New(cfg Config, hasher *crypto.OrderHasher, verifier domain.SignatureVerifier,
	inv domain.InvalidationStore, receipts domain.ReceiptStore,
	transfers domain.TransferService, clock domain.Clock, bus domain.SignalBus,
	logger *slog.Logger) *Engine {
	return &Engine{
		logger:    logger.With(slog.String("component", "engine")),
		hasher:    hasher,
		verifier:  verifier,
		inv:       inv,
		receipts:  receipts,
		transfers: transfers,
		clock:     clock,
		bus:       bus,
		owner:     cfg.Owner,
		makerMu:   make(map[common.Address]*makerLock),
		inFlight:  make(map[common.Hash]bool),
	}
}

// SetHooks registers the pre/post interaction hooks. Only the owner wires
// hooks, at construction time; they are not mutable concurrently with fills.
func (e *Engine) SetHooks(pre PreInteraction, post PostInteraction) {
	e.pre = pre
	e.post = post
}

// Pause stops all state-changing operations. Owner only.
func (e *Engine) Pause(caller common.Address) error {
	if caller != e.owner {
		return domain.ErrUnauthorizedCaller
	}
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.logger.Warn("engine paused")
	return nil
}

// Unpause resumes operation. Owner only.
func (e *Engine) Unpause(caller common.Address) error {
	if caller != e.owner {
		return domain.ErrUnauthorizedCaller
	}
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.logger.Info("engine unpaused")
	return nil
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// OrderHash exposes the deterministic order hash.
func (e *Engine) OrderHash(order *domain.Order) common.Hash {
	return e.hasher.OrderHash(order)
}

// lockMaker acquires the per-maker mutex, creating it on first use and
// reclaiming it when the last holder releases.
func (e *Engine) lockMaker(maker common.Address) func() {
	e.mu.Lock()
	ml, ok := e.makerMu[maker]
	if !ok {
		ml = &makerLock{}
		e.makerMu[maker] = ml
	}
	ml.refs++
	e.mu.Unlock()

	ml.Lock()
	return func() {
		ml.Unlock()
		e.mu.Lock()
		ml.refs--
		if ml.refs == 0 {
			delete(e.makerMu, maker)
		}
		e.mu.Unlock()
	}
}

// FillParams bundles the arguments of one fill call.
type FillParams struct {
	Order        *domain.Order
	Extension    *domain.Extension
	Signature    []byte
	Taker        common.Address
	TakingAmount *big.Int
	TakerTraits  domain.TakerTraits
	// ExtraData is passed through to the post-interaction hook (the escrow
	// factory reads the hashlock material from it).
	ExtraData []byte
}

// Fill validates the order and settles one fill.
//
// Validation is strictly ordered: extension commitment, signature, expiry and
// privacy, predicate, invalidation state, then amounts. The invalidation
// write happens before any transfer; both hooks run between that write and
// settlement, and a failure in either (or in a transfer) rolls the write back
// under the still-held maker lock, so no observer can see the intermediate
// state.
func (e *Engine) Fill(ctx context.Context, p FillParams) (*domain.FillReceipt, error) {
	if e.isPaused() {
		return nil, domain.ErrContractPaused
	}

	order := p.Order
	ext := p.Extension
	if ext == nil {
		ext = &domain.Extension{}
	}
	orderHash, now, err := e.validateFill(order, ext, p)
	if err != nil {
		return nil, err
	}

	// The in-flight mark must precede the maker lock: a hook re-entering
	// Fill for the same order would otherwise block on the mutex it
	// already holds instead of reaching this check.
	e.mu.Lock()
	if e.inFlight[orderHash] {
		e.mu.Unlock()
		return nil, domain.ErrReentrancyDetected
	}
	e.inFlight[orderHash] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, orderHash)
		e.mu.Unlock()
	}()

	unlock := e.lockMaker(order.Maker)
	defer unlock()

	remaining, err := e.checkInvalidation(ctx, order, orderHash)
	if err != nil {
		return nil, err
	}

	makingAmount, takingAmount, err := e.resolveAmounts(order, ext, p, remaining)
	if err != nil {
		return nil, err
	}

	// Commit the invalidation write before any value moves.
	remainingAfter, err := e.commitInvalidation(ctx, order, orderHash, remaining, makingAmount)
	if err != nil {
		return nil, err
	}

	if e.pre != nil {
		if err := e.pre.PreInteraction(ctx, order, ext, orderHash, p.Taker, makingAmount, takingAmount); err != nil {
			e.rollbackInvalidation(ctx, order, orderHash, remaining)
			return nil, fmt.Errorf("engine: pre-interaction: %w", err)
		}
	}

	// The post hook runs before settlement so a hook failure still leaves
	// nothing committed: the invalidation write is rolled back and no value
	// has moved.
	if e.post != nil {
		if err := e.post.PostInteraction(ctx, order, ext, orderHash, p.Taker,
			makingAmount, takingAmount, remainingAfter, p.ExtraData); err != nil {
			e.rollbackInvalidation(ctx, order, orderHash, remaining)
			return nil, fmt.Errorf("engine: post-interaction: %w", err)
		}
	}

	if err := e.settle(ctx, order, p.Taker, makingAmount, takingAmount); err != nil {
		e.rollbackInvalidation(ctx, order, orderHash, remaining)
		return nil, err
	}

	receipt := &domain.FillReceipt{
		ID:             uuid.New().String(),
		OrderHash:      orderHash,
		Maker:          order.Maker,
		Taker:          p.Taker,
		MakingAmount:   makingAmount,
		TakingAmount:   takingAmount,
		RemainingAfter: remainingAfter,
		CreatedAt:      now,
	}

	if e.receipts != nil {
		if err := e.receipts.Insert(ctx, *receipt); err != nil {
			// Settlement already happened; losing the durable receipt is an
			// operational defect, not a reason to fail the fill.
			e.logger.Error("storing fill receipt failed",
				slog.String("order_hash", orderHash.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
	e.publishFill(ctx, receipt)

	e.logger.Info("order filled",
		slog.String("order_hash", orderHash.Hex()),
		slog.String("taker", p.Taker.Hex()),
		slog.String("making_amount", makingAmount.String()),
		slog.String("taking_amount", takingAmount.String()),
		slog.String("remaining", remainingAfter.String()),
	)
	return receipt, nil
}

// validateFill runs the stateless validation pipeline shared by Fill and
// SimulateFill: amount well-formedness, extension commitment, signature,
// expiry, privacy, predicate, and the taking-amount bound. It returns the
// order hash and the evaluation time.
func (e *Engine) validateFill(order *domain.Order, ext *domain.Extension, p FillParams) (common.Hash, time.Time, error) {
	if !validAmount(order.MakingAmount) || !validAmount(order.TakingAmount) || !validAmount(p.TakingAmount) {
		return common.Hash{}, time.Time{}, domain.ErrInvalidAmounts
	}
	if order.MakingAmount.Sign() == 0 || order.TakingAmount.Sign() == 0 || p.TakingAmount.Sign() == 0 {
		return common.Hash{}, time.Time{}, domain.ErrSwapWithZeroAmount
	}

	orderHash := e.hasher.OrderHash(order)

	if err := validateExtension(order, ext); err != nil {
		return orderHash, time.Time{}, err
	}
	if !e.verifier.Verify(orderHash, p.Signature, order.Maker) {
		return orderHash, time.Time{}, domain.ErrInvalidSignature
	}

	now := e.clock.Now()
	if order.Traits.Expiration != 0 && uint64(now.Unix()) >= order.Traits.Expiration && !p.TakerTraits.AllowExpiredOrders {
		return orderHash, now, domain.ErrOrderExpired
	}
	if order.Traits.IsPrivate() && order.Traits.AllowedSender != p.Taker {
		return orderHash, now, domain.ErrPrivateOrder
	}

	ok, err := evalPredicate(ext.PredicateData, now)
	if err != nil {
		return orderHash, now, err
	}
	if !ok {
		return orderHash, now, domain.ErrPredicateIsNotTrue
	}

	if p.TakingAmount.Cmp(order.TakingAmount) > 0 {
		return orderHash, now, domain.ErrTakingAmountExceeded
	}
	return orderHash, now, nil
}

// checkInvalidation reads the invalidation state for the order and returns
// the remaining fillable making amount.
func (e *Engine) checkInvalidation(ctx context.Context, order *domain.Order, orderHash common.Hash) (*big.Int, error) {
	t := order.Traits

	if t.UseBitInvalidator() {
		if t.UseEpochManager {
			return nil, domain.ErrEpochManagerAndBitInvalidatorsIncompatible
		}
		set, err := e.bitIsSet(ctx, order.Maker, t.NonceOrEpoch)
		if err != nil {
			return nil, err
		}
		if set {
			return nil, domain.ErrInvalidatedOrder
		}
		// One-shot order: the whole making amount is available exactly once.
		return new(big.Int).Set(order.MakingAmount), nil
	}

	if t.UseEpochManager {
		epoch, err := e.inv.Epoch(ctx, order.Maker, t.Series)
		if err != nil {
			return nil, fmt.Errorf("engine: read epoch: %w", err)
		}
		if epoch != t.NonceOrEpoch {
			return nil, domain.ErrWrongSeriesNonce
		}
	}

	remaining, present, err := e.inv.Remaining(ctx, order.Maker, orderHash)
	if err != nil {
		return nil, fmt.Errorf("engine: read remaining: %w", err)
	}
	if !present {
		// First fill: initialize remaining to the full making amount.
		return new(big.Int).Set(order.MakingAmount), nil
	}
	if remaining.Sign() == 0 {
		return nil, domain.ErrOrderInvalidated
	}
	if !t.AllowMultipleFills {
		// A record exists, so the single permitted fill already happened.
		return nil, domain.ErrOrderInvalidated
	}
	return remaining, nil
}

// resolveAmounts computes the (making, taking) amounts of this fill, clamping
// to remaining when partial fills are permitted.
func (e *Engine) resolveAmounts(order *domain.Order, ext *domain.Extension, p FillParams, remaining *big.Int) (*big.Int, *big.Int, error) {
	makingAmount, err := calcMakingAmount(order, ext, p.TakingAmount)
	if err != nil {
		return nil, nil, err
	}
	takingAmount := new(big.Int).Set(p.TakingAmount)

	if makingAmount.Cmp(remaining) > 0 {
		if !order.Traits.AllowPartialFills {
			return nil, nil, domain.ErrPartialFillNotAllowed
		}
		makingAmount = new(big.Int).Set(remaining)
		takingAmount, err = calcTakingAmount(order, ext, makingAmount)
		if err != nil {
			return nil, nil, err
		}
	} else if makingAmount.Cmp(order.MakingAmount) < 0 && !order.Traits.AllowPartialFills {
		return nil, nil, domain.ErrPartialFillNotAllowed
	}

	if makingAmount.Sign() == 0 || takingAmount.Sign() == 0 {
		return nil, nil, domain.ErrSwapWithZeroAmount
	}
	if p.TakerTraits.Threshold != nil && makingAmount.Cmp(p.TakerTraits.Threshold) < 0 {
		return nil, nil, domain.ErrMakingAmountTooLow
	}
	return makingAmount, takingAmount, nil
}

// commitInvalidation durably records the fill's effect on invalidation state
// and returns the remaining making amount after the fill.
func (e *Engine) commitInvalidation(ctx context.Context, order *domain.Order, orderHash common.Hash, remaining, makingAmount *big.Int) (*big.Int, error) {
	if order.Traits.UseBitInvalidator() {
		if err := e.setBit(ctx, order.Maker, order.Traits.NonceOrEpoch); err != nil {
			return nil, err
		}
		return big.NewInt(0), nil
	}

	after := new(big.Int).Sub(remaining, makingAmount)
	if err := e.inv.SetRemaining(ctx, order.Maker, orderHash, after); err != nil {
		return nil, fmt.Errorf("engine: write remaining: %w", err)
	}
	return after, nil
}

// rollbackInvalidation restores the pre-fill invalidation state after a
// failed transfer. The maker lock is still held, so the intermediate write
// was never observable.
func (e *Engine) rollbackInvalidation(ctx context.Context, order *domain.Order, orderHash common.Hash, remaining *big.Int) {
	var err error
	if order.Traits.UseBitInvalidator() {
		err = e.clearBit(ctx, order.Maker, order.Traits.NonceOrEpoch)
	} else {
		err = e.inv.SetRemaining(ctx, order.Maker, orderHash, remaining)
	}
	if err != nil {
		e.logger.Error("invalidation rollback failed",
			slog.String("order_hash", orderHash.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

// settle moves the two asset legs: taker asset to the receiver, maker asset
// to the taker.
func (e *Engine) settle(ctx context.Context, order *domain.Order, taker common.Address, makingAmount, takingAmount *big.Int) error {
	if err := e.transfers.Transfer(ctx, order.TakerAsset, taker, order.GetReceiver(), takingAmount); err != nil {
		return fmt.Errorf("engine: taker->maker transfer: %w", domain.ErrTransferFailed)
	}
	if err := e.transfers.Transfer(ctx, order.MakerAsset, order.Maker, taker, makingAmount); err != nil {
		return fmt.Errorf("engine: maker->taker transfer: %w", domain.ErrTransferFailed)
	}
	return nil
}

func (e *Engine) publishFill(ctx context.Context, r *domain.FillReceipt) {
	if e.bus == nil {
		return
	}
	payload, err := marshalFillEvent(r)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelFills, payload); err != nil {
		e.logger.Warn("publishing fill event failed", slog.String("error", err.Error()))
	}
}

// validateExtension enforces the order's extension commitment.
func validateExtension(order *domain.Order, ext *domain.Extension) error {
	if order.Traits.HasExtension {
		if ext.IsEmpty() {
			return domain.ErrMissingOrderExtension
		}
		if !crypto.ExtensionCommitmentMatches(order.Salt, crypto.ExtensionHash(ext)) {
			return domain.ErrInvalidExtensionHash
		}
		return nil
	}
	if !ext.IsEmpty() {
		return domain.ErrUnexpectedOrderExtension
	}
	return nil
}

// CalcMakingAmount quotes the maker amount for a prospective taking amount
// without touching state.
func (e *Engine) CalcMakingAmount(order *domain.Order, ext *domain.Extension, takingAmount *big.Int) (*big.Int, error) {
	if ext == nil {
		ext = &domain.Extension{}
	}
	return calcMakingAmount(order, ext, takingAmount)
}

// CalcTakingAmount quotes the taker amount for a prospective making amount
// without touching state.
func (e *Engine) CalcTakingAmount(order *domain.Order, ext *domain.Extension, makingAmount *big.Int) (*big.Int, error) {
	if ext == nil {
		ext = &domain.Extension{}
	}
	return calcTakingAmount(order, ext, makingAmount)
}

// SimulateFill runs the same validation pipeline as Fill without committing
// invalidation state or moving funds. Read-only diagnostic for resolvers: an
// order SimulateFill accepts is one Fill would accept at the same instant.
func (e *Engine) SimulateFill(ctx context.Context, p FillParams) (*big.Int, error) {
	if e.isPaused() {
		return nil, domain.ErrContractPaused
	}
	order := p.Order
	ext := p.Extension
	if ext == nil {
		ext = &domain.Extension{}
	}
	orderHash, _, err := e.validateFill(order, ext, p)
	if err != nil {
		return nil, err
	}

	unlock := e.lockMaker(order.Maker)
	defer unlock()

	remaining, err := e.checkInvalidation(ctx, order, orderHash)
	if err != nil {
		return nil, err
	}
	making, _, err := e.resolveAmounts(order, ext, p, remaining)
	if err != nil {
		return nil, err
	}
	return making, nil
}

func marshalFillEvent(r *domain.FillReceipt) ([]byte, error) {
	ev := domain.FillEvent{
		OrderHash:      r.OrderHash.Hex(),
		Maker:          r.Maker.Hex(),
		Taker:          r.Taker.Hex(),
		MakingAmount:   r.MakingAmount.String(),
		TakingAmount:   r.TakingAmount.String(),
		RemainingAfter: r.RemainingAfter.String(),
		At:             r.CreatedAt,
	}
	return json.Marshal(ev)
}
