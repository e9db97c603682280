package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fuselabs/crossfill/internal/domain"
)

// bitSlotOf splits a nonce into its 256-bit slot word and the bit within it.
func bitSlotOf(nonce uint64) (slot uint64, bit uint) {
	return nonce >> 8, uint(nonce & 0xff)
}

func (e *Engine) bitIsSet(ctx context.Context, maker common.Address, nonce uint64) (bool, error) {
	slot, bit := bitSlotOf(nonce)
	mask, err := e.inv.BitSlot(ctx, maker, slot)
	if err != nil {
		return false, fmt.Errorf("engine: read bit slot: %w", err)
	}
	return mask.Bit(int(bit)) == 1, nil
}

func (e *Engine) setBit(ctx context.Context, maker common.Address, nonce uint64) error {
	slot, bit := bitSlotOf(nonce)
	mask, err := e.inv.BitSlot(ctx, maker, slot)
	if err != nil {
		return fmt.Errorf("engine: read bit slot: %w", err)
	}
	mask = new(big.Int).SetBit(mask, int(bit), 1)
	if err := e.inv.SetBitSlot(ctx, maker, slot, mask); err != nil {
		return fmt.Errorf("engine: write bit slot: %w", err)
	}
	return nil
}

func (e *Engine) clearBit(ctx context.Context, maker common.Address, nonce uint64) error {
	slot, bit := bitSlotOf(nonce)
	mask, err := e.inv.BitSlot(ctx, maker, slot)
	if err != nil {
		return fmt.Errorf("engine: read bit slot: %w", err)
	}
	mask = new(big.Int).SetBit(mask, int(bit), 0)
	if err := e.inv.SetBitSlot(ctx, maker, slot, mask); err != nil {
		return fmt.Errorf("engine: write bit slot: %w", err)
	}
	return nil
}

// CancelOrder invalidates one of the caller's own orders. Bit-invalidator
// orders set their nonce bit, which also invalidates every other order
// sharing the nonce; remaining-invalidator orders have their remaining amount
// forced to zero.
func (e *Engine) CancelOrder(ctx context.Context, maker common.Address, traits domain.MakerTraits, orderHash common.Hash) error {
	if e.isPaused() {
		return domain.ErrContractPaused
	}

	unlock := e.lockMaker(maker)
	defer unlock()

	if traits.UseBitInvalidator() {
		if err := e.setBit(ctx, maker, traits.NonceOrEpoch); err != nil {
			return err
		}
	} else {
		if err := e.inv.SetRemaining(ctx, maker, orderHash, big.NewInt(0)); err != nil {
			return fmt.Errorf("engine: cancel remaining: %w", err)
		}
	}

	e.logger.Info("order cancelled",
		slog.String("maker", maker.Hex()),
		slog.String("order_hash", orderHash.Hex()),
	)
	return nil
}

// CancelOrders cancels a batch. The two slices must be the same length; each
// element is cancelled independently and the first failure aborts the rest.
func (e *Engine) CancelOrders(ctx context.Context, maker common.Address, traits []domain.MakerTraits, orderHashes []common.Hash) error {
	if len(traits) != len(orderHashes) {
		return domain.ErrMismatchArraysLengths
	}
	for i := range traits {
		if err := e.CancelOrder(ctx, maker, traits[i], orderHashes[i]); err != nil {
			return fmt.Errorf("engine: cancel batch element %d: %w", i, err)
		}
	}
	return nil
}

// MassInvalidate sets additional bits in the maker's bit-invalidator slot in
// one call, cancelling every nonce whose bit is set in extraMask.
func (e *Engine) MassInvalidate(ctx context.Context, maker common.Address, slot uint64, extraMask *big.Int) error {
	if e.isPaused() {
		return domain.ErrContractPaused
	}
	if extraMask == nil || extraMask.Sign() < 0 || extraMask.BitLen() > 256 {
		return domain.ErrInvalidAmounts
	}

	unlock := e.lockMaker(maker)
	defer unlock()

	mask, err := e.inv.BitSlot(ctx, maker, slot)
	if err != nil {
		return fmt.Errorf("engine: read bit slot: %w", err)
	}
	mask = new(big.Int).Or(mask, extraMask)
	if err := e.inv.SetBitSlot(ctx, maker, slot, mask); err != nil {
		return fmt.Errorf("engine: write bit slot: %w", err)
	}
	return nil
}

// IncreaseEpoch advances the maker's epoch for a series, invalidating all
// epoch-tracked orders signed under the previous epoch.
func (e *Engine) IncreaseEpoch(ctx context.Context, maker common.Address, series uint64) (uint64, error) {
	if e.isPaused() {
		return 0, domain.ErrContractPaused
	}

	unlock := e.lockMaker(maker)
	defer unlock()

	epoch, err := e.inv.AdvanceEpoch(ctx, maker, series)
	if err != nil {
		return 0, fmt.Errorf("engine: advance epoch: %w", err)
	}
	e.logger.Info("epoch advanced",
		slog.String("maker", maker.Hex()),
		slog.Uint64("series", series),
		slog.Uint64("epoch", epoch),
	)
	return epoch, nil
}

// Epoch reads the maker's current epoch for a series.
func (e *Engine) Epoch(ctx context.Context, maker common.Address, series uint64) (uint64, error) {
	return e.inv.Epoch(ctx, maker, series)
}

// EpochEquals reports whether the maker's epoch for the series currently
// equals the supplied value.
func (e *Engine) EpochEquals(ctx context.Context, maker common.Address, series, epoch uint64) (bool, error) {
	cur, err := e.inv.Epoch(ctx, maker, series)
	if err != nil {
		return false, err
	}
	return cur == epoch, nil
}

// BitInvalidatorForOrder returns the maker's invalidation mask for the slot.
func (e *Engine) BitInvalidatorForOrder(ctx context.Context, maker common.Address, slot uint64) (*big.Int, error) {
	return e.inv.BitSlot(ctx, maker, slot)
}

// RemainingInvalidatorForOrder returns the remaining making amount for a
// partially filled order. Returns ErrOrderInvalidated for never-touched
// orders, matching the convention that absence is indistinguishable from "ask
// the order itself".
func (e *Engine) RemainingInvalidatorForOrder(ctx context.Context, maker common.Address, orderHash common.Hash) (*big.Int, error) {
	remaining, present, err := e.inv.Remaining(ctx, maker, orderHash)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, domain.ErrOrderInvalidated
	}
	return remaining, nil
}

// RawRemainingInvalidatorForOrder returns the stored remaining amount without
// the presence check: absent records read as zero.
func (e *Engine) RawRemainingInvalidatorForOrder(ctx context.Context, maker common.Address, orderHash common.Hash) (*big.Int, error) {
	remaining, present, err := e.inv.Remaining(ctx, maker, orderHash)
	if err != nil {
		return nil, err
	}
	if !present {
		return big.NewInt(0), nil
	}
	return remaining, nil
}
