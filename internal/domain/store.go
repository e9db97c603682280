package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// InvalidationStore persists per-maker invalidation state. Implementations
// only need read-your-writes consistency within one engine operation; the
// engine serializes all access per maker.
type InvalidationStore interface {
	// BitSlot returns the 256-bit invalidation mask for the maker's slot.
	// A missing slot reads as zero.
	BitSlot(ctx context.Context, maker common.Address, slot uint64) (*big.Int, error)

	// SetBitSlot stores the full mask for the maker's slot.
	SetBitSlot(ctx context.Context, maker common.Address, slot uint64, mask *big.Int) error

	// Remaining returns the remaining making amount for the order and whether
	// a record exists. Absence means "never filled"; an explicit zero means
	// fully consumed or cancelled.
	Remaining(ctx context.Context, maker common.Address, orderHash common.Hash) (*big.Int, bool, error)

	// SetRemaining stores the remaining making amount for the order.
	SetRemaining(ctx context.Context, maker common.Address, orderHash common.Hash, remaining *big.Int) error

	// Epoch returns the maker's current epoch for the series. A missing
	// series reads as zero.
	Epoch(ctx context.Context, maker common.Address, series uint64) (uint64, error)

	// AdvanceEpoch increments the maker's epoch for the series, mass
	// invalidating every epoch-tracked order signed under the old value, and
	// returns the new epoch.
	AdvanceEpoch(ctx context.Context, maker common.Address, series uint64) (uint64, error)
}

// ValidationStore persists merkle partial-fill replay records keyed by
// keccak256(order hash, root).
type ValidationStore interface {
	LastValidated(ctx context.Context, key common.Hash) (ValidationData, bool, error)
	StoreValidated(ctx context.Context, key common.Hash, data ValidationData) error
}

// ReceiptStore persists fill receipts.
type ReceiptStore interface {
	Insert(ctx context.Context, receipt FillReceipt) error
	ListByOrder(ctx context.Context, orderHash common.Hash) ([]FillReceipt, error)
	ListBefore(ctx context.Context, before time.Time) ([]FillReceipt, error)
}

// EscrowStore persists escrow leg records.
type EscrowStore interface {
	Insert(ctx context.Context, rec EscrowRecord) error
	UpdateStatus(ctx context.Context, id string, status EscrowStatus, closedAt time.Time) error
	GetByID(ctx context.Context, id string) (EscrowRecord, error)
	ListByOrder(ctx context.Context, orderHash common.Hash) ([]EscrowRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]EscrowRecord, error)
}

// LockManager provides exclusive locks scoped by an arbitrary key, used to
// serialize fills per maker across processes.
type LockManager interface {
	// Acquire obtains the lock or returns ErrLockHeld. The returned function
	// releases the lock and is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SignalBus publishes settlement events to out-of-core consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter throttles API callers per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}
