package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fuselabs/crossfill/internal/domain"
)

// InvalidationStore implements domain.InvalidationStore using PostgreSQL.
// Masks and remaining amounts are stored as NUMERIC and carried through
// their decimal string form.
type InvalidationStore struct {
	pool *pgxpool.Pool
}

// NewInvalidationStore creates an InvalidationStore backed by the pool.
func NewInvalidationStore(pool *pgxpool.Pool) *InvalidationStore {
	return &InvalidationStore{pool: pool}
}

// BitSlot returns the maker's 256-bit invalidation mask for the slot. A
// missing row reads as zero.
func (s *InvalidationStore) BitSlot(ctx context.Context, maker common.Address, slot uint64) (*big.Int, error) {
	const query = `SELECT mask FROM bit_invalidators WHERE maker = $1 AND slot = $2`

	var maskStr string
	err := s.pool.QueryRow(ctx, query, maker.Hex(), int64(slot)).Scan(&maskStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: bit slot %s/%d: %w", maker.Hex(), slot, err)
	}

	mask, ok := new(big.Int).SetString(maskStr, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: malformed mask for %s/%d", maker.Hex(), slot)
	}
	return mask, nil
}

// SetBitSlot upserts the full mask for the maker's slot.
func (s *InvalidationStore) SetBitSlot(ctx context.Context, maker common.Address, slot uint64, mask *big.Int) error {
	const query = `
		INSERT INTO bit_invalidators (maker, slot, mask, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (maker, slot)
		DO UPDATE SET mask = EXCLUDED.mask, updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, maker.Hex(), int64(slot), mask.String()); err != nil {
		return fmt.Errorf("postgres: set bit slot %s/%d: %w", maker.Hex(), slot, err)
	}
	return nil
}

// Remaining returns the remaining making amount for the order and whether a
// row exists.
func (s *InvalidationStore) Remaining(ctx context.Context, maker common.Address, orderHash common.Hash) (*big.Int, bool, error) {
	const query = `SELECT remaining FROM remaining_invalidators WHERE maker = $1 AND order_hash = $2`

	var remStr string
	err := s.pool.QueryRow(ctx, query, maker.Hex(), orderHash.Hex()).Scan(&remStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: remaining %s: %w", orderHash.Hex(), err)
	}

	rem, ok := new(big.Int).SetString(remStr, 10)
	if !ok {
		return nil, false, fmt.Errorf("postgres: malformed remaining for %s", orderHash.Hex())
	}
	return rem, true, nil
}

// SetRemaining upserts the remaining making amount for the order.
func (s *InvalidationStore) SetRemaining(ctx context.Context, maker common.Address, orderHash common.Hash, remaining *big.Int) error {
	const query = `
		INSERT INTO remaining_invalidators (maker, order_hash, remaining, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (maker, order_hash)
		DO UPDATE SET remaining = EXCLUDED.remaining, updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, maker.Hex(), orderHash.Hex(), remaining.String()); err != nil {
		return fmt.Errorf("postgres: set remaining %s: %w", orderHash.Hex(), err)
	}
	return nil
}

// Epoch returns the maker's current epoch for the series; missing rows read
// as zero.
func (s *InvalidationStore) Epoch(ctx context.Context, maker common.Address, series uint64) (uint64, error) {
	const query = `SELECT epoch FROM maker_epochs WHERE maker = $1 AND series = $2`

	var epoch int64
	err := s.pool.QueryRow(ctx, query, maker.Hex(), int64(series)).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: epoch %s/%d: %w", maker.Hex(), series, err)
	}
	return uint64(epoch), nil
}

// AdvanceEpoch increments the maker's epoch for the series atomically and
// returns the new value.
func (s *InvalidationStore) AdvanceEpoch(ctx context.Context, maker common.Address, series uint64) (uint64, error) {
	const query = `
		INSERT INTO maker_epochs (maker, series, epoch, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (maker, series)
		DO UPDATE SET epoch = maker_epochs.epoch + 1, updated_at = NOW()
		RETURNING epoch`

	var epoch int64
	if err := s.pool.QueryRow(ctx, query, maker.Hex(), int64(series)).Scan(&epoch); err != nil {
		return 0, fmt.Errorf("postgres: advance epoch %s/%d: %w", maker.Hex(), series, err)
	}
	return uint64(epoch), nil
}

// Compile-time interface check.
var _ domain.InvalidationStore = (*InvalidationStore)(nil)
