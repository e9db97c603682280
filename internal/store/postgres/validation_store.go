package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fuselabs/crossfill/internal/domain"
)

// ValidationStore implements domain.ValidationStore using PostgreSQL. Every
// consumed index is recorded in its own row with a (key, index) primary key,
// so a replay is refused by the insert itself and the check holds across
// processes regardless of what was validated in between.
type ValidationStore struct {
	pool *pgxpool.Pool
}

// NewValidationStore creates a ValidationStore backed by the given pool.
func NewValidationStore(pool *pgxpool.Pool) *ValidationStore {
	return &ValidationStore{pool: pool}
}

// LastValidated returns the record for the (order hash, root) key.
func (s *ValidationStore) LastValidated(ctx context.Context, key common.Hash) (domain.ValidationData, bool, error) {
	const query = `SELECT leaf, leaf_index FROM merkle_validations WHERE key = $1`

	var (
		leaf  string
		index int64
	)
	err := s.pool.QueryRow(ctx, query, key.Hex()).Scan(&leaf, &index)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ValidationData{}, false, nil
	}
	if err != nil {
		return domain.ValidationData{}, false, fmt.Errorf("postgres: last validated %s: %w", key.Hex(), err)
	}
	return domain.ValidationData{Leaf: common.HexToHash(leaf), Index: uint64(index)}, true, nil
}

// StoreValidated records the consumed tree position. An index already
// consumed for the key conflicts on insert and fails as ErrInvalidProof.
func (s *ValidationStore) StoreValidated(ctx context.Context, key common.Hash, data domain.ValidationData) error {
	const consume = `
		INSERT INTO merkle_validation_indices (key, leaf_index)
		VALUES ($1, $2)
		ON CONFLICT (key, leaf_index) DO NOTHING`
	const upsert = `
		INSERT INTO merkle_validations (key, leaf, leaf_index, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key)
		DO UPDATE SET leaf = EXCLUDED.leaf, leaf_index = EXCLUDED.leaf_index, updated_at = NOW()`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: store validated %s: %w", key.Hex(), err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, consume, key.Hex(), int64(data.Index))
	if err != nil {
		return fmt.Errorf("postgres: consume index %s/%d: %w", key.Hex(), data.Index, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidProof
	}

	if _, err := tx.Exec(ctx, upsert, key.Hex(), data.Leaf.Hex(), int64(data.Index)); err != nil {
		return fmt.Errorf("postgres: store validated %s: %w", key.Hex(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: store validated %s: %w", key.Hex(), err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ValidationStore = (*ValidationStore)(nil)
