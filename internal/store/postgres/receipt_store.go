package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fuselabs/crossfill/internal/domain"
)

// ReceiptStore implements domain.ReceiptStore using PostgreSQL.
type ReceiptStore struct {
	pool *pgxpool.Pool
}

// NewReceiptStore creates a ReceiptStore backed by the given pool.
func NewReceiptStore(pool *pgxpool.Pool) *ReceiptStore {
	return &ReceiptStore{pool: pool}
}

// Insert records one fill receipt.
func (s *ReceiptStore) Insert(ctx context.Context, r domain.FillReceipt) error {
	const query = `
		INSERT INTO fill_receipts (
			id, order_hash, maker, taker,
			making_amount, taking_amount, remaining_after, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.OrderHash.Hex(), r.Maker.Hex(), r.Taker.Hex(),
		r.MakingAmount.String(), r.TakingAmount.String(), r.RemainingAfter.String(),
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert receipt %s: %w", r.ID, err)
	}
	return nil
}

// ListByOrder returns the order's receipts in fill order.
func (s *ReceiptStore) ListByOrder(ctx context.Context, orderHash common.Hash) ([]domain.FillReceipt, error) {
	const query = `
		SELECT id, order_hash, maker, taker,
		       making_amount, taking_amount, remaining_after, created_at
		FROM fill_receipts
		WHERE order_hash = $1
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, orderHash.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list receipts for %s: %w", orderHash.Hex(), err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// ListBefore returns every receipt created before the cutoff, oldest first.
// Consumed by the archiver.
func (s *ReceiptStore) ListBefore(ctx context.Context, before time.Time) ([]domain.FillReceipt, error) {
	const query = `
		SELECT id, order_hash, maker, taker,
		       making_amount, taking_amount, remaining_after, created_at
		FROM fill_receipts
		WHERE created_at < $1
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list receipts before %s: %w", before, err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

func scanReceipts(rows pgx.Rows) ([]domain.FillReceipt, error) {
	var out []domain.FillReceipt
	for rows.Next() {
		var (
			r                    domain.FillReceipt
			orderHash, maker     string
			taker                string
			making, taking, left string
		)
		if err := rows.Scan(&r.ID, &orderHash, &maker, &taker, &making, &taking, &left, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan receipt: %w", err)
		}
		r.OrderHash = common.HexToHash(orderHash)
		r.Maker = common.HexToAddress(maker)
		r.Taker = common.HexToAddress(taker)
		var ok bool
		if r.MakingAmount, ok = new(big.Int).SetString(making, 10); !ok {
			return nil, fmt.Errorf("postgres: malformed making amount for receipt %s", r.ID)
		}
		if r.TakingAmount, ok = new(big.Int).SetString(taking, 10); !ok {
			return nil, fmt.Errorf("postgres: malformed taking amount for receipt %s", r.ID)
		}
		if r.RemainingAfter, ok = new(big.Int).SetString(left, 10); !ok {
			return nil, fmt.Errorf("postgres: malformed remaining for receipt %s", r.ID)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteBefore removes receipts older than the cutoff after archival.
func (s *ReceiptStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fill_receipts WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete receipts before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.ReceiptStore = (*ReceiptStore)(nil)
