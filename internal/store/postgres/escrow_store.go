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

// EscrowStore implements domain.EscrowStore using PostgreSQL. Immutables are
// flattened into columns so the read API can filter without JSON parsing.
type EscrowStore struct {
	pool *pgxpool.Pool
}

// NewEscrowStore creates an EscrowStore backed by the given pool.
func NewEscrowStore(pool *pgxpool.Pool) *EscrowStore {
	return &EscrowStore{pool: pool}
}

const escrowColumns = `
	id, leg, order_hash, hashlock, maker, taker, asset,
	amount, safety_deposit,
	deployed_at, src_withdrawal, src_public_withdrawal, src_cancellation,
	src_public_cancellation, dst_withdrawal, dst_public_withdrawal, dst_cancellation,
	status, created_at, closed_at`

// Insert records a newly minted escrow leg.
func (s *EscrowStore) Insert(ctx context.Context, rec domain.EscrowRecord) error {
	const query = `
		INSERT INTO escrows (
			id, leg, order_hash, hashlock, maker, taker, asset,
			amount, safety_deposit,
			deployed_at, src_withdrawal, src_public_withdrawal, src_cancellation,
			src_public_cancellation, dst_withdrawal, dst_public_withdrawal, dst_cancellation,
			status, created_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20
		)`

	imm := rec.Immutables
	deposit := "0"
	if imm.SafetyDeposit != nil {
		deposit = imm.SafetyDeposit.String()
	}
	tl := imm.Timelocks

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Leg.String(), imm.OrderHash.Hex(), imm.Hashlock.Hex(),
		imm.Maker.Hex(), imm.Taker.Hex(), imm.Asset.Hex(),
		imm.Amount.String(), deposit,
		int64(tl.DeployedAt), int64(tl.SrcWithdrawal), int64(tl.SrcPublicWithdrawal), int64(tl.SrcCancellation),
		int64(tl.SrcPublicCancellation), int64(tl.DstWithdrawal), int64(tl.DstPublicWithdrawal), int64(tl.DstCancellation),
		string(rec.Status), rec.CreatedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert escrow %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateStatus moves an escrow to a terminal state.
func (s *EscrowStore) UpdateStatus(ctx context.Context, id string, status domain.EscrowStatus, closedAt time.Time) error {
	const query = `UPDATE escrows SET status = $1, closed_at = $2 WHERE id = $3`

	tag, err := s.pool.Exec(ctx, query, string(status), closedAt, id)
	if err != nil {
		return fmt.Errorf("postgres: update escrow %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID fetches one escrow record.
func (s *EscrowStore) GetByID(ctx context.Context, id string) (domain.EscrowRecord, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1`

	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return domain.EscrowRecord{}, fmt.Errorf("postgres: get escrow %s: %w", id, err)
	}
	defer rows.Close()

	recs, err := scanEscrows(rows)
	if err != nil {
		return domain.EscrowRecord{}, err
	}
	if len(recs) == 0 {
		return domain.EscrowRecord{}, domain.ErrNotFound
	}
	return recs[0], nil
}

// ListByOrder returns every escrow leg minted for the order.
func (s *EscrowStore) ListByOrder(ctx context.Context, orderHash common.Hash) ([]domain.EscrowRecord, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE order_hash = $1 ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, orderHash.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list escrows for %s: %w", orderHash.Hex(), err)
	}
	defer rows.Close()
	return scanEscrows(rows)
}

// ListBefore returns escrows created before the cutoff, oldest first.
func (s *EscrowStore) ListBefore(ctx context.Context, before time.Time) ([]domain.EscrowRecord, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE created_at < $1 ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list escrows before %s: %w", before, err)
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func scanEscrows(rows pgx.Rows) ([]domain.EscrowRecord, error) {
	var out []domain.EscrowRecord
	for rows.Next() {
		var (
			rec                      domain.EscrowRecord
			leg, orderHash, hashlock string
			maker, taker, asset      string
			amount, deposit          string
			deployedAt               int64
			srcW, srcPW, srcC, srcPC int64
			dstW, dstPW, dstC        int64
			status                   string
			closedAt                 *time.Time
		)
		err := rows.Scan(&rec.ID, &leg, &orderHash, &hashlock, &maker, &taker, &asset,
			&amount, &deposit,
			&deployedAt, &srcW, &srcPW, &srcC, &srcPC, &dstW, &dstPW, &dstC,
			&status, &rec.CreatedAt, &closedAt)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan escrow: %w", err)
		}

		if leg == domain.LegDst.String() {
			rec.Leg = domain.LegDst
		}
		rec.Status = domain.EscrowStatus(status)
		rec.ClosedAt = closedAt

		imm := domain.Immutables{
			OrderHash: common.HexToHash(orderHash),
			Hashlock:  common.HexToHash(hashlock),
			Maker:     common.HexToAddress(maker),
			Taker:     common.HexToAddress(taker),
			Asset:     common.HexToAddress(asset),
			Timelocks: domain.Timelocks{
				DeployedAt:            uint64(deployedAt),
				SrcWithdrawal:         uint64(srcW),
				SrcPublicWithdrawal:   uint64(srcPW),
				SrcCancellation:       uint64(srcC),
				SrcPublicCancellation: uint64(srcPC),
				DstWithdrawal:         uint64(dstW),
				DstPublicWithdrawal:   uint64(dstPW),
				DstCancellation:       uint64(dstC),
			},
		}
		var ok bool
		if imm.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
			return nil, fmt.Errorf("postgres: malformed amount for escrow %s", rec.ID)
		}
		if imm.SafetyDeposit, ok = new(big.Int).SetString(deposit, 10); !ok {
			return nil, fmt.Errorf("postgres: malformed safety deposit for escrow %s", rec.ID)
		}
		rec.Immutables = imm
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteBefore removes terminal escrows older than the cutoff after archival.
func (s *EscrowStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM escrows WHERE created_at < $1 AND status IN ($2, $3)`

	tag, err := s.pool.Exec(ctx, query, before,
		string(domain.EscrowStatusWithdrawn), string(domain.EscrowStatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("postgres: delete escrows before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.EscrowStore = (*EscrowStore)(nil)
