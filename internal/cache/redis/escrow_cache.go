package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/fuselabs/crossfill/internal/domain"
)

const escrowTTL = 5 * time.Minute

// EscrowCache is a read-through cache of escrow records for the API layer,
// keeping GET traffic off postgres. Records are JSON in hashes with a
// secondary order-hash index.
//
// Key schema:
//
//	escrow:{id}              - hash with field "data" containing JSON
//	escrow:order:{orderHash} - set of escrow IDs for the order
type EscrowCache struct {
	rdb *redis.Client
}

// NewEscrowCache creates an EscrowCache backed by the given Client.
func NewEscrowCache(c *Client) *EscrowCache {
	return &EscrowCache{rdb: c.Underlying()}
}

func escrowKey(id string) string { return "escrow:" + id }

func escrowOrderKey(orderHash common.Hash) string { return "escrow:order:" + orderHash.Hex() }

// Set stores an escrow record with a 5-minute TTL and indexes it under its
// order hash.
func (ec *EscrowCache) Set(ctx context.Context, rec domain.EscrowRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal escrow %s: %w", rec.ID, err)
	}

	key := escrowKey(rec.ID)
	idxKey := escrowOrderKey(rec.Immutables.OrderHash)

	pipe := ec.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, escrowTTL)
	pipe.SAdd(ctx, idxKey, rec.ID)
	pipe.Expire(ctx, idxKey, escrowTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set escrow %s: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves an escrow record by ID.
// Returns domain.ErrNotFound when the key does not exist.
func (ec *EscrowCache) Get(ctx context.Context, id string) (domain.EscrowRecord, error) {
	data, err := ec.rdb.HGet(ctx, escrowKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.EscrowRecord{}, domain.ErrNotFound
		}
		return domain.EscrowRecord{}, fmt.Errorf("redis: get escrow %s: %w", id, err)
	}

	var rec domain.EscrowRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.EscrowRecord{}, fmt.Errorf("redis: unmarshal escrow %s: %w", id, err)
	}
	return rec, nil
}

// GetByOrder returns the cached escrow records indexed under the order hash.
// IDs whose record has already expired are skipped.
func (ec *EscrowCache) GetByOrder(ctx context.Context, orderHash common.Hash) ([]domain.EscrowRecord, error) {
	ids, err := ec.rdb.SMembers(ctx, escrowOrderKey(orderHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: get escrows by order %s: %w", orderHash.Hex(), err)
	}

	var out []domain.EscrowRecord
	for _, id := range ids {
		rec, err := ec.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Invalidate removes an escrow record; the order index entry is left to
// expire with its TTL.
func (ec *EscrowCache) Invalidate(ctx context.Context, id string) error {
	if err := ec.rdb.Del(ctx, escrowKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate escrow %s: %w", id, err)
	}
	return nil
}
