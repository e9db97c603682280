package redis

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/fuselabs/crossfill/internal/domain"
)

// storeValidatedLua writes the (leaf, index) record unless the index was
// ever consumed for this key, tracked in a per-key set. The membership check
// and both writes are one script invocation, so two processes racing the
// same tree position cannot both consume it, and an index stays consumed no
// matter what was validated in between.
const storeValidatedLua = `
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then
    return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[1], 'leaf', ARGV[1], 'index', ARGV[2])
return 1
`

// ValidationStore persists merkle replay records in Redis hashes, one per
// (order hash, root) key. The store rejects a same-index overwrite itself,
// giving the validator its check-and-set guarantee across processes.
type ValidationStore struct {
	rdb     *redis.Client
	storeSc *redis.Script
}

// NewValidationStore creates a ValidationStore backed by the given Client.
func NewValidationStore(c *Client) *ValidationStore {
	return &ValidationStore{
		rdb:     c.Underlying(),
		storeSc: redis.NewScript(storeValidatedLua),
	}
}

func validationKey(key common.Hash) string {
	return "merkle:" + key.Hex()
}

func validationConsumedKey(key common.Hash) string {
	return "merkle:" + key.Hex() + ":consumed"
}

// LastValidated returns the stored record for the key.
func (vs *ValidationStore) LastValidated(ctx context.Context, key common.Hash) (domain.ValidationData, bool, error) {
	vals, err := vs.rdb.HGetAll(ctx, validationKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ValidationData{}, false, nil
		}
		return domain.ValidationData{}, false, fmt.Errorf("redis: get validation %s: %w", key.Hex(), err)
	}
	if len(vals) == 0 {
		return domain.ValidationData{}, false, nil
	}

	leaf, okL := vals["leaf"]
	idx, okI := vals["index"]
	if !okL || !okI || len(idx) != 8 {
		return domain.ValidationData{}, false, fmt.Errorf("redis: malformed validation record %s", key.Hex())
	}
	return domain.ValidationData{
		Leaf:  common.BytesToHash([]byte(leaf)),
		Index: binary.BigEndian.Uint64([]byte(idx)),
	}, true, nil
}

// StoreValidated records the consumed tree position. A write carrying an
// index ever consumed for the key is a replay and fails with ErrInvalidProof.
func (vs *ValidationStore) StoreValidated(ctx context.Context, key common.Hash, data domain.ValidationData) error {
	idx := make([]byte, 8)
	binary.BigEndian.PutUint64(idx, data.Index)

	res, err := vs.storeSc.Run(ctx, vs.rdb, []string{validationKey(key), validationConsumedKey(key)},
		data.Leaf.Bytes(), idx).Int64()
	if err != nil {
		return fmt.Errorf("redis: store validation %s: %w", key.Hex(), err)
	}
	if res == 0 {
		return domain.ErrInvalidProof
	}
	return nil
}

// Compile-time interface check.
var _ domain.ValidationStore = (*ValidationStore)(nil)
