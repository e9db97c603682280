// Package escrow implements the cross-chain swap escrows: the merkle
// partial-fill validator, the per-leg escrow state machine, and the factory
// that mints escrows from fills.
package escrow

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fuselabs/crossfill/internal/crypto"
	"github.com/fuselabs/crossfill/internal/domain"
)

// MerkleValidator guards multi-fill orders against reusing a tree index. Each
// (order hash, root) key tracks the latest accepted leaf plus the set of
// consumed indices; a consumed index is never accepted again.
type MerkleValidator struct {
	logger *slog.Logger
	store  domain.ValidationStore

	// cache, when set, fronts the store for reads. The store stays
	// authoritative for the check-and-set on writes.
	cache domain.ValidationStore
}

func NewMerkleValidator(store domain.ValidationStore, logger *slog.Logger) *MerkleValidator {
	return &MerkleValidator{
		logger: logger.With(slog.String("component", "merkle_validator")),
		store:  store,
	}
}

// WithCache adds a read cache in front of the durable store.
func (v *MerkleValidator) WithCache(cache domain.ValidationStore) *MerkleValidator {
	v.cache = cache
	return v
}

// ValidateAndRecord checks the proof for (leaf, index) against root and
// records the consumption. A second call with an already-consumed index is
// rejected as ErrInvalidProof even when the proof itself still verifies.
// Secret-to-leaf binding is the caller's concern; the validator only
// deduplicates leaf positions.
func (v *MerkleValidator) ValidateAndRecord(ctx context.Context, orderHash, root, leaf common.Hash, index uint64, proof []common.Hash) error {
	if len(proof) == 0 || len(proof) > crypto.MaxTreeDepth {
		return domain.ErrInvalidProof
	}
	if index >= uint64(1)<<uint(len(proof)) {
		return domain.ErrInvalidIndex
	}
	if !crypto.VerifyProof(root, leaf, index, proof) {
		return domain.ErrInvalidProof
	}

	// Consumption is decided by the store's check-and-set: an index ever
	// stored for this key is rejected there, regardless of what was
	// validated in between.
	key := crypto.ValidationKey(orderHash, root)
	data := domain.ValidationData{Leaf: leaf, Index: index + 1}
	if err := v.store.StoreValidated(ctx, key, data); err != nil {
		return err
	}
	if v.cache != nil {
		if err := v.cache.StoreValidated(ctx, key, data); err != nil {
			v.logger.Warn("validation cache write failed", slog.String("error", err.Error()))
		}
	}
	v.logger.Debug("merkle index consumed",
		slog.String("order_hash", orderHash.Hex()),
		slog.String("root", root.Hex()),
		slog.Uint64("index", index),
	)
	return nil
}

// LastValidated returns the stored record for the (order hash, root) key.
func (v *MerkleValidator) LastValidated(ctx context.Context, orderHash, root common.Hash) (domain.ValidationData, bool, error) {
	key := crypto.ValidationKey(orderHash, root)
	if v.cache != nil {
		if data, ok, err := v.cache.LastValidated(ctx, key); err == nil && ok {
			return data, true, nil
		}
	}
	return v.store.LastValidated(ctx, key)
}
