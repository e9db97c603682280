package escrow

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuselabs/crossfill/internal/crypto"
	"github.com/fuselabs/crossfill/internal/domain"
	"github.com/fuselabs/crossfill/internal/store/memory"
)

func newValidator() *MerkleValidator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMerkleValidator(memory.NewValidationStore(), logger)
}

// fourLeafTree builds a tree over four secrets and returns the leaves too.
func fourLeafTree() (*crypto.MerkleTree, []common.Hash) {
	leaves := make([]common.Hash, 4)
	for i := range leaves {
		var secret [32]byte
		secret[0] = byte(i + 1)
		leaves[i] = crypto.SecretLeaf(secret, uint64(i))
	}
	return crypto.NewMerkleTree(leaves), leaves
}

func TestValidateAndRecordAcceptsEachIndexOnce(t *testing.T) {
	v := newValidator()
	ctx := context.Background()
	tree, leaves := fourLeafTree()
	orderHash := common.HexToHash("0x01")
	root := tree.Root()

	require.NoError(t, v.ValidateAndRecord(ctx, orderHash, root, leaves[2], 2, tree.Proof(2)))

	// Identical replay fails even though the proof still verifies.
	err := v.ValidateAndRecord(ctx, orderHash, root, leaves[2], 2, tree.Proof(2))
	assert.ErrorIs(t, err, domain.ErrInvalidProof)

	// Other indexes remain consumable.
	require.NoError(t, v.ValidateAndRecord(ctx, orderHash, root, leaves[0], 0, tree.Proof(0)))

	data, ok, err := v.LastValidated(ctx, orderHash, root)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, leaves[0], data.Leaf)
	assert.Equal(t, uint64(1), data.Index)
}

func TestValidateAndRecordRejectsConsumedIndexAfterOthers(t *testing.T) {
	v := newValidator()
	ctx := context.Background()
	tree, leaves := fourLeafTree()
	orderHash := common.HexToHash("0x01")
	root := tree.Root()

	require.NoError(t, v.ValidateAndRecord(ctx, orderHash, root, leaves[2], 2, tree.Proof(2)))
	require.NoError(t, v.ValidateAndRecord(ctx, orderHash, root, leaves[1], 1, tree.Proof(1)))

	// Index 2 stays consumed even though index 1 was recorded after it.
	err := v.ValidateAndRecord(ctx, orderHash, root, leaves[2], 2, tree.Proof(2))
	assert.ErrorIs(t, err, domain.ErrInvalidProof)
}

func TestValidateAndRecordIndexPathMismatch(t *testing.T) {
	v := newValidator()
	tree, leaves := fourLeafTree()
	orderHash := common.HexToHash("0x01")

	// A valid proof for index 2 claiming index 3 walks the wrong sibling
	// order and lands on a different root.
	err := v.ValidateAndRecord(context.Background(), orderHash, tree.Root(), leaves[2], 3, tree.Proof(2))
	assert.ErrorIs(t, err, domain.ErrInvalidProof)
}

func TestValidateAndRecordWrongRoot(t *testing.T) {
	v := newValidator()
	tree, leaves := fourLeafTree()

	badRoot := common.HexToHash("0xdeadbeef")
	err := v.ValidateAndRecord(context.Background(), common.HexToHash("0x01"), badRoot, leaves[1], 1, tree.Proof(1))
	assert.ErrorIs(t, err, domain.ErrInvalidProof)
}

func TestValidateAndRecordIndexOutOfRange(t *testing.T) {
	v := newValidator()
	tree, leaves := fourLeafTree()

	// A 2-element proof only covers indexes 0..3.
	err := v.ValidateAndRecord(context.Background(), common.HexToHash("0x01"), tree.Root(), leaves[0], 4, tree.Proof(0))
	assert.ErrorIs(t, err, domain.ErrInvalidIndex)
}

func TestValidateAndRecordScopedPerOrder(t *testing.T) {
	v := newValidator()
	ctx := context.Background()
	tree, leaves := fourLeafTree()
	root := tree.Root()

	// The same tree position under two different orders is two records.
	require.NoError(t, v.ValidateAndRecord(ctx, common.HexToHash("0x01"), root, leaves[1], 1, tree.Proof(1)))
	require.NoError(t, v.ValidateAndRecord(ctx, common.HexToHash("0x02"), root, leaves[1], 1, tree.Proof(1)))
}

func TestValidateAndRecordDepthBound(t *testing.T) {
	v := newValidator()
	tree, leaves := fourLeafTree()

	long := make([]common.Hash, crypto.MaxTreeDepth+1)
	err := v.ValidateAndRecord(context.Background(), common.HexToHash("0x01"), tree.Root(), leaves[0], 0, long)
	assert.ErrorIs(t, err, domain.ErrInvalidProof)

	err = v.ValidateAndRecord(context.Background(), common.HexToHash("0x01"), tree.Root(), leaves[0], 0, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidProof)
}
