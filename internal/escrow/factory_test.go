package escrow

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuselabs/crossfill/internal/crypto"
	"github.com/fuselabs/crossfill/internal/domain"
	"github.com/fuselabs/crossfill/internal/ledger"
	"github.com/fuselabs/crossfill/internal/store/memory"
)

var engineIdentity = common.HexToAddress("0x00000000000000000000000000000000000000ee")

type factoryHarness struct {
	factory *Factory
	store   *memory.EscrowStore
	ledger  *ledger.Ledger
	clock   *fakeClock
}

func newFactoryHarness(t *testing.T) *factoryHarness {
	t.Helper()
	store := memory.NewEscrowStore()
	led := ledger.New()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	validator := NewMerkleValidator(memory.NewValidationStore(), logger)

	f := NewFactory(FactoryConfig{Engine: engineIdentity, NativeAsset: nativeAsst},
		store, led, clock, validator, nil, logger)

	led.Mint(escAsset, escTaker, big.NewInt(100_000))
	led.Mint(nativeAsst, escTaker, big.NewInt(1000))
	return &factoryHarness{factory: f, store: store, ledger: led, clock: clock}
}

func srcOrder() *domain.Order {
	return &domain.Order{
		Maker:        escMaker,
		MakerAsset:   escAsset,
		TakerAsset:   common.HexToAddress("0x0000000000000000000000000000000000000202"),
		MakingAmount: big.NewInt(1000),
		TakingAmount: big.NewInt(500),
	}
}

func directArgs(hashlock common.Hash) []byte {
	return EncodeSrcArgs(SrcArgs{
		Hashlock:      hashlock,
		SafetyDeposit: big.NewInt(10),
		Timelocks:     srcTimelocks(),
	})
}

func TestCreateSrcDirectHashlock(t *testing.T) {
	h := newFactoryHarness(t)
	ctx := context.Background()

	var secret [32]byte
	secret[0] = 0x42
	hashlock := crypto.HashSecret(secret)
	orderHash := common.HexToHash("0x10")

	imm, err := h.factory.CreateSrc(ctx, engineIdentity, srcOrder(), orderHash,
		escTaker, big.NewInt(1000), directArgs(hashlock))
	require.NoError(t, err)

	assert.Equal(t, hashlock, imm.Hashlock)
	assert.Equal(t, escMaker, imm.Maker)
	assert.Equal(t, escTaker, imm.Taker)
	assert.Equal(t, uint64(h.clock.Now().Unix()), imm.Timelocks.DeployedAt)

	// Vault holds the principal and the deposit.
	vault := VaultAddress(imm)
	assert.Equal(t, int64(1000), h.ledger.BalanceOf(escAsset, vault).Int64())
	assert.Equal(t, int64(10), h.ledger.BalanceOf(nativeAsst, vault).Int64())

	recs, err := h.store.ListByOrder(ctx, orderHash)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.LegSrc, recs[0].Leg)
	assert.Equal(t, domain.EscrowStatusActive, recs[0].Status)
}

func TestCreateSrcRejectsUntrustedCaller(t *testing.T) {
	h := newFactoryHarness(t)

	_, err := h.factory.CreateSrc(context.Background(), escTaker, srcOrder(),
		common.HexToHash("0x10"), escTaker, big.NewInt(1000), directArgs(common.HexToHash("0x01")))
	assert.ErrorIs(t, err, domain.ErrInvalidCaller)
}

func TestCreateSrcMerklePath(t *testing.T) {
	h := newFactoryHarness(t)
	ctx := context.Background()
	tree, leaves := fourLeafTree()
	orderHash := common.HexToHash("0x11")

	args := EncodeSrcArgs(SrcArgs{
		Root:          tree.Root(),
		Leaf:          leaves[2],
		Index:         2,
		Proof:         tree.Proof(2),
		SafetyDeposit: big.NewInt(10),
		Timelocks:     srcTimelocks(),
	})

	imm, err := h.factory.CreateSrc(ctx, engineIdentity, srcOrder(), orderHash,
		escTaker, big.NewInt(250), args)
	require.NoError(t, err)
	assert.Equal(t, leaves[2], imm.Hashlock)

	// The consumed index is burned: a second escrow off the same position
	// fails and mints nothing.
	_, err = h.factory.CreateSrc(ctx, engineIdentity, srcOrder(), orderHash,
		escTaker, big.NewInt(250), args)
	assert.ErrorIs(t, err, domain.ErrInvalidProof)

	recs, err := h.store.ListByOrder(ctx, orderHash)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestCreateSrcMerkleBadProofMintsNothing(t *testing.T) {
	h := newFactoryHarness(t)
	ctx := context.Background()
	tree, leaves := fourLeafTree()
	orderHash := common.HexToHash("0x12")

	args := EncodeSrcArgs(SrcArgs{
		Root:          tree.Root(),
		Leaf:          leaves[2],
		Index:         3, // wrong position for this proof
		Proof:         tree.Proof(2),
		SafetyDeposit: big.NewInt(10),
		Timelocks:     srcTimelocks(),
	})

	_, err := h.factory.CreateSrc(ctx, engineIdentity, srcOrder(), orderHash,
		escTaker, big.NewInt(250), args)
	assert.ErrorIs(t, err, domain.ErrInvalidProof)

	recs, err := h.store.ListByOrder(ctx, orderHash)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCreateSrcRejectsDisorderedTimelocks(t *testing.T) {
	h := newFactoryHarness(t)

	tl := srcTimelocks()
	tl.SrcPublicWithdrawal = tl.SrcCancellation + 1
	args := EncodeSrcArgs(SrcArgs{
		Hashlock:      common.HexToHash("0x01"),
		SafetyDeposit: big.NewInt(0),
		Timelocks:     tl,
	})

	_, err := h.factory.CreateSrc(context.Background(), engineIdentity, srcOrder(),
		common.HexToHash("0x13"), escTaker, big.NewInt(1000), args)
	assert.ErrorIs(t, err, domain.ErrInvalidImmutables)
}

func TestCreateDst(t *testing.T) {
	h := newFactoryHarness(t)
	ctx := context.Background()

	imm := domain.Immutables{
		OrderHash:     common.HexToHash("0x14"),
		Hashlock:      common.HexToHash("0x02"),
		Maker:         escMaker,
		Taker:         escTaker,
		Asset:         escAsset,
		Amount:        big.NewInt(500),
		SafetyDeposit: big.NewInt(5),
		Timelocks:     srcTimelocks(),
	}
	srcCancellation := h.clock.Now().Add(3600 * time.Second)

	out, err := h.factory.CreateDst(ctx, engineIdentity, imm, srcCancellation)
	require.NoError(t, err)
	assert.Equal(t, uint64(h.clock.Now().Unix()), out.Timelocks.DeployedAt)

	recs, err := h.store.ListByOrder(ctx, imm.OrderHash)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.LegDst, recs[0].Leg)
}

func TestCreateDstCancellationBound(t *testing.T) {
	h := newFactoryHarness(t)

	imm := domain.Immutables{
		OrderHash: common.HexToHash("0x15"),
		Hashlock:  common.HexToHash("0x02"),
		Maker:     escMaker,
		Taker:     escTaker,
		Asset:     escAsset,
		Amount:    big.NewInt(500),
		Timelocks: srcTimelocks(),
	}
	// Destination cancellation (T+2400) would outlive the source window.
	srcCancellation := h.clock.Now().Add(2000 * time.Second)

	_, err := h.factory.CreateDst(context.Background(), engineIdentity, imm, srcCancellation)
	assert.ErrorIs(t, err, domain.ErrInvalidImmutables)
}

func TestSrcArgsRoundTrip(t *testing.T) {
	tree, leaves := fourLeafTree()
	in := SrcArgs{
		Root:          tree.Root(),
		Leaf:          leaves[1],
		Index:         1,
		Proof:         tree.Proof(1),
		SafetyDeposit: big.NewInt(123),
		Timelocks:     srcTimelocks(),
	}

	out, err := DecodeSrcArgs(EncodeSrcArgs(in))
	require.NoError(t, err)
	assert.Equal(t, in.Root, out.Root)
	assert.Equal(t, in.Leaf, out.Leaf)
	assert.Equal(t, in.Index, out.Index)
	assert.Equal(t, in.Proof, out.Proof)
	assert.Zero(t, in.SafetyDeposit.Cmp(out.SafetyDeposit))
	assert.Equal(t, in.Timelocks, out.Timelocks)

	_, err = DecodeSrcArgs([]byte{0x07})
	assert.ErrorIs(t, err, domain.ErrInvalidExtension)

	_, err = DecodeSrcArgs(nil)
	assert.ErrorIs(t, err, domain.ErrInvalidExtension)
}
