package escrow

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuselabs/crossfill/internal/crypto"
	"github.com/fuselabs/crossfill/internal/domain"
	"github.com/fuselabs/crossfill/internal/ledger"
	"github.com/fuselabs/crossfill/internal/store/memory"
)

var (
	escMaker   = common.HexToAddress("0x0000000000000000000000000000000000000011")
	escTaker   = common.HexToAddress("0x0000000000000000000000000000000000000022")
	escAsset   = common.HexToAddress("0x0000000000000000000000000000000000000201")
	nativeAsst = common.HexToAddress("0x0000000000000000000000000000000000000001")
	resolver   = common.HexToAddress("0x0000000000000000000000000000000000000033")
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// allowList grants the access capability to a fixed set of principals.
type allowList map[common.Address]bool

func (a allowList) HoldsAccessToken(_ context.Context, p common.Address) (bool, error) {
	return a[p], nil
}

type escrowHarness struct {
	svc    *Service
	store  *memory.EscrowStore
	ledger *ledger.Ledger
	clock  *fakeClock
	secret [32]byte
}

func newEscrowHarness(t *testing.T) *escrowHarness {
	t.Helper()
	store := memory.NewEscrowStore()
	led := ledger.New()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewService(ServiceConfig{NativeAsset: nativeAsst, RescueDelay: 86400},
		store, led, clock, allowList{resolver: true}, nil, logger)

	var secret [32]byte
	copy(secret[:], []byte("order-secret-0000000000000000001"))

	return &escrowHarness{svc: svc, store: store, ledger: led, clock: clock, secret: secret}
}

// mint creates an active escrow record and funds its vault directly.
func (h *escrowHarness) mint(t *testing.T, leg domain.EscrowLeg, timelocks domain.Timelocks) (string, domain.Immutables) {
	t.Helper()
	imm := domain.Immutables{
		OrderHash:     common.HexToHash("0xabcd"),
		Hashlock:      crypto.HashSecret(h.secret),
		Maker:         escMaker,
		Taker:         escTaker,
		Asset:         escAsset,
		Amount:        big.NewInt(1000),
		SafetyDeposit: big.NewInt(10),
		Timelocks:     timelocks.WithDeployedAt(h.clock.Now()),
	}
	id := uuid.New().String()
	require.NoError(t, h.store.Insert(context.Background(), domain.EscrowRecord{
		ID:         id,
		Leg:        leg,
		Immutables: imm,
		Status:     domain.EscrowStatusActive,
		CreatedAt:  h.clock.Now(),
	}))
	vault := VaultAddress(imm)
	h.ledger.Mint(escAsset, vault, imm.Amount)
	h.ledger.Mint(nativeAsst, vault, imm.SafetyDeposit)
	return id, imm
}

func srcTimelocks() domain.Timelocks {
	return domain.Timelocks{
		SrcWithdrawal:         0,
		SrcPublicWithdrawal:   1800,
		SrcCancellation:       3600,
		SrcPublicCancellation: 7200,
		DstWithdrawal:         0,
		DstPublicWithdrawal:   1200,
		DstCancellation:       2400,
	}
}

func TestWithdrawHappyPath(t *testing.T) {
	h := newEscrowHarness(t)
	ctx := context.Background()
	id, imm := h.mint(t, domain.LegSrc, srcTimelocks())

	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.svc.Withdraw(ctx, id, escTaker, imm, h.secret))

	// Source leg pays the taker; the deposit goes to the caller.
	assert.Equal(t, int64(1000), h.ledger.BalanceOf(escAsset, escTaker).Int64())
	assert.Equal(t, int64(10), h.ledger.BalanceOf(nativeAsst, escTaker).Int64())

	rec, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusWithdrawn, rec.Status)
	require.NotNil(t, rec.ClosedAt)
}

func TestWithdrawWrongSecret(t *testing.T) {
	h := newEscrowHarness(t)
	id, imm := h.mint(t, domain.LegSrc, srcTimelocks())

	var wrong [32]byte
	wrong[0] = 0xff
	h.clock.Advance(10 * time.Second)
	err := h.svc.Withdraw(context.Background(), id, escTaker, imm, wrong)
	assert.ErrorIs(t, err, domain.ErrInvalidSecret)

	rec, _ := h.svc.Get(context.Background(), id)
	assert.Equal(t, domain.EscrowStatusActive, rec.Status)
}

func TestWithdrawAfterCancellationStart(t *testing.T) {
	h := newEscrowHarness(t)
	id, imm := h.mint(t, domain.LegSrc, srcTimelocks())

	// Correct secret, but the private window closed at T+3600.
	h.clock.Advance(4000 * time.Second)
	err := h.svc.Withdraw(context.Background(), id, escTaker, imm, h.secret)
	assert.ErrorIs(t, err, domain.ErrTimelockExpired)
}

func TestWithdrawBeforeWindow(t *testing.T) {
	h := newEscrowHarness(t)
	tl := srcTimelocks()
	tl.SrcWithdrawal = 600
	id, imm := h.mint(t, domain.LegSrc, tl)

	err := h.svc.Withdraw(context.Background(), id, escTaker, imm, h.secret)
	assert.ErrorIs(t, err, domain.ErrTimelockNotReached)
}

func TestWithdrawWrongCaller(t *testing.T) {
	h := newEscrowHarness(t)
	id, imm := h.mint(t, domain.LegSrc, srcTimelocks())

	h.clock.Advance(10 * time.Second)
	err := h.svc.Withdraw(context.Background(), id, escMaker, imm, h.secret)
	assert.ErrorIs(t, err, domain.ErrInvalidCaller)
}

func TestWithdrawMismatchedImmutables(t *testing.T) {
	h := newEscrowHarness(t)
	id, imm := h.mint(t, domain.LegSrc, srcTimelocks())

	imm.Amount = big.NewInt(999)
	h.clock.Advance(10 * time.Second)
	err := h.svc.Withdraw(context.Background(), id, escTaker, imm, h.secret)
	assert.ErrorIs(t, err, domain.ErrInvalidImmutables)
}

func TestWithdrawToRedirectsPayout(t *testing.T) {
	h := newEscrowHarness(t)
	id, imm := h.mint(t, domain.LegSrc, srcTimelocks())
	target := common.HexToAddress("0x0000000000000000000000000000000000000044")

	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.svc.WithdrawTo(context.Background(), id, escTaker, imm, h.secret, target))

	assert.Equal(t, int64(1000), h.ledger.BalanceOf(escAsset, target).Int64())
	assert.Equal(t, int64(0), h.ledger.BalanceOf(escAsset, escTaker).Int64())
}

func TestWithdrawToDstLegRejected(t *testing.T) {
	h := newEscrowHarness(t)
	id, imm := h.mint(t, domain.LegDst, srcTimelocks())
	target := common.HexToAddress("0x0000000000000000000000000000000000000044")

	h.clock.Advance(10 * time.Second)
	err := h.svc.WithdrawTo(context.Background(), id, escTaker, imm, h.secret, target)
	assert.ErrorIs(t, err, domain.ErrInvalidCaller)
}

func TestDstWithdrawPaysMaker(t *testing.T) {
	h := newEscrowHarness(t)
	id, imm := h.mint(t, domain.LegDst, srcTimelocks())

	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.svc.Withdraw(context.Background(), id, escTaker, imm, h.secret))

	assert.Equal(t, int64(1000), h.ledger.BalanceOf(escAsset, escMaker).Int64())
}

func TestPublicWithdrawRequiresAccessToken(t *testing.T) {
	h := newEscrowHarness(t)
	id, imm := h.mint(t, domain.LegSrc, srcTimelocks())

	h.clock.Advance(2000 * time.Second)

	outsider := common.HexToAddress("0x0000000000000000000000000000000000000055")
	err := h.svc.PublicWithdraw(context.Background(), id, outsider, imm, h.secret)
	assert.ErrorIs(t, err, domain.ErrNoAccessToken)

	require.NoError(t, h.svc.PublicWithdraw(context.Background(), id, resolver, imm, h.secret))
	// The resolver earns the safety deposit for completing the swap.
	assert.Equal(t, int64(10), h.ledger.BalanceOf(nativeAsst, resolver).Int64())
	assert.Equal(t, int64(1000), h.ledger.BalanceOf(escAsset, escTaker).Int64())
}

func TestPublicWithdrawBeforePublicWindow(t *testing.T) {
	h := newEscrowHarness(t)
	id, imm := h.mint(t, domain.LegSrc, srcTimelocks())

	h.clock.Advance(10 * time.Second)
	err := h.svc.PublicWithdraw(context.Background(), id, resolver, imm, h.secret)
	assert.ErrorIs(t, err, domain.ErrTimelockNotReached)
}

func TestCancelReturnsFundsToDepositor(t *testing.T) {
	h := newEscrowHarness(t)
	ctx := context.Background()

	// Source leg refunds the maker.
	id, imm := h.mint(t, domain.LegSrc, srcTimelocks())
	h.clock.Advance(3700 * time.Second)
	require.NoError(t, h.svc.Cancel(ctx, id, escTaker, imm))
	assert.Equal(t, int64(1000), h.ledger.BalanceOf(escAsset, escMaker).Int64())

	// Destination leg refunds the taker.
	id2, imm2 := h.mint(t, domain.LegDst, srcTimelocks())
	h.clock.Advance(2500 * time.Second)
	require.NoError(t, h.svc.Cancel(ctx, id2, escTaker, imm2))
	assert.Equal(t, int64(1000), h.ledger.BalanceOf(escAsset, escTaker).Int64())
}

func TestCancelTooEarly(t *testing.T) {
	h := newEscrowHarness(t)
	id, imm := h.mint(t, domain.LegSrc, srcTimelocks())

	h.clock.Advance(10 * time.Second)
	err := h.svc.Cancel(context.Background(), id, escTaker, imm)
	assert.ErrorIs(t, err, domain.ErrTimelockNotReached)
}

func TestPublicCancelSrcOnly(t *testing.T) {
	h := newEscrowHarness(t)
	ctx := context.Background()

	id, imm := h.mint(t, domain.LegSrc, srcTimelocks())
	h.clock.Advance(8000 * time.Second)
	require.NoError(t, h.svc.PublicCancel(ctx, id, resolver, imm))
	assert.Equal(t, int64(1000), h.ledger.BalanceOf(escAsset, escMaker).Int64())

	id2, imm2 := h.mint(t, domain.LegDst, srcTimelocks())
	err := h.svc.PublicCancel(ctx, id2, resolver, imm2)
	assert.ErrorIs(t, err, domain.ErrUnauthorizedCaller)
}

func TestTerminalStateBlocksEverything(t *testing.T) {
	h := newEscrowHarness(t)
	ctx := context.Background()
	id, imm := h.mint(t, domain.LegSrc, srcTimelocks())

	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.svc.Withdraw(ctx, id, escTaker, imm, h.secret))

	err := h.svc.Withdraw(ctx, id, escTaker, imm, h.secret)
	assert.ErrorIs(t, err, domain.ErrEscrowTerminal)

	h.clock.Advance(4000 * time.Second)
	err = h.svc.Cancel(ctx, id, escTaker, imm)
	assert.ErrorIs(t, err, domain.ErrEscrowTerminal)

	err = h.svc.PublicCancel(ctx, id, resolver, imm)
	assert.ErrorIs(t, err, domain.ErrEscrowTerminal)
}

func TestRescueFunds(t *testing.T) {
	h := newEscrowHarness(t)
	ctx := context.Background()
	id, imm := h.mint(t, domain.LegSrc, srcTimelocks())

	// Stray balance someone sent to the vault by mistake.
	stray := common.HexToAddress("0x0000000000000000000000000000000000000301")
	h.ledger.Mint(stray, VaultAddress(imm), big.NewInt(77))

	err := h.svc.RescueFunds(ctx, id, escTaker, imm, stray, big.NewInt(77))
	assert.ErrorIs(t, err, domain.ErrTimelockNotReached)

	h.clock.Advance(25 * time.Hour)
	err = h.svc.RescueFunds(ctx, id, escMaker, imm, stray, big.NewInt(77))
	assert.ErrorIs(t, err, domain.ErrInvalidCaller)

	require.NoError(t, h.svc.RescueFunds(ctx, id, escTaker, imm, stray, big.NewInt(77)))
	assert.Equal(t, int64(77), h.ledger.BalanceOf(stray, escTaker).Int64())
}

func TestValidateTimelocksOrdering(t *testing.T) {
	good := srcTimelocks()
	require.NoError(t, ValidateTimelocks(good))

	bad := good
	bad.SrcCancellation = bad.SrcPublicWithdrawal - 1
	assert.ErrorIs(t, ValidateTimelocks(bad), domain.ErrInvalidImmutables)

	bad = good
	bad.DstCancellation = bad.DstPublicWithdrawal - 1
	assert.ErrorIs(t, ValidateTimelocks(bad), domain.ErrInvalidImmutables)
}
