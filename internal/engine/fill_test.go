package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
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

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	testOwner      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testTaker      = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testMakerAsset = common.HexToAddress("0x0000000000000000000000000000000000000101")
	testTakerAsset = common.HexToAddress("0x0000000000000000000000000000000000000102")
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

type harness struct {
	engine *Engine
	signer *crypto.Signer
	hasher *crypto.OrderHasher
	ledger *ledger.Ledger
	inv    *memory.InvalidationStore
	rcpts  *memory.ReceiptStore
	clock  *fakeClock
	maker  common.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hasher := crypto.NewOrderHasher("crossfill", "1", 1)
	signer, err := crypto.NewSigner(testKeyHex, hasher)
	require.NoError(t, err)

	inv := memory.NewInvalidationStore()
	rcpts := memory.NewReceiptStore()
	led := ledger.New()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng := New(Config{Owner: testOwner}, hasher, crypto.NewVerifier(),
		inv, rcpts, led, clock, nil, logger)

	// Enough to cover every test fill.
	led.Mint(testMakerAsset, signer.Address(), big.NewInt(1_000_000))
	led.Mint(testTakerAsset, testTaker, big.NewInt(1_000_000))

	return &harness{
		engine: eng,
		signer: signer,
		hasher: hasher,
		ledger: led,
		inv:    inv,
		rcpts:  rcpts,
		clock:  clock,
		maker:  signer.Address(),
	}
}

func (h *harness) order(making, taking int64, traits domain.MakerTraits) *domain.Order {
	return &domain.Order{
		Salt:         42,
		Maker:        h.maker,
		MakerAsset:   testMakerAsset,
		TakerAsset:   testTakerAsset,
		MakingAmount: big.NewInt(making),
		TakingAmount: big.NewInt(taking),
		Traits:       traits,
	}
}

func (h *harness) fill(t *testing.T, order *domain.Order, ext *domain.Extension, taking int64) (*domain.FillReceipt, error) {
	t.Helper()
	sig, err := h.signer.SignOrder(order)
	require.NoError(t, err)
	return h.engine.Fill(context.Background(), FillParams{
		Order:        order,
		Extension:    ext,
		Signature:    sig,
		Taker:        testTaker,
		TakingAmount: big.NewInt(taking),
	})
}

func partialTraits() domain.MakerTraits {
	return domain.MakerTraits{
		Mode:               domain.InvalidationRemaining,
		AllowPartialFills:  true,
		AllowMultipleFills: true,
	}
}

// sealExtension embeds the extension commitment into the order salt.
func sealExtension(order *domain.Order, ext *domain.Extension) {
	order.Traits.HasExtension = true
	extHash := crypto.ExtensionHash(ext)
	order.Salt = binary.BigEndian.Uint64(extHash[24:32])
}

func TestFillFullOrder(t *testing.T) {
	h := newHarness(t)
	order := h.order(1000, 500, partialTraits())

	receipt, err := h.fill(t, order, nil, 500)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), receipt.MakingAmount.Int64())
	assert.Equal(t, int64(500), receipt.TakingAmount.Int64())
	assert.Equal(t, int64(0), receipt.RemainingAfter.Int64())
	assert.Equal(t, h.hasher.OrderHash(order), receipt.OrderHash)

	assert.Equal(t, int64(1000), h.ledger.BalanceOf(testMakerAsset, testTaker).Int64())
	assert.Equal(t, int64(500), h.ledger.BalanceOf(testTakerAsset, h.maker).Int64())
}

func TestFillPartialThenExhausted(t *testing.T) {
	h := newHarness(t)
	order := h.order(1000, 500, partialTraits())

	r1, err := h.fill(t, order, nil, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(500), r1.MakingAmount.Int64())
	assert.Equal(t, int64(500), r1.RemainingAfter.Int64())

	r2, err := h.fill(t, order, nil, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(500), r2.MakingAmount.Int64())
	assert.Equal(t, int64(0), r2.RemainingAfter.Int64())

	_, err = h.fill(t, order, nil, 1)
	assert.ErrorIs(t, err, domain.ErrOrderInvalidated)

	// Cumulative maker spend equals the full making amount exactly.
	assert.Equal(t, int64(1000), h.ledger.BalanceOf(testMakerAsset, testTaker).Int64())

	receipts, err := h.rcpts.ListByOrder(context.Background(), r1.OrderHash)
	require.NoError(t, err)
	assert.Len(t, receipts, 2)
}

func TestFillClampsToRemaining(t *testing.T) {
	h := newHarness(t)
	order := h.order(1000, 500, partialTraits())

	_, err := h.fill(t, order, nil, 400)
	require.NoError(t, err)

	// Requesting 300 taking maps to 600 making but only 200 remains; the
	// fill clamps and recomputes the taking side.
	r, err := h.fill(t, order, nil, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(200), r.MakingAmount.Int64())
	assert.Equal(t, int64(100), r.TakingAmount.Int64())
	assert.Equal(t, int64(0), r.RemainingAfter.Int64())
}

func TestFillPartialNotAllowed(t *testing.T) {
	h := newHarness(t)
	traits := domain.MakerTraits{Mode: domain.InvalidationRemaining}
	order := h.order(1000, 500, traits)

	_, err := h.fill(t, order, nil, 250)
	assert.ErrorIs(t, err, domain.ErrPartialFillNotAllowed)

	// The whole amount at once is fine.
	_, err = h.fill(t, order, nil, 500)
	require.NoError(t, err)
}

func TestFillSingleFillOrder(t *testing.T) {
	h := newHarness(t)
	traits := domain.MakerTraits{Mode: domain.InvalidationRemaining, AllowPartialFills: true}
	order := h.order(1000, 500, traits)

	_, err := h.fill(t, order, nil, 250)
	require.NoError(t, err)

	// Multiple fills are off, so the leftover half is unreachable.
	_, err = h.fill(t, order, nil, 250)
	assert.ErrorIs(t, err, domain.ErrOrderInvalidated)
}

func TestFillBitInvalidatorOneShot(t *testing.T) {
	h := newHarness(t)
	traits := domain.MakerTraits{Mode: domain.InvalidationBit, NonceOrEpoch: 300}
	order := h.order(1000, 500, traits)

	r, err := h.fill(t, order, nil, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.RemainingAfter.Int64())

	_, err = h.fill(t, order, nil, 500)
	assert.ErrorIs(t, err, domain.ErrInvalidatedOrder)

	// Nonce 300 lives in slot 1, bit 44.
	mask, err := h.engine.BitInvalidatorForOrder(context.Background(), h.maker, 1)
	require.NoError(t, err)
	assert.Equal(t, uint(1), mask.Bit(44))
}

func TestFillExceedingOrderTakingAmount(t *testing.T) {
	h := newHarness(t)
	order := h.order(1000, 500, partialTraits())

	_, err := h.fill(t, order, nil, 501)
	assert.ErrorIs(t, err, domain.ErrTakingAmountExceeded)
}

func TestFillThreshold(t *testing.T) {
	h := newHarness(t)
	order := h.order(1000, 500, partialTraits())
	sig, err := h.signer.SignOrder(order)
	require.NoError(t, err)

	_, err = h.engine.Fill(context.Background(), FillParams{
		Order:        order,
		Signature:    sig,
		Taker:        testTaker,
		TakingAmount: big.NewInt(250),
		TakerTraits:  domain.TakerTraits{Threshold: big.NewInt(501)},
	})
	assert.ErrorIs(t, err, domain.ErrMakingAmountTooLow)

	_, err = h.engine.Fill(context.Background(), FillParams{
		Order:        order,
		Signature:    sig,
		Taker:        testTaker,
		TakingAmount: big.NewInt(250),
		TakerTraits:  domain.TakerTraits{Threshold: big.NewInt(500)},
	})
	require.NoError(t, err)
}

func TestFillExpiredOrder(t *testing.T) {
	h := newHarness(t)
	traits := partialTraits()
	traits.Expiration = uint64(h.clock.Now().Unix()) + 60
	order := h.order(1000, 500, traits)

	_, err := h.fill(t, order, nil, 250)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	_, err = h.fill(t, order, nil, 250)
	assert.ErrorIs(t, err, domain.ErrOrderExpired)

	// The taker may opt in to filling expired orders.
	sig, err := h.signer.SignOrder(order)
	require.NoError(t, err)
	_, err = h.engine.Fill(context.Background(), FillParams{
		Order:        order,
		Signature:    sig,
		Taker:        testTaker,
		TakingAmount: big.NewInt(250),
		TakerTraits:  domain.TakerTraits{AllowExpiredOrders: true},
	})
	require.NoError(t, err)
}

func TestFillPrivateOrder(t *testing.T) {
	h := newHarness(t)
	traits := partialTraits()
	traits.AllowedSender = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	order := h.order(1000, 500, traits)

	_, err := h.fill(t, order, nil, 250)
	assert.ErrorIs(t, err, domain.ErrPrivateOrder)

	traits.AllowedSender = testTaker
	order = h.order(1000, 500, traits)
	_, err = h.fill(t, order, nil, 250)
	require.NoError(t, err)
}

func TestFillBadSignature(t *testing.T) {
	h := newHarness(t)
	order := h.order(1000, 500, partialTraits())
	sig, err := h.signer.SignOrder(order)
	require.NoError(t, err)

	// Signature over a different order does not transfer.
	other := h.order(999, 500, partialTraits())
	_, err = h.engine.Fill(context.Background(), FillParams{
		Order:        other,
		Signature:    sig,
		Taker:        testTaker,
		TakingAmount: big.NewInt(250),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestFillExtensionCommitment(t *testing.T) {
	h := newHarness(t)

	ext := &domain.Extension{PredicateData: []byte{predOpTrue}}
	order := h.order(1000, 500, partialTraits())
	sealExtension(order, ext)

	_, err := h.fill(t, order, ext, 250)
	require.NoError(t, err)

	// Tampered extension no longer matches the salt commitment.
	bad := &domain.Extension{PredicateData: []byte{predOpFalse}}
	_, err = h.fill(t, order, bad, 250)
	assert.ErrorIs(t, err, domain.ErrInvalidExtensionHash)

	// Declared but absent extension.
	_, err = h.fill(t, order, nil, 250)
	assert.ErrorIs(t, err, domain.ErrMissingOrderExtension)

	// Extension supplied against an order that never committed to one.
	plain := h.order(1000, 500, partialTraits())
	_, err = h.fill(t, plain, ext, 250)
	assert.ErrorIs(t, err, domain.ErrUnexpectedOrderExtension)
}

func TestFillPredicate(t *testing.T) {
	h := newHarness(t)

	start := h.clock.Now().Add(time.Hour)
	ext := &domain.Extension{PredicateData: PredTimeAfter(start)}
	order := h.order(1000, 500, partialTraits())
	sealExtension(order, ext)

	_, err := h.fill(t, order, ext, 250)
	assert.ErrorIs(t, err, domain.ErrPredicateIsNotTrue)

	h.clock.Advance(2 * time.Hour)
	_, err = h.fill(t, order, ext, 250)
	require.NoError(t, err)
}

func TestFillExtensionAmountCalculator(t *testing.T) {
	h := newHarness(t)

	// Maker amount = taking * 3 / 1, overriding the 2:1 linear rate.
	ext := &domain.Extension{MakerAmountData: EncodeAmountCalc(3, 1)}
	order := h.order(1500, 500, partialTraits())
	sealExtension(order, ext)

	r, err := h.fill(t, order, ext, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(300), r.MakingAmount.Int64())
}

func TestFillTransferFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	order := h.order(1000, 500, partialTraits())

	// Drain the taker so the taker-side transfer fails.
	require.NoError(t, h.ledger.Transfer(context.Background(), testTakerAsset,
		testTaker, testOwner, big.NewInt(1_000_000)))

	_, err := h.fill(t, order, nil, 250)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)

	// The invalidation write was rolled back, so refunding the taker makes
	// the order fillable again at full size.
	h.ledger.Mint(testTakerAsset, testTaker, big.NewInt(1000))
	r, err := h.fill(t, order, nil, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), r.MakingAmount.Int64())
}

func TestFillZeroAmount(t *testing.T) {
	h := newHarness(t)
	order := h.order(1000, 500, partialTraits())

	_, err := h.fill(t, order, nil, 0)
	assert.ErrorIs(t, err, domain.ErrSwapWithZeroAmount)
}

func TestFillRoundsToZeroMaking(t *testing.T) {
	h := newHarness(t)
	// 1 making for 1000 taking: a 1-taking fill computes floor(1/1000)=0.
	order := h.order(1, 1000, partialTraits())

	_, err := h.fill(t, order, nil, 1)
	assert.ErrorIs(t, err, domain.ErrSwapWithZeroAmount)
}

func TestFillPaused(t *testing.T) {
	h := newHarness(t)
	order := h.order(1000, 500, partialTraits())

	require.NoError(t, h.engine.Pause(testOwner))
	_, err := h.fill(t, order, nil, 250)
	assert.ErrorIs(t, err, domain.ErrContractPaused)
	err = h.engine.CancelOrder(context.Background(), h.maker, order.Traits, h.hasher.OrderHash(order))
	assert.ErrorIs(t, err, domain.ErrContractPaused)

	assert.ErrorIs(t, h.engine.Pause(testTaker), domain.ErrUnauthorizedCaller)
	assert.ErrorIs(t, h.engine.Unpause(testTaker), domain.ErrUnauthorizedCaller)

	require.NoError(t, h.engine.Unpause(testOwner))
	_, err = h.fill(t, order, nil, 250)
	require.NoError(t, err)
}

func TestFillReceiverOverride(t *testing.T) {
	h := newHarness(t)
	receiver := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	order := h.order(1000, 500, partialTraits())
	order.Receiver = receiver

	_, err := h.fill(t, order, nil, 500)
	require.NoError(t, err)

	assert.Equal(t, int64(500), h.ledger.BalanceOf(testTakerAsset, receiver).Int64())
	assert.Equal(t, int64(0), h.ledger.BalanceOf(testTakerAsset, h.maker).Int64())
}

func TestFillEpochManager(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	traits := partialTraits()
	traits.UseEpochManager = true
	traits.Series = 7
	traits.NonceOrEpoch = 0
	order := h.order(1000, 500, traits)

	_, err := h.fill(t, order, nil, 250)
	require.NoError(t, err)

	// Advancing the epoch mass invalidates everything signed under epoch 0.
	epoch, err := h.engine.IncreaseEpoch(ctx, h.maker, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), epoch)

	_, err = h.fill(t, order, nil, 250)
	assert.ErrorIs(t, err, domain.ErrWrongSeriesNonce)

	ok, err := h.engine.EpochEquals(ctx, h.maker, 7, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFillEpochWithBitInvalidatorRejected(t *testing.T) {
	h := newHarness(t)
	traits := domain.MakerTraits{
		Mode:            domain.InvalidationBit,
		UseEpochManager: true,
	}
	order := h.order(1000, 500, traits)

	_, err := h.fill(t, order, nil, 500)
	assert.ErrorIs(t, err, domain.ErrEpochManagerAndBitInvalidatorsIncompatible)
}

func TestConcurrentFillsNeverOversell(t *testing.T) {
	h := newHarness(t)
	order := h.order(1000, 500, partialTraits())
	sig, err := h.signer.SignOrder(order)
	require.NoError(t, err)

	var wg sync.WaitGroup
	filled := make([]*big.Int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.engine.Fill(context.Background(), FillParams{
				Order:        order,
				Signature:    sig,
				Taker:        testTaker,
				TakingAmount: big.NewInt(100),
			})
			if err == nil {
				filled[i] = r.MakingAmount
			}
		}(i)
	}
	wg.Wait()

	total := big.NewInt(0)
	for _, f := range filled {
		if f != nil {
			total.Add(total, f)
		}
	}
	assert.Equal(t, int64(1000), total.Int64())
	assert.Equal(t, int64(1000), h.ledger.BalanceOf(testMakerAsset, testTaker).Int64())
}

type postHookFunc func(ctx context.Context, order *domain.Order, ext *domain.Extension,
	orderHash common.Hash, taker common.Address,
	makingAmount, takingAmount, remainingMakingAmount *big.Int, extraData []byte) error

func (f postHookFunc) PostInteraction(ctx context.Context, order *domain.Order, ext *domain.Extension,
	orderHash common.Hash, taker common.Address,
	makingAmount, takingAmount, remainingMakingAmount *big.Int, extraData []byte) error {
	return f(ctx, order, ext, orderHash, taker, makingAmount, takingAmount, remainingMakingAmount, extraData)
}

func TestFillPostHookFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	order := h.order(1000, 500, partialTraits())

	hookErr := errors.New("escrow mint refused")
	h.engine.SetHooks(nil, postHookFunc(func(context.Context, *domain.Order, *domain.Extension,
		common.Hash, common.Address, *big.Int, *big.Int, *big.Int, []byte) error {
		return hookErr
	}))

	_, err := h.fill(t, order, nil, 250)
	assert.ErrorIs(t, err, hookErr)

	// No value moved on either leg.
	assert.Equal(t, int64(0), h.ledger.BalanceOf(testMakerAsset, testTaker).Int64())
	assert.Equal(t, int64(0), h.ledger.BalanceOf(testTakerAsset, h.maker).Int64())

	// The invalidation write was rolled back: the full making amount is
	// still fillable once the hook stops failing.
	h.engine.SetHooks(nil, nil)
	r, err := h.fill(t, order, nil, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), r.MakingAmount.Int64())
}

func TestFillReentrantPostHookRejected(t *testing.T) {
	h := newHarness(t)
	order := h.order(1000, 500, partialTraits())
	sig, err := h.signer.SignOrder(order)
	require.NoError(t, err)

	params := FillParams{
		Order:        order,
		Signature:    sig,
		Taker:        testTaker,
		TakingAmount: big.NewInt(250),
	}

	// A hook re-entering Fill for the same order must fail fast instead of
	// deadlocking on the maker lock.
	h.engine.SetHooks(nil, postHookFunc(func(ctx context.Context, _ *domain.Order, _ *domain.Extension,
		_ common.Hash, _ common.Address, _, _, _ *big.Int, _ []byte) error {
		_, err := h.engine.Fill(ctx, params)
		return err
	}))

	_, err = h.engine.Fill(context.Background(), params)
	assert.ErrorIs(t, err, domain.ErrReentrancyDetected)

	// The outer fill rolled back along with the rejected inner one.
	assert.Equal(t, int64(0), h.ledger.BalanceOf(testMakerAsset, testTaker).Int64())
	h.engine.SetHooks(nil, nil)
	r, err := h.engine.Fill(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, int64(500), r.MakingAmount.Int64())
}

func TestSimulateFillDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	order := h.order(1000, 500, partialTraits())
	sig, err := h.signer.SignOrder(order)
	require.NoError(t, err)

	making, err := h.engine.SimulateFill(context.Background(), FillParams{
		Order:        order,
		Signature:    sig,
		Taker:        testTaker,
		TakingAmount: big.NewInt(250),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), making.Int64())

	// State untouched: a real full fill still succeeds.
	r, err := h.fill(t, order, nil, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), r.MakingAmount.Int64())
}

func TestSimulateFillRejectsWhatFillRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	simulate := func(order *domain.Order, ext *domain.Extension, taking int64) error {
		sig, err := h.signer.SignOrder(order)
		require.NoError(t, err)
		_, err = h.engine.SimulateFill(ctx, FillParams{
			Order:        order,
			Extension:    ext,
			Signature:    sig,
			Taker:        testTaker,
			TakingAmount: big.NewInt(taking),
		})
		return err
	}

	expired := partialTraits()
	expired.Expiration = uint64(h.clock.Now().Unix()) - 1
	assert.ErrorIs(t, simulate(h.order(1000, 500, expired), nil, 250), domain.ErrOrderExpired)

	private := partialTraits()
	private.AllowedSender = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	assert.ErrorIs(t, simulate(h.order(1000, 500, private), nil, 250), domain.ErrPrivateOrder)

	ext := &domain.Extension{PredicateData: PredTimeAfter(h.clock.Now().Add(time.Hour))}
	gated := h.order(1000, 500, partialTraits())
	sealExtension(gated, ext)
	assert.ErrorIs(t, simulate(gated, ext, 250), domain.ErrPredicateIsNotTrue)

	assert.ErrorIs(t, simulate(h.order(1000, 500, partialTraits()), nil, 501), domain.ErrTakingAmountExceeded)
	assert.ErrorIs(t, simulate(h.order(1000, 500, partialTraits()), nil, 0), domain.ErrSwapWithZeroAmount)
}
