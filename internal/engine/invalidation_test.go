package engine

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuselabs/crossfill/internal/domain"
)

func TestCancelOrderRemaining(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(1000, 500, partialTraits())
	orderHash := h.hasher.OrderHash(order)

	_, err := h.fill(t, order, nil, 250)
	require.NoError(t, err)

	require.NoError(t, h.engine.CancelOrder(ctx, h.maker, order.Traits, orderHash))

	_, err = h.fill(t, order, nil, 250)
	assert.ErrorIs(t, err, domain.ErrOrderInvalidated)

	remaining, err := h.engine.RemainingInvalidatorForOrder(ctx, h.maker, orderHash)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining.Int64())
}

func TestCancelOrderBit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	traits := domain.MakerTraits{Mode: domain.InvalidationBit, NonceOrEpoch: 5}
	order := h.order(1000, 500, traits)

	require.NoError(t, h.engine.CancelOrder(ctx, h.maker, traits, h.hasher.OrderHash(order)))

	_, err := h.fill(t, order, nil, 500)
	assert.ErrorIs(t, err, domain.ErrInvalidatedOrder)

	// Cancelling nonce 5 also kills any other order carrying nonce 5.
	sibling := h.order(700, 300, traits)
	sibling.Salt = 43
	_, err = h.fill(t, sibling, nil, 300)
	assert.ErrorIs(t, err, domain.ErrInvalidatedOrder)
}

func TestCancelOrdersBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o1 := h.order(1000, 500, partialTraits())
	o2 := h.order(800, 400, partialTraits())
	o2.Salt = 43
	hashes := []common.Hash{h.hasher.OrderHash(o1), h.hasher.OrderHash(o2)}
	traits := []domain.MakerTraits{o1.Traits, o2.Traits}

	require.NoError(t, h.engine.CancelOrders(ctx, h.maker, traits, hashes))

	for _, o := range []*domain.Order{o1, o2} {
		_, err := h.fill(t, o, nil, 100)
		assert.ErrorIs(t, err, domain.ErrOrderInvalidated)
	}
}

func TestCancelOrdersMismatchedLengths(t *testing.T) {
	h := newHarness(t)
	err := h.engine.CancelOrders(context.Background(), h.maker,
		[]domain.MakerTraits{{}}, nil)
	assert.ErrorIs(t, err, domain.ErrMismatchArraysLengths)
}

func TestMassInvalidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Kill nonces 0 and 3 of slot 0 in one write.
	mask := big.NewInt(0b1001)
	require.NoError(t, h.engine.MassInvalidate(ctx, h.maker, 0, mask))

	for _, nonce := range []uint64{0, 3} {
		traits := domain.MakerTraits{Mode: domain.InvalidationBit, NonceOrEpoch: nonce}
		order := h.order(1000, 500, traits)
		_, err := h.fill(t, order, nil, 500)
		assert.ErrorIs(t, err, domain.ErrInvalidatedOrder)
	}

	// Nonce 1 was untouched.
	traits := domain.MakerTraits{Mode: domain.InvalidationBit, NonceOrEpoch: 1}
	order := h.order(1000, 500, traits)
	_, err := h.fill(t, order, nil, 500)
	require.NoError(t, err)
}

func TestMassInvalidateRejectsOversizedMask(t *testing.T) {
	h := newHarness(t)
	tooWide := new(big.Int).Lsh(big.NewInt(1), 256)
	err := h.engine.MassInvalidate(context.Background(), h.maker, 0, tooWide)
	assert.ErrorIs(t, err, domain.ErrInvalidAmounts)
}

func TestRemainingInvalidatorForUntouchedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.order(1000, 500, partialTraits())
	orderHash := h.hasher.OrderHash(order)

	_, err := h.engine.RemainingInvalidatorForOrder(ctx, h.maker, orderHash)
	assert.ErrorIs(t, err, domain.ErrOrderInvalidated)

	raw, err := h.engine.RawRemainingInvalidatorForOrder(ctx, h.maker, orderHash)
	require.NoError(t, err)
	assert.Equal(t, int64(0), raw.Int64())

	_, err = h.fill(t, order, nil, 100)
	require.NoError(t, err)

	remaining, err := h.engine.RemainingInvalidatorForOrder(ctx, h.maker, orderHash)
	require.NoError(t, err)
	assert.Equal(t, int64(800), remaining.Int64())
}
