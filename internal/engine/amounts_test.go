package engine

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuselabs/crossfill/internal/domain"
)

func linearOrder(making, taking int64) *domain.Order {
	return &domain.Order{
		MakingAmount: big.NewInt(making),
		TakingAmount: big.NewInt(taking),
	}
}

func TestCalcMakingAmountLinear(t *testing.T) {
	order := linearOrder(1000, 500)
	ext := &domain.Extension{}

	got, err := calcMakingAmount(order, ext, big.NewInt(250))
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.Int64())

	// Rounds down, never in the taker's favor.
	got, err = calcMakingAmount(order, ext, big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.Int64())

	order = linearOrder(10, 3)
	got, err = calcMakingAmount(order, ext, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Int64()) // floor(10/3)
}

func TestCalcTakingAmountLinear(t *testing.T) {
	order := linearOrder(1000, 500)
	ext := &domain.Extension{}

	got, err := calcTakingAmount(order, ext, big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, int64(250), got.Int64())

	order = linearOrder(3, 10)
	got, err = calcTakingAmount(order, ext, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Int64()) // floor(10/3)
}

func TestMulDivOverflowBound(t *testing.T) {
	huge := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

	// Intermediate product exceeds 128 bits but the quotient fits.
	got, err := mulDiv(huge, huge, huge)
	require.NoError(t, err)
	assert.Zero(t, got.Cmp(huge))

	// Quotient out of range is rejected.
	_, err = mulDiv(huge, big.NewInt(2), big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrInvalidAmounts)

	_, err = mulDiv(huge, huge, big.NewInt(0))
	assert.ErrorIs(t, err, domain.ErrSwapWithZeroAmount)
}

func TestValidAmount(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

	assert.True(t, validAmount(big.NewInt(0)))
	assert.True(t, validAmount(max))
	assert.False(t, validAmount(new(big.Int).Add(max, big.NewInt(1))))
	assert.False(t, validAmount(big.NewInt(-1)))
	assert.False(t, validAmount(nil))
}

func TestApplyCalculator(t *testing.T) {
	data := EncodeAmountCalc(3, 2)

	got, err := applyCalculator(data, big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.Int64())

	_, err = applyCalculator(data[:10], big.NewInt(100))
	assert.ErrorIs(t, err, domain.ErrInvalidExtension)

	_, err = applyCalculator(EncodeAmountCalc(1, 0), big.NewInt(100))
	assert.ErrorIs(t, err, domain.ErrInvalidExtension)
}
