package engine

import (
	"encoding/binary"
	"math/big"

	"github.com/fuselabs/crossfill/internal/domain"
)

// maxUint128 bounds every order amount. Anything larger is rejected before it
// reaches the arithmetic below, so products of two valid amounts always fit
// in a big.Int without wrapping.
var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// validAmount reports whether a is a non-nil value in [0, 2^128).
func validAmount(a *big.Int) bool {
	return a != nil && a.Sign() >= 0 && a.Cmp(maxUint128) <= 0
}

// mulDiv returns floor(a*b/den). Division by zero must be rejected upstream;
// den is checked here again so a slipped-through zero fails loudly instead of
// panicking.
func mulDiv(a, b, den *big.Int) (*big.Int, error) {
	if den.Sign() == 0 {
		return nil, domain.ErrSwapWithZeroAmount
	}
	out := new(big.Int).Mul(a, b)
	out.Quo(out, den)
	if out.Cmp(maxUint128) > 0 {
		return nil, domain.ErrInvalidAmounts
	}
	return out, nil
}

// amountCalcData is the fixed wire layout of an extension amount calculator:
// two 32-byte big-endian words, numerator then denominator. The calculated
// amount is floor(requested * numerator / denominator).
const amountCalcDataLen = 64

func applyCalculator(data []byte, requested *big.Int) (*big.Int, error) {
	if len(data) != amountCalcDataLen {
		return nil, domain.ErrInvalidExtension
	}
	num := new(big.Int).SetBytes(data[:32])
	den := new(big.Int).SetBytes(data[32:])
	if den.Sign() == 0 {
		return nil, domain.ErrInvalidExtension
	}
	return mulDiv(requested, num, den)
}

// calcMakingAmount computes the maker-side amount owed for the requested
// taking amount, using the extension calculator when present and linear
// proportion otherwise. Rounds down.
func calcMakingAmount(order *domain.Order, ext *domain.Extension, requestedTaking *big.Int) (*big.Int, error) {
	if len(ext.MakerAmountData) > 0 {
		return applyCalculator(ext.MakerAmountData, requestedTaking)
	}
	return mulDiv(order.MakingAmount, requestedTaking, order.TakingAmount)
}

// calcTakingAmount is the inverse quote: the taker-side amount owed for a
// requested making amount. Rounds down.
func calcTakingAmount(order *domain.Order, ext *domain.Extension, requestedMaking *big.Int) (*big.Int, error) {
	if len(ext.TakerAmountData) > 0 {
		return applyCalculator(ext.TakerAmountData, requestedMaking)
	}
	return mulDiv(order.TakingAmount, requestedMaking, order.MakingAmount)
}

// EncodeAmountCalc builds calculator payload bytes from a numerator and
// denominator. Used by makers constructing extensions.
func EncodeAmountCalc(num, den uint64) []byte {
	out := make([]byte, amountCalcDataLen)
	binary.BigEndian.PutUint64(out[24:32], num)
	binary.BigEndian.PutUint64(out[56:64], den)
	return out
}
