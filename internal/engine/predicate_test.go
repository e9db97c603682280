package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuselabs/crossfill/internal/domain"
)

var predNow = time.Unix(1_700_000_000, 0)

func TestEvalPredicateEmpty(t *testing.T) {
	ok, err := evalPredicate(nil, predNow)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalPredicateConstants(t *testing.T) {
	ok, err := evalPredicate([]byte{predOpTrue}, predNow)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evalPredicate([]byte{predOpFalse}, predNow)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = evalPredicate([]byte{predOpNot, predOpFalse}, predNow)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalPredicateBoolean(t *testing.T) {
	ok, err := evalPredicate([]byte{predOpAnd, predOpTrue, predOpFalse}, predNow)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = evalPredicate([]byte{predOpOr, predOpTrue, predOpFalse}, predNow)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalPredicateTimeWindow(t *testing.T) {
	start := predNow.Add(-time.Hour)
	end := predNow.Add(time.Hour)

	window := PredAnd(PredTimeAfter(start), PredTimeBefore(end))
	ok, err := evalPredicate(window, predNow)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evalPredicate(window, predNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = evalPredicate(window, predNow.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalPredicateBoundary(t *testing.T) {
	ts := predNow

	// TimeAfter is inclusive, TimeBefore exclusive.
	ok, err := evalPredicate(PredTimeAfter(ts), predNow)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evalPredicate(PredTimeBefore(ts), predNow)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalPredicateMalformed(t *testing.T) {
	cases := [][]byte{
		{predOpNot},                   // missing operand
		{predOpAnd, predOpTrue},       // missing right operand
		{predOpTimeBefore, 0x00},      // truncated timestamp
		{0xff},                        // unknown opcode
		{predOpTrue, predOpTrue},      // trailing bytes
	}
	for _, c := range cases {
		_, err := evalPredicate(c, predNow)
		assert.ErrorIs(t, err, domain.ErrInvalidExtension)
	}
}

func TestEvalPredicateDepthBound(t *testing.T) {
	deep := make([]byte, 0, maxPredicateDepth+2)
	for i := 0; i < maxPredicateDepth+1; i++ {
		deep = append(deep, predOpNot)
	}
	deep = append(deep, predOpTrue)

	_, err := evalPredicate(deep, predNow)
	assert.ErrorIs(t, err, domain.ErrInvalidExtension)
}
