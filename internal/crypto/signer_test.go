package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuselabs/crossfill/internal/domain"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testOrder() *domain.Order {
	return &domain.Order{
		Salt:         12345,
		Maker:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Receiver:     common.HexToAddress("0x2222222222222222222222222222222222222222"),
		MakerAsset:   common.HexToAddress("0x3333333333333333333333333333333333333333"),
		TakerAsset:   common.HexToAddress("0x4444444444444444444444444444444444444444"),
		MakingAmount: big.NewInt(1000),
		TakingAmount: big.NewInt(500),
	}
}

func TestSignAndVerifyOrder(t *testing.T) {
	hasher := NewOrderHasher("crossfill", "1", 1)
	signer, err := NewSigner(testKeyHex, hasher)
	require.NoError(t, err)

	order := testOrder()
	order.Maker = signer.Address()

	sig, err := signer.SignOrder(order)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	v := NewVerifier()
	hash := hasher.OrderHash(order)
	assert.True(t, v.Verify(hash, sig, signer.Address()))
	assert.False(t, v.Verify(hash, sig, common.HexToAddress("0xdead")))

	// Tampered signature must not verify for the signer.
	tampered := append([]byte(nil), sig...)
	tampered[3] ^= 0xff
	assert.False(t, v.Verify(hash, tampered, signer.Address()))
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	v := NewVerifier()
	assert.False(t, v.Verify(common.Hash{}, []byte{1, 2, 3}, common.Address{}))
}

func TestOrderHashDomainSeparation(t *testing.T) {
	order := testOrder()
	h1 := NewOrderHasher("crossfill", "1", 1).OrderHash(order)
	h137 := NewOrderHasher("crossfill", "1", 137).OrderHash(order)
	assert.NotEqual(t, h1, h137, "chain id must change the digest")

	other := NewOrderHasher("other-protocol", "1", 1).OrderHash(order)
	assert.NotEqual(t, h1, other, "protocol name must change the digest")
}

func TestOrderHashCoversTraits(t *testing.T) {
	hasher := NewOrderHasher("crossfill", "1", 1)
	a := testOrder()
	b := testOrder()
	b.Traits.NonceOrEpoch = 7
	assert.NotEqual(t, hasher.OrderHash(a), hasher.OrderHash(b))
}

func TestExtensionCommitment(t *testing.T) {
	ext := &domain.Extension{PredicateData: []byte{1, 2, 3}}
	h := ExtensionHash(ext)
	salt := new(big.Int).SetBytes(h[24:32]).Uint64()

	assert.True(t, ExtensionCommitmentMatches(salt, h))
	assert.False(t, ExtensionCommitmentMatches(salt+1, h))
}
