// Package crypto provides the hashing, signing, and Merkle-proof primitives
// of the settlement core: EIP-712 order hashing, secp256k1 signature
// verification, hashlock derivation, and encrypted key management.
package crypto

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/fuselabs/crossfill/internal/domain"
)

// HashSecret derives the hashlock from a 32-byte secret.
func HashSecret(secret [32]byte) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(secret[:]))
}

// ImmutablesHash computes the deterministic identity of one escrow leg. The
// factory uses it as the escrow ID salt, so two legs created from the same
// parameters collide intentionally.
func ImmutablesHash(imm domain.Immutables) common.Hash {
	tl := imm.Timelocks
	data := concatBytes(
		imm.OrderHash.Bytes(),
		imm.Hashlock.Bytes(),
		common.LeftPadBytes(imm.Maker.Bytes(), 32),
		common.LeftPadBytes(imm.Taker.Bytes(), 32),
		common.LeftPadBytes(imm.Asset.Bytes(), 32),
		bigIntTo32Bytes(imm.Amount),
		bigIntTo32Bytes(imm.SafetyDeposit),
		bigIntTo32Bytes(new(big.Int).SetUint64(tl.DeployedAt)),
		bigIntTo32Bytes(new(big.Int).SetUint64(tl.SrcWithdrawal)),
		bigIntTo32Bytes(new(big.Int).SetUint64(tl.SrcPublicWithdrawal)),
		bigIntTo32Bytes(new(big.Int).SetUint64(tl.SrcCancellation)),
		bigIntTo32Bytes(new(big.Int).SetUint64(tl.SrcPublicCancellation)),
		bigIntTo32Bytes(new(big.Int).SetUint64(tl.DstWithdrawal)),
		bigIntTo32Bytes(new(big.Int).SetUint64(tl.DstPublicWithdrawal)),
		bigIntTo32Bytes(new(big.Int).SetUint64(tl.DstCancellation)),
	)
	return common.BytesToHash(ethcrypto.Keccak256(data))
}

// ValidationKey derives the merkle replay-record storage key for an order and
// its committed fill-tree root.
func ValidationKey(orderHash, root common.Hash) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(concatBytes(orderHash.Bytes(), root.Bytes())))
}

// ExtensionHash is the keccak256 of the canonical extension concatenation.
// The low 64 bits must match the low 64 bits of the order salt when the
// order commits to an extension.
func ExtensionHash(ext *domain.Extension) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(ext.Concat()))
}

// ExtensionCommitmentMatches reports whether the extension hash honours the
// commitment embedded in the order salt.
func ExtensionCommitmentMatches(salt uint64, extHash common.Hash) bool {
	hashLower := new(big.Int).SetBytes(extHash[24:32]).Uint64()
	return hashLower == salt&0xFFFFFFFFFFFFFFFF
}

func concatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// bigIntTo32Bytes left-pads a big.Int to a 32-byte big-endian word.
func bigIntTo32Bytes(v *big.Int) []byte {
	if v == nil {
		v = new(big.Int)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}
