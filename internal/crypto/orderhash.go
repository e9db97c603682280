package crypto

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/fuselabs/crossfill/internal/domain"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	// Order(uint256 salt,address maker,address receiver,address makerAsset,address takerAsset,uint256 makingAmount,uint256 takingAmount,MakerTraits traits)MakerTraits(uint256 flags,uint256 nonceOrEpoch,uint256 series,uint256 expiration,address allowedSender)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address receiver,address makerAsset,address takerAsset,uint256 makingAmount,uint256 takingAmount,MakerTraits traits)MakerTraits(uint256 flags,uint256 nonceOrEpoch,uint256 series,uint256 expiration,address allowedSender)"),
	)

	// MakerTraits(uint256 flags,uint256 nonceOrEpoch,uint256 series,uint256 expiration,address allowedSender)
	makerTraitsTypeHash = ethcrypto.Keccak256(
		[]byte("MakerTraits(uint256 flags,uint256 nonceOrEpoch,uint256 series,uint256 expiration,address allowedSender)"),
	)
)

// MakerTraits flag bits packed into the flags word of the traits struct hash.
const (
	traitsFlagBitInvalidator = 1 << iota
	traitsFlagEpochManager
	traitsFlagHasExtension
	traitsFlagAllowPartial
	traitsFlagAllowMultiple
)

// OrderHasher computes domain-separated order hashes. The domain separator
// binds the protocol name, version, and chain ID so a signature can never be
// replayed against another deployment.
type OrderHasher struct {
	domainSep []byte
}

// NewOrderHasher creates an OrderHasher for the given chain ID.
func NewOrderHasher(name, version string, chainID int64) *OrderHasher {
	return &OrderHasher{
		domainSep: ethcrypto.Keccak256(
			concatBytes(
				eip712DomainTypeHash,
				ethcrypto.Keccak256([]byte(name)),
				ethcrypto.Keccak256([]byte(version)),
				bigIntTo32Bytes(big.NewInt(chainID)),
			),
		),
	}
}

// DomainSeparator returns the cached EIP-712 domain separator.
func (h *OrderHasher) DomainSeparator() common.Hash {
	return common.BytesToHash(h.domainSep)
}

// OrderHash computes the EIP-712 digest identifying the order:
//
//	keccak256("\x19\x01" || domainSeparator || structHash(order))
func (h *OrderHasher) OrderHash(order *domain.Order) common.Hash {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			orderTypeHash,
			bigIntTo32Bytes(new(big.Int).SetUint64(order.Salt)),
			common.LeftPadBytes(order.Maker.Bytes(), 32),
			common.LeftPadBytes(order.Receiver.Bytes(), 32),
			common.LeftPadBytes(order.MakerAsset.Bytes(), 32),
			common.LeftPadBytes(order.TakerAsset.Bytes(), 32),
			bigIntTo32Bytes(order.MakingAmount),
			bigIntTo32Bytes(order.TakingAmount),
			makerTraitsStructHash(order.Traits),
		),
	)

	digest := ethcrypto.Keccak256(
		concatBytes([]byte{0x19, 0x01}, h.domainSep, structHash),
	)
	return common.BytesToHash(digest)
}

func makerTraitsStructHash(t domain.MakerTraits) []byte {
	flags := new(big.Int)
	if t.UseBitInvalidator() {
		flags.SetBit(flags, 0, 1)
	}
	if t.UseEpochManager {
		flags.SetBit(flags, 1, 1)
	}
	if t.HasExtension {
		flags.SetBit(flags, 2, 1)
	}
	if t.AllowPartialFills {
		flags.SetBit(flags, 3, 1)
	}
	if t.AllowMultipleFills {
		flags.SetBit(flags, 4, 1)
	}

	return ethcrypto.Keccak256(
		concatBytes(
			makerTraitsTypeHash,
			bigIntTo32Bytes(flags),
			bigIntTo32Bytes(new(big.Int).SetUint64(t.NonceOrEpoch)),
			bigIntTo32Bytes(new(big.Int).SetUint64(t.Series)),
			bigIntTo32Bytes(new(big.Int).SetUint64(t.Expiration)),
			common.LeftPadBytes(t.AllowedSender.Bytes(), 32),
		),
	)
}
