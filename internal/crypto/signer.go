package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/fuselabs/crossfill/internal/domain"
)

// Signer signs orders with a secp256k1 private key. Makers use it off-core;
// it also backs the resolver identity in cmd/crossfilld and the test
// harnesses.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	hasher     *OrderHasher
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key (with
// or without 0x prefix) and the order hasher of the target deployment.
func NewSigner(privateKeyHex string, hasher *OrderHasher) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		hasher:     hasher,
	}, nil
}

// Address returns the address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignOrder returns the 65-byte r||s||v signature over the order's EIP-712
// digest, with v in {27,28}.
func (s *Signer) SignOrder(order *domain.Order) ([]byte, error) {
	digest := s.hasher.OrderHash(order)
	return s.SignDigest(digest)
}

// SignDigest signs a pre-computed 32-byte digest.
func (s *Signer) SignDigest(digest common.Hash) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; typed-data consumers expect {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// Verifier implements domain.SignatureVerifier by recovering the public key
// from the signature and comparing the derived address with the claimed
// signer.
type Verifier struct{}

// NewVerifier returns a Verifier.
func NewVerifier() Verifier { return Verifier{} }

// Verify reports whether signature is a valid secp256k1 signature over
// orderHash by claimedSigner. Both {0,1} and {27,28} recovery ids are
// accepted.
func (Verifier) Verify(orderHash common.Hash, signature []byte, claimedSigner common.Address) bool {
	if len(signature) != 65 {
		return false
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(orderHash.Bytes(), sig)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == claimedSigner
}

var _ domain.SignatureVerifier = Verifier{}
