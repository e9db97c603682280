// Package domain defines the core types, errors, and collaborator interfaces
// of the crossfill settlement core: signed limit orders, maker invalidation
// state, escrow immutables, and the stores that persist them.
package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// InvalidationMode selects which invalidation mechanism governs an order.
// The two modes are mutually exclusive per order.
type InvalidationMode uint8

const (
	// InvalidationRemaining tracks the unfilled making amount per order hash
	// and supports partial fills.
	InvalidationRemaining InvalidationMode = iota
	// InvalidationBit marks a single nonce bit in the maker's slot mask.
	// Cancellation is O(1) and mass cancellation is a single slot write, but
	// the order can only ever be filled once.
	InvalidationBit
)

// MakerTraits governs how an order may be filled and invalidated.
type MakerTraits struct {
	Mode               InvalidationMode
	UseEpochManager    bool
	HasExtension       bool
	NonceOrEpoch       uint64
	Series             uint64
	AllowPartialFills  bool
	AllowMultipleFills bool
	Expiration         uint64         // unix seconds; 0 means no expiry
	AllowedSender      common.Address // zero address means public order
}

// UseBitInvalidator reports whether the bit invalidator applies.
func (t MakerTraits) UseBitInvalidator() bool {
	return t.Mode == InvalidationBit
}

// IsPrivate reports whether only AllowedSender may fill the order.
func (t MakerTraits) IsPrivate() bool {
	return t.AllowedSender != (common.Address{})
}

// Order is a signed asset-for-asset limit order. It is immutable once signed;
// its identity is the deterministic typed-data hash over all fields.
type Order struct {
	Salt         uint64
	Maker        common.Address
	Receiver     common.Address
	MakerAsset   common.Address
	TakerAsset   common.Address
	MakingAmount *big.Int
	TakingAmount *big.Int
	Traits       MakerTraits
}

// GetReceiver returns the account that receives the taker asset. A zero
// receiver falls back to the maker.
func (o *Order) GetReceiver() common.Address {
	if o.Receiver == (common.Address{}) {
		return o.Maker
	}
	return o.Receiver
}

// TakerTraits carries the taker-side execution preferences for one fill call.
type TakerTraits struct {
	AllowExpiredOrders bool
	Threshold          *big.Int // minimum acceptable making amount; nil disables
}

// Extension carries the optional opaque payloads referenced by an order. When
// the order's HasExtension trait is set the keccak256 of the concatenated
// payloads must match the commitment embedded in the order salt.
type Extension struct {
	MakerAmountData     []byte
	TakerAmountData     []byte
	PredicateData       []byte
	PermitData          []byte
	PreInteractionData  []byte
	PostInteractionData []byte
}

// IsEmpty reports whether every payload is empty.
func (e *Extension) IsEmpty() bool {
	return len(e.MakerAmountData) == 0 &&
		len(e.TakerAmountData) == 0 &&
		len(e.PredicateData) == 0 &&
		len(e.PermitData) == 0 &&
		len(e.PreInteractionData) == 0 &&
		len(e.PostInteractionData) == 0
}

// Concat returns the canonical byte concatenation hashed for the extension
// commitment.
func (e *Extension) Concat() []byte {
	n := len(e.MakerAmountData) + len(e.TakerAmountData) + len(e.PredicateData) +
		len(e.PermitData) + len(e.PreInteractionData) + len(e.PostInteractionData)
	out := make([]byte, 0, n)
	out = append(out, e.MakerAmountData...)
	out = append(out, e.TakerAmountData...)
	out = append(out, e.PredicateData...)
	out = append(out, e.PermitData...)
	out = append(out, e.PreInteractionData...)
	out = append(out, e.PostInteractionData...)
	return out
}
