package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// FillReceipt records one successful fill. It is returned to the taker and
// consumed by the escrow factory when the fill seeds a cross-chain swap.
type FillReceipt struct {
	ID             string
	OrderHash      common.Hash
	Maker          common.Address
	Taker          common.Address
	MakingAmount   *big.Int
	TakingAmount   *big.Int
	RemainingAfter *big.Int // remaining making amount after this fill
	CreatedAt      time.Time
}

// ValidationData is the replay record the merkle partial-fill validator
// stores per (order hash, root) key once a proof has been accepted.
type ValidationData struct {
	Leaf common.Hash
	// Index is the consumed leaf index plus one, so the zero value is
	// distinguishable from a validated index 0.
	Index uint64
}
