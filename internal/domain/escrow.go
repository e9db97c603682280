package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EscrowLeg identifies which side of the cross-chain swap an escrow secures.
type EscrowLeg uint8

const (
	// LegSrc holds the maker's asset on the source chain; a successful
	// withdrawal pays the taker.
	LegSrc EscrowLeg = iota
	// LegDst holds the taker's fronted liquidity on the destination chain; a
	// successful withdrawal pays the maker.
	LegDst
)

func (l EscrowLeg) String() string {
	if l == LegSrc {
		return "src"
	}
	return "dst"
}

// EscrowStatus is the lifecycle state of one escrow leg. Withdrawn and
// Cancelled are terminal.
type EscrowStatus string

const (
	EscrowStatusActive    EscrowStatus = "active"
	EscrowStatusWithdrawn EscrowStatus = "withdrawn"
	EscrowStatusCancelled EscrowStatus = "cancelled"
)

// Terminal reports whether no further state-changing transition is permitted.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowStatusWithdrawn || s == EscrowStatusCancelled
}

// TimelockStage names one boundary of the escrow's time windows. Stage starts
// are stored as offsets from the deployment timestamp and are strictly
// ordered within each leg.
type TimelockStage uint8

const (
	StageSrcWithdrawal TimelockStage = iota
	StageSrcPublicWithdrawal
	StageSrcCancellation
	StageSrcPublicCancellation
	StageDstWithdrawal
	StageDstPublicWithdrawal
	StageDstCancellation
)

// Timelocks holds the deployment timestamp and the per-stage offsets, all in
// unix seconds.
type Timelocks struct {
	DeployedAt uint64

	SrcWithdrawal         uint64
	SrcPublicWithdrawal   uint64
	SrcCancellation       uint64
	SrcPublicCancellation uint64

	DstWithdrawal       uint64
	DstPublicWithdrawal uint64
	DstCancellation     uint64
}

// Get returns the absolute start time of the given stage.
func (t Timelocks) Get(stage TimelockStage) time.Time {
	var offset uint64
	switch stage {
	case StageSrcWithdrawal:
		offset = t.SrcWithdrawal
	case StageSrcPublicWithdrawal:
		offset = t.SrcPublicWithdrawal
	case StageSrcCancellation:
		offset = t.SrcCancellation
	case StageSrcPublicCancellation:
		offset = t.SrcPublicCancellation
	case StageDstWithdrawal:
		offset = t.DstWithdrawal
	case StageDstPublicWithdrawal:
		offset = t.DstPublicWithdrawal
	case StageDstCancellation:
		offset = t.DstCancellation
	}
	return time.Unix(int64(t.DeployedAt+offset), 0)
}

// RescueStart returns the earliest time rescue_funds may run.
func (t Timelocks) RescueStart(rescueDelay uint64) time.Time {
	return time.Unix(int64(t.DeployedAt+rescueDelay), 0)
}

// WithDeployedAt returns a copy with the deployment timestamp set.
func (t Timelocks) WithDeployedAt(ts time.Time) Timelocks {
	t.DeployedAt = uint64(ts.Unix())
	return t
}

// Immutables is the fixed parameter set defining one escrow leg. Produced
// once at creation and never mutated.
type Immutables struct {
	OrderHash     common.Hash
	Hashlock      common.Hash
	Maker         common.Address
	Taker         common.Address
	Asset         common.Address
	Amount        *big.Int
	SafetyDeposit *big.Int
	Timelocks     Timelocks
}

// EscrowRecord is the persisted view of one escrow leg, used by the read API
// and the archiver.
type EscrowRecord struct {
	ID         string
	Leg        EscrowLeg
	Immutables Immutables
	Status     EscrowStatus
	CreatedAt  time.Time
	ClosedAt   *time.Time
}
