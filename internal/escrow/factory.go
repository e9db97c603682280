package escrow

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/fuselabs/crossfill/internal/domain"
)

// SrcArgs is the taker-supplied escrow material carried through the fill's
// post-interaction payload. A single-fill order carries the hashlock
// directly; a multi-fill order carries the merkle material that proves one
// unconsumed tree position.
type SrcArgs struct {
	// Hashlock is set for single-fill orders.
	Hashlock common.Hash

	// Merkle material for multi-fill orders. Root being nonzero selects this
	// path; Leaf becomes the escrow hashlock once the proof is accepted.
	Root  common.Hash
	Leaf  common.Hash
	Index uint64
	Proof []common.Hash

	SafetyDeposit *big.Int
	Timelocks     domain.Timelocks
}

const (
	srcArgsFlagDirect byte = 0x00
	srcArgsFlagMerkle byte = 0x01
)

// EncodeSrcArgs packs the args into the post-interaction wire form.
func EncodeSrcArgs(a SrcArgs) []byte {
	var out []byte
	if a.Root != (common.Hash{}) {
		out = append(out, srcArgsFlagMerkle)
		out = append(out, a.Root.Bytes()...)
		out = append(out, a.Leaf.Bytes()...)
		out = binary.BigEndian.AppendUint64(out, a.Index)
		out = append(out, byte(len(a.Proof)))
		for _, p := range a.Proof {
			out = append(out, p.Bytes()...)
		}
	} else {
		out = append(out, srcArgsFlagDirect)
		out = append(out, a.Hashlock.Bytes()...)
	}

	deposit := a.SafetyDeposit
	if deposit == nil {
		deposit = big.NewInt(0)
	}
	out = append(out, common.BigToHash(deposit).Bytes()...)

	for _, off := range []uint64{
		a.Timelocks.SrcWithdrawal, a.Timelocks.SrcPublicWithdrawal,
		a.Timelocks.SrcCancellation, a.Timelocks.SrcPublicCancellation,
		a.Timelocks.DstWithdrawal, a.Timelocks.DstPublicWithdrawal,
		a.Timelocks.DstCancellation,
	} {
		out = binary.BigEndian.AppendUint64(out, off)
	}
	return out
}

// DecodeSrcArgs is the inverse of EncodeSrcArgs.
func DecodeSrcArgs(data []byte) (SrcArgs, error) {
	var a SrcArgs
	if len(data) < 1 {
		return a, domain.ErrInvalidExtension
	}
	flag, rest := data[0], data[1:]

	take := func(n int) ([]byte, bool) {
		if len(rest) < n {
			return nil, false
		}
		b := rest[:n]
		rest = rest[n:]
		return b, true
	}

	switch flag {
	case srcArgsFlagDirect:
		b, ok := take(32)
		if !ok {
			return a, domain.ErrInvalidExtension
		}
		a.Hashlock = common.BytesToHash(b)
	case srcArgsFlagMerkle:
		b, ok := take(32)
		if !ok {
			return a, domain.ErrInvalidExtension
		}
		a.Root = common.BytesToHash(b)
		if b, ok = take(32); !ok {
			return a, domain.ErrInvalidExtension
		}
		a.Leaf = common.BytesToHash(b)
		if b, ok = take(8); !ok {
			return a, domain.ErrInvalidExtension
		}
		a.Index = binary.BigEndian.Uint64(b)
		if b, ok = take(1); !ok {
			return a, domain.ErrInvalidExtension
		}
		n := int(b[0])
		a.Proof = make([]common.Hash, n)
		for i := 0; i < n; i++ {
			if b, ok = take(32); !ok {
				return a, domain.ErrInvalidExtension
			}
			a.Proof[i] = common.BytesToHash(b)
		}
	default:
		return a, domain.ErrInvalidExtension
	}

	b, ok := take(32)
	if !ok {
		return a, domain.ErrInvalidExtension
	}
	a.SafetyDeposit = new(big.Int).SetBytes(b)

	offs := make([]uint64, 7)
	for i := range offs {
		if b, ok = take(8); !ok {
			return a, domain.ErrInvalidExtension
		}
		offs[i] = binary.BigEndian.Uint64(b)
	}
	a.Timelocks = domain.Timelocks{
		SrcWithdrawal:         offs[0],
		SrcPublicWithdrawal:   offs[1],
		SrcCancellation:       offs[2],
		SrcPublicCancellation: offs[3],
		DstWithdrawal:         offs[4],
		DstPublicWithdrawal:   offs[5],
		DstCancellation:       offs[6],
	}
	if len(rest) != 0 {
		return a, domain.ErrInvalidExtension
	}
	return a, nil
}

// FactoryConfig carries the factory's construction parameters.
type FactoryConfig struct {
	// Engine is the trusted fill-engine identity; only it may create escrows.
	Engine common.Address
	// NativeAsset is the asset used for safety deposits.
	NativeAsset common.Address
}

// Factory mints escrow legs. Source legs are created from fills through the
// engine's post-interaction hook; destination legs are created by the taker
// fronting liquidity on the other chain, routed through the same trusted
// engine identity.
type Factory struct {
	logger    *slog.Logger
	cfg       FactoryConfig
	store     domain.EscrowStore
	transfers domain.TransferService
	clock     domain.Clock
	validator *MerkleValidator
	bus       domain.SignalBus
}

func NewFactory(cfg FactoryConfig, store domain.EscrowStore, transfers domain.TransferService,
	clock domain.Clock, validator *MerkleValidator, bus domain.SignalBus, logger *slog.Logger) *Factory {
	return &Factory{
		logger:    logger.With(slog.String("component", "escrow_factory")),
		cfg:       cfg,
		store:     store,
		transfers: transfers,
		clock:     clock,
		validator: validator,
		bus:       bus,
	}
}

// CreateSrc mints the source-leg escrow for a fill. The hashlock comes
// directly from the args for single-fill orders; multi-fill orders must
// present a valid, unconsumed merkle position first, and no escrow is
// created when that validation fails.
func (f *Factory) CreateSrc(ctx context.Context, caller common.Address, order *domain.Order,
	orderHash common.Hash, taker common.Address, makingAmount *big.Int, extraData []byte) (domain.Immutables, error) {
	if caller != f.cfg.Engine {
		return domain.Immutables{}, domain.ErrInvalidCaller
	}
	args, err := DecodeSrcArgs(extraData)
	if err != nil {
		return domain.Immutables{}, err
	}

	hashlock := args.Hashlock
	if args.Root != (common.Hash{}) {
		if err := f.validator.ValidateAndRecord(ctx, orderHash, args.Root, args.Leaf, args.Index, args.Proof); err != nil {
			return domain.Immutables{}, err
		}
		hashlock = args.Leaf
	}
	if hashlock == (common.Hash{}) {
		return domain.Immutables{}, domain.ErrInvalidImmutables
	}

	now := f.clock.Now()
	timelocks := args.Timelocks.WithDeployedAt(now)
	if err := ValidateTimelocks(timelocks); err != nil {
		return domain.Immutables{}, err
	}

	imm := domain.Immutables{
		OrderHash:     orderHash,
		Hashlock:      hashlock,
		Maker:         order.Maker,
		Taker:         taker,
		Asset:         order.MakerAsset,
		Amount:        new(big.Int).Set(makingAmount),
		SafetyDeposit: args.SafetyDeposit,
		Timelocks:     timelocks,
	}
	if err := f.fundAndRecord(ctx, domain.LegSrc, imm, taker, now); err != nil {
		return domain.Immutables{}, err
	}
	return imm, nil
}

// CreateDst mints the destination-leg escrow where the taker fronts the
// liquidity the maker will claim. The destination cancellation window must
// close no later than the source leg's, or the taker could reclaim both
// sides.
func (f *Factory) CreateDst(ctx context.Context, caller common.Address, imm domain.Immutables, srcCancellation time.Time) (domain.Immutables, error) {
	if caller != f.cfg.Engine {
		return domain.Immutables{}, domain.ErrInvalidCaller
	}
	if imm.Amount == nil || imm.Amount.Sign() <= 0 {
		return domain.Immutables{}, domain.ErrInvalidAmounts
	}

	now := f.clock.Now()
	imm.Timelocks = imm.Timelocks.WithDeployedAt(now)
	if err := ValidateTimelocks(imm.Timelocks); err != nil {
		return domain.Immutables{}, err
	}
	if imm.Timelocks.Get(domain.StageDstCancellation).After(srcCancellation) {
		return domain.Immutables{}, fmt.Errorf("escrow: destination cancellation past source cancellation: %w", domain.ErrInvalidImmutables)
	}

	if err := f.fundAndRecord(ctx, domain.LegDst, imm, imm.Taker, now); err != nil {
		return domain.Immutables{}, err
	}
	return imm, nil
}

// fundAndRecord moves the principal and safety deposit into the vault and
// persists the active record.
func (f *Factory) fundAndRecord(ctx context.Context, leg domain.EscrowLeg, imm domain.Immutables, depositor common.Address, now time.Time) error {
	vault := VaultAddress(imm)
	if err := f.transfers.Transfer(ctx, imm.Asset, depositor, vault, imm.Amount); err != nil {
		return fmt.Errorf("escrow factory: fund %s leg: %w", leg, domain.ErrTransferFailed)
	}
	if imm.SafetyDeposit != nil && imm.SafetyDeposit.Sign() > 0 {
		if err := f.transfers.Transfer(ctx, f.cfg.NativeAsset, depositor, vault, imm.SafetyDeposit); err != nil {
			return fmt.Errorf("escrow factory: fund %s safety deposit: %w", leg, domain.ErrTransferFailed)
		}
	}

	rec := domain.EscrowRecord{
		ID:         uuid.New().String(),
		Leg:        leg,
		Immutables: imm,
		Status:     domain.EscrowStatusActive,
		CreatedAt:  now,
	}
	if err := f.store.Insert(ctx, rec); err != nil {
		return err
	}

	f.logger.Info("escrow created",
		slog.String("escrow_id", rec.ID),
		slog.String("leg", leg.String()),
		slog.String("order_hash", imm.OrderHash.Hex()),
		slog.String("amount", imm.Amount.String()),
	)
	return nil
}

// PostInteractionAdapter wires the factory into the fill engine's hook point
// under the engine's trusted identity.
type PostInteractionAdapter struct {
	Factory *Factory
	Engine  common.Address
}

func (a PostInteractionAdapter) PostInteraction(ctx context.Context, order *domain.Order, _ *domain.Extension,
	orderHash common.Hash, taker common.Address, makingAmount, _, _ *big.Int, extraData []byte) error {
	if len(extraData) == 0 {
		// Plain fill with no cross-chain leg.
		return nil
	}
	_, err := a.Factory.CreateSrc(ctx, a.Engine, order, orderHash, taker, makingAmount, extraData)
	return err
}
