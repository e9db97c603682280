package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fuselabs/crossfill/internal/crypto"
	"github.com/fuselabs/crossfill/internal/domain"
)

// ServiceConfig carries the escrow service's construction parameters.
type ServiceConfig struct {
	// NativeAsset is the asset used for safety deposits.
	NativeAsset common.Address
	// RescueDelay is the seconds after deployment before rescue_funds opens.
	RescueDelay uint64
}

// Service drives the per-leg escrow state machine. Every state-changing call
// is serialized per escrow instance; a transition out of a terminal state is
// never permitted.
type Service struct {
	logger    *slog.Logger
	store     domain.EscrowStore
	transfers domain.TransferService
	clock     domain.Clock
	access    domain.AccessChecker
	bus       domain.SignalBus
	cfg       ServiceConfig

	// cache, when set, fronts the store for id lookups and is invalidated
	// on every state transition.
	cache Cache

	mu       sync.Mutex
	instance map[string]*sync.Mutex
}

// Cache is the read-through escrow record cache for the API surface.
type Cache interface {
	Set(ctx context.Context, rec domain.EscrowRecord) error
	Get(ctx context.Context, id string) (domain.EscrowRecord, error)
	Invalidate(ctx context.Context, id string) error
}

func NewService(cfg ServiceConfig, store domain.EscrowStore, transfers domain.TransferService,
	clock domain.Clock, access domain.AccessChecker, bus domain.SignalBus, logger *slog.Logger) *Service {
	return &Service{
		logger:    logger.With(slog.String("component", "escrow")),
		store:     store,
		transfers: transfers,
		clock:     clock,
		access:    access,
		bus:       bus,
		cfg:       cfg,
		instance:  make(map[string]*sync.Mutex),
	}
}

// WithCache adds a read-through record cache in front of the store.
func (s *Service) WithCache(cache Cache) *Service {
	s.cache = cache
	return s
}

// VaultAddress is the synthetic account holding one escrow's funds, derived
// deterministically from the immutables.
func VaultAddress(imm domain.Immutables) common.Address {
	h := crypto.ImmutablesHash(imm)
	return common.BytesToAddress(h[12:])
}

func (s *Service) lockInstance(id string) func() {
	s.mu.Lock()
	m, ok := s.instance[id]
	if !ok {
		m = &sync.Mutex{}
		s.instance[id] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// load fetches the record and checks the caller-supplied immutables against
// the stored ones.
func (s *Service) load(ctx context.Context, id string, imm domain.Immutables) (domain.EscrowRecord, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.EscrowRecord{}, err
	}
	if crypto.ImmutablesHash(imm) != crypto.ImmutablesHash(rec.Immutables) {
		return domain.EscrowRecord{}, domain.ErrInvalidImmutables
	}
	return rec, nil
}

// checkWindow validates now against [start, end). A zero end means the
// window never closes.
func checkWindow(now, start, end time.Time) error {
	if now.Before(start) {
		return domain.ErrTimelockNotReached
	}
	if !end.IsZero() && !now.Before(end) {
		return domain.ErrTimelockExpired
	}
	return nil
}

// Withdraw releases the escrowed funds against the correct secret during the
// private withdrawal window. Source legs pay the taker, destination legs pay
// the maker; the safety deposit always goes to the caller.
func (s *Service) Withdraw(ctx context.Context, id string, caller common.Address, imm domain.Immutables, secret [32]byte) error {
	return s.withdraw(ctx, id, caller, imm, secret, nil, false)
}

// WithdrawTo is Withdraw with an explicit payout target. Source leg only.
func (s *Service) WithdrawTo(ctx context.Context, id string, caller common.Address, imm domain.Immutables, secret [32]byte, target common.Address) error {
	return s.withdraw(ctx, id, caller, imm, secret, &target, false)
}

// PublicWithdraw is the liveness fallback: any access-token holder may
// trigger the withdrawal once the public window opens.
func (s *Service) PublicWithdraw(ctx context.Context, id string, caller common.Address, imm domain.Immutables, secret [32]byte) error {
	return s.withdraw(ctx, id, caller, imm, secret, nil, true)
}

func (s *Service) withdraw(ctx context.Context, id string, caller common.Address, imm domain.Immutables, secret [32]byte, target *common.Address, public bool) error {
	unlock := s.lockInstance(id)
	defer unlock()

	rec, err := s.load(ctx, id, imm)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return domain.ErrEscrowTerminal
	}
	if target != nil && rec.Leg != domain.LegSrc {
		return domain.ErrInvalidCaller
	}

	var start, end time.Time
	if rec.Leg == domain.LegSrc {
		if public {
			start = imm.Timelocks.Get(domain.StageSrcPublicWithdrawal)
		} else {
			start = imm.Timelocks.Get(domain.StageSrcWithdrawal)
		}
		end = imm.Timelocks.Get(domain.StageSrcCancellation)
	} else {
		if public {
			start = imm.Timelocks.Get(domain.StageDstPublicWithdrawal)
		} else {
			start = imm.Timelocks.Get(domain.StageDstWithdrawal)
		}
		end = imm.Timelocks.Get(domain.StageDstCancellation)
	}
	if err := checkWindow(s.clock.Now(), start, end); err != nil {
		return err
	}

	if public {
		ok, err := s.access.HoldsAccessToken(ctx, caller)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNoAccessToken
		}
	} else if caller != imm.Taker {
		return domain.ErrInvalidCaller
	}

	if crypto.HashSecret(secret) != imm.Hashlock {
		return domain.ErrInvalidSecret
	}

	recipient := imm.Taker
	if rec.Leg == domain.LegDst {
		recipient = imm.Maker
	}
	if target != nil {
		recipient = *target
	}

	return s.close(ctx, rec, caller, imm, domain.EscrowStatusWithdrawn, recipient)
}

// Cancel returns the funds to the original depositor once the cancellation
// window opens: the maker on the source leg, the taker on the destination.
func (s *Service) Cancel(ctx context.Context, id string, caller common.Address, imm domain.Immutables) error {
	return s.cancel(ctx, id, caller, imm, false)
}

// PublicCancel is the access-token fallback for stuck source escrows.
func (s *Service) PublicCancel(ctx context.Context, id string, caller common.Address, imm domain.Immutables) error {
	return s.cancel(ctx, id, caller, imm, true)
}

func (s *Service) cancel(ctx context.Context, id string, caller common.Address, imm domain.Immutables, public bool) error {
	unlock := s.lockInstance(id)
	defer unlock()

	rec, err := s.load(ctx, id, imm)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return domain.ErrEscrowTerminal
	}

	var start time.Time
	switch {
	case public && rec.Leg == domain.LegSrc:
		start = imm.Timelocks.Get(domain.StageSrcPublicCancellation)
	case public:
		// Destination legs have no public cancellation stage.
		return domain.ErrUnauthorizedCaller
	case rec.Leg == domain.LegSrc:
		start = imm.Timelocks.Get(domain.StageSrcCancellation)
	default:
		start = imm.Timelocks.Get(domain.StageDstCancellation)
	}
	if err := checkWindow(s.clock.Now(), start, time.Time{}); err != nil {
		return err
	}

	if public {
		ok, err := s.access.HoldsAccessToken(ctx, caller)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNoAccessToken
		}
	} else if caller != imm.Taker {
		return domain.ErrInvalidCaller
	}

	depositor := imm.Maker
	if rec.Leg == domain.LegDst {
		depositor = imm.Taker
	}

	return s.close(ctx, rec, caller, imm, domain.EscrowStatusCancelled, depositor)
}

// close commits the terminal state, then moves the funds. The state write is
// the intended terminal effect: a transfer failure afterwards leaves the
// escrow closed and the balance recoverable through RescueFunds, never
// reopened.
func (s *Service) close(ctx context.Context, rec domain.EscrowRecord, caller common.Address, imm domain.Immutables, status domain.EscrowStatus, recipient common.Address) error {
	now := s.clock.Now()
	if err := s.store.UpdateStatus(ctx, rec.ID, status, now); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, rec.ID); err != nil {
			s.logger.Warn("escrow cache invalidate failed",
				slog.String("escrow_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	vault := VaultAddress(imm)
	if err := s.transfers.Transfer(ctx, imm.Asset, vault, recipient, imm.Amount); err != nil {
		return fmt.Errorf("escrow %s: principal payout: %w", rec.ID, domain.ErrTransferFailed)
	}
	if imm.SafetyDeposit != nil && imm.SafetyDeposit.Sign() > 0 {
		if err := s.transfers.Transfer(ctx, s.cfg.NativeAsset, vault, caller, imm.SafetyDeposit); err != nil {
			return fmt.Errorf("escrow %s: safety deposit payout: %w", rec.ID, domain.ErrTransferFailed)
		}
	}

	s.publish(ctx, rec, status, now)
	s.logger.Info("escrow closed",
		slog.String("escrow_id", rec.ID),
		slog.String("leg", rec.Leg.String()),
		slog.String("status", string(status)),
		slog.String("recipient", recipient.Hex()),
	)
	return nil
}

// RescueFunds transfers residual balance out of the vault after the rescue
// delay. Restricted to the escrow's taker; independent of lifecycle state.
func (s *Service) RescueFunds(ctx context.Context, id string, caller common.Address, imm domain.Immutables, asset common.Address, amount *big.Int) error {
	unlock := s.lockInstance(id)
	defer unlock()

	rec, err := s.load(ctx, id, imm)
	if err != nil {
		return err
	}
	if caller != imm.Taker {
		return domain.ErrInvalidCaller
	}
	if s.clock.Now().Before(imm.Timelocks.RescueStart(s.cfg.RescueDelay)) {
		return domain.ErrTimelockNotReached
	}

	if err := s.transfers.Transfer(ctx, asset, VaultAddress(imm), caller, amount); err != nil {
		return fmt.Errorf("escrow %s: rescue: %w", rec.ID, domain.ErrTransferFailed)
	}
	s.logger.Warn("escrow funds rescued",
		slog.String("escrow_id", rec.ID),
		slog.String("asset", asset.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// Get returns the escrow record by id.
func (s *Service) Get(ctx context.Context, id string) (domain.EscrowRecord, error) {
	if s.cache != nil {
		if rec, err := s.cache.Get(ctx, id); err == nil {
			return rec, nil
		}
	}
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.EscrowRecord{}, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, rec); err != nil {
			s.logger.Warn("escrow cache set failed",
				slog.String("escrow_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return rec, nil
}

// ListByOrder returns every escrow leg minted for the order.
func (s *Service) ListByOrder(ctx context.Context, orderHash common.Hash) ([]domain.EscrowRecord, error) {
	return s.store.ListByOrder(ctx, orderHash)
}

func (s *Service) publish(ctx context.Context, rec domain.EscrowRecord, status domain.EscrowStatus, at time.Time) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.EscrowEvent{
		EscrowID:  rec.ID,
		OrderHash: rec.Immutables.OrderHash.Hex(),
		Leg:       rec.Leg.String(),
		Status:    string(status),
		At:        at,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelEscrows, payload); err != nil {
		s.logger.Warn("publishing escrow event failed", slog.String("error", err.Error()))
	}
}
