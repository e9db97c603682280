// Package memory provides in-memory implementations of the domain stores.
// They back the standalone run mode and the test suites; the postgres and
// redis packages provide the durable equivalents.
package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fuselabs/crossfill/internal/domain"
)

type bitKey struct {
	maker common.Address
	slot  uint64
}

type remKey struct {
	maker common.Address
	order common.Hash
}

type epochKey struct {
	maker  common.Address
	series uint64
}

// InvalidationStore is a map-backed domain.InvalidationStore.
type InvalidationStore struct {
	mu     sync.RWMutex
	bits   map[bitKey]*big.Int
	rem    map[remKey]*big.Int
	epochs map[epochKey]uint64
}

func NewInvalidationStore() *InvalidationStore {
	return &InvalidationStore{
		bits:   make(map[bitKey]*big.Int),
		rem:    make(map[remKey]*big.Int),
		epochs: make(map[epochKey]uint64),
	}
}

func (s *InvalidationStore) BitSlot(_ context.Context, maker common.Address, slot uint64) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.bits[bitKey{maker, slot}]; ok {
		return new(big.Int).Set(m), nil
	}
	return big.NewInt(0), nil
}

func (s *InvalidationStore) SetBitSlot(_ context.Context, maker common.Address, slot uint64, mask *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bits[bitKey{maker, slot}] = new(big.Int).Set(mask)
	return nil
}

func (s *InvalidationStore) Remaining(_ context.Context, maker common.Address, orderHash common.Hash) (*big.Int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rem[remKey{maker, orderHash}]; ok {
		return new(big.Int).Set(r), true, nil
	}
	return nil, false, nil
}

func (s *InvalidationStore) SetRemaining(_ context.Context, maker common.Address, orderHash common.Hash, remaining *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rem[remKey{maker, orderHash}] = new(big.Int).Set(remaining)
	return nil
}

func (s *InvalidationStore) Epoch(_ context.Context, maker common.Address, series uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[epochKey{maker, series}], nil
}

func (s *InvalidationStore) AdvanceEpoch(_ context.Context, maker common.Address, series uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := epochKey{maker, series}
	s.epochs[k]++
	return s.epochs[k], nil
}

// ValidationStore is a map-backed domain.ValidationStore. Besides the latest
// record per key it tracks every index ever stored, so a tree position stays
// consumed no matter what was validated in between.
type ValidationStore struct {
	mu       sync.RWMutex
	data     map[common.Hash]domain.ValidationData
	consumed map[common.Hash]map[uint64]bool
}

func NewValidationStore() *ValidationStore {
	return &ValidationStore{
		data:     make(map[common.Hash]domain.ValidationData),
		consumed: make(map[common.Hash]map[uint64]bool),
	}
}

func (s *ValidationStore) LastValidated(_ context.Context, key common.Hash) (domain.ValidationData, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[key]
	return d, ok, nil
}

func (s *ValidationStore) StoreValidated(_ context.Context, key common.Hash, data domain.ValidationData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumed[key][data.Index] {
		return domain.ErrInvalidProof
	}
	if s.consumed[key] == nil {
		s.consumed[key] = make(map[uint64]bool)
	}
	s.consumed[key][data.Index] = true
	s.data[key] = data
	return nil
}

// ReceiptStore is a slice-backed domain.ReceiptStore.
type ReceiptStore struct {
	mu       sync.RWMutex
	receipts []domain.FillReceipt
}

func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{}
}

func (s *ReceiptStore) Insert(_ context.Context, receipt domain.FillReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, receipt)
	return nil
}

func (s *ReceiptStore) ListByOrder(_ context.Context, orderHash common.Hash) ([]domain.FillReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.FillReceipt
	for _, r := range s.receipts {
		if r.OrderHash == orderHash {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *ReceiptStore) ListBefore(_ context.Context, before time.Time) ([]domain.FillReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.FillReceipt
	for _, r := range s.receipts {
		if r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// EscrowStore is a map-backed domain.EscrowStore.
type EscrowStore struct {
	mu      sync.RWMutex
	escrows map[string]domain.EscrowRecord
}

func NewEscrowStore() *EscrowStore {
	return &EscrowStore{escrows: make(map[string]domain.EscrowRecord)}
}

func (s *EscrowStore) Insert(_ context.Context, rec domain.EscrowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrows[rec.ID] = rec
	return nil
}

func (s *EscrowStore) UpdateStatus(_ context.Context, id string, status domain.EscrowStatus, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.escrows[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = status
	rec.ClosedAt = &closedAt
	s.escrows[id] = rec
	return nil
}

func (s *EscrowStore) GetByID(_ context.Context, id string) (domain.EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.escrows[id]
	if !ok {
		return domain.EscrowRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *EscrowStore) ListByOrder(_ context.Context, orderHash common.Hash) ([]domain.EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.EscrowRecord
	for _, rec := range s.escrows {
		if rec.Immutables.OrderHash == orderHash {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *EscrowStore) ListBefore(_ context.Context, before time.Time) ([]domain.EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.EscrowRecord
	for _, rec := range s.escrows {
		if rec.CreatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var (
	_ domain.InvalidationStore = (*InvalidationStore)(nil)
	_ domain.ValidationStore   = (*ValidationStore)(nil)
	_ domain.ReceiptStore      = (*ReceiptStore)(nil)
	_ domain.EscrowStore       = (*EscrowStore)(nil)
)
