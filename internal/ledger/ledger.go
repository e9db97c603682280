// Package ledger provides an in-process asset ledger implementing the
// transfer service. It backs the standalone run mode and the test suites;
// production deployments substitute a chain-backed implementation.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fuselabs/crossfill/internal/domain"
)

type balanceKey struct {
	asset  common.Address
	holder common.Address
}

// Ledger tracks per-asset balances and moves value between holders.
type Ledger struct {
	mu       sync.Mutex
	balances map[balanceKey]*big.Int
}

func New() *Ledger {
	return &Ledger{balances: make(map[balanceKey]*big.Int)}
}

// Mint credits a holder. Test and bootstrap helper.
func (l *Ledger) Mint(asset, holder common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(asset, holder, amount)
}

// BalanceOf returns the holder's balance for the asset.
func (l *Ledger) BalanceOf(asset, holder common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[balanceKey{asset, holder}]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// Transfer moves amount of asset from one holder to another. Fails without
// side effects when the sender's balance is insufficient.
func (l *Ledger) Transfer(_ context.Context, asset common.Address, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return domain.ErrInvalidAmounts
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := balanceKey{asset, from}
	bal, ok := l.balances[k]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("ledger: insufficient balance for %s on asset %s: %w",
			from.Hex(), asset.Hex(), domain.ErrTransferFailed)
	}
	bal.Sub(bal, amount)
	l.credit(asset, to, amount)
	return nil
}

func (l *Ledger) credit(asset, holder common.Address, amount *big.Int) {
	k := balanceKey{asset, holder}
	if b, ok := l.balances[k]; ok {
		b.Add(b, amount)
		return
	}
	l.balances[k] = new(big.Int).Set(amount)
}

var _ domain.TransferService = (*Ledger)(nil)
