package escrow

import (
	"fmt"

	"github.com/fuselabs/crossfill/internal/domain"
)

// ValidateTimelocks rejects offset sets whose stages are out of order. Each
// leg's windows must open in sequence; equal offsets collapse a window to
// nothing, which is legal.
func ValidateTimelocks(t domain.Timelocks) error {
	if t.SrcWithdrawal > t.SrcPublicWithdrawal ||
		t.SrcPublicWithdrawal > t.SrcCancellation ||
		t.SrcCancellation > t.SrcPublicCancellation {
		return fmt.Errorf("escrow: source stage offsets out of order: %w", domain.ErrInvalidImmutables)
	}
	if t.DstWithdrawal > t.DstPublicWithdrawal ||
		t.DstPublicWithdrawal > t.DstCancellation {
		return fmt.Errorf("escrow: destination stage offsets out of order: %w", domain.ErrInvalidImmutables)
	}
	return nil
}
