package domain

import (
	"context"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TransferService executes the actual value movement. The core issues at most
// one transfer per operation, only after every validation has succeeded, and
// treats a returned error as a hard failure that must surface to the caller.
type TransferService interface {
	Transfer(ctx context.Context, asset common.Address, from, to common.Address, amount *big.Int) error
}

// Clock supplies the ledger-consensus time. Implementations must be
// monotonic within one process.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used outside of tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// AccessChecker gates the public withdraw/cancel fallbacks.
type AccessChecker interface {
	HoldsAccessToken(ctx context.Context, principal common.Address) (bool, error)
}

// SignatureVerifier checks an order signature against the claimed maker. The
// message is already domain-separated by the order hasher.
type SignatureVerifier interface {
	Verify(orderHash common.Hash, signature []byte, claimedSigner common.Address) bool
}

// BlobWriter uploads a single object to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobInfo describes one stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobReader retrieves and lists archived objects.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// BlobDeleter removes archived objects.
type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// Archiver snapshots old settlement records to blob storage for audit.
type Archiver interface {
	ArchiveReceipts(ctx context.Context, before time.Time) (int64, error)
	ArchiveEscrows(ctx context.Context, before time.Time) (int64, error)
}
