package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fuselabs/crossfill/internal/domain"
)

// Narrow store interfaces required by the archiver: only the time-ranged
// query it actually calls, not the full domain store surface. The postgres
// stores satisfy these implicitly.

// ReceiptArchiveStore provides read access to fill receipts for archival.
type ReceiptArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.FillReceipt, error)
}

// EscrowArchiveStore provides read access to escrow records for archival.
type EscrowArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.EscrowRecord, error)
}

// ArchiveImpl implements domain.Archiver by querying the stores for old
// settlement records, serializing them to JSONL, and uploading the result.
//
// Deletion of the archived rows from the primary store is intentionally NOT
// performed here; that is a separate, explicit step to run after the archive
// has been verified.
type ArchiveImpl struct {
	logger   *slog.Logger
	writer   domain.BlobWriter
	receipts ReceiptArchiveStore
	escrows  EscrowArchiveStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, receipts ReceiptArchiveStore, escrows EscrowArchiveStore, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		logger:   logger.With(slog.String("component", "archiver")),
		writer:   writer,
		receipts: receipts,
		escrows:  escrows,
	}
}

// ArchiveReceipts uploads all fill receipts before the cutoff as JSONL at
// archive/receipts/YYYY-MM.jsonl and returns the archived count.
func (a *ArchiveImpl) ArchiveReceipts(ctx context.Context, before time.Time) (int64, error) {
	receipts, err := a.receipts.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive receipts query: %w", err)
	}
	if len(receipts) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(receipts)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive receipts marshal: %w", err)
	}

	path := archivePath("receipts", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive receipts upload: %w", err)
	}

	a.logger.Info("receipts archived",
		slog.String("path", path),
		slog.Int("count", len(receipts)),
	)
	return int64(len(receipts)), nil
}

// ArchiveEscrows uploads all escrow records created before the cutoff as
// JSONL at archive/escrows/YYYY-MM.jsonl and returns the archived count.
func (a *ArchiveImpl) ArchiveEscrows(ctx context.Context, before time.Time) (int64, error) {
	escrows, err := a.escrows.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive escrows query: %w", err)
	}
	if len(escrows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(escrows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive escrows marshal: %w", err)
	}

	path := archivePath("escrows", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive escrows upload: %w", err)
	}

	a.logger.Info("escrows archived",
		slog.String("path", path),
		slog.Int("count", len(escrows)),
	)
	return int64(len(escrows)), nil
}

// archivePath builds the object key archive/{kind}/YYYY-MM.jsonl from the
// cutoff month.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// marshalJSONL serializes a slice to newline-delimited JSON.
func marshalJSONL[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
