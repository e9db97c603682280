package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlobArchiver struct {
	receiptCount int64
	escrowCount  int64
	receiptErr   error
	cutoffs      []time.Time
}

func (f *fakeBlobArchiver) ArchiveReceipts(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return f.receiptCount, f.receiptErr
}

func (f *fakeBlobArchiver) ArchiveEscrows(_ context.Context, before time.Time) (int64, error) {
	return f.escrowCount, nil
}

type fakePruner struct {
	deleted int64
	calls   int
}

func (f *fakePruner) DeleteBefore(_ context.Context, _ time.Time) (int64, error) {
	f.calls++
	return f.deleted, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunArchivesAndPrunes(t *testing.T) {
	blob := &fakeBlobArchiver{receiptCount: 5, escrowCount: 3}
	receipts := &fakePruner{deleted: 5}
	escrows := &fakePruner{deleted: 3}

	a := NewArchiver(blob, receipts, escrows, 90, testLogger())
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, 1, receipts.calls)
	assert.Equal(t, 1, escrows.calls)

	require.Len(t, blob.cutoffs, 1)
	wantCutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	assert.WithinDuration(t, wantCutoff, blob.cutoffs[0], time.Minute)
}

func TestRunSkipsPruneWhenNothingArchived(t *testing.T) {
	blob := &fakeBlobArchiver{receiptCount: 0, escrowCount: 0}
	receipts := &fakePruner{}
	escrows := &fakePruner{}

	a := NewArchiver(blob, receipts, escrows, 30, testLogger())
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, 0, receipts.calls)
	assert.Equal(t, 0, escrows.calls)
}

func TestRunPropagatesArchiveError(t *testing.T) {
	blob := &fakeBlobArchiver{receiptErr: errors.New("s3 unavailable")}
	receipts := &fakePruner{}

	a := NewArchiver(blob, receipts, nil, 30, testLogger())
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, receipts.calls)
}

func TestRunNilPruners(t *testing.T) {
	blob := &fakeBlobArchiver{receiptCount: 2, escrowCount: 1}

	a := NewArchiver(blob, nil, nil, 7, testLogger())
	require.NoError(t, a.Run(context.Background()))
}

func TestParseCronField(t *testing.T) {
	f, err := parseCronField("*")
	require.NoError(t, err)
	assert.True(t, f.wildcard)
	assert.True(t, f.matches(42))

	f, err = parseCronField("0")
	require.NoError(t, err)
	assert.True(t, f.matches(0))
	assert.False(t, f.matches(1))

	f, err = parseCronField("1,15")
	require.NoError(t, err)
	assert.True(t, f.matches(1))
	assert.True(t, f.matches(15))
	assert.False(t, f.matches(2))

	_, err = parseCronField("abc")
	require.Error(t, err)
}

func TestParseCronFieldCount(t *testing.T) {
	_, err := parseCron("0 3 1 *")
	require.Error(t, err)

	_, err = parseCron("0 3 1 * * *")
	require.Error(t, err)
}

func TestNextCronTime(t *testing.T) {
	after := time.Date(2026, time.March, 15, 12, 30, 45, 0, time.UTC)

	// Daily at 03:00.
	next, err := nextCronTime("0 3 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.March, 16, 3, 0, 0, 0, time.UTC), next)

	// Monthly on the 1st at 03:00.
	next, err = nextCronTime("0 3 1 * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.April, 1, 3, 0, 0, 0, time.UTC), next)

	// Every minute: the next minute boundary.
	next, err = nextCronTime("* * * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.March, 15, 12, 31, 0, 0, time.UTC), next)
}

func TestRunCronStopsOnCancel(t *testing.T) {
	blob := &fakeBlobArchiver{}
	a := NewArchiver(blob, nil, nil, 30, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.RunCron(ctx, "0 3 1 * *")
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunCron did not stop after cancel")
	}
}
