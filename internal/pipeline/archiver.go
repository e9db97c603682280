// Package pipeline runs the background archival worker that moves settled
// fill receipts and closed escrows from the database to S3 cold storage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fuselabs/crossfill/internal/domain"
)

// Pruner removes rows older than a cutoff once they have been archived.
type Pruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver moves old settlement data from the database to S3 cold storage
// and prunes the archived rows. Either pruner may be nil to keep rows in
// place after archival.
type Archiver struct {
	blobArchiver  domain.Archiver
	receiptPruner Pruner
	escrowPruner  Pruner
	retentionDays int
	logger        *slog.Logger

	// lock, when set, keeps concurrent deployments from running the same
	// archive pass twice.
	lock domain.LockManager
}

const archiveLockKey = "lock:archive:run"
const archiveLockTTL = 30 * time.Minute

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, receiptPruner, escrowPruner Pruner, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		receiptPruner: receiptPruner,
		escrowPruner:  escrowPruner,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// WithLock guards archive passes with a distributed lock so only one
// instance runs a pass at a time.
func (a *Archiver) WithLock(lock domain.LockManager) *Archiver {
	a.lock = lock
	return a
}

// Run executes a single archive pass. It calculates the cutoff time based on
// retentionDays, archives fill receipts and terminal escrows older than the
// cutoff, then prunes the archived rows.
func (a *Archiver) Run(ctx context.Context) error {
	if a.lock != nil {
		release, err := a.lock.Acquire(ctx, archiveLockKey, archiveLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				a.logger.Info("archive run already in progress elsewhere, skipping")
				return nil
			}
			// Lock manager outage: proceed without the guard.
			a.logger.Warn("archive lock unavailable", slog.String("error", err.Error()))
		} else {
			defer release()
		}
	}

	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	receiptsArchived, err := a.blobArchiver.ArchiveReceipts(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving receipts before %v: %w", cutoff, err)
	}
	a.logger.Info("archived receipts", slog.Int64("count", receiptsArchived))

	escrowsArchived, err := a.blobArchiver.ArchiveEscrows(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving escrows before %v: %w", cutoff, err)
	}
	a.logger.Info("archived escrows", slog.Int64("count", escrowsArchived))

	if a.receiptPruner != nil && receiptsArchived > 0 {
		pruned, err := a.receiptPruner.DeleteBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("pruning receipts before %v: %w", cutoff, err)
		}
		a.logger.Info("pruned receipts", slog.Int64("count", pruned))
	}
	if a.escrowPruner != nil && escrowsArchived > 0 {
		pruned, err := a.escrowPruner.DeleteBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("pruning escrows before %v: %w", cutoff, err)
		}
		a.logger.Info("pruned escrows", slog.Int64("count", pruned))
	}

	a.logger.Info("archive run complete",
		slog.Int64("receipts_archived", receiptsArchived),
		slog.Int64("escrows_archived", escrowsArchived),
	)

	return nil
}

// RunCron runs the archiver on a cron schedule until the context is cancelled.
// It supports cron expressions in the standard 5-field format:
// "minute hour day-of-month month day-of-week"
//
// Example: "0 3 1 * *" runs at 3:00 AM on the 1st of every month.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
		}

		waitDuration := time.Until(next)
		a.logger.Info("archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", waitDuration),
		)

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField represents a parsed cron field that can match against a value.
type cronField struct {
	wildcard bool
	values   []int
}

// matches returns true if the given value matches this cron field.
func (f cronField) matches(val int) bool {
	if f.wildcard {
		return true
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses a single cron field (e.g. "0", "*", "1,15").
func parseCronField(field string) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	parts := strings.Split(field, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.Atoi(p)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

// parsedCron holds five parsed cron fields.
type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// matchesTime returns true if the given time matches all five cron fields.
func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// parseCron parses a 5-field cron expression into a parsedCron struct.
func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	minute, err := parseCronField(fields[0])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing minute field: %w", err)
	}
	hour, err := parseCronField(fields[1])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing hour field: %w", err)
	}
	dayOfMonth, err := parseCronField(fields[2])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-month field: %w", err)
	}
	month, err := parseCronField(fields[3])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing month field: %w", err)
	}
	dayOfWeek, err := parseCronField(fields[4])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-week field: %w", err)
	}

	return parsedCron{
		minute:     minute,
		hour:       hour,
		dayOfMonth: dayOfMonth,
		month:      month,
		dayOfWeek:  dayOfWeek,
	}, nil
}

// nextCronTime calculates the next time after 'after' that matches the given
// cron expression. It searches minute-by-minute up to one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	// Start from the next minute boundary.
	candidate := after.Truncate(time.Minute).Add(time.Minute)

	// Search up to one year ahead to avoid infinite loops.
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
