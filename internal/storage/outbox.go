package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"finet/internal/core"
	"finet/internal/log"
)

// AdjustmentStatus is the outbox state of a queued adjustment.
type AdjustmentStatus string

const (
	StatusPending    AdjustmentStatus = "pending"
	StatusProcessing AdjustmentStatus = "processing"
	StatusDone       AdjustmentStatus = "done"
	StatusFailed     AdjustmentStatus = "failed"
)

var ErrAdjustmentNotFound = errors.New("adjustment not found")

// OutboxRecord is an adjustment together with its outbox bookkeeping.
type OutboxRecord struct {
	core.Adjustment
	Status        AdjustmentStatus
	NextAttemptAt time.Time
}

// Enqueue stores adj as pending. Enqueueing the same id twice is a no-op.
func (r *SQLiteRepository) Enqueue(ctx context.Context, adj core.Adjustment) error {
	if err := adj.Validate(); err != nil {
		return err
	}
	now := r.now()
	created := adj.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err := r.db.ExecContext(ctx, insertAdjustment,
		adj.ID, adj.WalletID, adj.Base, adj.Delta, adj.Target, string(adj.Operation), adj.EntryID,
		adj.Attempts, adj.LastError, now.UnixMilli(), created.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert adjustment: %w", err)
	}

	r.logger.InfoContext(ctx, "Balance adjustment queued",
		log.NewFields().
			WithOperation(log.OpEnqueue).
			WithBalanceChange(adj.WalletID, adj.EntryID, adj.Delta.String(), adj.Target.String()).
			With(log.FieldAdjustment, adj.ID).
			With(log.FieldBackend, "sqlite").
			ToSlice()...)
	return nil
}

// ClaimDue moves up to limit due pending adjustments to processing and
// returns them. A row claimed concurrently by another processor is skipped.
func (r *SQLiteRepository) ClaimDue(ctx context.Context, limit int) ([]OutboxRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	now := r.now().UnixMilli()

	var claimed []OutboxRecord
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, selectDueAdjustments, now, limit)
		if err != nil {
			return fmt.Errorf("select due adjustments: %w", err)
		}
		var due []OutboxRecord
		for rows.Next() {
			rec, err := scanAdjustment(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, rec)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close rows: %w", err)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate due adjustments: %w", err)
		}

		for _, rec := range due {
			res, err := tx.ExecContext(ctx, claimAdjustment, now, rec.ID)
			if err != nil {
				return fmt.Errorf("claim adjustment %s: %w", rec.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			rec.Status = StatusProcessing
			claimed = append(claimed, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *SQLiteRepository) GetAdjustment(ctx context.Context, id string) (OutboxRecord, error) {
	rec, err := scanAdjustment(r.db.QueryRowContext(ctx, selectAdjustment, id))
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxRecord{}, ErrAdjustmentNotFound
	}
	return rec, err
}

func (r *SQLiteRepository) MarkDone(ctx context.Context, id string) error {
	return r.exec(ctx, "mark adjustment done", markAdjustmentDone, r.now().UnixMilli(), id)
}

// MarkRetry returns the adjustment to pending, due again at next.
func (r *SQLiteRepository) MarkRetry(ctx context.Context, id string, cause error, next time.Time) error {
	return r.exec(ctx, "mark adjustment retry", markAdjustmentRetry,
		errText(cause), next.UnixMilli(), r.now().UnixMilli(), id)
}

func (r *SQLiteRepository) MarkFailed(ctx context.Context, id string, cause error) error {
	if err := r.exec(ctx, "mark adjustment failed", markAdjustmentFailed,
		errText(cause), r.now().UnixMilli(), id); err != nil {
		return err
	}
	r.logger.WarnContext(ctx, "Balance adjustment gave up",
		log.FieldAdjustment, id, log.FieldError, errText(cause))
	return nil
}

// ResetStaleProcessing returns adjustments stuck in processing for longer
// than olderThan to pending, e.g. after a processor crashed mid-batch.
func (r *SQLiteRepository) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, resetStaleAdjustments, now.UnixMilli(), now.Add(-olderThan).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reset stale adjustments: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.logger.InfoContext(ctx, "Reset stale adjustments", "count", n)
	}
	return n, nil
}

// RequeueFailed makes every failed adjustment due again with a fresh
// attempt budget.
func (r *SQLiteRepository) RequeueFailed(ctx context.Context) (int64, error) {
	now := r.now().UnixMilli()
	res, err := r.db.ExecContext(ctx, requeueFailedAdjustments, now, now)
	if err != nil {
		return 0, fmt.Errorf("requeue failed adjustments: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Cleanup deletes done adjustments last touched before olderThan ago.
func (r *SQLiteRepository) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, cleanupAdjustments, r.now().Add(-olderThan).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup adjustments: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Counts returns the number of adjustments per status.
func (r *SQLiteRepository) Counts(ctx context.Context) (map[AdjustmentStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, countAdjustmentsByStatus)
	if err != nil {
		return nil, fmt.Errorf("count adjustments: %w", err)
	}
	defer rows.Close()

	out := make(map[AdjustmentStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[AdjustmentStatus(status)] = n
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) exec(ctx context.Context, what, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", what, ErrAdjustmentNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAdjustment(row rowScanner) (OutboxRecord, error) {
	var (
		rec             OutboxRecord
		op, status      string
		nextAt, created int64
	)
	err := row.Scan(&rec.ID, &rec.WalletID, &rec.Base, &rec.Delta, &rec.Target, &op, &rec.EntryID,
		&status, &rec.Attempts, &rec.LastError, &nextAt, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OutboxRecord{}, err
		}
		return OutboxRecord{}, fmt.Errorf("scan adjustment: %w", err)
	}
	rec.Operation = core.Operation(op)
	rec.Status = AdjustmentStatus(status)
	rec.NextAttemptAt = time.UnixMilli(nextAt)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return rec, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
