package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"catalog-ingest/internal/store"
)

const batchColumns = `id, seller_id, items, status, priority, claimed_by,
  created_at, started_at, completed_at, estimated_cost, error_summary`

func scanBatch(row pgx.Row) (store.Batch, error) {
	var (
		b        store.Batch
		status   string
		priority string
	)
	err := row.Scan(&b.ID, &b.SellerID, &b.Items, &status, &priority, &b.ClaimedBy,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt, &b.EstimatedCost, &b.ErrorSummary)
	if err != nil {
		return store.Batch{}, err
	}
	b.Status = store.Status(status)
	b.Priority = store.Priority(priority)
	return b, nil
}

func (s *Store) CreateBatches(ctx context.Context, in []store.NewBatch, now time.Time) ([]store.Batch, error) {
	for _, nb := range in {
		if strings.TrimSpace(nb.SellerID) == "" {
			return nil, fmt.Errorf("create batch: seller id is required")
		}
		if len(nb.Items) == 0 {
			return nil, fmt.Errorf("create batch: no items for seller %s", nb.SellerID)
		}
	}
	if len(in) == 0 {
		return nil, nil
	}

	var out []store.Batch
	err := s.withRetry(ctx, "create_batches", func() error {
		out = out[:0]
		return runInTx(ctx, s.pool, func(tx pgx.Tx) error {
			b := &pgx.Batch{}
			for _, nb := range in {
				prio := nb.Priority
				if prio == "" {
					prio = store.PriorityLow
				}
				b.Queue(`INSERT INTO `+s.batches+`
					(id, seller_id, items, status, priority, created_at, estimated_cost)
					VALUES ($1,$2,$3,$4,$5,$6,$7)
					RETURNING `+batchColumns,
					uuid.NewString(), nb.SellerID, nb.Items, string(store.StatusPending), string(prio),
					now, store.EstimatedCost(len(nb.Items)))
			}
			br := tx.SendBatch(ctx, b)
			for range in {
				got, err := scanBatch(br.QueryRow())
				if err != nil {
					_ = br.Close()
					if isUniqueViolationOnConstraint(err, "ingest_batches_pkey") {
						return fmt.Errorf("create batch: id collision: %w", err)
					}
					return err
				}
				out = append(out, got)
			}
			return br.Close()
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SelectBatches(ctx context.Context, f store.BatchFilter) ([]store.Batch, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.SellerID != "" {
		where = append(where, "seller_id = "+arg(f.SellerID))
	}
	if f.ExcludeSeller != "" {
		where = append(where, "seller_id <> "+arg(f.ExcludeSeller))
	}
	if f.Unclaimed {
		where = append(where, "claimed_by IS NULL")
	}
	order := `CASE priority WHEN 'HIGH' THEN 1 ELSE 0 END DESC, created_at ASC, seq ASC`
	if f.StartedBefore != nil {
		where = append(where, "started_at < "+arg(*f.StartedBefore))
		order = `started_at ASC, seq ASC`
	}

	sql := `SELECT ` + batchColumns + ` FROM ` + s.batches
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY ` + order
	if f.Limit > 0 {
		sql += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select batches: %w", err)
	}
	defer rows.Close()

	var out []store.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ClaimBatch is a single compare-and-set UPDATE: it matches only while the
// row still has the status, owner and start time the caller observed.
func (s *Store) ClaimBatch(ctx context.Context, id string, expect store.Expect, worker string, now time.Time) (store.Batch, bool, error) {
	var (
		b   store.Batch
		hit bool
	)
	err := s.withRetry(ctx, "claim_batch", func() error {
		var err error
		b, err = scanBatch(s.pool.QueryRow(ctx, `UPDATE `+s.batches+`
			SET status = 'PROCESSING', claimed_by = $5, started_at = $6
			WHERE id = $1
			  AND status = $2
			  AND claimed_by IS NOT DISTINCT FROM $3
			  AND started_at IS NOT DISTINCT FROM $4
			RETURNING `+batchColumns,
			id, string(expect.Status), expect.ClaimedBy, expect.StartedAt, worker, now))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			hit = false
			return nil
		case err != nil:
			return err
		}
		hit = true
		return nil
	})
	if err != nil {
		return store.Batch{}, false, fmt.Errorf("claim batch %s: %w", id, err)
	}
	return b, hit, nil
}

func (s *Store) FinishBatch(ctx context.Context, id string, status store.Status, errorSummary *string, now time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish batch %s: %s is not a terminal status", id, status)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE `+s.batches+`
		SET status = $2, claimed_by = NULL, completed_at = $3, error_summary = $4
		WHERE id = $1`, id, string(status), now, errorSummary)
	if err != nil {
		return fmt.Errorf("finish batch %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish batch %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) PendingItems(ctx context.Context, sellerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT unnest(items) FROM `+s.batches+`
		WHERE seller_id = $1 AND status IN ('PENDING','PROCESSING')`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("pending items %s: %w", sellerID, err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) HasActiveQueue(ctx context.Context, sellerID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+s.batches+`
		WHERE seller_id = $1 AND status IN ('PENDING','PROCESSING'))`, sellerID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("active queue %s: %w", sellerID, err)
	}
	return ok, nil
}

func (s *Store) Stats(ctx context.Context, sellerID string) (store.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*),
		  coalesce(sum(cardinality(items)) FILTER (WHERE status IN ('PENDING','PROCESSING')), 0)
		FROM `+s.batches+`
		WHERE $1 = '' OR seller_id = $1
		GROUP BY status`, sellerID)
	if err != nil {
		return store.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var q store.QueueStats
	for rows.Next() {
		var (
			status string
			n      int
			items  int
		)
		if err := rows.Scan(&status, &n, &items); err != nil {
			return store.QueueStats{}, err
		}
		switch store.Status(status) {
		case store.StatusPending:
			q.Pending = n
		case store.StatusProcessing:
			q.Processing = n
		case store.StatusCompleted:
			q.Completed = n
		case store.StatusFailed:
			q.Failed = n
		}
		q.Items += items
	}
	return q, rows.Err()
}
