// Package claim assigns outstanding batches to workers.
//
// A claim walks three tiers in order: the worker's own seller backlog,
// orphaned PROCESSING batches whose start is older than the orphan window,
// and finally other sellers' backlogs. Each batch is taken with a
// conditional update keyed on the state that was read, so two workers
// racing for the same row can never both win it. The walk repeats for a
// bounded number of rounds and stops early when a round makes no progress.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"catalog-ingest/internal/metrics"
	"catalog-ingest/internal/store"
)

type Tier string

const (
	TierOwned  Tier = "owned"
	TierOrphan Tier = "orphan"
	TierCross  Tier = "cross"
)

var tiers = []Tier{TierOwned, TierOrphan, TierCross}

const (
	DefaultOrphanAfter = 10 * time.Minute
	DefaultMaxRounds   = 3
)

var ErrNoWorker = errors.New("claim: worker id is required")

type Engine struct {
	store       store.ClaimStore
	orphanAfter time.Duration
	maxRounds   int
	now         func() time.Time
	log         zerolog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Engine)

// WithOrphanAfter sets how long a PROCESSING batch may go without a fresh
// start before another worker may take it over.
func WithOrphanAfter(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.orphanAfter = d
		}
	}
}

func WithMaxRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(s store.ClaimStore, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		orphanAfter: DefaultOrphanAfter,
		maxRounds:   DefaultMaxRounds,
		now:         time.Now,
		log:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Claim moves up to limit batches to PROCESSING under worker and returns
// them in the order they were taken. An empty owner skips the owned tier and
// lets the cross tier range over every seller.
//
// Any storage error aborts the call; batches taken before the error stay
// PROCESSING and fall back to the orphan tier once their start ages out.
func (e *Engine) Claim(ctx context.Context, owner, worker string, limit int) ([]store.Batch, error) {
	if worker == "" {
		return nil, ErrNoWorker
	}
	if limit <= 0 {
		return nil, nil
	}

	var out []store.Batch
	for round := 1; round <= e.maxRounds && len(out) < limit; round++ {
		progress := 0
		for _, tier := range tiers {
			remaining := limit - len(out)
			if remaining <= 0 {
				break
			}
			if tier == TierOwned && owner == "" {
				continue
			}
			got, err := e.claimTier(ctx, tier, owner, worker, remaining)
			out = append(out, got...)
			progress += len(got)
			if err != nil {
				if len(out) > 0 {
					e.log.Warn().Err(err).Str("worker_id", worker).Int("abandoned", len(out)).
						Msg("claim aborted after partial progress; taken batches will age into orphans")
				}
				return nil, fmt.Errorf("claim %s tier (round %d): %w", tier, round, err)
			}
			e.metrics.Claimed(string(tier), len(got))
		}
		if progress == 0 {
			break
		}
	}

	if len(out) > 0 {
		e.log.Debug().Str("worker_id", worker).Str("seller_id", owner).
			Int("claimed", len(out)).Int("limit", limit).Msg("claimed batches")
	}
	return out, nil
}

func (e *Engine) claimTier(ctx context.Context, tier Tier, owner, worker string, remaining int) ([]store.Batch, error) {
	now := e.now()
	f := store.BatchFilter{Limit: remaining}
	switch tier {
	case TierOwned:
		f.Status = store.StatusPending
		f.Unclaimed = true
		f.SellerID = owner
	case TierOrphan:
		cutoff := now.Add(-e.orphanAfter)
		f.Status = store.StatusProcessing
		f.StartedBefore = &cutoff
	case TierCross:
		f.Status = store.StatusPending
		f.Unclaimed = true
		f.ExcludeSeller = owner
	}

	candidates, err := e.store.SelectBatches(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}

	got := make([]store.Batch, 0, len(candidates))
	for _, c := range candidates {
		if len(got) >= remaining {
			break
		}
		b, ok, err := e.store.ClaimBatch(ctx, c.ID, store.ExpectFrom(c), worker, now)
		if err != nil {
			return got, fmt.Errorf("update %s: %w", c.ID, err)
		}
		if !ok {
			e.metrics.ClaimRaceLost()
			e.log.Debug().Str("batch_id", c.ID).Str("worker_id", worker).Msg("batch taken by another worker")
			continue
		}
		if tier == TierOrphan {
			ev := e.log.Info().Str("batch_id", b.ID).Str("seller_id", b.SellerID).Str("worker_id", worker)
			if c.ClaimedBy != nil {
				ev = ev.Str("previous_worker", *c.ClaimedBy)
			}
			if c.StartedAt != nil {
				ev = ev.Dur("stale_for", now.Sub(*c.StartedAt))
			}
			ev.Msg("reclaimed orphaned batch")
		}
		got = append(got, b)
	}
	return got, nil
}
