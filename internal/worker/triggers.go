package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"catalog-ingest/internal/dispatch"
)

// TriggerSource yields dispatched jobs; *dispatch.RedisRunner implements it.
type TriggerSource interface {
	Listen(ctx context.Context, task string, wait time.Duration) (dispatch.Job, error)
	Release(ctx context.Context, h dispatch.Handle) error
}

// Serve takes drain triggers for task off src until ctx is done, running one
// drain per trigger and releasing its slot afterwards.
func (w *Worker) Serve(ctx context.Context, src TriggerSource, task string) error {
	w.log.Info().Str("task", task).Msg("waiting for drain triggers")
	for {
		job, err := src.Listen(ctx, task, 5*time.Second)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, dispatch.ErrNoJob):
			continue
		case err != nil:
			w.log.Error().Err(err).Msg("listen failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		log := w.log.With().Str("handle", job.Handle.ID).Int("slot", job.Handle.Slot).Logger()
		log.Info().Str("seller_id", job.Payload.SellerID).Str("reason", job.Payload.Reason).Msg("drain triggered")
		if _, err := w.Drain(ctx, job.Payload.SellerID); err != nil {
			log.Error().Err(err).Msg("drain ended with error")
		}
		if err := src.Release(context.WithoutCancel(ctx), job.Handle); err != nil {
			log.Warn().Err(err).Msg("could not release worker slot; it expires with its lease")
		}
	}
}

// RunCron runs an all-sellers drain at every tick of expr until ctx is done.
// Ticks that arrive while a drain is running are skipped.
func (w *Worker) RunCron(ctx context.Context, expr string) error {
	if !gronx.IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q", expr)
	}
	w.log.Info().Str("cron", expr).Msg("cron drain scheduler started")
	for {
		next, err := gronx.NextTickAfter(expr, w.now().UTC(), false)
		if err != nil {
			return fmt.Errorf("next tick for %q: %w", expr, err)
		}
		select {
		case <-ctx.Done():
			w.log.Info().Msg("cron drain scheduler stopping")
			return nil
		case <-time.After(time.Until(next)):
		}
		if _, err := w.Drain(ctx, ""); err != nil {
			w.log.Error().Err(err).Msg("scheduled drain ended with error")
		}
	}
}
