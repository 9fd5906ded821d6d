// Package worker drains the batch queue: each loop claims batches, runs
// them through the processor and repeats until the queue is empty or the
// run's soft deadline is reached.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"catalog-ingest/internal/batch"
	"catalog-ingest/internal/metrics"
	"catalog-ingest/internal/processor"
	"catalog-ingest/internal/store"
)

// Claimer hands out batches; *claim.Engine implements it.
type Claimer interface {
	Claim(ctx context.Context, owner, worker string, limit int) ([]store.Batch, error)
}

type Processor interface {
	Process(ctx context.Context, req processor.Request) (processor.Result, error)
}

// Store is what the worker needs beyond the processor: seller lookup for a
// claimed batch and the ability to fail a batch it cannot hand over.
type Store interface {
	GetSeller(ctx context.Context, id string) (store.Seller, error)
	FinishBatch(ctx context.Context, id string, status store.Status, errorSummary *string, now time.Time) error
	Stats(ctx context.Context, sellerID string) (store.QueueStats, error)
}

type Options struct {
	ID string
	// Limit is the claim size per round trip.
	Limit int
	// Budget is the wall-clock allowance of one drain; no claim is made
	// within Buffer of it.
	Budget time.Duration
	Buffer time.Duration
	Loops  int
}

type Worker struct {
	claimer Claimer
	proc    Processor
	store   Store
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Worker)

func WithLogger(l zerolog.Logger) Option { return func(w *Worker) { w.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Worker) { w.metrics = m } }

func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

func New(c Claimer, p Processor, s Store, opts Options, o ...Option) *Worker {
	if opts.ID == "" {
		opts.ID = "worker"
	}
	if opts.Limit <= 0 {
		opts.Limit = 5
	}
	if opts.Loops <= 0 {
		opts.Loops = 1
	}
	if opts.Budget <= 0 {
		opts.Budget = 5 * time.Minute
	}
	w := &Worker{claimer: c, proc: p, store: s, opts: opts, log: zerolog.Nop(), now: time.Now}
	for _, fn := range o {
		fn(w)
	}
	return w
}

// RunState accumulates the outcome of one drain across its loops.
type RunState struct {
	mu sync.Mutex

	Started   time.Time
	Deadline  time.Time
	Claimed   int
	Completed int
	Failed    int
	Items     int
	ItemsOK   int
	Errors    int
	// StoppedBy is why the last loop stopped: "empty", "deadline",
	// "cancelled" or "claim_error".
	StoppedBy string
}

func (s *RunState) add(res processor.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Items += res.Processed + res.Failed
	s.ItemsOK += res.Processed
	if res.Success() {
		s.Completed++
	} else {
		s.Failed++
	}
}

func (s *RunState) addClaimed(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Claimed += n
}

func (s *RunState) fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Failed++
	s.Errors++
	if reason != "" {
		s.StoppedBy = reason
	}
}

func (s *RunState) stop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StoppedBy = reason
}

func (s *RunState) Summary(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("drained %s batches (%s completed, %s failed), %s of %s items in %s; stopped: %s",
		humanize.Comma(int64(s.Claimed)), humanize.Comma(int64(s.Completed)), humanize.Comma(int64(s.Failed)),
		humanize.Comma(int64(s.ItemsOK)), humanize.Comma(int64(s.Items)),
		now.Sub(s.Started).Round(time.Millisecond), s.StoppedBy)
}

// Drain runs the configured number of loops for owner until the queue is
// empty or the soft deadline passes. A failing batch never stops a loop;
// only claim errors do, and they are returned.
func (w *Worker) Drain(ctx context.Context, owner string) (*RunState, error) {
	st := &RunState{Started: w.now()}
	st.Deadline = st.Started.Add(w.opts.Budget - w.opts.Buffer)
	log := w.log.With().Str("owner", owner).Time("deadline", st.Deadline).Logger()
	loops := w.loopsFor(ctx)
	log.Info().Int("loops", loops).Int("limit", w.opts.Limit).Msg("drain starting")

	var g errgroup.Group
	for i := 0; i < loops; i++ {
		id := fmt.Sprintf("%s-%d", w.opts.ID, i)
		g.Go(func() error { return w.loop(ctx, log.With().Str("worker", id).Logger(), owner, id, st) })
	}
	err := g.Wait()

	if q, qerr := w.store.Stats(context.WithoutCancel(ctx), ""); qerr == nil {
		w.metrics.SetQueueDepth(q.Pending, q.Processing)
	}
	log.Info().Str("summary", st.Summary(w.now())).Msg("drain finished")
	return st, err
}

// loopsFor caps the configured loops at one per active batch; at least one
// loop always runs so an empty queue is still observed.
func (w *Worker) loopsFor(ctx context.Context) int {
	if w.opts.Loops <= 1 {
		return 1
	}
	q, err := w.store.Stats(ctx, "")
	if err != nil {
		return w.opts.Loops
	}
	n := 0
	for _, share := range batch.Distribute(q.Active(), w.opts.Loops) {
		if share > 0 {
			n++
		}
	}
	return max(n, 1)
}

func (w *Worker) loop(ctx context.Context, log zerolog.Logger, owner, id string, st *RunState) error {
	for {
		if ctx.Err() != nil {
			st.stop("cancelled")
			return nil
		}
		if !w.now().Before(st.Deadline) {
			st.stop("deadline")
			log.Info().Msg("soft deadline reached; not claiming more")
			return nil
		}
		batches, err := w.claimer.Claim(ctx, owner, id, w.opts.Limit)
		if err != nil {
			st.fail("claim_error")
			log.Error().Err(err).Msg("claim failed; stopping loop")
			return fmt.Errorf("%s: %w", id, err)
		}
		if len(batches) == 0 {
			st.stop("empty")
			return nil
		}
		st.addClaimed(len(batches))
		for _, b := range batches {
			w.runBatch(ctx, log, id, b, st)
		}
	}
}

// runBatch processes one claimed batch to a terminal status. Claimed work is
// always finished, even after ctx is cancelled, so it never turns orphan.
func (w *Worker) runBatch(ctx context.Context, log zerolog.Logger, id string, b store.Batch, st *RunState) {
	ctx = context.WithoutCancel(ctx)
	log = log.With().Str("batch_id", b.ID).Str("seller_id", b.SellerID).Logger()

	seller, err := w.store.GetSeller(ctx, b.SellerID)
	if err != nil {
		w.failBatch(ctx, log, b, fmt.Sprintf("[%s] seller lookup: %v", processor.ClassHard, err))
		st.fail("")
		return
	}
	res, err := w.proc.Process(ctx, processor.Request{
		SellerID:         b.SellerID,
		Items:            b.Items,
		Marketplace:      seller.Marketplace,
		ExternalSellerID: seller.ExternalID,
		Origin:           processor.OriginQueue,
		BatchID:          b.ID,
		Worker:           id,
		Priority:         b.Priority,
	})
	if err != nil {
		// Only validation errors come back here; the batch content is bad.
		w.failBatch(ctx, log, b, fmt.Sprintf("[%s] %v", processor.ClassHard, err))
		st.fail("")
		return
	}
	st.add(res)
}

func (w *Worker) failBatch(ctx context.Context, log zerolog.Logger, b store.Batch, summary string) {
	log.Error().Str("reason", summary).Msg("batch failed before processing")
	if err := w.store.FinishBatch(ctx, b.ID, store.StatusFailed, &summary, w.now()); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("could not mark batch failed")
	}
	w.metrics.BatchFinished(string(store.StatusFailed), 0, len(b.Items))
}
