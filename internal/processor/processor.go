// Package processor runs one unit of catalog work end to end: fetch product
// detail from the marketplace, persist it through the template/link write,
// and move the batch record to its terminal status.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"catalog-ingest/internal/adapters"
	"catalog-ingest/internal/batch"
	"catalog-ingest/internal/delta"
	"catalog-ingest/internal/metrics"
	"catalog-ingest/internal/notify"
	"catalog-ingest/internal/store"
)

// FetchChunkSize is the number of ids sent per marketplace call.
const FetchChunkSize = adapters.MaxIDsPerRequest

// Origin says who asked for the work; it sets the size ceiling and whether a
// transient failure may fall back to the queue.
type Origin string

const (
	OriginInline Origin = "inline"
	OriginQueue  Origin = "queue"
)

// Limit is the largest item list accepted from origin.
func (o Origin) Limit() int {
	if o == OriginInline {
		return batch.InlineMaxSize
	}
	return batch.DefaultMaxSize
}

// ErrorClass is attached to failed batches.
type ErrorClass string

const (
	ClassTransient ErrorClass = "TRANSIENT"
	ClassHard      ErrorClass = "HARD"
)

// ValidationError rejects a request before anything is fetched or written.
// It is never retryable.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid request: " + e.Reason }

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type Request struct {
	SellerID         string
	Items            []string
	Marketplace      string
	ExternalSellerID string
	Origin           Origin

	// CreateBatch records the work as a batch row before fetching.
	CreateBatch bool
	// BatchID names an already claimed batch this run finishes.
	BatchID string
	// Worker is recorded as the owner when CreateBatch is set.
	Worker   string
	Priority store.Priority
}

type Result struct {
	BatchID   string
	Status    store.Status
	Processed int
	Failed    int
	Errors    []string
	// Class is set when the batch failed.
	Class ErrorClass
	// Fallback tells an inline caller it may enqueue the same items instead
	// of surfacing the failure.
	Fallback bool
	Elapsed  time.Duration
}

func (r Result) Success() bool { return r.Status == store.StatusCompleted }

// Summary is the error summary stored on the batch row, or "" when clean.
func (r Result) Summary() string {
	if len(r.Errors) == 0 {
		return ""
	}
	const maxShown = 5
	shown := r.Errors
	if len(shown) > maxShown {
		shown = shown[:maxShown]
	}
	msg := strings.Join(shown, "; ")
	if len(r.Errors) > maxShown {
		msg += fmt.Sprintf("; and %d more", len(r.Errors)-maxShown)
	}
	if r.Class != "" {
		return "[" + string(r.Class) + "] " + msg
	}
	return fmt.Sprintf("%d of %d items failed: %s", r.Failed, r.Processed+r.Failed, msg)
}

// Fetcher is the slice of the marketplace adapter the processor uses.
type Fetcher interface {
	FetchProducts(ctx context.Context, marketplace string, ids []string) ([]adapters.Product, adapters.FetchMeta, error)
}

// Store is what the processor writes to.
type Store interface {
	store.BatchCreator
	store.ConditionalUpdater
	store.BatchFinisher
	store.TemplateUpserter
	store.LinkUpserter
	TouchChecked(ctx context.Context, sellerID string, at time.Time) error
}

type Processor struct {
	store   Store
	fetcher Fetcher
	log     zerolog.Logger
	metrics *metrics.Metrics
	notify  notify.Notifier
	now     func() time.Time
}

type Option func(*Processor)

func WithLogger(l zerolog.Logger) Option { return func(p *Processor) { p.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Processor) { p.metrics = m } }

func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

func WithNotifier(n notify.Notifier) Option { return func(p *Processor) { p.notify = n } }

func New(s Store, f Fetcher, opts ...Option) *Processor {
	p := &Processor{store: s, fetcher: f, log: zerolog.Nop(), notify: notify.Nop{}, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process runs req. The only error it returns is a *ValidationError; every
// fetch or storage failure is folded into the Result and the batch status.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	start := p.now()
	items, err := validate(req)
	if err != nil {
		return Result{}, err
	}

	log := p.log.With().Str("seller_id", req.SellerID).Str("origin", string(req.Origin)).Logger()
	res := Result{BatchID: req.BatchID}

	if req.CreateBatch && res.BatchID == "" {
		res.BatchID = p.createTracked(ctx, log, req, items)
	}
	if res.BatchID != "" {
		log = log.With().Str("batch_id", res.BatchID).Logger()
	}

	p.metrics.AddInflight(1)
	defer p.metrics.AddInflight(-1)
	_ = p.notify.Notify(ctx, notify.Event{
		Kind: notify.KindBatchStarted, SellerID: req.SellerID, BatchID: res.BatchID, Items: len(items), At: start,
	})

	products, err := p.fetchAll(ctx, req.Marketplace, items)
	if err != nil {
		res.Class = ClassHard
		if adapters.IsTransient(err) {
			res.Class = ClassTransient
		}
		res.Failed = len(items)
		res.Errors = []string{"fetch: " + err.Error()}
		res.Fallback = req.Origin == OriginInline && res.Class == ClassTransient
		log.Warn().Err(err).Str("class", string(res.Class)).Int("items", len(items)).Msg("fetch phase failed")
		return p.finish(ctx, log, req, res, start), nil
	}

	products, res.Failed, res.Errors = matchRequested(products, items, req.Marketplace)
	if len(res.Errors) > res.Failed {
		log.Warn().Int("unrequested", len(res.Errors)-res.Failed).Msg("marketplace returned items that were not asked for")
	}

	out := p.persist(ctx, req.SellerID, products)
	res.Processed = out.processed
	res.Failed += out.failed
	res.Errors = append(res.Errors, out.errors...)
	if out.err != nil {
		res.Class = ClassHard
		log.Error().Err(out.err).Int("items", len(products)).Msg("persist phase failed")
	}
	if res.Processed == 0 && res.Class == "" {
		res.Class = ClassHard
	}
	return p.finish(ctx, log, req, res, start), nil
}

func validate(req Request) ([]string, error) {
	if strings.TrimSpace(req.SellerID) == "" {
		return nil, &ValidationError{Reason: "seller id is required"}
	}
	if len(req.Items) == 0 {
		return nil, &ValidationError{Reason: "no items"}
	}
	origin := req.Origin
	if origin == "" {
		origin = OriginQueue
	}
	if len(req.Items) > origin.Limit() {
		return nil, &ValidationError{Reason: fmt.Sprintf("%d items exceeds the %s limit of %d", len(req.Items), origin, origin.Limit())}
	}
	valid, invalid := delta.NormalizeAll(req.Items)
	if len(invalid) > 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed item ids: %s", strings.Join(invalid, ", "))}
	}
	return valid, nil
}

// createTracked writes the optional batch row and claims it for this run.
// The row is visible to workers between the two writes, so ownership is
// taken conditionally; if the claim fails or is lost the row is left to its
// owner and this run continues untracked.
func (p *Processor) createTracked(ctx context.Context, log zerolog.Logger, req Request, items []string) string {
	prio := req.Priority
	if prio == "" {
		prio = store.PriorityHigh
	}
	now := p.now()
	created, err := p.store.CreateBatches(ctx, []store.NewBatch{{SellerID: req.SellerID, Items: items, Priority: prio}}, now)
	if err != nil || len(created) == 0 {
		log.Warn().Err(err).Msg("could not record batch; processing untracked")
		return ""
	}
	id := created[0].ID
	worker := req.Worker
	if worker == "" {
		worker = "processor-" + string(req.Origin)
	}
	_, ok, err := p.store.ClaimBatch(ctx, id, store.ExpectFrom(created[0]), worker, now)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("batch_id", id).Msg("could not claim recorded batch; processing untracked")
		return ""
	case !ok:
		log.Info().Str("batch_id", id).Msg("recorded batch was claimed by a worker first; processing untracked")
		return ""
	}
	return id
}

// matchRequested keeps one product per requested item. Products for items
// that were not requested are dropped and reported without counting as
// failures; requested items that are missing or come back for another
// marketplace count as failed.
func matchRequested(products []adapters.Product, items []string, marketplace string) ([]adapters.Product, int, []string) {
	requested := delta.NewSet(items...)
	kept := make([]adapters.Product, 0, len(items))
	seen := make(map[string]bool, len(items))
	var (
		failed int
		errs   []string
	)
	for _, pr := range products {
		pr.ItemID = delta.Normalize(pr.ItemID)
		switch {
		case !requested.Has(pr.ItemID):
			errs = append(errs, pr.ItemID+": not requested")
			continue
		case seen[pr.ItemID]:
			continue
		}
		seen[pr.ItemID] = true
		if pr.Marketplace == "" || strings.EqualFold(pr.Marketplace, marketplace) {
			pr.Marketplace = marketplace
		} else {
			failed++
			errs = append(errs, fmt.Sprintf("%s: returned for marketplace %s", pr.ItemID, pr.Marketplace))
			continue
		}
		kept = append(kept, pr)
	}
	for _, id := range items {
		if !seen[id] {
			failed++
			errs = append(errs, id+": not returned by marketplace")
		}
	}
	return kept, failed, errs
}

// fetchAll fetches items in chunks of FetchChunkSize concurrently. Any chunk
// failure fails the whole fetch.
func (p *Processor) fetchAll(ctx context.Context, marketplace string, items []string) ([]adapters.Product, error) {
	chunks := batch.Split(items, FetchChunkSize)
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	out := make([]adapters.Product, 0, len(items))
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			products, meta, err := p.fetcher.FetchProducts(gctx, marketplace, chunk)
			if err != nil {
				return fmt.Errorf("chunk %d/%d (status %d): %w", i+1, len(chunks), meta.StatusCode, err)
			}
			mu.Lock()
			out = append(out, products...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Processor) finish(ctx context.Context, log zerolog.Logger, req Request, res Result, start time.Time) Result {
	res.Status = store.StatusCompleted
	if res.Processed == 0 {
		res.Status = store.StatusFailed
	}
	now := p.now()
	res.Elapsed = now.Sub(start)

	if res.BatchID != "" {
		var summary *string
		if s := res.Summary(); s != "" {
			summary = &s
		}
		if err := p.store.FinishBatch(ctx, res.BatchID, res.Status, summary, now); err != nil {
			log.Error().Err(err).Str("status", string(res.Status)).Msg("could not record batch outcome")
		}
	}
	if res.Processed > 0 {
		if err := p.store.TouchChecked(ctx, req.SellerID, now); err != nil {
			log.Warn().Err(err).Msg("could not touch seller last_checked")
		}
	}

	p.metrics.BatchFinished(string(res.Status), res.Processed, res.Failed)
	kind := notify.KindBatchCompleted
	if !res.Success() {
		kind = notify.KindBatchFailed
	}
	_ = p.notify.Notify(ctx, notify.Event{
		Kind: kind, SellerID: req.SellerID, BatchID: res.BatchID, Items: res.Processed + res.Failed,
		Processed: res.Processed, Failed: res.Failed, Message: res.Summary(), At: now,
	})
	ev := log.Info()
	if !res.Success() {
		ev = log.Warn().Str("class", string(res.Class)).Bool("fallback", res.Fallback)
	}
	ev.Str("status", string(res.Status)).Int("processed", res.Processed).Int("failed", res.Failed).
		Dur("elapsed", res.Elapsed).Msg("batch finished")
	return res
}
