// Package ingest is the entry point for one seller's catalog refresh: it
// works out which items are new, decides how to process them, and either
// runs them inline or queues batches for the drain workers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"catalog-ingest/internal/adapters"
	"catalog-ingest/internal/batch"
	"catalog-ingest/internal/budget"
	"catalog-ingest/internal/delta"
	"catalog-ingest/internal/dispatch"
	"catalog-ingest/internal/metrics"
	"catalog-ingest/internal/notify"
	"catalog-ingest/internal/processor"
	"catalog-ingest/internal/routing"
	"catalog-ingest/internal/store"
)

// HighPriorityMaxItems is the largest queued workload that still gets HIGH
// priority; bigger refreshes yield to small ones.
const HighPriorityMaxItems = 300

type Store interface {
	store.BatchCreator
	store.ItemIndex
	store.QueueInspector
	GetSeller(ctx context.Context, id string) (store.Seller, error)
}

// Catalog lists seller items and reports the token budget.
type Catalog interface {
	SellerCatalog(ctx context.Context, marketplace, sellerExternalID string) ([]string, adapters.FetchMeta, error)
	budget.Reader
}

type Processor interface {
	Process(ctx context.Context, req processor.Request) (processor.Result, error)
}

type Starter interface {
	TryStart(ctx context.Context, task string, p dispatch.Payload) (dispatch.Handle, error)
}

type Request struct {
	SellerID string
	// Items, when set, replaces the marketplace catalog listing.
	Items []string
}

type Outcome struct {
	SellerID      string
	Candidates    int
	Invalid       []string
	Work          []string
	FullReprocess bool
	Budget        *budget.Snapshot
	Decision      routing.Decision

	// Inline is set when the work ran inline.
	Inline *processor.Result
	// FellBack is set when an inline run failed transiently and was queued.
	FellBack bool
	Batches  []store.Batch
	// Dispatched is false when the worker ceiling was reached; the batches
	// stay queued for running workers.
	Dispatched bool
	RefillIn   int
}

type Orchestrator struct {
	store     Store
	catalog   Catalog
	proc      Processor
	starter   Starter
	policy    routing.Policy
	requester string
	log       zerolog.Logger
	metrics   *metrics.Metrics
	notify    notify.Notifier
	now       func() time.Time
}

type Option func(*Orchestrator)

func WithPolicy(p routing.Policy) Option { return func(o *Orchestrator) { o.policy = p } }

func WithRequester(r string) Option { return func(o *Orchestrator) { o.requester = r } }

func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithNotifier(n notify.Notifier) Option { return func(o *Orchestrator) { o.notify = n } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(s Store, c Catalog, p Processor, st Starter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     s,
		catalog:   c,
		proc:      p,
		starter:   st,
		policy:    routing.DefaultPolicy(),
		requester: "catalog-ingest",
		log:       zerolog.Nop(),
		notify:    notify.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Ingest(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{SellerID: req.SellerID}
	seller, err := o.store.GetSeller(ctx, req.SellerID)
	if err != nil {
		return out, err
	}
	log := o.log.With().Str("seller_id", seller.ID).Str("marketplace", seller.Marketplace).Logger()

	candidates := req.Items
	if len(candidates) == 0 {
		candidates, _, err = o.catalog.SellerCatalog(ctx, seller.Marketplace, seller.ExternalID)
		if err != nil {
			return out, fmt.Errorf("list catalog: %w", err)
		}
	}
	valid, invalid := delta.NormalizeAll(candidates)
	out.Candidates = len(candidates)
	out.Invalid = invalid
	if len(invalid) > 0 {
		log.Warn().Int("invalid", len(invalid)).Strs("sample", invalid[:min(5, len(invalid))]).Msg("dropping malformed item ids")
	}

	persisted, err := o.store.PersistedItems(ctx, seller.ID, seller.Marketplace)
	if err != nil {
		return out, fmt.Errorf("persisted items: %w", err)
	}
	pendingItems, err := o.store.PendingItems(ctx, seller.ID)
	if err != nil {
		return out, fmt.Errorf("pending items: %w", err)
	}
	pending := delta.NewSet(pendingItems...)
	out.Work = delta.NewItems(valid, delta.NewSet(persisted...), pending)
	if delta.NeedsFullReprocess(len(out.Work), len(valid), len(persisted) > 0) {
		// An untrusted baseline: take everything not already queued.
		out.FullReprocess = true
		out.Work = delta.NewItems(valid, delta.Set{}, pending)
	}

	var signals routing.Signals
	if snap, err := o.catalog.Snapshot(ctx, o.requester); err != nil {
		log.Warn().Err(err).Msg("token budget unavailable; routing on plain threshold")
	} else {
		out.Budget = &snap
		signals = routing.WithUsage(snap.Fill(), snap.RecentConsumption)
	}

	d := o.policy.Decide(len(out.Work), signals)
	if d.Route != routing.Skip {
		active, err := o.store.HasActiveQueue(ctx, seller.ID)
		if err != nil {
			return out, fmt.Errorf("active queue: %w", err)
		}
		if active && d.Route == routing.Edge {
			d = d.Force(routing.Queue, routing.RuleActiveQueue, "seller already has queued work")
		}
		if d.Route == routing.Edge && len(out.Work) > batch.InlineMaxSize {
			d = d.Force(routing.Queue, routing.RuleInlineLimit,
				fmt.Sprintf("%d items exceeds the inline limit of %d", len(out.Work), batch.InlineMaxSize))
		}
	}
	out.Decision = d
	o.metrics.Routed(string(d.Route), string(lastRule(d)))
	log.Info().Int("candidates", out.Candidates).Int("persisted", len(persisted)).Int("pending", len(pendingItems)).
		Int("work", len(out.Work)).Bool("full_reprocess", out.FullReprocess).
		Str("route", string(d.Route)).Int("threshold", d.Threshold).Msg(d.Reason)

	switch d.Route {
	case routing.Skip:
		_ = o.notify.Notify(ctx, notify.Event{
			Kind: notify.KindSkipped, SellerID: seller.ID, Items: len(out.Work), Message: d.Reason, At: o.now(),
		})
		return out, nil
	case routing.Edge:
		res, err := o.proc.Process(ctx, processor.Request{
			SellerID:         seller.ID,
			Items:            out.Work,
			Marketplace:      seller.Marketplace,
			ExternalSellerID: seller.ExternalID,
			Origin:           processor.OriginInline,
			CreateBatch:      true,
			Priority:         store.PriorityHigh,
		})
		if err != nil {
			return out, err
		}
		out.Inline = &res
		if !res.Fallback {
			return out, nil
		}
		out.FellBack = true
		log.Warn().Str("batch_id", res.BatchID).Msg("inline run failed transiently; queueing instead")
	}

	if err := o.enqueue(ctx, log, seller, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, log zerolog.Logger, seller store.Seller, out *Outcome) error {
	prio := store.PriorityLow
	if len(out.Work) <= HighPriorityMaxItems {
		prio = store.PriorityHigh
	}
	chunks := batch.Split(out.Work, batch.DefaultMaxSize)
	nbs := make([]store.NewBatch, len(chunks))
	for i, c := range chunks {
		nbs[i] = store.NewBatch{SellerID: seller.ID, Items: c, Priority: prio}
	}
	created, err := o.store.CreateBatches(ctx, nbs, o.now())
	if err != nil {
		return fmt.Errorf("create batches: %w", err)
	}
	out.Batches = created

	if b := out.Budget; b != nil {
		if need := budget.TokensNeeded(len(out.Work)); !budget.HasEnough(need, b.Available) {
			out.RefillIn = budget.MinutesToRefill(need-b.Available, b.Regen())
		}
	}

	reason := out.Decision.Reason
	if out.FellBack {
		reason = "inline fallback"
	}
	_, err = o.starter.TryStart(ctx, dispatch.DrainTask, dispatch.Payload{SellerID: seller.ID, Reason: reason})
	switch {
	case err == nil:
		out.Dispatched = true
	case errors.Is(err, dispatch.ErrAtCapacity):
		log.Info().Msg("drain workers at capacity; batches stay queued")
	default:
		log.Error().Err(err).Msg("could not start a drain worker; batches stay queued")
	}

	log.Info().Int("batches", len(created)).Int("items", len(out.Work)).Str("priority", string(prio)).
		Bool("dispatched", out.Dispatched).Int("refill_minutes", out.RefillIn).Msg("work queued")
	_ = o.notify.Notify(ctx, notify.Event{
		Kind: notify.KindQueued, SellerID: seller.ID, Items: len(out.Work),
		Message: fmt.Sprintf("%d batches", len(created)), At: o.now(),
	})
	return nil
}

func lastRule(d routing.Decision) routing.Rule {
	if len(d.Rules) == 0 {
		return ""
	}
	return d.Rules[len(d.Rules)-1]
}
