// Package store defines the batch record model and the narrow storage
// capabilities the ingest core depends on. Every mutation of a batch's
// status or owner goes through ClaimBatch (conditional) or through the
// owner-only FinishBatch.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"catalog-ingest/internal/budget"
)

// ErrNotFound is returned when a batch or seller does not exist.
var ErrNotFound = errors.New("not found")

// ───────── Batch model ─────────

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Active reports whether the batch still holds its items out of the delta.
func (s Status) Active() bool { return s == StatusPending || s == StatusProcessing }

type Priority string

const (
	PriorityHigh Priority = "HIGH"
	PriorityLow  Priority = "LOW"
)

// Rank orders priorities; higher is claimed first.
func (p Priority) Rank() int {
	if p == PriorityHigh {
		return 1
	}
	return 0
}

// Batch is one durable unit of queued work. Items never change after creation.
type Batch struct {
	ID            string
	SellerID      string
	Items         []string
	Status        Status
	Priority      Priority
	ClaimedBy     *string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	EstimatedCost int
	ErrorSummary  *string
}

func (b Batch) String() string {
	return fmt.Sprintf("batch %s seller=%s status=%s items=%d", b.ID, b.SellerID, b.Status, len(b.Items))
}

// Clone returns a deep copy so callers never share pointer fields with the store.
func (b Batch) Clone() Batch {
	b.Items = append([]string(nil), b.Items...)
	b.ClaimedBy = clonePtr(b.ClaimedBy)
	b.StartedAt = clonePtr(b.StartedAt)
	b.CompletedAt = clonePtr(b.CompletedAt)
	b.ErrorSummary = clonePtr(b.ErrorSummary)
	return b
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// NewBatch is the input to CreateBatches.
type NewBatch struct {
	SellerID string
	Items    []string
	Priority Priority
}

// BatchFilter selects batches. Zero-valued fields do not filter.
//
// Results are ordered by priority descending then creation time ascending,
// except when StartedBefore is set, where the oldest start comes first.
type BatchFilter struct {
	Status        Status
	SellerID      string
	ExcludeSeller string
	Unclaimed     bool
	StartedBefore *time.Time
	Limit         int
}

// Expect is the observed state a conditional update is keyed on. The write
// succeeds only when all three still match.
type Expect struct {
	Status    Status
	ClaimedBy *string
	StartedAt *time.Time
}

// ExpectFrom captures the precondition for b as it was read.
func ExpectFrom(b Batch) Expect {
	return Expect{Status: b.Status, ClaimedBy: clonePtr(b.ClaimedBy), StartedAt: clonePtr(b.StartedAt)}
}

// QueueStats counts batches per status.
type QueueStats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Items      int
}

func (q QueueStats) Active() int { return q.Pending + q.Processing }

// ───────── Catalog model ─────────

// Template is the marketplace-wide metadata of one item.
type Template struct {
	ItemID      string
	Marketplace string
	Title       string
	Brand       string
	Images      []string
	Category    string
}

// TemplateKey identifies a template row.
type TemplateKey struct {
	ItemID      string
	Marketplace string
}

func (k TemplateKey) String() string { return k.ItemID + "|" + k.Marketplace }

func (t Template) Key() TemplateKey { return TemplateKey{ItemID: t.ItemID, Marketplace: t.Marketplace} }

// TemplateRef is the identifier assigned to a template by UpsertTemplates.
type TemplateRef struct {
	TemplateKey
	ID int64
}

// Link carries the seller-specific metrics for one item.
type Link struct {
	SellerID    string
	ItemID      string
	Marketplace string
	TemplateID  int64
	Price       decimal.NullDecimal
	Currency    string
	Rank        *int
	InStock     bool
	FetchedAt   time.Time
}

type Seller struct {
	ID            string
	ExternalID    string
	Marketplace   string
	LastCheckedAt *time.Time
}

// ───────── Capabilities ─────────

type BatchCreator interface {
	CreateBatches(ctx context.Context, batches []NewBatch, now time.Time) ([]Batch, error)
}

type BatchSelector interface {
	SelectBatches(ctx context.Context, f BatchFilter) ([]Batch, error)
}

// ConditionalUpdater moves a batch to PROCESSING under worker only if it is
// still in the expected state. ok is false when another writer got there first.
type ConditionalUpdater interface {
	ClaimBatch(ctx context.Context, id string, expect Expect, worker string, now time.Time) (b Batch, ok bool, err error)
}

// BatchFinisher holds the transitions a worker may apply to a batch it owns.
type BatchFinisher interface {
	FinishBatch(ctx context.Context, id string, status Status, errorSummary *string, now time.Time) error
}

type TemplateUpserter interface {
	UpsertTemplates(ctx context.Context, templates []Template) ([]TemplateRef, error)
}

type LinkUpserter interface {
	UpsertLinks(ctx context.Context, links []Link) (int, error)
}

type SellerStore interface {
	GetSeller(ctx context.Context, id string) (Seller, error)
	UpsertSeller(ctx context.Context, s Seller) error
	TouchChecked(ctx context.Context, id string, at time.Time) error
}

// ItemIndex answers the two delta inputs for a seller.
type ItemIndex interface {
	PersistedItems(ctx context.Context, sellerID, marketplace string) ([]string, error)
	PendingItems(ctx context.Context, sellerID string) ([]string, error)
}

type QueueInspector interface {
	HasActiveQueue(ctx context.Context, sellerID string) (bool, error)
	// Stats counts batches for sellerID, or for every seller when it is empty.
	Stats(ctx context.Context, sellerID string) (QueueStats, error)
}

// ClaimStore is what the claim engine needs.
type ClaimStore interface {
	BatchSelector
	ConditionalUpdater
}

// Store is the full set of capabilities; both the memory and postgres
// implementations satisfy it.
type Store interface {
	BatchCreator
	ClaimStore
	BatchFinisher
	TemplateUpserter
	LinkUpserter
	SellerStore
	ItemIndex
	QueueInspector
}

// EstimatedCost is the informational token cost of a batch of n items.
func EstimatedCost(n int) int { return budget.TokensNeeded(n) }

func samePtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Matches reports whether b still satisfies the precondition.
func (e Expect) Matches(b Batch) bool {
	return b.Status == e.Status && samePtr(b.ClaimedBy, e.ClaimedBy) && sameTime(b.StartedAt, e.StartedAt)
}
