package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Store. It backs the mock mode and the tests;
// a single mutex makes every method atomic, so ClaimBatch is a true
// compare-and-set.
type Memory struct {
	mu        sync.Mutex
	batches   map[string]*Batch
	seq       map[string]int64 // insertion order, tie-break for equal timestamps
	next      int64
	templates map[TemplateKey]*templateRow
	tmplSeq   int64
	links     map[linkKey]Link
	sellers   map[string]Seller
}

type templateRow struct {
	Template
	id int64
}

type linkKey struct {
	seller, item, marketplace string
}

func NewMemory() *Memory {
	return &Memory{
		batches:   map[string]*Batch{},
		seq:       map[string]int64{},
		templates: map[TemplateKey]*templateRow{},
		links:     map[linkKey]Link{},
		sellers:   map[string]Seller{},
	}
}

var _ Store = (*Memory)(nil)

// ───────── Batches ─────────

func (m *Memory) CreateBatches(_ context.Context, in []NewBatch, now time.Time) ([]Batch, error) {
	for _, nb := range in {
		if strings.TrimSpace(nb.SellerID) == "" {
			return nil, fmt.Errorf("create batch: seller id is required")
		}
		if len(nb.Items) == 0 {
			return nil, fmt.Errorf("create batch: no items for seller %s", nb.SellerID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Batch, 0, len(in))
	for _, nb := range in {
		prio := nb.Priority
		if prio == "" {
			prio = PriorityLow
		}
		b := &Batch{
			ID:            uuid.NewString(),
			SellerID:      nb.SellerID,
			Items:         append([]string(nil), nb.Items...),
			Status:        StatusPending,
			Priority:      prio,
			CreatedAt:     now,
			EstimatedCost: EstimatedCost(len(nb.Items)),
		}
		m.batches[b.ID] = b
		m.next++
		m.seq[b.ID] = m.next
		out = append(out, b.Clone())
	}
	return out, nil
}

func (m *Memory) SelectBatches(_ context.Context, f BatchFilter) ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Batch
	for _, b := range m.batches {
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.SellerID != "" && b.SellerID != f.SellerID {
			continue
		}
		if f.ExcludeSeller != "" && b.SellerID == f.ExcludeSeller {
			continue
		}
		if f.Unclaimed && b.ClaimedBy != nil {
			continue
		}
		if f.StartedBefore != nil && (b.StartedAt == nil || !b.StartedAt.Before(*f.StartedBefore)) {
			continue
		}
		out = append(out, b)
	}

	if f.StartedBefore != nil {
		sort.Slice(out, func(i, j int) bool {
			if !out[i].StartedAt.Equal(*out[j].StartedAt) {
				return out[i].StartedAt.Before(*out[j].StartedAt)
			}
			return m.seq[out[i].ID] < m.seq[out[j].ID]
		})
	} else {
		sort.Slice(out, func(i, j int) bool {
			a, b := out[i], out[j]
			if a.Priority.Rank() != b.Priority.Rank() {
				return a.Priority.Rank() > b.Priority.Rank()
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return m.seq[a.ID] < m.seq[b.ID]
		})
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	res := make([]Batch, len(out))
	for i, b := range out {
		res[i] = b.Clone()
	}
	return res, nil
}

func (m *Memory) ClaimBatch(_ context.Context, id string, expect Expect, worker string, now time.Time) (Batch, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return Batch{}, false, nil
	}
	if !expect.Matches(*b) {
		return Batch{}, false, nil
	}
	w := worker
	t := now
	b.Status = StatusProcessing
	b.ClaimedBy = &w
	b.StartedAt = &t
	return b.Clone(), true, nil
}

func (m *Memory) FinishBatch(_ context.Context, id string, status Status, errorSummary *string, now time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish batch %s: %s is not a terminal status", id, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return fmt.Errorf("finish batch %s: %w", id, ErrNotFound)
	}
	t := now
	b.Status = status
	b.ClaimedBy = nil
	b.CompletedAt = &t
	b.ErrorSummary = clonePtr(errorSummary)
	return nil
}

// Get returns a copy of one batch.
func (m *Memory) Get(id string) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return b.Clone(), nil
}

// Put stores b as-is, replacing any batch with the same id. Tests use it to
// stage orphans and odd states that the normal transitions never produce.
func (m *Memory) Put(b Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	c := b.Clone()
	if _, ok := m.seq[c.ID]; !ok {
		m.next++
		m.seq[c.ID] = m.next
	}
	m.batches[c.ID] = &c
}

func (m *Memory) PendingItems(_ context.Context, sellerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, b := range m.batches {
		if b.SellerID == sellerID && b.Status.Active() {
			out = append(out, b.Items...)
		}
	}
	return out, nil
}

func (m *Memory) HasActiveQueue(_ context.Context, sellerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.batches {
		if b.SellerID == sellerID && b.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Stats(_ context.Context, sellerID string) (QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var q QueueStats
	for _, b := range m.batches {
		if sellerID != "" && b.SellerID != sellerID {
			continue
		}
		switch b.Status {
		case StatusPending:
			q.Pending++
		case StatusProcessing:
			q.Processing++
		case StatusCompleted:
			q.Completed++
		case StatusFailed:
			q.Failed++
		}
		if b.Status.Active() {
			q.Items += len(b.Items)
		}
	}
	return q, nil
}

// ───────── Templates and links ─────────

func (m *Memory) UpsertTemplates(_ context.Context, in []Template) ([]TemplateRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TemplateRef, 0, len(in))
	for _, t := range in {
		k := t.Key()
		row, ok := m.templates[k]
		if !ok {
			m.tmplSeq++
			row = &templateRow{id: m.tmplSeq}
			m.templates[k] = row
		}
		row.Template = t
		row.Images = append([]string(nil), t.Images...)
		out = append(out, TemplateRef{TemplateKey: k, ID: row.id})
	}
	return out, nil
}

func (m *Memory) UpsertLinks(_ context.Context, in []Link) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range in {
		if l.TemplateID == 0 {
			return 0, fmt.Errorf("link %s/%s: missing template id", l.SellerID, l.ItemID)
		}
	}
	for _, l := range in {
		m.links[linkKey{l.SellerID, l.ItemID, l.Marketplace}] = l
	}
	return len(in), nil
}

// Links returns the stored links of a seller.
func (m *Memory) Links(sellerID string) []Link {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Link
	for k, l := range m.links {
		if k.seller == sellerID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

func (m *Memory) PersistedItems(_ context.Context, sellerID, marketplace string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for k := range m.links {
		if k.seller == sellerID && (marketplace == "" || k.marketplace == marketplace) {
			out = append(out, k.item)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ───────── Sellers ─────────

func (m *Memory) GetSeller(_ context.Context, id string) (Seller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sellers[id]
	if !ok {
		return Seller{}, fmt.Errorf("seller %s: %w", id, ErrNotFound)
	}
	s.LastCheckedAt = clonePtr(s.LastCheckedAt)
	return s, nil
}

func (m *Memory) UpsertSeller(_ context.Context, s Seller) error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("upsert seller: id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.sellers[s.ID]; ok && s.LastCheckedAt == nil {
		s.LastCheckedAt = prev.LastCheckedAt
	}
	s.LastCheckedAt = clonePtr(s.LastCheckedAt)
	m.sellers[s.ID] = s
	return nil
}

func (m *Memory) TouchChecked(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sellers[id]
	if !ok {
		return fmt.Errorf("touch seller %s: %w", id, ErrNotFound)
	}
	t := at
	s.LastCheckedAt = &t
	m.sellers[id] = s
	return nil
}
