package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"catalog-ingest/internal/budget"
)

// MockAdapter produces synthetic products for demos and unit tests.
// Output depends only on the seed and the requested ids; no network calls.
type MockAdapter struct {
	seed        int64
	catalogSize int
	latency     time.Duration

	mu       sync.Mutex
	catalogs map[string][]string
	failures map[string]error
	snapshot budget.Snapshot

	calls atomic.Int64
}

type MockAdapterOptions struct {
	Seed int64
	// CatalogSize is the number of items synthesized per unknown seller.
	CatalogSize int
	// Latency is added to every product fetch to exercise metrics without a network.
	Latency time.Duration
}

func NewMockAdapter(opts MockAdapterOptions) *MockAdapter {
	size := opts.CatalogSize
	if size <= 0 {
		size = 40
	}
	return &MockAdapter{
		seed:        opts.Seed,
		catalogSize: size,
		latency:     opts.Latency,
		catalogs:    map[string][]string{},
		failures:    map[string]error{},
		snapshot:    budget.Snapshot{Available: 1200, Max: 1200, RegenPerMinute: budget.DefaultRegenPerMinute},
	}
}

// SetCatalog fixes the item list SellerCatalog returns for a seller.
func (m *MockAdapter) SetCatalog(sellerExternalID string, items []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalogs[sellerExternalID] = append([]string(nil), items...)
}

// FailItem makes any fetch that includes itemID fail with err.
func (m *MockAdapter) FailItem(itemID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, strings.ToUpper(itemID))
		return
	}
	m.failures[strings.ToUpper(itemID)] = err
}

func (m *MockAdapter) SetSnapshot(s budget.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = s
}

// Calls returns how many FetchProducts calls were made.
func (m *MockAdapter) Calls() int64 { return m.calls.Load() }

func (m *MockAdapter) FetchProducts(ctx context.Context, marketplace string, ids []string) ([]Product, FetchMeta, error) {
	start := time.Now()
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, FetchMeta{Latency: time.Since(start)}, &FetchError{Kind: KindTimeout, Err: err}
	}
	if len(ids) > MaxIDsPerRequest {
		return nil, FetchMeta{Latency: time.Since(start)}, &FetchError{
			Kind: KindRequest,
			Err:  fmt.Errorf("%d ids in one request, max %d", len(ids), MaxIDsPerRequest),
		}
	}

	m.mu.Lock()
	for _, id := range ids {
		if err, ok := m.failures[strings.ToUpper(id)]; ok {
			m.mu.Unlock()
			code := 0
			var fe *FetchError
			if errors.As(err, &fe) {
				code = fe.StatusCode
			}
			return nil, FetchMeta{StatusCode: code, Latency: time.Since(start)}, err
		}
	}
	m.mu.Unlock()

	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return nil, FetchMeta{Latency: time.Since(start)}, &FetchError{Kind: KindTimeout, Err: ctx.Err()}
		}
	}

	out := make([]Product, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.synth(strings.ToUpper(strings.TrimSpace(id)), marketplace))
	}
	return out, FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
}

func (m *MockAdapter) synth(id, marketplace string) Product {
	h := fnv64(id+"|"+marketplace) ^ uint64(m.seed)
	cents := 499 + int64(h%20000)
	rank := int(h%100000) + 1
	return Product{
		ItemID:      id,
		Marketplace: marketplace,
		Title:       "Synthetic product " + id,
		Brand:       fmt.Sprintf("Brand %d", h%17),
		Images:      []string{"https://images.example.invalid/" + id + ".jpg"},
		Category:    fmt.Sprintf("category-%d", h%9),
		Price:       decimal.NewNullDecimal(decimal.New(cents, -2)),
		Currency:    "USD",
		Rank:        &rank,
		InStock:     h%5 != 0,
	}
}

func (m *MockAdapter) SellerCatalog(ctx context.Context, marketplace, sellerExternalID string) ([]string, FetchMeta, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, FetchMeta{Latency: time.Since(start)}, &FetchError{Kind: KindTimeout, Err: err}
	}
	id := strings.TrimSpace(sellerExternalID)
	if id == "" {
		return nil, FetchMeta{Latency: time.Since(start)}, &FetchError{Kind: KindRequest, Err: errors.New("seller id is required")}
	}

	m.mu.Lock()
	items, ok := m.catalogs[id]
	m.mu.Unlock()
	if ok {
		return append([]string(nil), items...), FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
	}

	out := make([]string, 0, m.catalogSize)
	for i := 0; i < m.catalogSize; i++ {
		h := fnv64(fmt.Sprintf("%s|%s|%d", marketplace, id, i)) ^ uint64(m.seed)
		out = append(out, fmt.Sprintf("B%09d", h%1_000_000_000))
	}
	return out, FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
}

func (m *MockAdapter) Snapshot(ctx context.Context, _ string) (budget.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return budget.Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, nil
}

func (m *MockAdapter) ParsePayload(raw []byte) ([]Product, error) {
	// Mock adapter treats payload as a Product array.
	var arr []Product
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, malformed("mock payload parse: %v", err)
	}
	return normalizeProducts(arr)
}

// fnv64 returns a simple 64-bit hash for deterministic mock data.
func fnv64(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
