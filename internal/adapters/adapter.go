// Package adapters contains pluggable marketplace connectors.
//
// The HTTP adapter talks to a JSON marketplace-intelligence API; the mock
// adapter is deterministic and fully offline, for demos and tests.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"catalog-ingest/internal/budget"
)

// MaxIDsPerRequest bounds one product lookup.
const MaxIDsPerRequest = 10

// Product is a normalized product record returned by FetchProducts / ParsePayload.
type Product struct {
	ItemID      string              `json:"item_id"`
	Marketplace string              `json:"marketplace,omitempty"`
	Title       string              `json:"title"`
	Brand       string              `json:"brand,omitempty"`
	Images      []string            `json:"images,omitempty"`
	Category    string              `json:"category,omitempty"`
	Price       decimal.NullDecimal `json:"price"`
	Currency    string              `json:"currency,omitempty"`
	Rank        *int                `json:"rank,omitempty"`
	InStock     bool                `json:"in_stock"`
}

// FetchMeta provides request-level telemetry without leaking connector details.
type FetchMeta struct {
	StatusCode int
	Latency    time.Duration
}

// MarketplaceAdapter abstracts all marketplace-specific logic.
type MarketplaceAdapter interface {
	// FetchProducts returns detail records for up to MaxIDsPerRequest items.
	FetchProducts(ctx context.Context, marketplace string, ids []string) ([]Product, FetchMeta, error)

	// SellerCatalog lists the item ids a seller currently offers.
	SellerCatalog(ctx context.Context, marketplace, sellerExternalID string) ([]string, FetchMeta, error)

	// ParsePayload parses a raw product payload into normalized records.
	ParsePayload(raw []byte) ([]Product, error)

	budget.Reader
}

// ───────── Errors ─────────

type ErrorKind string

const (
	KindNotFound    ErrorKind = "not_found"
	KindRateLimited ErrorKind = "rate_limited"
	KindServer      ErrorKind = "server_error"
	KindTimeout     ErrorKind = "timeout"
	KindNetwork     ErrorKind = "network"
	KindMalformed   ErrorKind = "malformed"
	KindRequest     ErrorKind = "bad_request"
)

// FetchError is the typed error every adapter call returns.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString("marketplace ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether retrying later can succeed.
func (e *FetchError) Transient() bool {
	switch e.Kind {
	case KindRateLimited, KindServer, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// KindForStatus classifies a non-2xx status. 403 counts as throttling: the
// API answers with it when a key is temporarily blocked.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == 404 || code == 410:
		return KindNotFound
	case code == 429 || code == 403:
		return KindRateLimited
	case code == 408:
		return KindTimeout
	case code >= 500 && code <= 599:
		return KindServer
	default:
		return KindRequest
	}
}

// IsTransient classifies any error coming out of a fetch.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

func malformed(format string, args ...any) *FetchError {
	return &FetchError{Kind: KindMalformed, Err: fmt.Errorf(format, args...)}
}

// ───────── Normalization ─────────

func normalizeProducts(in []Product) ([]Product, error) {
	out := make([]Product, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, p := range in {
		p.ItemID = strings.ToUpper(strings.TrimSpace(p.ItemID))
		if p.ItemID == "" {
			return nil, malformed("product without item_id")
		}
		if _, ok := seen[p.ItemID]; ok {
			continue
		}
		seen[p.ItemID] = struct{}{}
		p.Marketplace = strings.TrimSpace(p.Marketplace)
		p.Title = strings.TrimSpace(p.Title)
		p.Brand = strings.TrimSpace(p.Brand)
		p.Category = strings.TrimSpace(p.Category)
		p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
		out = append(out, p)
	}
	return out, nil
}

// withMarketplace fills in or re-spells each product's marketplace as the one
// requested, so links key on the same value the seller is stored under. A
// genuinely different marketplace is left as is for the caller to reject.
func withMarketplace(in []Product, marketplace string) []Product {
	for i := range in {
		if in[i].Marketplace == "" || strings.EqualFold(in[i].Marketplace, marketplace) {
			in[i].Marketplace = marketplace
		}
	}
	return in
}

// ───────── Selection ─────────

var ErrUnknownAdapterKind = errors.New("unknown adapter kind")

const (
	KindMock     = "mock"
	KindHTTPJSON = "http-json"
)

// Options configures NewAdapter.
type Options struct {
	Kind string
	HTTP HTTPJSONAdapterOptions
	Mock MockAdapterOptions
}

func NewAdapter(opts Options) (MarketplaceAdapter, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", KindMock:
		return NewMockAdapter(opts.Mock), nil
	case KindHTTPJSON, "httpjson", "http":
		a, err := NewHTTPJSONAdapter(opts.HTTP)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapterKind, opts.Kind)
	}
}
