package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc, retries int) *HTTPJSONAdapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a, err := NewHTTPJSONAdapter(HTTPJSONAdapterOptions{
		BaseURL:          srv.URL,
		APIKey:           "secret",
		Timeout:          2 * time.Second,
		RetryMax:         retries,
		FallbackThrottle: time.Millisecond,
	})
	require.NoError(t, err)
	return a
}

func TestFetchProducts(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/products", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "DE", r.URL.Query().Get("marketplace"))
		assert.Equal(t, "B000000001,B000000002", r.URL.Query().Get("ids"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"products":[
			{"item_id":"B000000001","title":"One","price":"19.99","currency":"eur","rank":12,"in_stock":true},
			{"item_id":"b000000002","marketplace":"de","title":"Two","price":null}
		]}`))
	}, 0)

	got, meta, err := a.FetchProducts(context.Background(), "DE", []string{"B000000001", "B000000002"})
	require.NoError(t, err)
	assert.Equal(t, 200, meta.StatusCode)
	require.Len(t, got, 2)

	assert.Equal(t, "DE", got[0].Marketplace)
	assert.True(t, got[0].Price.Valid)
	assert.Equal(t, "19.99", got[0].Price.Decimal.String())
	assert.Equal(t, "EUR", got[0].Currency)
	require.NotNil(t, got[0].Rank)
	assert.Equal(t, 12, *got[0].Rank)

	assert.Equal(t, "B000000002", got[1].ItemID)
	assert.Equal(t, "DE", got[1].Marketplace)
	assert.False(t, got[1].Price.Valid)
}

func TestFetchProductsBareArray(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"item_id":"B000000001","title":"One","price":4.5}]`))
	}, 0)

	got, _, err := a.FetchProducts(context.Background(), "US", []string{"B000000001"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "4.5", got[0].Price.Decimal.String())
}

func TestFetchProductsTooMany(t *testing.T) {
	var hits atomic.Int32
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }, 0)

	_, _, err := a.FetchProducts(context.Background(), "US", make([]string, 11))
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KindRequest, fe.Kind)
	assert.Zero(t, hits.Load())
}

func TestFetchProductsRetriesThrottle(t *testing.T) {
	var hits atomic.Int32
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[{"item_id":"B000000001"}]`))
	}, 1)

	got, _, err := a.FetchProducts(context.Background(), "US", []string{"B000000001"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchProductsErrorClasses(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		kind      ErrorKind
		transient bool
	}{
		{"server", http.StatusBadGateway, "", KindServer, true},
		{"throttled", http.StatusTooManyRequests, "", KindRateLimited, true},
		{"not found", http.StatusNotFound, "", KindNotFound, false},
		{"malformed", http.StatusOK, `{"products":`, KindMalformed, false},
		{"missing id", http.StatusOK, `[{"title":"x"}]`, KindMalformed, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}, 0)

			_, _, err := a.FetchProducts(context.Background(), "US", []string{"B000000001"})
			var fe *FetchError
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Equal(t, tc.kind, fe.Kind)
			assert.Equal(t, tc.transient, IsTransient(err))
		})
	}
}

func TestSellerCatalog(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/api/sellers/A1B2C3/catalog"))
		_, _ = w.Write([]byte(`{"items":["B000000001","B000000002"]}`))
	}, 0)

	got, _, err := a.SellerCatalog(context.Background(), "US", "A1B2C3")
	require.NoError(t, err)
	assert.Equal(t, []string{"B000000001", "B000000002"}, got)

	_, _, err = a.SellerCatalog(context.Background(), "US", " ")
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "seller-1", r.URL.Query().Get("requester"))
		_, _ = w.Write([]byte(`{"tokens_left":240,"tokens_max":1200,"refill_per_minute":20,"recent_consumption":2100}`))
	}, 0)

	s, err := a.Snapshot(context.Background(), "seller-1")
	require.NoError(t, err)
	assert.Equal(t, 240, s.Available)
	assert.Equal(t, 1200, s.Max)
	assert.Equal(t, 20, s.RegenPerMinute)
	assert.Equal(t, 2100, s.RecentConsumption)
	assert.InDelta(t, 20.0, s.Fill(), 0.001)
}

func TestParseTokenStatusMissingField(t *testing.T) {
	_, err := parseTokenStatus([]byte(`{"tokens_left":5}`))
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KindMalformed, fe.Kind)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter([]byte("3")))
	assert.Zero(t, parseRetryAfter(nil))
	assert.Zero(t, parseRetryAfter([]byte("soon")))
}
