package adapters

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindForStatus(t *testing.T) {
	cases := map[int]ErrorKind{
		404: KindNotFound,
		410: KindNotFound,
		429: KindRateLimited,
		403: KindRateLimited,
		408: KindTimeout,
		500: KindServer,
		503: KindServer,
		400: KindRequest,
		422: KindRequest,
	}
	for code, want := range cases {
		assert.Equal(t, want, KindForStatus(code), "status %d", code)
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(&FetchError{Kind: KindRateLimited, StatusCode: 429}))
	assert.True(t, IsTransient(&FetchError{Kind: KindServer, StatusCode: 502}))
	assert.True(t, IsTransient(&FetchError{Kind: KindNetwork}))
	assert.True(t, IsTransient(fmt.Errorf("chunk 2: %w", &FetchError{Kind: KindTimeout})))
	assert.True(t, IsTransient(context.DeadlineExceeded))

	assert.False(t, IsTransient(&FetchError{Kind: KindMalformed}))
	assert.False(t, IsTransient(&FetchError{Kind: KindNotFound, StatusCode: 404}))
	assert.False(t, IsTransient(errors.New("boom")))
}

func TestFetchErrorMessage(t *testing.T) {
	err := &FetchError{Kind: KindServer, StatusCode: 503, Err: errors.New("upstream")}
	assert.Equal(t, "marketplace server_error (http 503): upstream", err.Error())
	assert.Equal(t, "marketplace malformed", (&FetchError{Kind: KindMalformed}).Error())
}

func TestNormalizeProducts(t *testing.T) {
	got, err := normalizeProducts([]Product{
		{ItemID: " b000000001 ", Title: " One ", Currency: "usd"},
		{ItemID: "B000000001", Title: "dup"},
	})
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "B000000001", got[0].ItemID)
	assert.Equal(t, "One", got[0].Title)
	assert.Equal(t, "USD", got[0].Currency)
	assert.Empty(t, got[0].Marketplace)

	_, err = normalizeProducts([]Product{{Title: "no id"}})
	var fe *FetchError
	assert.True(t, errors.As(err, &fe))
	assert.Equal(t, KindMalformed, fe.Kind)
}

func TestWithMarketplace(t *testing.T) {
	got := withMarketplace([]Product{
		{ItemID: "B000000001"},
		{ItemID: "B000000002", Marketplace: "us"},
		{ItemID: "B000000003", Marketplace: "DE"},
	}, "US")
	assert.Equal(t, "US", got[0].Marketplace)
	assert.Equal(t, "US", got[1].Marketplace)
	assert.Equal(t, "DE", got[2].Marketplace)
}

func TestNewAdapter(t *testing.T) {
	a, err := NewAdapter(Options{Kind: "mock"})
	assert.NoError(t, err)
	assert.IsType(t, &MockAdapter{}, a)

	_, err = NewAdapter(Options{Kind: "http-json"})
	assert.Error(t, err, "base url is required")

	_, err = NewAdapter(Options{Kind: "ftp"})
	assert.ErrorIs(t, err, ErrUnknownAdapterKind)
}
