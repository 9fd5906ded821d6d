package adapters

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest/internal/budget"
	"catalog-ingest/internal/delta"
)

func TestMockDeterministic(t *testing.T) {
	a := NewMockAdapter(MockAdapterOptions{Seed: 7})
	b := NewMockAdapter(MockAdapterOptions{Seed: 7})

	pa, _, err := a.FetchProducts(context.Background(), "US", []string{"B000000001", "B000000002"})
	require.NoError(t, err)
	pb, _, err := b.FetchProducts(context.Background(), "US", []string{"B000000001", "B000000002"})
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
	assert.Equal(t, int64(1), a.Calls())
}

func TestMockCatalogIDsAreValid(t *testing.T) {
	a := NewMockAdapter(MockAdapterOptions{Seed: 1, CatalogSize: 25})
	items, meta, err := a.SellerCatalog(context.Background(), "US", "A1B2C3")
	require.NoError(t, err)
	assert.Equal(t, 200, meta.StatusCode)
	require.Len(t, items, 25)
	for _, id := range items {
		assert.NoError(t, delta.Validate(id))
	}

	a.SetCatalog("A1B2C3", []string{"B000000009"})
	items, _, err = a.SellerCatalog(context.Background(), "US", "A1B2C3")
	require.NoError(t, err)
	assert.Equal(t, []string{"B000000009"}, items)
}

func TestMockFailureInjection(t *testing.T) {
	a := NewMockAdapter(MockAdapterOptions{})
	a.FailItem("b000000002", &FetchError{Kind: KindServer, StatusCode: 503})

	_, meta, err := a.FetchProducts(context.Background(), "US", []string{"B000000001", "B000000002"})
	require.Error(t, err)
	assert.Equal(t, 503, meta.StatusCode)
	assert.True(t, IsTransient(err))

	a.FailItem("B000000002", nil)
	_, _, err = a.FetchProducts(context.Background(), "US", []string{"B000000002"})
	assert.NoError(t, err)
}

func TestMockRespectsCancellation(t *testing.T) {
	a := NewMockAdapter(MockAdapterOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := a.FetchProducts(ctx, "US", []string{"B000000001"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, IsTransient(err))
}

func TestMockSnapshot(t *testing.T) {
	a := NewMockAdapter(MockAdapterOptions{})
	a.SetSnapshot(budget.Snapshot{Available: 100, Max: 1000, RecentConsumption: 2500})
	s, err := a.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, s.Fill(), 0.001)
	assert.Equal(t, 2500, s.RecentConsumption)
}

func TestMockParsePayload(t *testing.T) {
	a := NewMockAdapter(MockAdapterOptions{})
	got, err := a.ParsePayload([]byte(`[{"item_id":"b000000001","title":" x "}]`))
	require.NoError(t, err)
	assert.Equal(t, "B000000001", got[0].ItemID)

	_, err = a.ParsePayload([]byte(`{`))
	assert.Error(t, err)
}
