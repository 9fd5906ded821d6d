package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest/internal/adapters"
	"catalog-ingest/internal/claim"
	"catalog-ingest/internal/dispatch"
	"catalog-ingest/internal/processor"
	"catalog-ingest/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func itemIDs(from, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("B%09d", from+i)
	}
	return out
}

type fixture struct {
	mem  *store.Memory
	mock *adapters.MockAdapter
	proc *processor.Processor
}

func newFixture(t *testing.T, sellers ...string) *fixture {
	t.Helper()
	f := &fixture{mem: store.NewMemory(), mock: adapters.NewMockAdapter(adapters.MockAdapterOptions{Seed: 5})}
	for _, s := range sellers {
		require.NoError(t, f.mem.UpsertSeller(context.Background(), store.Seller{ID: s, ExternalID: "X" + s, Marketplace: "US"}))
	}
	f.proc = processor.New(f.mem, f.mock)
	return f
}

func (f *fixture) queue(t *testing.T, seller string, batches, size int) {
	t.Helper()
	var in []store.NewBatch
	for i := 0; i < batches; i++ {
		in = append(in, store.NewBatch{SellerID: seller, Items: itemIDs(1+i*size, size)})
	}
	_, err := f.mem.CreateBatches(context.Background(), in, t0)
	require.NoError(t, err)
}

func (f *fixture) stats(t *testing.T) store.QueueStats {
	t.Helper()
	q, err := f.mem.Stats(context.Background(), "")
	require.NoError(t, err)
	return q
}

func (f *fixture) worker(opts Options, o ...Option) *Worker {
	return New(claim.New(f.mem), f.proc, f.mem, opts, o...)
}

func TestDrainEmptiesQueue(t *testing.T) {
	f := newFixture(t, "s1", "s2")
	f.queue(t, "s1", 3, 10)
	f.queue(t, "s2", 2, 10)

	st, err := f.worker(Options{ID: "w", Limit: 2}).Drain(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 5, st.Claimed)
	assert.Equal(t, 5, st.Completed)
	assert.Equal(t, 50, st.ItemsOK)
	assert.Equal(t, "empty", st.StoppedBy)
	assert.Equal(t, store.QueueStats{Completed: 5}, f.stats(t))
	assert.Contains(t, st.Summary(time.Now()), "drained 5 batches")
}

func TestDrainSeveralLoops(t *testing.T) {
	f := newFixture(t, "s1")
	f.queue(t, "s1", 12, 5)

	st, err := f.worker(Options{ID: "w", Limit: 2, Loops: 3}).Drain(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 12, st.Claimed, "every batch claimed exactly once")
	assert.Equal(t, store.QueueStats{Completed: 12}, f.stats(t))
}

func TestDrainSurvivesFailingBatches(t *testing.T) {
	f := newFixture(t, "s1")
	f.queue(t, "s1", 2, 10)
	f.mem.Put(store.Batch{ID: "orphan-seller", SellerID: "ghost", Items: itemIDs(900, 3), Status: store.StatusPending, Priority: store.PriorityHigh, CreatedAt: t0})
	f.mem.Put(store.Batch{ID: "bad-items", SellerID: "s1", Items: []string{"not-an-id"}, Status: store.StatusPending, Priority: store.PriorityLow, CreatedAt: t0})
	f.mock.FailItem("B000000015", &adapters.FetchError{Kind: adapters.KindServer, StatusCode: 502})

	st, err := f.worker(Options{ID: "w", Limit: 10}).Drain(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Claimed)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 3, st.Failed)

	q := f.stats(t)
	assert.Equal(t, 1, q.Completed)
	assert.Equal(t, 3, q.Failed)
	assert.Zero(t, q.Active())

	b, err := f.mem.Get("orphan-seller")
	require.NoError(t, err)
	require.NotNil(t, b.ErrorSummary)
	assert.True(t, strings.HasPrefix(*b.ErrorSummary, "[HARD] seller lookup"), *b.ErrorSummary)

	b, err = f.mem.Get("bad-items")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, b.Status)
	assert.Contains(t, *b.ErrorSummary, "malformed item ids")
}

func TestDrainStopsAtSoftDeadline(t *testing.T) {
	f := newFixture(t, "s1")
	f.queue(t, "s1", 3, 5)

	var ticks atomic.Int64
	clock := func() time.Time { return t0.Add(time.Duration(ticks.Add(1)) * 20 * time.Second) }
	w := f.worker(Options{ID: "w", Limit: 1, Budget: time.Minute, Buffer: 30 * time.Second}, WithClock(clock))

	st, err := w.Drain(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "deadline", st.StoppedBy)
	assert.Equal(t, 1, st.Claimed)
	q := f.stats(t)
	assert.Equal(t, 1, q.Completed)
	assert.Equal(t, 2, q.Pending, "unclaimed work stays queued")
}

type recordingClaimer struct {
	next Claimer
	mu   sync.Mutex
	ids  map[string]bool
}

func (r *recordingClaimer) Claim(ctx context.Context, owner, worker string, limit int) ([]store.Batch, error) {
	r.mu.Lock()
	r.ids[worker] = true
	r.mu.Unlock()
	return r.next.Claim(ctx, owner, worker, limit)
}

func TestDrainCapsLoopsAtActiveBatches(t *testing.T) {
	f := newFixture(t, "s1")
	f.queue(t, "s1", 2, 5)
	rc := &recordingClaimer{next: claim.New(f.mem), ids: map[string]bool{}}

	st, err := New(rc, f.proc, f.mem, Options{ID: "w", Limit: 1, Loops: 5}).Drain(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Claimed)
	assert.Len(t, rc.ids, 2)
}

type brokenClaimer struct{}

func (brokenClaimer) Claim(context.Context, string, string, int) ([]store.Batch, error) {
	return nil, errors.New("connection refused")
}

func TestDrainReturnsClaimErrors(t *testing.T) {
	f := newFixture(t, "s1")
	st, err := New(brokenClaimer{}, f.proc, f.mem, Options{ID: "w"}).Drain(context.Background(), "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "w-0")
	assert.Equal(t, "claim_error", st.StoppedBy)
}

func TestDrainCancelledBeforeClaiming(t *testing.T) {
	f := newFixture(t, "s1")
	f.queue(t, "s1", 1, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := f.worker(Options{ID: "w"}).Drain(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", st.StoppedBy)
	assert.Equal(t, 1, f.stats(t).Pending)
}

func TestServeRunsTriggeredDrains(t *testing.T) {
	f := newFixture(t, "s1")
	f.queue(t, "s1", 2, 5)

	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()
	runner := dispatch.NewRedisRunner(c, dispatch.RedisRunnerOptions{Prefix: "t"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker(Options{ID: "w"}).Serve(ctx, runner, dispatch.DrainTask) }()

	_, err := runner.Start(ctx, dispatch.DrainTask, dispatch.Payload{SellerID: "s1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := runner.CountActive(context.Background(), dispatch.DrainTask)
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond, "slot released after the drain")
	assert.Equal(t, 2, f.stats(t).Completed)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestRunCronRejectsBadExpression(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.worker(Options{}).RunCron(context.Background(), "sometimes"))
}

func TestRunCronStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, f.worker(Options{}).RunCron(ctx, "*/5 * * * *"))
}
