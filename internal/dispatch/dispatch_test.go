package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest/internal/metrics"
)

type countingRunner struct {
	active   int
	countErr error
	startErr error
	started  []Payload
}

func (c *countingRunner) CountActive(context.Context, string) (int, error) {
	return c.active, c.countErr
}

func (c *countingRunner) Start(_ context.Context, task string, p Payload) (Handle, error) {
	if c.startErr != nil {
		return Handle{}, c.startErr
	}
	c.started = append(c.started, p)
	c.active++
	return Handle{ID: "h", Task: task}, nil
}

func TestTryStartRespectsCeiling(t *testing.T) {
	r := &countingRunner{}
	d := New(r, 3, zerolog.Nop(), nil)

	for i := 0; i < 3; i++ {
		_, err := d.TryStart(context.Background(), DrainTask, Payload{SellerID: "s1"})
		require.NoError(t, err)
	}
	_, err := d.TryStart(context.Background(), DrainTask, Payload{})
	assert.ErrorIs(t, err, ErrAtCapacity)
	require.Len(t, r.started, 3)
	assert.Equal(t, DrainTask, r.started[0].Task)
	assert.False(t, r.started[0].RequestedAt.IsZero())
}

func TestTryStartErrors(t *testing.T) {
	m := metrics.New()
	d := New(&countingRunner{countErr: errors.New("down")}, 0, zerolog.Nop(), m)
	assert.Equal(t, DefaultMaxActive, d.MaxActive())
	_, err := d.TryStart(context.Background(), DrainTask, Payload{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAtCapacity)

	d = New(&countingRunner{startErr: ErrAtCapacity}, 3, zerolog.Nop(), m)
	_, err = d.TryStart(context.Background(), DrainTask, Payload{})
	assert.ErrorIs(t, err, ErrAtCapacity)

	n, err := testutil.GatherAndCount(m.Registry, "ingest_dispatch_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per outcome")
}

func TestLocalRunner(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var ran []int
	work := func(_ context.Context, h Handle, _ Payload) error {
		<-release
		mu.Lock()
		ran = append(ran, h.Slot)
		mu.Unlock()
		return nil
	}
	r := NewLocalRunner(context.Background(), 2, work, zerolog.Nop())
	d := New(r, 2, zerolog.Nop(), nil)

	h1, err := d.TryStart(context.Background(), DrainTask, Payload{})
	require.NoError(t, err)
	h2, err := d.TryStart(context.Background(), DrainTask, Payload{})
	require.NoError(t, err)
	assert.NotEqual(t, h1.Slot, h2.Slot)

	_, err = d.TryStart(context.Background(), DrainTask, Payload{})
	assert.ErrorIs(t, err, ErrAtCapacity)

	n, err := r.CountActive(context.Background(), DrainTask)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	close(release)
	r.Wait()
	n, err = r.CountActive(context.Background(), DrainTask)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.ElementsMatch(t, []int{0, 1}, ran)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestRedisRunnerSlots(t *testing.T) {
	ctx := context.Background()
	mr, c := newRedis(t)
	r := NewRedisRunner(c, RedisRunnerOptions{Prefix: "t", MaxActive: 2, Lease: time.Minute})

	h1, err := r.Start(ctx, DrainTask, Payload{SellerID: "s1"})
	require.NoError(t, err)
	h2, err := r.Start(ctx, DrainTask, Payload{SellerID: "s2"})
	require.NoError(t, err)
	_, err = r.Start(ctx, DrainTask, Payload{})
	assert.ErrorIs(t, err, ErrAtCapacity)

	n, err := r.CountActive(ctx, DrainTask)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A stale handle cannot free a slot someone else holds.
	require.NoError(t, r.Release(ctx, Handle{ID: "other", Task: DrainTask, Slot: h1.Slot}))
	assert.True(t, mr.Exists("t:slots:catalog-drain:0"))

	require.NoError(t, r.Release(ctx, h1))
	n, err = r.CountActive(ctx, DrainTask)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Leases expire when a worker never releases.
	mr.FastForward(2 * time.Minute)
	n, err = r.CountActive(ctx, DrainTask)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h2.Slot)
}

func TestRedisRunnerListen(t *testing.T) {
	ctx := context.Background()
	_, c := newRedis(t)
	r := NewRedisRunner(c, RedisRunnerOptions{Prefix: "t"})

	h, err := r.Start(ctx, DrainTask, Payload{Task: DrainTask, SellerID: "s1", Reason: "enqueued"})
	require.NoError(t, err)

	job, err := r.Listen(ctx, DrainTask, time.Second)
	require.NoError(t, err)
	assert.Equal(t, h.ID, job.Handle.ID)
	assert.Equal(t, "s1", job.Payload.SellerID)
	assert.Equal(t, "enqueued", job.Payload.Reason)

	_, err = r.Listen(ctx, DrainTask, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoJob)
}
