package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WorkFunc is the body of a started worker.
type WorkFunc func(ctx context.Context, h Handle, p Payload) error

// LocalRunner runs workers as goroutines of the current process.
type LocalRunner struct {
	base      context.Context
	work      WorkFunc
	maxActive int
	log       zerolog.Logger

	mu     sync.Mutex
	active map[string]map[int]bool
	wg     sync.WaitGroup
}

// NewLocalRunner runs work under base; cancelling base stops new work from
// being useful but in-flight calls are left to finish on their own.
func NewLocalRunner(base context.Context, maxActive int, work WorkFunc, log zerolog.Logger) *LocalRunner {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	return &LocalRunner{
		base:      base,
		work:      work,
		maxActive: maxActive,
		log:       log,
		active:    map[string]map[int]bool{},
	}
}

func (r *LocalRunner) CountActive(_ context.Context, task string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active[task]), nil
}

func (r *LocalRunner) Start(_ context.Context, task string, p Payload) (Handle, error) {
	r.mu.Lock()
	slots := r.active[task]
	if slots == nil {
		slots = map[int]bool{}
		r.active[task] = slots
	}
	slot := -1
	for i := 0; i < r.maxActive; i++ {
		if !slots[i] {
			slot = i
			break
		}
	}
	if slot < 0 {
		r.mu.Unlock()
		return Handle{}, ErrAtCapacity
	}
	slots[slot] = true
	r.mu.Unlock()

	h := Handle{ID: uuid.NewString(), Task: task, Slot: slot, StartedAt: time.Now()}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(h)
		if err := r.work(r.base, h, p); err != nil {
			r.log.Error().Err(err).Str("task", task).Str("handle", h.ID).Msg("worker failed")
		}
	}()
	return h, nil
}

func (r *LocalRunner) release(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active[h.Task], h.Slot)
}

// Wait blocks until every started worker returned.
func (r *LocalRunner) Wait() { r.wg.Wait() }
