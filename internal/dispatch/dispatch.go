// Package dispatch starts background drain workers without exceeding a
// per-task concurrency ceiling.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"catalog-ingest/internal/metrics"
)

// DefaultMaxActive is the ceiling of concurrently running workers per task.
const DefaultMaxActive = 3

// DrainTask is the task name of the queue-drain worker.
const DrainTask = "catalog-drain"

var ErrAtCapacity = errors.New("dispatch: worker ceiling reached")

// Payload is what a started worker receives.
type Payload struct {
	Task        string    `json:"task"`
	SellerID    string    `json:"seller_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Handle identifies one started worker.
type Handle struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Slot      int       `json:"slot"`
	StartedAt time.Time `json:"started_at"`
}

// Runner is the background job collaborator. Start must itself refuse to go
// past its ceiling with ErrAtCapacity, since CountActive is only advisory
// across processes.
type Runner interface {
	CountActive(ctx context.Context, task string) (int, error)
	Start(ctx context.Context, task string, p Payload) (Handle, error)
}

type Dispatcher struct {
	runner    Runner
	maxActive int
	log       zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(r Runner, maxActive int, log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	return &Dispatcher{runner: r, maxActive: maxActive, log: log, metrics: m, now: time.Now}
}

func (d *Dispatcher) MaxActive() int { return d.maxActive }

// TryStart starts one worker for task unless maxActive are already running.
func (d *Dispatcher) TryStart(ctx context.Context, task string, p Payload) (Handle, error) {
	n, err := d.runner.CountActive(ctx, task)
	if err != nil {
		d.metrics.Dispatched("error")
		return Handle{}, fmt.Errorf("count active %s: %w", task, err)
	}
	if n >= d.maxActive {
		d.metrics.Dispatched("at_capacity")
		d.log.Debug().Str("task", task).Int("active", n).Msg("worker ceiling reached; not starting")
		return Handle{}, ErrAtCapacity
	}

	p.Task = task
	if p.RequestedAt.IsZero() {
		p.RequestedAt = d.now()
	}
	h, err := d.runner.Start(ctx, task, p)
	switch {
	case errors.Is(err, ErrAtCapacity):
		d.metrics.Dispatched("at_capacity")
		return Handle{}, err
	case err != nil:
		d.metrics.Dispatched("error")
		return Handle{}, fmt.Errorf("start %s: %w", task, err)
	}
	d.metrics.Dispatched("started")
	d.log.Info().Str("task", task).Str("handle", h.ID).Int("slot", h.Slot).Int("active_before", n).
		Str("seller_id", p.SellerID).Msg("worker started")
	return h, nil
}
