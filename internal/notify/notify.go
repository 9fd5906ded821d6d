// Package notify delivers best-effort lifecycle events about catalog work.
// Delivery failures are logged and never reach the caller.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Kind string

const (
	KindBatchStarted   Kind = "batch_started"
	KindBatchCompleted Kind = "batch_completed"
	KindBatchFailed    Kind = "batch_failed"
	KindQueued         Kind = "queued"
	KindSkipped        Kind = "skipped"
)

type Event struct {
	Kind      Kind      `json:"kind"`
	SellerID  string    `json:"seller_id"`
	BatchID   string    `json:"batch_id,omitempty"`
	Items     int       `json:"items,omitempty"`
	Processed int       `json:"processed,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Log writes events to a zerolog logger.
type Log struct {
	L zerolog.Logger
}

func (n Log) Notify(_ context.Context, ev Event) error {
	e := n.L.Info()
	if ev.Kind == KindBatchFailed {
		e = n.L.Warn()
	}
	e.Str("event", string(ev.Kind)).Str("seller_id", ev.SellerID).Str("batch_id", ev.BatchID).
		Int("items", ev.Items).Int("processed", ev.Processed).Int("failed", ev.Failed).
		Msg(ev.Message)
	return nil
}

// Redis publishes events as JSON on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
}

func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = "catalog-ingest:events"
	}
	return &Redis{client: client, channel: channel}
}

func (n *Redis) Notify(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, raw).Err()
}

// Sentry reports failed batches; other kinds are ignored.
type Sentry struct {
	hub *sentry.Hub
}

// NewSentry reports through hub, or the current hub when nil.
func NewSentry(hub *sentry.Hub) *Sentry {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &Sentry{hub: hub}
}

func (n *Sentry) Notify(_ context.Context, ev Event) error {
	if ev.Kind != KindBatchFailed {
		return nil
	}
	n.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("seller_id", ev.SellerID)
		scope.SetTag("batch_id", ev.BatchID)
		scope.SetExtra("processed", ev.Processed)
		scope.SetExtra("failed", ev.Failed)
		n.hub.CaptureMessage(fmt.Sprintf("batch %s failed: %s", ev.BatchID, ev.Message))
	})
	return nil
}

// Fanout sends each event to every notifier, logging failures.
type Fanout struct {
	notifiers []Notifier
	log       zerolog.Logger
}

func NewFanout(log zerolog.Logger, ns ...Notifier) *Fanout {
	return &Fanout{notifiers: ns, log: log}
}

func (f *Fanout) Notify(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			f.log.Warn().Err(err).Str("event", string(ev.Kind)).Str("batch_id", ev.BatchID).
				Msgf("notifier %T failed", n)
		}
	}
	return nil
}
