// Package budget holds the arithmetic over the shared marketplace token bucket.
//
// The bucket itself is owned and accounted by the marketplace API. Nothing here
// decrements or refills it; callers read a fresh Snapshot and pass it in.
package budget

import (
	"context"
	"math"
)

// PerItemCost is the token cost of fetching one product.
const PerItemCost = 7

// DefaultRegenPerMinute is the bucket refill rate used when the API does not report one.
const DefaultRegenPerMinute = 20

// Snapshot is a point-in-time read of the token bucket.
type Snapshot struct {
	Available int
	Max       int
	// RegenPerMinute is the refill rate reported by the API (0 = unknown).
	RegenPerMinute int
	// RecentConsumption is what the current requester spent in the trailing window.
	RecentConsumption int
}

// Reader fetches a fresh Snapshot for a requester.
type Reader interface {
	Snapshot(ctx context.Context, requester string) (Snapshot, error)
}

// Fill returns the bucket fill level in percent.
func (s Snapshot) Fill() float64 { return FillPercent(s.Available, s.Max) }

// Regen returns the reported refill rate or DefaultRegenPerMinute.
func (s Snapshot) Regen() int {
	if s.RegenPerMinute > 0 {
		return s.RegenPerMinute
	}
	return DefaultRegenPerMinute
}

// FillPercent returns available/max as a percentage clamped to [0,100].
func FillPercent(available, max int) float64 {
	if max <= 0 || available <= 0 {
		return 0
	}
	p := float64(available) / float64(max) * 100
	if p > 100 {
		return 100
	}
	return p
}

// TokensNeeded is the cost of fetching itemCount products.
func TokensNeeded(itemCount int) int {
	if itemCount <= 0 {
		return 0
	}
	return itemCount * PerItemCost
}

func HasEnough(needed, available int) bool {
	return needed <= available
}

// MinutesToRefill returns how many whole minutes it takes to regenerate deficit
// tokens. A non-positive rate never refills and yields -1.
func MinutesToRefill(deficit, regenRatePerMinute int) int {
	if deficit <= 0 {
		return 0
	}
	if regenRatePerMinute <= 0 {
		return -1
	}
	return int(math.Ceil(float64(deficit) / float64(regenRatePerMinute)))
}
