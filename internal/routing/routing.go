// Package routing decides whether a workload is skipped, processed inline
// ("edge") or handed to the batch queue.
package routing

import (
	"fmt"
	"strings"
)

type Route string

const (
	Skip  Route = "SKIP"
	Edge  Route = "EDGE"
	Queue Route = "QUEUE"
)

// Rule names the policy rule that produced a decision.
type Rule string

const (
	RuleEmpty       Rule = "empty"
	RuleCeiling     Rule = "hard_ceiling"
	RuleLowBudget   Rule = "low_budget"
	RuleHighBudget  Rule = "high_budget"
	RuleHeavyUsage  Rule = "heavy_usage"
	RuleThreshold   Rule = "threshold"
	RuleActiveQueue Rule = "active_queue"
	RuleInlineLimit Rule = "inline_limit"
)

// Policy holds the routing constants. The zero value is not usable; start
// from DefaultPolicy.
type Policy struct {
	MaxItems       int
	BaseThreshold  int
	LowFillPct     float64
	LowThreshold   int
	HighFillPct    float64
	HighThreshold  int
	HeavyUsage     int
	HeavyThreshold int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxItems:       3000,
		BaseThreshold:  50,
		LowFillPct:     30,
		LowThreshold:   20,
		HighFillPct:    80,
		HighThreshold:  75,
		HeavyUsage:     2000,
		HeavyThreshold: 20,
	}
}

// Signals are the optional budget readings a decision may use. A nil field
// means the reading was unavailable.
type Signals struct {
	FillPercent       *float64
	RecentConsumption *int
}

// WithFill returns Signals carrying only a fill reading.
func WithFill(fill float64) Signals { return Signals{FillPercent: &fill} }

// WithUsage returns Signals carrying a fill reading and recent consumption.
func WithUsage(fill float64, recent int) Signals {
	return Signals{FillPercent: &fill, RecentConsumption: &recent}
}

type Decision struct {
	Route     Route
	Threshold int
	Reason    string
	Rules     []Rule
	// Permanent marks a rejection that must not be retried.
	Permanent bool
}

// Has reports whether rule contributed to the decision.
func (d Decision) Has(rule Rule) bool {
	for _, r := range d.Rules {
		if r == rule {
			return true
		}
	}
	return false
}

// Decide applies DefaultPolicy.
func Decide(itemCount int, s Signals) Decision {
	return DefaultPolicy().Decide(itemCount, s)
}

func (p Policy) Decide(itemCount int, s Signals) Decision {
	if itemCount <= 0 {
		return Decision{Route: Skip, Reason: "nothing to do", Rules: []Rule{RuleEmpty}}
	}
	if itemCount > p.MaxItems {
		return Decision{
			Route:     Skip,
			Reason:    fmt.Sprintf("exceeds hard ceiling: %d items > %d", itemCount, p.MaxItems),
			Rules:     []Rule{RuleCeiling},
			Permanent: true,
		}
	}

	threshold := p.BaseThreshold
	var rules []Rule
	var why []string

	if s.FillPercent != nil {
		fill := *s.FillPercent
		switch {
		case fill < p.LowFillPct:
			threshold = p.LowThreshold
			rules = append(rules, RuleLowBudget)
			why = append(why, fmt.Sprintf("low token availability (%.1f%% < %.0f%%)", fill, p.LowFillPct))
		case fill > p.HighFillPct:
			threshold = p.HighThreshold
			rules = append(rules, RuleHighBudget)
			why = append(why, fmt.Sprintf("plentiful token budget (%.1f%% > %.0f%%)", fill, p.HighFillPct))
		}
	}
	if s.RecentConsumption != nil && *s.RecentConsumption > p.HeavyUsage {
		threshold = min(threshold, p.HeavyThreshold)
		rules = append(rules, RuleHeavyUsage)
		why = append(why, fmt.Sprintf("heavy recent usage (%d tokens > %d in trailing window)", *s.RecentConsumption, p.HeavyUsage))
	}
	if len(rules) == 0 {
		rules = append(rules, RuleThreshold)
		why = append(why, "plain threshold")
	}

	route := Edge
	cmp := "<="
	if itemCount > threshold {
		route = Queue
		cmp = ">"
	}
	return Decision{
		Route:     route,
		Threshold: threshold,
		Reason:    fmt.Sprintf("%s: %d items %s threshold %d", strings.Join(why, "; "), itemCount, cmp, threshold),
		Rules:     rules,
	}
}

// Force overrides the route of an existing decision, recording the rule.
func (d Decision) Force(route Route, rule Rule, reason string) Decision {
	d.Route = route
	d.Rules = append(append([]Rule(nil), d.Rules...), rule)
	d.Reason = reason + " (was: " + d.Reason + ")"
	return d
}
