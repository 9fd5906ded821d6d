// Package delta works out which catalog items are genuinely new for a seller.
package delta

import (
	"errors"
	"fmt"
	"strings"
)

// IDLength is the fixed length of a product identifier.
const IDLength = 10

// FullReprocessRatio is the new/total ratio above which a delta is not trusted.
const FullReprocessRatio = 0.5

var ErrInvalidID = errors.New("invalid product identifier")

// Normalize trims and upper-cases an identifier.
func Normalize(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Validate checks an already-normalized identifier against the fixed format:
// exactly IDLength characters from [A-Z0-9].
func Validate(id string) error {
	if len(id) != IDLength {
		return fmt.Errorf("%w: %q has length %d, want %d", ErrInvalidID, id, len(id), IDLength)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidID, id, c)
		}
	}
	return nil
}

// NormalizeAll normalizes ids, dropping duplicates. Identifiers that fail
// validation are returned separately in their original form.
func NormalizeAll(ids []string) (valid, invalid []string) {
	seen := make(map[string]struct{}, len(ids))
	valid = make([]string, 0, len(ids))
	for _, raw := range ids {
		id := Normalize(raw)
		if err := Validate(id); err != nil {
			invalid = append(invalid, raw)
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		valid = append(valid, id)
	}
	return valid, invalid
}

// Set is a normalized identifier set.
type Set map[string]struct{}

// NewSet builds a Set from raw identifiers.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s Set) Add(id string) { s[Normalize(id)] = struct{}{} }

func (s Set) Has(id string) bool {
	_, ok := s[Normalize(id)]
	return ok
}

// Union returns a new set containing both operands.
func (s Set) Union(o Set) Set {
	out := make(Set, len(s)+len(o))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range o {
		out[k] = struct{}{}
	}
	return out
}

// NewItems returns the candidates absent from both persisted and pending,
// compared case-insensitively. The result holds each item once, in the order
// it was first seen among candidates.
func NewItems(candidates []string, persisted, pending Set) []string {
	out := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, raw := range candidates {
		id := Normalize(raw)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if persisted.Has(id) || pending.Has(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// NeedsFullReprocess reports whether a delta should be distrusted: either no
// baseline exists, or more than FullReprocessRatio of the total looks new.
func NeedsFullReprocess(newCount, total int, hasBaseline bool) bool {
	if !hasBaseline {
		return true
	}
	if total <= 0 {
		return false
	}
	return float64(newCount)/float64(total) > FullReprocessRatio
}
