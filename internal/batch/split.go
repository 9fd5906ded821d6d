// Package batch partitions work item lists into bounded batches.
package batch

const (
	// DefaultMaxSize bounds every persisted batch.
	DefaultMaxSize = 100
	// InlineMaxSize bounds the synchronous (edge) path.
	InlineMaxSize = 50
)

// Range is a half-open [Start, End) window into an item list.
type Range struct {
	Start int
	End   int
}

func (r Range) Len() int { return r.End - r.Start }

// Split partitions items into consecutive chunks of at most maxSize, keeping
// input order. Degenerate input yields no batches.
func Split(items []string, maxSize int) [][]string {
	if len(items) == 0 || maxSize <= 0 {
		return [][]string{}
	}
	out := make([][]string, 0, Count(len(items), maxSize))
	for _, r := range Ranges(len(items), maxSize) {
		chunk := make([]string, r.Len())
		copy(chunk, items[r.Start:r.End])
		out = append(out, chunk)
	}
	return out
}

// Count returns ceil(total/maxSize), or 0 for non-positive input.
func Count(total, maxSize int) int {
	if total <= 0 || maxSize <= 0 {
		return 0
	}
	return (total + maxSize - 1) / maxSize
}

// Ranges returns the offsets Split would cut at.
func Ranges(total, maxSize int) []Range {
	n := Count(total, maxSize)
	out := make([]Range, 0, n)
	for i := 0; i < n; i++ {
		start := i * maxSize
		end := min(start+maxSize, total)
		out = append(out, Range{Start: start, End: end})
	}
	return out
}

// Distribute spreads n units over workers as evenly as possible; earlier
// workers receive the remainder. Returns nil when workers <= 0.
func Distribute(n, workers int) []int {
	if workers <= 0 {
		return nil
	}
	out := make([]int, workers)
	if n <= 0 {
		return out
	}
	base, rem := n/workers, n%workers
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
	}
	return out
}
