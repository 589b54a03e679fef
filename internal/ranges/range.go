// Package ranges implements half-open integer ranges and the set arithmetic
// the key-diff engine uses to compare what the client has with what it wants.
package ranges

import "fmt"

// Range is the half-open interval [Start, End).
type Range struct {
	Start int
	End   int
}

// WithLength returns [start, start+length).
func WithLength(start, length int) Range {
	if length < 0 {
		panic(fmt.Sprintf("range length must be >= 0, got %d", length))
	}
	return Range{Start: start, End: start + length}
}

// Between returns [start, end).
func Between(start, end int) Range {
	if end < start {
		panic(fmt.Sprintf("range end %d is before start %d", end, start))
	}
	return Range{Start: start, End: end}
}

// Empty returns the empty range at 0.
func Empty() Range { return Range{} }

func (r Range) Len() int { return r.End - r.Start }

func (r Range) IsEmpty() bool { return r.End <= r.Start }

// Contains reports whether i lies in r.
func (r Range) Contains(i int) bool { return i >= r.Start && i < r.End }

// Intersects reports whether the two ranges share at least one integer.
func (r Range) Intersects(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// OffsetBy shifts both bounds by delta.
func (r Range) OffsetBy(delta int) Range {
	return Range{Start: r.Start + delta, End: r.End + delta}
}

// RestrictTo clamps r into bounds. A range entirely outside bounds collapses
// to an empty range at the nearest bound.
func (r Range) RestrictTo(bounds Range) Range {
	start := max(r.Start, bounds.Start)
	end := min(r.End, bounds.End)
	if end < start {
		if r.Start >= bounds.End {
			return Range{Start: bounds.End, End: bounds.End}
		}
		return Range{Start: bounds.Start, End: bounds.Start}
	}
	return Range{Start: start, End: end}
}

// SplitAt cuts r at i into [Start, i) and [i, End), clamping i into r.
func (r Range) SplitAt(i int) (Range, Range) {
	i = min(max(i, r.Start), r.End)
	return Range{Start: r.Start, End: i}, Range{Start: i, End: r.End}
}

// PartitionWith splits r into the part before o, the part overlapping o and
// the part after o. Each part may be empty.
func (r Range) PartitionWith(o Range) [3]Range {
	before, rest := r.SplitAt(o.Start)
	inside, after := rest.SplitAt(o.End)
	return [3]Range{before, inside, after}
}

// Without returns the parts of r not covered by o: at most one range on
// each side. Empty parts are omitted.
func (r Range) Without(o Range) []Range {
	if !r.Intersects(o) {
		if r.IsEmpty() {
			return nil
		}
		return []Range{r}
	}
	parts := r.PartitionWith(o)
	var out []Range
	if !parts[0].IsEmpty() {
		out = append(out, parts[0])
	}
	if !parts[2].IsEmpty() {
		out = append(out, parts[2])
	}
	return out
}

func (r Range) String() string {
	return fmt.Sprintf("[%d..%d)", r.Start, r.End)
}
