package partition

import (
	"fmt"
	"sort"
	"strings"

	cerror "github.com/dreamware/halo/internal/errors"
)

// Boundary selects what lies beyond the edges of the grid.
type Boundary string

const (
	// BoundaryDead treats every cell outside the grid as dead. Workers form a line.
	BoundaryDead Boundary = "dead"
	// BoundaryTorus wraps the grid in both axes. Workers form a ring.
	BoundaryTorus Boundary = "torus"
)

// ParseBoundary accepts the textual boundary names, case-insensitively.
// An empty string selects BoundaryDead.
func ParseBoundary(s string) (Boundary, error) {
	switch Boundary(strings.ToLower(strings.TrimSpace(s))) {
	case "", BoundaryDead:
		return BoundaryDead, nil
	case BoundaryTorus:
		return BoundaryTorus, nil
	default:
		return "", cerror.ErrConfiguration.GenWithStackByArgs(
			fmt.Sprintf("unknown boundary %q, want %q or %q", s, BoundaryDead, BoundaryTorus))
	}
}

// Side names the edge of a partition a halo row attaches to.
type Side string

const (
	// SideAbove is the row just before a partition's first row.
	SideAbove Side = "above"
	// SideBelow is the row just after a partition's last row.
	SideBelow Side = "below"
)

// Opposite returns the side a neighbour sees this edge from.
func (s Side) Opposite() Side {
	if s == SideAbove {
		return SideBelow
	}
	return SideAbove
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideAbove || s == SideBelow
}

// Range is the contiguous block of rows [Start, End) owned by one worker.
type Range struct {
	Index int `json:"index"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// Size returns the number of rows in the range.
func (r Range) Size() int {
	return r.End - r.Start
}

// Contains determines if the range owns the given global row.
func (r Range) Contains(row int) bool {
	return row >= r.Start && row < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("#%d[%d,%d)", r.Index, r.Start, r.End)
}

// Plan splits a domain of size rows across n workers. Every range is
// contiguous, ranges never overlap, together they cover the domain exactly
// once, and the first size%n ranges hold one extra row so sizes differ by at
// most one.
func Plan(size, n int) ([]Range, error) {
	if n < 1 {
		return nil, cerror.ErrConfiguration.GenWithStackByArgs(
			fmt.Sprintf("worker count must be at least 1, got %d", n))
	}
	if size < n {
		return nil, cerror.ErrConfiguration.GenWithStackByArgs(
			fmt.Sprintf("domain of %d rows cannot be split across %d workers", size, n))
	}

	base := size / n
	extra := size % n

	ranges := make([]Range, n)
	start := 0
	for i := 0; i < n; i++ {
		rows := base
		if i < extra {
			rows++
		}
		ranges[i] = Range{Index: i, Start: start, End: start + rows}
		start += rows
	}
	return ranges, nil
}

// Locate returns the index of the range owning row, or -1.
func Locate(ranges []Range, row int) int {
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].End > row })
	if i < len(ranges) && ranges[i].Contains(row) {
		return i
	}
	return -1
}

// Neighbour is one edge of the worker graph: the partition at Index supplies
// the halo row for Side of the owning partition.
type Neighbour struct {
	Index int  `json:"index"`
	Side  Side `json:"side"`
}

// Neighbours computes the adjacency of n partitions in order. With a dead
// boundary the first and last partitions have a single neighbour and a lone
// partition has none. With a torus the partitions form a ring; a lone
// partition still has none because it wraps onto itself locally.
func Neighbours(n int, boundary Boundary) [][]Neighbour {
	out := make([][]Neighbour, n)
	if n <= 1 {
		return out
	}
	for i := 0; i < n; i++ {
		above, below := i-1, i+1
		if boundary == BoundaryTorus {
			above = (i - 1 + n) % n
			below = (i + 1) % n
		}
		if above >= 0 {
			out[i] = append(out[i], Neighbour{Index: above, Side: SideAbove})
		}
		if below < n {
			out[i] = append(out[i], Neighbour{Index: below, Side: SideBelow})
		}
	}
	return out
}
