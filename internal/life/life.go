// Package life implements the B3/S23 cellular automaton on row partitions.
//
// A partition is stepped with the halo rows of its neighbours, so the same
// function serves a lone worker (halo derived from its own rows) and a worker
// holding one slice of a larger grid.
package life

import (
	"context"
	"math/rand/v2"

	"github.com/pingcap/errors"
	"golang.org/x/sync/errgroup"
)

const (
	Alive byte = 255
	Dead  byte = 0
)

// Grid is a row-major board. Every row holds the same number of cells.
type Grid [][]byte

// New allocates an all-dead grid.
func New(width, height int) Grid {
	g := make(Grid, height)
	for y := range g {
		g[y] = make([]byte, width)
	}
	return g
}

// Width returns the number of cells per row.
func (g Grid) Width() int {
	if len(g) == 0 {
		return 0
	}
	return len(g[0])
}

// Height returns the number of rows.
func (g Grid) Height() int {
	return len(g)
}

// Clone deep-copies the grid.
func (g Grid) Clone() Grid {
	out := make(Grid, len(g))
	for y, row := range g {
		out[y] = append([]byte(nil), row...)
	}
	return out
}

// Rows returns a deep copy of rows [start, end).
func (g Grid) Rows(start, end int) Grid {
	return g[start:end].Clone()
}

// AliveCount counts cells equal to Alive.
func (g Grid) AliveCount() int {
	count := 0
	for _, row := range g {
		for _, c := range row {
			if c == Alive {
				count++
			}
		}
	}
	return count
}

// Equal reports whether both grids have identical cells.
func (g Grid) Equal(o Grid) bool {
	if len(g) != len(o) {
		return false
	}
	for y := range g {
		if string(g[y]) != string(o[y]) {
			return false
		}
	}
	return true
}

// Random builds a reproducible grid where each cell is alive with the given
// probability. The same seed always yields the same grid.
func Random(width, height int, seed uint64, density float64) Grid {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	g := New(width, height)
	for y := range g {
		for x := range g[y] {
			if rng.Float64() < density {
				g[y][x] = Alive
			}
		}
	}
	return g
}

// Halo carries the rows adjacent to a partition. A nil row is all dead.
type Halo struct {
	Above []byte
	Below []byte
}

// Options tunes a single step.
type Options struct {
	// WrapColumns makes column -1 the last column and column Width the first.
	WrapColumns bool
	// Parallelism splits the rows across this many goroutines. Values below 2
	// compute on the calling goroutine.
	Parallelism int
}

// Step applies one turn of the rule to local and returns the new rows. The
// input is never modified. The result depends only on local, halo and
// opts.WrapColumns, whatever the parallelism. If ctx is cancelled the partial
// result is discarded and the context error is returned.
func Step(ctx context.Context, local Grid, halo Halo, opts Options) (Grid, error) {
	height := local.Height()
	width := local.Width()
	if height == 0 {
		return Grid{}, nil
	}
	if halo.Above != nil && len(halo.Above) != width {
		return nil, errors.Errorf("above halo has %d cells, want %d", len(halo.Above), width)
	}
	if halo.Below != nil && len(halo.Below) != width {
		return nil, errors.Errorf("below halo has %d cells, want %d", len(halo.Below), width)
	}

	next := New(width, height)
	workers := opts.Parallelism
	if workers > height {
		workers = height
	}
	if workers < 2 {
		if err := stepRows(ctx, local, halo, next, 0, height, opts.WrapColumns); err != nil {
			return nil, err
		}
		return next, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	base, extra := height/workers, height%workers
	start := 0
	for i := 0; i < workers; i++ {
		end := start + base
		if i < extra {
			end++
		}
		from, to := start, end
		g.Go(func() error {
			return stepRows(gctx, local, halo, next, from, to, opts.WrapColumns)
		})
		start = end
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return next, nil
}

// StepWorld advances a complete grid by one turn. It is the sequential
// reference the distributed computation must agree with.
func StepWorld(world Grid, torus bool) Grid {
	halo := Halo{}
	if torus && world.Height() > 0 {
		halo.Above = world[world.Height()-1]
		halo.Below = world[0]
	}
	next, _ := Step(context.Background(), world, halo, Options{WrapColumns: torus})
	return next
}

func stepRows(ctx context.Context, local Grid, halo Halo, next Grid, from, to int, wrap bool) error {
	height := local.Height()
	for y := from; y < to; y++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		up := halo.Above
		if y > 0 {
			up = local[y-1]
		}
		down := halo.Below
		if y < height-1 {
			down = local[y+1]
		}
		stepRow(up, local[y], down, next[y], wrap)
	}
	return nil
}

func stepRow(up, row, down, out []byte, wrap bool) {
	width := len(row)
	for x := 0; x < width; x++ {
		left, right := x-1, x+1
		if wrap {
			left = (x - 1 + width) % width
			right = (x + 1) % width
		}
		count := alive(up, left) + alive(up, x) + alive(up, right) +
			alive(row, left) + alive(row, right) +
			alive(down, left) + alive(down, x) + alive(down, right)

		switch {
		case row[x] == Alive && (count == 2 || count == 3):
			out[x] = Alive
		case row[x] != Alive && count == 3:
			out[x] = Alive
		default:
			out[x] = Dead
		}
	}
}

func alive(row []byte, x int) int {
	if row == nil || x < 0 || x >= len(row) {
		return 0
	}
	if row[x] == Alive {
		return 1
	}
	return 0
}
