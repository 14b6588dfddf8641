package life

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gridFrom(rows ...string) Grid {
	g := New(len(rows[0]), len(rows))
	for y, row := range rows {
		for x, c := range row {
			if c == '#' {
				g[y][x] = Alive
			}
		}
	}
	return g
}

func TestBlinkerOscillates(t *testing.T) {
	vertical := gridFrom(
		".....",
		"..#..",
		"..#..",
		"..#..",
		".....",
	)
	horizontal := gridFrom(
		".....",
		".....",
		".###.",
		".....",
		".....",
	)
	for _, torus := range []bool{false, true} {
		next := StepWorld(vertical, torus)
		assert.True(t, next.Equal(horizontal), "torus=%v", torus)
		assert.True(t, StepWorld(next, torus).Equal(vertical), "torus=%v", torus)
	}
}

func TestGliderWrapsOnTorus(t *testing.T) {
	world := gridFrom(
		".#......",
		"..#.....",
		"###.....",
		"........",
		"........",
		"........",
		"........",
		"........",
	)
	g := world
	// A glider moves one cell diagonally every four turns.
	for i := 0; i < 4*8; i++ {
		g = StepWorld(g, true)
	}
	assert.True(t, g.Equal(world))
	assert.Equal(t, 5, g.AliveCount())
}

func TestEdgeRowDependsOnBoundary(t *testing.T) {
	world := gridFrom(
		"###",
		"...",
		"...",
	)

	dead := StepWorld(world, false)
	assert.True(t, dead.Equal(gridFrom(
		".#.",
		".#.",
		"...",
	)))
	assert.Equal(t, 0, StepWorld(dead, false).AliveCount())

	// On a torus the last row sees the full first row too.
	assert.Equal(t, 9, StepWorld(world, true).AliveCount())
}

// TestHaloStepMatchesWorldStep splits a grid into two partitions, builds the
// halos from the global grid, and checks the stitched result against the
// whole-grid step for many turns.
func TestHaloStepMatchesWorldStep(t *testing.T) {
	for _, torus := range []bool{false, true} {
		world := Random(16, 16, 42, 0.35)
		for turn := 0; turn < 50; turn++ {
			golden := StepWorld(world, torus)

			top, bottom := world.Rows(0, 8), world.Rows(8, 16)
			var topHalo, bottomHalo Halo
			topHalo.Below = world[8]
			bottomHalo.Above = world[7]
			if torus {
				topHalo.Above = world[15]
				bottomHalo.Below = world[0]
			}

			ctx := context.Background()
			nextTop, err := Step(ctx, top, topHalo, Options{WrapColumns: torus})
			require.NoError(t, err)
			nextBottom, err := Step(ctx, bottom, bottomHalo, Options{WrapColumns: torus})
			require.NoError(t, err)

			stitched := append(nextTop, nextBottom...)
			require.True(t, stitched.Equal(golden), "torus=%v turn=%d", torus, turn+1)
			world = golden
		}
	}
}

func TestParallelStepIsDeterministic(t *testing.T) {
	world := Random(64, 37, 7, 0.4)
	halo := Halo{Above: Random(64, 1, 8, 0.5)[0], Below: Random(64, 1, 9, 0.5)[0]}

	want, err := Step(context.Background(), world, halo, Options{WrapColumns: true})
	require.NoError(t, err)
	for _, p := range []int{2, 3, 8, 100} {
		got, err := Step(context.Background(), world, halo, Options{WrapColumns: true, Parallelism: p})
		require.NoError(t, err)
		assert.True(t, got.Equal(want), "parallelism %d", p)
	}
}

func TestStepDoesNotModifyInput(t *testing.T) {
	world := Random(10, 10, 3, 0.5)
	before := world.Clone()
	_, err := Step(context.Background(), world, Halo{}, Options{Parallelism: 4})
	require.NoError(t, err)
	assert.True(t, world.Equal(before))
}

func TestStepRejectsMalformedHalo(t *testing.T) {
	world := New(5, 3)
	_, err := Step(context.Background(), world, Halo{Above: make([]byte, 4)}, Options{})
	require.Error(t, err)
	_, err = Step(context.Background(), world, Halo{Below: make([]byte, 6)}, Options{})
	require.Error(t, err)
}

func TestStepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Step(ctx, Random(8, 8, 1, 0.5), Halo{}, Options{Parallelism: 2})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRandomIsReproducible(t *testing.T) {
	a := Random(32, 32, 99, 0.25)
	b := Random(32, 32, 99, 0.25)
	c := Random(32, 32, 100, 0.25)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Equal(t, 0, Random(8, 8, 1, 0).AliveCount())
	assert.Equal(t, 64, Random(8, 8, 1, 1.01).AliveCount())
}

func TestGridHelpers(t *testing.T) {
	g := New(3, 2)
	assert.Equal(t, 3, g.Width())
	assert.Equal(t, 2, g.Height())
	assert.Equal(t, 0, Grid{}.Width())

	clone := g.Clone()
	clone[0][0] = Alive
	assert.Equal(t, Dead, g[0][0])
	assert.False(t, g.Equal(clone))
	assert.False(t, g.Equal(New(3, 3)))

	empty, err := Step(context.Background(), Grid{}, Halo{}, Options{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}
