package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/halo/internal/cluster"
	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/life"
	"github.com/dreamware/halo/internal/metrics"
	"github.com/dreamware/halo/internal/partition"
)

func haloRows(id, direction string) float64 {
	return testutil.ToFloat64(metrics.WorkerHaloRowsTotal.WithLabelValues(id, direction))
}

// TestSingleWorkerLongRun gives one worker the whole grid: it owns every row,
// never exchanges a halo row and counts every turn.
func TestSingleWorkerLongRun(t *testing.T) {
	if testing.Short() {
		t.Skip("long run")
	}
	ts := NewTestSystem(t, 1)
	world := life.Random(100, 100, 1, 0.3)

	result, got, err := ts.Run(world, 2000, partition.BoundaryDead, cluster.HaloPeer)
	require.NoError(t, err)
	assert.Equal(t, 2000, result.Turn)
	assert.True(t, result.Completed)
	assert.True(t, got.Equal(reference(world, 2000, partition.BoundaryDead)))
	assert.Equal(t, got.AliveCount(), result.Alive)

	state, err := cluster.NewHTTPWorkerClient().State(context.Background(), ts.workers[0], 2000)
	require.NoError(t, err)
	assert.Equal(t, partition.Range{Index: 0, Start: 0, End: 100}, state.Partition)

	assert.Zero(t, haloRows(ts.workerIDs[0], "in"))
	assert.Zero(t, haloRows(ts.workerIDs[0], "out"))
	assert.Empty(t, ts.barrier.Violations())
}

// TestTwoWorkersExchangeOneRowEachWay splits 101 rows into 51 and 50 and
// checks that each worker sends and receives exactly one row per turn.
func TestTwoWorkersExchangeOneRowEachWay(t *testing.T) {
	const turns = 40
	ts := NewTestSystem(t, 2)
	world := life.Random(64, 101, 2, 0.35)

	result, got, err := ts.Run(world, turns, partition.BoundaryDead, cluster.HaloPeer)
	require.NoError(t, err)
	assert.Equal(t, turns, result.Turn)
	assert.True(t, got.Equal(reference(world, turns, partition.BoundaryDead)))

	client := cluster.NewHTTPWorkerClient()
	wantParts := []partition.Range{{Index: 0, Start: 0, End: 51}, {Index: 1, Start: 51, End: 101}}
	for i, addr := range ts.workers {
		state, err := client.State(context.Background(), addr, turns)
		require.NoError(t, err)
		assert.Equal(t, wantParts[i], state.Partition)
		assert.Equal(t, turns, state.Turn)

		assert.Equal(t, float64(turns), haloRows(ts.workerIDs[i], "in"), "worker %d", i)
		assert.Equal(t, float64(turns), haloRows(ts.workerIDs[i], "out"), "worker %d", i)
	}
	assert.Empty(t, ts.barrier.Violations())
}

// TestRelayModeKeepsWorkersApart routes every halo through the broker, so
// workers never push to each other.
func TestRelayModeKeepsWorkersApart(t *testing.T) {
	const turns = 25
	ts := NewTestSystem(t, 3)
	world := life.Random(40, 30, 3, 0.4)

	_, got, err := ts.Run(world, turns, partition.BoundaryTorus, cluster.HaloRelay)
	require.NoError(t, err)
	assert.True(t, got.Equal(reference(world, turns, partition.BoundaryTorus)))
	for _, id := range ts.workerIDs {
		assert.Zero(t, haloRows(id, "in"))
		assert.Zero(t, haloRows(id, "out"))
	}
	assert.Empty(t, ts.barrier.Violations())
}

// TestDistributedMatchesSequential compares every worker count, boundary and
// halo mode with the single-process reference.
func TestDistributedMatchesSequential(t *testing.T) {
	const turns = 12
	world := life.Random(24, 23, 4, 0.4)
	for n := 1; n <= 4; n++ {
		for _, boundary := range []partition.Boundary{partition.BoundaryDead, partition.BoundaryTorus} {
			want := reference(world, turns, boundary)
			for _, mode := range []cluster.HaloMode{cluster.HaloPeer, cluster.HaloRelay} {
				t.Run(fmt.Sprintf("n%d-%s-%s", n, boundary, mode), func(t *testing.T) {
					ts := NewTestSystem(t, n)
					result, got, err := ts.Run(world, turns, boundary, mode)
					require.NoError(t, err)
					assert.True(t, got.Equal(want))
					assert.Equal(t, want.AliveCount(), result.Alive)
					assert.Empty(t, ts.barrier.Violations())
				})
			}
		}
	}
}

func TestRunsAreDeterministic(t *testing.T) {
	ts := NewTestSystem(t, 3)
	world := life.Random(50, 50, 5, 0.3)

	_, first, err := ts.Run(world, 30, partition.BoundaryTorus, cluster.HaloPeer)
	require.NoError(t, err)
	_, second, err := ts.Run(world, 30, partition.BoundaryTorus, cluster.HaloPeer)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
	assert.Empty(t, ts.barrier.Violations())
}

// TestStuckWorkerTimesOut keeps one worker from ever acknowledging a turn.
// The run must fail with a timeout naming that worker instead of hanging.
func TestStuckWorkerTimesOut(t *testing.T) {
	ts := NewTestSystem(t, 1)
	stuck := ts.AddWorker(stuckWorker())
	world := life.Random(16, 16, 6, 0.3)

	start := time.Now()
	_, err := ts.broker.Run(context.Background(), &cluster.RunRequest{
		WorkerAddrs:   ts.workers,
		Turns:         5,
		Boundary:      partition.BoundaryDead,
		HaloMode:      cluster.HaloRelay,
		TurnTimeoutMs: 300,
		World:         cluster.EncodeGrid(world),
	})
	require.Error(t, err)
	assert.True(t, cerror.Is(err, cerror.ErrWorkerTimeout), "got %v", err)
	assert.Contains(t, err.Error(), stuck)
	assert.Less(t, time.Since(start), 5*time.Second)

	status, err := ts.broker.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "failed", status.State)
	assert.Equal(t, 0, status.Turn)
}

func TestUnreachableWorkerIsAConfigurationError(t *testing.T) {
	ts := NewTestSystem(t, 1)
	ts.workers = append(ts.workers, "127.0.0.1:1")

	_, _, err := ts.Run(life.Random(8, 8, 7, 0.5), 3, partition.BoundaryDead, cluster.HaloPeer)
	require.Error(t, err)
	assert.True(t, cerror.Is(err, cerror.ErrConfiguration), "got %v", err)
}
