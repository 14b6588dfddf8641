package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/halo/internal/cluster"
	"github.com/dreamware/halo/internal/config"
	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/life"
	"github.com/dreamware/halo/internal/partition"
)

func TestStartRunRejectsBadConfiguration(t *testing.T) {
	world := life.Random(8, 8, 1, 0.5)
	client, addrs := newLocalCluster(t, 3, time.Second)
	broker := NewBroker(client, Options{})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(cfg *config.RunConfig)
	}{
		{"no workers", func(c *config.RunConfig) { c.WorkerAddrs = nil }},
		{"too many threads", func(c *config.RunConfig) { c.Workers = 4 }},
		{"duplicate worker", func(c *config.RunConfig) { c.WorkerAddrs = []string{addrs[0], addrs[0]} }},
		{"unknown boundary", func(c *config.RunConfig) { c.Boundary = "mobius" }},
		{"unknown halo mode", func(c *config.RunConfig) { c.HaloMode = "carrier-pigeon" }},
		{"world size mismatch", func(c *config.RunConfig) { c.Width = 9 }},
		{"more workers than rows", func(c *config.RunConfig) { c.Height = 2 }},
		{"negative turns", func(c *config.RunConfig) { c.Turns = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := runConfig(addrs, world, 5, partition.BoundaryDead, cluster.HaloPeer)
			tt.mutate(&cfg)
			_, err := broker.StartRun(ctx, cfg, world)
			require.Error(t, err)
			assert.True(t, cerror.Is(err, cerror.ErrConfiguration), "got %v", err)
		})
	}

	_, err := broker.Current()
	assert.True(t, cerror.Is(err, cerror.ErrNoActiveRun))
}

func TestStartRunProbesWorkers(t *testing.T) {
	world := life.Random(8, 8, 1, 0.5)
	client, addrs := newLocalCluster(t, 2, time.Second)
	client.setDown(addrs[1], true)

	_, err := NewBroker(client, Options{}).StartRun(context.Background(),
		runConfig(addrs, world, 5, partition.BoundaryDead, cluster.HaloPeer), world)
	require.Error(t, err)
	assert.True(t, cerror.Is(err, cerror.ErrConfiguration))
	assert.Contains(t, err.Error(), addrs[1])
}

func TestStartRunUsesFirstWorkersOfPool(t *testing.T) {
	world := life.Random(9, 9, 2, 0.5)
	client, addrs := newLocalCluster(t, 4, time.Second)
	// the unused tail of the pool may be unreachable
	client.setDown(addrs[3], true)

	cfg := runConfig(addrs, world, 4, partition.BoundaryTorus, cluster.HaloPeer)
	cfg.Workers = 2
	run, err := NewBroker(client, Options{}).StartRun(context.Background(), cfg, world)
	require.NoError(t, err)
	assert.Equal(t, addrs[:2], run.Registry().Addrs())

	a := run.Registry().Get(0)
	require.NotNil(t, a)
	assert.Equal(t, partition.Range{Index: 0, Start: 0, End: 5}, a.Partition)
	assert.NotEmpty(t, a.WorkerID)

	result, err := run.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, result.World.Equal(reference(world, 4, partition.BoundaryTorus)))
}

func TestOneRunAtATime(t *testing.T) {
	world := life.Random(8, 8, 1, 0.5)
	client, addrs := newLocalCluster(t, 2, time.Second)
	broker := NewBroker(client, Options{})
	cfg := runConfig(addrs, world, 3, partition.BoundaryDead, cluster.HaloPeer)

	first, err := broker.StartRun(context.Background(), cfg, world)
	require.NoError(t, err)

	_, err = broker.StartRun(context.Background(), cfg, world)
	assert.True(t, cerror.Is(err, cerror.ErrRunInProgress))

	current, err := broker.Current()
	require.NoError(t, err)
	assert.Equal(t, first.ID(), current.ID())

	_, err = first.Execute(context.Background())
	require.NoError(t, err)

	second, err := broker.StartRun(context.Background(), cfg, world)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())

	// reconfiguring forgot the first run
	_, err = client.ExecuteTurn(context.Background(), addrs[0], &cluster.TurnRequest{RunID: first.ID(), Turn: 3})
	assert.True(t, cerror.Is(err, cerror.ErrNotConfigured))
}

func TestBrokerShutdownReachesWorkers(t *testing.T) {
	world := life.Random(8, 8, 1, 0.5)
	client, addrs := newLocalCluster(t, 3, time.Second)
	broker := NewBroker(client, Options{})

	cfg := runConfig(addrs, world, 3, partition.BoundaryDead, cluster.HaloPeer)
	cfg.Workers = 2
	run, err := broker.StartRun(context.Background(), cfg, world)
	require.NoError(t, err)

	require.NoError(t, broker.Shutdown(context.Background()))
	// the abort stops both run workers, the shutdown reaches them again
	assert.Equal(t, 2, client.stopCount(addrs[0]))
	assert.Equal(t, 2, client.stopCount(addrs[1]))
	assert.Equal(t, 0, client.stopCount(addrs[2]))

	_, err = run.Execute(context.Background())
	assert.True(t, cerror.Is(err, cerror.ErrRunAborted))
}

// TestShortRunsWithHealthProbes ends runs right after they start, so the
// health monitor is stopped while it is still starting up.
func TestShortRunsWithHealthProbes(t *testing.T) {
	world := life.Random(8, 8, 2, 0.5)
	client, addrs := newLocalCluster(t, 2, time.Second)
	broker := NewBroker(client, Options{HealthInterval: time.Millisecond})

	for i := 0; i < 100; i++ {
		run, err := broker.StartRun(context.Background(),
			runConfig(addrs, world, 0, partition.BoundaryDead, cluster.HaloPeer), world)
		require.NoError(t, err)
		result, err := run.Execute(context.Background())
		require.NoError(t, err)
		require.True(t, result.World.Equal(world))
		assert.Equal(t, StateCompleted, run.State())
	}
}
