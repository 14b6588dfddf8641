package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"

	"github.com/dreamware/halo/internal/cluster"
	"github.com/dreamware/halo/internal/config"
	"github.com/dreamware/halo/internal/life"
	"github.com/dreamware/halo/internal/partition"
	"github.com/dreamware/halo/internal/worker"
)

// localClient reaches in-process workers by address. It doubles as the
// workers' own client so peer pushes stay in memory, and it records every
// turn dispatch so tests can check the barrier.
type localClient struct {
	mu      sync.Mutex
	workers map[string]*worker.Worker
	down    map[string]bool
	stops   map[string]int

	// onTurn runs before a turn reaches the worker. A non-nil error is
	// returned to the caller instead of executing the turn.
	onTurn func(ctx context.Context, addr string, req *cluster.TurnRequest) error
	// dropPush swallows a halo push when it returns true.
	dropPush func(addr string, msg *cluster.HaloMessage) bool

	acked      map[int]int
	violations []string
}

func newLocalCluster(t *testing.T, n int, haloWait time.Duration) (*localClient, []string) {
	t.Helper()
	c := &localClient{
		workers: make(map[string]*worker.Worker),
		down:    make(map[string]bool),
		stops:   make(map[string]int),
		acked:   make(map[int]int),
	}
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("127.0.0.1:%d", 9100+i)
		c.workers[addrs[i]] = worker.New(worker.Config{
			ID:          fmt.Sprintf("%s-w%d", t.Name(), i),
			Parallelism: 2,
			HaloWait:    haloWait,
		}, c)
	}
	return c, addrs
}

func (c *localClient) worker(addr string) (*worker.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[addr]
	if !ok || c.down[addr] {
		return nil, errors.Errorf("dial %s: connection refused", addr)
	}
	return w, nil
}

func (c *localClient) setDown(addr string, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down[addr] = down
}

func (c *localClient) stopCount(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops[addr]
}

func (c *localClient) barrierViolations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.violations...)
}

func (c *localClient) Health(_ context.Context, addr string) (*cluster.HealthResponse, error) {
	w, err := c.worker(addr)
	if err != nil {
		return nil, err
	}
	return w.Health(), nil
}

func (c *localClient) Configure(ctx context.Context, addr string, req *cluster.ConfigureRequest) error {
	w, err := c.worker(addr)
	if err != nil {
		return err
	}
	return w.Configure(ctx, req)
}

func (c *localClient) ExecuteTurn(ctx context.Context, addr string, req *cluster.TurnRequest) (*cluster.TurnResponse, error) {
	w, err := c.worker(addr)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	hook := c.onTurn
	if req.Turn > 0 && c.acked[req.Turn-1] < len(c.workers) {
		c.violations = append(c.violations, fmt.Sprintf("%s started turn %d after %d acks of turn %d",
			addr, req.Turn, c.acked[req.Turn-1], req.Turn-1))
	}
	c.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, addr, req); err != nil {
			return nil, err
		}
	}
	ack, err := w.ExecuteTurn(ctx, req)
	if err == nil {
		c.mu.Lock()
		c.acked[req.Turn]++
		c.mu.Unlock()
	}
	return ack, err
}

func (c *localClient) PushHalo(_ context.Context, addr string, msg *cluster.HaloMessage) error {
	w, err := c.worker(addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	drop := c.dropPush
	c.mu.Unlock()
	if drop != nil && drop(addr, msg) {
		return nil
	}
	return w.ReceiveHalo(msg)
}

func (c *localClient) State(_ context.Context, addr string, turn int) (*cluster.StateResponse, error) {
	w, err := c.worker(addr)
	if err != nil {
		return nil, err
	}
	return w.ReportState(turn)
}

func (c *localClient) Progress(_ context.Context, addr string) (*cluster.ProgressResponse, error) {
	w, err := c.worker(addr)
	if err != nil {
		return nil, err
	}
	return w.Progress(), nil
}

func (c *localClient) Stop(ctx context.Context, addr string, runID string) error {
	c.mu.Lock()
	c.stops[addr]++
	c.mu.Unlock()
	w, err := c.worker(addr)
	if err != nil {
		return err
	}
	w.Stop(ctx, runID)
	return nil
}

func (c *localClient) Shutdown(ctx context.Context, addr string) error {
	return c.Stop(ctx, addr, "")
}

func runConfig(addrs []string, world life.Grid, turns int, boundary partition.Boundary, mode cluster.HaloMode) config.RunConfig {
	cfg := config.DefaultRunConfig()
	cfg.BrokerAddr = ""
	cfg.WorkerAddrs = addrs
	cfg.Workers = len(addrs)
	cfg.Turns = turns
	cfg.Width = world.Width()
	cfg.Height = world.Height()
	cfg.Boundary = boundary
	cfg.HaloMode = mode
	cfg.TurnTimeout = 5 * time.Second
	return cfg
}

// reference evolves world sequentially.
func reference(world life.Grid, turns int, boundary partition.Boundary) life.Grid {
	for i := 0; i < turns; i++ {
		world = life.StepWorld(world, boundary == partition.BoundaryTorus)
	}
	return world
}
