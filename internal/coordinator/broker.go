package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/halo/internal/cluster"
	"github.com/dreamware/halo/internal/config"
	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/life"
	"github.com/dreamware/halo/internal/metrics"
	"github.com/dreamware/halo/internal/partition"
)

const defaultControlTimeout = 30 * time.Second

// Options tunes a Broker.
type Options struct {
	// HealthInterval enables background probes of the workers of a running
	// run. Zero disables them.
	HealthInterval time.Duration
	// ControlTimeout bounds the health, configure, state and stop calls.
	ControlTimeout time.Duration
}

// Broker dispatches runs across a pool of workers. It drives at most one run
// at a time.
//
// The broker:
//   - Validates the run configuration and probes every selected worker
//   - Partitions the grid and configures the workers in parallel
//   - Hands out a Run that owns the turn counter and the barrier
//   - Remembers every worker it has used so Shutdown can reach them
//
// Thread safety:
//   - StartRun, Current and Shutdown may be called concurrently
//   - A second StartRun while a run is active fails with ErrRunInProgress
type Broker struct {
	client cluster.WorkerClient
	opts   Options

	mu      sync.Mutex
	current *Run
	known   []string
}

// NewBroker creates a broker that reaches workers through client.
func NewBroker(client cluster.WorkerClient, opts Options) *Broker {
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = defaultControlTimeout
	}
	return &Broker{client: client, opts: opts}
}

// StartRun validates cfg, partitions world across the selected workers and
// configures them. The returned run is at turn 0 and has not issued any turn.
//
// Errors:
//   - ErrConfiguration: invalid cfg, world of the wrong size, or a worker
//     that does not answer its health probe
//   - ErrRunInProgress: another run is still active
//   - ErrWorkerFailed: a worker rejected its configuration
func (b *Broker) StartRun(ctx context.Context, cfg config.RunConfig, world life.Grid) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if world.Width() != cfg.Width || world.Height() != cfg.Height {
		return nil, cerror.ErrConfiguration.GenWithStackByArgs(fmt.Sprintf(
			"initial grid is %dx%d, configured %dx%d", world.Width(), world.Height(), cfg.Width, cfg.Height))
	}

	b.mu.Lock()
	if b.current != nil && !b.current.Finished() {
		id := b.current.ID()
		b.mu.Unlock()
		return nil, cerror.ErrRunInProgress.GenWithStackByArgs(id)
	}
	r := newRun(uuid.NewString(), cfg, b.client, b.opts)
	b.current = r
	for _, addr := range cfg.SelectedWorkers() {
		if !slices.Contains(b.known, addr) {
			b.known = append(b.known, addr)
		}
	}
	b.mu.Unlock()

	if err := r.start(ctx, world); err != nil {
		r.finish(err)
		return nil, err
	}
	return r, nil
}

// Current returns the most recent run, finished or not.
func (b *Broker) Current() (*Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return nil, cerror.ErrNoActiveRun.GenWithStackByArgs()
	}
	return b.current, nil
}

// Shutdown aborts the active run and asks every worker the broker has used
// to shut down. Failures are logged; the first one is returned.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	run := b.current
	known := slices.Clone(b.known)
	b.mu.Unlock()

	if run != nil && !run.Finished() {
		run.Abort()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range known {
		g.Go(func() error {
			if err := b.client.Shutdown(gctx, addr); err != nil {
				log.Warn("failed to shut down worker", zap.String("addr", addr), zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// start probes, partitions and configures. It runs once, before any turn.
func (r *Run) start(ctx context.Context, world life.Grid) error {
	addrs := r.cfg.SelectedWorkers()

	ids := make([]string, len(addrs))
	probe, pctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		probe.Go(func() error {
			cctx, cancel := context.WithTimeout(pctx, r.opts.ControlTimeout)
			defer cancel()
			health, err := r.client.Health(cctx, addr)
			if err != nil {
				return cerror.WrapError(cerror.ErrConfiguration, err,
					fmt.Sprintf("worker %s is unreachable: %v", addr, err))
			}
			ids[i] = health.ID
			return nil
		})
	}
	if err := probe.Wait(); err != nil {
		return err
	}

	ranges, err := partition.Plan(r.cfg.Height, r.cfg.Workers)
	if err != nil {
		return err
	}
	r.registry = NewPartitionRegistry(ranges)
	if err := r.registry.AssignInOrder(addrs); err != nil {
		return cerror.WrapError(cerror.ErrConfiguration, err, err.Error())
	}
	for i, addr := range addrs {
		r.registry.SetWorkerID(addr, ids[i])
	}
	r.neighbours = partition.Neighbours(len(ranges), r.cfg.Boundary)

	r.edges = make([]edge, len(ranges))
	for i, rg := range ranges {
		r.edges[i] = edge{top: world[rg.Start], bottom: world[rg.End-1]}
	}

	assignments := r.registry.All()
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range assignments {
		req := &cluster.ConfigureRequest{
			RunID:       r.id,
			Partition:   a.Partition,
			Width:       r.cfg.Width,
			Height:      r.cfg.Height,
			Rows:        cluster.EncodeGrid(world.Rows(a.Partition.Start, a.Partition.End)),
			Boundary:    r.cfg.Boundary,
			HaloMode:    r.cfg.HaloMode,
			Halo:        r.haloFor(i),
			Parallelism: r.cfg.Parallelism,
		}
		for _, n := range r.neighbours[i] {
			req.Neighbours = append(req.Neighbours, cluster.NeighbourInfo{
				Index: n.Index,
				Addr:  assignments[n.Index].Addr,
				Side:  n.Side,
			})
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, r.opts.ControlTimeout)
			defer cancel()
			if err := r.client.Configure(cctx, a.Addr, req); err != nil {
				return cerror.WrapError(cerror.ErrWorkerFailed, err, a.Addr, 0)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.stopWorkers()
		return err
	}

	r.alive.Store(int64(world.AliveCount()))
	r.mu.Lock()
	r.started = time.Now()
	r.mu.Unlock()
	r.setState(StateRunning)
	metrics.BrokerActiveWorkers.Set(float64(len(assignments)))

	if r.opts.HealthInterval > 0 {
		monitor := NewHealthMonitor(r.opts.HealthInterval, r.client)
		monitor.SetOnUnhealthy(r.workerLost)
		r.mu.Lock()
		r.monitor = monitor
		r.mu.Unlock()
		monitor.Start(r.ctx, r.registry.Addrs)
	}

	log.Info("run started",
		zap.String("runID", r.id),
		zap.Int("workers", len(assignments)),
		zap.Int("width", r.cfg.Width),
		zap.Int("height", r.cfg.Height),
		zap.Int("turns", r.cfg.Turns),
		zap.String("boundary", string(r.cfg.Boundary)),
		zap.String("haloMode", string(r.cfg.HaloMode)))
	return nil
}
