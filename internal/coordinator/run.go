package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/halo/internal/cluster"
	"github.com/dreamware/halo/internal/config"
	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/life"
	"github.com/dreamware/halo/internal/metrics"
	"github.com/dreamware/halo/internal/partition"
)

// State is the lifecycle position of a run.
type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateQuit      State = "quit"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// Terminal reports whether no further turn can be issued in this state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateQuit, StateAborted, StateFailed:
		return true
	}
	return false
}

// RunResult is the assembled world of a run at one committed turn.
type RunResult struct {
	RunID     string
	Turn      int
	Turns     int
	World     life.Grid
	Alive     int
	Completed bool
	Latency   cluster.LatencySummary
	Elapsed   time.Duration
}

// Response converts the result to its wire form.
func (r *RunResult) Response() *cluster.RunResultResponse {
	return &cluster.RunResultResponse{
		RunID:     r.RunID,
		Turn:      r.Turn,
		Turns:     r.Turns,
		Completed: r.Completed,
		Alive:     r.Alive,
		World:     cluster.EncodeGrid(r.World),
		Latency:   r.Latency,
		ElapsedMs: r.Elapsed.Milliseconds(),
	}
}

// edge holds the first and last row a partition committed at the run's
// current turn. Relay mode forwards them as halos.
type edge struct {
	top    []byte
	bottom []byte
}

// Run is one lockstep computation over a fixed set of workers.
//
// The run owns the only turn counter. AdvanceTurn issues turn T to every
// worker and returns only after all of them acknowledged it, so no worker
// ever starts T+1 before every worker finished T. The first failure aborts
// the whole run: every worker is told to stop and the run keeps the cause.
type Run struct {
	id     string
	cfg    config.RunConfig
	client cluster.WorkerClient
	opts   Options

	registry   *PartitionRegistry
	neighbours [][]partition.Neighbour
	stats      *TurnStats

	turn  *atomic.Int64
	alive *atomic.Int64
	quit  *atomic.Bool

	// advanceMu serialises turns against snapshots.
	advanceMu sync.Mutex

	mu       sync.Mutex
	monitor  *HealthMonitor
	started  time.Time
	state    State
	edges    []edge
	err      error
	aborted  bool
	finished time.Time
	resume   chan struct{}
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newRun(id string, cfg config.RunConfig, client cluster.WorkerClient, opts Options) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	return &Run{
		id:     id,
		cfg:    cfg,
		client: client,
		opts:   opts,
		stats:  NewTurnStats(),
		turn:   atomic.NewInt64(0),
		alive:  atomic.NewInt64(0),
		quit:   atomic.NewBool(false),
		state:  StateStarting,
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Config returns the validated configuration of the run.
func (r *Run) Config() config.RunConfig { return r.cfg }

// Registry returns the partition assignments of the run.
func (r *Run) Registry() *PartitionRegistry { return r.registry }

// Turn returns the number of turns every worker has completed.
func (r *Run) Turn() int { return int(r.turn.Load()) }

// Alive returns the alive cell count at Turn.
func (r *Run) Alive() int { return int(r.alive.Load()) }

// Progress returns the last committed turn and its alive cell count.
func (r *Run) Progress() (turn, alive int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Turn(), r.Alive()
}

// Done is closed once the run reached a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns the cause that ended the run, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// State returns the lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Finished reports whether the run reached a terminal state.
func (r *Run) Finished() bool {
	return r.State().Terminal()
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Terminal() {
		r.state = s
	}
}

func (r *Run) workerStatus(a Assignment) cluster.WorkerStatus {
	ws := cluster.WorkerStatus{Partition: a.Partition, Addr: a.Addr, WorkerID: a.WorkerID}
	r.mu.Lock()
	monitor := r.monitor
	r.mu.Unlock()
	if monitor != nil {
		if h := monitor.GetWorkerHealth(a.Addr); h != nil {
			ws.Health = h.Status
			ws.ConsecutiveFails = h.ConsecutiveFails
		}
	}
	return ws
}

// Workers lists every partition of the run with its worker, in partition
// order.
func (r *Run) Workers() []cluster.WorkerStatus {
	all := r.registry.All()
	out := make([]cluster.WorkerStatus, 0, len(all))
	for _, a := range all {
		out = append(out, r.workerStatus(a))
	}
	return out
}

// RowOwner returns the worker holding global row.
func (r *Run) RowOwner(row int) (*cluster.WorkerStatus, error) {
	a, err := r.registry.OwnerOfRow(row)
	if err != nil {
		return nil, cerror.ErrInvalidRequest.GenWithStackByArgs(err.Error())
	}
	ws := r.workerStatus(*a)
	return &ws, nil
}

// Status reports the progress of the run.
func (r *Run) Status() *cluster.RunStatus {
	r.mu.Lock()
	state, err, started, finished := r.state, r.err, r.started, r.finished
	r.mu.Unlock()

	status := &cluster.RunStatus{
		RunID:   r.id,
		State:   string(state),
		Turn:    r.Turn(),
		Turns:   r.cfg.Turns,
		Alive:   r.Alive(),
		Workers: r.cfg.Workers,
	}
	if !started.IsZero() {
		end := time.Now()
		if !finished.IsZero() {
			end = finished
		}
		status.ElapsedMs = end.Sub(started).Milliseconds()
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// haloFor builds the halo rows partition i needs for the current turn from
// the committed edges of its neighbours.
func (r *Run) haloFor(i int) cluster.HaloRows {
	var h cluster.HaloRows
	for _, n := range r.neighbours[i] {
		if n.Side == partition.SideAbove {
			h.Above = r.edges[n.Index].bottom
		} else {
			h.Below = r.edges[n.Index].top
		}
	}
	return h
}

// AdvanceTurn executes one turn on every worker and waits for all of them.
// It returns once every worker acknowledged the turn, or with the first
// failure after the run has been aborted.
//
// Errors:
//   - ErrWorkerTimeout: a worker did not acknowledge within the turn timeout,
//     or it could not obtain its halo in time
//   - ErrWorkerFailed: a worker rejected the turn or answered garbage
//   - ErrRunAborted: the run or ctx was cancelled
//   - ErrInvalidRequest: the run already reached its last turn
func (r *Run) AdvanceTurn(ctx context.Context) error {
	r.advanceMu.Lock()
	defer r.advanceMu.Unlock()

	if err := r.Err(); err != nil {
		return err
	}
	turn := r.Turn()
	if turn >= r.cfg.Turns {
		return cerror.ErrInvalidRequest.GenWithStackByArgs(
			fmt.Sprintf("run %s already reached its last turn %d", r.id, r.cfg.Turns))
	}

	turnCtx, cancel := context.WithTimeout(ctx, r.cfg.TurnTimeout)
	defer cancel()
	stopOnAbort := context.AfterFunc(r.ctx, cancel)
	defer stopOnAbort()

	assignments := r.registry.All()
	requests := make([]*cluster.TurnRequest, len(assignments))
	r.mu.Lock()
	for i := range assignments {
		requests[i] = &cluster.TurnRequest{RunID: r.id, Turn: turn}
		if r.cfg.HaloMode == cluster.HaloRelay && len(r.neighbours[i]) > 0 {
			halo := r.haloFor(i)
			requests[i].Halo = &halo
		}
	}
	r.mu.Unlock()

	start := time.Now()
	acks := make([]*cluster.TurnResponse, len(assignments))
	g, gctx := errgroup.WithContext(turnCtx)
	for i, a := range assignments {
		g.Go(func() error {
			ack, err := r.client.ExecuteTurn(gctx, a.Addr, requests[i])
			if err != nil {
				return r.classify(ctx, turnCtx, a.Addr, turn, err)
			}
			if ack.Turn != turn || len(ack.Top) != r.cfg.Width || len(ack.Bottom) != r.cfg.Width {
				return cerror.ErrWorkerFailed.GenWithStackByArgs(a.Addr, turn)
			}
			acks[i] = ack
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("turn failed, aborting run",
			zap.String("runID", r.id),
			zap.Int("turn", turn),
			zap.Error(err))
		r.abort(err)
		return r.Err()
	}

	alive := 0
	r.mu.Lock()
	for i, ack := range acks {
		r.edges[i] = edge{top: ack.Top, bottom: ack.Bottom}
		alive += ack.Alive
	}
	r.alive.Store(int64(alive))
	r.turn.Store(int64(turn + 1))
	r.mu.Unlock()

	elapsed := time.Since(start)
	r.stats.Record(elapsed)
	metrics.BrokerTurnDuration.Observe(elapsed.Seconds())
	metrics.BrokerTurnsTotal.Inc()

	log.Debug("turn completed",
		zap.String("runID", r.id),
		zap.Int("turn", turn),
		zap.Int("alive", alive),
		zap.Duration("elapsed", elapsed))
	return nil
}

// classify maps a failed turn call to the error the run reports.
func (r *Run) classify(parent, turnCtx context.Context, addr string, turn int, err error) error {
	switch {
	case r.ctx.Err() != nil:
		if cause := r.Err(); cause != nil {
			return cause
		}
		return cerror.ErrRunAborted.GenWithStackByArgs(r.id, turn)
	case parent.Err() != nil:
		return cerror.ErrRunAborted.GenWithStackByArgs(r.id, turn)
	case turnCtx.Err() == context.DeadlineExceeded:
		return cerror.WrapError(cerror.ErrWorkerTimeout, err, addr, turn, r.cfg.TurnTimeout)
	case cerror.Is(err, cerror.ErrNeighborExchange):
		return cerror.WrapError(cerror.ErrWorkerTimeout, err, addr, turn, r.cfg.TurnTimeout)
	case cerror.Is(err, cerror.ErrRunAborted):
		return err
	default:
		return cerror.WrapError(cerror.ErrWorkerFailed, err, addr, turn)
	}
}

// Execute advances the run until the configured number of turns completed,
// Quit was requested, or a failure aborted it. Cancelling ctx aborts the run.
// On success it collects and returns the final world.
func (r *Run) Execute(ctx context.Context) (*RunResult, error) {
	stop := context.AfterFunc(ctx, func() {
		r.abort(cerror.ErrRunAborted.GenWithStackByArgs(r.id, r.Turn()))
	})
	defer stop()

	for r.Turn() < r.cfg.Turns && !r.quit.Load() {
		if err := r.waitWhilePaused(); err != nil {
			return nil, r.finish(err)
		}
		if r.quit.Load() {
			break
		}
		if err := r.AdvanceTurn(ctx); err != nil {
			return nil, r.finish(err)
		}
	}

	result, err := r.CollectResult(ctx)
	if err != nil {
		r.abort(err)
		return nil, r.finish(r.Err())
	}
	r.finish(nil)
	log.Info("run finished",
		zap.String("runID", r.id),
		zap.Int("turn", result.Turn),
		zap.Bool("completed", result.Completed),
		zap.Int("alive", result.Alive),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

func (r *Run) waitWhilePaused() error {
	for {
		r.mu.Lock()
		ch := r.resume
		r.mu.Unlock()
		if ch == nil {
			return r.Err()
		}
		select {
		case <-ch:
		case <-r.ctx.Done():
			if err := r.Err(); err != nil {
				return err
			}
			return cerror.ErrRunAborted.GenWithStackByArgs(r.id, r.Turn())
		}
	}
}

// Pause holds the run between turns. The turn in flight, if any, still
// completes. It returns the last completed turn.
func (r *Run) Pause() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return 0, cerror.ErrNoActiveRun.GenWithStackByArgs()
	}
	if r.resume == nil {
		r.resume = make(chan struct{})
		r.state = StatePaused
	}
	log.Info("run paused", zap.String("runID", r.id), zap.Int64("turn", r.turn.Load()))
	return r.Turn(), nil
}

// Resume releases a paused run.
func (r *Run) Resume() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return 0, cerror.ErrNoActiveRun.GenWithStackByArgs()
	}
	r.release()
	log.Info("run resumed", zap.String("runID", r.id), zap.Int64("turn", r.turn.Load()))
	return r.Turn(), nil
}

// release must be called with mu held.
func (r *Run) release() {
	if r.resume != nil {
		close(r.resume)
		r.resume = nil
		if r.state == StatePaused {
			r.state = StateRunning
		}
	}
}

// Quit ends the run after the turn in flight. Execute then returns the world
// at that turn with Completed unset.
func (r *Run) Quit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return cerror.ErrNoActiveRun.GenWithStackByArgs()
	}
	r.quit.Store(true)
	r.release()
	log.Info("run quit requested", zap.String("runID", r.id), zap.Int64("turn", r.turn.Load()))
	return nil
}

// Abort cancels the turn in flight and stops every worker.
func (r *Run) Abort() {
	r.abort(cerror.ErrRunAborted.GenWithStackByArgs(r.id, r.Turn()))
}

func (r *Run) workerLost(addr string) {
	log.Warn("worker lost during run", zap.String("runID", r.id), zap.String("addr", addr))
	r.abort(cerror.ErrWorkerFailed.GenWithStackByArgs(addr, r.Turn()))
}

// abort records cause unless an earlier one exists, cancels the run and
// stops the workers once.
func (r *Run) abort(cause error) {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	if r.err == nil {
		r.err = cause
	}
	first := !r.aborted
	r.aborted = true
	r.mu.Unlock()

	r.cancel()
	if first && r.registry != nil {
		r.stopWorkers()
	}
}

func (r *Run) stopWorkers() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ControlTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, addr := range r.registry.Addrs() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.client.Stop(ctx, addr, r.id); err != nil {
				log.Warn("failed to stop worker", zap.String("addr", addr), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// finish moves the run to its terminal state and returns err.
func (r *Run) finish(err error) error {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return err
	}
	if err != nil && r.err == nil {
		r.err = err
	}
	switch {
	case err == nil && r.turn.Load() < int64(r.cfg.Turns):
		r.state = StateQuit
	case err == nil:
		r.state = StateCompleted
	case cerror.Is(err, cerror.ErrRunAborted):
		r.state = StateAborted
	default:
		r.state = StateFailed
	}
	state := r.state
	r.finished = time.Now()
	r.release()
	r.mu.Unlock()

	r.cancel()
	r.mu.Lock()
	monitor := r.monitor
	r.mu.Unlock()
	if monitor != nil {
		monitor.Stop()
	}
	close(r.done)
	metrics.BrokerRunsTotal.WithLabelValues(string(state)).Inc()
	metrics.BrokerActiveWorkers.Set(0)
	return err
}

// CollectResult assembles the final world. It fails with ErrRunNotComplete
// while turns remain, unless Quit was requested.
func (r *Run) CollectResult(ctx context.Context) (*RunResult, error) {
	turn := r.Turn()
	if turn < r.cfg.Turns && !r.quit.Load() {
		return nil, cerror.ErrRunNotComplete.GenWithStackByArgs(turn, r.cfg.Turns)
	}
	return r.Snapshot(ctx)
}

// Snapshot assembles the world at the last turn every worker committed. It
// waits for the turn in flight and also works after an abort, because the
// workers keep their last committed rows.
func (r *Run) Snapshot(ctx context.Context) (*RunResult, error) {
	r.advanceMu.Lock()
	defer r.advanceMu.Unlock()

	if r.registry == nil {
		return nil, cerror.ErrNoActiveRun.GenWithStackByArgs()
	}
	turn := r.Turn()
	world, err := r.assemble(ctx, turn)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	started, end := r.started, time.Now()
	if !r.finished.IsZero() {
		end = r.finished
	}
	r.mu.Unlock()

	return &RunResult{
		RunID:     r.id,
		Turn:      turn,
		Turns:     r.cfg.Turns,
		World:     world,
		Alive:     world.AliveCount(),
		Completed: turn == r.cfg.Turns,
		Latency:   r.stats.Summary(),
		Elapsed:   end.Sub(started),
	}, nil
}

func (r *Run) assemble(ctx context.Context, turn int) (life.Grid, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ControlTimeout)
	defer cancel()

	world := make(life.Grid, r.cfg.Height)
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range r.registry.All() {
		g.Go(func() error {
			state, err := r.client.State(gctx, a.Addr, turn)
			if err != nil {
				return cerror.WrapError(cerror.ErrWorkerFailed, err, a.Addr, turn)
			}
			rows, err := cluster.DecodeGrid(state.Rows)
			if err != nil {
				return cerror.WrapError(cerror.ErrWorkerFailed, err, a.Addr, turn)
			}
			if state.Turn != turn || state.Partition != a.Partition ||
				rows.Height() != a.Partition.Size() || rows.Width() != r.cfg.Width {
				return cerror.ErrWorkerFailed.GenWithStackByArgs(a.Addr, turn)
			}
			copy(world[a.Partition.Start:a.Partition.End], rows)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return world, nil
}
