// Package worker implements the worker node: it owns one partition of the
// grid, advances it one turn at a time on request from the broker, and trades
// boundary rows with its neighbours.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/halo/internal/cluster"
	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/life"
	"github.com/dreamware/halo/internal/metrics"
	"github.com/dreamware/halo/internal/partition"
	"github.com/dreamware/halo/internal/storage"
)

const (
	defaultHaloWait = 10 * time.Second
	// versions kept in the store: the committed turn and the one before it
	retainedVersions = 2
)

// Config tunes a Worker.
type Config struct {
	// ID names the worker in logs, metrics and acknowledgements.
	ID string
	// Parallelism is the number of goroutines a turn is split across when the
	// broker does not ask for a specific value. Defaults to runtime.NumCPU().
	Parallelism int
	// HaloWait bounds how long a turn waits for one neighbour row.
	HaloWait time.Duration
}

// runState is the immutable description of the run a worker is configured
// for. Only stopped changes, under Worker.mu.
type runState struct {
	id          string
	part        partition.Range
	width       int
	height      int
	boundary    partition.Boundary
	haloMode    cluster.HaloMode
	neighbours  []cluster.NeighbourInfo
	parallelism int
	stopped     bool
}

// Worker owns one partition of the grid for the duration of a run.
//
// Each worker:
//   - Keeps committed partition versions in a turn-keyed store
//   - Executes exactly one turn per broker request, strictly in order
//   - Receives neighbour rows into a mailbox and pushes its own after commit
//   - Never commits a turn that was cancelled or failed
//
// Concurrency model:
//   - turnMu serializes Configure and ExecuteTurn
//   - mu protects the run description, the cached ack and the cancel func
//   - the committed turn is an atomic so health and progress never block
//     behind a running turn
type Worker struct {
	cfg     Config
	client  cluster.WorkerClient
	store   storage.Store
	mailbox *Mailbox

	turn  *atomic.Int64
	alive *atomic.Int64

	turnMu sync.Mutex

	mu         sync.Mutex
	run        *runState
	lastAck    *cluster.TurnResponse
	cancelTurn context.CancelFunc
}

// New creates an unconfigured worker. client is used to push halo rows to
// neighbours in peer mode.
func New(cfg Config, client cluster.WorkerClient) *Worker {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.NumCPU()
	}
	if cfg.HaloWait <= 0 {
		cfg.HaloWait = defaultHaloWait
	}
	return &Worker{
		cfg:     cfg,
		client:  client,
		store:   storage.NewMemoryStore(),
		mailbox: NewMailbox(),
		turn:    atomic.NewInt64(0),
		alive:   atomic.NewInt64(0),
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Health reports liveness together with the current run and turn.
func (w *Worker) Health() *cluster.HealthResponse {
	resp := &cluster.HealthResponse{
		Status:   "ok",
		ID:       w.cfg.ID,
		Turn:     int(w.turn.Load()),
		Versions: w.store.Stats().Versions,
	}
	if run := w.currentRun(); run != nil {
		resp.RunID = run.id
	}
	return resp
}

// Configure prepares the worker for a run. Any previous run is stopped and
// forgotten; the partition rows become state 0 and the initial halo rows are
// placed in the mailbox for turn 0.
//
// Validation:
//   - rows must match the partition size and the global width
//   - neighbour sides must be known and carry an address
//   - initial halo rows must be nil or one row wide
//
// Any violation is ErrInvalidRequest and leaves the worker unconfigured.
func (w *Worker) Configure(ctx context.Context, req *cluster.ConfigureRequest) error {
	w.Stop(ctx, "")

	w.turnMu.Lock()
	defer w.turnMu.Unlock()

	rows, err := cluster.DecodeGrid(req.Rows)
	if err != nil {
		return err
	}
	if err := validateConfigure(req, rows); err != nil {
		return err
	}
	parallelism := req.Parallelism
	if parallelism <= 0 {
		parallelism = w.cfg.Parallelism
	}

	run := &runState{
		id:          req.RunID,
		part:        req.Partition,
		width:       req.Width,
		height:      req.Height,
		boundary:    req.Boundary,
		haloMode:    req.HaloMode,
		neighbours:  append([]cluster.NeighbourInfo(nil), req.Neighbours...),
		parallelism: parallelism,
	}

	w.store.Reset()
	if err := w.store.Put(0, rows); err != nil {
		return errors.Trace(err)
	}
	w.mailbox.Reset(req.RunID)
	for _, n := range run.neighbours {
		row := req.Halo.Above
		if n.Side == partition.SideBelow {
			row = req.Halo.Below
		}
		if err := w.mailbox.Deliver(req.RunID, 0, n.Side, row); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.run = run
	w.lastAck = nil
	w.mu.Unlock()
	w.turn.Store(0)
	w.alive.Store(int64(rows.AliveCount()))
	metrics.WorkerTurn.WithLabelValues(w.cfg.ID).Set(0)

	log.Info("worker configured",
		zap.String("worker", w.cfg.ID),
		zap.String("runID", run.id),
		zap.Stringer("partition", run.part),
		zap.Int("width", run.width),
		zap.String("boundary", string(run.boundary)),
		zap.String("haloMode", string(run.haloMode)),
		zap.Int("neighbours", len(run.neighbours)),
		zap.Int("parallelism", run.parallelism))
	return nil
}

func validateConfigure(req *cluster.ConfigureRequest, rows life.Grid) error {
	invalid := func(format string, args ...interface{}) error {
		return cerror.ErrInvalidRequest.GenWithStackByArgs(fmt.Sprintf(format, args...))
	}
	if req.RunID == "" {
		return invalid("run id is required")
	}
	if req.Partition.Size() < 1 {
		return invalid("partition %s owns no rows", req.Partition)
	}
	if rows.Height() != req.Partition.Size() {
		return invalid("partition %s carries %d rows", req.Partition, rows.Height())
	}
	if req.Width < 1 || rows.Width() != req.Width {
		return invalid("rows are %d cells wide, want %d", rows.Width(), req.Width)
	}
	if _, err := partition.ParseBoundary(string(req.Boundary)); err != nil || req.Boundary == "" {
		return invalid("unknown boundary %q", req.Boundary)
	}
	if _, err := cluster.ParseHaloMode(string(req.HaloMode)); err != nil || req.HaloMode == "" {
		return invalid("unknown halo mode %q", req.HaloMode)
	}
	if len(req.Neighbours) > 2 {
		return invalid("%d neighbours, at most 2 allowed", len(req.Neighbours))
	}
	for _, n := range req.Neighbours {
		if !n.Side.Valid() {
			return invalid("neighbour %d has unknown side %q", n.Index, n.Side)
		}
		if req.HaloMode == cluster.HaloPeer && n.Addr == "" {
			return invalid("neighbour %d has no address", n.Index)
		}
	}
	for _, row := range [][]byte{req.Halo.Above, req.Halo.Below} {
		if row != nil && len(row) != req.Width {
			return invalid("halo row is %d cells wide, want %d", len(row), req.Width)
		}
	}
	return nil
}

// ExecuteTurn advances the partition from state req.Turn to req.Turn+1.
//
// Behavior:
//   - A request for the turn just executed returns the cached ack
//   - Any other turn than the committed one is ErrTurnOutOfOrder
//   - Halo rows come from req.Halo in relay mode, from the mailbox otherwise
//   - A neighbour row that is missing after HaloWait, or malformed, is
//     ErrNeighborExchange
//   - In peer mode the new boundary rows are pushed to the neighbours before
//     the ack is returned
//
// A turn cancelled by ctx or by Stop returns without committing; the
// previous state stays readable through ReportState.
func (w *Worker) ExecuteTurn(ctx context.Context, req *cluster.TurnRequest) (*cluster.TurnResponse, error) {
	w.turnMu.Lock()
	defer w.turnMu.Unlock()

	w.mu.Lock()
	run := w.run
	if run == nil || run.id != req.RunID {
		w.mu.Unlock()
		return nil, cerror.ErrNotConfigured.GenWithStackByArgs(req.RunID)
	}
	current := int(w.turn.Load())
	if last := w.lastAck; last != nil && req.Turn == last.Turn && req.Turn == current-1 {
		ack := *last
		w.mu.Unlock()
		log.Debug("turn already committed, replaying ack",
			zap.String("worker", w.cfg.ID), zap.Int("turn", req.Turn))
		return &ack, nil
	}
	if req.Turn != current {
		w.mu.Unlock()
		return nil, cerror.ErrTurnOutOfOrder.GenWithStackByArgs(req.Turn, current)
	}
	if run.stopped {
		w.mu.Unlock()
		return nil, cerror.ErrRunAborted.GenWithStackByArgs(run.id, current)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	w.cancelTurn = cancel
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.cancelTurn = nil
		w.mu.Unlock()
		cancel()
	}()

	ack, err := w.executeTurn(turnCtx, run, req)
	if err != nil && turnCtx.Err() != nil && ctx.Err() == nil {
		// cancelled through Stop
		return nil, cerror.ErrRunAborted.GenWithStackByArgs(run.id, current)
	}
	return ack, err
}

func (w *Worker) executeTurn(ctx context.Context, run *runState, req *cluster.TurnRequest) (*cluster.TurnResponse, error) {
	turn := req.Turn
	rows, err := w.store.Get(turn)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrWorkerFailed, err, w.cfg.ID, turn)
	}

	halo, err := w.gatherHalo(ctx, run, req, rows)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	next, err := life.Step(ctx, rows, halo, life.Options{
		WrapColumns: run.boundary == partition.BoundaryTorus,
		Parallelism: run.parallelism,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		return nil, cerror.WrapError(cerror.ErrWorkerFailed, err, w.cfg.ID, turn)
	}
	metrics.WorkerComputeDuration.WithLabelValues(w.cfg.ID).Observe(time.Since(start).Seconds())
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}

	if err := w.store.Put(turn+1, next); err != nil {
		return nil, cerror.WrapError(cerror.ErrWorkerFailed, err, w.cfg.ID, turn)
	}
	w.store.Prune(retainedVersions)
	w.mailbox.Discard(turn)
	alive := next.AliveCount()
	w.alive.Store(int64(alive))

	ack := &cluster.TurnResponse{
		RunID:    run.id,
		WorkerID: w.cfg.ID,
		Turn:     turn,
		Alive:    alive,
		Top:      next[0],
		Bottom:   next[next.Height()-1],
	}
	w.mu.Lock()
	w.lastAck = ack
	w.mu.Unlock()
	w.turn.Store(int64(turn + 1))
	metrics.WorkerTurn.WithLabelValues(w.cfg.ID).Set(float64(turn + 1))

	if run.haloMode == cluster.HaloPeer {
		if err := w.pushHalo(ctx, run, turn+1, next); err != nil {
			return nil, err
		}
	}

	out := *ack
	return &out, nil
}

// gatherHalo collects the two rows bordering the partition for state turn.
// Sides without a neighbour are dead, except for a lone partition on a torus,
// which wraps onto its own rows.
func (w *Worker) gatherHalo(ctx context.Context, run *runState, req *cluster.TurnRequest, rows life.Grid) (life.Halo, error) {
	var halo life.Halo
	if len(run.neighbours) == 0 {
		if run.boundary == partition.BoundaryTorus {
			halo.Above = rows[rows.Height()-1]
			halo.Below = rows[0]
		}
		return halo, nil
	}

	start := time.Now()
	defer func() {
		metrics.WorkerHaloWaitDuration.WithLabelValues(w.cfg.ID).Observe(time.Since(start).Seconds())
	}()

	for _, n := range run.neighbours {
		var row []byte
		if req.Halo != nil {
			row = req.Halo.Above
			if n.Side == partition.SideBelow {
				row = req.Halo.Below
			}
			if row == nil {
				return halo, cerror.ErrNeighborExchange.GenWithStackByArgs(req.Turn,
					fmt.Sprintf("relayed halo has no %s row", n.Side))
			}
		} else {
			waitCtx, cancel := context.WithTimeout(ctx, w.cfg.HaloWait)
			got, err := w.mailbox.Wait(waitCtx, req.Turn, n.Side)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return halo, errors.Trace(ctx.Err())
				}
				return halo, cerror.ErrNeighborExchange.GenWithStackByArgs(req.Turn,
					fmt.Sprintf("no %s row from partition %d within %s", n.Side, n.Index, w.cfg.HaloWait))
			}
			row = got
			metrics.WorkerHaloRowsTotal.WithLabelValues(w.cfg.ID, "in").Inc()
		}
		if len(row) != run.width {
			return halo, cerror.ErrNeighborExchange.GenWithStackByArgs(req.Turn,
				fmt.Sprintf("%s row is %d cells wide, want %d", n.Side, len(row), run.width))
		}
		if n.Side == partition.SideAbove {
			halo.Above = row
		} else {
			halo.Below = row
		}
	}
	return halo, nil
}

// pushHalo sends the boundary rows of state turn to every neighbour. A
// neighbour above receives the first row as its below halo, a neighbour below
// receives the last row as its above halo.
func (w *Worker) pushHalo(ctx context.Context, run *runState, turn int, rows life.Grid) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.HaloWait)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range run.neighbours {
		msg := &cluster.HaloMessage{
			RunID: run.id,
			Turn:  turn,
			From:  run.part.Index,
			Side:  n.Side.Opposite(),
		}
		if n.Side == partition.SideAbove {
			msg.Row = rows[0]
		} else {
			msg.Row = rows[rows.Height()-1]
		}
		g.Go(func() error {
			if err := w.client.PushHalo(gctx, n.Addr, msg); err != nil {
				return cerror.WrapError(cerror.ErrNeighborExchange, err, turn,
					fmt.Sprintf("push %s row to partition %d at %s", msg.Side, n.Index, n.Addr))
			}
			metrics.WorkerHaloRowsTotal.WithLabelValues(w.cfg.ID, "out").Inc()
			return nil
		})
	}
	return g.Wait()
}

// ReceiveHalo accepts a boundary row pushed by a neighbour. Rows for turns
// already committed are stale retries and are dropped.
func (w *Worker) ReceiveHalo(msg *cluster.HaloMessage) error {
	run := w.currentRun()
	if run == nil || run.id != msg.RunID {
		return cerror.ErrNotConfigured.GenWithStackByArgs(msg.RunID)
	}
	if msg.Turn < int(w.turn.Load()) {
		log.Debug("dropping stale halo row",
			zap.String("worker", w.cfg.ID), zap.Int("turn", msg.Turn), zap.Int("from", msg.From))
		return nil
	}
	if len(msg.Row) != run.width {
		return cerror.ErrNeighborExchange.GenWithStackByArgs(msg.Turn,
			fmt.Sprintf("pushed row is %d cells wide, want %d", len(msg.Row), run.width))
	}
	return w.mailbox.Deliver(msg.RunID, msg.Turn, msg.Side, msg.Row)
}

// ReportState returns the partition at turn, or at the last committed turn
// when turn is negative. Only the committed turn and the one before it are
// retained; older turns are ErrTurnOutOfOrder.
func (w *Worker) ReportState(turn int) (*cluster.StateResponse, error) {
	run := w.currentRun()
	if run == nil {
		return nil, cerror.ErrNotConfigured.GenWithStackByArgs("")
	}
	var (
		rows life.Grid
		err  error
	)
	if turn < 0 {
		turn, rows, err = w.store.Latest()
	} else {
		rows, err = w.store.Get(turn)
		if errors.Cause(err) == storage.ErrTurnNotFound {
			return nil, cerror.ErrTurnOutOfOrder.GenWithStackByArgs(turn, int(w.turn.Load()))
		}
	}
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrWorkerFailed, err, w.cfg.ID, int(w.turn.Load()))
	}
	return &cluster.StateResponse{
		RunID:     run.id,
		WorkerID:  w.cfg.ID,
		Partition: run.part,
		Turn:      turn,
		Rows:      cluster.EncodeGrid(rows),
	}, nil
}

// Progress returns the committed turn and the alive cells of the partition.
func (w *Worker) Progress() *cluster.ProgressResponse {
	resp := &cluster.ProgressResponse{
		Turn:  int(w.turn.Load()),
		Alive: int(w.alive.Load()),
	}
	if run := w.currentRun(); run != nil {
		resp.RunID = run.id
	}
	return resp
}

// Stop cancels the in-flight turn of runID and refuses further turns for it.
// An empty runID matches any run. The committed state stays readable.
func (w *Worker) Stop(_ context.Context, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.run == nil || (runID != "" && runID != w.run.id) {
		return
	}
	if !w.run.stopped {
		log.Info("worker stopping run",
			zap.String("worker", w.cfg.ID),
			zap.String("runID", w.run.id),
			zap.Int64("turn", w.turn.Load()))
	}
	w.run.stopped = true
	if w.cancelTurn != nil {
		w.cancelTurn()
	}
}

func (w *Worker) currentRun() *runState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.run
}
