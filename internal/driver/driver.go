// Package driver runs a computation end to end from the client side: it
// builds the initial world, submits the run to the broker, reports progress,
// forwards interactive commands and writes the final world as a PGM image.
package driver

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/dreamware/halo/internal/cluster"
	"github.com/dreamware/halo/internal/config"
	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/life"
	"github.com/dreamware/halo/internal/pgm"
)

// Exit codes of the golrun command.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
	ExitWorkerTimeout = 3
	ExitAborted       = 4
)

const controlTimeout = 5 * time.Second

// Keys understood on the command channel.
const (
	KeyPause    = 'p'
	KeySnapshot = 's'
	KeyQuit     = 'q'
	KeyKill     = 'k'
)

// Client is the part of the broker API the driver uses.
type Client interface {
	Run(ctx context.Context, req *cluster.RunRequest) (*cluster.RunResultResponse, error)
	Status(ctx context.Context) (*cluster.RunStatus, error)
	Snapshot(ctx context.Context) (*cluster.RunResultResponse, error)
	Pause(ctx context.Context) (*cluster.RunStatus, error)
	Resume(ctx context.Context) (*cluster.RunStatus, error)
	Quit(ctx context.Context) (*cluster.RunStatus, error)
	Abort(ctx context.Context) (*cluster.RunStatus, error)
	Shutdown(ctx context.Context) error
}

// Outcome describes a finished run.
type Outcome struct {
	Result *cluster.RunResultResponse
	World  life.Grid
	// Output is the path of the PGM image written for the final world.
	Output string
}

// Driver submits one run to a broker.
type Driver struct {
	cfg    config.DriverConfig
	client Client

	mu       sync.Mutex
	paused   bool
	shutdown bool
}

// New creates a driver for cfg. cfg is validated by Run.
func New(cfg config.DriverConfig, client Client) *Driver {
	return &Driver{cfg: cfg, client: client}
}

// LoadWorld returns the initial world: the PGM image named by Input, or a
// seeded random grid of the configured size. An image overrides the
// configured size.
func (d *Driver) LoadWorld() (life.Grid, error) {
	if d.cfg.Input == "" {
		if d.cfg.Run.Width < 1 || d.cfg.Run.Height < 1 {
			return nil, cerror.ErrConfiguration.GenWithStackByArgs("grid size must be positive")
		}
		return life.Random(d.cfg.Run.Width, d.cfg.Run.Height, d.cfg.Seed, d.cfg.Density), nil
	}
	world, err := pgm.ReadFile(d.cfg.Input)
	if err != nil {
		return nil, err
	}
	if world.Width() != d.cfg.Run.Width || world.Height() != d.cfg.Run.Height {
		log.Info("using the size of the input image",
			zap.String("input", d.cfg.Input),
			zap.Int("width", world.Width()),
			zap.Int("height", world.Height()))
	}
	return world, nil
}

// Run executes the computation and blocks until the broker returns the final
// world. Cancelling ctx aborts the run on the broker; the error is then
// ErrRunAborted. keys may be nil; see the Key constants.
func (d *Driver) Run(ctx context.Context, keys <-chan rune) (*Outcome, error) {
	world, err := d.LoadWorld()
	if err != nil {
		return nil, err
	}
	d.cfg.Run.Width, d.cfg.Run.Height = world.Width(), world.Height()
	if err := d.cfg.Validate(); err != nil {
		return nil, err
	}

	req := &cluster.RunRequest{
		Workers:       d.cfg.Run.Workers,
		WorkerAddrs:   d.cfg.Run.WorkerAddrs,
		Turns:         d.cfg.Run.Turns,
		Boundary:      d.cfg.Run.Boundary,
		HaloMode:      d.cfg.Run.HaloMode,
		TurnTimeoutMs: d.cfg.Run.TurnTimeout.Milliseconds(),
		Parallelism:   d.cfg.Run.Parallelism,
		World:         cluster.EncodeGrid(world),
	}
	log.Info("submitting run",
		zap.String("broker", d.cfg.Run.BrokerAddr),
		zap.Strings("workers", d.cfg.Run.SelectedWorkers()),
		zap.Int("turns", req.Turns),
		zap.Int("width", world.Width()),
		zap.Int("height", world.Height()),
		zap.Int("alive", world.AliveCount()))

	type reply struct {
		result *cluster.RunResultResponse
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		// the broker aborts a run whose request goes away, so the call itself
		// outlives ctx and the abort is explicit
		result, err := d.client.Run(context.WithoutCancel(ctx), req)
		done <- reply{result, err}
	}()

	var ticker <-chan time.Time
	if d.cfg.ProgressInterval > 0 {
		t := time.NewTicker(d.cfg.ProgressInterval)
		defer t.Stop()
		ticker = t.C
	}

	cancelled := ctx.Done()
	var r reply
wait:
	for {
		select {
		case r = <-done:
			break wait
		case <-ticker:
			d.reportProgress(ctx)
		case key, ok := <-keys:
			if !ok {
				keys = nil
				continue
			}
			d.handleKey(ctx, key)
		case <-cancelled:
			cancelled = nil
			log.Info("interrupted, aborting run")
			d.control(context.WithoutCancel(ctx), "abort", d.client.Abort)
		}
	}

	if r.err != nil {
		if cerror.Is(r.err, cerror.ErrRunAborted) {
			d.saveSnapshot(context.WithoutCancel(ctx))
		}
		return nil, r.err
	}
	outcome, err := d.finish(r.result)
	if err != nil {
		return nil, err
	}
	if d.shutdownRequested() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), controlTimeout)
		defer cancel()
		if err := d.client.Shutdown(sctx); err != nil {
			log.Warn("failed to shut down the cluster", zap.Error(err))
		}
	}
	return outcome, nil
}

func (d *Driver) finish(result *cluster.RunResultResponse) (*Outcome, error) {
	world, err := cluster.DecodeGrid(result.World)
	if err != nil {
		return nil, err
	}
	path, err := pgm.WriteFile(d.cfg.OutDir, world, result.Turn)
	if err != nil {
		return nil, err
	}
	log.Info("run finished",
		zap.String("runID", result.RunID),
		zap.Int("turn", result.Turn),
		zap.Bool("completed", result.Completed),
		zap.Int("alive", result.Alive),
		zap.Int64("elapsedMs", result.ElapsedMs),
		zap.Int64("turnP50Us", result.Latency.P50Us),
		zap.Int64("turnP99Us", result.Latency.P99Us),
		zap.String("output", path))
	return &Outcome{Result: result, World: world, Output: path}, nil
}

func (d *Driver) reportProgress(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	status, err := d.client.Status(ctx)
	if err != nil {
		log.Debug("progress unavailable", zap.Error(err))
		return
	}
	log.Info("alive cells",
		zap.Int("turn", status.Turn),
		zap.Int("alive", status.Alive),
		zap.String("state", status.State))
}

func (d *Driver) handleKey(ctx context.Context, key rune) {
	switch key {
	case KeyPause:
		d.mu.Lock()
		paused := d.paused
		d.mu.Unlock()
		if paused {
			if d.control(ctx, "resume", d.client.Resume) {
				d.setPaused(false)
			}
		} else if d.control(ctx, "pause", d.client.Pause) {
			d.setPaused(true)
		}
	case KeySnapshot:
		d.saveSnapshot(ctx)
	case KeyQuit:
		d.control(ctx, "quit", d.client.Quit)
	case KeyKill:
		d.mu.Lock()
		d.shutdown = true
		d.mu.Unlock()
		d.control(ctx, "quit", d.client.Quit)
	default:
		log.Debug("ignoring key", zap.String("key", string(key)))
	}
}

func (d *Driver) setPaused(paused bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = paused
}

func (d *Driver) shutdownRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown
}

func (d *Driver) control(ctx context.Context, action string,
	call func(context.Context) (*cluster.RunStatus, error),
) bool {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	status, err := call(ctx)
	if err != nil {
		log.Warn("run control failed", zap.String("action", action), zap.Error(err))
		return false
	}
	log.Info("run control",
		zap.String("action", action),
		zap.String("state", status.State),
		zap.Int("turn", status.Turn))
	return true
}

// saveSnapshot writes the world at the last committed turn.
func (d *Driver) saveSnapshot(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	snap, err := d.client.Snapshot(ctx)
	if err != nil {
		log.Warn("snapshot failed", zap.Error(err))
		return
	}
	world, err := cluster.DecodeGrid(snap.World)
	if err != nil {
		log.Warn("snapshot failed", zap.Error(err))
		return
	}
	path, err := pgm.WriteFile(d.cfg.OutDir, world, snap.Turn)
	if err != nil {
		log.Warn("snapshot failed", zap.Error(err))
		return
	}
	log.Info("snapshot written", zap.Int("turn", snap.Turn), zap.String("output", path))
}

// ReadKeys turns r into a stream of non-space runes. The channel is closed
// when r ends.
func ReadKeys(r io.Reader) <-chan rune {
	keys := make(chan rune)
	go func() {
		defer close(keys)
		br := bufio.NewReader(r)
		for {
			c, _, err := br.ReadRune()
			if err != nil {
				if err != io.EOF {
					log.Debug("key reader stopped", zap.Error(errors.Trace(err)))
				}
				return
			}
			if c == ' ' || c == '\n' || c == '\r' || c == '\t' {
				continue
			}
			keys <- c
		}
	}()
	return keys
}

// ExitCode maps the error of Run to the exit status of golrun.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case cerror.Is(err, cerror.ErrConfiguration), cerror.Is(err, cerror.ErrImage):
		return ExitConfiguration
	case cerror.Is(err, cerror.ErrWorkerTimeout):
		return ExitWorkerTimeout
	case cerror.Is(err, cerror.ErrRunAborted):
		return ExitAborted
	default:
		return ExitFailure
	}
}
