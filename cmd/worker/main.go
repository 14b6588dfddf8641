// Command worker serves one partition of a lockstep computation on behalf of
// the broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/halo/internal/cluster"
	"github.com/dreamware/halo/internal/config"
	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/logutil"
	"github.com/dreamware/halo/internal/metrics"
	"github.com/dreamware/halo/internal/worker"
)

type options struct {
	configPath string
	cfg        config.WorkerConfig

	ready func(addr string)
}

func main() {
	if err := newCommand(newOptions()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newOptions() *options {
	return &options{cfg: config.DefaultWorkerConfig()}
}

func newCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Compute one partition of the grid per turn",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return o.run(ctx)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&o.configPath, "config", "c", "", "configuration file (.yaml, .yml or .toml)")
	flags.StringVar(&o.cfg.Listen, "listen", o.cfg.Listen, "address to listen on (env WORKER_LISTEN)")
	flags.StringVar(&o.cfg.ID, "id", o.cfg.ID, "worker identifier, generated when empty (env WORKER_ID)")
	flags.IntVar(&o.cfg.Parallelism, "parallelism", o.cfg.Parallelism,
		"goroutines per turn when the run does not set one, 0 uses every CPU")
	flags.DurationVar(&o.cfg.HaloWait, "halo-wait", o.cfg.HaloWait, "how long a turn waits for a neighbour row")
	flags.StringVar(&o.cfg.Log.Level, "log-level", o.cfg.Log.Level, "log level")
	flags.StringVar(&o.cfg.Log.File, "log-file", o.cfg.Log.File, "log file, stderr when empty")
	return cmd
}

func (o *options) complete(cmd *cobra.Command) error {
	flagged := o.cfg
	cfg := config.DefaultWorkerConfig()
	if o.configPath != "" {
		if err := config.LoadFile(o.configPath, &cfg); err != nil {
			return err
		}
	}
	cfg.Listen = config.Getenv("WORKER_LISTEN", cfg.Listen)
	cfg.ID = config.Getenv("WORKER_ID", cfg.ID)

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = flagged.Listen
	}
	if flags.Changed("id") {
		cfg.ID = flagged.ID
	}
	if flags.Changed("parallelism") {
		cfg.Parallelism = flagged.Parallelism
	}
	if flags.Changed("halo-wait") {
		cfg.HaloWait = flagged.HaloWait
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = flagged.Log.Level
	}
	if flags.Changed("log-file") {
		cfg.Log.File = flagged.Log.File
	}
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Parallelism < 0 {
		return cerror.ErrConfiguration.GenWithStackByArgs(
			fmt.Sprintf("parallelism must not be negative, got %d", cfg.Parallelism))
	}
	o.cfg = cfg
	return logutil.InitLogger(cfg.Log)
}

func (o *options) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry := metrics.NewRegistry()
	metrics.InitWorkerMetrics(registry)

	w := worker.New(worker.Config{
		ID:          o.cfg.ID,
		Parallelism: o.cfg.Parallelism,
		HaloWait:    o.cfg.HaloWait,
	}, cluster.NewHTTPWorkerClient())
	log.Info("worker starting",
		zap.String("id", o.cfg.ID),
		zap.String("listen", o.cfg.Listen),
		zap.Duration("haloWait", o.cfg.HaloWait))
	return cluster.Serve(ctx, "worker", o.cfg.Listen, worker.NewHandler(w, registry, cancel), o.ready)
}
