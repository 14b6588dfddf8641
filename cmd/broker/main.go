// Command broker serves the lockstep coordinator: it accepts runs from the
// golrun driver and drives a pool of workers turn by turn.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/halo/internal/cluster"
	"github.com/dreamware/halo/internal/config"
	"github.com/dreamware/halo/internal/coordinator"
	"github.com/dreamware/halo/internal/logutil"
	"github.com/dreamware/halo/internal/metrics"
)

type options struct {
	configPath string
	cfg        config.BrokerConfig

	// ready receives the bound address; tests use it.
	ready func(addr string)
}

func main() {
	if err := newCommand(newOptions()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newOptions() *options {
	return &options{cfg: config.DefaultBrokerConfig()}
}

func newCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "broker",
		Short:         "Coordinate a pool of workers through a lockstep computation",
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
	flags.StringVar(&o.cfg.Listen, "listen", o.cfg.Listen, "address to listen on (env BROKER_LISTEN)")
	flags.DurationVar(&o.cfg.HealthInterval, "health-interval", o.cfg.HealthInterval,
		"interval between worker health probes during a run, 0 disables them")
	flags.StringVar(&o.cfg.Log.Level, "log-level", o.cfg.Log.Level, "log level")
	flags.StringVar(&o.cfg.Log.File, "log-file", o.cfg.Log.File, "log file, stderr when empty")
	return cmd
}

// complete layers the configuration: defaults, then the config file, then
// the environment, then the flags that were set explicitly.
func (o *options) complete(cmd *cobra.Command) error {
	flagged := o.cfg
	cfg := config.DefaultBrokerConfig()
	if o.configPath != "" {
		if err := config.LoadFile(o.configPath, &cfg); err != nil {
			return err
		}
	}
	cfg.Listen = config.Getenv("BROKER_LISTEN", cfg.Listen)

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = flagged.Listen
	}
	if flags.Changed("health-interval") {
		cfg.HealthInterval = flagged.HealthInterval
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = flagged.Log.Level
	}
	if flags.Changed("log-file") {
		cfg.Log.File = flagged.Log.File
	}
	o.cfg = cfg
	return logutil.InitLogger(cfg.Log)
}

func (o *options) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry := metrics.NewRegistry()
	metrics.InitBrokerMetrics(registry)

	broker := coordinator.NewBroker(cluster.NewHTTPWorkerClient(), coordinator.Options{
		HealthInterval: o.cfg.HealthInterval,
	})
	log.Info("broker starting",
		zap.String("listen", o.cfg.Listen),
		zap.Duration("healthInterval", o.cfg.HealthInterval))
	return cluster.Serve(ctx, "broker", o.cfg.Listen, coordinator.NewHandler(broker, registry, cancel), o.ready)
}
