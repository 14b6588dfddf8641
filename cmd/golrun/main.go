// Command golrun submits a Game of Life run to a broker and writes the final
// world as a PGM image.
//
// Exit status: 0 when every turn completed or the run was quit, 2 for an
// invalid configuration, 3 when a worker timed out, 4 when the run was
// aborted and 1 for any other failure.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dreamware/halo/internal/cluster"
	"github.com/dreamware/halo/internal/config"
	"github.com/dreamware/halo/internal/driver"
	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/logutil"
	"github.com/dreamware/halo/internal/partition"
)

// legacyFlags maps the single-dash spellings of the original driver.
var legacyFlags = map[string]string{
	"-brokerAddress":   "--broker-address",
	"-workerAddresses": "--worker-addresses",
	"-turns":           "--turns",
	"-threads":         "--threads",
	"-noVis":           "--no-vis",
	"-printProgress":   "--print-progress",
}

type options struct {
	configPath    string
	workerAddrs   string
	boundary      string
	haloMode      string
	printProgress bool
	noVis         bool
	keys          bool
	cfg           config.DriverConfig

	stdin io.Reader
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin))
}

func run(args []string, stdin io.Reader) int {
	cmd := newCommand(newOptions(stdin))
	cmd.SetArgs(normalizeArgs(args))
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return driver.ExitCode(err)
}

// normalizeArgs rewrites legacy single-dash flags, with or without an
// =value suffix, to their double-dash names.
func normalizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		name, value, hasValue := strings.Cut(arg, "=")
		if long, ok := legacyFlags[name]; ok {
			arg = long
			if hasValue {
				arg += "=" + value
			}
		}
		out[i] = arg
	}
	return out
}

func newOptions(stdin io.Reader) *options {
	return &options{cfg: config.DefaultDriverConfig(), stdin: stdin, printProgress: true}
}

func newCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "golrun",
		Short: "Run Game of Life on a broker and its workers",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return cerror.ErrConfiguration.GenWithStackByArgs(
					fmt.Sprintf("unexpected arguments %q", args))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var keys <-chan rune
			if o.keys && o.stdin != nil {
				keys = driver.ReadKeys(o.stdin)
			}
			d := driver.New(o.cfg, cluster.NewBrokerClient(o.cfg.Run.BrokerAddr))
			outcome, err := d.Run(ctx, keys)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), outcome.Output)
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return cerror.WrapError(cerror.ErrConfiguration, err, err.Error())
	})

	rc := &o.cfg.Run
	flags := cmd.Flags()
	flags.StringVarP(&o.configPath, "config", "c", "", "configuration file (.yaml, .yml or .toml)")
	flags.IntVarP(&rc.Workers, "threads", "t", 0, "number of workers from the pool to use, 0 uses all of them")
	flags.StringVar(&rc.BrokerAddr, "broker-address", rc.BrokerAddr, "broker address (env BROKER_ADDR)")
	flags.StringVar(&o.workerAddrs, "worker-addresses", "", "comma-separated worker addresses in partition order (env WORKER_ADDRS)")
	flags.IntVar(&rc.Turns, "turns", rc.Turns, "number of turns to compute")
	flags.IntVarP(&rc.Width, "width", "w", rc.Width, "grid width, ignored with --input")
	flags.IntVarP(&rc.Height, "height", "h", rc.Height, "grid height, ignored with --input")
	flags.StringVar(&o.boundary, "boundary", string(rc.Boundary),
		fmt.Sprintf("what lies beyond the edges: %s or %s", partition.BoundaryDead, partition.BoundaryTorus))
	flags.StringVar(&o.haloMode, "halo-mode", string(rc.HaloMode),
		fmt.Sprintf("how boundary rows travel: %s or %s", cluster.HaloPeer, cluster.HaloRelay))
	flags.DurationVar(&rc.TurnTimeout, "turn-timeout", rc.TurnTimeout, "how long a turn may take before the run fails")
	flags.IntVar(&rc.Parallelism, "parallelism", 0, "goroutines per worker and turn, 0 leaves it to the worker")
	flags.StringVar(&o.cfg.Input, "input", "", "initial world as a binary PGM image")
	flags.Uint64Var(&o.cfg.Seed, "seed", o.cfg.Seed, "seed of the random initial world")
	flags.Float64Var(&o.cfg.Density, "density", o.cfg.Density, "share of alive cells in the random initial world")
	flags.StringVar(&o.cfg.OutDir, "out", o.cfg.OutDir, "directory for the output images")
	flags.DurationVar(&o.cfg.ProgressInterval, "progress-interval", o.cfg.ProgressInterval, "interval of the alive cell report")
	flags.BoolVar(&o.printProgress, "print-progress", true, "report alive cells while the run executes")
	flags.BoolVar(&o.noVis, "no-vis", false, "accepted for compatibility; golrun never opens a window")
	flags.BoolVar(&o.keys, "keys", false, "read p (pause), s (snapshot), q (quit) and k (kill) from stdin")
	flags.StringVar(&o.cfg.Log.Level, "log-level", o.cfg.Log.Level, "log level")
	flags.StringVar(&o.cfg.Log.File, "log-file", o.cfg.Log.File, "log file, stderr when empty")
	// -h is the height of the original driver, so help gets no shorthand.
	flags.Bool("help", false, "help for golrun")
	_ = flags.MarkHidden("no-vis")
	flags.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	return cmd
}

// complete layers the configuration: defaults, then the config file, then
// the environment, then the flags that were set explicitly.
func (o *options) complete(cmd *cobra.Command) error {
	flagged := o.cfg
	cfg := config.DefaultDriverConfig()
	if o.configPath != "" {
		if err := config.LoadFile(o.configPath, &cfg); err != nil {
			return err
		}
	}
	cfg.Run.BrokerAddr = config.Getenv("BROKER_ADDR", cfg.Run.BrokerAddr)
	if env := os.Getenv("WORKER_ADDRS"); env != "" {
		cfg.Run.WorkerAddrs = config.ParseAddresses(env)
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("threads", func() { cfg.Run.Workers = flagged.Run.Workers })
	set("broker-address", func() { cfg.Run.BrokerAddr = flagged.Run.BrokerAddr })
	set("worker-addresses", func() { cfg.Run.WorkerAddrs = config.ParseAddresses(o.workerAddrs) })
	set("turns", func() { cfg.Run.Turns = flagged.Run.Turns })
	set("width", func() { cfg.Run.Width = flagged.Run.Width })
	set("height", func() { cfg.Run.Height = flagged.Run.Height })
	set("boundary", func() { cfg.Run.Boundary = partition.Boundary(o.boundary) })
	set("halo-mode", func() { cfg.Run.HaloMode = cluster.HaloMode(o.haloMode) })
	set("turn-timeout", func() { cfg.Run.TurnTimeout = flagged.Run.TurnTimeout })
	set("parallelism", func() { cfg.Run.Parallelism = flagged.Run.Parallelism })
	set("input", func() { cfg.Input = flagged.Input })
	set("seed", func() { cfg.Seed = flagged.Seed })
	set("density", func() { cfg.Density = flagged.Density })
	set("out", func() { cfg.OutDir = flagged.OutDir })
	set("progress-interval", func() { cfg.ProgressInterval = flagged.ProgressInterval })
	set("log-level", func() { cfg.Log.Level = flagged.Log.Level })
	set("log-file", func() { cfg.Log.File = flagged.Log.File })
	if !o.printProgress {
		cfg.ProgressInterval = 0
	}

	o.cfg = cfg
	if err := logutil.InitLogger(cfg.Log); err != nil {
		return cerror.WrapError(cerror.ErrConfiguration, err, err.Error())
	}
	return nil
}
