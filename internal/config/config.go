// Package config loads and validates the configuration of the three binaries.
//
// Values are layered: built-in defaults, then a YAML or TOML file, then
// environment variables, then command-line flags. Files are decoded strictly;
// an unknown key is an error rather than a silently ignored typo.
package config

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/halo/internal/cluster"
	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/logutil"
	"github.com/dreamware/halo/internal/partition"
)

const (
	DefaultBrokerAddr    = "127.0.0.1:8032"
	DefaultBrokerListen  = ":8032"
	DefaultWorkerListen  = ":8030"
	DefaultTurnTimeout   = 30 * time.Second
	DefaultHaloWait      = 10 * time.Second
	DefaultWidth         = 512
	DefaultHeight        = 512
	DefaultTurns         = 100
	DefaultDensity       = 0.25
	DefaultProgressEvery = 2 * time.Second
	DefaultOutDir        = "out"
	DefaultHealthEvery   = 5 * time.Second
)

// RunConfig describes one distributed run. It is immutable once validated.
type RunConfig struct {
	BrokerAddr  string             `yaml:"broker-address" toml:"broker-address"`
	WorkerAddrs []string           `yaml:"worker-addresses" toml:"worker-addresses"`
	Workers     int                `yaml:"threads" toml:"threads"`
	Turns       int                `yaml:"turns" toml:"turns"`
	Width       int                `yaml:"width" toml:"width"`
	Height      int                `yaml:"height" toml:"height"`
	Boundary    partition.Boundary `yaml:"boundary" toml:"boundary"`
	HaloMode    cluster.HaloMode   `yaml:"halo-mode" toml:"halo-mode"`
	TurnTimeout time.Duration      `yaml:"turn-timeout" toml:"turn-timeout"`
	Parallelism int                `yaml:"parallelism" toml:"parallelism"`
}

// DefaultRunConfig returns the built-in run settings.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		BrokerAddr:  DefaultBrokerAddr,
		Turns:       DefaultTurns,
		Width:       DefaultWidth,
		Height:      DefaultHeight,
		Boundary:    partition.BoundaryDead,
		HaloMode:    cluster.HaloPeer,
		TurnTimeout: DefaultTurnTimeout,
	}
}

// Validate checks every invariant of a run and normalizes the enumerations.
// A worker count of zero selects the whole pool. Every failure is
// ErrConfiguration.
func (c *RunConfig) Validate() error {
	if len(c.WorkerAddrs) == 0 {
		return invalid("at least one worker address is required")
	}
	for i, addr := range c.WorkerAddrs {
		if err := ValidateAddress(addr); err != nil {
			return err
		}
		if slices.Index(c.WorkerAddrs[:i], addr) >= 0 {
			return invalid("worker address %s is listed twice", addr)
		}
	}
	if c.BrokerAddr != "" {
		if err := ValidateAddress(c.BrokerAddr); err != nil {
			return err
		}
	}
	if c.Workers == 0 {
		c.Workers = len(c.WorkerAddrs)
	}
	if c.Workers < 0 || c.Workers > len(c.WorkerAddrs) {
		return invalid("worker count %d outside the pool of %d addresses", c.Workers, len(c.WorkerAddrs))
	}
	if c.Turns < 0 {
		return invalid("turns must not be negative, got %d", c.Turns)
	}
	if c.Width < 1 || c.Height < 1 {
		return invalid("grid must be at least 1x1, got %dx%d", c.Width, c.Height)
	}
	if c.Height < c.Workers {
		return invalid("grid of %d rows cannot be split across %d workers", c.Height, c.Workers)
	}
	boundary, err := partition.ParseBoundary(string(c.Boundary))
	if err != nil {
		return err
	}
	c.Boundary = boundary
	mode, err := cluster.ParseHaloMode(string(c.HaloMode))
	if err != nil {
		return err
	}
	c.HaloMode = mode
	if c.TurnTimeout <= 0 {
		return invalid("turn timeout must be positive, got %s", c.TurnTimeout)
	}
	if c.Parallelism < 0 {
		return invalid("parallelism must not be negative, got %d", c.Parallelism)
	}
	return nil
}

// SelectedWorkers returns the addresses taking part in the run: the first
// Workers entries of the pool, in order.
func (c *RunConfig) SelectedWorkers() []string {
	n := c.Workers
	if n <= 0 || n > len(c.WorkerAddrs) {
		n = len(c.WorkerAddrs)
	}
	return slices.Clone(c.WorkerAddrs[:n])
}

// ValidateAddress accepts host:port or an http(s) URL with a port.
func ValidateAddress(addr string) error {
	raw := strings.TrimSpace(addr)
	if raw == "" {
		return invalid("empty address")
	}
	u, err := url.Parse(cluster.BaseURL(raw))
	if err != nil {
		return invalid("malformed address %q: %v", addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("malformed address %q: unsupported scheme %s", addr, u.Scheme)
	}
	if u.Path != "" || u.RawQuery != "" {
		return invalid("malformed address %q: unexpected path", addr)
	}
	_, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return invalid("malformed address %q: %v", addr, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return invalid("malformed address %q: bad port %q", addr, port)
	}
	return nil
}

// ParseAddresses splits a comma-separated address list, dropping blanks.
func ParseAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// DriverConfig is the configuration of the golrun command.
type DriverConfig struct {
	Run              RunConfig      `yaml:"run" toml:"run"`
	Input            string         `yaml:"input" toml:"input"`
	Seed             uint64         `yaml:"seed" toml:"seed"`
	Density          float64        `yaml:"density" toml:"density"`
	OutDir           string         `yaml:"out" toml:"out"`
	ProgressInterval time.Duration  `yaml:"progress-interval" toml:"progress-interval"`
	Log              logutil.Config `yaml:"log" toml:"log"`
}

// DefaultDriverConfig returns the built-in driver settings.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		Run:              DefaultRunConfig(),
		Seed:             1,
		Density:          DefaultDensity,
		OutDir:           DefaultOutDir,
		ProgressInterval: DefaultProgressEvery,
		Log:              logutil.DefaultConfig(),
	}
}

// Validate checks the driver-only settings and then the run.
func (c *DriverConfig) Validate() error {
	if c.Density < 0 || c.Density > 1 {
		return invalid("density must be within [0, 1], got %g", c.Density)
	}
	if c.ProgressInterval < 0 {
		return invalid("progress interval must not be negative, got %s", c.ProgressInterval)
	}
	return c.Run.Validate()
}

// BrokerConfig is the configuration of the broker server.
type BrokerConfig struct {
	Listen         string         `yaml:"listen" toml:"listen"`
	HealthInterval time.Duration  `yaml:"health-interval" toml:"health-interval"`
	Log            logutil.Config `yaml:"log" toml:"log"`
}

// DefaultBrokerConfig returns the built-in broker settings.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Listen:         DefaultBrokerListen,
		HealthInterval: DefaultHealthEvery,
		Log:            logutil.DefaultConfig(),
	}
}

// WorkerConfig is the configuration of the worker server.
type WorkerConfig struct {
	Listen      string         `yaml:"listen" toml:"listen"`
	ID          string         `yaml:"id" toml:"id"`
	Parallelism int            `yaml:"parallelism" toml:"parallelism"`
	HaloWait    time.Duration  `yaml:"halo-wait" toml:"halo-wait"`
	Log         logutil.Config `yaml:"log" toml:"log"`
}

// DefaultWorkerConfig returns the built-in worker settings.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Listen:   DefaultWorkerListen,
		HaloWait: DefaultHaloWait,
		Log:      logutil.DefaultConfig(),
	}
}

// LoadFile decodes path into v, choosing the format by extension: .toml for
// TOML, .yaml or .yml for YAML. Keys that v does not declare are rejected.
func LoadFile(path string, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.DecodeFile(path, v)
		if err != nil {
			return cerror.WrapError(cerror.ErrConfiguration, err, fmt.Sprintf("decode %s", path))
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			return invalid("unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
		return nil
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return cerror.WrapError(cerror.ErrConfiguration, errors.Trace(err), fmt.Sprintf("open %s", path))
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil && err != io.EOF {
			return cerror.WrapError(cerror.ErrConfiguration, err, fmt.Sprintf("decode %s", path))
		}
		return nil
	default:
		return invalid("unsupported config file %s, want .yaml, .yml or .toml", path)
	}
}

// Getenv returns the environment variable k, or def when it is unset or empty.
func Getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func invalid(format string, args ...interface{}) error {
	return cerror.ErrConfiguration.GenWithStackByArgs(fmt.Sprintf(format, args...))
}
