package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/halo/internal/cluster"
	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/partition"
)

func validRun() RunConfig {
	cfg := DefaultRunConfig()
	cfg.WorkerAddrs = []string{"127.0.0.1:8030", "127.0.0.1:8031", "http://worker-3:8030"}
	cfg.Width, cfg.Height = 16, 16
	return cfg
}

func TestRunConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RunConfig)
		wantErr bool
	}{
		{"defaults with pool", func(c *RunConfig) {}, false},
		{"explicit count", func(c *RunConfig) { c.Workers = 2 }, false},
		{"zero turns", func(c *RunConfig) { c.Turns = 0 }, false},
		{"no addresses", func(c *RunConfig) { c.WorkerAddrs = nil }, true},
		{"count above pool", func(c *RunConfig) { c.Workers = 4 }, true},
		{"negative count", func(c *RunConfig) { c.Workers = -1 }, true},
		{"missing port", func(c *RunConfig) { c.WorkerAddrs[0] = "localhost" }, true},
		{"bad port", func(c *RunConfig) { c.WorkerAddrs[0] = "localhost:99999" }, true},
		{"path in address", func(c *RunConfig) { c.WorkerAddrs[0] = "http://localhost:80/x" }, true},
		{"ftp address", func(c *RunConfig) { c.WorkerAddrs[0] = "ftp://localhost:21" }, true},
		{"duplicate address", func(c *RunConfig) { c.WorkerAddrs[1] = c.WorkerAddrs[0] }, true},
		{"bad broker", func(c *RunConfig) { c.BrokerAddr = "broker" }, true},
		{"negative turns", func(c *RunConfig) { c.Turns = -1 }, true},
		{"too few rows", func(c *RunConfig) { c.Height = 2 }, true},
		{"empty grid", func(c *RunConfig) { c.Width = 0 }, true},
		{"bad boundary", func(c *RunConfig) { c.Boundary = "mobius" }, true},
		{"bad halo mode", func(c *RunConfig) { c.HaloMode = "carrier-pigeon" }, true},
		{"zero timeout", func(c *RunConfig) { c.TurnTimeout = 0 }, true},
		{"negative parallelism", func(c *RunConfig) { c.Parallelism = -2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validRun()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, cerror.Is(err, cerror.ErrConfiguration), "got %v", err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateNormalizes(t *testing.T) {
	cfg := validRun()
	cfg.Boundary = "TORUS"
	cfg.HaloMode = ""
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, partition.BoundaryTorus, cfg.Boundary)
	assert.Equal(t, cluster.HaloPeer, cfg.HaloMode)
}

func TestSelectedWorkers(t *testing.T) {
	cfg := validRun()
	cfg.Workers = 2
	require.NoError(t, cfg.Validate())

	selected := cfg.SelectedWorkers()
	assert.Equal(t, []string{"127.0.0.1:8030", "127.0.0.1:8031"}, selected)

	selected[0] = "changed"
	assert.Equal(t, "127.0.0.1:8030", cfg.WorkerAddrs[0])
}

func TestParseAddresses(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, ParseAddresses(" a:1, ,b:2,"))
	assert.Nil(t, ParseAddresses(""))
}

func TestDriverConfigValidate(t *testing.T) {
	cfg := DefaultDriverConfig()
	cfg.Run = validRun()
	require.NoError(t, cfg.Validate())

	cfg.Density = 1.5
	assert.True(t, cerror.Is(cfg.Validate(), cerror.ErrConfiguration))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFileYAML(t *testing.T) {
	path := writeFile(t, "golrun.yaml", `
run:
  worker-addresses: ["127.0.0.1:8030", "127.0.0.1:8031"]
  threads: 2
  turns: 2000
  boundary: torus
  turn-timeout: 5s
density: 0.5
log:
  level: debug
`)
	cfg := DefaultDriverConfig()
	require.NoError(t, LoadFile(path, &cfg))

	assert.Equal(t, []string{"127.0.0.1:8030", "127.0.0.1:8031"}, cfg.Run.WorkerAddrs)
	assert.Equal(t, 2000, cfg.Run.Turns)
	assert.Equal(t, partition.BoundaryTorus, cfg.Run.Boundary)
	assert.Equal(t, 5*time.Second, cfg.Run.TurnTimeout)
	assert.Equal(t, 0.5, cfg.Density)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultWidth, cfg.Run.Width)
	assert.Equal(t, DefaultProgressEvery, cfg.ProgressInterval)
}

func TestLoadFileTOML(t *testing.T) {
	path := writeFile(t, "worker.toml", `
listen = ":9000"
id = "w-7"
halo-wait = "250ms"

[log]
format = "json"
`)
	cfg := DefaultWorkerConfig()
	require.NoError(t, LoadFile(path, &cfg))

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "w-7", cfg.ID)
	assert.Equal(t, 250*time.Millisecond, cfg.HaloWait)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	yamlPath := writeFile(t, "broker.yaml", "listen: \":1\"\nlisen: typo\n")
	cfg := DefaultBrokerConfig()
	assert.True(t, cerror.Is(LoadFile(yamlPath, &cfg), cerror.ErrConfiguration))

	tomlPath := writeFile(t, "broker.toml", "listen = \":1\"\nlisen = \"typo\"\n")
	err := LoadFile(tomlPath, &cfg)
	require.Error(t, err)
	assert.True(t, cerror.Is(err, cerror.ErrConfiguration))
	assert.Contains(t, err.Error(), "lisen")
}

func TestLoadFileErrors(t *testing.T) {
	cfg := DefaultBrokerConfig()
	assert.True(t, cerror.Is(LoadFile("broker.json", &cfg), cerror.ErrConfiguration))
	assert.True(t, cerror.Is(LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg), cerror.ErrConfiguration))

	empty := writeFile(t, "empty.yaml", "")
	assert.NoError(t, LoadFile(empty, &cfg))
	assert.Equal(t, DefaultBrokerListen, cfg.Listen)
}

func TestGetenv(t *testing.T) {
	t.Setenv("HALO_TEST_VALUE", "set")
	assert.Equal(t, "set", Getenv("HALO_TEST_VALUE", "default"))
	t.Setenv("HALO_TEST_VALUE", "")
	assert.Equal(t, "default", Getenv("HALO_TEST_VALUE", "default"))
}
