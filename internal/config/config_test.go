package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9102, cfg.Port)
	assert.Equal(t, 16, cfg.Pool.Workers)
	assert.Equal(t, time.Second, cfg.Sampler.Interval)
	assert.Equal(t, 100*time.Millisecond, cfg.Probe.Interval)
	assert.Equal(t, 30*time.Second, cfg.Probe.Timeout)
	assert.Equal(t, 512, cfg.Probe.MaxInFlight)
	assert.Equal(t, "http://127.0.0.1:9102/api/probe", cfg.ProbeURL())
	assert.Equal(t, 4096, cfg.Limits.MemoryMaxMegabytes)
	assert.Zero(t, cfg.Limits.BlockMaxWorkers)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 8080
pool:
  workers: 4
probe:
  timeout: 2s
limits:
  memoryMaxMegabytes: 0
`), 0o644))

	t.Setenv("SENTRY_PROBE_INTERVAL", "250ms")
	t.Setenv("SENTRY_POOL_WORKERS", "6")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 6, cfg.Pool.Workers, "environment wins over the file")
	assert.Equal(t, 2*time.Second, cfg.Probe.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Probe.Interval)
	assert.Zero(t, cfg.Limits.MemoryMaxMegabytes)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Pool.Workers = 0 }},
		{"zero probe timeout", func(c *Config) { c.Probe.Timeout = 0 }},
		{"negative sampler interval", func(c *Config) { c.Sampler.Interval = -time.Second }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"negative limit", func(c *Config) { c.Limits.CPUMaxGoroutines = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestInvalidEnvironmentIsFatal(t *testing.T) {
	t.Setenv("SENTRY_PROBE_TIMEOUT", "0s")
	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 10, ClampInt(50, 10))
	assert.Equal(t, 5, ClampInt(5, 10))
	assert.Equal(t, 50, ClampInt(50, 0))
	assert.Equal(t, time.Minute, ClampDuration(time.Hour, time.Minute))
	assert.Equal(t, time.Hour, ClampDuration(time.Hour, 0))
}

func TestYAMLRendersDurationsAsStrings(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	data, err := cfg.YAML()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	probe := decoded["probe"].(map[string]any)
	assert.Equal(t, "30s", probe["timeout"])
	assert.Equal(t, "100ms", probe["interval"])
	assert.Equal(t, 9102, decoded["port"])
}
