package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. SENTRY_PORT or
// SENTRY_PROBE_TIMEOUT. Nested keys use an underscore for the dot.
const EnvPrefix = "SENTRY"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Port    int           `mapstructure:"port"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Sampler SamplerConfig `mapstructure:"sampler"`
	Probe   ProbeConfig   `mapstructure:"probe"`
	Hub     HubConfig     `mapstructure:"hub"`
	Journal JournalConfig `mapstructure:"journal"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Log     LogConfig     `mapstructure:"log"`
	Limits  Limits        `mapstructure:"limits"`
}

type PoolConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queueSize"`
}

type SamplerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ProbeConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxInFlight int           `mapstructure:"maxInFlight"`
	// URL defaults to the loopback probe endpoint of this server.
	URL string `mapstructure:"url"`
}

type HubConfig struct {
	BufferSize int `mapstructure:"bufferSize"`
}

type JournalConfig struct {
	Path string `mapstructure:"path"`
}

type AlertsConfig struct {
	WebhookURL string        `mapstructure:"webhookUrl"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Limits caps simulation parameters per kind. A zero value means unlimited.
type Limits struct {
	CPUMaxDuration     time.Duration `mapstructure:"cpuMaxDuration"`
	CPUMaxGoroutines   int           `mapstructure:"cpuMaxGoroutines"`
	MemoryMaxMegabytes int           `mapstructure:"memoryMaxMegabytes"`
	MemoryMaxHold      time.Duration `mapstructure:"memoryMaxHold"`
	BlockMaxDuration   time.Duration `mapstructure:"blockMaxDuration"`
	BlockMaxWorkers    int           `mapstructure:"blockMaxWorkers"`
}

// ClampInt returns v capped at limit, or v unchanged when limit is zero.
func ClampInt(v, limit int) int {
	if limit > 0 && v > limit {
		return limit
	}
	return v
}

func ClampDuration(v, limit time.Duration) time.Duration {
	if limit > 0 && v > limit {
		return limit
	}
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 9102)
	v.SetDefault("pool.workers", 16)
	v.SetDefault("pool.queueSize", 1024)
	v.SetDefault("sampler.interval", time.Second)
	v.SetDefault("probe.interval", 100*time.Millisecond)
	v.SetDefault("probe.timeout", 30*time.Second)
	v.SetDefault("probe.maxInFlight", 512)
	v.SetDefault("probe.url", "")
	v.SetDefault("hub.bufferSize", 64)
	v.SetDefault("journal.path", "")
	v.SetDefault("alerts.webhookUrl", "")
	v.SetDefault("alerts.cooldown", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("limits.cpuMaxDuration", 5*time.Minute)
	v.SetDefault("limits.cpuMaxGoroutines", 0)
	v.SetDefault("limits.memoryMaxMegabytes", 4096)
	v.SetDefault("limits.memoryMaxHold", 0)
	v.SetDefault("limits.blockMaxDuration", 5*time.Minute)
	v.SetDefault("limits.blockMaxWorkers", 0)
}

// Load reads defaults, then the optional YAML file at path, then SENTRY_*
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.Port > 0 && c.Port < 65536, "port must be between 1 and 65535")
	check(c.Pool.Workers >= 1, "pool.workers must be at least 1")
	check(c.Pool.QueueSize >= 0, "pool.queueSize must not be negative")
	check(c.Sampler.Interval > 0, "sampler.interval must be positive")
	check(c.Probe.Interval > 0, "probe.interval must be positive")
	check(c.Probe.Timeout > 0, "probe.timeout must be positive")
	check(c.Probe.MaxInFlight >= 1, "probe.maxInFlight must be at least 1")
	check(c.Hub.BufferSize >= 1, "hub.bufferSize must be at least 1")
	check(c.Alerts.Cooldown >= 0, "alerts.cooldown must not be negative")
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json")
	check(c.Limits.CPUMaxDuration >= 0 && c.Limits.MemoryMaxHold >= 0 && c.Limits.BlockMaxDuration >= 0,
		"limits durations must not be negative")
	check(c.Limits.CPUMaxGoroutines >= 0 && c.Limits.MemoryMaxMegabytes >= 0 && c.Limits.BlockMaxWorkers >= 0,
		"limits counts must not be negative")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ProbeURL returns the configured probe target or the loopback endpoint.
func (c *Config) ProbeURL() string {
	if c.Probe.URL != "" {
		return c.Probe.URL
	}
	return fmt.Sprintf("http://127.0.0.1:%d/api/probe", c.Port)
}

// YAML renders the effective configuration with durations as strings.
func (c *Config) YAML() ([]byte, error) {
	out := map[string]any{
		"port": c.Port,
		"pool": map[string]any{
			"workers":   c.Pool.Workers,
			"queueSize": c.Pool.QueueSize,
		},
		"sampler": map[string]any{"interval": c.Sampler.Interval.String()},
		"probe": map[string]any{
			"interval":    c.Probe.Interval.String(),
			"timeout":     c.Probe.Timeout.String(),
			"maxInFlight": c.Probe.MaxInFlight,
			"url":         c.ProbeURL(),
		},
		"hub":     map[string]any{"bufferSize": c.Hub.BufferSize},
		"journal": map[string]any{"path": c.Journal.Path},
		"alerts": map[string]any{
			"webhookUrl": c.Alerts.WebhookURL,
			"cooldown":   c.Alerts.Cooldown.String(),
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"limits": map[string]any{
			"cpuMaxDuration":     c.Limits.CPUMaxDuration.String(),
			"cpuMaxGoroutines":   c.Limits.CPUMaxGoroutines,
			"memoryMaxMegabytes": c.Limits.MemoryMaxMegabytes,
			"memoryMaxHold":      c.Limits.MemoryMaxHold.String(),
			"blockMaxDuration":   c.Limits.BlockMaxDuration.String(),
			"blockMaxWorkers":    c.Limits.BlockMaxWorkers,
		},
	}
	return yaml.Marshal(out)
}
