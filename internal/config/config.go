// Package config loads worker configuration from a YAML file, environment
// variables prefixed TASKWORKER_ and command-line flags, in increasing order
// of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/petrijr/taskworker/internal/backpressure"
	"github.com/petrijr/taskworker/internal/heartbeat"
	"github.com/petrijr/taskworker/internal/pool"
)

// EnvPrefix is prepended to environment variable names, e.g.
// TASKWORKER_POOL_CORE.
const EnvPrefix = "TASKWORKER"

// Config represents the complete worker configuration.
type Config struct {
	Queueing  QueueingConfig  `mapstructure:"queueing"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Store     StoreConfig     `mapstructure:"store"`
	Log       LogConfig       `mapstructure:"log"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// QueueingConfig controls intake backpressure.
type QueueingConfig struct {
	// Trigger is the memory utilization in (0,1] at which intake pauses.
	Trigger float64 `mapstructure:"trigger"`
	// MaxDelay caps a memory pause.
	MaxDelay time.Duration `mapstructure:"max_delay"`
	// Hint is the soft limit on claimed tasks waiting for a worker.
	Hint int `mapstructure:"hint"`
	// BaseDelay is the first memory pause.
	BaseDelay time.Duration `mapstructure:"base_delay"`
}

// PoolConfig controls the balancing worker pool.
type PoolConfig struct {
	Core              int           `mapstructure:"core"`
	Max               int           `mapstructure:"max"`
	TargetUtilization float64       `mapstructure:"target_utilization"`
	SmoothingWeight   float64       `mapstructure:"smoothing_weight"`
	BalanceAfter      int           `mapstructure:"balance_after"`
	QueueSize         int           `mapstructure:"queue_size"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
}

// HeartbeatConfig controls liveness reporting.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres, redis, mongo.
	Driver string `mapstructure:"driver"`
	// DSN is a file path for sqlite and a connection URL otherwise.
	DSN string `mapstructure:"dsn"`
	// Prefix namespaces tables, keys or collections.
	Prefix          string `mapstructure:"prefix"`
	DefaultAttempts int    `mapstructure:"default_attempts"`
}

// LogConfig selects the log service backend and the process logger.
type LogConfig struct {
	// Driver is one of stdout, sqlite, pebble, mongo.
	Driver string `mapstructure:"driver"`
	// DSN is a file path for sqlite, a directory for pebble and a URL for
	// mongo.
	DSN    string       `mapstructure:"dsn"`
	Level  string       `mapstructure:"level"`
	Format string       `mapstructure:"format"`
	Sample SampleConfig `mapstructure:"sample"`
}

// SampleConfig decides which tasks' log events are kept. Both conditions
// must hold.
type SampleConfig struct {
	Rate float64 `mapstructure:"rate"`
	// Expr is a CEL expression over task_id, batch_id, handler,
	// remaining_attempts and params.
	Expr string `mapstructure:"expr"`
}

// WorkerConfig identifies this process.
type WorkerConfig struct {
	// ID defaults to "<hostname>-<uuid>".
	ID string `mapstructure:"id"`
}

// Default returns the default configuration.
func Default() *Config {
	bp := backpressure.DefaultConfig
	pc := pool.DefaultConfig
	return &Config{
		Queueing: QueueingConfig{
			Trigger:   bp.Trigger,
			MaxDelay:  bp.MaxDelay,
			Hint:      bp.Hint,
			BaseDelay: bp.BaseDelay,
		},
		Pool: PoolConfig{
			Core:              pc.Core,
			Max:               pc.Max,
			TargetUtilization: pc.TargetUtilization,
			SmoothingWeight:   pc.SmoothingWeight,
			BalanceAfter:      pc.BalanceAfter,
			QueueSize:         pc.QueueSize,
			IdleTimeout:       pc.IdleTimeout,
		},
		Heartbeat: HeartbeatConfig{Interval: heartbeat.DefaultInterval},
		Store: StoreConfig{
			Driver:          "sqlite",
			DSN:             "taskworker.db",
			DefaultAttempts: 3,
		},
		Log: LogConfig{
			Driver: "stdout",
			Level:  "info",
			Format: "text",
			Sample: SampleConfig{Rate: 1.0},
		},
	}
}

// SetDefaults registers default values with v. Every key must have a
// default so environment variables are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("queueing.trigger", d.Queueing.Trigger)
	v.SetDefault("queueing.max_delay", d.Queueing.MaxDelay)
	v.SetDefault("queueing.hint", d.Queueing.Hint)
	v.SetDefault("queueing.base_delay", d.Queueing.BaseDelay)

	v.SetDefault("pool.core", d.Pool.Core)
	v.SetDefault("pool.max", d.Pool.Max)
	v.SetDefault("pool.target_utilization", d.Pool.TargetUtilization)
	v.SetDefault("pool.smoothing_weight", d.Pool.SmoothingWeight)
	v.SetDefault("pool.balance_after", d.Pool.BalanceAfter)
	v.SetDefault("pool.queue_size", d.Pool.QueueSize)
	v.SetDefault("pool.idle_timeout", d.Pool.IdleTimeout)

	v.SetDefault("heartbeat.interval", d.Heartbeat.Interval)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.prefix", d.Store.Prefix)
	v.SetDefault("store.default_attempts", d.Store.DefaultAttempts)

	v.SetDefault("log.driver", d.Log.Driver)
	v.SetDefault("log.dsn", d.Log.DSN)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.sample.rate", d.Log.Sample.Rate)
	v.SetDefault("log.sample.expr", d.Log.Sample.Expr)

	v.SetDefault("worker.id", d.Worker.ID)
}

// NewViper returns a viper instance with defaults registered and
// environment overrides enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path into v when path is set, then unmarshals and validates.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Backpressure converts the queueing section.
func (c QueueingConfig) Backpressure() backpressure.Config {
	return backpressure.Config{
		Trigger:   c.Trigger,
		MaxDelay:  c.MaxDelay,
		Hint:      c.Hint,
		BaseDelay: c.BaseDelay,
	}
}

// Balancing converts the pool section.
func (c PoolConfig) Balancing() pool.Config {
	return pool.Config{
		Core:              c.Core,
		Max:               c.Max,
		TargetUtilization: c.TargetUtilization,
		SmoothingWeight:   c.SmoothingWeight,
		BalanceAfter:      c.BalanceAfter,
		QueueSize:         c.QueueSize,
		IdleTimeout:       c.IdleTimeout,
	}
}
