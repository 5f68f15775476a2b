package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/petrijr/taskworker/internal/backpressure"
	"github.com/petrijr/taskworker/internal/pool"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // config key, e.g. "pool.core"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is every problem found in one validation pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Has reports whether field failed validation.
func (e ValidationErrors) Has(field string) bool {
	return slices.ContainsFunc(e, func(v ValidationError) bool { return v.Field == field })
}

// Valid option lists.
var (
	StoreDrivers = []string{"memory", "sqlite", "postgres", "redis", "mongo"}
	LogDrivers   = []string{"stdout", "sqlite", "pebble", "mongo"}
	LogLevels    = []string{"debug", "info", "warn", "error"}
	LogFormats   = []string{"text", "json"}
)

// Validate checks c and returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, ValidateQueueing("queueing.", c.Queueing.Backpressure())...)
	errs = append(errs, ValidatePool("pool.", c.Pool.Balancing())...)
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, ValidationError{"heartbeat.interval", c.Heartbeat.Interval, "must be positive"})
	}
	errs = append(errs, c.Store.validate()...)
	errs = append(errs, c.Log.validate()...)
	return errs
}

// ValidateQueueing checks the queueing ranges, naming fields under prefix.
func ValidateQueueing(prefix string, c backpressure.Config) []ValidationError {
	var errs []ValidationError
	if c.Trigger <= 0 || c.Trigger > 1 {
		errs = append(errs, ValidationError{prefix + "trigger", c.Trigger, "must be in (0,1]"})
	}
	if c.MaxDelay <= 0 {
		errs = append(errs, ValidationError{prefix + "max_delay", c.MaxDelay, "must be positive"})
	}
	if c.Hint < 1 {
		errs = append(errs, ValidationError{prefix + "hint", c.Hint, "must be at least 1"})
	}
	if c.BaseDelay < 0 {
		errs = append(errs, ValidationError{prefix + "base_delay", c.BaseDelay, "must not be negative"})
	}
	return errs
}

// ValidatePool checks the pool ranges, naming fields under prefix.
func ValidatePool(prefix string, c pool.Config) []ValidationError {
	var errs []ValidationError
	if c.Core < 1 {
		errs = append(errs, ValidationError{prefix + "core", c.Core, "must be at least 1"})
	}
	if c.Max < c.Core {
		errs = append(errs, ValidationError{prefix + "max", c.Max, fmt.Sprintf("must be at least core (%d)", c.Core)})
	}
	if c.TargetUtilization <= 0 || c.TargetUtilization > 1 {
		errs = append(errs, ValidationError{prefix + "target_utilization", c.TargetUtilization, "must be in (0,1]"})
	}
	if c.SmoothingWeight <= 0 || c.SmoothingWeight > 1 {
		errs = append(errs, ValidationError{prefix + "smoothing_weight", c.SmoothingWeight, "must be in (0,1]"})
	}
	if c.BalanceAfter < 1 {
		errs = append(errs, ValidationError{prefix + "balance_after", c.BalanceAfter, "must be at least 1"})
	}
	if c.QueueSize < 0 {
		errs = append(errs, ValidationError{prefix + "queue_size", c.QueueSize, "must not be negative"})
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, ValidationError{prefix + "idle_timeout", c.IdleTimeout, "must not be negative"})
	}
	return errs
}

func (c StoreConfig) validate() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(StoreDrivers, c.Driver) {
		errs = append(errs, ValidationError{"store.driver", c.Driver, "must be one of " + strings.Join(StoreDrivers, ", ")})
	} else if c.Driver != "memory" && c.DSN == "" {
		errs = append(errs, ValidationError{"store.dsn", c.DSN, "is required for driver " + c.Driver})
	}
	if c.DefaultAttempts < 1 {
		errs = append(errs, ValidationError{"store.default_attempts", c.DefaultAttempts, "must be at least 1"})
	}
	return errs
}

func (c LogConfig) validate() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(LogDrivers, c.Driver) {
		errs = append(errs, ValidationError{"log.driver", c.Driver, "must be one of " + strings.Join(LogDrivers, ", ")})
	} else if c.Driver != "stdout" && c.DSN == "" {
		errs = append(errs, ValidationError{"log.dsn", c.DSN, "is required for driver " + c.Driver})
	}
	if !slices.Contains(LogLevels, strings.ToLower(c.Level)) {
		errs = append(errs, ValidationError{"log.level", c.Level, "must be one of " + strings.Join(LogLevels, ", ")})
	}
	if !slices.Contains(LogFormats, strings.ToLower(c.Format)) {
		errs = append(errs, ValidationError{"log.format", c.Format, "must be one of " + strings.Join(LogFormats, ", ")})
	}
	if c.Sample.Rate < 0 || c.Sample.Rate > 1 {
		errs = append(errs, ValidationError{"log.sample.rate", c.Sample.Rate, "must be in [0,1]"})
	}
	return errs
}
