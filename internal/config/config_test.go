package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/taskworker/internal/backpressure"
	"github.com/petrijr/taskworker/internal/pool"
)

func TestDefaultsLoadAndValidate(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, *Default(), *cfg)
	assert.Equal(t, backpressure.DefaultConfig, cfg.Queueing.Backpressure())
	assert.Equal(t, pool.DefaultConfig, cfg.Pool.Balancing())
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 3, cfg.Store.DefaultAttempts)
	assert.Equal(t, 1.0, cfg.Log.Sample.Rate)
	assert.Empty(t, cfg.Worker.ID)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskworker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queueing:
  trigger: 0.5
  max_delay: 2s
pool:
  core: 2
  max: 8
store:
  driver: redis
  dsn: redis://localhost:6379/0
log:
  driver: pebble
  dsn: /var/lib/taskworker/logs
  format: json
  sample:
    rate: 0.1
    expr: handler == "square"
worker:
  id: w-7
`), 0o600))

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Queueing.Trigger)
	assert.Equal(t, 2*time.Second, cfg.Queueing.MaxDelay)
	assert.Equal(t, 16, cfg.Queueing.Hint, "unset keys keep defaults")
	assert.Equal(t, 2, cfg.Pool.Core)
	assert.Equal(t, 8, cfg.Pool.Max)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "pebble", cfg.Log.Driver)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 0.1, cfg.Log.Sample.Rate)
	assert.Equal(t, `handler == "square"`, cfg.Log.Sample.Expr)
	assert.Equal(t, "w-7", cfg.Worker.ID)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskworker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  core: 2\n"), 0o600))
	t.Setenv("TASKWORKER_POOL_CORE", "6")
	t.Setenv("TASKWORKER_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("TASKWORKER_WORKER_ID", "from-env")

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Pool.Core)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, "from-env", cfg.Worker.ID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidationReportsEveryProblem(t *testing.T) {
	v := NewViper()
	v.Set("queueing.trigger", 1.5)
	v.Set("queueing.hint", 0)
	v.Set("pool.core", 4)
	v.Set("pool.max", 2)
	v.Set("pool.target_utilization", 0)
	v.Set("store.driver", "cassandra")
	v.Set("log.driver", "mongo")
	v.Set("log.dsn", "")
	v.Set("log.level", "loud")
	v.Set("log.sample.rate", 2)

	_, err := Load(v, "")
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	for _, field := range []string{
		"queueing.trigger", "queueing.hint", "pool.max", "pool.target_utilization",
		"store.driver", "log.dsn", "log.level", "log.sample.rate",
	} {
		assert.True(t, verrs.Has(field), "missing %s in %v", field, verrs)
	}
	assert.Len(t, verrs, 8)
	assert.Contains(t, err.Error(), "8 validation errors")
}

func TestDSNRequiredForNetworkDrivers(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "postgres"
	cfg.Store.DSN = ""
	assert.True(t, ValidationErrors(cfg.Validate()).Has("store.dsn"))

	cfg.Store.Driver = "memory"
	assert.Empty(t, cfg.Validate())
}

func TestValidationErrorFormatting(t *testing.T) {
	one := ValidationErrors{{Field: "pool.core", Value: 0, Message: "must be at least 1"}}
	assert.Equal(t, "pool.core: must be at least 1 (got: 0)", one.Error())
	assert.Empty(t, ValidationErrors(nil).Error())
}
