package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/retry"
)

const sample = `
worker:
  id: worker-a
  log_level: debug
store:
  driver: postgres
  dsn: postgres://localhost/connector
  lease_duration: 30s
managers:
  negotiation:
    batch_size: 50
    poll_interval: 250ms
    max_retries: 3
    wait:
      strategy: fixed
      base: 2s
  transfer:
    cron: "@every 5s"
dispatch:
  timeout: 5s
  headers:
    X-Participant: consumer-a
admin:
  listen: 127.0.0.1:9000
`

func TestParseAppliesFileOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "worker-a", cfg.Worker.ID)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Store.LeaseDuration)
	assert.Equal(t, "connector_entities", cfg.Store.Table)
	assert.Equal(t, "127.0.0.1:9000", cfg.Admin.Listen)
	assert.Equal(t, DispatchHTTP, cfg.Dispatch.Mode)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, "consumer-a", cfg.Dispatch.Headers["X-Participant"])
	assert.Equal(t, []string{"negotiation", "transfer"}, cfg.ManagerNames())

	neg := cfg.Manager("negotiation")
	assert.Equal(t, 50, neg.BatchSize)
	assert.Equal(t, 250*time.Millisecond, neg.PollInterval)
	assert.Equal(t, 3, neg.MaxRetries)
	assert.Equal(t, 1024, neg.CommandQueueCapacity)

	tr := cfg.Manager("transfer")
	assert.Equal(t, "@every 5s", tr.Cron)
	assert.Equal(t, DefaultManager().BatchSize, tr.BatchSize)
	assert.Equal(t, "exponential", tr.Wait.Strategy)
}

func TestRetryConfigurationFromWait(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	rc := cfg.Manager("negotiation").RetryConfiguration()
	assert.Equal(t, 3, rc.MaxRetries)
	assert.Equal(t, int64(0), rc.DelayMillis(1))
	assert.Equal(t, int64(2000), rc.DelayMillis(2))
	assert.True(t, rc.RetriesExhausted(4))

	exp := DefaultManager().RetryConfiguration()
	assert.Equal(t, int64(1000), exp.DelayMillis(2))
	assert.Equal(t, int64(2000), exp.DelayMillis(3))
	// a fresh strategy per evaluation keeps results stable
	assert.Equal(t, int64(2000), exp.DelayMillis(3))
}

func TestWaitConfigBuild(t *testing.T) {
	assert.IsType(t, retry.NoWaitStrategy{}, WaitConfig{}.Build())
	assert.IsType(t, retry.FixedWaitStrategy{}, WaitConfig{Strategy: "fixed", Base: time.Second}.Build())
	assert.IsType(t, &retry.ExponentialWaitStrategy{}, WaitConfig{Strategy: "exponential", Base: time.Second}.Build())
	assert.IsType(t, &retry.JitteredWaitStrategy{}, WaitConfig{Strategy: "jittered", Base: time.Second}.Build())
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"CONNECTOR_WORKER_ID":      "from-env",
		"CONNECTOR_STORE_DRIVER":   "redis",
		"CONNECTOR_STORE_DSN":      "localhost:6379",
		"CONNECTOR_LEASE_DURATION": "45s",
		"CONNECTOR_DISPATCH_MODE":  "log",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Defaults()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "from-env", cfg.Worker.ID)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "localhost:6379", cfg.Store.DSN)
	assert.Equal(t, 45*time.Second, cfg.Store.LeaseDuration)
	assert.Equal(t, DispatchLog, cfg.Dispatch.Mode)
	require.NoError(t, cfg.Validate())

	env["CONNECTOR_LEASE_DURATION"] = "soon"
	err := cfg.ApplyEnv(lookup)
	require.Error(t, err)
	assert.Equal(t, connector.ErrCodeInvalidConfiguration, connector.ErrorCode(err))
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown driver":   func(c *Config) { c.Store.Driver = "mongo" },
		"missing dsn":      func(c *Config) { c.Store.Driver = DriverSQLite },
		"zero lease":       func(c *Config) { c.Store.LeaseDuration = 0 },
		"bad wait":         func(c *Config) { c.Managers["x"] = ManagerConfig{Wait: WaitConfig{Strategy: "random"}} },
		"fixed without base": func(c *Config) {
			c.Managers["x"] = ManagerConfig{Wait: WaitConfig{Strategy: "fixed"}}
		},
		"negative retries": func(c *Config) { c.Managers["x"] = ManagerConfig{MaxRetries: -1} },
		"bad location":     func(c *Config) { c.Cron.Location = "Mars/Olympus" },
		"dispatch mode":    func(c *Config) { c.Dispatch.Mode = "carrier-pigeon" },
		"dispatch timeout": func(c *Config) { c.Dispatch.Timeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, connector.ErrCodeInvalidConfiguration, connector.ErrorCode(err))
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	t.Setenv("CONNECTOR_ADMIN_LISTEN", ":7000")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Admin.Listen)
	assert.Equal(t, "worker-a", cfg.Worker.ID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
