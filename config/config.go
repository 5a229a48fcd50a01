package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/retry"
)

const EnvPrefix = "CONNECTOR_"

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the daemon configuration.
type Config struct {
	Worker   WorkerConfig             `json:"worker" yaml:"worker"`
	Store    StoreConfig              `json:"store" yaml:"store"`
	Managers map[string]ManagerConfig `json:"managers,omitempty" yaml:"managers,omitempty"`
	Dispatch DispatchConfig           `json:"dispatch" yaml:"dispatch"`
	Admin    AdminConfig              `json:"admin" yaml:"admin"`
	Cron     CronConfig               `json:"cron,omitempty" yaml:"cron,omitempty"`
}

type WorkerConfig struct {
	ID       string `json:"id,omitempty" yaml:"id,omitempty"`
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

type StoreConfig struct {
	Driver        string        `json:"driver" yaml:"driver"`
	DSN           string        `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Table         string        `json:"table,omitempty" yaml:"table,omitempty"`
	KeyPrefix     string        `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
	LeaseDuration time.Duration `json:"lease_duration,omitempty" yaml:"lease_duration,omitempty"`
	AutoMigrate   bool          `json:"auto_migrate,omitempty" yaml:"auto_migrate,omitempty"`
}

// ManagerConfig tunes one state machine manager.
type ManagerConfig struct {
	Disabled             bool          `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	BatchSize            int           `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	PollInterval         time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	MaxRetries           int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Wait                 WaitConfig    `json:"wait,omitempty" yaml:"wait,omitempty"`
	CommandQueueCapacity int           `json:"command_queue_capacity,omitempty" yaml:"command_queue_capacity,omitempty"`
	CommandDrainLimit    int           `json:"command_drain_limit,omitempty" yaml:"command_drain_limit,omitempty"`
	// Cron drives cycles from a cron expression instead of the polling loop.
	Cron string `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// WaitConfig selects the backoff applied between retries of an entity.
type WaitConfig struct {
	Strategy      string        `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Base          time.Duration `json:"base,omitempty" yaml:"base,omitempty"`
	Factor        float64       `json:"factor,omitempty" yaml:"factor,omitempty"`
	Max           time.Duration `json:"max,omitempty" yaml:"max,omitempty"`
	Randomization float64       `json:"randomization,omitempty" yaml:"randomization,omitempty"`
}

const (
	DispatchHTTP = "http"
	DispatchLog  = "log"
)

// DispatchConfig controls how protocol messages reach counter-parties.
type DispatchConfig struct {
	Mode       string            `json:"mode" yaml:"mode"`
	Timeout    time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RetryCount int               `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	RetryWait  time.Duration     `json:"retry_wait,omitempty" yaml:"retry_wait,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

type AdminConfig struct {
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

type CronConfig struct {
	StatusReport string `json:"status_report,omitempty" yaml:"status_report,omitempty"`
	Location     string `json:"location,omitempty" yaml:"location,omitempty"`
}

// Defaults returns a configuration usable without a file.
func Defaults() Config {
	return Config{
		Worker: WorkerConfig{LogLevel: "info"},
		Store: StoreConfig{
			Driver:        DriverMemory,
			Table:         "connector_entities",
			KeyPrefix:     "connector:",
			LeaseDuration: time.Minute,
			AutoMigrate:   true,
		},
		Managers: map[string]ManagerConfig{},
		Dispatch: DispatchConfig{Mode: DispatchHTTP, Timeout: 10 * time.Second},
		Admin:    AdminConfig{Listen: ":8089"},
		Cron:     CronConfig{StatusReport: "@every 1m"},
	}
}

// DefaultManager returns the settings used for managers missing from the file.
func DefaultManager() ManagerConfig {
	return ManagerConfig{
		BatchSize:            20,
		PollInterval:         time.Second,
		MaxRetries:           5,
		CommandQueueCapacity: 1024,
		CommandDrainLimit:    100,
		Wait: WaitConfig{
			Strategy: "exponential",
			Base:     time.Second,
			Factor:   2,
			Max:      time.Minute,
		},
	}
}

// Load reads path, applies environment overrides and validates. An empty
// path loads defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, connector.NewError(connector.ErrInvalidConfiguration, "read config file", err, map[string]any{
				"path": path,
			})
		}
		if cfg, err = Parse(data); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML (or JSON) on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		// yaml can handle JSON too, so a single attempt is fine
		return cfg, connector.NewError(connector.ErrInvalidConfiguration, "parse config", err, nil)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CONNECTOR_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("WORKER_ID", &c.Worker.ID)
	str("LOG_LEVEL", &c.Worker.LogLevel)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("STORE_TABLE", &c.Store.Table)
	str("STORE_KEY_PREFIX", &c.Store.KeyPrefix)
	str("DISPATCH_MODE", &c.Dispatch.Mode)
	str("ADMIN_LISTEN", &c.Admin.Listen)
	str("CRON_STATUS_REPORT", &c.Cron.StatusReport)

	if v, ok := lookup(EnvPrefix + "LEASE_DURATION"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return connector.NewError(connector.ErrInvalidConfiguration, "invalid "+EnvPrefix+"LEASE_DURATION", err, nil)
		}
		c.Store.LeaseDuration = d
	}
	if v, ok := lookup(EnvPrefix + "STORE_AUTO_MIGRATE"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return connector.NewError(connector.ErrInvalidConfiguration, "invalid "+EnvPrefix+"STORE_AUTO_MIGRATE", err, nil)
		}
		c.Store.AutoMigrate = b
	}
	return nil
}

// Validate performs structural validation.
func (c Config) Validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverRedis:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return invalid("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return invalid("unsupported store driver %q", c.Store.Driver)
	}
	if c.Store.LeaseDuration <= 0 {
		return invalid("store.lease_duration must be > 0")
	}
	switch strings.ToLower(c.Dispatch.Mode) {
	case DispatchHTTP:
		if c.Dispatch.Timeout <= 0 {
			return invalid("dispatch.timeout must be > 0")
		}
	case DispatchLog:
	default:
		return invalid("unsupported dispatch mode %q", c.Dispatch.Mode)
	}
	if c.Dispatch.RetryCount < 0 {
		return invalid("dispatch.retry_count must be >= 0")
	}
	for _, name := range c.ManagerNames() {
		if err := c.Managers[name].Validate(); err != nil {
			return fmt.Errorf("managers.%s: %w", name, err)
		}
	}
	if c.Cron.Location != "" {
		if _, err := time.LoadLocation(c.Cron.Location); err != nil {
			return invalid("cron.location %q: %v", c.Cron.Location, err)
		}
	}
	return nil
}

// ManagerNames lists configured managers in sorted order.
func (c Config) ManagerNames() []string {
	names := make([]string, 0, len(c.Managers))
	for name := range c.Managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manager returns the named manager settings merged over DefaultManager.
func (c Config) Manager(name string) ManagerConfig {
	return DefaultManager().Merge(c.Managers[name])
}

// Merge overlays non-zero fields of o.
func (m ManagerConfig) Merge(o ManagerConfig) ManagerConfig {
	if o.Disabled {
		m.Disabled = true
	}
	if o.BatchSize > 0 {
		m.BatchSize = o.BatchSize
	}
	if o.PollInterval > 0 {
		m.PollInterval = o.PollInterval
	}
	if o.MaxRetries > 0 {
		m.MaxRetries = o.MaxRetries
	}
	if o.Wait.Strategy != "" {
		m.Wait = o.Wait
	}
	if o.CommandQueueCapacity > 0 {
		m.CommandQueueCapacity = o.CommandQueueCapacity
	}
	if o.CommandDrainLimit > 0 {
		m.CommandDrainLimit = o.CommandDrainLimit
	}
	if o.Cron != "" {
		m.Cron = o.Cron
	}
	return m
}

func (m ManagerConfig) Validate() error {
	if m.BatchSize < 0 {
		return invalid("batch_size must be >= 0")
	}
	if m.MaxRetries < 0 {
		return invalid("max_retries must be >= 0")
	}
	if m.PollInterval < 0 {
		return invalid("poll_interval must be >= 0")
	}
	return m.Wait.Validate()
}

// RetryConfiguration builds the per state retry budget.
func (m ManagerConfig) RetryConfiguration() retry.EntityRetryProcessConfiguration {
	return retry.EntityRetryProcessConfiguration{
		MaxRetries:   m.MaxRetries,
		WaitStrategy: m.Wait.Build,
	}
}

func (w WaitConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(w.Strategy)) {
	case "", "none":
		return nil
	case "fixed":
		if w.Base <= 0 {
			return invalid("wait.base must be > 0 for fixed strategy")
		}
	case "exponential", "jittered":
		if w.Base <= 0 {
			return invalid("wait.base must be > 0 for %s strategy", w.Strategy)
		}
		if w.Factor != 0 && w.Factor < 1 {
			return invalid("wait.factor must be >= 1")
		}
		if w.Max != 0 && w.Max < w.Base {
			return invalid("wait.max must be >= wait.base")
		}
		if w.Randomization < 0 || w.Randomization > 1 {
			return invalid("wait.randomization must be within [0, 1]")
		}
	default:
		return invalid("unsupported wait strategy %q", w.Strategy)
	}
	return nil
}

// Build returns a fresh strategy. Exponential strategies are stateful, so
// every evaluation gets its own.
func (w WaitConfig) Build() connector.WaitStrategy {
	factor := w.Factor
	if factor == 0 {
		factor = 2
	}
	max := w.Max
	if max == 0 {
		max = w.Base * 64
	}
	switch strings.ToLower(strings.TrimSpace(w.Strategy)) {
	case "fixed":
		return retry.NewFixedWaitStrategy(w.Base)
	case "exponential":
		return retry.NewExponentialWaitStrategy(w.Base, factor, max)
	case "jittered":
		return retry.NewJitteredWaitStrategy(w.Base, max, factor, w.Randomization)
	default:
		return retry.NoWaitStrategy{}
	}
}

func invalid(format string, args ...any) error {
	return connector.NewError(connector.ErrInvalidConfiguration, fmt.Sprintf(format, args...), nil, nil)
}
