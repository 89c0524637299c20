// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/scalpel-resolver/api/schemas"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Redis() RedisConfig
	Selectors() SelectorsConfig
	Pool() PoolConfig
	Detector() DetectorConfig
	Assembler() AssemblerConfig
	Fallback() FallbackConfig
	Browser() BrowserConfig
	Metrics() MetricsConfig
	Targets() map[string]schemas.TargetProfile
	Target(id string) (schemas.TargetProfile, bool)

	SetSelectorsBackend(string)
	SetBrowserHeadless(bool)
	SetPoolMaxSessionsPerTarget(int)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig                     `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg  DatabaseConfig                   `mapstructure:"database" yaml:"database"`
	RedisCfg     RedisConfig                      `mapstructure:"redis" yaml:"redis"`
	SelectorsCfg SelectorsConfig                  `mapstructure:"selectors" yaml:"selectors"`
	PoolCfg      PoolConfig                       `mapstructure:"pool" yaml:"pool"`
	DetectorCfg  DetectorConfig                   `mapstructure:"detector" yaml:"detector"`
	AssemblerCfg AssemblerConfig                  `mapstructure:"assembler" yaml:"assembler"`
	FallbackCfg  FallbackConfig                   `mapstructure:"fallback" yaml:"fallback"`
	BrowserCfg   BrowserConfig                    `mapstructure:"browser" yaml:"browser"`
	MetricsCfg   MetricsConfig                    `mapstructure:"metrics" yaml:"metrics"`
	TargetsCfg   map[string]schemas.TargetProfile `mapstructure:"targets" yaml:"targets"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }
func (c *Config) Redis() RedisConfig         { return c.RedisCfg }
func (c *Config) Selectors() SelectorsConfig { return c.SelectorsCfg }
func (c *Config) Pool() PoolConfig           { return c.PoolCfg }
func (c *Config) Detector() DetectorConfig   { return c.DetectorCfg }
func (c *Config) Assembler() AssemblerConfig { return c.AssemblerCfg }
func (c *Config) Fallback() FallbackConfig   { return c.FallbackCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Metrics() MetricsConfig     { return c.MetricsCfg }

func (c *Config) Targets() map[string]schemas.TargetProfile { return c.TargetsCfg }

// Target returns the profile registered under id. Viper lowercases map keys,
// so lookups are case-insensitive.
func (c *Config) Target(id string) (schemas.TargetProfile, bool) {
	p, ok := c.TargetsCfg[strings.ToLower(id)]
	if !ok {
		return schemas.TargetProfile{}, false
	}
	if p.ID == "" {
		p.ID = strings.ToLower(id)
	}
	return p, true
}

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetSelectorsBackend(b string)      { c.SelectorsCfg.Backend = b }
func (c *Config) SetBrowserHeadless(b bool)         { c.BrowserCfg.Headless = b }
func (c *Config) SetPoolMaxSessionsPerTarget(n int) { c.PoolCfg.MaxSessionsPerTarget = n }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details for the postgres selector backend.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// RedisConfig holds the connection details for the redis selector backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"-"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// Selector backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// SelectorsConfig tunes the selector cache and its scoring.
type SelectorsConfig struct {
	Backend string        `mapstructure:"backend" yaml:"backend"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
	// HealthFloor and EvictionStreak evict a set whose health stays below the
	// floor for EvictionStreak consecutive resolutions.
	HealthFloor    float64 `mapstructure:"health_floor" yaml:"health_floor"`
	EvictionStreak int     `mapstructure:"eviction_streak" yaml:"eviction_streak"`
	// DegradeAfter consecutive failures mark a role degraded.
	DegradeAfter int                `mapstructure:"degrade_after" yaml:"degrade_after"`
	Priors       map[string]float64 `mapstructure:"priors" yaml:"priors"`
	// DiscoveryRate is the per-target discovery calls per second; DiscoveryBurst the bucket size.
	DiscoveryRate  float64 `mapstructure:"discovery_rate" yaml:"discovery_rate"`
	DiscoveryBurst int     `mapstructure:"discovery_burst" yaml:"discovery_burst"`
}

// PoolConfig bounds the per-target session pool.
type PoolConfig struct {
	MaxSessionsPerTarget int           `mapstructure:"max_sessions_per_target" yaml:"max_sessions_per_target"`
	AcquireWait          time.Duration `mapstructure:"acquire_wait" yaml:"acquire_wait"`
	MaxAge               time.Duration `mapstructure:"max_age" yaml:"max_age"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ProbeTimeout         time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// DetectorConfig tunes stream method classification.
type DetectorConfig struct {
	ObservationWindow time.Duration `mapstructure:"observation_window" yaml:"observation_window"`
	MinPollSamples    int           `mapstructure:"min_poll_samples" yaml:"min_poll_samples"`
	// PollJitter is the maximum coefficient of variation of poll intervals still considered regular.
	PollJitter         float64 `mapstructure:"poll_jitter" yaml:"poll_jitter"`
	MethodFailureLimit int     `mapstructure:"method_failure_limit" yaml:"method_failure_limit"`
}

// AssemblerConfig tunes delta assembly and completion detection.
type AssemblerConfig struct {
	CompletionQuietPeriod time.Duration `mapstructure:"completion_quiet_period" yaml:"completion_quiet_period"`
	CoalesceWindow        time.Duration `mapstructure:"coalesce_window" yaml:"coalesce_window"`
	FirstDeltaTimeout     time.Duration `mapstructure:"first_delta_timeout" yaml:"first_delta_timeout"`
	ResponseTimeout       time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`
	DoneSentinel          string        `mapstructure:"done_sentinel" yaml:"done_sentinel"`
}

// StepConfig is the configuration form of one fallback step.
type StepConfig struct {
	ID      string        `mapstructure:"id" yaml:"id"`
	Action  string        `mapstructure:"action" yaml:"action"`
	Budget  int           `mapstructure:"budget" yaml:"budget"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Backoff time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

// FallbackConfig maps a failure category to its ordered steps.
type FallbackConfig struct {
	Chains map[string][]StepConfig `mapstructure:"chains" yaml:"chains"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	DisableGPU        bool          `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-resolver")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Backends --
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "scalpel:selectors:")

	// -- Selectors --
	v.SetDefault("selectors.backend", BackendMemory)
	v.SetDefault("selectors.ttl", 7*24*time.Hour)
	v.SetDefault("selectors.health_floor", 0.2)
	v.SetDefault("selectors.eviction_streak", 3)
	v.SetDefault("selectors.degrade_after", 3)
	v.SetDefault("selectors.priors", map[string]float64{
		string(schemas.ExprID):         0.95,
		string(schemas.ExprTestID):     0.95,
		string(schemas.ExprAria):       0.85,
		string(schemas.ExprCSS):        0.70,
		string(schemas.ExprText):       0.60,
		string(schemas.ExprXPath):      0.50,
		string(schemas.ExprPositional): 0.30,
	})
	v.SetDefault("selectors.discovery_rate", 1.0)
	v.SetDefault("selectors.discovery_burst", 4)

	// -- Pool --
	v.SetDefault("pool.max_sessions_per_target", 20)
	v.SetDefault("pool.acquire_wait", "30s")
	v.SetDefault("pool.max_age", "1h")
	v.SetDefault("pool.idle_timeout", "10m")
	v.SetDefault("pool.probe_timeout", "3s")

	// -- Detector --
	v.SetDefault("detector.observation_window", "5s")
	v.SetDefault("detector.min_poll_samples", 3)
	v.SetDefault("detector.poll_jitter", 0.5)
	v.SetDefault("detector.method_failure_limit", 2)

	// -- Assembler --
	v.SetDefault("assembler.completion_quiet_period", "800ms")
	v.SetDefault("assembler.coalesce_window", "50ms")
	v.SetDefault("assembler.first_delta_timeout", "20s")
	v.SetDefault("assembler.response_timeout", "2m")
	v.SetDefault("assembler.done_sentinel", "[DONE]")

	// -- Fallback chains --
	v.SetDefault("fallback.chains", DefaultChains())

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.action_timeout", "10s")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")
}

// DefaultChains returns the built-in recovery chains per failure category.
func DefaultChains() map[string][]StepConfig {
	return map[string][]StepConfig{
		"network": {
			{ID: "network-retry", Action: "retry", Budget: 3, Timeout: 30 * time.Second, Backoff: 500 * time.Millisecond},
			{ID: "network-recreate", Action: "recreate-session", Budget: 1, Timeout: 60 * time.Second},
		},
		"selector-miss": {
			{ID: "selector-fallback", Action: "fallback-expression", Budget: 1, Timeout: 15 * time.Second},
			{ID: "selector-rediscover", Action: "rediscover", Budget: 2, Timeout: 60 * time.Second, Backoff: time.Second},
		},
		"stream-miss": {
			{ID: "stream-resend", Action: "resend", Budget: 1, Timeout: 2 * time.Minute},
			{ID: "stream-reclassify", Action: "reclassify", Budget: 2, Timeout: 2 * time.Minute},
		},
		"auth": {
			{ID: "auth-reauthenticate", Action: "reauthenticate", Budget: 1, Timeout: 60 * time.Second},
			{ID: "auth-recreate", Action: "recreate-session", Budget: 1, Timeout: 60 * time.Second},
		},
		"captcha": {
			{ID: "captcha-solve", Action: "solve-captcha", Budget: 2, Timeout: 2 * time.Minute, Backoff: 2 * time.Second},
		},
	}
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", "SCALPEL_DATABASE_URL")
	_ = v.BindEnv("redis.password", "SCALPEL_REDIS_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.DatabaseCfg.URL == "" {
		cfg.DatabaseCfg.URL = os.Getenv("SCALPEL_DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.SelectorsCfg.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.DatabaseCfg.URL == "" {
			return fmt.Errorf("database.url is required when selectors.backend is postgres")
		}
	default:
		return fmt.Errorf("selectors.backend must be one of memory, postgres, redis (got %q)", c.SelectorsCfg.Backend)
	}
	if err := c.SelectorsCfg.Validate(); err != nil {
		return fmt.Errorf("selectors configuration invalid: %w", err)
	}
	if c.PoolCfg.MaxSessionsPerTarget <= 0 {
		return fmt.Errorf("pool.max_sessions_per_target must be a positive integer")
	}
	if c.PoolCfg.AcquireWait <= 0 {
		return fmt.Errorf("pool.acquire_wait must be a positive duration")
	}
	if c.DetectorCfg.ObservationWindow <= 0 {
		return fmt.Errorf("detector.observation_window must be a positive duration")
	}
	if c.DetectorCfg.MethodFailureLimit <= 0 {
		return fmt.Errorf("detector.method_failure_limit must be a positive integer")
	}
	if c.AssemblerCfg.CompletionQuietPeriod <= 0 {
		return fmt.Errorf("assembler.completion_quiet_period must be a positive duration")
	}
	if err := c.FallbackCfg.Validate(); err != nil {
		return fmt.Errorf("fallback configuration invalid: %w", err)
	}
	for id, p := range c.TargetsCfg {
		if p.URL == "" {
			return fmt.Errorf("targets.%s.url is required", id)
		}
	}
	return nil
}

// Validate checks the selector scoring settings.
func (s *SelectorsConfig) Validate() error {
	if s.HealthFloor < 0 || s.HealthFloor > 1 {
		return fmt.Errorf("health_floor must be between 0.0 and 1.0")
	}
	if s.DegradeAfter <= 0 {
		return fmt.Errorf("degrade_after must be a positive integer")
	}
	for kind, p := range s.Priors {
		if p < 0 || p > 1 {
			return fmt.Errorf("prior for %s must be between 0.0 and 1.0", kind)
		}
	}
	return nil
}

// Validate checks that every chain step has a positive budget and an action.
func (f *FallbackConfig) Validate() error {
	for category, steps := range f.Chains {
		for i, st := range steps {
			if st.Action == "" {
				return fmt.Errorf("chains.%s[%d]: action is required", category, i)
			}
			if st.Budget <= 0 {
				return fmt.Errorf("chains.%s[%d]: budget must be positive", category, i)
			}
			if st.Timeout < 0 || st.Backoff < 0 {
				return fmt.Errorf("chains.%s[%d]: timeout and backoff must not be negative", category, i)
			}
		}
	}
	return nil
}
