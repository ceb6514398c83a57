// Package config loads and validates fetchd configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fetch-orchestrator/internal/backend"
	"github.com/JakeFAU/fetch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/fetch-orchestrator/internal/retry"
)

// EnvPrefix is prepended to every environment override, e.g.
// FETCHD_ORCHESTRATOR_POOL_SIZE=16.
const EnvPrefix = "FETCHD"

// Fetcher kinds.
const (
	FetcherHTTP     = "http"
	FetcherHeadless = "headless"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Process      ProcessConfig      `mapstructure:"process"`
	Fetcher      FetcherConfig      `mapstructure:"fetcher"`
	Sinks        SinksConfig        `mapstructure:"sinks"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// OrchestratorConfig selects the backend and run-wide bounds.
type OrchestratorConfig struct {
	Backend         string        `mapstructure:"backend"`
	PoolSize        int           `mapstructure:"pool_size"`
	OverallDeadline time.Duration `mapstructure:"overall_deadline"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

// RateLimitConfig sets the per-host token bucket.
type RateLimitConfig struct {
	PerHostRPS     float64       `mapstructure:"per_host_rps"`
	Burst          int           `mapstructure:"burst"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// RetryConfig mirrors retry.Policy.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	JitterFraction float64       `mapstructure:"jitter_fraction"`
}

// ProcessConfig configures the process backend's child command.
type ProcessConfig struct {
	Command []string `mapstructure:"command"`
}

// FetcherConfig chooses and tunes the Fetcher.
type FetcherConfig struct {
	Kind                string `mapstructure:"kind"`
	UserAgent           string `mapstructure:"user_agent"`
	RespectRobots       bool   `mapstructure:"respect_robots"`
	HeadlessMaxParallel int    `mapstructure:"headless_max_parallel"`
}

// SinksConfig toggles result sinks.
type SinksConfig struct {
	Log      bool         `mapstructure:"log"`
	Table    bool         `mapstructure:"table"`
	Progress bool         `mapstructure:"progress"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig enables the Pub/Sub sink when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether the Pub/Sub sink should be built.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.Topic != ""
}

// MetricsConfig controls the metrics HTTP listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ValidationError names one rejected key.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Key + " " + e.Reason
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := orchestrator.DefaultConfig()
	v.SetDefault("orchestrator.backend", string(def.Backend))
	v.SetDefault("orchestrator.pool_size", def.PoolSize)
	v.SetDefault("orchestrator.overall_deadline", "0s")
	v.SetDefault("orchestrator.request_timeout", def.RequestTimeout.String())
	v.SetDefault("orchestrator.shutdown_grace", def.ShutdownGrace.String())
	v.SetDefault("ratelimit.per_host_rps", def.PerHostRPS)
	v.SetDefault("ratelimit.burst", def.Burst)
	v.SetDefault("ratelimit.acquire_timeout", "0s")
	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", def.Retry.BaseDelay.String())
	v.SetDefault("retry.max_delay", def.Retry.MaxDelay.String())
	v.SetDefault("retry.jitter_fraction", def.Retry.JitterFraction)
	v.SetDefault("process.command", []string{})
	v.SetDefault("fetcher.kind", FetcherHTTP)
	v.SetDefault("fetcher.user_agent", "fetchd/0.1")
	v.SetDefault("fetcher.respect_robots", false)
	v.SetDefault("fetcher.headless_max_parallel", 2)
	v.SetDefault("sinks.log", true)
	v.SetDefault("sinks.table", true)
	v.SetDefault("sinks.progress", false)
	v.SetDefault("sinks.pubsub.project_id", "")
	v.SetDefault("sinks.pubsub.topic", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
}

// Validate reports every rejected key at once.
func (c Config) Validate() error {
	var problems []error
	reject := func(key, reason string) {
		problems = append(problems, &ValidationError{Key: key, Reason: reason})
	}

	if _, err := backend.ParseKind(c.Orchestrator.Backend); err != nil {
		reject("orchestrator.backend", "must be one of thread, process, async")
	}
	if c.Orchestrator.PoolSize <= 0 {
		reject("orchestrator.pool_size", "must be > 0")
	}
	if c.Orchestrator.OverallDeadline < 0 {
		reject("orchestrator.overall_deadline", "must be >= 0")
	}
	if c.Orchestrator.RequestTimeout < 0 {
		reject("orchestrator.request_timeout", "must be >= 0")
	}
	if c.Orchestrator.ShutdownGrace < 0 {
		reject("orchestrator.shutdown_grace", "must be >= 0")
	}
	if c.RateLimit.PerHostRPS <= 0 {
		reject("ratelimit.per_host_rps", "must be > 0")
	}
	if c.RateLimit.Burst < 1 {
		reject("ratelimit.burst", "must be >= 1")
	}
	if c.RateLimit.AcquireTimeout < 0 {
		reject("ratelimit.acquire_timeout", "must be >= 0")
	}
	if err := c.retryPolicy().Validate(); err != nil {
		problems = append(problems, err)
	}
	switch c.Fetcher.Kind {
	case FetcherHTTP:
	case FetcherHeadless:
		if c.Fetcher.HeadlessMaxParallel < 0 {
			reject("fetcher.headless_max_parallel", "must be >= 0")
		}
	default:
		reject("fetcher.kind", "must be http or headless")
	}
	if (c.Sinks.PubSub.ProjectID == "") != (c.Sinks.PubSub.Topic == "") {
		reject("sinks.pubsub", "needs both project_id and topic")
	}
	return errors.Join(problems...)
}

func (c Config) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.Retry.MaxAttempts,
		BaseDelay:      c.Retry.BaseDelay,
		MaxDelay:       c.Retry.MaxDelay,
		JitterFraction: c.Retry.JitterFraction,
	}
}

// ToOrchestrator maps the file configuration onto the core's run config.
// processCommand is used when process.command is empty.
func (c Config) ToOrchestrator(processCommand []string) orchestrator.Config {
	cmd := c.Process.Command
	if len(cmd) == 0 {
		cmd = processCommand
	}
	kind, err := backend.ParseKind(c.Orchestrator.Backend)
	if err != nil {
		// Left as-is so orchestrator.Config.Validate reports it.
		kind = backend.Kind(c.Orchestrator.Backend)
	}
	return orchestrator.Config{
		Backend:         kind,
		PoolSize:        c.Orchestrator.PoolSize,
		PerHostRPS:      c.RateLimit.PerHostRPS,
		Burst:           c.RateLimit.Burst,
		AcquireTimeout:  c.RateLimit.AcquireTimeout,
		Retry:           c.retryPolicy(),
		OverallDeadline: c.Orchestrator.OverallDeadline,
		RequestTimeout:  c.Orchestrator.RequestTimeout,
		ShutdownGrace:   c.Orchestrator.ShutdownGrace,
		Process: backend.ProcessConfig{
			Command:        append([]string(nil), cmd...),
			RequestTimeout: c.Orchestrator.RequestTimeout,
		},
	}
}
