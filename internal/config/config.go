// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pixvault/harvester/internal/proxy"
	"github.com/pixvault/harvester/internal/ratelimit"
	"github.com/pixvault/harvester/internal/retry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Queue     QueueConfig     `mapstructure:"queue"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Search    SearchConfig    `mapstructure:"search"`
	DB        DBConfig        `mapstructure:"db"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// WorkersConfig sizes the pool and its supervision thresholds.
type WorkersConfig struct {
	Count                 int `mapstructure:"count"`
	AttemptTimeoutSeconds int `mapstructure:"attempt_timeout_seconds"`
	HeartbeatStaleSeconds int `mapstructure:"heartbeat_stale_seconds"`
	StatusIntervalSeconds int `mapstructure:"status_interval_seconds"`
}

// QueueConfig selects the broker backend.
type QueueConfig struct {
	Provider string `mapstructure:"provider"`
	URL      string `mapstructure:"url"`
}

// DomainRule is one per-domain request budget.
type DomainRule struct {
	Limit         int `mapstructure:"limit"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// RateLimitConfig governs per-domain admission.
type RateLimitConfig struct {
	Store                string                `mapstructure:"store"`
	DefaultLimit         int                   `mapstructure:"default_limit"`
	DefaultWindowSeconds int                   `mapstructure:"default_window_seconds"`
	Domains              map[string]DomainRule `mapstructure:"domains"`
}

// SeedProxy is one statically configured egress proxy.
type SeedProxy struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Protocol string `mapstructure:"protocol"`
	Country  string `mapstructure:"country"`
	Provider string `mapstructure:"provider"`
}

// ProxyConfig governs the egress pool and its health checking.
type ProxyConfig struct {
	Strategy                   string      `mapstructure:"strategy"`
	MaxFailures                int         `mapstructure:"max_failures"`
	HealthCheckIntervalSeconds int         `mapstructure:"health_check_interval_seconds"`
	HealthCheckTimeoutSeconds  int         `mapstructure:"health_check_timeout_seconds"`
	CheckURL                   string      `mapstructure:"check_url"`
	PoolFile                   string      `mapstructure:"pool_file"`
	Proxies                    []SeedProxy `mapstructure:"proxies"`
}

// RetryConfig configures task retry behavior.
type RetryConfig struct {
	MaxRetries  int     `mapstructure:"max_retries"`
	BaseDelayMs int     `mapstructure:"base_delay_ms"`
	MaxDelayMs  int     `mapstructure:"max_delay_ms"`
	Multiplier  float64 `mapstructure:"multiplier"`
	Jitter      bool    `mapstructure:"jitter"`
}

// FetchConfig controls image downloading and artifact placement.
type FetchConfig struct {
	Dir            string `mapstructure:"dir"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SearchConfig points at the HTML search endpoint used for query
// expansion. An empty template disables search tasks.
type SearchConfig struct {
	URLTemplate string `mapstructure:"url_template"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.attempt_timeout_seconds", 60)
	v.SetDefault("workers.heartbeat_stale_seconds", 60)
	v.SetDefault("workers.status_interval_seconds", 15)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("rate_limit.store", "memory")
	v.SetDefault("rate_limit.default_limit", 1)
	v.SetDefault("rate_limit.default_window_seconds", 5)
	v.SetDefault("proxy.strategy", "round_robin")
	v.SetDefault("proxy.max_failures", 3)
	v.SetDefault("proxy.health_check_interval_seconds", 300)
	v.SetDefault("proxy.health_check_timeout_seconds", 10)
	v.SetDefault("proxy.check_url", "https://httpbin.org/ip")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 60000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("fetch.dir", "data")
	v.SetDefault("fetch.user_agent", "pixvault-harvester/0.1")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	switch c.Queue.Provider {
	case "memory":
	case "amqp":
		if c.Queue.URL == "" {
			return fmt.Errorf("queue.url must be set when queue.provider is amqp")
		}
	default:
		return fmt.Errorf("queue.provider must be memory or amqp")
	}
	switch c.RateLimit.Store {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when rate_limit.store is postgres")
		}
	default:
		return fmt.Errorf("rate_limit.store must be memory or postgres")
	}
	if c.RateLimit.DefaultLimit <= 0 || c.RateLimit.DefaultWindowSeconds <= 0 {
		return fmt.Errorf("rate_limit defaults must be > 0")
	}
	switch proxy.Strategy(c.Proxy.Strategy) {
	case proxy.StrategyRoundRobin, proxy.StrategyRandom, proxy.StrategyWeighted:
	default:
		return fmt.Errorf("proxy.strategy must be round_robin, random or weighted")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	return nil
}

// RetryPolicy converts the retry section into an executor policy.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
		Multiplier: c.Retry.Multiplier,
		Jitter:     c.Retry.Jitter,
	}
}

// RateLimitRules converts the rate limit section into limiter rules.
func (c Config) RateLimitRules() (ratelimit.Rule, map[string]ratelimit.Rule) {
	def := ratelimit.Rule{
		Limit:  c.RateLimit.DefaultLimit,
		Window: time.Duration(c.RateLimit.DefaultWindowSeconds) * time.Second,
	}
	overrides := make(map[string]ratelimit.Rule, len(c.RateLimit.Domains))
	for domain, rule := range c.RateLimit.Domains {
		overrides[domain] = ratelimit.Rule{
			Limit:  rule.Limit,
			Window: time.Duration(rule.WindowSeconds) * time.Second,
		}
	}
	return def, overrides
}

// ProxyPoolConfig converts the proxy section into pool settings.
func (c Config) ProxyPoolConfig() proxy.Config {
	return proxy.Config{
		Strategy:    proxy.Strategy(c.Proxy.Strategy),
		MaxFailures: c.Proxy.MaxFailures,
	}
}

// AttemptTimeout returns the per-attempt budget for one task execution.
func (c Config) AttemptTimeout() time.Duration {
	return time.Duration(c.Workers.AttemptTimeoutSeconds) * time.Second
}
