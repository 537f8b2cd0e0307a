// Package config loads the crawler's hierarchical configuration from a YAML
// file, with environment variables taking precedence over file values and
// built-in defaults taking the lowest precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kozakura/marketcrawl/common/environment"
)

// RedisSettings configures the shared Redis connection used by the queue and
// the global rate limiter.
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimitSettings configures the global token bucket and the (currently
// unwired) jitter bounds.
type RateLimitSettings struct {
	Rate      float64 `yaml:"rate"`
	Burst     float64 `yaml:"burst"`
	JitterMin float64 `yaml:"jitter_min"`
	JitterMax float64 `yaml:"jitter_max"`
}

// TokenSettings configures browser-credential validity.
type TokenSettings struct {
	MaxAgeMinutes         int     `yaml:"max_age_minutes"`
	ProactiveRefreshRatio float64 `yaml:"proactive_refresh_ratio"`
}

// CrawlerSettings configures engine concurrency and idle polling.
type CrawlerSettings struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	PopTimeout         time.Duration `yaml:"pop_timeout"`
}

// MetricsSettings configures the Prometheus scrape endpoint.
type MetricsSettings struct {
	Port int `yaml:"port"`
}

// HealthSettings configures the health HTTP surface.
type HealthSettings struct {
	Port int `yaml:"port"`
}

// Config is the top-level, fully-resolved configuration.
type Config struct {
	Namespace string            `yaml:"namespace"`
	Redis     RedisSettings     `yaml:"redis"`
	RateLimit RateLimitSettings `yaml:"rate_limit"`
	Token     TokenSettings     `yaml:"token"`
	Crawler   CrawlerSettings   `yaml:"crawler"`
	Metrics   MetricsSettings   `yaml:"metrics"`
	Health    HealthSettings    `yaml:"health"`
}

// Default returns the configuration's built-in defaults.
func Default() Config {
	return Config{
		Namespace: "animetop",
		Redis: RedisSettings{
			Addr: "localhost:6379",
			DB:   0,
		},
		RateLimit: RateLimitSettings{
			Rate:      2,
			Burst:     5,
			JitterMin: 1.0,
			JitterMax: 5.0,
		},
		Token: TokenSettings{
			MaxAgeMinutes:         30,
			ProactiveRefreshRatio: 0.05,
		},
		Crawler: CrawlerSettings{
			MaxConcurrentTasks: 3,
			PopTimeout:         2 * time.Second,
		},
		Metrics: MetricsSettings{Port: 2112},
		Health:  HealthSettings{Port: 8081},
	}
}

// candidatePaths are tried in order when path is empty, matching the
// search order of the Python reference loader.
var candidatePaths = []string{
	"configs/config.yaml",
	"config.yaml",
	"/etc/marketcrawl/config.yaml",
}

// Load resolves configuration from defaults, then an optional YAML file,
// then environment variable overrides, in that order of increasing
// precedence.
//
// If path is empty, Load searches candidatePaths and silently falls back to
// defaults-plus-env if none exist — a missing config file is not an error,
// since every setting can be supplied by environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	resolved := path
	if resolved == "" {
		for _, candidate := range candidatePaths {
			if _, err := os.Stat(candidate); err == nil {
				resolved = candidate
				break
			}
		}
	}

	if resolved != "" {
		data, err := os.ReadFile(resolved)
		if err != nil {
			if path != "" {
				return Config{}, fmt.Errorf("config: read %s: %w", resolved, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	if err := validateSchema(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Namespace = environment.StringOr("CRAWLER_NAMESPACE", cfg.Namespace)

	cfg.Redis.Addr = environment.StringOr("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = environment.StringOr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = environment.IntOr("REDIS_DB", cfg.Redis.DB)

	cfg.RateLimit.Rate = floatOr("RATE_LIMIT_RATE", cfg.RateLimit.Rate)
	cfg.RateLimit.Burst = floatOr("RATE_LIMIT_BURST", cfg.RateLimit.Burst)
	cfg.RateLimit.JitterMin = floatOr("RATE_LIMIT_JITTER_MIN", cfg.RateLimit.JitterMin)
	cfg.RateLimit.JitterMax = floatOr("RATE_LIMIT_JITTER_MAX", cfg.RateLimit.JitterMax)

	cfg.Token.MaxAgeMinutes = environment.IntOr("TOKEN_MAX_AGE_MINUTES", cfg.Token.MaxAgeMinutes)
	cfg.Token.ProactiveRefreshRatio = floatOr("TOKEN_PROACTIVE_REFRESH_RATIO", cfg.Token.ProactiveRefreshRatio)

	cfg.Crawler.MaxConcurrentTasks = environment.IntOr("CRAWLER_MAX_CONCURRENT_TASKS", cfg.Crawler.MaxConcurrentTasks)
	cfg.Crawler.PopTimeout = environment.DurationOr("CRAWLER_POP_TIMEOUT", cfg.Crawler.PopTimeout)

	cfg.Metrics.Port = environment.IntOr("METRICS_PORT", cfg.Metrics.Port)
	cfg.Health.Port = environment.IntOr("HEALTH_PORT", cfg.Health.Port)
}

// floatOr has no equivalent in common/environment (which only covers the
// types the teacher's services needed); it follows the same unset/empty/
// unparsable-falls-through-to-default shape as environment.IntOr.
func floatOr(name string, defaultValue float64) float64 {
	v, ok := environment.String(name)
	if !ok || v == "" {
		return defaultValue
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return defaultValue
	}
	return f
}

func validate(cfg Config) error {
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr must not be empty")
	}
	if cfg.RateLimit.Rate < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("config: rate_limit.rate and rate_limit.burst must not be negative")
	}
	if cfg.Crawler.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("config: crawler.max_concurrent_tasks must be positive")
	}
	if cfg.Crawler.PopTimeout <= 0 {
		return fmt.Errorf("config: crawler.pop_timeout must be positive")
	}
	if cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535 {
		return fmt.Errorf("config: metrics.port out of range")
	}
	if cfg.Health.Port <= 0 || cfg.Health.Port > 65535 {
		return fmt.Errorf("config: health.port out of range")
	}
	return nil
}
