package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"linx/internal/feed"
)

var validate = validator.New()

// Config holds service configuration loaded from YAML, with environment
// overrides applied on top.
type Config struct {
	TestingMode bool

	ServerPort         string `validate:"required,numeric"`
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration

	RequestTimeout time.Duration

	FeedURL        string `validate:"omitempty,url"`
	FeedTimeout    time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	BreakerEnabled          bool
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerHalfOpenMax      int
	BreakerCooldown         time.Duration

	CacheBackend          string `validate:"oneof=memory memcached"`
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	ArchiveTTL            time.Duration
	StaleTTL              time.Duration

	RefreshInterval time.Duration
	WarmingTimeout  time.Duration

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout time.Duration

	OverloadWindow         time.Duration
	OverloadThresholdPct   int `validate:"gte=0,lte=100"`
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int `validate:"gte=0,lte=100"`
	DegradedMinSamples     int
	RecoveryInitial        time.Duration
	RecoveryMax            time.Duration
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port         string `yaml:"port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
		IdleTimeout  string `yaml:"idle_timeout"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Feed struct {
		URL              string `yaml:"url"`
		Timeout          string `yaml:"timeout"`
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
	} `yaml:"feed"`

	Breaker struct {
		Enabled          *bool  `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		HalfOpenMax      int    `yaml:"half_open_max"`
		Cooldown         string `yaml:"cooldown"`
	} `yaml:"breaker"`

	Cache struct {
		Backend    string `yaml:"backend"`
		ArchiveTTL string `yaml:"archive_ttl"`
		StaleTTL   string `yaml:"stale_ttl"`
		Memcached  struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Refresh struct {
		Interval       string `yaml:"interval"`
		WarmingTimeout string `yaml:"warming_timeout"`
	} `yaml:"refresh"`

	Coalescing struct {
		Enabled *bool  `yaml:"enabled"`
		Timeout string `yaml:"timeout"`
	} `yaml:"coalescing"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		OverloadWindow         string `yaml:"overload_window"`
		OverloadThresholdPct   int    `yaml:"overload_threshold_pct"`
		IdleWindow             string `yaml:"idle_window"`
		IdleThresholdReqPerMin int    `yaml:"idle_threshold_req_per_min"`
		MinimumLifespan        string `yaml:"minimum_lifespan"`
		DegradedWindow         string `yaml:"degraded_window"`
		DegradedErrorPct       int    `yaml:"degraded_error_pct"`
		DegradedMinSamples     int    `yaml:"degraded_min_samples"`
		RecoveryInitial        string `yaml:"recovery_initial"`
		RecoveryMax            string `yaml:"recovery_max"`
	} `yaml:"health"`
}

// envOverrides are applied after the YAML file. Only the settings an
// operator plausibly flips per-deployment get an env knob.
type envOverrides struct {
	Port            string        `envconfig:"LINX_PORT"`
	FeedURL         string        `envconfig:"LINX_FEED_URL"`
	CacheBackend    string        `envconfig:"LINX_CACHE_BACKEND"`
	MemcachedAddrs  string        `envconfig:"LINX_MEMCACHED_ADDRS"`
	TestingMode     *bool         `envconfig:"LINX_TESTING_MODE"`
	RateLimitRPS    int           `envconfig:"LINX_RATE_LIMIT_RPS"`
	RateLimitBurst  int           `envconfig:"LINX_RATE_LIMIT_BURST"`
	RefreshInterval time.Duration `envconfig:"LINX_REFRESH_INTERVAL"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev), then
// applies LINX_* environment overrides. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := fromFile(fc)

	var ov envOverrides
	if err := envconfig.Process("", &ov); err != nil {
		return nil, fmt.Errorf("process env overrides: %w", err)
	}
	applyOverrides(cfg, ov)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	if err := adjust(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fromFile maps the YAML document onto a Config, filling defaults for
// anything the file leaves out.
func fromFile(fc fileConfig) *Config {
	cfg := &Config{}

	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "3000"
	}
	cfg.ServerReadTimeout = parseDuration(fc.Server.ReadTimeout, 5*time.Second)
	cfg.ServerWriteTimeout = parseDuration(fc.Server.WriteTimeout, 30*time.Second)
	cfg.ServerIdleTimeout = parseDuration(fc.Server.IdleTimeout, 60*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 20*time.Second)

	cfg.FeedURL = strings.TrimSpace(fc.Feed.URL)
	if cfg.FeedURL == "" {
		cfg.FeedURL = feed.DefaultFeedURL
	}
	cfg.FeedTimeout = parseDurationOrZero(fc.Feed.Timeout, 10*time.Second)
	cfg.RetryAttempts = fc.Feed.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Feed.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Feed.RetryMaxDelay, 5*time.Second)

	cfg.BreakerEnabled = true
	if fc.Breaker.Enabled != nil {
		cfg.BreakerEnabled = *fc.Breaker.Enabled
	}
	cfg.BreakerFailureThreshold = fc.Breaker.FailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerSuccessThreshold = fc.Breaker.SuccessThreshold
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = 2
	}
	cfg.BreakerHalfOpenMax = fc.Breaker.HalfOpenMax
	if cfg.BreakerHalfOpenMax <= 0 {
		cfg.BreakerHalfOpenMax = 1
	}
	cfg.BreakerCooldown = parseDuration(fc.Breaker.Cooldown, 60*time.Second)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "memory"
	}
	cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.ArchiveTTL = parseDuration(fc.Cache.ArchiveTTL, 1*time.Hour)
	cfg.StaleTTL = parseDurationOrZero(fc.Cache.StaleTTL, 24*time.Hour)

	cfg.RefreshInterval = parseDurationOrZero(fc.Refresh.Interval, 1*time.Hour)
	cfg.WarmingTimeout = parseDuration(fc.Refresh.WarmingTimeout, 30*time.Second)

	cfg.CoalesceEnabled = true
	if fc.Coalescing.Enabled != nil {
		cfg.CoalesceEnabled = *fc.Coalescing.Enabled
	}
	cfg.CoalesceTimeout = parseDuration(fc.Coalescing.Timeout, 15*time.Second)

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Health.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Health.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.IdleWindow = parseDuration(fc.Health.IdleWindow, 10*time.Minute)
	cfg.IdleThresholdReqPerMin = fc.Health.IdleThresholdReqPerMin
	if cfg.IdleThresholdReqPerMin <= 0 {
		cfg.IdleThresholdReqPerMin = 1
	}
	cfg.MinimumLifespan = parseDuration(fc.Health.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 5*time.Minute)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 10
	}
	cfg.DegradedMinSamples = fc.Health.DegradedMinSamples
	if cfg.DegradedMinSamples <= 0 {
		cfg.DegradedMinSamples = 10
	}
	cfg.RecoveryInitial = parseDuration(fc.Health.RecoveryInitial, 1*time.Minute)
	cfg.RecoveryMax = parseDuration(fc.Health.RecoveryMax, 20*time.Minute)

	return cfg
}

func applyOverrides(cfg *Config, ov envOverrides) {
	if ov.Port != "" {
		cfg.ServerPort = ov.Port
	}
	if ov.FeedURL != "" {
		cfg.FeedURL = strings.TrimSpace(ov.FeedURL)
	}
	if ov.CacheBackend != "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(ov.CacheBackend))
	}
	if ov.MemcachedAddrs != "" {
		cfg.MemcachedAddrs = strings.TrimSpace(ov.MemcachedAddrs)
	}
	if ov.TestingMode != nil {
		cfg.TestingMode = *ov.TestingMode
	}
	if ov.RateLimitRPS > 0 {
		cfg.RateLimitRPS = ov.RateLimitRPS
	}
	if ov.RateLimitBurst > 0 {
		cfg.RateLimitBurst = ov.RateLimitBurst
	}
	if ov.RefreshInterval > 0 {
		cfg.RefreshInterval = ov.RefreshInterval
	}
}

// parseDuration parses a duration string and returns defaultVal if parsing
// fails or the result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on
// empty string or parse error. Zero and negative values pass through, so a
// file can disable a window by setting it to 0.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// adjust performs cross-field fixups validator tags cannot express.
func adjust(cfg *Config) error {
	if cfg.FeedTimeout <= 0 {
		return fmt.Errorf("feed.timeout must be positive")
	}
	// A request deadline shorter than one feed call would always time out.
	if cfg.RequestTimeout <= cfg.FeedTimeout {
		cfg.RequestTimeout = cfg.FeedTimeout + time.Second
	}
	// A stale window shorter than the freshness TTL would never be hit.
	if cfg.StaleTTL > 0 && cfg.StaleTTL < cfg.ArchiveTTL {
		cfg.StaleTTL = cfg.ArchiveTTL
	}
	if cfg.RecoveryMax < cfg.RecoveryInitial {
		cfg.RecoveryMax = cfg.RecoveryInitial
	}
	return nil
}
