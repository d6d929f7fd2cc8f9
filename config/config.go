package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Polling   PollingConfig   `yaml:"polling"`
	Session   SessionConfig   `yaml:"session"`
	Access    AccessConfig    `yaml:"access"`
	Stats     StatsConfig     `yaml:"stats"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
}

// ServerConfig holds the local HTTP surface configuration.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// APIConfig describes how the gateway reaches the queue backend.
type APIConfig struct {
	BaseURL           string            `yaml:"base_url"`
	TimeoutSeconds    int               `yaml:"timeout_seconds"`
	Timeout           time.Duration     `yaml:"-"`
	RetryAttempts     int               `yaml:"retry_attempts"`
	RetryDelayMillis  int               `yaml:"retry_delay_millis"`
	RetryDelay        time.Duration     `yaml:"-"`
	MaxRequestsPerSec float64           `yaml:"max_requests_per_sec"`
	ClientKey         string            `yaml:"client_key"`
	AdminToken        string            `yaml:"admin_token"`
	Headers           map[string]string `yaml:"headers"`
}

// PollingConfig holds the reconciliation controller timings.
type PollingConfig struct {
	IntervalSeconds             int           `yaml:"interval_seconds"`
	Interval                    time.Duration `yaml:"-"`
	DashboardIntervalSeconds    int           `yaml:"dashboard_interval_seconds"`
	DashboardInterval           time.Duration `yaml:"-"`
	CacheWindowSeconds          int           `yaml:"cache_window_seconds"`
	CacheWindow                 time.Duration `yaml:"-"`
	DashboardCacheWindowSeconds int           `yaml:"dashboard_cache_window_seconds"`
	DashboardCacheWindow        time.Duration `yaml:"-"`
	UnavailableAfter            int           `yaml:"unavailable_after"`
	Barbershops                 []string      `yaml:"barbershops"`
}

// SessionConfig selects the identity storage backend and token lifetime.
type SessionConfig struct {
	TTLMinutes int           `yaml:"ttl_minutes"`
	TTL        time.Duration `yaml:"-"`
	Backend    string        `yaml:"backend"` // cookie, storage or memory
	CookieURL  string        `yaml:"cookie_url"`
}

// AccessConfig holds the QR access grant settings.
type AccessConfig struct {
	ValidityMinutes int           `yaml:"validity_minutes"`
	Validity        time.Duration `yaml:"-"`
	Disabled        bool          `yaml:"disabled"` // skip the QR check before entering a queue
}

// StatsConfig holds the constants used when statistics are estimated locally.
type StatsConfig struct {
	MinutesPerSlot        float64 `yaml:"minutes_per_slot"`
	DefaultServiceMinutes float64 `yaml:"default_service_minutes"`
}

// RateLimitConfig holds the per-class windows of the client-side limiter.
type RateLimitConfig struct {
	Classes              map[string]RateLimitClass `yaml:"classes"`
	SweepIntervalSeconds int                       `yaml:"sweep_interval_seconds"`
	SweepInterval        time.Duration             `yaml:"-"`
}

// RateLimitClass is the ceiling and window for one endpoint class.
type RateLimitClass struct {
	Limit         int           `yaml:"limit"`
	WindowSeconds int           `yaml:"window_seconds"`
	Window        time.Duration `yaml:"-"`
}

// DatabaseConfig holds the persistent storage tier connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	PurgeIntervalMinutes   int    `yaml:"purge_interval_minutes"`
}

// RedisConfig selects Redis as the persistent storage tier when URL is set.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}

	if cfg.API.TimeoutSeconds <= 0 {
		cfg.API.TimeoutSeconds = 10
	}
	cfg.API.Timeout = time.Duration(cfg.API.TimeoutSeconds) * time.Second
	if cfg.API.RetryAttempts < 0 {
		cfg.API.RetryAttempts = 0
	}
	if cfg.API.RetryDelayMillis <= 0 {
		cfg.API.RetryDelayMillis = 1000
	}
	cfg.API.RetryDelay = time.Duration(cfg.API.RetryDelayMillis) * time.Millisecond
	if cfg.API.ClientKey == "" {
		cfg.API.ClientKey = "browser"
	}

	if cfg.Polling.IntervalSeconds <= 0 {
		cfg.Polling.IntervalSeconds = 30
	}
	cfg.Polling.Interval = time.Duration(cfg.Polling.IntervalSeconds) * time.Second
	if cfg.Polling.DashboardIntervalSeconds <= 0 {
		cfg.Polling.DashboardIntervalSeconds = 5
	}
	cfg.Polling.DashboardInterval = time.Duration(cfg.Polling.DashboardIntervalSeconds) * time.Second
	if cfg.Polling.CacheWindowSeconds <= 0 {
		cfg.Polling.CacheWindowSeconds = 30
	}
	cfg.Polling.CacheWindow = time.Duration(cfg.Polling.CacheWindowSeconds) * time.Second
	if cfg.Polling.DashboardCacheWindowSeconds <= 0 {
		cfg.Polling.DashboardCacheWindowSeconds = 5
	}
	cfg.Polling.DashboardCacheWindow = time.Duration(cfg.Polling.DashboardCacheWindowSeconds) * time.Second
	if cfg.Polling.UnavailableAfter <= 0 {
		cfg.Polling.UnavailableAfter = 3
	}

	if cfg.Session.TTLMinutes <= 0 {
		cfg.Session.TTLMinutes = 120
	}
	cfg.Session.TTL = time.Duration(cfg.Session.TTLMinutes) * time.Minute
	switch cfg.Session.Backend {
	case "cookie", "storage", "memory":
	case "":
		cfg.Session.Backend = "memory"
	default:
		log.Printf("session.backend %q is not recognised; defaulting to memory", cfg.Session.Backend)
		cfg.Session.Backend = "memory"
	}
	if cfg.Session.CookieURL == "" {
		cfg.Session.CookieURL = "http://localhost/"
	}

	if cfg.Access.ValidityMinutes <= 0 {
		cfg.Access.ValidityMinutes = 120
	}
	cfg.Access.Validity = time.Duration(cfg.Access.ValidityMinutes) * time.Minute

	if cfg.Stats.MinutesPerSlot <= 0 {
		cfg.Stats.MinutesPerSlot = 15
	}
	if cfg.Stats.DefaultServiceMinutes <= 0 {
		cfg.Stats.DefaultServiceMinutes = 30
	}

	defaults := map[string]RateLimitClass{
		"auth":    {Limit: 5, WindowSeconds: 15 * 60},
		"queue":   {Limit: 10, WindowSeconds: 60},
		"public":  {Limit: 100, WindowSeconds: 15 * 60},
		"default": {Limit: 30, WindowSeconds: 60},
	}
	if cfg.RateLimit.Classes == nil {
		cfg.RateLimit.Classes = make(map[string]RateLimitClass)
	}
	for name, def := range defaults {
		if _, ok := cfg.RateLimit.Classes[name]; !ok {
			cfg.RateLimit.Classes[name] = def
		}
	}
	for name, class := range cfg.RateLimit.Classes {
		if class.Limit <= 0 {
			class.Limit = defaults["default"].Limit
		}
		if class.WindowSeconds <= 0 {
			class.WindowSeconds = defaults["default"].WindowSeconds
		}
		class.Window = time.Duration(class.WindowSeconds) * time.Second
		cfg.RateLimit.Classes[name] = class
	}
	if cfg.RateLimit.SweepIntervalSeconds <= 0 {
		cfg.RateLimit.SweepIntervalSeconds = 60
	}
	cfg.RateLimit.SweepInterval = time.Duration(cfg.RateLimit.SweepIntervalSeconds) * time.Second

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "file:fila.db?cache=shared"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 4
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 2
	}
	if cfg.Database.ConnMaxLifetimeMinutes <= 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}
	if cfg.Database.PurgeIntervalMinutes <= 0 {
		cfg.Database.PurgeIntervalMinutes = 60
	}

	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "fila:"
	}
}
