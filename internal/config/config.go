package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML, .env and the process environment.
type Config struct {
	ServiceName string `validate:"required"`
	Version     string `validate:"required"`

	ServerPort string `validate:"required,numeric"`

	WeatherAPIKey         string `validate:"required"`
	WeatherAPIURL         string `validate:"required,url"`
	WeatherAPIForecastURL string `validate:"required,url"`
	WeatherAPITimeout     time.Duration

	RequestTimeout time.Duration

	CacheBackend      string `validate:"oneof=in_memory ristretto memcached redis"`
	CacheTTL          time.Duration
	CacheFetchTimeout time.Duration
	CacheWarm         bool

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisAddr    string
	RedisDB      int `validate:"gte=0"`
	RedisTimeout time.Duration

	RistrettoMaxCost int64 `validate:"gt=0"`

	WidgetsBackend string `validate:"oneof=file sql"`
	WidgetsPath    string
	WidgetsDriver  string `validate:"omitempty,oneof=sqlite postgres"`
	WidgetsDSN     string

	RateLimitRPS    int `validate:"gt=0"`
	RateLimitBurst  int `validate:"gt=0"`
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	ShutdownTimeout time.Duration
	InFlightTimeout time.Duration

	HealthWindow      time.Duration
	HealthDegradedPct int `validate:"gte=0,lte=100"`
	HealthOverloadPct int `validate:"gte=0,lte=100"`

	TrackedWidgets []string
}

type fileConfig struct {
	Service struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"service"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL         string `yaml:"url"`
		ForecastURL string `yaml:"forecast_url"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend      string `yaml:"backend"`
		TTL          string `yaml:"ttl"`
		FetchTimeout string `yaml:"fetch_timeout"`
		Warm         *bool  `yaml:"warm"`
		Memcached    struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr    string `yaml:"addr"`
			DB      int    `yaml:"db"`
			Timeout string `yaml:"timeout"`
		} `yaml:"redis"`
		Ristretto struct {
			MaxCost int64 `yaml:"max_cost"`
		} `yaml:"ristretto"`
	} `yaml:"cache"`

	Widgets struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		Driver  string `yaml:"driver"`
		DSN     string `yaml:"dsn"`
	} `yaml:"widgets"`

	Reliability struct {
		RateLimitRPS    int    `yaml:"rate_limit_rps"`
		RateLimitBurst  int    `yaml:"rate_limit_burst"`
		BreakerFailures uint32 `yaml:"breaker_failures"`
		BreakerTimeout  string `yaml:"breaker_timeout"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout         string `yaml:"timeout"`
		InFlightTimeout string `yaml:"in_flight_timeout"`
	} `yaml:"shutdown"`

	Health struct {
		Window      string `yaml:"window"`
		DegradedPct *int   `yaml:"degraded_pct"`
		OverloadPct *int   `yaml:"overload_pct"`
	} `yaml:"health"`

	Metrics struct {
		TrackedWidgets []string `yaml:"tracked_widgets"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

var validate = validator.New()

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml
// relative to the working directory. A .env file in the working directory is loaded first;
// variables already set in the environment win. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom is Load rooted at dir instead of the working directory.
func LoadFrom(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(dir, "config", env+".yaml")
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

	cfg := &Config{}
	cfg.ServiceName = firstNonEmpty(fc.Service.Name, "location-weather")
	cfg.Version = firstNonEmpty(os.Getenv("SERVICE_VERSION"), fc.Service.Version, "dev")
	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.WeatherAPIKey = os.Getenv("WEATHER_API_KEY")
	if cfg.WeatherAPIKey == "" {
		key, err := readSecrets(filepath.Join(dir, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.WeatherAPIKey = key
	}
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env, .env or config/secrets.yaml weather_api_key)")
	}

	cfg.WeatherAPIURL = firstNonEmpty(fc.WeatherAPI.URL, "https://api.openweathermap.org/data/2.5/weather")
	cfg.WeatherAPIForecastURL = firstNonEmpty(fc.WeatherAPI.ForecastURL, "https://api.openweathermap.org/data/2.5/forecast")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("CACHE_BACKEND")),
		strings.TrimSpace(fc.Cache.Backend),
		"in_memory",
	))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.CacheFetchTimeout = parseDuration(fc.Cache.FetchTimeout, 5*time.Second)
	cfg.CacheWarm = true
	if fc.Cache.Warm != nil {
		cfg.CacheWarm = *fc.Cache.Warm
	}
	cfg.MemcachedAddrs = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")), strings.TrimSpace(fc.Cache.Memcached.Addrs), "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisAddr = firstNonEmpty(strings.TrimSpace(os.Getenv("REDIS_ADDR")), strings.TrimSpace(fc.Cache.Redis.Addr), "localhost:6379")
	cfg.RedisDB = fc.Cache.Redis.DB
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, 500*time.Millisecond)
	cfg.RistrettoMaxCost = fc.Cache.Ristretto.MaxCost
	if cfg.RistrettoMaxCost <= 0 {
		cfg.RistrettoMaxCost = 10000
	}

	cfg.WidgetsBackend = strings.ToLower(firstNonEmpty(strings.TrimSpace(fc.Widgets.Backend), "file"))
	cfg.WidgetsPath = firstNonEmpty(fc.Widgets.Path, filepath.Join("config", "widgets.yaml"))
	if !filepath.IsAbs(cfg.WidgetsPath) {
		cfg.WidgetsPath = filepath.Join(dir, cfg.WidgetsPath)
	}
	cfg.WidgetsDriver = strings.ToLower(strings.TrimSpace(fc.Widgets.Driver))
	cfg.WidgetsDSN = firstNonEmpty(os.Getenv("WIDGETS_DSN"), fc.Widgets.DSN)

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.BreakerFailures = fc.Reliability.BreakerFailures
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)

	cfg.HealthWindow = parseDuration(fc.Health.Window, 60*time.Second)
	cfg.HealthDegradedPct = 50
	if fc.Health.DegradedPct != nil {
		cfg.HealthDegradedPct = *fc.Health.DegradedPct
	}
	cfg.HealthOverloadPct = 80
	if fc.Health.OverloadPct != nil {
		cfg.HealthOverloadPct = *fc.Health.OverloadPct
	}
	cfg.TrackedWidgets = fc.Metrics.TrackedWidgets

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return sec.WeatherAPIKey, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
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

// validateConfig checks struct constraints and cross-field rules. RequestTimeout is raised
// above WeatherAPITimeout when needed so a render can always outlive its provider call.
func validateConfig(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.WidgetsBackend == "sql" {
		if cfg.WidgetsDriver == "" || cfg.WidgetsDSN == "" {
			return fmt.Errorf("widgets.driver and widgets.dsn are required when widgets.backend is sql")
		}
	}
	return nil
}
