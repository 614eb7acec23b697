package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-forecast-api/internal/cache"
	"github.com/kjstillabower/weather-forecast-api/internal/client"
	"github.com/kjstillabower/weather-forecast-api/internal/forecast"
	"github.com/kjstillabower/weather-forecast-api/internal/models"
	"github.com/kjstillabower/weather-forecast-api/internal/processor"
)

// DefaultTableName is the DynamoDB table used when none is configured.
const DefaultTableName = "weather-forecast-cache"

// DefaultCities is served when CITIES_CONFIG is unset or invalid.
var DefaultCities = []models.CityConfig{
	{ID: "oslo", Name: "Oslo", Country: "Norway", Coordinates: models.Coordinates{Latitude: 59.9139, Longitude: 10.7522}},
	{ID: "paris", Name: "Paris", Country: "France", Coordinates: models.Coordinates{Latitude: 48.8566, Longitude: 2.3522}},
	{ID: "london", Name: "London", Country: "United Kingdom", Coordinates: models.Coordinates{Latitude: 51.5074, Longitude: -0.1278}},
	{ID: "barcelona", Name: "Barcelona", Country: "Spain", Coordinates: models.Coordinates{Latitude: 41.3851, Longitude: 2.1734}},
}

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	EnvName string

	ServerPort string
	// RequestTimeout bounds each inbound request on the HTTP service; zero disables it.
	RequestTimeout time.Duration
	// ServerRateLimitRPS limits inbound requests on the HTTP service; zero disables it.
	ServerRateLimitRPS   float64
	ServerRateLimitBurst int

	ServiceName    string
	ServiceVersion string
	CompanyWebsite string

	WeatherAPIURL     string
	WeatherAPITimeout time.Duration

	RetryMaxAttempts        int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	RetryMaxElapsed         time.Duration
	RateLimitRPS            float64
	RateLimitBurst          int
	BreakerFailureThreshold uint32
	BreakerTimeout          time.Duration

	CacheBackend string // "in_memory", "memcached" or "dynamodb"
	CacheTTL     time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	DynamoDBTable string
	AWSRegion     string

	ForecastSelection forecast.SelectionPolicy
	ProcessorPacing   time.Duration

	WarmEnabled  bool
	WarmSchedule string

	ShutdownTimeout time.Duration
	InFlightTimeout time.Duration

	Cities []models.CityConfig

	// Warnings are non-fatal problems found while loading (e.g. a rejected city override).
	Warnings []string
}

type fileConfig struct {
	Server struct {
		Port           string  `yaml:"port"`
		RequestTimeout string  `yaml:"request_timeout"`
		RateLimitRPS   float64 `yaml:"rate_limit_rps"`
		RateLimitBurst int     `yaml:"rate_limit_burst"`
	} `yaml:"server"`

	Service struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"service"`

	CompanyWebsite string `yaml:"company_website"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Reliability struct {
		RetryMaxAttempts        int     `yaml:"retry_max_attempts"`
		RetryBaseDelay          string  `yaml:"retry_base_delay"`
		RetryMaxDelay           string  `yaml:"retry_max_delay"`
		RetryMaxElapsed         string  `yaml:"retry_max_elapsed"`
		RateLimitRPS            float64 `yaml:"rate_limit_rps"`
		RateLimitBurst          int     `yaml:"rate_limit_burst"`
		BreakerFailureThreshold uint32  `yaml:"breaker_failure_threshold"`
		BreakerTimeout          string  `yaml:"breaker_timeout"`
	} `yaml:"reliability"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		DynamoDB struct {
			Table  string `yaml:"table"`
			Region string `yaml:"region"`
		} `yaml:"dynamodb"`
	} `yaml:"cache"`

	Forecast struct {
		Selection string `yaml:"selection"`
	} `yaml:"forecast"`

	Processor struct {
		Pacing string `yaml:"pacing"`
	} `yaml:"processor"`

	Warm struct {
		Enabled  *bool  `yaml:"enabled"`
		Schedule string `yaml:"schedule"`
	} `yaml:"warm"`

	Shutdown struct {
		Timeout         string `yaml:"timeout"`
		InFlightTimeout string `yaml:"inflight_timeout"`
	} `yaml:"shutdown"`
}

// Load reads configuration. A .env file in the working directory is applied first
// without overriding variables already set. The YAML file is CONFIG_FILE if set
// (and must exist), else config/{ENV_NAME}.yaml (default dev), which may be absent.
// Environment variables override file values.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env file: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	fc, err := readFileConfig(env)
	if err != nil {
		return nil, err
	}

	cfg := &Config{EnvName: env}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")
	cfg.RequestTimeout = parseDurationOrZero(fc.Server.RequestTimeout, 25*time.Second)
	if fc.Server.RateLimitRPS > 0 {
		cfg.ServerRateLimitRPS = fc.Server.RateLimitRPS
		cfg.ServerRateLimitBurst = fc.Server.RateLimitBurst
		if cfg.ServerRateLimitBurst <= 0 {
			cfg.ServerRateLimitBurst = int(math.Ceil(cfg.ServerRateLimitRPS))
		}
	}
	cfg.ServiceName = firstNonEmpty(fc.Service.Name, "weather-forecast-app")
	cfg.ServiceVersion = firstNonEmpty(fc.Service.Version, "1.0.0")
	cfg.CompanyWebsite = firstNonEmpty(os.Getenv("COMPANY_WEBSITE"), fc.CompanyWebsite, "example.com")

	cfg.WeatherAPIURL = firstNonEmpty(os.Getenv("WEATHER_API_URL"), fc.WeatherAPI.URL, client.DefaultBaseURL)
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 30*time.Second)

	cfg.RetryMaxAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, time.Second)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 10*time.Second)
	cfg.RetryMaxElapsed = parseDuration(fc.Reliability.RetryMaxElapsed, 60*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 1
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 1
	}
	cfg.BreakerFailureThreshold = fc.Reliability.BreakerFailureThreshold
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second)

	cfg.DynamoDBTable = strings.TrimSpace(os.Getenv("DYNAMODB_TABLE_NAME"))
	if cfg.DynamoDBTable == "" {
		cfg.DynamoDBTable = strings.TrimSpace(fc.Cache.DynamoDB.Table)
	}
	cfg.AWSRegion = firstNonEmpty(os.Getenv("AWS_REGION"), fc.Cache.DynamoDB.Region, "us-east-1")

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		// A provisioned table implies the Lambda deployment.
		if cfg.DynamoDBTable != "" {
			cfg.CacheBackend = cache.BackendDynamoDB
		} else {
			cfg.CacheBackend = cache.BackendInMemory
		}
	}
	if cfg.CacheBackend == cache.BackendDynamoDB && cfg.DynamoDBTable == "" {
		cfg.DynamoDBTable = DefaultTableName
	}
	cfg.CacheTTL = parseDuration(firstNonEmpty(os.Getenv("CACHE_TTL"), fc.Cache.TTL), cache.DefaultTTL)

	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	policy, err := forecast.ParseSelectionPolicy(firstNonEmpty(os.Getenv("FORECAST_SELECTION"), fc.Forecast.Selection))
	if err != nil {
		return nil, fmt.Errorf("forecast.selection: %w", err)
	}
	cfg.ForecastSelection = policy
	cfg.ProcessorPacing = parseDurationOrZero(fc.Processor.Pacing, processor.DefaultPacing)

	if fc.Warm.Enabled != nil {
		cfg.WarmEnabled = *fc.Warm.Enabled
	}
	if v := os.Getenv("WARM_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("WARM_ENABLED: %w", err)
		}
		cfg.WarmEnabled = b
	}
	cfg.WarmSchedule = firstNonEmpty(os.Getenv("WARM_SCHEDULE"), fc.Warm.Schedule, "@every 30m")

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)

	cities, err := ParseCities(os.Getenv("CITIES_CONFIG"))
	if err != nil {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("invalid CITIES_CONFIG, using default cities: %v", err))
		cities = DefaultCities
	}
	cfg.Cities = append([]models.CityConfig(nil), cities...)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFileConfig(env string) (fileConfig, error) {
	var fc fileConfig
	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		cwd, err := os.Getwd()
		if err != nil {
			return fc, fmt.Errorf("config: get working directory: %w", err)
		}
		path = filepath.Join(cwd, "config", env+".yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return fc, nil
		}
		if os.IsNotExist(err) {
			return fc, fmt.Errorf("config file not found: %s", path)
		}
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config file: %w", err)
	}
	return fc, nil
}

// cityOverride mirrors models.CityConfig with validation rules for external input.
type cityOverride struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Country     string `json:"country" validate:"required"`
	Coordinates struct {
		Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
		Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	} `json:"coordinates"`
}

type cityOverrides struct {
	Cities []cityOverride `validate:"required,min=1,unique=ID,dive"`
}

var cityValidator = validator.New()

// ParseCities parses a CITIES_CONFIG JSON array. An empty string yields DefaultCities.
// Any malformed or invalid entry rejects the whole list with models.ErrInvalidArgument.
func ParseCities(raw string) ([]models.CityConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return DefaultCities, nil
	}
	var in cityOverrides
	if err := json.Unmarshal([]byte(raw), &in.Cities); err != nil {
		return nil, fmt.Errorf("%w: parse cities: %w", models.ErrInvalidArgument, err)
	}
	// Trim first so uniqueness and required checks see the values that are used.
	for i := range in.Cities {
		c := &in.Cities[i]
		c.ID = strings.TrimSpace(c.ID)
		c.Name = strings.TrimSpace(c.Name)
		c.Country = strings.TrimSpace(c.Country)
	}
	if err := cityValidator.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: cities: %w", models.ErrInvalidArgument, err)
	}
	out := make([]models.CityConfig, len(in.Cities))
	for i, c := range in.Cities {
		out[i] = models.CityConfig{
			ID:      c.ID,
			Name:    c.Name,
			Country: c.Country,
			Coordinates: models.Coordinates{
				Latitude:  *c.Coordinates.Latitude,
				Longitude: *c.Coordinates.Longitude,
			},
		}
		if err := out[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: city %d: %w", models.ErrInvalidArgument, i, err)
		}
	}
	return out, nil
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

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("server.request_timeout must not be negative")
	}
	if cfg.ProcessorPacing < 0 {
		return fmt.Errorf("processor.pacing must not be negative")
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	switch cfg.CacheBackend {
	case cache.BackendInMemory, cache.BackendMemcached, cache.BackendDynamoDB:
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or dynamodb, got %q", cfg.CacheBackend)
	}
	return nil
}
