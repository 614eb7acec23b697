package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-forecast-api/internal/models"
	"github.com/kjstillabower/weather-forecast-api/internal/observability"
)

// Backend names accepted by configuration.
const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
	BackendDynamoDB  = "dynamodb"
)

// DefaultTTL applies when Options.TTL is zero.
const DefaultTTL = time.Hour

// Version is written with every entry so future layouts can be told apart.
const Version = "1.0"

var (
	// ErrCacheConnection means the backend is unreachable or missing (e.g. table not found).
	ErrCacheConnection = errors.New("cache connection error")
	// ErrCacheOperation means a single operation failed: serialization, corrupt entry, rejected write.
	ErrCacheOperation = errors.New("cache operation error")
)

// Store caches one CityWeatherData per city id with a fixed TTL.
// Implementations are safe for concurrent use on different keys.
type Store interface {
	// Get returns (zero, false, nil) on a miss or when the entry has expired.
	Get(ctx context.Context, cityID string) (models.CityWeatherData, bool, error)
	Set(ctx context.Context, data models.CityWeatherData) error
	Delete(ctx context.Context, cityID string) error
	// GetAll returns every live entry, skipping expired and undecodable ones.
	GetAll(ctx context.Context) ([]models.CityWeatherData, error)
	// ClearAll removes every entry and returns how many were removed.
	ClearAll(ctx context.Context) (int, error)
	Stats() map[string]interface{}
}

// Options are shared by every backend.
type Options struct {
	TTL    time.Duration
	Logger *zap.Logger
	// Now is the clock used for expiry; tests inject a fixed one.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// entry is the persisted layout for JSON backends.
type entry struct {
	CityID       string                 `json:"city_id"`
	WeatherData  models.CityWeatherData `json:"weather_data"`
	TTL          int64                  `json:"ttl"`
	CachedAt     string                 `json:"cached_at"`
	CacheVersion string                 `json:"cache_version"`
}

func newEntry(data models.CityWeatherData, now time.Time, ttl time.Duration) entry {
	return entry{
		CityID:       data.CityID,
		WeatherData:  data,
		TTL:          now.Add(ttl).Unix(),
		CachedAt:     now.UTC().Format(time.RFC3339),
		CacheVersion: Version,
	}
}

// expired reports whether the entry is past its TTL; an entry is dead at exactly ttl.
func expired(ttl int64, now time.Time) bool {
	return now.Unix() >= ttl
}

func encodeEntry(data models.CityWeatherData, now time.Time, ttl time.Duration) (entry, []byte, error) {
	e := newEntry(data, now, ttl)
	raw, err := json.Marshal(e)
	if err != nil {
		return entry{}, nil, fmt.Errorf("%w: serialize %s: %w", ErrCacheOperation, data.CityID, err)
	}
	return e, raw, nil
}

func decodeEntry(raw []byte) (entry, error) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, fmt.Errorf("%w: deserialize: %w", ErrCacheOperation, err)
	}
	return e, nil
}

// validateStored re-checks a live entry's data; deserialized data is never trusted.
func validateStored(cityID string, data models.CityWeatherData, now time.Time) error {
	if err := data.Validate(now); err != nil {
		return fmt.Errorf("%w: stored entry for %s is invalid: %w", ErrCacheOperation, cityID, err)
	}
	return nil
}

// recordGet updates hit/miss/error metrics for one lookup.
func recordGet(backend string, hit bool, err error) {
	switch {
	case err != nil:
		observability.CacheErrorsTotal.WithLabelValues(backend, "get").Inc()
	case hit:
		observability.CacheHitsTotal.WithLabelValues(backend).Inc()
	default:
		observability.CacheMissesTotal.WithLabelValues(backend).Inc()
	}
}

func recordError(backend, operation string) {
	observability.CacheErrorsTotal.WithLabelValues(backend, operation).Inc()
}
