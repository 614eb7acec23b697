package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-forecast-api/internal/models"
)

const keyPrefix = "weather:"

// maxRelativeExp is the largest expiration memcached treats as relative seconds.
const maxRelativeExp = 30 * 24 * 60 * 60

// memcacheClient is the subset of *memcache.Client used by MemcachedStore.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	GetMulti(keys []string) (map[string]*memcache.Item, error)
	Set(item *memcache.Item) error
	Delete(key string) error
	Ping() error
	Close() error
}

// MemcachedStore implements Store on memcached. Memcached cannot enumerate keys,
// so bulk operations work over the configured city ids.
type MemcachedStore struct {
	client  memcacheClient
	cityIDs []string
	servers []string
	opts    Options
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int, cityIDs []string, opts Options) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return newMemcachedStore(client, servers, cityIDs, opts)
}

func newMemcachedStore(client memcacheClient, servers, cityIDs []string, opts Options) *MemcachedStore {
	return &MemcachedStore{
		client:  client,
		cityIDs: append([]string(nil), cityIDs...),
		servers: servers,
		opts:    opts.withDefaults(),
	}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (s *MemcachedStore) key(cityID string) string {
	return keyPrefix + cityID
}

// classify maps memcache client errors onto the store's error kinds.
func classify(op, cityID string, err error) error {
	if errors.Is(err, memcache.ErrMalformedKey) || errors.Is(err, memcache.ErrNotStored) {
		return fmt.Errorf("%w: memcached %s %s: %w", ErrCacheOperation, op, cityID, err)
	}
	return fmt.Errorf("%w: memcached %s %s: %w", ErrCacheConnection, op, cityID, err)
}

// Get implements Store.Get.
func (s *MemcachedStore) Get(ctx context.Context, cityID string) (models.CityWeatherData, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.CityWeatherData{}, false, fmt.Errorf("%w: %w", ErrCacheConnection, err)
	}
	item, err := s.client.Get(s.key(cityID))
	if errors.Is(err, memcache.ErrCacheMiss) {
		recordGet(BackendMemcached, false, nil)
		return models.CityWeatherData{}, false, nil
	}
	if err != nil {
		err = classify("get", cityID, err)
		recordGet(BackendMemcached, false, err)
		return models.CityWeatherData{}, false, err
	}

	now := s.opts.Now()
	e, err := decodeEntry(item.Value)
	if err != nil {
		recordGet(BackendMemcached, false, err)
		return models.CityWeatherData{}, false, err
	}
	if expired(e.TTL, now) {
		s.deleteExpired(cityID)
		recordGet(BackendMemcached, false, nil)
		return models.CityWeatherData{}, false, nil
	}
	if err := validateStored(cityID, e.WeatherData, now); err != nil {
		recordGet(BackendMemcached, false, err)
		return models.CityWeatherData{}, false, err
	}
	recordGet(BackendMemcached, true, nil)
	return e.WeatherData, true, nil
}

func (s *MemcachedStore) deleteExpired(cityID string) {
	if err := s.client.Delete(s.key(cityID)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		recordError(BackendMemcached, "delete")
		s.opts.Logger.Warn("failed to delete expired cache entry", zap.String("city_id", cityID), zap.Error(err))
	}
}

// Set implements Store.Set.
func (s *MemcachedStore) Set(ctx context.Context, data models.CityWeatherData) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheConnection, err)
	}
	_, raw, err := encodeEntry(data, s.opts.Now(), s.opts.TTL)
	if err != nil {
		recordError(BackendMemcached, "set")
		return err
	}
	expSec := int32(s.opts.TTL.Seconds())
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = int32(DefaultTTL.Seconds())
	}
	if err := s.client.Set(&memcache.Item{
		Key:        s.key(data.CityID),
		Value:      raw,
		Expiration: expSec,
	}); err != nil {
		recordError(BackendMemcached, "set")
		return classify("set", data.CityID, err)
	}
	return nil
}

// Delete implements Store.Delete. A missing key is not an error.
func (s *MemcachedStore) Delete(ctx context.Context, cityID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheConnection, err)
	}
	if err := s.client.Delete(s.key(cityID)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		recordError(BackendMemcached, "delete")
		return classify("delete", cityID, err)
	}
	return nil
}

// GetAll implements Store.GetAll in configured city order.
func (s *MemcachedStore) GetAll(ctx context.Context) ([]models.CityWeatherData, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheConnection, err)
	}
	keys := make([]string, len(s.cityIDs))
	for i, id := range s.cityIDs {
		keys[i] = s.key(id)
	}
	items, err := s.client.GetMulti(keys)
	if err != nil {
		recordError(BackendMemcached, "get_all")
		return nil, classify("get_all", "*", err)
	}

	now := s.opts.Now()
	out := make([]models.CityWeatherData, 0, len(items))
	for _, id := range s.cityIDs {
		item, ok := items[s.key(id)]
		if !ok {
			continue
		}
		e, err := decodeEntry(item.Value)
		if err != nil {
			s.opts.Logger.Warn("skipping undecodable cache entry", zap.String("city_id", id), zap.Error(err))
			continue
		}
		if expired(e.TTL, now) {
			continue
		}
		if err := validateStored(id, e.WeatherData, now); err != nil {
			s.opts.Logger.Warn("skipping invalid cache entry", zap.String("city_id", id), zap.Error(err))
			continue
		}
		out = append(out, e.WeatherData)
	}
	return out, nil
}

// ClearAll implements Store.ClearAll over the configured city ids.
func (s *MemcachedStore) ClearAll(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCacheConnection, err)
	}
	cleared := 0
	for _, id := range s.cityIDs {
		err := s.client.Delete(s.key(id))
		switch {
		case err == nil:
			cleared++
		case errors.Is(err, memcache.ErrCacheMiss):
		default:
			recordError(BackendMemcached, "delete")
			s.opts.Logger.Warn("failed to clear cache entry", zap.String("city_id", id), zap.Error(err))
		}
	}
	s.opts.Logger.Info("cleared cache", zap.Int("entries", cleared))
	return cleared, nil
}

// Stats implements Store.Stats.
func (s *MemcachedStore) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend":     BackendMemcached,
		"servers":     s.servers,
		"cities":      len(s.cityIDs),
		"ttl_seconds": int64(s.opts.TTL.Seconds()),
	}
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping() error {
	if err := s.client.Ping(); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheConnection, err)
	}
	return nil
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
