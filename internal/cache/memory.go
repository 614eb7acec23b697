package cache

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-forecast-api/internal/models"
)

// InMemoryStore keeps serialized entries in a map guarded by a mutex.
// Entries are stored as bytes so it round-trips exactly like the remote backends.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
	opts  Options
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore(opts Options) *InMemoryStore {
	return &InMemoryStore{
		items: make(map[string][]byte),
		opts:  opts.withDefaults(),
	}
}

// Get implements Store.Get. Expired entries are removed on access.
func (s *InMemoryStore) Get(ctx context.Context, cityID string) (models.CityWeatherData, bool, error) {
	s.mu.RLock()
	raw, ok := s.items[cityID]
	s.mu.RUnlock()
	if !ok {
		recordGet(BackendInMemory, false, nil)
		return models.CityWeatherData{}, false, nil
	}

	now := s.opts.Now()
	e, err := decodeEntry(raw)
	if err != nil {
		recordGet(BackendInMemory, false, err)
		return models.CityWeatherData{}, false, err
	}
	if expired(e.TTL, now) {
		if s.deleteIfUnchanged(cityID, raw) {
			s.opts.Logger.Debug("cache entry expired", zap.String("city_id", cityID))
		}
		recordGet(BackendInMemory, false, nil)
		return models.CityWeatherData{}, false, nil
	}
	if err := validateStored(cityID, e.WeatherData, now); err != nil {
		recordGet(BackendInMemory, false, err)
		return models.CityWeatherData{}, false, err
	}
	recordGet(BackendInMemory, true, nil)
	return e.WeatherData, true, nil
}

// deleteIfUnchanged removes cityID only while it still holds raw, so an entry written
// after raw was read survives.
func (s *InMemoryStore) deleteIfUnchanged(cityID string, raw []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[cityID]; !ok || !bytes.Equal(cur, raw) {
		return false
	}
	delete(s.items, cityID)
	return true
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(ctx context.Context, data models.CityWeatherData) error {
	_, raw, err := encodeEntry(data, s.opts.Now(), s.opts.TTL)
	if err != nil {
		recordError(BackendInMemory, "set")
		return err
	}
	s.mu.Lock()
	s.items[data.CityID] = raw
	s.mu.Unlock()
	return nil
}

// Delete implements Store.Delete. Deleting a missing key is not an error.
func (s *InMemoryStore) Delete(ctx context.Context, cityID string) error {
	s.mu.Lock()
	delete(s.items, cityID)
	s.mu.Unlock()
	return nil
}

// GetAll implements Store.GetAll, ordered by city id.
func (s *InMemoryStore) GetAll(ctx context.Context) ([]models.CityWeatherData, error) {
	s.mu.RLock()
	snapshot := make(map[string][]byte, len(s.items))
	for k, v := range s.items {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	now := s.opts.Now()
	out := make([]models.CityWeatherData, 0, len(snapshot))
	for id, raw := range snapshot {
		e, err := decodeEntry(raw)
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
	sort.Slice(out, func(i, j int) bool { return out[i].CityID < out[j].CityID })
	return out, nil
}

// ClearAll implements Store.ClearAll.
func (s *InMemoryStore) ClearAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	n := len(s.items)
	s.items = make(map[string][]byte)
	s.mu.Unlock()
	s.opts.Logger.Info("cleared cache", zap.Int("entries", n))
	return n, nil
}

// Stats implements Store.Stats.
func (s *InMemoryStore) Stats() map[string]interface{} {
	s.mu.RLock()
	n := len(s.items)
	s.mu.RUnlock()
	return map[string]interface{}{
		"backend":     BackendInMemory,
		"entries":     n,
		"ttl_seconds": int64(s.opts.TTL.Seconds()),
	}
}
