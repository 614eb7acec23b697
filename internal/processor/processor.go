// Package processor runs the per-city fetch, transform and cache pipeline and
// aggregates results across the configured cities.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-forecast-api/internal/cache"
	"github.com/kjstillabower/weather-forecast-api/internal/client"
	"github.com/kjstillabower/weather-forecast-api/internal/forecast"
	"github.com/kjstillabower/weather-forecast-api/internal/models"
	"github.com/kjstillabower/weather-forecast-api/internal/observability"
	"github.com/kjstillabower/weather-forecast-api/internal/symbols"
)

// DefaultPacing is the courtesy delay between successful sequential upstream calls.
const DefaultPacing = 500 * time.Millisecond

// DefaultFetchTimeout bounds a shared upstream fetch once it is detached from its callers.
const DefaultFetchTimeout = 2 * time.Minute

// ErrAllCitiesFailed is returned by the aggregate operations when no city succeeded.
var ErrAllCitiesFailed = errors.New("failed to process weather data for any city")

// Options configures a Processor. Cities, Client and Store are required.
type Options struct {
	Cities []models.CityConfig
	Client client.WeatherClient
	Store  cache.Store
	Policy forecast.SelectionPolicy
	// Pacing is the delay after each successful call in RefreshSequential.
	Pacing time.Duration
	// RecordTTL, when positive, is stamped on each fresh record as an absolute unix expiry.
	RecordTTL time.Duration
	// FetchTimeout bounds one coalesced upstream fetch. It outlives any single caller.
	FetchTimeout time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

// Processor turns upstream forecasts into cached CityWeatherData records.
type Processor struct {
	cities       []models.CityConfig
	byID         map[string]models.CityConfig
	client       client.WeatherClient
	store        cache.Store
	policy       forecast.SelectionPolicy
	pacing       time.Duration
	recordTTL    time.Duration
	fetchTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error

	inflight singleflight.Group
}

// New validates opts and returns a Processor.
func New(opts Options) (*Processor, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: weather client is required", models.ErrInvalidArgument)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: cache store is required", models.ErrInvalidArgument)
	}
	if len(opts.Cities) == 0 {
		return nil, fmt.Errorf("%w: at least one city is required", models.ErrInvalidArgument)
	}
	byID := make(map[string]models.CityConfig, len(opts.Cities))
	for _, c := range opts.Cities {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: city %q: %w", models.ErrInvalidArgument, c.ID, err)
		}
		if _, dup := byID[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate city id %q", models.ErrInvalidArgument, c.ID)
		}
		byID[c.ID] = c
	}
	if opts.Policy == "" {
		opts.Policy = forecast.SelectNearest
	}
	if opts.Pacing < 0 {
		opts.Pacing = 0
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		cities:       append([]models.CityConfig(nil), opts.Cities...),
		byID:         byID,
		client:       opts.Client,
		store:        opts.Store,
		policy:       opts.Policy,
		pacing:       opts.Pacing,
		recordTTL:    opts.RecordTTL,
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger,
		now:          opts.Now,
		sleep:        sleepContext,
	}, nil
}

// Cities returns the configured cities in order.
func (p *Processor) Cities() []models.CityConfig {
	return append([]models.CityConfig(nil), p.cities...)
}

// ProcessCity returns the record for cityID. With useCache a live cache entry is
// returned as is, and a fresh record is written through. Cache failures are logged
// and never returned. Upstream errors are returned unchanged.
func (p *Processor) ProcessCity(ctx context.Context, cityID string, useCache bool) (models.CityWeatherData, error) {
	city, ok := p.byID[cityID]
	if !ok {
		return models.CityWeatherData{}, fmt.Errorf("%w: unknown city id %q", models.ErrInvalidArgument, cityID)
	}
	logger := observability.LoggerFromContext(ctx, p.logger).With(zap.String("city_id", cityID))

	if useCache {
		data, hit, err := p.store.Get(ctx, cityID)
		switch {
		case err != nil:
			logger.Warn("cache read failed, fetching upstream", zap.Error(err))
		case hit:
			observability.CityProcessingTotal.WithLabelValues(cityID, "cache_hit").Inc()
			logger.Debug("weather served from cache")
			return data, nil
		}
	}

	// The shared fetch is detached from whichever caller started it; each caller
	// waits on its own ctx.
	key := cityID + "|" + strconv.FormatBool(useCache)
	ch := p.inflight.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fetchTimeout)
		defer cancel()
		return p.fetch(fctx, city, useCache, logger)
	})
	select {
	case <-ctx.Done():
		observability.CityProcessingTotal.WithLabelValues(cityID, "failed").Inc()
		return models.CityWeatherData{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			observability.CityProcessingTotal.WithLabelValues(cityID, "failed").Inc()
			return models.CityWeatherData{}, res.Err
		}
		if res.Shared {
			logger.Debug("joined in-flight fetch")
		}
		return res.Val.(models.CityWeatherData), nil
	}
}

func (p *Processor) fetch(ctx context.Context, city models.CityConfig, useCache bool, logger *zap.Logger) (models.CityWeatherData, error) {
	start := time.Now()
	payload, err := p.client.Fetch(ctx, client.Query{
		Latitude:  city.Coordinates.Latitude,
		Longitude: city.Coordinates.Longitude,
	})
	if err != nil {
		return models.CityWeatherData{}, err
	}

	now := p.now()
	data, err := forecast.Transform(payload, city, now, p.policy)
	if err != nil {
		return models.CityWeatherData{}, err
	}
	if p.recordTTL > 0 {
		data.TTL = now.Add(p.recordTTL).Unix()
	}

	if useCache {
		if err := p.store.Set(ctx, data); err != nil {
			logger.Warn("cache write failed", zap.Error(err))
		}
	}
	observability.CityProcessingTotal.WithLabelValues(city.ID, "fetched").Inc()
	logger.Info("weather processed",
		zap.String("condition", string(data.Forecast.Condition)),
		zap.Float64("temperature", data.Forecast.Temperature.Value),
		zap.Duration("duration", time.Since(start)),
	)
	return data, nil
}

// ProcessAllCities processes every city concurrently and returns the first error.
// Results are in configuration order.
func (p *Processor) ProcessAllCities(ctx context.Context, useCache bool) ([]models.CityWeatherData, error) {
	out := make([]models.CityWeatherData, len(p.cities))
	g, gctx := errgroup.WithContext(ctx)
	for i, city := range p.cities {
		i, id := i, city.ID
		g.Go(func() error {
			data, err := p.ProcessCity(gctx, id, useCache)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CityRecord is one city's outcome in the resilient path. When Err is set, Data
// holds a placeholder forecast.
type CityRecord struct {
	Data models.CityWeatherData
	Err  error
}

// ProcessAllCitiesResilient attempts every city concurrently and converts failures
// into placeholder records. It fails only if every city failed; the error wraps
// ErrAllCitiesFailed and each city's error.
func (p *Processor) ProcessAllCitiesResilient(ctx context.Context, useCache bool) ([]CityRecord, error) {
	logger := observability.LoggerFromContext(ctx, p.logger)
	records := make([]CityRecord, len(p.cities))

	var wg sync.WaitGroup
	for i, city := range p.cities {
		wg.Add(1)
		go func(i int, city models.CityConfig) {
			defer wg.Done()
			data, err := p.ProcessCity(ctx, city.ID, useCache)
			if err != nil {
				logger.Error("failed to process city",
					zap.String("city_id", city.ID),
					zap.String("city_name", city.Name),
					zap.Error(err),
				)
				records[i] = CityRecord{Data: p.placeholder(city), Err: err}
				return
			}
			records[i] = CityRecord{Data: data}
		}(i, city)
	}
	wg.Wait()

	var errs []error
	for i, r := range records {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.cities[i].ID, r.Err))
		}
	}
	logger.Info("weather processing completed",
		zap.Int("successful", len(records)-len(errs)),
		zap.Int("failed", len(errs)),
	)
	if len(errs) == len(records) {
		return nil, fmt.Errorf("%w: %w", ErrAllCitiesFailed, errors.Join(errs...))
	}
	return records, nil
}

// placeholder is the record served for a city that could not be processed.
func (p *Processor) placeholder(city models.CityConfig) models.CityWeatherData {
	now := p.now().UTC()
	return models.CityWeatherData{
		CityID:      city.ID,
		CityName:    city.Name,
		Country:     city.Country,
		Coordinates: city.Coordinates,
		Forecast: models.WeatherForecast{
			Date:        models.DateOf(forecast.TargetInstant(now)),
			Temperature: models.Temperature{Value: 0, Unit: models.Celsius},
			Condition:   models.ConditionUnknown,
			Description: symbols.Description(models.ConditionUnknown),
			Icon:        symbols.Icon(models.ConditionUnknown),
		},
		LastUpdated: now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
