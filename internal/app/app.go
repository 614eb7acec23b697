// Package app assembles the weather pipeline from configuration. The Lambda and
// HTTP service binaries share it so both serve identical behavior.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-forecast-api/internal/cache"
	"github.com/kjstillabower/weather-forecast-api/internal/client"
	"github.com/kjstillabower/weather-forecast-api/internal/config"
	httphandler "github.com/kjstillabower/weather-forecast-api/internal/http"
	"github.com/kjstillabower/weather-forecast-api/internal/processor"
)

// App holds the wired components. Warmer is nil unless warming is enabled.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Store      cache.Store
	Client     *client.MetNoClient
	Processor  *processor.Processor
	Dispatcher *httphandler.Dispatcher
	Warmer     *cache.Warmer

	closers []func() error
}

// New builds every component from cfg. Config warnings are logged here.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	a := &App{Config: cfg, Logger: logger}

	store, closer, err := NewStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	a.Client, err = client.NewMetNoClient(client.Options{
		BaseURL:                 cfg.WeatherAPIURL,
		CompanyWebsite:          cfg.CompanyWebsite,
		Timeout:                 cfg.WeatherAPITimeout,
		MaxAttempts:             cfg.RetryMaxAttempts,
		BaseDelay:               cfg.RetryBaseDelay,
		MaxDelay:                cfg.RetryMaxDelay,
		MaxElapsed:              cfg.RetryMaxElapsed,
		RateLimitRPS:            cfg.RateLimitRPS,
		RateLimitBurst:          cfg.RateLimitBurst,
		BreakerFailureThreshold: cfg.BreakerFailureThreshold,
		BreakerTimeout:          cfg.BreakerTimeout,
		Logger:                  logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("weather client: %w", err)
	}

	a.Processor, err = processor.New(processor.Options{
		Cities: cfg.Cities,
		Client: a.Client,
		Store:  a.Store,
		Policy: cfg.ForecastSelection,
		Pacing: cfg.ProcessorPacing,
		// Records carry the same expiry as their cache entry.
		RecordTTL: cfg.CacheTTL,
		// Retries stop after RetryMaxElapsed; allow the attempt in progress to finish.
		FetchTimeout: cfg.RetryMaxElapsed + cfg.WeatherAPITimeout,
		Logger:       logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("processor: %w", err)
	}

	a.Dispatcher = httphandler.NewDispatcher(a.Processor, httphandler.Info{
		ServiceName:    cfg.ServiceName,
		CompanyWebsite: cfg.CompanyWebsite,
		AWSRegion:      cfg.AWSRegion,
		CacheBackend:   cfg.CacheBackend,
		CacheStats:     a.Store.Stats,
	}, logger)

	if cfg.WarmEnabled {
		a.Warmer, err = cache.NewWarmer(a.Processor, cfg.WarmSchedule, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	logger.Info("application initialized",
		zap.String("env", cfg.EnvName),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.String("forecast_selection", string(cfg.ForecastSelection)),
		zap.Int("cities", len(cfg.Cities)),
		zap.Bool("warm_enabled", cfg.WarmEnabled),
	)
	return a, nil
}

// NewStore returns the configured cache backend and, for backends holding
// connections, a close function.
func NewStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Store, func() error, error) {
	opts := cache.Options{TTL: cfg.CacheTTL, Logger: logger}
	switch cfg.CacheBackend {
	case cache.BackendMemcached:
		ids := make([]string, len(cfg.Cities))
		for i, c := range cfg.Cities {
			ids[i] = c.ID
		}
		mc := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, ids, opts)
		if err := mc.Ping(); err != nil {
			// Not fatal: failed lookups fall through to upstream fetches.
			logger.Warn("memcached not reachable at startup", zap.String("addrs", cfg.MemcachedAddrs), zap.Error(err))
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc.Close, nil
	case cache.BackendDynamoDB:
		ds, err := cache.NewDynamoStoreFromConfig(ctx, cfg.DynamoDBTable, cfg.AWSRegion, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("dynamodb cache: %w", err)
		}
		logger.Info("cache backend: dynamodb", zap.String("table", cfg.DynamoDBTable), zap.String("region", cfg.AWSRegion))
		return ds, nil, nil
	case cache.BackendInMemory:
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryStore(opts), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// WarmOnce runs a single cache refresh bounded by timeout.
func (a *App) WarmOnce(ctx context.Context, timeout time.Duration) error {
	if a.Warmer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.Warmer.Warm(ctx)
}

// Close releases backend connections. Safe to call more than once.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
