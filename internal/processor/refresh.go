package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-forecast-api/internal/observability"
)

// CityFailure records one city that could not be refreshed.
type CityFailure struct {
	CityID string
	Err    error
}

// RefreshReport is the outcome of a sequential refresh.
type RefreshReport struct {
	Succeeded []string
	Failed    []CityFailure
	Duration  time.Duration
}

// RefreshSequential fetches and caches every city one at a time, bypassing cache reads.
// It waits the pacing delay after each successful call except the last; a failed call
// is followed immediately by the next city. Fails only if every city failed.
func (p *Processor) RefreshSequential(ctx context.Context) (RefreshReport, error) {
	logger := observability.LoggerFromContext(ctx, p.logger)
	start := time.Now()
	var report RefreshReport

	for i, city := range p.cities {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("refresh interrupted: %w", err)
		}
		data, err := p.fetch(ctx, city, true, logger.With(zap.String("city_id", city.ID)))
		if err != nil {
			observability.CityProcessingTotal.WithLabelValues(city.ID, "failed").Inc()
			logger.Warn("refresh failed for city", zap.String("city_id", city.ID), zap.Error(err))
			report.Failed = append(report.Failed, CityFailure{CityID: city.ID, Err: err})
			continue
		}
		report.Succeeded = append(report.Succeeded, data.CityID)

		if i < len(p.cities)-1 {
			if err := p.sleep(ctx, p.pacing); err != nil {
				report.Duration = time.Since(start)
				return report, fmt.Errorf("refresh interrupted: %w", err)
			}
		}
	}
	report.Duration = time.Since(start)

	if len(report.Succeeded) == 0 {
		errs := make([]error, len(report.Failed))
		for i, f := range report.Failed {
			errs[i] = fmt.Errorf("%s: %w", f.CityID, f.Err)
		}
		return report, fmt.Errorf("%w: %w", ErrAllCitiesFailed, errors.Join(errs...))
	}
	return report, nil
}

// RefreshAll runs RefreshSequential and reports counts for the cache warmer.
func (p *Processor) RefreshAll(ctx context.Context) (succeeded, failed int, err error) {
	report, err := p.RefreshSequential(ctx)
	return len(report.Succeeded), len(report.Failed), err
}
