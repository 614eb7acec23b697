package forecast

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kjstillabower/weather-forecast-api/internal/models"
	"github.com/kjstillabower/weather-forecast-api/internal/symbols"
)

// ErrNoForecastFound is returned when no timeseries entry qualifies for the target date.
var ErrNoForecastFound = errors.New("no forecast found for target date")

// SelectionPolicy names the rule used to pick tomorrow's entry from the timeseries.
type SelectionPolicy string

const (
	// SelectNearest picks the entry closest to tomorrow 12:00 UTC across the whole series.
	SelectNearest SelectionPolicy = "nearest"
	// SelectSameDayWindow picks the first entry on tomorrow's date between 10:00 and 14:00 UTC,
	// falling back to the first entry on that date.
	SelectSameDayWindow SelectionPolicy = "same_day_window"
)

const (
	targetHour      = 12
	windowStartHour = 10
	windowEndHour   = 14
	// validationProbe is how many leading entries ValidateResponse inspects for a temperature.
	validationProbe = 5
)

// ParseSelectionPolicy accepts "nearest", "same_day_window" or empty (nearest).
func ParseSelectionPolicy(s string) (SelectionPolicy, error) {
	switch SelectionPolicy(s) {
	case "", SelectNearest:
		return SelectNearest, nil
	case SelectSameDayWindow:
		return SelectSameDayWindow, nil
	default:
		return "", fmt.Errorf("%w: unknown forecast selection policy %q", models.ErrInvalidArgument, s)
	}
}

// TargetInstant returns tomorrow 12:00 UTC relative to now.
func TargetInstant(now time.Time) time.Time {
	n := now.UTC()
	return time.Date(n.Year(), n.Month(), n.Day()+1, targetHour, 0, 0, 0, time.UTC)
}

// ValidateResponse reports whether payload has a non-empty timeseries and at least one
// of its leading entries carries an air temperature.
func ValidateResponse(payload *Payload) bool {
	if payload == nil || payload.Properties == nil || len(payload.Properties.Timeseries) == 0 {
		return false
	}
	series := payload.Properties.Timeseries
	if len(series) > validationProbe {
		series = series[:validationProbe]
	}
	for _, e := range series {
		if e.Time != "" && e.Data.Instant.Details.AirTemperature != nil {
			return true
		}
	}
	return false
}

// SelectTargetEntry picks tomorrow's representative entry according to policy.
// Entries with unparseable timestamps are skipped.
func SelectTargetEntry(series []Entry, now time.Time, policy SelectionPolicy) (Entry, error) {
	if len(series) == 0 {
		return Entry{}, ErrNoForecastFound
	}
	target := TargetInstant(now)
	switch policy {
	case SelectSameDayWindow:
		return selectSameDayWindow(series, target)
	case SelectNearest, "":
		return selectNearest(series, target)
	default:
		return Entry{}, fmt.Errorf("%w: unknown forecast selection policy %q", models.ErrInvalidArgument, policy)
	}
}

func selectNearest(series []Entry, target time.Time) (Entry, error) {
	var (
		best     Entry
		bestDiff time.Duration = -1
	)
	for _, e := range series {
		ts, err := e.Timestamp()
		if err != nil {
			continue
		}
		diff := ts.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = e, diff
		}
	}
	if bestDiff < 0 {
		return Entry{}, ErrNoForecastFound
	}
	return best, nil
}

func selectSameDayWindow(series []Entry, target time.Time) (Entry, error) {
	var (
		firstOnDay Entry
		found      bool
	)
	for _, e := range series {
		ts, err := e.Timestamp()
		if err != nil {
			continue
		}
		ts = ts.UTC()
		if ts.Year() != target.Year() || ts.YearDay() != target.YearDay() {
			continue
		}
		if ts.Hour() >= windowStartHour && ts.Hour() <= windowEndHour {
			return e, nil
		}
		if !found {
			firstOnDay, found = e, true
		}
	}
	if !found {
		return Entry{}, ErrNoForecastFound
	}
	return firstOnDay, nil
}

// ResolveLastUpdated returns meta.updated_at in UTC, else the first entry's timestamp, else now.
func ResolveLastUpdated(payload *Payload, now time.Time) time.Time {
	if payload != nil && payload.Properties != nil {
		if ts, err := time.Parse(time.RFC3339, payload.Properties.Meta.UpdatedAt); err == nil {
			return ts.UTC()
		}
		if len(payload.Properties.Timeseries) > 0 {
			if ts, err := payload.Properties.Timeseries[0].Timestamp(); err == nil {
				return ts.UTC()
			}
		}
	}
	return now.UTC()
}

// Transform converts a met.no payload into the normalized record for city.
// Every failure wraps models.ErrValidation.
func Transform(payload *Payload, city models.CityConfig, now time.Time, policy SelectionPolicy) (models.CityWeatherData, error) {
	if !ValidateResponse(payload) {
		return models.CityWeatherData{}, fmt.Errorf("%w: invalid met.no response structure for %s", models.ErrValidation, city.ID)
	}

	entry, err := SelectTargetEntry(payload.Properties.Timeseries, now, policy)
	if err != nil {
		return models.CityWeatherData{}, fmt.Errorf("%w: %s: %w", models.ErrValidation, city.ID, err)
	}

	details := entry.Data.Instant.Details
	if details.AirTemperature == nil {
		return models.CityWeatherData{}, fmt.Errorf("%w: %s: selected entry %s has no air temperature", models.ErrValidation, city.ID, entry.Time)
	}

	condition := symbols.Map(entry.Data.SymbolCode())
	fc := models.WeatherForecast{
		Date:        models.DateOf(TargetInstant(now)),
		Temperature: models.Temperature{Value: math.Round(*details.AirTemperature), Unit: models.Celsius},
		Condition:   condition,
		Description: symbols.Description(condition),
		Icon:        symbols.Icon(condition),
	}
	if details.WindSpeed != nil {
		w := *details.WindSpeed
		fc.WindSpeed = &w
	}
	if details.RelativeHumidity != nil {
		h := int(math.Round(*details.RelativeHumidity))
		fc.Humidity = &h
	}

	data, err := models.NewCityWeatherData(city, fc, ResolveLastUpdated(payload, now), 0, now)
	if err != nil {
		return models.CityWeatherData{}, fmt.Errorf("failed to parse weather data for %s: %w", city.ID, err)
	}
	return data, nil
}
