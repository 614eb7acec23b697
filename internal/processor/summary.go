package processor

import (
	"context"
	"time"

	"github.com/kjstillabower/weather-forecast-api/internal/models"
)

// Summary statuses.
const (
	StatusSuccess        = "success"
	StatusPartialFailure = "partial_failure"
)

// Summary is the multi-city response body.
type Summary struct {
	Status      string        `json:"status"`
	HasErrors   bool          `json:"hasErrors"`
	LastUpdated time.Time     `json:"lastUpdated"`
	Cities      []CitySummary `json:"cities"`
}

// CitySummary is one city's entry in a Summary.
type CitySummary struct {
	CityID      string          `json:"cityId"`
	CityName    string          `json:"cityName"`
	Country     string          `json:"country"`
	Forecast    ForecastSummary `json:"forecast"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Error       string          `json:"error,omitempty"`
}

// ForecastSummary is the subset of a forecast exposed in a Summary.
type ForecastSummary struct {
	Temperature models.Temperature      `json:"temperature"`
	Condition   models.WeatherCondition `json:"condition"`
	Description string                  `json:"description"`
}

// Summary builds the summary on the resilient path. It fails only when every city failed.
func (p *Processor) Summary(ctx context.Context, useCache bool) (Summary, error) {
	records, err := p.ProcessAllCitiesResilient(ctx, useCache)
	if err != nil {
		return Summary{}, err
	}
	return BuildSummary(records, p.now()), nil
}

// BuildSummary assembles a Summary from resilient records. lastUpdated is the newest
// successful record's, or now when none succeeded.
func BuildSummary(records []CityRecord, now time.Time) Summary {
	s := Summary{
		Status: StatusSuccess,
		Cities: make([]CitySummary, 0, len(records)),
	}
	var newest time.Time
	for _, r := range records {
		cs := CitySummary{
			CityID:   r.Data.CityID,
			CityName: r.Data.CityName,
			Country:  r.Data.Country,
			Forecast: ForecastSummary{
				Temperature: r.Data.Forecast.Temperature,
				Condition:   r.Data.Forecast.Condition,
				Description: r.Data.Forecast.Description,
			},
			LastUpdated: r.Data.LastUpdated.UTC(),
		}
		if r.Err != nil {
			s.HasErrors = true
			cs.Error = r.Err.Error()
		} else if r.Data.LastUpdated.After(newest) {
			newest = r.Data.LastUpdated
		}
		s.Cities = append(s.Cities, cs)
	}
	if s.HasErrors {
		s.Status = StatusPartialFailure
	}
	if newest.IsZero() {
		newest = now
	}
	s.LastUpdated = newest.UTC()
	return s
}
