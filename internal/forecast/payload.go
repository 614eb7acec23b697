// Package forecast extracts the service's daily forecast from met.no Locationforecast payloads.
package forecast

import "time"

// Payload mirrors the met.no Locationforecast 2.0 compact response. Only fields the service reads are modelled.
type Payload struct {
	Type       string      `json:"type"`
	Properties *Properties `json:"properties"`
}

type Properties struct {
	Meta       Meta    `json:"meta"`
	Timeseries []Entry `json:"timeseries"`
}

type Meta struct {
	UpdatedAt string            `json:"updated_at"`
	Units     map[string]string `json:"units,omitempty"`
}

// Entry is one timeseries step.
type Entry struct {
	Time string    `json:"time"`
	Data EntryData `json:"data"`
}

// Timestamp parses the entry's RFC 3339 time.
func (e Entry) Timestamp() (time.Time, error) {
	return time.Parse(time.RFC3339, e.Time)
}

type EntryData struct {
	Instant     Instant `json:"instant"`
	Next1Hours  *Period `json:"next_1_hours,omitempty"`
	Next6Hours  *Period `json:"next_6_hours,omitempty"`
	Next12Hours *Period `json:"next_12_hours,omitempty"`
}

type Instant struct {
	Details Details `json:"details"`
}

// Details holds instant measurements. Pointers distinguish absent values from zero.
type Details struct {
	AirTemperature   *float64 `json:"air_temperature,omitempty"`
	RelativeHumidity *float64 `json:"relative_humidity,omitempty"`
	WindSpeed        *float64 `json:"wind_speed,omitempty"`
}

type Period struct {
	Summary PeriodSummary `json:"summary"`
}

type PeriodSummary struct {
	SymbolCode string `json:"symbol_code"`
}

// SymbolCode returns the period symbol preferring the 6h, then 1h, then 12h summary.
func (d EntryData) SymbolCode() string {
	for _, p := range []*Period{d.Next6Hours, d.Next1Hours, d.Next12Hours} {
		if p != nil && p.Summary.SymbolCode != "" {
			return p.Summary.SymbolCode
		}
	}
	return "unknown"
}
