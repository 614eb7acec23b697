package forecast

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kjstillabower/weather-forecast-api/internal/models"
)

var testNow = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

func entryAt(ts string, temp *float64, symbol string) Entry {
	e := Entry{Time: ts}
	e.Data.Instant.Details.AirTemperature = temp
	if symbol != "" {
		e.Data.Next6Hours = &Period{Summary: PeriodSummary{SymbolCode: symbol}}
	}
	return e
}

func oslo() models.CityConfig {
	return models.CityConfig{ID: "oslo", Name: "Oslo", Country: "Norway", Coordinates: models.Coordinates{Latitude: 59.9139, Longitude: 10.7522}}
}

// osloPayload is a trimmed met.no response for Oslo as decoded from the wire.
const osloPayload = `{
  "type": "Feature",
  "properties": {
    "meta": {"updated_at": "2026-10-15T08:21:44+02:00", "units": {"air_temperature": "celsius"}},
    "timeseries": [
      {"time": "2026-10-15T09:00:00Z", "data": {"instant": {"details": {"air_temperature": 9.1}}, "next_1_hours": {"summary": {"symbol_code": "cloudy"}}}},
      {"time": "2026-10-16T06:00:00Z", "data": {"instant": {"details": {"air_temperature": 8.0}}, "next_6_hours": {"summary": {"symbol_code": "lightrain"}}}},
      {"time": "2026-10-16T12:00:00Z", "data": {"instant": {"details": {"air_temperature": 15.5, "relative_humidity": 64.6, "wind_speed": 3.1}}, "next_1_hours": {"summary": {"symbol_code": "fair_day"}}, "next_6_hours": {"summary": {"symbol_code": "partlycloudy_day"}}}},
      {"time": "2026-10-16T18:00:00Z", "data": {"instant": {"details": {"air_temperature": 11.2}}, "next_6_hours": {"summary": {"symbol_code": "rain"}}}}
    ]
  }
}`

func decode(t *testing.T, raw string) *Payload {
	t.Helper()
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return &p
}

// TestTransform_Oslo verifies the end-to-end extraction for a realistic Oslo payload.
func TestTransform_Oslo(t *testing.T) {
	data, err := Transform(decode(t, osloPayload), oslo(), testNow, SelectNearest)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if data.Forecast.Temperature.Value != 16 || data.Forecast.Temperature.Unit != models.Celsius {
		t.Errorf("temperature = %+v, want 16 celsius", data.Forecast.Temperature)
	}
	if data.Forecast.Condition != models.ConditionPartlyCloudy {
		t.Errorf("condition = %q, want partly_cloudy", data.Forecast.Condition)
	}
	if data.Forecast.Description != "Partly cloudy" || data.Forecast.Icon != "partly_cloudy_day" {
		t.Errorf("description/icon = %q/%q", data.Forecast.Description, data.Forecast.Icon)
	}
	if data.Forecast.Date != "2026-10-16" {
		t.Errorf("date = %q, want 2026-10-16", data.Forecast.Date)
	}
	if data.Forecast.Humidity == nil || *data.Forecast.Humidity != 65 {
		t.Errorf("humidity = %v, want 65", data.Forecast.Humidity)
	}
	if data.Forecast.WindSpeed == nil || *data.Forecast.WindSpeed != 3.1 {
		t.Errorf("windSpeed = %v, want 3.1", data.Forecast.WindSpeed)
	}
	wantUpdated := time.Date(2026, 10, 15, 6, 21, 44, 0, time.UTC)
	if !data.LastUpdated.Equal(wantUpdated) || data.LastUpdated.Location() != time.UTC {
		t.Errorf("lastUpdated = %v, want %v", data.LastUpdated, wantUpdated)
	}
}

func TestTransform_Rounding(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{15.5, 16},
		{15.4, 15},
		{-2.5, -3},
		{-2.4, -2},
		{0.5, 1},
	}
	for _, tt := range tests {
		p := &Payload{Properties: &Properties{Timeseries: []Entry{entryAt("2026-10-16T12:00:00Z", f64(tt.in), "fog")}}}
		data, err := Transform(p, oslo(), testNow, SelectNearest)
		if err != nil {
			t.Fatalf("Transform(%v) error = %v", tt.in, err)
		}
		if data.Forecast.Temperature.Value != tt.want {
			t.Errorf("Transform(%v) temperature = %v, want %v", tt.in, data.Forecast.Temperature.Value, tt.want)
		}
	}
}

func TestTransform_InvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload *Payload
	}{
		{"nil", nil},
		{"no properties", &Payload{}},
		{"empty series", &Payload{Properties: &Properties{}}},
		{"no temperatures", &Payload{Properties: &Properties{Timeseries: []Entry{entryAt("2026-10-16T12:00:00Z", nil, "rain")}}}},
		{"nothing on tomorrow", &Payload{Properties: &Properties{Timeseries: []Entry{entryAt("bad", f64(3), "rain")}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Transform(tt.payload, oslo(), testNow, SelectNearest)
			if !errors.Is(err, models.ErrValidation) {
				t.Errorf("Transform() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestTransform_MissingSymbolIsUnknown(t *testing.T) {
	p := &Payload{Properties: &Properties{Timeseries: []Entry{entryAt("2026-10-16T12:00:00Z", f64(10), "")}}}
	data, err := Transform(p, oslo(), testNow, SelectNearest)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if data.Forecast.Condition != models.ConditionUnknown {
		t.Errorf("condition = %q, want unknown", data.Forecast.Condition)
	}
	if data.Forecast.Humidity != nil || data.Forecast.WindSpeed != nil {
		t.Error("optional fields should stay nil when absent")
	}
}

func TestValidateResponse(t *testing.T) {
	withTemp := entryAt("2026-10-16T12:00:00Z", f64(1), "")
	noTemp := entryAt("2026-10-16T12:00:00Z", nil, "")
	tests := []struct {
		name   string
		series []Entry
		want   bool
	}{
		{"first entry has temperature", []Entry{withTemp}, true},
		{"fifth entry has temperature", []Entry{noTemp, noTemp, noTemp, noTemp, withTemp}, true},
		{"only sixth entry has temperature", []Entry{noTemp, noTemp, noTemp, noTemp, noTemp, withTemp}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateResponse(&Payload{Properties: &Properties{Timeseries: tt.series}})
			if got != tt.want {
				t.Errorf("ValidateResponse() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectTargetEntry(t *testing.T) {
	series := []Entry{
		entryAt("not-a-time", f64(0), ""),
		entryAt("2026-10-16T00:00:00Z", f64(1), ""),
		entryAt("2026-10-16T09:00:00Z", f64(2), ""),
		entryAt("2026-10-16T11:00:00Z", f64(3), ""),
		entryAt("2026-10-16T13:00:00Z", f64(4), ""),
		entryAt("2026-10-17T12:00:00Z", f64(5), ""),
	}
	tests := []struct {
		name   string
		series []Entry
		policy SelectionPolicy
		want   string
	}{
		{"nearest tie keeps first", series, SelectNearest, "2026-10-16T11:00:00Z"},
		{"window picks first in window", series, SelectSameDayWindow, "2026-10-16T11:00:00Z"},
		{"window falls back to first on date", series[:3], SelectSameDayWindow, "2026-10-16T00:00:00Z"},
		{"nearest spans other days", []Entry{entryAt("2026-10-15T18:00:00Z", f64(1), ""), entryAt("2026-10-17T00:00:00Z", f64(2), "")}, SelectNearest, "2026-10-17T00:00:00Z"},
		{"empty policy defaults to nearest", series, "", "2026-10-16T11:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectTargetEntry(tt.series, testNow, tt.policy)
			if err != nil {
				t.Fatalf("SelectTargetEntry() error = %v", err)
			}
			if got.Time != tt.want {
				t.Errorf("SelectTargetEntry() = %s, want %s", got.Time, tt.want)
			}
		})
	}
}

func TestSelectTargetEntry_NoneFound(t *testing.T) {
	if _, err := SelectTargetEntry(nil, testNow, SelectNearest); !errors.Is(err, ErrNoForecastFound) {
		t.Errorf("empty series error = %v, want ErrNoForecastFound", err)
	}
	other := []Entry{entryAt("2026-10-18T12:00:00Z", f64(1), "")}
	if _, err := SelectTargetEntry(other, testNow, SelectSameDayWindow); !errors.Is(err, ErrNoForecastFound) {
		t.Errorf("window with no entry tomorrow error = %v, want ErrNoForecastFound", err)
	}
}

func TestResolveLastUpdated(t *testing.T) {
	first := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		payload *Payload
		want    time.Time
	}{
		{"meta updated_at with offset", &Payload{Properties: &Properties{Meta: Meta{UpdatedAt: "2026-10-15T10:00:00+02:00"}}}, time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)},
		{"falls back to first entry", &Payload{Properties: &Properties{Meta: Meta{UpdatedAt: "garbage"}, Timeseries: []Entry{{Time: "2026-10-15T09:00:00Z"}}}}, first},
		{"falls back to now", &Payload{Properties: &Properties{Timeseries: []Entry{{Time: "bad"}}}}, testNow},
		{"nil payload", nil, testNow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveLastUpdated(tt.payload, testNow)
			if !got.Equal(tt.want) || got.Location() != time.UTC {
				t.Errorf("ResolveLastUpdated() = %v, want %v UTC", got, tt.want)
			}
		})
	}
}

func TestParseSelectionPolicy(t *testing.T) {
	for in, want := range map[string]SelectionPolicy{"": SelectNearest, "nearest": SelectNearest, "same_day_window": SelectSameDayWindow} {
		got, err := ParseSelectionPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseSelectionPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseSelectionPolicy("closest"); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("ParseSelectionPolicy(closest) error = %v, want ErrInvalidArgument", err)
	}
}
