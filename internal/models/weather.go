package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidArgument marks caller mistakes: bad coordinates, unknown city ids, malformed overrides.
// Never retried.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrValidation marks data that is structurally present but semantically unusable.
var ErrValidation = errors.New("validation error")

// DateLayout is the wire format for forecast dates.
const DateLayout = "2006-01-02"

// Coordinates is a WGS84 position.
type Coordinates struct {
	Latitude  float64 `json:"latitude" dynamodbav:"latitude"`
	Longitude float64 `json:"longitude" dynamodbav:"longitude"`
}

// Validate checks latitude in [-90,90] and longitude in [-180,180].
func (c Coordinates) Validate() error {
	if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude must be between -90 and 90, got %v", ErrValidation, c.Latitude)
	}
	if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude must be between -180 and 180, got %v", ErrValidation, c.Longitude)
	}
	return nil
}

// TemperatureUnit is one of celsius, fahrenheit or kelvin.
type TemperatureUnit string

const (
	Celsius    TemperatureUnit = "celsius"
	Fahrenheit TemperatureUnit = "fahrenheit"
	Kelvin     TemperatureUnit = "kelvin"
)

// temperatureBounds are sanity limits per unit; anything outside is treated as bad data.
var temperatureBounds = map[TemperatureUnit][2]float64{
	Celsius:    {-100, 60},
	Fahrenheit: {-148, 140},
	Kelvin:     {173, 333},
}

type Temperature struct {
	Value float64         `json:"value" dynamodbav:"value"`
	Unit  TemperatureUnit `json:"unit" dynamodbav:"unit"`
}

// Validate checks the unit is supported and the value is physically plausible for it.
func (t Temperature) Validate() error {
	bounds, ok := temperatureBounds[t.Unit]
	if !ok {
		return fmt.Errorf("%w: unsupported temperature unit %q", ErrValidation, t.Unit)
	}
	if math.IsNaN(t.Value) || t.Value < bounds[0] || t.Value > bounds[1] {
		return fmt.Errorf("%w: temperature %v %s out of range [%v, %v]", ErrValidation, t.Value, t.Unit, bounds[0], bounds[1])
	}
	return nil
}

// WeatherCondition is the closed set of conditions exposed by the API.
type WeatherCondition string

const (
	ConditionClear        WeatherCondition = "clear"
	ConditionPartlyCloudy WeatherCondition = "partly_cloudy"
	ConditionCloudy       WeatherCondition = "cloudy"
	ConditionLightRain    WeatherCondition = "light_rain"
	ConditionRain         WeatherCondition = "rain"
	ConditionHeavyRain    WeatherCondition = "heavy_rain"
	ConditionLightSnow    WeatherCondition = "light_snow"
	ConditionSnow         WeatherCondition = "snow"
	ConditionHeavySnow    WeatherCondition = "heavy_snow"
	ConditionFog          WeatherCondition = "fog"
	ConditionThunderstorm WeatherCondition = "thunderstorm"
	ConditionUnknown      WeatherCondition = "unknown"
)

// AllConditions lists every condition in declaration order.
var AllConditions = []WeatherCondition{
	ConditionClear, ConditionPartlyCloudy, ConditionCloudy,
	ConditionLightRain, ConditionRain, ConditionHeavyRain,
	ConditionLightSnow, ConditionSnow, ConditionHeavySnow,
	ConditionFog, ConditionThunderstorm, ConditionUnknown,
}

// Valid reports whether c is one of the known conditions.
func (c WeatherCondition) Valid() bool {
	for _, known := range AllConditions {
		if c == known {
			return true
		}
	}
	return false
}

// Date is a calendar date in YYYY-MM-DD form.
type Date string

// DateOf returns the UTC calendar date of t.
func DateOf(t time.Time) Date {
	return Date(t.UTC().Format(DateLayout))
}

// Time parses d as midnight UTC.
func (d Date) Time() (time.Time, error) {
	return time.Parse(DateLayout, string(d))
}

// Before compares two well-formed dates; the ISO layout sorts lexically.
func (d Date) Before(other Date) bool {
	return string(d) < string(other)
}

type WeatherForecast struct {
	Date        Date             `json:"date" dynamodbav:"date"`
	Temperature Temperature      `json:"temperature" dynamodbav:"temperature"`
	Condition   WeatherCondition `json:"condition" dynamodbav:"condition"`
	Description string           `json:"description" dynamodbav:"description"`
	Icon        string           `json:"icon" dynamodbav:"icon"`
	Humidity    *int             `json:"humidity" dynamodbav:"humidity,omitempty"`
	WindSpeed   *float64         `json:"windSpeed" dynamodbav:"windSpeed,omitempty"`
}

// Validate checks every field of the forecast.
func (f WeatherForecast) Validate() error {
	if _, err := f.Date.Time(); err != nil {
		return fmt.Errorf("%w: forecast date %q is not YYYY-MM-DD", ErrValidation, f.Date)
	}
	if err := f.Temperature.Validate(); err != nil {
		return err
	}
	if !f.Condition.Valid() {
		return fmt.Errorf("%w: unknown weather condition %q", ErrValidation, f.Condition)
	}
	if strings.TrimSpace(f.Description) == "" {
		return fmt.Errorf("%w: weather description cannot be empty", ErrValidation)
	}
	if strings.TrimSpace(f.Icon) == "" {
		return fmt.Errorf("%w: weather icon cannot be empty", ErrValidation)
	}
	if f.Humidity != nil && (*f.Humidity < 0 || *f.Humidity > 100) {
		return fmt.Errorf("%w: humidity must be between 0 and 100, got %d", ErrValidation, *f.Humidity)
	}
	if f.WindSpeed != nil && (math.IsNaN(*f.WindSpeed) || *f.WindSpeed < 0) {
		return fmt.Errorf("%w: wind speed cannot be negative, got %v", ErrValidation, *f.WindSpeed)
	}
	return nil
}

// CityConfig describes one city the service reports on. Loaded once at startup.
type CityConfig struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Country     string      `json:"country"`
	Coordinates Coordinates `json:"coordinates"`
}

// Validate checks required names and coordinates.
func (c CityConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: city id cannot be empty", ErrValidation)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: city name cannot be empty", ErrValidation)
	}
	if strings.TrimSpace(c.Country) == "" {
		return fmt.Errorf("%w: country cannot be empty", ErrValidation)
	}
	return c.Coordinates.Validate()
}

// CityWeatherData is the normalized result of one fetch-and-transform cycle.
// Treat values as immutable once built by NewCityWeatherData.
type CityWeatherData struct {
	CityID      string          `json:"cityId" dynamodbav:"cityId"`
	CityName    string          `json:"cityName" dynamodbav:"cityName"`
	Country     string          `json:"country" dynamodbav:"country"`
	Coordinates Coordinates     `json:"coordinates" dynamodbav:"coordinates"`
	Forecast    WeatherForecast `json:"forecast" dynamodbav:"forecast"`
	LastUpdated time.Time       `json:"lastUpdated" dynamodbav:"lastUpdated"`
	TTL         int64           `json:"ttl,omitempty" dynamodbav:"ttl,omitempty"`
}

// NewCityWeatherData assembles and validates a record for city. lastUpdated is normalized to UTC.
func NewCityWeatherData(city CityConfig, forecast WeatherForecast, lastUpdated time.Time, ttl int64, now time.Time) (CityWeatherData, error) {
	data := CityWeatherData{
		CityID:      city.ID,
		CityName:    city.Name,
		Country:     city.Country,
		Coordinates: city.Coordinates,
		Forecast:    forecast,
		LastUpdated: lastUpdated.UTC(),
		TTL:         ttl,
	}
	if err := data.Validate(now); err != nil {
		return CityWeatherData{}, err
	}
	return data, nil
}

// Validate checks all invariants relative to now. The forecast date may be today or later.
func (d CityWeatherData) Validate(now time.Time) error {
	if strings.TrimSpace(d.CityID) == "" {
		return fmt.Errorf("%w: city id cannot be empty", ErrValidation)
	}
	if strings.TrimSpace(d.CityName) == "" {
		return fmt.Errorf("%w: city name cannot be empty", ErrValidation)
	}
	if strings.TrimSpace(d.Country) == "" {
		return fmt.Errorf("%w: country cannot be empty", ErrValidation)
	}
	if err := d.Coordinates.Validate(); err != nil {
		return err
	}
	if err := d.Forecast.Validate(); err != nil {
		return err
	}
	if today := DateOf(now); d.Forecast.Date.Before(today) {
		return fmt.Errorf("%w: forecast date %s is in the past (today %s)", ErrValidation, d.Forecast.Date, today)
	}
	return nil
}
