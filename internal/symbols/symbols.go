// Package symbols maps met.no symbol codes onto the service's weather conditions.
package symbols

import (
	"strings"

	"github.com/kjstillabower/weather-forecast-api/internal/models"
)

// baseSymbols is keyed by the symbol name with any day/night/polartwilight variant removed.
var baseSymbols = map[string]models.WeatherCondition{
	"clearsky": models.ConditionClear,

	"fair":         models.ConditionPartlyCloudy,
	"partlycloudy": models.ConditionPartlyCloudy,

	"cloudy": models.ConditionCloudy,

	"lightrain":         models.ConditionLightRain,
	"lightrainshowers":  models.ConditionLightRain,
	"lightsleet":        models.ConditionLightRain,
	"lightsleetshowers": models.ConditionLightRain,
	"rain":              models.ConditionRain,
	"rainshowers":       models.ConditionRain,
	"sleet":             models.ConditionRain,
	"sleetshowers":      models.ConditionRain,
	"heavyrain":         models.ConditionHeavyRain,
	"heavyrainshowers":  models.ConditionHeavyRain,
	"heavysleet":        models.ConditionHeavyRain,
	"heavysleetshowers": models.ConditionHeavyRain,

	"lightsnow":        models.ConditionLightSnow,
	"lightsnowshowers": models.ConditionLightSnow,
	"snow":             models.ConditionSnow,
	"snowshowers":      models.ConditionSnow,
	"heavysnow":        models.ConditionHeavySnow,
	"heavysnowshowers": models.ConditionHeavySnow,

	"lightrainandthunder":         models.ConditionThunderstorm,
	"rainandthunder":              models.ConditionThunderstorm,
	"heavyrainandthunder":         models.ConditionThunderstorm,
	"lightrainshowersandthunder":  models.ConditionThunderstorm,
	"rainshowersandthunder":       models.ConditionThunderstorm,
	"heavyrainshowersandthunder":  models.ConditionThunderstorm,
	"lightsnowandthunder":         models.ConditionThunderstorm,
	"snowandthunder":              models.ConditionThunderstorm,
	"heavysnowandthunder":         models.ConditionThunderstorm,
	"lightsnowshowersandthunder":  models.ConditionThunderstorm,
	"lightssnowshowersandthunder": models.ConditionThunderstorm, // upstream spelling
	"lightsleetandthunder":        models.ConditionThunderstorm,
	"heavysleetandthunder":        models.ConditionThunderstorm,
	"snowshowersandthunder":       models.ConditionThunderstorm,
	"heavysnowshowersandthunder":  models.ConditionThunderstorm,
	"sleetandthunder":             models.ConditionThunderstorm,
	"sleetshowersandthunder":      models.ConditionThunderstorm,

	"fog": models.ConditionFog,
}

var variantSuffixes = []string{"_day", "_night", "_polartwilight"}

var descriptions = map[models.WeatherCondition]string{
	models.ConditionClear:        "Clear sky",
	models.ConditionPartlyCloudy: "Partly cloudy",
	models.ConditionCloudy:       "Cloudy",
	models.ConditionLightRain:    "Light rain",
	models.ConditionRain:         "Rain",
	models.ConditionHeavyRain:    "Heavy rain",
	models.ConditionLightSnow:    "Light snow",
	models.ConditionSnow:         "Snow",
	models.ConditionHeavySnow:    "Heavy snow",
	models.ConditionFog:          "Fog",
	models.ConditionThunderstorm: "Thunderstorm",
	models.ConditionUnknown:      "Unknown conditions",
}

var icons = map[models.WeatherCondition]string{
	models.ConditionClear:        "clear_day",
	models.ConditionPartlyCloudy: "partly_cloudy_day",
	models.ConditionCloudy:       "cloudy",
	models.ConditionLightRain:    "light_rain",
	models.ConditionRain:         "rain",
	models.ConditionHeavyRain:    "heavy_rain",
	models.ConditionLightSnow:    "light_snow",
	models.ConditionSnow:         "snow",
	models.ConditionHeavySnow:    "heavy_snow",
	models.ConditionFog:          "fog",
	models.ConditionThunderstorm: "thunderstorm",
	models.ConditionUnknown:      "unknown",
}

// Map returns the condition for a met.no symbol code such as "partlycloudy_day" or "rain_2".
// Unmapped codes yield ConditionUnknown.
func Map(code string) models.WeatherCondition {
	base := stripNumericSuffix(strings.ToLower(strings.TrimSpace(code)))
	if c, ok := baseSymbols[base]; ok {
		return c
	}
	for _, suffix := range variantSuffixes {
		if trimmed, found := strings.CutSuffix(base, suffix); found {
			if c, ok := baseSymbols[trimmed]; ok {
				return c
			}
			break
		}
	}
	return models.ConditionUnknown
}

// Description returns the human-readable text for c.
func Description(c models.WeatherCondition) string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return descriptions[models.ConditionUnknown]
}

// Icon returns the icon identifier for c.
func Icon(c models.WeatherCondition) string {
	if i, ok := icons[c]; ok {
		return i
	}
	return icons[models.ConditionUnknown]
}

// stripNumericSuffix removes one trailing "_<digits>" segment.
func stripNumericSuffix(code string) string {
	i := strings.LastIndexByte(code, '_')
	if i < 0 || i == len(code)-1 {
		return code
	}
	for _, r := range code[i+1:] {
		if r < '0' || r > '9' {
			return code
		}
	}
	return code[:i]
}
