package aggregate

import (
	"encoding/json"
	"fmt"
	"time"
)

// WeatherRecord is the resolved weather observation for a point on the
// route. External weather providers feed frames of data-type "weather";
// this is the shape that leaves the fusion layer.
type WeatherRecord struct {
	LocationKey   string    `json:"locationKey"`
	Latitude      float64   `json:"latitude,omitempty"`
	Longitude     float64   `json:"longitude,omitempty"`
	TemperatureC  float64   `json:"temperatureC"`
	Humidity      float64   `json:"humidity"`
	WindSpeedMS   float64   `json:"windSpeedMs"`
	WindDirection float64   `json:"windDirectionDeg"`
	Precipitation float64   `json:"precipitationMm"`
	VisibilityM   float64   `json:"visibilityM"`
	PressureHPa   float64   `json:"pressureHpa"`
	Condition     string    `json:"condition"`
	Timestamp     time.Time `json:"timestamp"`
}

// DecodeWeather converts a resolved point of data-type "weather" back into
// a WeatherRecord. The resolved value is a JSON object when it came off the
// wire, or a WeatherRecord when ingested directly.
func DecodeWeather(r Resolved) (WeatherRecord, error) {
	switch v := r.Value.(type) {
	case WeatherRecord:
		return v, nil
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return WeatherRecord{}, fmt.Errorf("aggregate: encode weather value: %w", err)
		}
		var w WeatherRecord
		if err := json.Unmarshal(raw, &w); err != nil {
			return WeatherRecord{}, fmt.Errorf("aggregate: decode weather value: %w", err)
		}
		if w.LocationKey == "" {
			w.LocationKey = r.Key
		}
		if w.Timestamp.IsZero() {
			w.Timestamp = r.OriginTime
		}
		return w, nil
	default:
		return WeatherRecord{}, fmt.Errorf("aggregate: weather value has type %T", r.Value)
	}
}
