package models

import "time"

// Units selects the measurement system requested from the provider.
type Units string

const (
	UnitsMetric   Units = "metric"
	UnitsImperial Units = "imperial"
	UnitsStandard Units = "standard"
)

// TemperatureSymbol returns the display suffix for temperatures in u.
func (u Units) TemperatureSymbol() string {
	switch u {
	case UnitsImperial:
		return "°F"
	case UnitsStandard:
		return "K"
	default:
		return "°C"
	}
}

// SpeedSymbol returns the display suffix for wind speeds in u.
func (u Units) SpeedSymbol() string {
	if u == UnitsImperial {
		return "mph"
	}
	return "m/s"
}

// Location identifies a place either by name ("London,UK") or by coordinates.
type Location struct {
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Lat  *float64 `json:"lat,omitempty" yaml:"lat,omitempty"`
	Lon  *float64 `json:"lon,omitempty" yaml:"lon,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are set.
func (l Location) HasCoordinates() bool {
	return l.Lat != nil && l.Lon != nil
}

// Conditions are the observed weather values at one point in time.
type Conditions struct {
	Temperature float64 `json:"temperature"`
	FeelsLike   float64 `json:"feelsLike"`
	Humidity    int     `json:"humidity"`
	WindSpeed   float64 `json:"windSpeed"`
	Conditions  string  `json:"conditions"`
	Icon        string  `json:"icon,omitempty"`
}

// ForecastEntry summarizes one forecast day.
type ForecastEntry struct {
	Date       time.Time `json:"date"`
	TempMin    float64   `json:"tempMin"`
	TempMax    float64   `json:"tempMax"`
	Conditions string    `json:"conditions"`
	Icon       string    `json:"icon,omitempty"`
}

// WeatherSnapshot is one complete provider answer. Forecast entries are ordered by date ascending.
// Snapshots are never mutated after the client returns them.
type WeatherSnapshot struct {
	Location  string          `json:"location"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Units     Units           `json:"units"`
	Current   Conditions      `json:"current"`
	Forecast  []ForecastEntry `json:"forecast,omitempty"`
}

// FetchOptions constrain a provider request.
type FetchOptions struct {
	Units        Units
	ForecastDays int
}
