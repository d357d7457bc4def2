package models

// Renderer themes. The theme doubles as the capability tag that selects a renderer.
const (
	ThemeVertical   = "vertical"
	ThemeHorizontal = "horizontal"
	ThemeJSON       = "json"
)

// MaxForecastDays is the longest forecast the provider's 5-day endpoint can cover. The lte tag
// on DisplayOptions.ForecastDays must match.
const MaxForecastDays = 5

// DisplayOptions control what a widget shows and how.
type DisplayOptions struct {
	Units        Units  `json:"units" yaml:"units" validate:"omitempty,oneof=metric imperial standard"`
	ForecastDays int    `json:"forecastDays" yaml:"forecast_days" validate:"gte=0,lte=5"`
	Theme        string `json:"theme" yaml:"theme" validate:"omitempty,oneof=vertical horizontal json"`
	ShowHumidity bool   `json:"showHumidity" yaml:"show_humidity"`
	ShowWind     bool   `json:"showWind" yaml:"show_wind"`
}

// FetchOptions returns the provider-relevant subset of the display options.
func (d DisplayOptions) FetchOptions() FetchOptions {
	return FetchOptions{Units: d.Units, ForecastDays: d.ForecastDays}
}

// WidgetConfig is an administrator-defined weather widget.
type WidgetConfig struct {
	ID       string         `json:"id" yaml:"id" validate:"required,max=64"`
	Title    string         `json:"title,omitempty" yaml:"title"`
	Location Location       `json:"location" yaml:"location"`
	Display  DisplayOptions `json:"display" yaml:"display"`
}
