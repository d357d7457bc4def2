package render

import (
	"encoding/json"
	"fmt"

	"github.com/kjstillabower/location-weather/internal/models"
)

const jsonContentType = "application/json"

type jsonPayload struct {
	WidgetID    string                  `json:"widgetId"`
	Title       string                  `json:"title,omitempty"`
	Display     models.DisplayOptions   `json:"display"`
	Unavailable bool                    `json:"unavailable"`
	Message     string                  `json:"message,omitempty"`
	Weather     *models.WeatherSnapshot `json:"weather,omitempty"`
}

// jsonRenderer renders a View as structured data for client-side templates.
type jsonRenderer struct{}

func (jsonRenderer) Render(v View) (Payload, error) {
	p := jsonPayload{
		WidgetID:    v.Widget.ID,
		Title:       v.Widget.Title,
		Display:     v.Widget.Display,
		Unavailable: v.Unavailable(),
		Weather:     v.Snapshot,
	}
	if p.Unavailable {
		p.Message = "Weather data is currently unavailable."
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Payload{}, fmt.Errorf("encode json payload: %w", err)
	}
	return Payload{ContentType: jsonContentType, Body: body, Degraded: p.Unavailable}, nil
}
