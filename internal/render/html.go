package render

import (
	"bytes"
	"fmt"
	"html/template"
	"math"
	"strconv"

	"github.com/kjstillabower/location-weather/internal/models"
)

const htmlContentType = "text/html; charset=utf-8"

const iconURL = "https://openweathermap.org/img/wn/%s@2x.png"

var funcs = template.FuncMap{
	"temp":  formatTemp,
	"speed": formatSpeed,
	"day":   func(d models.ForecastEntry) string { return d.Date.Format("Mon 2 Jan") },
	"icon":  func(code string) string { return fmt.Sprintf(iconURL, code) },
}

const verticalTemplate = `<div class="lw-widget lw-vertical" data-widget-id="{{.Widget.ID}}">
{{- with .Widget.Title}}
  <h3 class="lw-title">{{.}}</h3>
{{- end}}
{{- if .Unavailable}}
  <p class="lw-unavailable">Weather data is currently unavailable.</p>
{{- else}}
{{- $u := .Snapshot.Units}}
  <div class="lw-location">{{.Snapshot.Location}}</div>
  <div class="lw-current">
{{- with .Snapshot.Current.Icon}}
    <img class="lw-icon" src="{{icon .}}" alt="">
{{- end}}
    <span class="lw-temp">{{temp .Snapshot.Current.Temperature}}{{$u.TemperatureSymbol}}</span>
    <span class="lw-conditions">{{.Snapshot.Current.Conditions}}</span>
  </div>
{{- if .Widget.Display.ShowHumidity}}
  <div class="lw-humidity">Humidity: {{.Snapshot.Current.Humidity}}%</div>
{{- end}}
{{- if .Widget.Display.ShowWind}}
  <div class="lw-wind">Wind: {{speed .Snapshot.Current.WindSpeed}} {{$u.SpeedSymbol}}</div>
{{- end}}
{{- with .Snapshot.Forecast}}
  <ul class="lw-forecast">
{{- range .}}
    <li><span class="lw-day">{{day .}}</span> <span class="lw-range">{{temp .TempMin}}{{$u.TemperatureSymbol}} / {{temp .TempMax}}{{$u.TemperatureSymbol}}</span> <span class="lw-conditions">{{.Conditions}}</span></li>
{{- end}}
  </ul>
{{- end}}
{{- end}}
</div>
`

const horizontalTemplate = `<div class="lw-widget lw-horizontal" data-widget-id="{{.Widget.ID}}">
{{- if .Unavailable}}
  <span class="lw-unavailable">{{with .Widget.Title}}{{.}}: {{end}}Weather data is currently unavailable.</span>
{{- else}}
{{- $u := .Snapshot.Units}}
  <div class="lw-row">
    <span class="lw-location">{{with .Widget.Title}}{{.}}{{else}}{{$.Snapshot.Location}}{{end}}</span>
    <span class="lw-temp">{{temp .Snapshot.Current.Temperature}}{{$u.TemperatureSymbol}}</span>
    <span class="lw-conditions">{{.Snapshot.Current.Conditions}}</span>
{{- if .Widget.Display.ShowHumidity}}
    <span class="lw-humidity">{{.Snapshot.Current.Humidity}}%</span>
{{- end}}
{{- if .Widget.Display.ShowWind}}
    <span class="lw-wind">{{speed .Snapshot.Current.WindSpeed}} {{$u.SpeedSymbol}}</span>
{{- end}}
  </div>
{{- with .Snapshot.Forecast}}
  <div class="lw-row lw-forecast">
{{- range .}}
    <span class="lw-day">{{day .}} {{temp .TempMin}}/{{temp .TempMax}}{{$u.TemperatureSymbol}}</span>
{{- end}}
  </div>
{{- end}}
{{- end}}
</div>
`

// htmlRenderer renders a View through an html/template fragment.
type htmlRenderer struct {
	tmpl *template.Template
}

var (
	verticalRenderer   = htmlRenderer{tmpl: template.Must(template.New(models.ThemeVertical).Funcs(funcs).Parse(verticalTemplate))}
	horizontalRenderer = htmlRenderer{tmpl: template.Must(template.New(models.ThemeHorizontal).Funcs(funcs).Parse(horizontalTemplate))}
)

func (h htmlRenderer) Render(v View) (Payload, error) {
	var buf bytes.Buffer
	if err := h.tmpl.Execute(&buf, v); err != nil {
		return Payload{}, fmt.Errorf("execute %s template: %w", h.tmpl.Name(), err)
	}
	return Payload{ContentType: htmlContentType, Body: buf.Bytes(), Degraded: v.Unavailable()}, nil
}

// formatTemp rounds to whole degrees without a negative zero.
func formatTemp(v float64) string {
	r := math.Round(v)
	if r == 0 {
		r = 0
	}
	return strconv.FormatFloat(r, 'f', 0, 64)
}

func formatSpeed(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
