// Package render turns widget configurations and weather snapshots into display payloads.
package render

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kjstillabower/location-weather/internal/models"
	"github.com/kjstillabower/location-weather/internal/observability"
	"github.com/kjstillabower/location-weather/internal/widget"
)

// ErrNotFound is returned (wrapped in a *RenderError) for unknown widget ids.
var ErrNotFound = widget.ErrNotFound

// Render outcomes used for metrics and traffic tracking.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeNotFound = "not_found"
)

// Payload is a rendered widget.
type Payload struct {
	ContentType string
	Body        []byte
	Degraded    bool
}

// RenderError reports why a widget could not be rendered at all.
type RenderError struct {
	WidgetID string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render widget %q: %v", e.WidgetID, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// SnapshotSource provides weather snapshots, normally through the response cache.
type SnapshotSource interface {
	Snapshot(ctx context.Context, location models.Location, opts models.FetchOptions) (models.WeatherSnapshot, error)
}

// OutcomeRecorder receives one call per completed render.
type OutcomeRecorder interface {
	RecordRendered()
	RecordDegraded()
}

// View is the input to a theme renderer. Snapshot is nil when weather is unavailable.
type View struct {
	Widget   *models.WidgetConfig
	Snapshot *models.WeatherSnapshot
}

// Unavailable reports whether the view should show the placeholder.
func (v View) Unavailable() bool {
	return v.Snapshot == nil
}

// ThemeRenderer produces a payload for one theme. Output must depend only on the view.
type ThemeRenderer interface {
	Render(v View) (Payload, error)
}

// themes maps a widget theme to its renderer.
var themes = map[string]ThemeRenderer{
	models.ThemeVertical:   verticalRenderer,
	models.ThemeHorizontal: horizontalRenderer,
	models.ThemeJSON:       jsonRenderer{},
}

func themeRenderer(theme string) (string, ThemeRenderer) {
	if r, ok := themes[theme]; ok {
		return theme, r
	}
	return models.ThemeVertical, themes[models.ThemeVertical]
}

// ShortcodeRenderer renders widgets by id.
type ShortcodeRenderer struct {
	widgets  widget.Store
	weather  SnapshotSource
	outcomes OutcomeRecorder
	logger   *zap.Logger
}

// NewShortcodeRenderer creates a renderer. outcomes and logger may be nil.
func NewShortcodeRenderer(widgets widget.Store, weather SnapshotSource, outcomes OutcomeRecorder, logger *zap.Logger) *ShortcodeRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShortcodeRenderer{widgets: widgets, weather: weather, outcomes: outcomes, logger: logger}
}

// Render produces the payload for widgetID. Unknown ids fail with a *RenderError wrapping
// ErrNotFound before any weather is requested. Weather failures never fail the render: the
// widget is rendered with an unavailable placeholder and Payload.Degraded set.
func (r *ShortcodeRenderer) Render(ctx context.Context, widgetID string) (Payload, error) {
	logger := observability.LoggerFromContext(ctx, r.logger)

	cfg, err := r.widgets.Lookup(widgetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			observability.RecordWidgetRender(widgetID, "none", OutcomeNotFound)
		}
		return Payload{}, &RenderError{WidgetID: widgetID, Err: err}
	}
	theme, renderer := themeRenderer(cfg.Display.Theme)

	view := View{Widget: cfg}
	snap, err := r.weather.Snapshot(ctx, cfg.Location, cfg.Display.FetchOptions())
	if err != nil {
		logger.Warn("weather unavailable, rendering placeholder",
			zap.String("widget_id", widgetID),
			zap.Error(&RenderError{WidgetID: widgetID, Err: err}))
	} else {
		view.Snapshot = &snap
	}

	payload, err := renderer.Render(view)
	if err != nil {
		return Payload{}, &RenderError{WidgetID: widgetID, Err: err}
	}

	outcome := OutcomeOK
	if payload.Degraded {
		outcome = OutcomeDegraded
	}
	observability.RecordWidgetRender(widgetID, theme, outcome)
	if r.outcomes != nil {
		if payload.Degraded {
			r.outcomes.RecordDegraded()
		} else {
			r.outcomes.RecordRendered()
		}
	}
	return payload, nil
}
