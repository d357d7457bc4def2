package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/location-weather/internal/lifecycle"
	"github.com/kjstillabower/location-weather/internal/observability"
	"github.com/kjstillabower/location-weather/internal/render"
	"github.com/kjstillabower/location-weather/internal/traffic"
	"github.com/kjstillabower/location-weather/internal/validation"
	"github.com/kjstillabower/location-weather/internal/widget"
)

// WidgetRenderer renders a widget by id.
type WidgetRenderer interface {
	Render(ctx context.Context, widgetID string) (render.Payload, error)
}

// APIKeyValidator checks upstream credentials for the health endpoint.
type APIKeyValidator interface {
	ValidateAPIKey(ctx context.Context) error
}

// HealthConfig holds thresholds and identity reported by the health handler.
type HealthConfig struct {
	Service     string
	Version     string
	Window      time.Duration
	DegradedPct int // 0 disables the degraded-render check
	// OverloadPct is the share of the rate limit (RPS * window) that denials may reach before
	// the service reports overloaded. 0 disables the check.
	OverloadPct  int
	RateLimitRPS int
	// CachePing, when set, is called to check cache reachability. Used for remote backends.
	CachePing func(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	renderer     WidgetRenderer
	widgets      widget.Store
	apiKey       APIKeyValidator
	tracker      *traffic.Tracker
	state        *lifecycle.State
	healthConfig *HealthConfig
	logger       *zap.Logger

	reloadWidgets func(ctx context.Context) error

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. apiKey, tracker and healthConfig may be nil.
func NewHandler(
	renderer WidgetRenderer,
	widgets widget.Store,
	apiKey APIKeyValidator,
	tracker *traffic.Tracker,
	state *lifecycle.State,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if state == nil {
		state = &lifecycle.State{}
		state.MarkServing()
	}
	return &Handler{
		renderer:     renderer,
		widgets:      widgets,
		apiKey:       apiKey,
		tracker:      tracker,
		state:        state,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// SetWidgetReloader enables POST /admin/widgets/reload with the store's reload function.
func (h *Handler) SetWidgetReloader(reload func(ctx context.Context) error) {
	h.reloadWidgets = reload
}

// ajaxActions maps POST /ajax/{action} names to their handlers. The splw_ name is the action
// existing page scripts post to.
var ajaxActions = map[string]func(*Handler, http.ResponseWriter, *http.Request){
	"location_weather":           (*Handler).ajaxLocationWeather,
	"splw_ajax_location_weather": (*Handler).ajaxLocationWeather,
}

// PostAjax handles POST /ajax/{action}.
func (h *Handler) PostAjax(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	fn, ok := ajaxActions[action]
	if !ok {
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown ajax action: "+action)
		return
	}
	fn(h, w, r)
}

// ajaxLocationWeather renders the widget named by form field id, or by the shortcode in form
// field shortcode when id is absent. Unknown widgets produce an empty 200 response; weather
// failures produce the widget's unavailable placeholder.
func (h *Handler) ajaxLocationWeather(w http.ResponseWriter, r *http.Request) {
	id, err := ajaxWidgetID(r)
	if err != nil {
		code := "INVALID_WIDGET_ID"
		if errors.Is(err, render.ErrNoShortcode) {
			code = "INVALID_SHORTCODE"
		}
		writeError(w, r, http.StatusBadRequest, code, err.Error())
		return
	}

	payload, err := h.renderer.Render(r.Context(), id)
	if err != nil {
		logger := observability.LoggerFromContext(r.Context(), h.logger)
		if errors.Is(err, render.ErrNotFound) {
			logger.Debug("ajax render for unknown widget", zap.String("widget_id", id))
		} else {
			logger.Error("ajax render failed", zap.String("widget_id", id), zap.Error(err))
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	writePayload(w, payload)
}

func ajaxWidgetID(r *http.Request) (string, error) {
	raw := r.PostFormValue("id")
	if shortcode := r.PostFormValue("shortcode"); raw == "" && shortcode != "" {
		return render.ParseShortcode(shortcode)
	}
	return validation.ValidateWidgetID(raw)
}

// GetWidget handles GET /widgets/{id}: server-side rendering of the same payload the AJAX
// action returns.
func (h *Handler) GetWidget(w http.ResponseWriter, r *http.Request) {
	id, err := validation.ValidateWidgetID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_WIDGET_ID", err.Error())
		return
	}

	payload, err := h.renderer.Render(r.Context(), id)
	if err != nil {
		if errors.Is(err, render.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "WIDGET_NOT_FOUND", "no widget with id "+id)
			return
		}
		observability.LoggerFromContext(r.Context(), h.logger).Error("render failed", zap.String("widget_id", id), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "RENDER_FAILED", "widget could not be rendered")
		return
	}
	writePayload(w, payload)
}

type widgetSummary struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	Theme    string `json:"theme"`
	Location string `json:"location"`
}

// ListWidgets handles GET /admin/widgets.
func (h *Handler) ListWidgets(w http.ResponseWriter, r *http.Request) {
	list := h.widgets.List()
	out := make([]widgetSummary, 0, len(list))
	for _, cfg := range list {
		loc := cfg.Location.Name
		if cfg.Location.HasCoordinates() {
			loc = formatCoordinates(*cfg.Location.Lat, *cfg.Location.Lon)
		}
		out = append(out, widgetSummary{ID: cfg.ID, Title: cfg.Title, Theme: cfg.Display.Theme, Location: loc})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"widgets": out,
		"count":   len(out),
	})
}

// ReloadWidgets handles POST /admin/widgets/reload. A failed reload keeps the previous catalog.
func (h *Handler) ReloadWidgets(w http.ResponseWriter, r *http.Request) {
	if h.reloadWidgets == nil {
		writeError(w, r, http.StatusNotImplemented, "RELOAD_UNSUPPORTED", "widget store cannot be reloaded")
		return
	}
	logger := observability.LoggerFromContext(r.Context(), h.logger)
	if err := h.reloadWidgets(r.Context()); err != nil {
		logger.Error("widget reload failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "RELOAD_FAILED", err.Error())
		return
	}
	count := len(h.widgets.List())
	logger.Info("widgets reloaded", zap.Int("count", count))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reloaded",
		"count":  count,
	})
}

func formatCoordinates(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lon, 'f', -1, 64)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherApi": "healthy"}
	if result.reason == "api_key_invalid" {
		checks["weatherApi"] = "unhealthy"
	}
	service, version := "location-weather", "dev"
	if h.healthConfig != nil {
		if h.healthConfig.Service != "" {
			service = h.healthConfig.Service
		}
		if h.healthConfig.Version != "" {
			version = h.healthConfig.Version
		}
		if h.healthConfig.CachePing != nil {
			if h.healthConfig.CachePing(r.Context()) == nil {
				checks["cache"] = "healthy"
			} else {
				checks["cache"] = "unhealthy"
			}
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   service,
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// lifecycle phase > API key invalid > overloaded > degraded renders > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	switch phase := h.state.Phase(); phase {
	case lifecycle.PhaseDraining:
		return healthResult{phase.String(), http.StatusServiceUnavailable, "signal"}
	case lifecycle.PhaseStarting:
		return healthResult{phase.String(), http.StatusServiceUnavailable, "warming"}
	}
	if h.apiKey != nil {
		if err := h.apiKey.ValidateAPIKey(ctx); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
		}
	}
	if h.healthConfig == nil || h.tracker == nil || h.healthConfig.Window <= 0 {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	cfg := h.healthConfig

	if cfg.OverloadPct > 0 && cfg.RateLimitRPS > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.Window.Seconds() * float64(cfg.OverloadPct) / 100
		if float64(h.tracker.DenialCount(cfg.Window)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if cfg.DegradedPct > 0 {
		degraded, total := h.tracker.DegradedRate(cfg.Window)
		if total > 0 && float64(degraded)*100/float64(total) >= float64(cfg.DegradedPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "degraded_render_rate"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writePayload writes a rendered widget. Degraded payloads are still 200.
func writePayload(w http.ResponseWriter, p render.Payload) {
	w.Header().Set("Content-Type", p.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	if p.Degraded {
		w.Header().Set("X-Widget-Degraded", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(p.Body)
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}
