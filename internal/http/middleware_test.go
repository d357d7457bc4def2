package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/location-weather/internal/observability"
	"github.com/kjstillabower/location-weather/internal/render"
	"github.com/kjstillabower/location-weather/internal/traffic"
)

func okPayloadRenderer() *mockRenderer {
	return &mockRenderer{payload: render.Payload{ContentType: "text/html; charset=utf-8", Body: []byte("<div></div>")}}
}

func TestMiddleware_CorrelationIDGenerated(t *testing.T) {
	h := NewHandler(okPayloadRenderer(), mapStore{}, nil, nil, servingState(), nil, zap.NewNop())

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware(NewInFlightTracker()))
	router.HandleFunc("/ajax/{action}", h.PostAjax).Methods("POST")

	w := postAjax(router, "location_weather", url.Values{"id": {"w1"}})

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	var seen string

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.New(core)))
	router.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationIDFromContext(r.Context())
		observability.LoggerFromContext(r.Context(), zap.NewNop()).Info("echo")
	})

	req := httptest.NewRequest("GET", "/echo", nil)
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
	if seen != "client-provided-id" {
		t.Errorf("context correlation id = %q", seen)
	}
	entries := logs.FilterMessage("echo").All()
	if len(entries) != 1 || entries[0].ContextMap()["correlation_id"] != "client-provided-id" {
		t.Errorf("request logger missing correlation_id: %v", entries)
	}
}

func TestMiddleware_ErrorCarriesRequestID(t *testing.T) {
	h := NewHandler(&mockRenderer{}, mapStore{}, nil, nil, servingState(), nil, zap.NewNop())

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/ajax/{action}", h.PostAjax).Methods("POST")

	req := httptest.NewRequest("POST", "/ajax/location_weather", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if resp := decodeError(t, w); resp.Error.RequestID != "abc-123" {
		t.Errorf("requestId = %q, want abc-123", resp.Error.RequestID)
	}
}

func TestMetricsMiddleware_TracksInFlight(t *testing.T) {
	inflight := NewInFlightTracker()
	var during int64

	router := mux.NewRouter()
	router.Use(MetricsMiddleware(inflight))
	router.HandleFunc("/widgets/{id}", func(w http.ResponseWriter, r *http.Request) {
		during = inflight.Count()
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/widgets/w1", nil))

	if during != 1 {
		t.Errorf("in-flight during request = %d, want 1", during)
	}
	if got := inflight.Count(); got != 0 {
		t.Errorf("in-flight after request = %d, want 0", got)
	}
	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, recorder must pass through status", w.Code)
	}
}

func TestGetRoute(t *testing.T) {
	var route string
	router := mux.NewRouter()
	router.HandleFunc("/widgets/{id}", func(w http.ResponseWriter, r *http.Request) {
		route = getRoute(r)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/widgets/london-home", nil))

	if route != "/widgets/{id}" {
		t.Errorf("getRoute = %q, want /widgets/{id}", route)
	}
	if got := getRoute(httptest.NewRequest("GET", "/nowhere", nil)); got != "unmatched" {
		t.Errorf("getRoute without route = %q, want unmatched", got)
	}
}

func TestStatusCodeString(t *testing.T) {
	tests := map[int]string{200: "2xx", 404: "4xx", 429: "4xx", 503: "5xx"}
	for code, want := range tests {
		if got := statusCodeString(code); got != want {
			t.Errorf("statusCodeString(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var deadlineSet bool
	var ctxErr error

	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(20 * time.Millisecond))
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		_, deadlineSet = r.Context().Deadline()
		<-r.Context().Done()
		ctxErr = r.Context().Err()
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/slow", nil))

	if !deadlineSet {
		t.Error("request context has no deadline")
	}
	if ctxErr != context.DeadlineExceeded {
		t.Errorf("ctx.Err() = %v, want DeadlineExceeded", ctxErr)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	h := NewHandler(okPayloadRenderer(), mapStore{}, nil, nil, servingState(), nil, zap.NewNop())
	tracker := traffic.New()
	limiter := rate.NewLimiter(1, 2)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(RateLimitMiddleware(limiter, tracker))
	router.HandleFunc("/ajax/{action}", h.PostAjax).Methods("POST")

	for i := 0; i < 3; i++ {
		w := postAjax(router, "location_weather", url.Values{"id": {"w1"}})

		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		var errResp errorResponse
		if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
			t.Fatalf("decode 429 response: %v", err)
		}
		if errResp.Error.Code != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", errResp.Error.Code)
		}
	}
	if got := tracker.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount = %d, want 1", got)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	h := NewHandler(okPayloadRenderer(), mapStore{}, nil, nil, servingState(), nil, zap.NewNop())

	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(nil, nil))
	router.HandleFunc("/ajax/{action}", h.PostAjax).Methods("POST")

	for i := 0; i < 5; i++ {
		if w := postAjax(router, "location_weather", url.Values{"id": {"w1"}}); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 (nil limiter should allow)", i, w.Code)
		}
	}
}

func TestMiddleware_MetricsRoute(t *testing.T) {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware(NewInFlightTracker()))
	router.Handle("/metrics", observability.MetricsHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

// TestSubrouter_RenderRoutesLimitedHealthNot mirrors the production router: render routes sit
// behind the limiter and deadline, health does not.
func TestSubrouter_RenderRoutesLimitedHealthNot(t *testing.T) {
	h := NewHandler(okPayloadRenderer(), mapStore{}, nil, nil, servingState(), nil, zap.NewNop())
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware(NewInFlightTracker()))

	ajax := router.PathPrefix("/ajax").Subrouter()
	ajax.Use(RateLimitMiddleware(limiter, nil))
	ajax.Use(TimeoutMiddleware(5 * time.Second))
	ajax.HandleFunc("/{action}", h.PostAjax).Methods("POST")
	router.HandleFunc("/health", h.GetHealth).Methods("GET")

	if w := postAjax(router, "location_weather", url.Values{"id": {"w1"}}); w.Code != http.StatusOK {
		t.Fatalf("first ajax status = %d, want 200", w.Code)
	}
	if w := postAjax(router, "location_weather", url.Values{"id": {"w1"}}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second ajax status = %d, want 429", w.Code)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200 while render routes are limited", w.Code)
	}
}
