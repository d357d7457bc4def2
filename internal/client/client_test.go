package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/kjstillabower/location-weather/internal/models"
	"github.com/kjstillabower/location-weather/internal/observability"
)

const testAPIKey = "test-api-key-12345"

func newTestClient(t *testing.T, url string, timeout time.Duration) *OpenWeatherClient {
	t.Helper()
	c, err := NewOpenWeatherClient(testAPIKey, url+"/data/2.5/weather", url+"/data/2.5/forecast", timeout)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

func floatPtr(f float64) *float64 { return &f }

func TestNewOpenWeatherClient_InvalidAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		wantErr error
	}{
		{name: "empty API key", apiKey: "", wantErr: ErrInvalidAPIKey},
		{name: "too short API key", apiKey: "short", wantErr: ErrInvalidAPIKey},
		{name: "valid API key", apiKey: "valid-api-key-12345", wantErr: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewOpenWeatherClient(tt.apiKey, "https://api.test.com/w", "https://api.test.com/f", 2*time.Second)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NewOpenWeatherClient() error = %v, want %v", err, tt.wantErr)
				}
				if client != nil {
					t.Errorf("NewOpenWeatherClient() expected nil client on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewOpenWeatherClient() unexpected error: %v", err)
			}
		})
	}
}

func TestOpenWeatherClient_Fetch_Current(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/data/2.5/weather" {
			t.Errorf("path = %q, want current-weather endpoint", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("q") != "London" {
			t.Errorf("q = %q, want London", q.Get("q"))
		}
		if q.Get("units") != "metric" {
			t.Errorf("units = %q, want metric", q.Get("units"))
		}
		if q.Get("appid") != testAPIKey {
			t.Errorf("appid missing")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"name":    "London",
			"main":    map[string]interface{}{"temp": 15.0, "feels_like": 14.2, "humidity": 72},
			"weather": []map[string]interface{}{{"main": "Clouds", "description": "Cloudy", "icon": "04d"}},
			"wind":    map[string]interface{}{"speed": 4.1},
		})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2*time.Second)
	got, err := c.Fetch(context.Background(), models.Location{Name: "London"}, models.FetchOptions{Units: models.UnitsMetric})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if got.Location != "London" {
		t.Errorf("Location = %q, want London", got.Location)
	}
	if got.Current.Temperature != 15 {
		t.Errorf("Temperature = %v, want 15", got.Current.Temperature)
	}
	if got.Current.Conditions != "Cloudy" {
		t.Errorf("Conditions = %q, want Cloudy", got.Current.Conditions)
	}
	if got.Current.Humidity != 72 || got.Current.WindSpeed != 4.1 {
		t.Errorf("Humidity/WindSpeed = %d/%v, want 72/4.1", got.Current.Humidity, got.Current.WindSpeed)
	}
	if got.Units != models.UnitsMetric {
		t.Errorf("Units = %q, want metric", got.Units)
	}
	if len(got.Forecast) != 0 {
		t.Errorf("Forecast = %v, want none", got.Forecast)
	}
	if got.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}
}

func TestOpenWeatherClient_Fetch_Coordinates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("lat") != "51.5" || q.Get("lon") != "-0.12" {
			t.Errorf("lat/lon = %q/%q", q.Get("lat"), q.Get("lon"))
		}
		if q.Has("q") {
			t.Error("q must not be sent with coordinates")
		}
		if q.Get("units") != "metric" {
			t.Errorf("units default = %q, want metric", q.Get("units"))
		}
		_, _ = w.Write([]byte(`{"name":"","main":{"temp":10},"weather":[{"main":"Rain"}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2*time.Second)
	got, err := c.Fetch(context.Background(), models.Location{Lat: floatPtr(51.5), Lon: floatPtr(-0.12)}, models.FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.Location != "51.5,-0.12" {
		t.Errorf("Location = %q, want coordinate fallback", got.Location)
	}
	if got.Current.Conditions != "Rain" {
		t.Errorf("Conditions = %q, want Rain (main used without description)", got.Current.Conditions)
	}
}

func TestOpenWeatherClient_Fetch_InvalidLocationNoRequest(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2*time.Second)
	tests := []struct {
		name string
		loc  models.Location
	}{
		{"empty name", models.Location{}},
		{"whitespace name", models.Location{Name: "   "}},
		{"bad characters", models.Location{Name: "London<script>"}},
		{"latitude out of range", models.Location{Lat: floatPtr(91), Lon: floatPtr(0)}},
		{"longitude out of range", models.Location{Lat: floatPtr(0), Lon: floatPtr(-181)}},
		{"latitude only", models.Location{Name: "London", Lat: floatPtr(10)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Fetch(context.Background(), tt.loc, models.FetchOptions{})
			if !errors.Is(err, ErrInvalidLocation) {
				t.Errorf("Fetch() error = %v, want ErrInvalidLocation", err)
			}
		})
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("provider calls = %d, want 0", n)
	}
}

func TestOpenWeatherClient_Fetch_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   ErrorKind
		wantIs     error
		providerEr bool
	}{
		{name: "not found", status: 404, body: `{"cod":"404"}`, wantIs: ErrInvalidLocation},
		{name: "unauthorized", status: 401, wantKind: KindBadResponse, wantIs: ErrInvalidAPIKey, providerEr: true},
		{name: "rate limited", status: 429, wantKind: KindBadResponse, wantIs: ErrRateLimited, providerEr: true},
		{name: "server error", status: 503, wantKind: KindBadResponse, wantIs: ErrUpstreamFailure, providerEr: true},
		{name: "teapot", status: 418, wantKind: KindBadResponse, providerEr: true},
		{name: "malformed json", status: 200, body: `{"name":`, wantKind: KindBadResponse, providerEr: true},
		{name: "missing main", status: 200, body: `{"name":"x","weather":[{"main":"Rain"}]}`, wantKind: KindBadResponse, providerEr: true},
		{name: "empty weather", status: 200, body: `{"name":"x","main":{"temp":1},"weather":[]}`, wantKind: KindBadResponse, providerEr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, 2*time.Second)
			_, err := c.Fetch(context.Background(), models.Location{Name: "London"}, models.FetchOptions{})
			if err == nil {
				t.Fatal("Fetch() expected error")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("error = %v, want errors.Is %v", err, tt.wantIs)
			}
			if tt.providerEr && !IsKind(err, tt.wantKind) {
				t.Errorf("error = %v, want kind %s", err, tt.wantKind)
			}
		})
	}
}

func TestOpenWeatherClient_Fetch_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 50*time.Millisecond)
	_, err := c.Fetch(context.Background(), models.Location{Name: "London"}, models.FetchOptions{})
	if !IsKind(err, KindTimeout) {
		t.Fatalf("Fetch() error = %v, want timeout kind", err)
	}
}

func TestOpenWeatherClient_Fetch_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := newTestClient(t, url, time.Second)
	_, err := c.Fetch(context.Background(), models.Location{Name: "London"}, models.FetchOptions{})
	if !IsKind(err, KindNetwork) {
		t.Fatalf("Fetch() error = %v, want network kind", err)
	}
}

func TestOpenWeatherClient_Fetch_Forecast(t *testing.T) {
	day1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	slot := func(at time.Time, min, max float64, desc string) map[string]interface{} {
		return map[string]interface{}{
			"dt":      at.Unix(),
			"main":    map[string]interface{}{"temp": (min + max) / 2, "temp_min": min, "temp_max": max, "humidity": 50},
			"weather": []map[string]interface{}{{"main": desc, "description": desc, "icon": "01d"}},
			"wind":    map[string]interface{}{"speed": 2.0},
		}
	}

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/data/2.5/forecast" {
			t.Errorf("path = %q, want forecast endpoint", r.URL.Path)
		}
		if got := r.URL.Query().Get("cnt"); got != "16" {
			t.Errorf("cnt = %q, want 16", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"city": map[string]interface{}{"name": "Paris", "timezone": 0},
			"list": []interface{}{
				// listed out of order on purpose
				slot(day1.Add(36*time.Hour), 8, 12, "rain"),
				slot(day1.Add(9*time.Hour), 4, 9, "mist"),
				slot(day1.Add(12*time.Hour), 6, 14, "sun"),
				slot(day1.Add(18*time.Hour), 3, 10, "cloud"),
			},
		})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2*time.Second)
	got, err := c.Fetch(context.Background(), models.Location{Name: "Paris"}, models.FetchOptions{Units: models.UnitsImperial, ForecastDays: 2})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("provider calls = %d, want exactly 1", n)
	}
	if got.Units != models.UnitsImperial {
		t.Errorf("Units = %q", got.Units)
	}
	if len(got.Forecast) != 2 {
		t.Fatalf("Forecast len = %d, want 2", len(got.Forecast))
	}
	first := got.Forecast[0]
	if !first.Date.Equal(day1) {
		t.Errorf("Forecast[0].Date = %v, want %v", first.Date, day1)
	}
	if first.TempMin != 3 || first.TempMax != 14 {
		t.Errorf("Forecast[0] min/max = %v/%v, want 3/14", first.TempMin, first.TempMax)
	}
	if first.Conditions != "sun" {
		t.Errorf("Forecast[0].Conditions = %q, want midday slot", first.Conditions)
	}
	if got.Forecast[1].Conditions != "rain" || !got.Forecast[1].Date.After(first.Date) {
		t.Errorf("Forecast[1] = %+v, want next day rain", got.Forecast[1])
	}
}

func TestOpenWeatherClient_Fetch_ForecastCapsSlots(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("cnt"); got != "40" {
			t.Errorf("cnt = %q, want 40", got)
		}
		_, _ = w.Write([]byte(`{"city":{"name":"X"},"list":[]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2*time.Second)
	_, err := c.Fetch(context.Background(), models.Location{Name: "X"}, models.FetchOptions{ForecastDays: 9})
	if !IsKind(err, KindBadResponse) {
		t.Errorf("empty list error = %v, want bad response", err)
	}
}

func TestOpenWeatherClient_CircuitBreaker(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, time.Second)
	c.SetCircuitBreaker(NewCircuitBreaker(2, time.Minute))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.Fetch(ctx, models.Location{Name: "London"}, models.FetchOptions{})
		if !errors.Is(err, ErrUpstreamFailure) {
			t.Fatalf("call %d error = %v, want upstream failure", i, err)
		}
	}
	_, err := c.Fetch(ctx, models.Location{Name: "London"}, models.FetchOptions{})
	if !errors.Is(err, ErrCircuitOpen) || !IsKind(err, KindNetwork) {
		t.Fatalf("error = %v, want open circuit as network kind", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("provider calls = %d, want 2 (third short-circuited)", n)
	}
}

func apiCalls(t *testing.T, status string) float64 {
	t.Helper()
	var m dto.Metric
	if err := observability.WeatherAPICallsTotal.WithLabelValues(status).Write(&m); err != nil {
		t.Fatalf("read weatherApiCallsTotal: %v", err)
	}
	return m.GetCounter().GetValue()
}

// TestOpenWeatherClient_ServerErrorLabelWithBreaker verifies a 5xx is counted as server_error
// whether or not the breaker wraps the call.
func TestOpenWeatherClient_ServerErrorLabelWithBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	for _, withBreaker := range []bool{false, true} {
		c := newTestClient(t, server.URL, time.Second)
		if withBreaker {
			c.SetCircuitBreaker(NewCircuitBreaker(5, time.Minute))
		}
		serverBefore, errorBefore := apiCalls(t, "server_error"), apiCalls(t, "error")

		if _, err := c.Fetch(context.Background(), models.Location{Name: "London"}, models.FetchOptions{}); !errors.Is(err, ErrUpstreamFailure) {
			t.Fatalf("breaker=%v: error = %v, want upstream failure", withBreaker, err)
		}
		if got := apiCalls(t, "server_error") - serverBefore; got != 1 {
			t.Errorf("breaker=%v: server_error calls = %v, want 1", withBreaker, got)
		}
		if got := apiCalls(t, "error") - errorBefore; got != 0 {
			t.Errorf("breaker=%v: error calls = %v, want 0", withBreaker, got)
		}
	}
}

func TestOpenWeatherClient_CircuitBreakerIgnoresClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, time.Second)
	c.SetCircuitBreaker(NewCircuitBreaker(1, time.Minute))
	for i := 0; i < 3; i++ {
		_, err := c.Fetch(context.Background(), models.Location{Name: "Nowhere"}, models.FetchOptions{})
		if !errors.Is(err, ErrInvalidLocation) {
			t.Fatalf("call %d error = %v, want ErrInvalidLocation", i, err)
		}
	}
}

func TestOpenWeatherClient_ForwardsCorrelationID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Correlation-ID"); !strings.HasPrefix(got, "corr-") {
			t.Errorf("X-Correlation-ID = %q", got)
		}
		_, _ = w.Write([]byte(`{"name":"London","main":{"temp":1},"weather":[{"main":"Clear"}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, time.Second)
	ctx := observability.ContextWithCorrelationID(context.Background(), "corr-123")
	if _, err := c.Fetch(ctx, models.Location{Name: "London"}, models.FetchOptions{}); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
}

func TestOpenWeatherClient_ValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"valid", http.StatusOK, nil},
		{"unauthorized", http.StatusUnauthorized, ErrInvalidAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, time.Second)
			err := c.ValidateAPIKey(context.Background())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("ValidateAPIKey() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateAPIKey() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
