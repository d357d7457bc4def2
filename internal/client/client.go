package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/location-weather/internal/models"
	"github.com/kjstillabower/location-weather/internal/observability"
	"github.com/kjstillabower/location-weather/internal/validation"
)

const (
	maxLocationLength = 100
	slotsPerDay       = 8 // forecast endpoint returns 3-hour slots
	maxForecastSlots  = models.MaxForecastDays * slotsPerDay
	maxBodyBytes      = 1 << 20
)

// WeatherClient fetches weather snapshots from an upstream provider.
type WeatherClient interface {
	Fetch(ctx context.Context, location models.Location, opts models.FetchOptions) (models.WeatherSnapshot, error)
	ValidateAPIKey(ctx context.Context) error
}

// OpenWeatherClient talks to the OpenWeatherMap 2.5 API. Every Fetch is a single attempt:
// failures are returned to the caller and never retried here.
type OpenWeatherClient struct {
	apiKey      string
	currentURL  string
	forecastURL string
	timeout     time.Duration
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker
	now         func() time.Time
}

// NewOpenWeatherClient creates a client for the current-weather and forecast endpoints.
// timeout bounds each outbound request.
func NewOpenWeatherClient(apiKey, currentURL, forecastURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("weather client: timeout must be positive")
	}
	for _, u := range []string{currentURL, forecastURL} {
		if _, err := url.Parse(u); err != nil || u == "" {
			return nil, fmt.Errorf("weather client: invalid API URL %q", u)
		}
	}

	return &OpenWeatherClient{
		apiKey:      apiKey,
		currentURL:  currentURL,
		forecastURL: forecastURL,
		timeout:     timeout,
		client:      &http.Client{Timeout: timeout},
		now:         time.Now,
	}, nil
}

// SetCircuitBreaker makes the client fail fast while cb is open. Pass nil to disable.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *gobreaker.CircuitBreaker) {
	c.breaker = cb
}

type owCondition struct {
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type owMain struct {
	Temp      float64 `json:"temp"`
	FeelsLike float64 `json:"feels_like"`
	TempMin   float64 `json:"temp_min"`
	TempMax   float64 `json:"temp_max"`
	Humidity  int     `json:"humidity"`
}

type owWind struct {
	Speed float64 `json:"speed"`
}

type currentResponse struct {
	Name    string        `json:"name"`
	Main    *owMain       `json:"main"`
	Weather []owCondition `json:"weather"`
	Wind    owWind        `json:"wind"`
}

type forecastSlot struct {
	Dt      int64         `json:"dt"`
	Main    *owMain       `json:"main"`
	Weather []owCondition `json:"weather"`
	Wind    owWind        `json:"wind"`
}

type forecastResponse struct {
	City struct {
		Name     string `json:"name"`
		Timezone int64  `json:"timezone"`
	} `json:"city"`
	List []forecastSlot `json:"list"`
}

// Fetch returns a fully populated snapshot for location or an error. Locations that fail
// validation return ErrInvalidLocation without any network I/O; everything else that goes
// wrong is a *ProviderError.
func (c *OpenWeatherClient) Fetch(ctx context.Context, location models.Location, opts models.FetchOptions) (models.WeatherSnapshot, error) {
	params, err := locationParams(location)
	if err != nil {
		return models.WeatherSnapshot{}, err
	}
	units := opts.Units
	if units == "" {
		units = models.UnitsMetric
	}
	params.Set("units", string(units))

	endpoint := c.currentURL
	if opts.ForecastDays > 0 {
		endpoint = c.forecastURL
		cnt := opts.ForecastDays * slotsPerDay
		if cnt > maxForecastSlots {
			cnt = maxForecastSlots
		}
		params.Set("cnt", strconv.Itoa(cnt))
	}

	body, err := c.get(ctx, endpoint, params)
	if err != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return models.WeatherSnapshot{}, err
	}

	var snap models.WeatherSnapshot
	if opts.ForecastDays > 0 {
		snap, err = c.mapForecast(body, opts.ForecastDays)
	} else {
		snap, err = c.mapCurrent(body)
	}
	if err != nil {
		pe := newProviderError(KindBadResponse, http.StatusOK, err)
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(pe))).Inc()
		return models.WeatherSnapshot{}, pe
	}
	if snap.Location == "" {
		snap.Location = displayName(location)
	}
	snap.Units = units
	return snap, nil
}

// locationParams validates location and returns the query parameters identifying it.
func locationParams(location models.Location) (url.Values, error) {
	params := url.Values{}
	if location.Lat != nil || location.Lon != nil {
		if !location.HasCoordinates() {
			return nil, fmt.Errorf("%w: latitude and longitude must both be set", ErrInvalidLocation)
		}
		if err := validation.ValidateCoordinates(*location.Lat, *location.Lon); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
		}
		params.Set("lat", strconv.FormatFloat(*location.Lat, 'f', -1, 64))
		params.Set("lon", strconv.FormatFloat(*location.Lon, 'f', -1, 64))
		return params, nil
	}
	name, err := validation.ValidateLocation(location.Name, 1, maxLocationLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	params.Set("q", name)
	return params, nil
}

func displayName(location models.Location) string {
	if location.HasCoordinates() {
		return strconv.FormatFloat(*location.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(*location.Lon, 'f', -1, 64)
	}
	return location.Name
}

// get performs the single outbound request and returns the body of a 2xx response.
func (c *OpenWeatherClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, endpoint, params)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return nil, newProviderError(KindNetwork, 0, fmt.Errorf("build request: %w", err))
	}

	resp, err := c.do(req)
	if err != nil {
		// the breaker turns 5xx responses into errors; label them by status all the same
		status := "error"
		var pe *ProviderError
		if errors.As(err, &pe) && pe.StatusCode > 0 {
			status = statusLabel(pe.StatusCode)
		}
		observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
		observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(fmt.Errorf("read response body: %w", err))
	}
	return body, nil
}

// do sends req through the circuit breaker when one is configured. Only transport failures
// and 5xx responses count against the breaker.
func (c *OpenWeatherClient) do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, classifyTransportError(err)
		}
		return resp, nil
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, classifyTransportError(err)
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, newProviderError(KindBadResponse, resp.StatusCode, fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode))
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, newProviderError(KindNetwork, 0, fmt.Errorf("%w: %v", ErrCircuitOpen, err))
		}
		return nil, err
	}
	resp, ok := result.(*http.Response)
	if !ok {
		return nil, newProviderError(KindNetwork, 0, fmt.Errorf("unexpected circuit breaker result %T", result))
	}
	return resp, nil
}

// classifyTransportError maps an error from http.Client.Do to a Timeout or Network ProviderError.
func classifyTransportError(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return newProviderError(KindTimeout, 0, fmt.Errorf("request timeout: %w", err))
	}
	return newProviderError(KindNetwork, 0, fmt.Errorf("http request failed: %w", err))
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	baseURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	q := baseURL.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	q.Set("appid", c.apiKey)
	baseURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return newProviderError(KindBadResponse, resp.StatusCode, ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w: provider could not resolve location", ErrInvalidLocation)
	case http.StatusTooManyRequests:
		return newProviderError(KindBadResponse, resp.StatusCode, ErrRateLimited)
	}
	if resp.StatusCode >= 500 {
		return newProviderError(KindBadResponse, resp.StatusCode, fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newProviderError(KindBadResponse, resp.StatusCode, fmt.Errorf("unexpected status HTTP %d", resp.StatusCode))
	}
	return nil
}

func (c *OpenWeatherClient) mapCurrent(body []byte) (models.WeatherSnapshot, error) {
	var apiResp currentResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.WeatherSnapshot{}, fmt.Errorf("parse response: %w", err)
	}
	if apiResp.Main == nil || len(apiResp.Weather) == 0 {
		return models.WeatherSnapshot{}, errors.New("parse response: missing main or weather fields")
	}

	return models.WeatherSnapshot{
		Location:  apiResp.Name,
		FetchedAt: c.now().UTC(),
		Current: models.Conditions{
			Temperature: apiResp.Main.Temp,
			FeelsLike:   apiResp.Main.FeelsLike,
			Humidity:    apiResp.Main.Humidity,
			WindSpeed:   apiResp.Wind.Speed,
			Conditions:  conditionText(apiResp.Weather[0]),
			Icon:        apiResp.Weather[0].Icon,
		},
	}, nil
}

// mapForecast uses the first slot as current conditions and groups the slots into at most
// days local-date buckets in ascending order.
func (c *OpenWeatherClient) mapForecast(body []byte, days int) (models.WeatherSnapshot, error) {
	var apiResp forecastResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.WeatherSnapshot{}, fmt.Errorf("parse response: %w", err)
	}
	if len(apiResp.List) == 0 {
		return models.WeatherSnapshot{}, errors.New("parse response: empty forecast list")
	}
	for i, slot := range apiResp.List {
		if slot.Main == nil || len(slot.Weather) == 0 {
			return models.WeatherSnapshot{}, fmt.Errorf("parse response: forecast slot %d incomplete", i)
		}
	}

	first := apiResp.List[0]
	snap := models.WeatherSnapshot{
		Location:  apiResp.City.Name,
		FetchedAt: c.now().UTC(),
		Current: models.Conditions{
			Temperature: first.Main.Temp,
			FeelsLike:   first.Main.FeelsLike,
			Humidity:    first.Main.Humidity,
			WindSpeed:   first.Wind.Speed,
			Conditions:  conditionText(first.Weather[0]),
			Icon:        first.Weather[0].Icon,
		},
		Forecast: aggregateDays(apiResp.List, apiResp.City.Timezone, days),
	}
	return snap, nil
}

type dayBucket struct {
	date    time.Time
	entry   models.ForecastEntry
	midDist int // distance in hours from local midday of the slot chosen for conditions
}

func aggregateDays(slots []forecastSlot, tzOffset int64, days int) []models.ForecastEntry {
	buckets := make(map[string]*dayBucket)
	for _, slot := range slots {
		local := time.Unix(slot.Dt+tzOffset, 0).UTC()
		key := local.Format("2006-01-02")
		dist := local.Hour() - 12
		if dist < 0 {
			dist = -dist
		}
		b, ok := buckets[key]
		if !ok {
			b = &dayBucket{
				date: time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC),
				entry: models.ForecastEntry{
					TempMin: slot.Main.TempMin,
					TempMax: slot.Main.TempMax,
				},
				midDist: dist + 1, // force the first slot to win below
			}
			buckets[key] = b
		}
		if slot.Main.TempMin < b.entry.TempMin {
			b.entry.TempMin = slot.Main.TempMin
		}
		if slot.Main.TempMax > b.entry.TempMax {
			b.entry.TempMax = slot.Main.TempMax
		}
		if dist < b.midDist {
			b.midDist = dist
			b.entry.Conditions = conditionText(slot.Weather[0])
			b.entry.Icon = slot.Weather[0].Icon
		}
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]models.ForecastEntry, 0, days)
	for _, k := range keys {
		if len(out) >= days {
			break
		}
		b := buckets[k]
		b.entry.Date = b.date
		out = append(out, b.entry)
	}
	return out
}

func conditionText(w owCondition) string {
	if w.Description != "" {
		return w.Description
	}
	return w.Main
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey issues a lightweight current-weather request and reports whether the key is accepted.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("q", "London")
	req, err := c.buildRequest(ctx, c.currentURL, params)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
