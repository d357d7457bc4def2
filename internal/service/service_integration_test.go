//go:build integration
// +build integration

package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/kjstillabower/location-weather/internal/models"
	"github.com/kjstillabower/location-weather/internal/testhelpers"
)

// TestWeatherService_LiveProvider_Integration fetches London twice against the live provider;
// the second call must be served from the cache.
func TestWeatherService_LiveProvider_Integration(t *testing.T) {
	cfg := testhelpers.GetIntegrationConfig(t)
	svc := testhelpers.SetupIntegrationService(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	loc := models.Location{Name: "London,UK"}
	opts := models.FetchOptions{Units: models.UnitsMetric, ForecastDays: 3}

	first, err := svc.Snapshot(ctx, loc, opts)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if first.Location == "" || first.Current.Conditions == "" {
		t.Errorf("snapshot missing fields: %+v", first)
	}
	if len(first.Forecast) == 0 || len(first.Forecast) > 3 {
		t.Errorf("forecast days = %d, want 1..3", len(first.Forecast))
	}

	second, err := svc.Snapshot(ctx, loc, opts)
	if err != nil {
		t.Fatalf("second Snapshot() error = %v", err)
	}
	if !second.FetchedAt.Equal(first.FetchedAt) {
		t.Errorf("second call FetchedAt = %v, want cached %v", second.FetchedAt, first.FetchedAt)
	}
}

func TestWeatherService_ValidateAPIKey_Integration(t *testing.T) {
	cfg := testhelpers.GetIntegrationConfig(t)
	svc := testhelpers.SetupIntegrationService(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.ValidateAPIKey(ctx); err != nil {
		t.Errorf("ValidateAPIKey() error = %v", err)
	}
}
