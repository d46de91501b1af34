//go:build integration
// +build integration

package client

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func liveClient(t *testing.T) *OpenWeatherClient {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}
	c, err := NewOpenWeatherClient(apiKey, DefaultAPIURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

func TestOpenWeatherClient_ValidateAPIKey_Integration(t *testing.T) {
	c := liveClient(t)
	if err := c.ValidateAPIKey(context.Background()); err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
}

func TestOpenWeatherClient_FetchByCity_Integration(t *testing.T) {
	c := liveClient(t)
	got, err := c.FetchByCity(context.Background(), "London")
	if err != nil {
		t.Fatalf("FetchByCity() error = %v", err)
	}
	if got.City == "" || got.Country == "" {
		t.Errorf("FetchByCity() = %+v, want city and country", got)
	}
}

func TestOpenWeatherClient_FetchByCity_NotFound_Integration(t *testing.T) {
	c := liveClient(t)
	_, err := c.FetchByCity(context.Background(), "Qwxyzzzzzzz")
	if !errors.Is(err, ErrLocationNotFound) {
		t.Errorf("FetchByCity() error = %v, want ErrLocationNotFound", err)
	}
}
