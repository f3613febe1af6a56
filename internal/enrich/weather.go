// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/wtthornton/ha-ingestor-sub013/internal/config"
	"github.com/wtthornton/ha-ingestor-sub013/internal/models"
)

// WeatherProvider fetches the current weather for the configured
// location. Implementations must honor ctx cancellation.
type WeatherProvider interface {
	Current(ctx context.Context) (*models.WeatherSnapshot, error)
}

// APIClient is a WeatherProvider backed by an OpenWeatherMap-compatible
// HTTP endpoint.
type APIClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	latitude   float64
	longitude  float64
}

// NewAPIClient creates a weather API client from config. The HTTP
// client timeout is the hard backstop; per-call deadlines come from the
// caller's context.
func NewAPIClient(cfg config.WeatherConfig) *APIClient {
	return &APIClient{
		httpClient: &http.Client{Timeout: cfg.FetchTimeout + time.Second},
		endpoint:   cfg.URL,
		apiKey:     cfg.APIKey,
		latitude:   cfg.Latitude,
		longitude:  cfg.Longitude,
	}
}

// owmResponse mirrors the subset of the OpenWeatherMap current-weather
// payload we keep.
type owmResponse struct {
	Weather []struct {
		Main string `json:"main"`
	} `json:"weather"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
		Pressure float64 `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

// Current implements WeatherProvider.
func (c *APIClient) Current(ctx context.Context) (*models.WeatherSnapshot, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse weather url: %w", err)
	}
	q := u.Query()
	q.Set("lat", strconv.FormatFloat(c.latitude, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(c.longitude, 'f', 6, 64))
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build weather request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather API returned HTTP %d", resp.StatusCode)
	}

	var body owmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode weather response: %w", err)
	}

	snap := &models.WeatherSnapshot{
		TemperatureC: body.Main.Temp,
		Humidity:     body.Main.Humidity,
		PressureHPa:  body.Main.Pressure,
		WindSpeed:    body.Wind.Speed,
		FetchedAt:    time.Now().UTC(),
	}
	if len(body.Weather) > 0 {
		snap.Condition = body.Weather[0].Main
	}
	return snap, nil
}
