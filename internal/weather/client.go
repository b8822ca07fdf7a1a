// Package weather is a small Open-Meteo client: geocode a place name,
// then fetch current conditions and a daily forecast for it.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/toolgate/internal/httpx"
	"golang.org/x/text/unicode/norm"
)

const (
	geocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
	forecastURL  = "https://api.open-meteo.com/v1/forecast"

	defaultForecastDays = 3
	maxForecastDays     = 16
)

// ErrLocationNotFound is returned when geocoding has no match.
var ErrLocationNotFound = errors.New("location not found")

// Client talks to the Open-Meteo geocoding and forecast APIs.
type Client struct {
	httpClient   *http.Client
	geocodingURL string
	forecastURL  string
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, a client with a 30s timeout is used.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		httpClient:   httpClient,
		geocodingURL: geocodingURL,
		forecastURL:  forecastURL,
	}
}

// WithBaseURL points both APIs at one server, e.g. an httptest.Server.
func (c *Client) WithBaseURL(base string) *Client {
	c.geocodingURL = base + "/v1/search"
	c.forecastURL = base + "/v1/forecast"

	return c
}

// Place is a geocoding match.
type Place struct {
	Name        string  `json:"name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	CountryCode string  `json:"country_code,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
}

type geocodingResponse struct {
	Results []Place `json:"results"`
}

type forecastResponse struct {
	Timezone     string `json:"timezone"`
	CurrentUnits struct {
		Temperature string `json:"temperature_2m"`
		WindSpeed   string `json:"wind_speed_10m"`
	} `json:"current_units"`
	Current struct {
		Time        string  `json:"time"`
		Temperature float64 `json:"temperature_2m"`
		WeatherCode int     `json:"weather_code"`
		WindSpeed   float64 `json:"wind_speed_10m"`
	} `json:"current"`
	Daily struct {
		Time        []string  `json:"time"`
		WeatherCode []int     `json:"weather_code"`
		TempMax     []float64 `json:"temperature_2m_max"`
		TempMin     []float64 `json:"temperature_2m_min"`
	} `json:"daily"`
}

// Current is the latest observation.
type Current struct {
	Time            string  `json:"time"`
	Temperature     float64 `json:"temperature"`
	TemperatureUnit string  `json:"temperature_unit"`
	WindSpeed       float64 `json:"wind_speed"`
	WindSpeedUnit   string  `json:"wind_speed_unit"`
	WeatherCode     int     `json:"weather_code"`
	Conditions      string  `json:"conditions"`
}

// Day is one day of the forecast.
type Day struct {
	Date        string  `json:"date"`
	WeatherCode int     `json:"weather_code"`
	Conditions  string  `json:"conditions"`
	TempMax     float64 `json:"temperature_max"`
	TempMin     float64 `json:"temperature_min"`
}

// Report is the result of Lookup.
type Report struct {
	Location  string  `json:"location"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
	Current   Current `json:"current"`
	Daily     []Day   `json:"daily"`
}

// Lookup geocodes location and returns its weather for the next days.
// days outside 1..16 falls back to 3.
func (c *Client) Lookup(ctx context.Context, location string, days int) (*Report, error) {
	place, err := c.Geocode(ctx, location)
	if err != nil {
		return nil, err
	}

	if days < 1 || days > maxForecastDays {
		days = defaultForecastDays
	}

	fc, err := c.forecast(ctx, place, days)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Location:  place.Name,
		Country:   place.CountryCode,
		Latitude:  place.Latitude,
		Longitude: place.Longitude,
		Timezone:  fc.Timezone,
		Current: Current{
			Time:            fc.Current.Time,
			Temperature:     fc.Current.Temperature,
			TemperatureUnit: fc.CurrentUnits.Temperature,
			WindSpeed:       fc.Current.WindSpeed,
			WindSpeedUnit:   fc.CurrentUnits.WindSpeed,
			WeatherCode:     fc.Current.WeatherCode,
			Conditions:      Describe(fc.Current.WeatherCode),
		},
	}

	d := fc.Daily
	n := min(len(d.Time), len(d.WeatherCode), len(d.TempMax), len(d.TempMin))
	for i := 0; i < n; i++ {
		report.Daily = append(report.Daily, Day{
			Date:        d.Time[i],
			WeatherCode: d.WeatherCode[i],
			Conditions:  Describe(d.WeatherCode[i]),
			TempMax:     d.TempMax[i],
			TempMin:     d.TempMin[i],
		})
	}

	return report, nil
}

// Geocode returns the best match for name. The name is trimmed and put
// in NFC form so composed and decomposed spellings match the same place.
func (c *Client) Geocode(ctx context.Context, name string) (*Place, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("geocoding: %w: empty name", ErrLocationNotFound)
	}

	q := url.Values{
		"name":     {name},
		"count":    {"1"},
		"language": {"en"},
		"format":   {"json"},
	}

	var resp geocodingResponse
	if err := c.get(ctx, c.geocodingURL, q, &resp); err != nil {
		return nil, fmt.Errorf("geocoding %q: %w", name, err)
	}

	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("geocoding %q: %w", name, ErrLocationNotFound)
	}

	return &resp.Results[0], nil
}

func (c *Client) forecast(ctx context.Context, place *Place, days int) (*forecastResponse, error) {
	q := url.Values{
		"latitude":      {strconv.FormatFloat(place.Latitude, 'f', -1, 64)},
		"longitude":     {strconv.FormatFloat(place.Longitude, 'f', -1, 64)},
		"current":       {"temperature_2m,weather_code,wind_speed_10m"},
		"daily":         {"weather_code,temperature_2m_max,temperature_2m_min"},
		"timezone":      {"auto"},
		"forecast_days": {strconv.Itoa(days)},
	}

	var resp forecastResponse
	if err := c.get(ctx, c.forecastURL, q, &resp); err != nil {
		return nil, fmt.Errorf("fetching forecast for %s: %w", place.Name, err)
	}

	return &resp, nil
}

// apiError is Open-Meteo's error body.
type apiError struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

// get sends a GET request and decodes the JSON response into result.
func (c *Client) get(ctx context.Context, endpoint string, q url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := httpx.ReadBody(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Reason != "" {
			return fmt.Errorf("API returned status %d: %s", resp.StatusCode, apiErr.Reason)
		}

		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, httpx.SanitizeBody(body))
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
