package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const londonGeocoding = `{"results":[{"id":2643743,"name":"London","latitude":51.50853,"longitude":-0.12574,"country_code":"GB","timezone":"Europe/London"}]}`

const londonForecast = `{
  "latitude": 51.5, "longitude": -0.12, "timezone": "Europe/London",
  "current_units": {"temperature_2m": "°C", "wind_speed_10m": "km/h"},
  "current": {"time": "2026-10-19T12:00", "temperature_2m": 14.2, "weather_code": 3, "wind_speed_10m": 18.4},
  "daily": {
    "time": ["2026-10-19", "2026-10-20"],
    "weather_code": [3, 61],
    "temperature_2m_max": [15.1, 13.0],
    "temperature_2m_min": [9.4, 8.2]
  }
}`

func testServer(t *testing.T, geocoding, forecast http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/search", geocoding)
	mux.HandleFunc("/v1/forecast", forecast)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.Client()).WithBaseURL(srv.URL)
}

func respond(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func TestLookup(t *testing.T) {
	var forecastQuery map[string]string
	c := testServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "London", r.URL.Query().Get("name"))
			assert.Equal(t, "1", r.URL.Query().Get("count"))
			respond(londonGeocoding)(w, r)
		},
		func(w http.ResponseWriter, r *http.Request) {
			forecastQuery = map[string]string{}
			for k := range r.URL.Query() {
				forecastQuery[k] = r.URL.Query().Get(k)
			}
			respond(londonForecast)(w, r)
		},
	)

	report, err := c.Lookup(context.Background(), "London", 2)
	require.NoError(t, err)

	assert.Equal(t, "London", report.Location)
	assert.Equal(t, "GB", report.Country)
	assert.Equal(t, "Europe/London", report.Timezone)
	assert.InDelta(t, 14.2, report.Current.Temperature, 0.001)
	assert.Equal(t, "°C", report.Current.TemperatureUnit)
	assert.Equal(t, "Overcast", report.Current.Conditions)
	require.Len(t, report.Daily, 2)
	assert.Equal(t, "Slight rain", report.Daily[1].Conditions)
	assert.InDelta(t, 8.2, report.Daily[1].TempMin, 0.001)

	assert.Equal(t, "51.50853", forecastQuery["latitude"])
	assert.Equal(t, "-0.12574", forecastQuery["longitude"])
	assert.Equal(t, "2", forecastQuery["forecast_days"])
}

func TestLookup_DefaultDays(t *testing.T) {
	var days string
	c := testServer(t, respond(londonGeocoding), func(w http.ResponseWriter, r *http.Request) {
		days = r.URL.Query().Get("forecast_days")
		respond(londonForecast)(w, r)
	})

	_, err := c.Lookup(context.Background(), "London", 0)
	require.NoError(t, err)
	assert.Equal(t, "3", days)
}

func TestLookup_NotFound(t *testing.T) {
	c := testServer(t, respond(`{"generationtime_ms":0.5}`), func(http.ResponseWriter, *http.Request) {
		t.Fatal("forecast should not be called")
	})

	_, err := c.Lookup(context.Background(), "Atlantis", 1)
	assert.ErrorIs(t, err, ErrLocationNotFound)
}

func TestLookup_EmptyName(t *testing.T) {
	c := NewClient(nil)
	_, err := c.Lookup(context.Background(), "   ", 1)
	assert.ErrorIs(t, err, ErrLocationNotFound)
}

func TestGeocode_NormalizesName(t *testing.T) {
	var got string

	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query().Get("name")
		respond(londonGeocoding)(w, r)
	}, respond(londonForecast))

	_, err := c.Geocode(context.Background(), " Zu\u0308rich ")
	require.NoError(t, err)
	assert.Equal(t, "Z\u00fcrich", got)
}

func TestLookup_APIError(t *testing.T) {
	c := testServer(t, respond(londonGeocoding), func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":true,"reason":"Latitude must be in range of -90 to 90°."}`))
	})

	_, err := c.Lookup(context.Background(), "London", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "Latitude must be in range")
}

func TestLookup_NonJSONError(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway\x00</html>"))
	}, respond(londonForecast))

	_, err := c.Lookup(context.Background(), "London", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.NotContains(t, err.Error(), "\x00")
}

func TestLookup_MalformedBody(t *testing.T) {
	c := testServer(t, respond(`{"results":`), respond(londonForecast))

	_, err := c.Lookup(context.Background(), "London", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding response")
}

func TestLookup_ContextCanceled(t *testing.T) {
	c := testServer(t, respond(londonGeocoding), respond(londonForecast))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Lookup(ctx, "London", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Clear sky", Describe(0))
	assert.Equal(t, "Thunderstorm", Describe(95))
	assert.Equal(t, "Unknown", Describe(42))
}
