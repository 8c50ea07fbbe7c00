package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const weatherCacheTTL = 15 * time.Minute

// JSONCache is the cache the weather tool reads through. cache.Redis satisfies it.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	WeatherURL   string
	GeocodingURL string
	Timeout      time.Duration
}

// Tools executes the functions offered to the model.
type Tools struct {
	http         *http.Client
	cache        JSONCache
	logger       *slog.Logger
	weatherURL   string
	geocodingURL string
	now          func() time.Time
}

// NewTools builds the tool set. cache may be nil.
func NewTools(cfg ToolsConfig, cache JSONCache, logger *slog.Logger) *Tools {
	weather := strings.TrimRight(cfg.WeatherURL, "/")
	if weather == "" {
		weather = "https://api.open-meteo.com"
	}
	geocoding := strings.TrimRight(cfg.GeocodingURL, "/")
	if geocoding == "" {
		geocoding = "https://geocoding-api.open-meteo.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Tools{
		http:         &http.Client{Timeout: timeout},
		cache:        cache,
		logger:       logger.With("component", "ai_tools"),
		weatherURL:   weather,
		geocodingURL: geocoding,
		now:          time.Now,
	}
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func (t *Tools) specs() []toolSpec {
	return []toolSpec{
		{
			Type: "function",
			Function: functionSpec{
				Name:        "get_current_time",
				Description: "Get the current date and time in an IANA timezone such as Europe/Berlin.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"timezone": map[string]any{"type": "string", "description": "IANA timezone name, defaults to UTC"},
					},
				},
			},
		},
		{
			Type: "function",
			Function: functionSpec{
				Name:        "get_weather",
				Description: "Get the current weather for a city or place name.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"location": map[string]any{"type": "string", "description": "City or place name"},
					},
					"required": []string{"location"},
				},
			},
		},
	}
}

// Call runs the named tool with JSON arguments and returns the JSON result
// handed back to the model. Tool failures are reported inside the result.
func (t *Tools) Call(ctx context.Context, name, arguments string) string {
	var (
		result any
		err    error
	)
	switch name {
	case "get_current_time":
		var args struct {
			Timezone string `json:"timezone"`
		}
		if err = decodeArgs(arguments, &args); err == nil {
			result, err = t.currentTime(args.Timezone)
		}
	case "get_weather":
		var args struct {
			Location string `json:"location"`
		}
		if err = decodeArgs(arguments, &args); err == nil {
			result, err = t.weather(ctx, args.Location)
		}
	default:
		err = fmt.Errorf("unknown tool %q", name)
	}
	if err != nil {
		t.logger.Warn("tool call failed", "tool", name, "error", err)
		result = map[string]string{"error": err.Error()}
	}
	out, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return `{"error":"unencodable tool result"}`
	}
	return string(out)
}

func decodeArgs(raw string, dest any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("decode tool arguments: %w", err)
	}
	return nil
}

type timeResult struct {
	Timezone string `json:"timezone"`
	Time     string `json:"time"`
	Weekday  string `json:"weekday"`
}

func (t *Tools) currentTime(timezone string) (*timeResult, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", timezone)
	}
	now := t.now().In(loc)
	return &timeResult{
		Timezone: timezone,
		Time:     now.Format(time.RFC3339),
		Weekday:  now.Weekday().String(),
	}, nil
}

// WeatherReport is the current conditions for a place.
type WeatherReport struct {
	Location     string  `json:"location"`
	Country      string  `json:"country,omitempty"`
	TemperatureC float64 `json:"temperature_c"`
	WindSpeedKmh float64 `json:"wind_speed_kmh"`
	WeatherCode  int     `json:"weather_code"`
	ObservedAt   string  `json:"observed_at"`
}

type geocodingResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResponse struct {
	Current struct {
		Time          string  `json:"time"`
		Temperature2m float64 `json:"temperature_2m"`
		WindSpeed10m  float64 `json:"wind_speed_10m"`
		WeatherCode   int     `json:"weather_code"`
	} `json:"current"`
}

func (t *Tools) weather(ctx context.Context, location string) (*WeatherReport, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.New("location is required")
	}
	key := "weather:" + strings.ToLower(location)
	if t.cache != nil {
		var cached WeatherReport
		hit, err := t.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			t.logger.Warn("weather cache read failed", "error", err)
		} else if hit {
			return &cached, nil
		}
	}

	var geo geocodingResponse
	q := url.Values{"name": {location}, "count": {"1"}, "format": {"json"}}
	if err := t.getJSON(ctx, t.geocodingURL+"/v1/search?"+q.Encode(), &geo); err != nil {
		return nil, fmt.Errorf("geocode %q: %w", location, err)
	}
	if len(geo.Results) == 0 {
		return nil, fmt.Errorf("no place named %q", location)
	}
	place := geo.Results[0]

	var forecast forecastResponse
	q = url.Values{
		"latitude":  {fmt.Sprintf("%f", place.Latitude)},
		"longitude": {fmt.Sprintf("%f", place.Longitude)},
		"current":   {"temperature_2m,wind_speed_10m,weather_code"},
	}
	if err := t.getJSON(ctx, t.weatherURL+"/v1/forecast?"+q.Encode(), &forecast); err != nil {
		return nil, fmt.Errorf("forecast %q: %w", location, err)
	}

	report := &WeatherReport{
		Location:     place.Name,
		Country:      place.Country,
		TemperatureC: forecast.Current.Temperature2m,
		WindSpeedKmh: forecast.Current.WindSpeed10m,
		WeatherCode:  forecast.Current.WeatherCode,
		ObservedAt:   forecast.Current.Time,
	}
	if t.cache != nil {
		if err := t.cache.SetJSON(ctx, key, report, weatherCacheTTL); err != nil {
			t.logger.Warn("weather cache write failed", "error", err)
		}
	}
	return report, nil
}

func (t *Tools) getJSON(ctx context.Context, endpoint string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	res, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
