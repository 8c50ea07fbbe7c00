package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bot-relay/internal/logging"
)

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (m *memoryCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = raw
	return nil
}

func TestWeatherToolCachesReports(t *testing.T) {
	var upstream atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/search":
			if r.URL.Query().Get("name") != "Berlin" {
				t.Errorf("unexpected geocoding query %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"results":[{"name":"Berlin","country":"Germany","latitude":52.52,"longitude":13.41}]}`))
		case "/v1/forecast":
			_, _ = w.Write([]byte(`{"current":{"time":"2024-01-01T12:00","temperature_2m":3.5,"wind_speed_10m":12.1,"weather_code":3}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cache := &memoryCache{data: map[string][]byte{}}
	tools := NewTools(ToolsConfig{WeatherURL: srv.URL, GeocodingURL: srv.URL}, cache, logging.Discard())

	first := tools.Call(context.Background(), "get_weather", `{"location":"Berlin"}`)
	if !strings.Contains(first, `"temperature_c":3.5`) || !strings.Contains(first, `"country":"Germany"`) {
		t.Fatalf("unexpected weather result %s", first)
	}
	if upstream.Load() != 2 {
		t.Fatalf("expected geocode and forecast calls, got %d", upstream.Load())
	}

	second := tools.Call(context.Background(), "get_weather", `{"location":"berlin"}`)
	if second != first {
		t.Fatalf("cached result differs: %s vs %s", second, first)
	}
	if upstream.Load() != 2 {
		t.Fatalf("expected cache hit, upstream called %d times", upstream.Load())
	}
}

func TestToolErrorsAreReturnedToModel(t *testing.T) {
	tools := NewTools(ToolsConfig{}, nil, logging.Discard())

	cases := []struct {
		name string
		tool string
		args string
	}{
		{"unknown tool", "launch_rocket", `{}`},
		{"bad timezone", "get_current_time", `{"timezone":"Mars/Olympus"}`},
		{"bad json", "get_current_time", `{"timezone":`},
		{"missing location", "get_weather", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := tools.Call(context.Background(), tc.tool, tc.args)
			if !strings.Contains(out, `"error"`) {
				t.Fatalf("expected error result, got %s", out)
			}
		})
	}
}

func TestCurrentTimeDefaultsToUTC(t *testing.T) {
	tools := NewTools(ToolsConfig{}, nil, logging.Discard())
	tools.now = func() time.Time { return time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC) }

	out := tools.Call(context.Background(), "get_current_time", "")
	if !strings.Contains(out, `"timezone":"UTC"`) || !strings.Contains(out, "2024-03-01T08:30:00Z") {
		t.Fatalf("unexpected time result %s", out)
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"I'm ChatGPT, developed by OpenAI. How can I help?", "I'm Relay Assistant. How can I help?"},
		{"As an AI language model, I cannot browse the web.", "I cannot browse the web."},
		{"I am a large language model trained by OpenAI.", "I am Relay Assistant."},
		{"This tool is powered by OpenAI.", "This tool is powered for this service."},
		{"The weather in Berlin is 3°C.", "The weather in Berlin is 3°C."},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in, "Relay Assistant"); got != tc.want {
			t.Fatalf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
