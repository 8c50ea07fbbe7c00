package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bot-relay/internal/logging"
	"bot-relay/internal/metrics"
)

func newTestClient(t *testing.T, url string, tools *Tools) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:       url,
		APIKey:        "key",
		Model:         "test-model",
		MaxAttempts:   3,
		Backoff:       time.Millisecond,
		AssistantName: "Relay Assistant",
	}, tools, logging.Discard(), metrics.NewUnregistered())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func writeReply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}, nil, logging.Discard(), nil); !errors.Is(err, ErrUnconfigured) {
		t.Fatalf("expected ErrUnconfigured, got %v", err)
	}
	if _, err := (Unconfigured{}).Respond(context.Background(), "hi", nil); !errors.Is(err, ErrUnconfigured) {
		t.Fatalf("expected ErrUnconfigured from fallback responder, got %v", err)
	}
}

func TestRespondSendsHistory(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("unexpected request %s %q", r.URL.Path, r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeReply(w, "Sure thing.")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	reply, err := c.Respond(context.Background(), "and tomorrow?", []Turn{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi!"},
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply != "Sure thing." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if len(got.Messages) != 4 || got.Messages[0].Role != "system" || got.Messages[3].Content != "and tomorrow?" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if got.Model != "test-model" {
		t.Fatalf("unexpected model %q", got.Model)
	}
}

func TestRespondRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		writeReply(w, "recovered")
	}))
	defer srv.Close()

	reply, err := newTestClient(t, srv.URL, nil).Respond(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply != "Recovered" || calls.Load() != 3 {
		t.Fatalf("expected recovery on third attempt, got %q after %d calls", reply, calls.Load())
	}
}

func TestRespondDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).Respond(context.Background(), "hi", nil)
	var se *statusError
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 status error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestRespondRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		writeReply(w, "ok")
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL, nil).Respond(context.Background(), "hi", nil); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry after 429, got %d calls", calls.Load())
	}
}

func TestRespondRunsToolCalls(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []chatRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		requests = append(requests, req)
		n := len(requests)
		mu.Unlock()

		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_current_time","arguments":"{\"timezone\":\"UTC\"}"}}]},"finish_reason":"tool_calls"}]}`))
			return
		}
		writeReply(w, "It is Monday.")
	}))
	defer srv.Close()

	tools := NewTools(ToolsConfig{}, nil, logging.Discard())
	tools.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }

	reply, err := newTestClient(t, srv.URL, tools).Respond(context.Background(), "what day is it?", nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply != "It is Monday." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if len(requests) != 2 {
		t.Fatalf("expected two completion calls, got %d", len(requests))
	}
	if len(requests[0].Tools) != 2 {
		t.Fatalf("expected tools offered, got %d", len(requests[0].Tools))
	}
	last := requests[1].Messages[len(requests[1].Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" || !strings.Contains(last.Content, "Monday") {
		t.Fatalf("unexpected tool result message %+v", last)
	}
}
