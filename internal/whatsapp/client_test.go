package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"bot-relay/internal/logging"
	"bot-relay/internal/metrics"
	"bot-relay/internal/platform"
)

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{}, logging.Discard(), metrics.NewUnregistered())
	if !errors.Is(err, platform.ErrUnconfigured) {
		t.Fatalf("expected ErrUnconfigured, got %v", err)
	}
}

func TestSendText(t *testing.T) {
	var got sendTextRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v20.0/123/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"1555","wa_id":"1555"}],"messages":[{"id":"wamid.OUT"}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, AccessToken: "token", PhoneNumberID: "123"}, logging.Discard(), metrics.NewUnregistered())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id, err := c.SendText(context.Background(), "1555", "hi there")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "wamid.OUT" {
		t.Fatalf("unexpected id %q", id)
	}
	if got.To != "1555" || got.Text.Body != "hi there" || got.MessagingProduct != "whatsapp" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestSendTextClassifiesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL, AccessToken: "token", PhoneNumberID: "123"}, logging.Discard(), metrics.NewUnregistered())
	if _, err := c.SendText(context.Background(), "1555", "hi"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}
