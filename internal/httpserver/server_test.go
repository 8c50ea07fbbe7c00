package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bot-relay/internal/connections"
	"bot-relay/internal/ledger"
	"bot-relay/internal/logging"
	"bot-relay/internal/metrics"
	"bot-relay/internal/repo"
	"bot-relay/internal/repo/repotest"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "dashboard-secret"

type fixture struct {
	store    *repotest.Memory
	registry *connections.Registry
	credits  *ledger.Ledger
	handler  http.Handler
}

func newFixture(t *testing.T, basePath string) *fixture {
	t.Helper()
	store := repotest.NewMemory()
	logger := logging.Discard()
	m := metrics.NewUnregistered()
	f := &fixture{
		store:    store,
		registry: connections.New(store, logger, time.Hour),
		credits:  ledger.New(store, logger, m),
	}
	srv := New(":0", logger, m, Handlers{
		TelegramWebhook: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
	}, Dependencies{
		Health:      store,
		Connections: f.registry,
		Links:       connections.Links{TelegramBot: "relay_bot", WhatsAppNumber: "+1 555 0100"},
		Credits:     f.credits,
		JWTSecret:   testSecret,
	}, basePath)
	f.handler = srv.Handler()
	return f
}

func bearer(t *testing.T, subject, secret string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func (f *fixture) do(method, path, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsStoreState(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	f.store.PingErr = errors.New("db down")
	if rec := f.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the store is down, got %d", rec.Code)
	}
}

func TestAPIRequiresValidToken(t *testing.T) {
	f := newFixture(t, "")
	user := f.store.AddUser("a@example.com", repo.StatusActive)

	cases := []struct {
		name string
		auth string
	}{
		{"missing", ""},
		{"not bearer", "Basic abc"},
		{"wrong secret", bearer(t, user.ID, "other-secret", time.Now().Add(time.Hour))},
		{"expired", bearer(t, user.ID, testSecret, time.Now().Add(-time.Minute))},
		{"no subject", bearer(t, "", testSecret, time.Now().Add(time.Hour))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, "/api/credits", tc.auth, "")
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestCreateConnectionReturnsLink(t *testing.T) {
	f := newFixture(t, "")
	user := f.store.AddUser("a@example.com", repo.StatusActive)
	auth := bearer(t, user.ID, testSecret, time.Now().Add(time.Hour))

	rec := f.do(http.MethodPost, "/api/connections", auth, `{"platform":"telegram"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createConnectionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Platform != "telegram" || resp.ConnectionID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Link != "https://t.me/relay_bot?start="+resp.ConnectionID {
		t.Fatalf("unexpected link %q", resp.Link)
	}
	if resp.ExpiresAt.IsZero() {
		t.Fatalf("expected an expiry on the connect token")
	}

	conn, err := f.registry.ResolveToken(context.Background(), resp.ConnectionID)
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if conn.UserID != user.ID || conn.IsConnected {
		t.Fatalf("expected a pending connection for the caller, got %+v", conn)
	}
}

func TestCreateConnectionRejectsUnknownPlatform(t *testing.T) {
	f := newFixture(t, "")
	user := f.store.AddUser("a@example.com", repo.StatusActive)
	auth := bearer(t, user.ID, testSecret, time.Now().Add(time.Hour))

	if rec := f.do(http.MethodPost, "/api/connections", auth, `{"platform":"signal"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/connections", auth, `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad body, got %d", rec.Code)
	}
}

func TestCreateConnectionForUnknownUser(t *testing.T) {
	f := newFixture(t, "")
	auth := bearer(t, "00000000-0000-4000-8000-000000000000", testSecret, time.Now().Add(time.Hour))

	if rec := f.do(http.MethodPost, "/api/connections", auth, `{"platform":"telegram"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a subject without a user row, got %d", rec.Code)
	}
}

func TestDeleteConnectionOnlyForOwner(t *testing.T) {
	f := newFixture(t, "")
	owner := f.store.AddUser("owner@example.com", repo.StatusActive)
	other := f.store.AddUser("other@example.com", repo.StatusActive)
	conn, err := f.registry.CreatePending(context.Background(), owner.ID, "whatsapp")
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}

	rec := f.do(http.MethodDelete, "/api/connections/"+conn.ID, bearer(t, other.ID, testSecret, time.Now().Add(time.Hour)), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a foreign connection, got %d", rec.Code)
	}
	rec = f.do(http.MethodDelete, "/api/connections/not-a-token", bearer(t, owner.ID, testSecret, time.Now().Add(time.Hour)), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown id, got %d", rec.Code)
	}
	rec = f.do(http.MethodDelete, "/api/connections/"+conn.ID, bearer(t, owner.ID, testSecret, time.Now().Add(time.Hour)), "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for the owner, got %d", rec.Code)
	}
}

func TestCreditsReturnsBalance(t *testing.T) {
	f := newFixture(t, "")
	user := f.store.AddUser("a@example.com", repo.StatusActive)
	if _, err := f.credits.ApplyTransaction(context.Background(), ledger.Transaction{
		UserID:    user.ID,
		Delta:     42,
		Reason:    ledger.ReasonAdjustment,
		Reference: "seed",
	}); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	rec := f.do(http.MethodGet, "/api/credits", bearer(t, user.ID, testSecret, time.Now().Add(time.Hour)), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["balance"] != 42 {
		t.Fatalf("expected balance 42, got %d", body["balance"])
	}
}

func TestBasePathMounting(t *testing.T) {
	f := newFixture(t, "/relay/")
	if rec := f.do(http.MethodGet, "/relay/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected health under the base path, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside the base path, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/relay/webhook/telegram", "", "{}"); rec.Code != http.StatusAccepted {
		t.Fatalf("expected the telegram webhook mounted, got %d", rec.Code)
	}
}

func TestNormaliseBasePath(t *testing.T) {
	cases := map[string]string{
		"":        "",
		"/":       "",
		"relay":   "/relay",
		"/relay/": "/relay",
	}
	for in, want := range cases {
		if got := normaliseBasePath(in); got != want {
			t.Fatalf("normaliseBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}
