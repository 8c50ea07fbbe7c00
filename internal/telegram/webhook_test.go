package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"bot-relay/internal/logging"
	"bot-relay/internal/metrics"
	"bot-relay/internal/platform"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []platform.InboundMessage
	err  error
}

func (s *recordingSink) Enqueue(_ context.Context, msg platform.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

const textUpdate = `{
  "update_id": 10,
  "message": {
    "message_id": 7,
    "date": 1700000000,
    "chat": {"id": 4242, "type": "private"},
    "from": {"id": 4242, "is_bot": false, "first_name": "Ana", "username": "ana"},
    "text": "/start 6f1c2a52-59c4-4a55-9c1e-3f0c1a3b9a10"
  }
}`

func postUpdate(t *testing.T, h http.Handler, secret, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	sink := &recordingSink{}
	h := NewWebhookHandler(logging.Discard(), metrics.NewUnregistered(), "s3cret", sink)

	for _, secret := range []string{"", "wrong"} {
		rec := postUpdate(t, h, secret, textUpdate)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("secret %q: expected 401, got %d", secret, rec.Code)
		}
	}
	if len(sink.msgs) != 0 {
		t.Fatalf("unauthorized updates must not be enqueued")
	}
}

func TestWebhookRejectsWhenSecretUnset(t *testing.T) {
	h := NewWebhookHandler(logging.Discard(), metrics.NewUnregistered(), "", &recordingSink{})
	if rec := postUpdate(t, h, "anything", textUpdate); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWebhookEnqueuesNormalizedMessage(t *testing.T) {
	sink := &recordingSink{}
	h := NewWebhookHandler(logging.Discard(), metrics.NewUnregistered(), "s3cret", sink)

	rec := postUpdate(t, h, "s3cret", textUpdate)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"received":true`) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if len(sink.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sink.msgs))
	}
	msg := sink.msgs[0]
	if msg.ExternalMessageID != "4242:7" || msg.PeerIdentifier != "4242" {
		t.Fatalf("unexpected ids %+v", msg)
	}
	if msg.MessageType != platform.TypeText || !strings.HasPrefix(msg.Content, "/start ") {
		t.Fatalf("unexpected content %+v", msg)
	}
	if msg.Profile["username"] != "ana" {
		t.Fatalf("expected username in profile, got %v", msg.Profile)
	}
}

func TestWebhookMalformedAndIgnored(t *testing.T) {
	sink := &recordingSink{}
	h := NewWebhookHandler(logging.Discard(), metrics.NewUnregistered(), "s3cret", sink)

	if rec := postUpdate(t, h, "s3cret", "{not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rec.Code)
	}

	callback := `{"update_id": 11, "callback_query": {"id": "1", "from": {"id": 1, "is_bot": false, "first_name": "A"}, "chat_instance": "x", "data": "y"}}`
	if rec := postUpdate(t, h, "s3cret", callback); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for ignored update, got %d", rec.Code)
	}
	if len(sink.msgs) != 0 {
		t.Fatalf("ignored updates must not be enqueued")
	}
}

func TestWebhookBackpressure(t *testing.T) {
	sink := &recordingSink{err: errors.New("queue full")}
	h := NewWebhookHandler(logging.Discard(), metrics.NewUnregistered(), "s3cret", sink)
	if rec := postUpdate(t, h, "s3cret", textUpdate); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
