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
	"bot-relay/internal/platform"
)

// botAPI answers sendMessage calls in order from replies.
func botAPI(t *testing.T, replies ...string) (*httptest.Server, func() int) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Errorf("unexpected call %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		body := replies[len(replies)-1]
		if calls < len(replies) {
			body = replies[calls]
		}
		calls++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
}

const (
	sentOK   = `{"ok":true,"result":{"message_id":10,"chat":{"id":5,"type":"private"},"date":0}}`
	sentFail = `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{Token: "t", ServerURL: url}, logging.Discard(), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestSendTextReportsPartialDelivery(t *testing.T) {
	srv, calls := botAPI(t, sentOK, sentFail)
	c := newTestClient(t, srv.URL)

	id, err := c.SendText(context.Background(), "5", strings.Repeat("a", maxMessageRunes+100))
	if !errors.Is(err, platform.ErrPartialDelivery) {
		t.Fatalf("expected partial delivery error, got %v", err)
	}
	if !strings.Contains(err.Error(), "delivered 1 of 2 parts") {
		t.Fatalf("expected part counts in error, got %v", err)
	}
	if id != "5:10" {
		t.Fatalf("expected the delivered part's id, got %q", id)
	}
	if n := calls(); n != 2 {
		t.Fatalf("expected two sendMessage calls, got %d", n)
	}
}

func TestSendTextFirstPartFailure(t *testing.T) {
	srv, _ := botAPI(t, sentFail)
	c := newTestClient(t, srv.URL)

	id, err := c.SendText(context.Background(), "5", "hello")
	if err == nil || errors.Is(err, platform.ErrPartialDelivery) {
		t.Fatalf("expected a plain send failure, got %v", err)
	}
	if id != "" {
		t.Fatalf("expected no id when nothing was delivered, got %q", id)
	}
}

func TestSendTextRejectsNonNumericChat(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	if _, err := c.SendText(context.Background(), "alice", "hello"); err == nil {
		t.Fatalf("expected an invalid chat id error")
	}
}
