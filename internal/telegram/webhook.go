// Package telegram verifies Telegram webhook deliveries and sends replies
// through the Bot API.
package telegram

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"bot-relay/internal/metrics"
	"bot-relay/internal/platform"

	"github.com/go-telegram/bot/models"
)

// SecretHeader carries the secret_token registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxBodyBytes = 1 << 20

// WebhookHandler verifies the secret header and forwards message updates.
type WebhookHandler struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	secret  string
	sink    platform.Sink
}

// NewWebhookHandler creates a new webhook handler. An empty secret rejects every request.
func NewWebhookHandler(logger *slog.Logger, metrics *metrics.Metrics, secret string, sink platform.Sink) *WebhookHandler {
	return &WebhookHandler{
		logger:  logger.With("component", "telegram_webhook"),
		metrics: metrics,
		secret:  secret,
		sink:    sink,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		h.metrics.Errors.WithLabelValues("telegram_webhook_auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.Errors.WithLabelValues("telegram_webhook").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var update models.Update
	if err := json.Unmarshal(body, &update); err != nil {
		h.metrics.Errors.WithLabelValues("telegram_webhook_payload").Inc()
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	msg, ok := Normalize(&update, body, time.Now().UTC())
	if !ok {
		h.logger.Debug("ignoring unsupported update", "update_id", update.ID)
		h.metrics.InboundMessages.WithLabelValues(string(platform.Telegram), "ignored").Inc()
		writeReceived(w)
		return
	}

	if err := h.sink.Enqueue(r.Context(), msg); err != nil {
		h.logger.Warn("relay refused telegram message", "external_id", msg.ExternalMessageID, "error", err)
		h.metrics.Errors.WithLabelValues("telegram_webhook_enqueue").Inc()
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	writeReceived(w)
}

func (h *WebhookHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	got := r.Header.Get(SecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

func writeReceived(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}
