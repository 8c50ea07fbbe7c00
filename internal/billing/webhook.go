package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"bot-relay/internal/metrics"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// SignatureHeader carries the provider's webhook signature.
const SignatureHeader = "Stripe-Signature"

const maxBodyBytes = 512 << 10

// EventHandler applies verified events.
type EventHandler interface {
	HandleEvent(ctx context.Context, event stripe.Event) error
}

// WebhookHandler verifies and dispatches payment provider webhooks.
type WebhookHandler struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	secret  string
	events  EventHandler
}

// NewWebhookHandler builds the handler. An empty secret rejects every request.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, secret string, events EventHandler) *WebhookHandler {
	return &WebhookHandler{
		logger:  logger.With("component", "billing_webhook"),
		metrics: m,
		secret:  secret,
		events:  events,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.secret == "" {
		h.logger.Warn("billing webhook received without a configured secret")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "billing not configured"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get(SignatureHeader), h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.Warn("billing webhook signature rejected", "error", err)
		if h.metrics != nil {
			h.metrics.BillingEvents.WithLabelValues("unknown", "invalid_signature").Inc()
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	if err := h.events.HandleEvent(r.Context(), event); err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrUnknownUser) {
			level = slog.LevelWarn
		}
		h.logger.Log(r.Context(), level, "billing event failed", "event_id", event.ID, "type", event.Type, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event not processed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
