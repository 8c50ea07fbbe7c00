// Package whatsapp handles the WhatsApp Cloud API: webhook verification,
// payload normalization and text replies.
package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bot-relay/internal/metrics"
	"bot-relay/internal/platform"
)

// SignatureHeader carries the HMAC-SHA256 of the raw body keyed by the app secret.
const SignatureHeader = "X-Hub-Signature-256"

const maxBodyBytes = 1 << 20

// ReceiptHandler applies delivery receipts to stored outgoing messages.
type ReceiptHandler interface {
	UpdateDelivery(ctx context.Context, p platform.Platform, externalID, status string) error
}

// WebhookHandler serves both the subscription handshake and notifications.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	appSecret   string
	verifyToken string
	sink        platform.Sink
	receipts    ReceiptHandler
}

// NewWebhookHandler creates a new webhook handler. receipts may be nil.
func NewWebhookHandler(logger *slog.Logger, metrics *metrics.Metrics, appSecret, verifyToken string, sink platform.Sink, receipts ReceiptHandler) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger.With("component", "whatsapp_webhook"),
		metrics:     metrics,
		appSecret:   appSecret,
		verifyToken: verifyToken,
		sink:        sink,
		receipts:    receipts,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerify(w, r)
	case http.MethodPost:
		h.handleNotification(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *WebhookHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("hub.verify_token")
	if q.Get("hub.mode") != "subscribe" || h.verifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) != 1 {
		h.metrics.Errors.WithLabelValues("whatsapp_webhook_verify").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

func (h *WebhookHandler) handleNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.Errors.WithLabelValues("whatsapp_webhook").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !h.validSignature(r.Header.Get(SignatureHeader), body) {
		h.metrics.Errors.WithLabelValues("whatsapp_webhook_auth").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.metrics.Errors.WithLabelValues("whatsapp_webhook_payload").Inc()
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	messages, receipts, err := Extract(payload, time.Now().UTC())
	if err != nil {
		h.logger.Warn("rejecting whatsapp payload", "error", err)
		h.metrics.Errors.WithLabelValues("whatsapp_webhook_payload").Inc()
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	for _, rc := range receipts {
		if h.receipts == nil {
			break
		}
		if err := h.receipts.UpdateDelivery(r.Context(), platform.WhatsApp, rc.ExternalID, rc.Status); err != nil {
			h.logger.Error("failed applying delivery receipt", "external_id", rc.ExternalID, "status", rc.Status, "error", err)
			h.metrics.Errors.WithLabelValues("whatsapp_webhook_receipt").Inc()
		}
	}

	for _, msg := range messages {
		if err := h.sink.Enqueue(r.Context(), msg); err != nil {
			h.logger.Warn("relay refused whatsapp message", "external_id", msg.ExternalMessageID, "error", err)
			h.metrics.Errors.WithLabelValues("whatsapp_webhook_enqueue").Inc()
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}

func (h *WebhookHandler) validSignature(header string, body []byte) bool {
	if h.appSecret == "" {
		return false
	}
	provided, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(sig, Sign(h.appSecret, body))
}

// Sign returns the raw HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
