package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bot-relay/internal/metrics"
	"bot-relay/internal/platform"
)

// ErrInvalidCredential indicates the Graph API rejected the access token.
var ErrInvalidCredential = errors.New("whatsapp invalid credential")

// Config holds Cloud API client configuration.
type Config struct {
	BaseURL       string
	APIVersion    string
	AccessToken   string
	PhoneNumberID string
	Timeout       time.Duration
}

// Client sends messages through the Cloud API.
type Client struct {
	logger        *slog.Logger
	metrics       *metrics.Metrics
	http          *http.Client
	baseURL       string
	apiVersion    string
	accessToken   string
	phoneNumberID string
}

var _ platform.Sender = (*Client)(nil)

// New creates a Cloud API client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp credentials: %w", platform.ErrUnconfigured)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://graph.facebook.com"
	}
	version := strings.Trim(cfg.APIVersion, "/")
	if version == "" {
		version = "v20.0"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		logger:        logger.With("component", "whatsapp"),
		metrics:       m,
		http:          &http.Client{Timeout: timeout},
		baseURL:       base,
		apiVersion:    version,
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
	}, nil
}

type sendTextRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a text message and returns its wamid.
func (c *Client) SendText(ctx context.Context, peer, text string) (string, error) {
	req := sendTextRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               peer,
		Type:             "text",
	}
	req.Text.Body = text

	var resp sendResponse
	if err := c.do(ctx, fmt.Sprintf("/%s/%s/messages", c.apiVersion, c.phoneNumberID), req, &resp); err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return "", errors.New("whatsapp send: response carried no message id")
	}
	return resp.Messages[0].ID, nil
}

func (c *Client) do(ctx context.Context, endpoint string, payload, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe("error", time.Since(start))
		return fmt.Errorf("whatsapp request: %w", err)
	}
	defer res.Body.Close()
	c.observe(fmt.Sprintf("%d", res.StatusCode), time.Since(start))

	bodyBytes, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return classifyHTTPError(res.StatusCode, bodyBytes)
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) observe(status string, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.PlatformRequests.WithLabelValues(string(platform.WhatsApp), status).Inc()
	c.metrics.PlatformLatency.WithLabelValues(string(platform.WhatsApp), status).Observe(elapsed.Seconds())
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func classifyHTTPError(status int, body []byte) error {
	var ge graphError
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &ge); err == nil && ge.Error.Message != "" {
		message = ge.Error.Message
	}
	// Graph code 190 is an expired or invalid access token.
	if status == http.StatusUnauthorized || ge.Error.Code == 190 {
		return fmt.Errorf("%w: %s", ErrInvalidCredential, message)
	}
	return fmt.Errorf("whatsapp error: status=%d code=%d message=%s", status, ge.Error.Code, message)
}
