package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"bot-relay/internal/metrics"
)

const (
	maxToolRounds       = 4
	defaultSystemPrompt = "You are %s, a helpful assistant replying inside a chat app. Keep answers short and conversational. Never say which company or model powers you."
)

// Config holds chat completion settings.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	Timeout       time.Duration
	MaxAttempts   int
	Backoff       time.Duration
	AssistantName string
	SystemPrompt  string
}

// Client calls an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	http         *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tools        *Tools
	baseURL      string
	apiKey       string
	model        string
	maxAttempts  int
	backoff      time.Duration
	name         string
	systemPrompt string
}

var _ Responder = (*Client)(nil)

// New builds a Client. tools may be nil to disable tool calling.
func New(cfg Config, tools *Tools, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrUnconfigured
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	name := cfg.AssistantName
	if name == "" {
		name = "Relay Assistant"
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = fmt.Sprintf(defaultSystemPrompt, name)
	}
	return &Client{
		http:         &http.Client{Timeout: timeout},
		logger:       logger.With("component", "ai"),
		metrics:      m,
		tools:        tools,
		baseURL:      base,
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		maxAttempts:  attempts,
		backoff:      cfg.Backoff,
		name:         name,
		systemPrompt: prompt,
	}, nil
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []toolSpec    `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Respond asks the model for a reply to message, resolving tool calls along the way.
func (c *Client) Respond(ctx context.Context, message string, history []Turn) (string, error) {
	messages := make([]chatMessage, 0, len(history)+2)
	messages = append(messages, chatMessage{Role: "system", Content: c.systemPrompt})
	for _, turn := range history {
		if turn.Role != RoleUser && turn.Role != RoleAssistant {
			continue
		}
		messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, chatMessage{Role: RoleUser, Content: message})

	start := time.Now()
	reply, err := c.complete(ctx, messages)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.AIRequests.WithLabelValues(status).Inc()
		c.metrics.AILatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return "", err
	}
	return Sanitize(reply, c.name), nil
}

func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, error) {
	var specs []toolSpec
	if c.tools != nil {
		specs = c.tools.specs()
	}
	for round := 0; round <= maxToolRounds; round++ {
		req := chatRequest{Model: c.model, Messages: messages}
		// The last round withholds tools so the model has to answer.
		if round < maxToolRounds {
			req.Tools = specs
		}
		resp, err := c.withRetry(ctx, req)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("ai response carried no choices")
		}
		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 || c.tools == nil {
			content := strings.TrimSpace(msg.Content)
			if content == "" {
				return "", errors.New("ai response was empty")
			}
			return content, nil
		}

		messages = append(messages, chatMessage{Role: RoleAssistant, Content: msg.Content, ToolCalls: msg.ToolCalls})
		for _, call := range msg.ToolCalls {
			c.logger.Debug("running tool", "tool", call.Function.Name)
			messages = append(messages, chatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    c.tools.Call(ctx, call.Function.Name, call.Function.Arguments),
			})
		}
	}
	return "", errors.New("ai tool loop did not finish")
}

// statusError is a non-2xx reply from the completion endpoint.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("ai error: status=%d body=%s", e.Status, e.Body)
}

// retryable reports whether a failed attempt may succeed when repeated:
// transport errors, 429 and 5xx.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	var de *decodeError
	return !errors.As(err, &de)
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode ai response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (c *Client) withRetry(ctx context.Context, req chatRequest) (*chatResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.do(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || attempt == c.maxAttempts {
			break
		}
		wait := c.backoffFor(attempt)
		c.logger.Warn("ai request failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		if c.metrics != nil {
			c.metrics.AIRequests.WithLabelValues("retry").Inc()
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("ai retry: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

// backoffFor doubles the base delay per attempt and adds up to 50% jitter.
func (c *Client) backoffFor(attempt int) time.Duration {
	if c.backoff <= 0 {
		return 0
	}
	d := c.backoff << (attempt - 1)
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}

func (c *Client) do(ctx context.Context, payload chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &decodeError{err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read ai response: %w", err)
	}
	if res.StatusCode >= 300 {
		return nil, &statusError{Status: res.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &decodeError{err: err}
	}
	return &out, nil
}
