package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bot-relay/internal/metrics"
	"bot-relay/internal/platform"

	"github.com/go-telegram/bot"
)

// Telegram caps a single message at 4096 characters.
const maxMessageRunes = 4096

// Config holds Bot API client configuration.
type Config struct {
	Token     string
	ServerURL string
	Timeout   time.Duration
}

// Client sends replies through the Bot API.
type Client struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	bot     *bot.Bot
}

var _ platform.Sender = (*Client)(nil)

// New creates a Bot API client. It does not call getMe, so startup does not
// depend on Telegram being reachable.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram token: %w", platform.ErrUnconfigured)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(timeout, &http.Client{Timeout: timeout}),
	}
	if cfg.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(strings.TrimRight(cfg.ServerURL, "/")))
	}
	b, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Client{
		logger:  logger.With("component", "telegram"),
		metrics: m,
		bot:     b,
	}, nil
}

// SendText sends text to the chat and returns "<chat_id>:<message_id>".
func (c *Client) SendText(ctx context.Context, peer, text string) (string, error) {
	chatID, err := strconv.ParseInt(peer, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram chat id %q: %w", peer, err)
	}

	chunks := splitMessage(text, maxMessageRunes)
	var lastID int
	for i, chunk := range chunks {
		start := time.Now()
		sent, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   chunk,
		})
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.observe(status, time.Since(start))
		if err == nil && sent == nil {
			err = errors.New("empty response")
		}
		if err != nil {
			if i == 0 {
				return "", fmt.Errorf("telegram send message: %w", err)
			}
			return fmt.Sprintf("%d:%d", chatID, lastID),
				fmt.Errorf("telegram send message: delivered %d of %d parts: %w: %w", i, len(chunks), platform.ErrPartialDelivery, err)
		}
		lastID = sent.ID
	}
	return fmt.Sprintf("%d:%d", chatID, lastID), nil
}

func (c *Client) observe(status string, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.PlatformRequests.WithLabelValues(string(platform.Telegram), status).Inc()
	c.metrics.PlatformLatency.WithLabelValues(string(platform.Telegram), status).Observe(elapsed.Seconds())
}

// splitMessage cuts text into chunks of at most limit runes, preferring line breaks.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
