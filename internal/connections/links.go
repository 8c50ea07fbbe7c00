package connections

import (
	"fmt"
	"net/url"
	"strings"

	"bot-relay/internal/platform"
)

// Links builds the deep links that carry a connect token into a chat.
type Links struct {
	TelegramBot    string
	WhatsAppNumber string
}

// Link returns the deep link for token on platform p.
func (l Links) Link(p platform.Platform, token string) (string, error) {
	switch p {
	case platform.Telegram:
		bot := strings.TrimPrefix(strings.TrimSpace(l.TelegramBot), "@")
		if bot == "" {
			return "", fmt.Errorf("telegram bot username: %w", platform.ErrUnconfigured)
		}
		return fmt.Sprintf("https://t.me/%s?start=%s", bot, url.QueryEscape(token)), nil
	case platform.WhatsApp:
		number := digitsOnly(l.WhatsAppNumber)
		if number == "" {
			return "", fmt.Errorf("whatsapp business number: %w", platform.ErrUnconfigured)
		}
		return fmt.Sprintf("https://wa.me/%s?text=%s", number, url.PathEscape("start "+token)), nil
	default:
		return "", fmt.Errorf("unknown platform %q", p)
	}
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
