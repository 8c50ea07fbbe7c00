package config

import (
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "DATABASE_DRIVER", "DATABASE_URL", "SQLITE_PATH", "WHATSAPP_MODE",
		"CREDITS_PER_MESSAGE", "RELAY_WORKERS", "RELAY_QUEUE_SIZE", "AI_MAX_ATTEMPTS",
		"AI_TIMEOUT", "REDIS_DB", "REFUND_ON_SEND_FAILURE", "TELEGRAM_BOT_TOKEN",
		"TELEGRAM_BOT_USERNAME", "DASHBOARD_URL", "JWT_SECRET", "STRIPE_WEBHOOK_SECRET", "AI_API_KEY",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("DATABASE_DRIVER", "sqlite")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TELEGRAM_BOT_USERNAME", "@relay_bot")
	t.Setenv("DASHBOARD_URL", "https://app.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CreditsPerMessage != 1 || cfg.MonthlyCreditAllowance != 500 || cfg.HistoryLimit != 20 {
		t.Fatalf("unexpected credit defaults: %+v", cfg)
	}
	if cfg.ConnectTokenTTL != 24*time.Hour {
		t.Fatalf("expected a 24h connect token ttl, got %s", cfg.ConnectTokenTTL)
	}
	if cfg.RefundOnSendFailure {
		t.Fatalf("refunds must be off by default")
	}
	if cfg.TelegramBotUsername != "relay_bot" {
		t.Fatalf("expected the @ stripped, got %q", cfg.TelegramBotUsername)
	}
	if cfg.DashboardURL != "https://app.example.com" {
		t.Fatalf("expected the trailing slash trimmed, got %q", cfg.DashboardURL)
	}
	if cfg.WhatsAppMode != WhatsAppCloud || cfg.IsProduction() || cfg.TelegramEnabled() {
		t.Fatalf("unexpected mode defaults: %+v", cfg)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AI_TIMEOUT", "soon")
	t.Setenv("REDIS_DB", "zero")
	t.Setenv("REFUND_ON_SEND_FAILURE", "maybe")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected malformed values to fail")
	}
	for _, key := range []string{"AI_TIMEOUT", "REDIS_DB", "REFUND_ON_SEND_FAILURE"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in error, got %v", key, err)
		}
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			DatabaseDriver:    "postgres",
			DatabaseURL:       "postgres://localhost/relay",
			WhatsAppMode:      WhatsAppDisabled,
			CreditsPerMessage: 1,
			RelayWorkers:      1,
			RelayQueueSize:    1,
			AIMaxAttempts:     1,
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid development", func(*Config) {}, ""},
		{"postgres without url", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }, "DATABASE_DRIVER"},
		{"unknown whatsapp mode", func(c *Config) { c.WhatsAppMode = "web" }, "WHATSAPP_MODE"},
		{"zero credits", func(c *Config) { c.CreditsPerMessage = 0 }, "CREDITS_PER_MESSAGE"},
		{"production without secrets", func(c *Config) { c.AppEnv = "production" }, "JWT_SECRET"},
		{"production telegram without webhook secret", func(c *Config) {
			c.AppEnv = "production"
			c.JWTSecret = "j"
			c.StripeWebhookSecret = "s"
			c.AIAPIKey = "k"
			c.DashboardURL = "https://app.example.com"
			c.TelegramBotToken = "t"
			c.TelegramBotUsername = "relay_bot"
		}, "TELEGRAM_WEBHOOK_SECRET"},
		{"production cloud without credentials", func(c *Config) {
			c.AppEnv = "production"
			c.JWTSecret = "j"
			c.StripeWebhookSecret = "s"
			c.AIAPIKey = "k"
			c.DashboardURL = "https://app.example.com"
			c.WhatsAppMode = WhatsAppCloud
		}, "WHATSAPP_ACCESS_TOKEN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", tc.wantErr, err)
			}
		})
	}
}
