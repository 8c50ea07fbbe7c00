package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// WhatsApp transport modes.
const (
	WhatsAppCloud    = "cloud"
	WhatsAppDevice   = "device"
	WhatsAppDisabled = "disabled"
)

// Config holds all runtime settings loaded from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	PublicBaseURL    string
	MetricsNamespace string

	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	TelegramBotToken      string
	TelegramBotUsername   string
	TelegramWebhookSecret string
	TelegramAPIURL        string

	WhatsAppMode           string
	WhatsAppAccessToken    string
	WhatsAppPhoneNumberID  string
	WhatsAppBusinessNumber string
	WhatsAppAppSecret      string
	WhatsAppVerifyToken    string
	WhatsAppAPIVersion     string
	WhatsAppAPIURL         string
	WhatsAppStorePath      string
	WhatsAppLogLevel       string

	AIBaseURL       string
	AIAPIKey        string
	AIModel         string
	AITimeout       time.Duration
	AIMaxAttempts   int
	AIBackoff       time.Duration
	AIAssistantName string
	AISystemPrompt  string
	WeatherAPIURL   string

	StripeWebhookSecret string
	JWTSecret           string

	CreditsPerMessage      int64
	MonthlyCreditAllowance int64
	HistoryLimit           int
	ConnectTokenTTL        time.Duration
	RefundOnSendFailure    bool

	DashboardURL        string
	RelayWorkers        int
	RelayQueueSize      int
	RelayJobTimeout     time.Duration
	RelayClaimTTL       time.Duration
	PlatformSendTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	l := &loader{}
	cfg := &Config{
		AppEnv:           env("APP_ENV", "development"),
		LogLevel:         env("LOG_LEVEL", "info"),
		LogFormat:        env("LOG_FORMAT", "text"),
		HTTPListenAddr:   env("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   env("PUBLIC_BASE_PATH", ""),
		PublicBaseURL:    env("PUBLIC_BASE_URL", ""),
		MetricsNamespace: env("METRICS_NAMESPACE", "bot_relay"),

		DatabaseDriver: strings.ToLower(env("DATABASE_DRIVER", "postgres")),
		DatabaseURL:    env("DATABASE_URL", ""),
		DatabaseSchema: env("DATABASE_SCHEMA", ""),
		SQLitePath:     env("SQLITE_PATH", "data/relay.db"),

		RedisAddr:     env("REDIS_ADDR", ""),
		RedisPassword: env("REDIS_PASSWORD", ""),
		RedisDB:       l.envInt("REDIS_DB", 0),
		RedisTLS:      l.envBool("REDIS_TLS", false),

		TelegramBotToken:      env("TELEGRAM_BOT_TOKEN", ""),
		TelegramBotUsername:   strings.TrimPrefix(env("TELEGRAM_BOT_USERNAME", ""), "@"),
		TelegramWebhookSecret: env("TELEGRAM_WEBHOOK_SECRET", ""),
		TelegramAPIURL:        env("TELEGRAM_API_URL", ""),

		WhatsAppMode:           strings.ToLower(env("WHATSAPP_MODE", WhatsAppCloud)),
		WhatsAppAccessToken:    env("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppPhoneNumberID:  env("WHATSAPP_PHONE_NUMBER_ID", ""),
		WhatsAppBusinessNumber: env("WHATSAPP_BUSINESS_NUMBER", ""),
		WhatsAppAppSecret:      env("WHATSAPP_APP_SECRET", ""),
		WhatsAppVerifyToken:    env("WHATSAPP_VERIFY_TOKEN", ""),
		WhatsAppAPIVersion:     env("WHATSAPP_API_VERSION", "v20.0"),
		WhatsAppAPIURL:         env("WHATSAPP_API_URL", "https://graph.facebook.com"),
		WhatsAppStorePath:      env("WHATSAPP_STORE_PATH", "data/whatsmeow.db"),
		WhatsAppLogLevel:       env("WHATSAPP_LOG_LEVEL", "INFO"),

		AIBaseURL:       env("AI_BASE_URL", "https://api.openai.com/v1"),
		AIAPIKey:        env("AI_API_KEY", ""),
		AIModel:         env("AI_MODEL", "gpt-4o-mini"),
		AITimeout:       l.envDuration("AI_TIMEOUT", 60*time.Second),
		AIMaxAttempts:   l.envInt("AI_MAX_ATTEMPTS", 3),
		AIBackoff:       l.envDuration("AI_BACKOFF", 500*time.Millisecond),
		AIAssistantName: env("AI_ASSISTANT_NAME", "Relay Assistant"),
		AISystemPrompt:  env("AI_SYSTEM_PROMPT", ""),
		WeatherAPIURL:   env("WEATHER_API_URL", "https://api.open-meteo.com"),

		StripeWebhookSecret: env("STRIPE_WEBHOOK_SECRET", ""),
		JWTSecret:           env("JWT_SECRET", ""),

		CreditsPerMessage:      int64(l.envInt("CREDITS_PER_MESSAGE", 1)),
		MonthlyCreditAllowance: int64(l.envInt("MONTHLY_CREDIT_ALLOWANCE", 500)),
		HistoryLimit:           l.envInt("HISTORY_LIMIT", 20),
		ConnectTokenTTL:        l.envDuration("CONNECT_TOKEN_TTL", 24*time.Hour),
		RefundOnSendFailure:    l.envBool("REFUND_ON_SEND_FAILURE", false),

		DashboardURL:        strings.TrimRight(env("DASHBOARD_URL", "http://localhost:3000"), "/"),
		RelayWorkers:        l.envInt("RELAY_WORKERS", 8),
		RelayQueueSize:      l.envInt("RELAY_QUEUE_SIZE", 256),
		RelayJobTimeout:     l.envDuration("RELAY_JOB_TIMEOUT", 2*time.Minute),
		RelayClaimTTL:       l.envDuration("RELAY_CLAIM_TTL", 10*time.Minute),
		PlatformSendTimeout: l.envDuration("PLATFORM_SEND_TIMEOUT", 10*time.Second),
	}
	if err := errors.Join(l.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether missing credentials must fail startup.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// TelegramEnabled reports whether Telegram credentials are present.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}

	switch c.WhatsAppMode {
	case WhatsAppCloud, WhatsAppDevice, WhatsAppDisabled:
	default:
		errs = append(errs, fmt.Errorf("unsupported WHATSAPP_MODE %q", c.WhatsAppMode))
	}

	if c.CreditsPerMessage <= 0 {
		errs = append(errs, errors.New("CREDITS_PER_MESSAGE must be positive"))
	}
	if c.RelayWorkers <= 0 || c.RelayQueueSize <= 0 {
		errs = append(errs, errors.New("RELAY_WORKERS and RELAY_QUEUE_SIZE must be positive"))
	}
	if c.AIMaxAttempts <= 0 {
		errs = append(errs, errors.New("AI_MAX_ATTEMPTS must be positive"))
	}

	if c.IsProduction() {
		required := map[string]string{
			"JWT_SECRET":            c.JWTSecret,
			"STRIPE_WEBHOOK_SECRET": c.StripeWebhookSecret,
			"AI_API_KEY":            c.AIAPIKey,
			"DASHBOARD_URL":         c.DashboardURL,
		}
		if c.TelegramEnabled() {
			required["TELEGRAM_WEBHOOK_SECRET"] = c.TelegramWebhookSecret
			required["TELEGRAM_BOT_USERNAME"] = c.TelegramBotUsername
		}
		if c.WhatsAppMode == WhatsAppCloud {
			required["WHATSAPP_ACCESS_TOKEN"] = c.WhatsAppAccessToken
			required["WHATSAPP_PHONE_NUMBER_ID"] = c.WhatsAppPhoneNumberID
			required["WHATSAPP_APP_SECRET"] = c.WhatsAppAppSecret
			required["WHATSAPP_VERIFY_TOKEN"] = c.WhatsAppVerifyToken
			required["WHATSAPP_BUSINESS_NUMBER"] = c.WhatsAppBusinessNumber
		}
		for _, key := range sortedKeys(required) {
			if required[key] == "" {
				errs = append(errs, fmt.Errorf("%s is required in production", key))
			}
		}
	}
	return errors.Join(errs...)
}

type loader struct {
	errs []error
}

func env(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val)
	}
	return fallback
}

func (l *loader) envInt(key string, fallback int) int {
	raw := env(key, "")
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return fallback
	}
	return val
}

func (l *loader) envBool(key string, fallback bool) bool {
	raw := env(key, "")
	if raw == "" {
		return fallback
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
		return fallback
	}
	return val
}

func (l *loader) envDuration(key string, fallback time.Duration) time.Duration {
	raw := env(key, "")
	if raw == "" {
		return fallback
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return fallback
	}
	return val
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
