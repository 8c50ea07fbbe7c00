package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bot-relay/internal/ai"
	"bot-relay/internal/billing"
	"bot-relay/internal/cache"
	"bot-relay/internal/config"
	"bot-relay/internal/connections"
	"bot-relay/internal/conversation"
	"bot-relay/internal/httpserver"
	"bot-relay/internal/ledger"
	"bot-relay/internal/logging"
	"bot-relay/internal/metrics"
	"bot-relay/internal/platform"
	"bot-relay/internal/relay"
	"bot-relay/internal/repo"
	"bot-relay/internal/telegram"
	"bot-relay/internal/wa"
	"bot-relay/internal/whatsapp"
	"bot-relay/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting bot relay", "env", cfg.AppEnv, "database", cfg.DatabaseDriver, "whatsapp_mode", cfg.WhatsAppMode)

	if cfg.PublicBaseURL != "" {
		base := strings.TrimRight(cfg.PublicBaseURL, "/")
		logger.Info("public base url configured",
			"telegram_webhook", base+"/webhook/telegram",
			"whatsapp_webhook", base+"/webhook/whatsapp",
			"stripe_webhook", base+"/webhook/stripe",
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	var (
		claims       relay.Claims
		weatherCache ai.JSONCache
	)
	if cfg.RedisAddr != "" {
		redisClient := cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		claims = redisClient
		weatherCache = redisClient
	} else {
		logger.Warn("redis not configured; delivery claims and weather cache disabled")
	}

	responder, err := buildResponder(cfg, weatherCache, logger, metricRegistry)
	if err != nil {
		return err
	}

	senders := platform.Senders{}
	if err := addTelegram(cfg, senders, logger, metricRegistry); err != nil {
		return err
	}

	var device *wa.Client
	switch cfg.WhatsAppMode {
	case config.WhatsAppCloud:
		client, err := whatsapp.New(whatsapp.Config{
			BaseURL:       cfg.WhatsAppAPIURL,
			APIVersion:    cfg.WhatsAppAPIVersion,
			AccessToken:   cfg.WhatsAppAccessToken,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			Timeout:       cfg.PlatformSendTimeout,
		}, logger, metricRegistry)
		if err != nil {
			if cfg.IsProduction() {
				return fmt.Errorf("init whatsapp cloud client: %w", err)
			}
			logger.Warn("whatsapp cloud client unconfigured", "error", err)
		} else {
			senders[platform.WhatsApp] = client
		}
	case config.WhatsAppDevice:
		device, err = wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
			Metrics:   metricRegistry,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp device client: %w", err)
		}
		defer device.Close()
		senders[platform.WhatsApp] = device
	}

	registry := connections.New(repository, logger, cfg.ConnectTokenTTL)
	credits := ledger.New(repository, logger, metricRegistry)
	pipeline := relay.NewPipeline(relay.Deps{
		Store:         repository,
		Registry:      registry,
		Credits:       credits,
		Conversations: conversation.New(repository),
		AI:            responder,
		Senders:       senders,
	}, relay.Options{
		CreditsPerMessage:   cfg.CreditsPerMessage,
		HistoryLimit:        cfg.HistoryLimit,
		AITimeout:           cfg.AITimeout,
		SendTimeout:         cfg.PlatformSendTimeout,
		RefundOnSendFailure: cfg.RefundOnSendFailure,
		DashboardURL:        cfg.DashboardURL,
	}, logger, metricRegistry)

	dispatcher := relay.NewDispatcher(pipeline, claims, relay.DispatcherConfig{
		Workers:    cfg.RelayWorkers,
		QueueSize:  cfg.RelayQueueSize,
		JobTimeout: cfg.RelayJobTimeout,
		ClaimTTL:   cfg.RelayClaimTTL,
	}, logger, metricRegistry)

	handlers := httpserver.Handlers{
		StripeWebhook: billing.NewWebhookHandler(logger, metricRegistry, cfg.StripeWebhookSecret,
			billing.NewSync(repository, credits, cfg.MonthlyCreditAllowance, logger, metricRegistry)),
	}
	if cfg.TelegramEnabled() {
		handlers.TelegramWebhook = telegram.NewWebhookHandler(logger, metricRegistry, cfg.TelegramWebhookSecret, dispatcher)
	}
	if cfg.WhatsAppMode == config.WhatsAppCloud {
		handlers.WhatsAppWebhook = whatsapp.NewWebhookHandler(logger, metricRegistry, cfg.WhatsAppAppSecret, cfg.WhatsAppVerifyToken, dispatcher, pipeline)
	}

	if device != nil {
		device.SetSink(dispatcher)
		go func() {
			if err := device.Start(ctx); err != nil {
				logger.Error("whatsapp device client stopped", "error", err)
				stop()
			}
		}()
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, handlers, httpserver.Dependencies{
		Health:      repository,
		Connections: registry,
		Links: connections.Links{
			TelegramBot:    cfg.TelegramBotUsername,
			WhatsAppNumber: cfg.WhatsAppBusinessNumber,
		},
		Credits:   credits,
		JWTSecret: cfg.JWTSecret,
	}, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Error("relay dispatcher did not drain", "error", err)
	}

	return runErr
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		return repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	default:
		return repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	}
}

func buildResponder(cfg *config.Config, weatherCache ai.JSONCache, logger *slog.Logger, m *metrics.Metrics) (ai.Responder, error) {
	tools := ai.NewTools(ai.ToolsConfig{WeatherURL: cfg.WeatherAPIURL}, weatherCache, logger)
	client, err := ai.New(ai.Config{
		BaseURL:       cfg.AIBaseURL,
		APIKey:        cfg.AIAPIKey,
		Model:         cfg.AIModel,
		Timeout:       cfg.AITimeout,
		MaxAttempts:   cfg.AIMaxAttempts,
		Backoff:       cfg.AIBackoff,
		AssistantName: cfg.AIAssistantName,
		SystemPrompt:  cfg.AISystemPrompt,
	}, tools, logger, m)
	if errors.Is(err, ai.ErrUnconfigured) && !cfg.IsProduction() {
		logger.Warn("ai client unconfigured; replies fall back to an apology")
		return ai.Unconfigured{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("init ai client: %w", err)
	}
	return client, nil
}

func addTelegram(cfg *config.Config, senders platform.Senders, logger *slog.Logger, m *metrics.Metrics) error {
	if !cfg.TelegramEnabled() {
		logger.Warn("telegram disabled; TELEGRAM_BOT_TOKEN is empty")
		return nil
	}
	client, err := telegram.New(telegram.Config{
		Token:     cfg.TelegramBotToken,
		ServerURL: cfg.TelegramAPIURL,
		Timeout:   cfg.PlatformSendTimeout,
	}, logger, m)
	if err != nil {
		return fmt.Errorf("init telegram client: %w", err)
	}
	senders[platform.Telegram] = client
	return nil
}
