// Package wa is the WhatsApp device-mode transport: a linked device driven by
// whatsmeow instead of the Cloud API webhook.
package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"bot-relay/internal/metrics"
	"bot-relay/internal/platform"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	Metrics   *metrics.Metrics
}

// Client wraps the whatsmeow client and feeds inbound messages to a sink.
type Client struct {
	client  *whatsmeow.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	sink    platform.Sink
}

var _ platform.Sender = (*Client)(nil)

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:  client,
		logger:  logger.With("component", "wa"),
		metrics: cfg.Metrics,
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// SetSink registers where normalized inbound messages go. Must be called before Start.
func (c *Client) SetSink(sink platform.Sink) {
	c.sink = sink
}

// Start connects the client. An unpaired device logs the QR code payload for pairing.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("link this device from WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp device connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

func (c *Client) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	case *events.LoggedOut:
		c.logger.Error("device logged out, pairing required on next start", "reason", v.Reason.String())
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	msg, ok := Normalize(evt, time.Now().UTC())
	if !ok {
		c.logger.Debug("ignoring whatsapp event", "message_id", evt.Info.ID, "group", evt.Info.IsGroup, "from_me", evt.Info.IsFromMe)
		return
	}
	if c.sink == nil {
		c.logger.Warn("no sink registered, dropping message", "external_id", msg.ExternalMessageID)
		return
	}
	// Device events have no HTTP request to fail; a refused message is lost
	// unless the user writes again.
	if err := c.sink.Enqueue(context.Background(), msg); err != nil {
		c.logger.Error("relay refused whatsapp message", "external_id", msg.ExternalMessageID, "error", err)
		if c.metrics != nil {
			c.metrics.Errors.WithLabelValues("wa_enqueue").Inc()
		}
	}
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

// SendText sends a text message to the peer JID and returns the message id.
func (c *Client) SendText(ctx context.Context, peer, text string) (string, error) {
	to, err := types.ParseJID(peer)
	if err != nil {
		return "", fmt.Errorf("parse jid %q: %w", peer, err)
	}
	message := &waProto.Message{
		Conversation: proto.String(text),
	}

	start := time.Now()
	resp, err := c.client.SendMessage(ctx, to, message)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.PlatformRequests.WithLabelValues(string(platform.WhatsApp), status).Inc()
		c.metrics.PlatformLatency.WithLabelValues(string(platform.WhatsApp), status).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	return string(resp.ID), nil
}
