package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform identifies a chat network the relay talks to.
type Platform string

const (
	Telegram Platform = "telegram"
	WhatsApp Platform = "whatsapp"
)

// Parse validates a platform name.
func Parse(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q", raw)
	}
	return p, nil
}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	return p == Telegram || p == WhatsApp
}

func (p Platform) String() string { return string(p) }

// MessageType is the canonical content kind of a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
	TypeLocation MessageType = "location"
)

// InboundMessage is the normalized shape every webhook payload is converted into.
type InboundMessage struct {
	Platform          Platform
	ExternalMessageID string
	PeerIdentifier    string
	MessageType       MessageType
	Content           string
	MediaRef          string
	RawPayload        json.RawMessage
	ReceivedAt        time.Time

	// Profile carries sender details that are stored on the connection at bind time.
	Profile map[string]any
}

// Validate checks the fields the relay depends on.
func (m InboundMessage) Validate() error {
	switch {
	case !m.Platform.Valid():
		return fmt.Errorf("invalid platform %q", m.Platform)
	case m.ExternalMessageID == "":
		return errors.New("missing external message id")
	case m.PeerIdentifier == "":
		return errors.New("missing peer identifier")
	case m.MessageType == "":
		return errors.New("missing message type")
	}
	return nil
}

// PromptText renders the message content for the AI collaborator, tagging non-text media.
func (m InboundMessage) PromptText() string {
	if m.MessageType == TypeText || m.MessageType == "" {
		return m.Content
	}
	if m.Content == "" {
		return fmt.Sprintf("[%s]", m.MessageType)
	}
	return fmt.Sprintf("[%s] %s", m.MessageType, m.Content)
}

// ErrUnconfigured is returned by senders built without credentials.
var ErrUnconfigured = errors.New("platform client not configured")

// ErrPartialDelivery is returned alongside a message id when only some parts
// of a split reply reached the peer.
var ErrPartialDelivery = errors.New("reply partially delivered")

// Sender delivers a text reply to a peer and returns the platform's message id.
// A sender that splits long replies returns the id of the last delivered part
// with an error wrapping ErrPartialDelivery when a later part fails.
type Sender interface {
	SendText(ctx context.Context, peer, text string) (string, error)
}

// Unconfigured is the sender used when a platform has no credentials.
type Unconfigured struct {
	Platform Platform
}

// SendText always fails with ErrUnconfigured.
func (u Unconfigured) SendText(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("%s: %w", u.Platform, ErrUnconfigured)
}

// Senders routes replies to the sender registered for each platform.
type Senders map[Platform]Sender

// For returns the sender for p, falling back to Unconfigured.
func (s Senders) For(p Platform) Sender {
	if sender, ok := s[p]; ok && sender != nil {
		return sender
	}
	return Unconfigured{Platform: p}
}

// Sink accepts normalized inbound messages for asynchronous processing. An error
// means the message was not accepted and the platform should redeliver.
type Sink interface {
	Enqueue(ctx context.Context, msg InboundMessage) error
}
