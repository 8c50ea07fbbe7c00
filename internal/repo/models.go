package repo

import (
	"encoding/json"
	"time"

	"bot-relay/internal/platform"
)

// Subscription statuses mirrored from the payment provider.
const (
	StatusTrialing = "trialing"
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
	StatusInactive = "inactive"
)

// Outgoing message delivery statuses.
const (
	DeliveryPending   = "pending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// User represents the users table row.
type User struct {
	ID                 string
	Email              string
	SubscriptionStatus string
	BillingCustomerID  *string
	TrialEndsAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasRelayAccess reports whether the subscription allows relaying at the given time.
func (u *User) HasRelayAccess(now time.Time) bool {
	switch u.SubscriptionStatus {
	case StatusActive:
		return true
	case StatusTrialing:
		return u.TrialEndsAt == nil || now.Before(*u.TrialEndsAt)
	default:
		return false
	}
}

// ConnectionState is derived from the bot_connections columns.
type ConnectionState string

const (
	StatePending      ConnectionState = "pending"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// BotConnection binds a platform chat to a user. ID doubles as the connect token.
type BotConnection struct {
	ID                 string
	UserID             string
	Platform           platform.Platform
	PlatformIdentifier *string
	IsConnected        bool
	ConnectedAt        *time.Time
	DisconnectedAt     *time.Time
	ExpiresAt          *time.Time
	Metadata           map[string]any
	CreatedAt          time.Time
}

// State returns the lifecycle state of the connection.
func (c *BotConnection) State() ConnectionState {
	switch {
	case c.IsConnected:
		return StateConnected
	case c.DisconnectedAt != nil:
		return StateDisconnected
	default:
		return StatePending
	}
}

// Identifier returns the bound platform identifier or an empty string.
func (c *BotConnection) Identifier() string {
	if c.PlatformIdentifier == nil {
		return ""
	}
	return *c.PlatformIdentifier
}

// BindParams carries the handshake data applied to a pending connection.
type BindParams struct {
	ConnectionID string
	Identifier   string
	Metadata     map[string]any
	At           time.Time
}

// IncomingMessage is a persisted inbound platform message.
type IncomingMessage struct {
	ID                string
	ConnectionID      string
	Platform          platform.Platform
	ExternalMessageID string
	SenderIdentifier  string
	MessageType       platform.MessageType
	Content           string
	MediaRef          *string
	Metadata          json.RawMessage
	CreatedAt         time.Time
}

// OutgoingMessage is a reply relayed back to a platform.
type OutgoingMessage struct {
	ID                  string
	ConnectionID        string
	Platform            platform.Platform
	ExternalMessageID   *string
	RecipientIdentifier string
	MessageType         platform.MessageType
	Content             string
	Status              string
	Error               *string
	Metadata            map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Conversation is the running log for a (user, connection) pair.
type Conversation struct {
	ID           string
	UserID       string
	ConnectionID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ConversationMessage is one turn in a conversation.
type ConversationMessage struct {
	ID              int64
	ConversationID  string
	Role            string
	Content         string
	MessageType     platform.MessageType
	LinkedMessageID *string
	CreatedAt       time.Time
}

// CreditBalance is the materialized balance of a user.
type CreditBalance struct {
	UserID    string
	Balance   int64
	UpdatedAt time.Time
}

// CreditTransaction is an append-only ledger entry. Reference is the idempotency key.
type CreditTransaction struct {
	ID           string
	UserID       string
	Delta        int64
	BalanceAfter int64
	Reason       string
	Reference    *string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// ApplyResult reports the outcome of ApplyCreditTransaction.
type ApplyResult struct {
	Applied bool
	Balance int64
}

// DebitResult reports the outcome of DebitCredits.
type DebitResult struct {
	OK        bool
	Duplicate bool
	Balance   int64
}

// Subscription mirrors a payment provider subscription.
type Subscription struct {
	ID                 string
	UserID             string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	UpdatedAt          time.Time
}
