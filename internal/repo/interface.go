package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"bot-relay/internal/platform"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional write lost against a concurrent change.
	ErrConflict = errors.New("record state conflict")
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Users
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByBillingCustomer(ctx context.Context, customerID string) (*User, error)
	UpsertUserByEmail(ctx context.Context, email string) (*User, error)
	SetBillingCustomer(ctx context.Context, userID, customerID string) error
	UpdateSubscriptionStatus(ctx context.Context, userID, status string) error

	// Connections
	CreateConnection(ctx context.Context, conn BotConnection) (*BotConnection, error)
	GetConnection(ctx context.Context, id string) (*BotConnection, error)
	FindActiveConnection(ctx context.Context, p platform.Platform, identifier string) (*BotConnection, error)
	LatestConnectionByIdentifier(ctx context.Context, p platform.Platform, identifier string) (*BotConnection, error)
	BindConnection(ctx context.Context, params BindParams) (*BotConnection, error)
	DisconnectConnection(ctx context.Context, id string, at time.Time) error

	// Messages
	IncomingMessageExists(ctx context.Context, p platform.Platform, externalID string) (bool, error)
	InsertIncomingMessage(ctx context.Context, msg IncomingMessage) (*IncomingMessage, bool, error)
	InsertOutgoingMessage(ctx context.Context, msg OutgoingMessage) (*OutgoingMessage, error)
	MarkOutgoingSent(ctx context.Context, id, externalID string) error
	MarkOutgoingFailed(ctx context.Context, id, reason string) error
	UpdateOutgoingStatusByExternalID(ctx context.Context, p platform.Platform, externalID, status string) (bool, error)

	// Conversations
	GetOrCreateConversation(ctx context.Context, userID, connectionID string) (*Conversation, error)
	InsertConversationMessage(ctx context.Context, msg ConversationMessage) (*ConversationMessage, error)
	ListRecentConversationMessages(ctx context.Context, conversationID string, limit int) ([]ConversationMessage, error)

	// Credits
	GetOrCreateBalance(ctx context.Context, userID string) (*CreditBalance, error)
	ApplyCreditTransaction(ctx context.Context, txn CreditTransaction) (*ApplyResult, error)
	DebitCredits(ctx context.Context, txn CreditTransaction) (*DebitResult, error)

	// Billing
	UpsertSubscription(ctx context.Context, sub Subscription) error
	BillingEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkBillingEventProcessed(ctx context.Context, eventID, eventType string) error
}
