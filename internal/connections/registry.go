// Package connections binds anonymous platform chats to user accounts through
// one-time connect tokens.
package connections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bot-relay/internal/platform"
	"bot-relay/internal/repo"

	"github.com/google/uuid"
)

var (
	// ErrInvalidToken covers unknown, malformed, expired and disconnected tokens.
	ErrInvalidToken = errors.New("invalid connect token")
	// ErrPlatformMismatch means the token was issued for another platform.
	ErrPlatformMismatch = errors.New("connect token issued for another platform")
	// ErrAlreadyBound means the token is connected to a different chat.
	ErrAlreadyBound = errors.New("connect token already bound to another chat")
)

// Store is the persistence the registry needs.
type Store interface {
	CreateConnection(ctx context.Context, conn repo.BotConnection) (*repo.BotConnection, error)
	GetConnection(ctx context.Context, id string) (*repo.BotConnection, error)
	FindActiveConnection(ctx context.Context, p platform.Platform, identifier string) (*repo.BotConnection, error)
	LatestConnectionByIdentifier(ctx context.Context, p platform.Platform, identifier string) (*repo.BotConnection, error)
	BindConnection(ctx context.Context, params repo.BindParams) (*repo.BotConnection, error)
	DisconnectConnection(ctx context.Context, id string, at time.Time) error
}

// Registry runs the pending -> connected -> disconnected lifecycle.
type Registry struct {
	store    Store
	logger   *slog.Logger
	tokenTTL time.Duration
	now      func() time.Time
}

// New builds a Registry. A zero tokenTTL means tokens never expire.
func New(store Store, logger *slog.Logger, tokenTTL time.Duration) *Registry {
	return &Registry{
		store:    store,
		logger:   logger.With("component", "connections"),
		tokenTTL: tokenTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreatePending issues a new connect token for the user on platform p.
func (r *Registry) CreatePending(ctx context.Context, userID string, p platform.Platform) (*repo.BotConnection, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("create pending connection: unknown platform %q", p)
	}
	token, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate connect token: %w", err)
	}
	now := r.now()
	conn := repo.BotConnection{
		ID:        token.String(),
		UserID:    userID,
		Platform:  p,
		CreatedAt: now,
	}
	if r.tokenTTL > 0 {
		expires := now.Add(r.tokenTTL)
		conn.ExpiresAt = &expires
	}
	created, err := r.store.CreateConnection(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("create pending connection: %w", err)
	}
	r.logger.Info("connect token issued", "user_id", userID, "platform", p, "connection_id", created.ID)
	return created, nil
}

// ResolveToken returns the connection behind token in any state.
func (r *Registry) ResolveToken(ctx context.Context, token string) (*repo.BotConnection, error) {
	if _, err := uuid.Parse(token); err != nil {
		return nil, fmt.Errorf("resolve token: %w", repo.ErrNotFound)
	}
	conn, err := r.store.GetConnection(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	return conn, nil
}

// Bind connects the pending row behind token to the platform identity. Binding
// again to the same identity returns the row unchanged.
func (r *Registry) Bind(ctx context.Context, token string, p platform.Platform, identifier string, metadata map[string]any) (*repo.BotConnection, error) {
	conn, err := r.ResolveToken(ctx, token)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if conn.Platform != p {
		return nil, ErrPlatformMismatch
	}

	switch conn.State() {
	case repo.StateDisconnected:
		return nil, ErrInvalidToken
	case repo.StateConnected:
		return r.alreadyConnected(conn, identifier)
	}

	now := r.now()
	if conn.ExpiresAt != nil && !now.Before(*conn.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	bound, err := r.store.BindConnection(ctx, repo.BindParams{
		ConnectionID: conn.ID,
		Identifier:   identifier,
		Metadata:     metadata,
		At:           now,
	})
	if errors.Is(err, repo.ErrConflict) {
		// Lost a race with another handshake for the same token.
		current, getErr := r.store.GetConnection(ctx, conn.ID)
		if getErr != nil {
			return nil, fmt.Errorf("bind connection: %w", getErr)
		}
		switch current.State() {
		case repo.StateConnected:
			return r.alreadyConnected(current, identifier)
		case repo.StateDisconnected:
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("bind connection: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("bind connection: %w", err)
	}
	r.logger.Info("connection bound", "connection_id", bound.ID, "user_id", bound.UserID, "platform", p)
	return bound, nil
}

func (r *Registry) alreadyConnected(conn *repo.BotConnection, identifier string) (*repo.BotConnection, error) {
	if conn.Identifier() == identifier {
		return conn, nil
	}
	r.logger.Warn("connect token reused from another chat", "connection_id", conn.ID, "platform", conn.Platform)
	return nil, ErrAlreadyBound
}

// FindActive returns the connected row for the platform identity, or nil.
func (r *Registry) FindActive(ctx context.Context, p platform.Platform, identifier string) (*repo.BotConnection, error) {
	conn, err := r.store.FindActiveConnection(ctx, p, identifier)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active connection: %w", err)
	}
	return conn, nil
}

// LatestByIdentifier returns the newest row ever bound to the identity, or nil.
func (r *Registry) LatestByIdentifier(ctx context.Context, p platform.Platform, identifier string) (*repo.BotConnection, error) {
	conn, err := r.store.LatestConnectionByIdentifier(ctx, p, identifier)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest connection: %w", err)
	}
	return conn, nil
}

// Disconnect ends a connection. History rows are kept.
func (r *Registry) Disconnect(ctx context.Context, connectionID string) error {
	if err := r.store.DisconnectConnection(ctx, connectionID, r.now()); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	r.logger.Info("connection disconnected", "connection_id", connectionID)
	return nil
}

// DisconnectOwned disconnects connectionID only if it belongs to userID.
// Rows owned by someone else report repo.ErrNotFound.
func (r *Registry) DisconnectOwned(ctx context.Context, userID, connectionID string) error {
	conn, err := r.ResolveToken(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.UserID != userID {
		return fmt.Errorf("disconnect: %w", repo.ErrNotFound)
	}
	return r.Disconnect(ctx, conn.ID)
}
