package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bot-relay/internal/platform"

	"github.com/jackc/pgx/v5"
)

const connectionColumns = `id, user_id, platform, platform_identifier, is_connected, connected_at, disconnected_at, expires_at, metadata, created_at`

func scanConnection(row pgx.Row) (*BotConnection, error) {
	var c BotConnection
	var meta []byte
	if err := row.Scan(&c.ID, &c.UserID, &c.Platform, &c.PlatformIdentifier, &c.IsConnected, &c.ConnectedAt, &c.DisconnectedAt, &c.ExpiresAt, &meta, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Metadata = fromJSON(meta)
	return &c, nil
}

// CreateConnection inserts a pending connection row. The caller supplies the token id.
func (r *PostgresRepository) CreateConnection(ctx context.Context, conn BotConnection) (*BotConnection, error) {
	meta, err := toJSON(conn.Metadata)
	if err != nil {
		return nil, err
	}
	q := `
INSERT INTO bot_connections (id, user_id, platform, is_connected, expires_at, metadata, created_at)
VALUES ($1, $2, $3, FALSE, $4, $5::jsonb, $6)
RETURNING ` + connectionColumns + `;`
	created, err := scanConnection(r.pool.QueryRow(ctx, q,
		conn.ID,
		conn.UserID,
		string(conn.Platform),
		conn.ExpiresAt,
		meta,
		conn.CreatedAt,
	))
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("insert connection: unknown user %s: %w", conn.UserID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("insert connection: %w", err)
	}
	return created, nil
}

// GetConnection looks up a connection by id regardless of state.
func (r *PostgresRepository) GetConnection(ctx context.Context, id string) (*BotConnection, error) {
	q := `SELECT ` + connectionColumns + ` FROM bot_connections WHERE id = $1 LIMIT 1;`
	c, err := scanConnection(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", notFound(err))
	}
	return c, nil
}

// FindActiveConnection returns the connected row bound to the platform identity.
func (r *PostgresRepository) FindActiveConnection(ctx context.Context, p platform.Platform, identifier string) (*BotConnection, error) {
	q := `
SELECT ` + connectionColumns + `
FROM bot_connections
WHERE platform = $1 AND platform_identifier = $2 AND is_connected
LIMIT 1;`
	c, err := scanConnection(r.pool.QueryRow(ctx, q, string(p), identifier))
	if err != nil {
		return nil, fmt.Errorf("find active connection: %w", notFound(err))
	}
	return c, nil
}

// LatestConnectionByIdentifier returns the most recent row ever bound to the identity.
func (r *PostgresRepository) LatestConnectionByIdentifier(ctx context.Context, p platform.Platform, identifier string) (*BotConnection, error) {
	q := `
SELECT ` + connectionColumns + `
FROM bot_connections
WHERE platform = $1 AND platform_identifier = $2
ORDER BY created_at DESC
LIMIT 1;`
	c, err := scanConnection(r.pool.QueryRow(ctx, q, string(p), identifier))
	if err != nil {
		return nil, fmt.Errorf("latest connection by identifier: %w", notFound(err))
	}
	return c, nil
}

// BindConnection marks a pending row connected. Other connected rows for the same
// user/platform or the same platform identity are disconnected in the same transaction.
// ErrConflict means the row was no longer pending when the update ran.
func (r *PostgresRepository) BindConnection(ctx context.Context, params BindParams) (*BotConnection, error) {
	meta, err := toJSON(params.Metadata)
	if err != nil {
		return nil, err
	}

	var bound *BotConnection
	err = r.WithTx(ctx, func(tx pgx.Tx) error {
		var userID, plat string
		if err := tx.QueryRow(ctx, `SELECT user_id, platform FROM bot_connections WHERE id = $1 FOR UPDATE`, params.ConnectionID).Scan(&userID, &plat); err != nil {
			return notFound(err)
		}

		const supersede = `
UPDATE bot_connections
SET is_connected = FALSE, disconnected_at = $4
WHERE is_connected
  AND id <> $1
  AND platform = $2
  AND (user_id = $3 OR platform_identifier = $5);`
		if _, err := tx.Exec(ctx, supersede, params.ConnectionID, plat, userID, params.At, params.Identifier); err != nil {
			return fmt.Errorf("supersede connections: %w", err)
		}

		q := `
UPDATE bot_connections
SET is_connected = TRUE,
    platform_identifier = $2,
    connected_at = $3,
    metadata = metadata || $4::jsonb
WHERE id = $1 AND NOT is_connected AND disconnected_at IS NULL
RETURNING ` + connectionColumns + `;`
		c, err := scanConnection(tx.QueryRow(ctx, q, params.ConnectionID, params.Identifier, params.At, meta))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
		bound = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bind connection: %w", err)
	}
	return bound, nil
}

// DisconnectConnection marks a connection as terminally disconnected.
func (r *PostgresRepository) DisconnectConnection(ctx context.Context, id string, at time.Time) error {
	const q = `
UPDATE bot_connections
SET is_connected = FALSE, disconnected_at = COALESCE(disconnected_at, $2)
WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("disconnect connection: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("disconnect connection %s: %w", id, ErrNotFound)
	}
	return nil
}
