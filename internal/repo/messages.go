package repo

import (
	"context"
	"errors"
	"fmt"

	"bot-relay/internal/platform"

	"github.com/jackc/pgx/v5"
)

// IncomingMessageExists reports whether the platform delivery was already recorded.
func (r *PostgresRepository) IncomingMessageExists(ctx context.Context, p platform.Platform, externalID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM incoming_messages WHERE platform = $1 AND external_message_id = $2);`
	var exists bool
	if err := r.pool.QueryRow(ctx, q, string(p), externalID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check incoming message: %w", err)
	}
	return exists, nil
}

// InsertIncomingMessage stores an inbound message. The boolean is false when the
// (platform, external_message_id) pair already existed and nothing was written.
func (r *PostgresRepository) InsertIncomingMessage(ctx context.Context, msg IncomingMessage) (*IncomingMessage, bool, error) {
	const q = `
INSERT INTO incoming_messages (connection_id, platform, external_message_id, sender_identifier, message_type, content, media_ref, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
ON CONFLICT (platform, external_message_id) DO NOTHING
RETURNING id;`
	err := r.pool.QueryRow(ctx, q,
		msg.ConnectionID,
		string(msg.Platform),
		msg.ExternalMessageID,
		msg.SenderIdentifier,
		string(msg.MessageType),
		msg.Content,
		msg.MediaRef,
		rawParam(msg.Metadata),
		msg.CreatedAt,
	).Scan(&msg.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("insert incoming message: %w", err)
	}
	return &msg, true, nil
}

// InsertOutgoingMessage stores a reply in pending state before it is sent.
func (r *PostgresRepository) InsertOutgoingMessage(ctx context.Context, msg OutgoingMessage) (*OutgoingMessage, error) {
	meta, err := toJSON(msg.Metadata)
	if err != nil {
		return nil, err
	}
	if msg.Status == "" {
		msg.Status = DeliveryPending
	}
	const q = `
INSERT INTO outgoing_messages (connection_id, platform, recipient_identifier, message_type, content, status, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $8)
RETURNING id;`
	err = r.pool.QueryRow(ctx, q,
		msg.ConnectionID,
		string(msg.Platform),
		msg.RecipientIdentifier,
		string(msg.MessageType),
		msg.Content,
		msg.Status,
		meta,
		msg.CreatedAt,
	).Scan(&msg.ID)
	if err != nil {
		return nil, fmt.Errorf("insert outgoing message: %w", err)
	}
	msg.UpdatedAt = msg.CreatedAt
	return &msg, nil
}

// MarkOutgoingSent records a successful platform send.
func (r *PostgresRepository) MarkOutgoingSent(ctx context.Context, id, externalID string) error {
	const q = `
UPDATE outgoing_messages
SET status = 'sent', external_message_id = NULLIF($2, ''), error = NULL, updated_at = NOW()
WHERE id = $1 AND status = 'pending';`
	ct, err := r.pool.Exec(ctx, q, id, externalID)
	if err != nil {
		return fmt.Errorf("mark outgoing sent: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("mark outgoing sent %s: %w", id, ErrConflict)
	}
	return nil
}

// MarkOutgoingFailed records a failed platform send.
func (r *PostgresRepository) MarkOutgoingFailed(ctx context.Context, id, reason string) error {
	const q = `
UPDATE outgoing_messages
SET status = 'failed', error = $2, updated_at = NOW()
WHERE id = $1 AND status = 'pending';`
	ct, err := r.pool.Exec(ctx, q, id, reason)
	if err != nil {
		return fmt.Errorf("mark outgoing failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("mark outgoing failed %s: %w", id, ErrConflict)
	}
	return nil
}

// UpdateOutgoingStatusByExternalID applies a platform delivery receipt. Receipts never
// move a message backwards, so a late "sent" after "delivered" is ignored.
func (r *PostgresRepository) UpdateOutgoingStatusByExternalID(ctx context.Context, p platform.Platform, externalID, status string) (bool, error) {
	const q = `
UPDATE outgoing_messages
SET status = $3, updated_at = NOW()
WHERE platform = $1 AND external_message_id = $2
  AND status IN ('pending', 'sent')
  AND status <> $3;`
	ct, err := r.pool.Exec(ctx, q, string(p), externalID, status)
	if err != nil {
		return false, fmt.Errorf("update outgoing status: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
