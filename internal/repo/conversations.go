package repo

import (
	"context"
	"fmt"
	"time"
)

// GetOrCreateConversation returns the single running conversation for the pair,
// creating it on first use. Concurrent callers converge on the same row.
func (r *PostgresRepository) GetOrCreateConversation(ctx context.Context, userID, connectionID string) (*Conversation, error) {
	const insert = `
INSERT INTO conversations (user_id, connection_id)
VALUES ($1, $2)
ON CONFLICT (user_id, connection_id) DO NOTHING;`
	if _, err := r.pool.Exec(ctx, insert, userID, connectionID); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	const q = `
SELECT id, user_id, connection_id, created_at, updated_at
FROM conversations
WHERE user_id = $1 AND connection_id = $2;`
	var c Conversation
	if err := r.pool.QueryRow(ctx, q, userID, connectionID).Scan(&c.ID, &c.UserID, &c.ConnectionID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get conversation: %w", notFound(err))
	}
	return &c, nil
}

// InsertConversationMessage appends a turn and bumps the conversation timestamp.
func (r *PostgresRepository) InsertConversationMessage(ctx context.Context, msg ConversationMessage) (*ConversationMessage, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO conversation_messages (conversation_id, role, content, message_type, linked_message_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id;`
	if err := r.pool.QueryRow(ctx, q,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		string(msg.MessageType),
		msg.LinkedMessageID,
		msg.CreatedAt,
	).Scan(&msg.ID); err != nil {
		return nil, fmt.Errorf("insert conversation message: %w", err)
	}

	if _, err := r.pool.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, msg.ConversationID, msg.CreatedAt); err != nil {
		r.logger.Warn("failed touching conversation", "conversation_id", msg.ConversationID, "error", err)
	}
	return &msg, nil
}

// ListRecentConversationMessages returns up to limit turns, newest first.
func (r *PostgresRepository) ListRecentConversationMessages(ctx context.Context, conversationID string, limit int) ([]ConversationMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, conversation_id, role, content, message_type, linked_message_id, created_at
FROM conversation_messages
WHERE conversation_id = $1
ORDER BY id DESC
LIMIT $2;`
	rows, err := r.pool.Query(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversation messages: %w", err)
	}
	defer rows.Close()

	var records []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.MessageType, &m.LinkedMessageID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation message: %w", err)
		}
		records = append(records, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation messages: %w", err)
	}
	return records, nil
}
