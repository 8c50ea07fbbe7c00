package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bot-relay/internal/platform"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// -- Users --

func scanSQLiteUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.SubscriptionStatus, &u.BillingCustomerID, &u.TrialEndsAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *SQLiteRepository) GetUserByID(ctx context.Context, id string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = ? LIMIT 1;`
	u, err := scanSQLiteUser(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", sqliteNotFound(err))
	}
	return u, nil
}

func (r *SQLiteRepository) GetUserByBillingCustomer(ctx context.Context, customerID string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE billing_customer_id = ? LIMIT 1;`
	u, err := scanSQLiteUser(r.db.QueryRowContext(ctx, q, customerID))
	if err != nil {
		return nil, fmt.Errorf("get user by billing customer: %w", sqliteNotFound(err))
	}
	return u, nil
}

func (r *SQLiteRepository) UpsertUserByEmail(ctx context.Context, email string) (*User, error) {
	now := nowUTC()
	q := `
INSERT INTO users (id, email, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (email) DO UPDATE SET updated_at = users.updated_at
RETURNING ` + userColumns + `;`
	u, err := scanSQLiteUser(r.db.QueryRowContext(ctx, q, randomUUID(), strings.ToLower(strings.TrimSpace(email)), now, now))
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

func (r *SQLiteRepository) SetBillingCustomer(ctx context.Context, userID, customerID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET billing_customer_id = ?, updated_at = ? WHERE id = ?`, customerID, nowUTC(), userID)
	if err != nil {
		return fmt.Errorf("set billing customer: %w", err)
	}
	return requireAffected(res, "set billing customer", userID)
}

func (r *SQLiteRepository) UpdateSubscriptionStatus(ctx context.Context, userID, status string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET subscription_status = ?, updated_at = ? WHERE id = ?`, status, nowUTC(), userID)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	return requireAffected(res, "update subscription status", userID)
}

func requireAffected(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}

// -- Connections --

func scanSQLiteConnection(row rowScanner) (*BotConnection, error) {
	var c BotConnection
	var meta []byte
	if err := row.Scan(&c.ID, &c.UserID, &c.Platform, &c.PlatformIdentifier, &c.IsConnected, &c.ConnectedAt, &c.DisconnectedAt, &c.ExpiresAt, &meta, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Metadata = fromJSON(meta)
	return &c, nil
}

func (r *SQLiteRepository) CreateConnection(ctx context.Context, conn BotConnection) (*BotConnection, error) {
	meta, err := toJSON(conn.Metadata)
	if err != nil {
		return nil, err
	}
	q := `
INSERT INTO bot_connections (id, user_id, platform, is_connected, expires_at, metadata, created_at)
VALUES (?, ?, ?, 0, ?, ?, ?)
RETURNING ` + connectionColumns + `;`
	created, err := scanSQLiteConnection(r.db.QueryRowContext(ctx, q,
		conn.ID,
		conn.UserID,
		string(conn.Platform),
		conn.ExpiresAt,
		meta,
		conn.CreatedAt,
	))
	if isSQLiteForeignKeyViolation(err) {
		return nil, fmt.Errorf("insert connection: unknown user %s: %w", conn.UserID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("insert connection: %w", err)
	}
	return created, nil
}

func (r *SQLiteRepository) GetConnection(ctx context.Context, id string) (*BotConnection, error) {
	q := `SELECT ` + connectionColumns + ` FROM bot_connections WHERE id = ? LIMIT 1;`
	c, err := scanSQLiteConnection(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", sqliteNotFound(err))
	}
	return c, nil
}

func (r *SQLiteRepository) FindActiveConnection(ctx context.Context, p platform.Platform, identifier string) (*BotConnection, error) {
	q := `
SELECT ` + connectionColumns + `
FROM bot_connections
WHERE platform = ? AND platform_identifier = ? AND is_connected = 1
LIMIT 1;`
	c, err := scanSQLiteConnection(r.db.QueryRowContext(ctx, q, string(p), identifier))
	if err != nil {
		return nil, fmt.Errorf("find active connection: %w", sqliteNotFound(err))
	}
	return c, nil
}

func (r *SQLiteRepository) LatestConnectionByIdentifier(ctx context.Context, p platform.Platform, identifier string) (*BotConnection, error) {
	q := `
SELECT ` + connectionColumns + `
FROM bot_connections
WHERE platform = ? AND platform_identifier = ?
ORDER BY created_at DESC
LIMIT 1;`
	c, err := scanSQLiteConnection(r.db.QueryRowContext(ctx, q, string(p), identifier))
	if err != nil {
		return nil, fmt.Errorf("latest connection by identifier: %w", sqliteNotFound(err))
	}
	return c, nil
}

func (r *SQLiteRepository) BindConnection(ctx context.Context, params BindParams) (*BotConnection, error) {
	meta, err := toJSON(params.Metadata)
	if err != nil {
		return nil, err
	}

	var bound *BotConnection
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		var userID, plat string
		if err := tx.QueryRowContext(ctx, `SELECT user_id, platform FROM bot_connections WHERE id = ?`, params.ConnectionID).Scan(&userID, &plat); err != nil {
			return sqliteNotFound(err)
		}

		const supersede = `
UPDATE bot_connections
SET is_connected = 0, disconnected_at = ?
WHERE is_connected = 1
  AND id <> ?
  AND platform = ?
  AND (user_id = ? OR platform_identifier = ?);`
		if _, err := tx.ExecContext(ctx, supersede, params.At, params.ConnectionID, plat, userID, params.Identifier); err != nil {
			return fmt.Errorf("supersede connections: %w", err)
		}

		q := `
UPDATE bot_connections
SET is_connected = 1,
    platform_identifier = ?,
    connected_at = ?,
    metadata = json_patch(metadata, ?)
WHERE id = ? AND is_connected = 0 AND disconnected_at IS NULL
RETURNING ` + connectionColumns + `;`
		c, err := scanSQLiteConnection(tx.QueryRowContext(ctx, q, params.Identifier, params.At, meta, params.ConnectionID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) || isSQLiteUniqueViolation(err) {
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

func (r *SQLiteRepository) DisconnectConnection(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE bot_connections
SET is_connected = 0, disconnected_at = COALESCE(disconnected_at, ?)
WHERE id = ?;`, at, id)
	if err != nil {
		return fmt.Errorf("disconnect connection: %w", err)
	}
	return requireAffected(res, "disconnect connection", id)
}

// -- Messages --

func (r *SQLiteRepository) IncomingMessageExists(ctx context.Context, p platform.Platform, externalID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM incoming_messages WHERE platform = ? AND external_message_id = ?)`, string(p), externalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check incoming message: %w", err)
	}
	return exists, nil
}

func (r *SQLiteRepository) InsertIncomingMessage(ctx context.Context, msg IncomingMessage) (*IncomingMessage, bool, error) {
	msg.ID = randomUUID()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO incoming_messages (id, connection_id, platform, external_message_id, sender_identifier, message_type, content, media_ref, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (platform, external_message_id) DO NOTHING;`,
		msg.ID,
		msg.ConnectionID,
		string(msg.Platform),
		msg.ExternalMessageID,
		msg.SenderIdentifier,
		string(msg.MessageType),
		msg.Content,
		msg.MediaRef,
		rawParam(msg.Metadata),
		msg.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert incoming message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert incoming message: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}
	return &msg, true, nil
}

func (r *SQLiteRepository) InsertOutgoingMessage(ctx context.Context, msg OutgoingMessage) (*OutgoingMessage, error) {
	meta, err := toJSON(msg.Metadata)
	if err != nil {
		return nil, err
	}
	if msg.Status == "" {
		msg.Status = DeliveryPending
	}
	msg.ID = randomUUID()
	_, err = r.db.ExecContext(ctx, `
INSERT INTO outgoing_messages (id, connection_id, platform, recipient_identifier, message_type, content, status, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		msg.ID,
		msg.ConnectionID,
		string(msg.Platform),
		msg.RecipientIdentifier,
		string(msg.MessageType),
		msg.Content,
		msg.Status,
		meta,
		msg.CreatedAt,
		msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert outgoing message: %w", err)
	}
	msg.UpdatedAt = msg.CreatedAt
	return &msg, nil
}

func (r *SQLiteRepository) MarkOutgoingSent(ctx context.Context, id, externalID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE outgoing_messages
SET status = 'sent', external_message_id = NULLIF(?, ''), error = NULL, updated_at = ?
WHERE id = ? AND status = 'pending';`, externalID, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("mark outgoing sent: %w", err)
	}
	if err := requireAffected(res, "mark outgoing sent", id); err != nil {
		return fmt.Errorf("mark outgoing sent %s: %w", id, ErrConflict)
	}
	return nil
}

func (r *SQLiteRepository) MarkOutgoingFailed(ctx context.Context, id, reason string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE outgoing_messages
SET status = 'failed', error = ?, updated_at = ?
WHERE id = ? AND status = 'pending';`, reason, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("mark outgoing failed: %w", err)
	}
	if err := requireAffected(res, "mark outgoing failed", id); err != nil {
		return fmt.Errorf("mark outgoing failed %s: %w", id, ErrConflict)
	}
	return nil
}

func (r *SQLiteRepository) UpdateOutgoingStatusByExternalID(ctx context.Context, p platform.Platform, externalID, status string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE outgoing_messages
SET status = ?, updated_at = ?
WHERE platform = ? AND external_message_id = ?
  AND status IN ('pending', 'sent')
  AND status <> ?;`, status, nowUTC(), string(p), externalID, status)
	if err != nil {
		return false, fmt.Errorf("update outgoing status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update outgoing status: %w", err)
	}
	return n > 0, nil
}

// -- Conversations --

func (r *SQLiteRepository) GetOrCreateConversation(ctx context.Context, userID, connectionID string) (*Conversation, error) {
	now := nowUTC()
	if _, err := r.db.ExecContext(ctx, `
INSERT INTO conversations (id, user_id, connection_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id, connection_id) DO NOTHING;`, randomUUID(), userID, connectionID, now, now); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	var c Conversation
	err := r.db.QueryRowContext(ctx, `
SELECT id, user_id, connection_id, created_at, updated_at
FROM conversations
WHERE user_id = ? AND connection_id = ?;`, userID, connectionID).Scan(&c.ID, &c.UserID, &c.ConnectionID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", sqliteNotFound(err))
	}
	return &c, nil
}

func (r *SQLiteRepository) InsertConversationMessage(ctx context.Context, msg ConversationMessage) (*ConversationMessage, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = nowUTC()
	}
	err := r.db.QueryRowContext(ctx, `
INSERT INTO conversation_messages (conversation_id, role, content, message_type, linked_message_id, created_at)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING id;`,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		string(msg.MessageType),
		msg.LinkedMessageID,
		msg.CreatedAt,
	).Scan(&msg.ID)
	if err != nil {
		return nil, fmt.Errorf("insert conversation message: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID); err != nil {
		r.logger.Warn("failed touching conversation", "conversation_id", msg.ConversationID, "error", err)
	}
	return &msg, nil
}

func (r *SQLiteRepository) ListRecentConversationMessages(ctx context.Context, conversationID string, limit int) ([]ConversationMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, message_type, linked_message_id, created_at
FROM conversation_messages
WHERE conversation_id = ?
ORDER BY id DESC
LIMIT ?;`, conversationID, limit)
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

// -- Credits --

func (r *SQLiteRepository) GetOrCreateBalance(ctx context.Context, userID string) (*CreditBalance, error) {
	var b CreditBalance
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureSQLiteBalanceRow(ctx, tx, userID, nowUTC()); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT user_id, balance, updated_at FROM credit_balances WHERE user_id = ?`, userID).Scan(&b.UserID, &b.Balance, &b.UpdatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

func (r *SQLiteRepository) ApplyCreditTransaction(ctx context.Context, txn CreditTransaction) (*ApplyResult, error) {
	meta, err := toJSON(txn.Metadata)
	if err != nil {
		return nil, err
	}
	at := txnTime(txn)

	res := &ApplyResult{}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureSQLiteBalanceRow(ctx, tx, txn.UserID, at); err != nil {
			return err
		}

		txnID := randomUUID()
		ins, err := tx.ExecContext(ctx, `
INSERT INTO credit_transactions (id, user_id, delta, reason, reference, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, reference) DO NOTHING;`, txnID, txn.UserID, txn.Delta, txn.Reason, txn.Reference, meta, at)
		if err != nil {
			return fmt.Errorf("insert credit transaction: %w", err)
		}
		n, err := ins.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert credit transaction: %w", err)
		}
		if n == 0 {
			return tx.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE user_id = ?`, txn.UserID).Scan(&res.Balance)
		}

		if err := tx.QueryRowContext(ctx, `
UPDATE credit_balances
SET balance = MAX(0, balance + ?), updated_at = ?
WHERE user_id = ?
RETURNING balance;`, txn.Delta, at, txn.UserID).Scan(&res.Balance); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE credit_transactions SET balance_after = ? WHERE id = ?`, res.Balance, txnID); err != nil {
			return fmt.Errorf("stamp balance_after: %w", err)
		}
		res.Applied = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply credit transaction: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) DebitCredits(ctx context.Context, txn CreditTransaction) (*DebitResult, error) {
	amount := -txn.Delta
	if amount <= 0 {
		return nil, fmt.Errorf("debit credits: non-negative delta %d", txn.Delta)
	}
	meta, err := toJSON(txn.Metadata)
	if err != nil {
		return nil, err
	}
	at := txnTime(txn)

	res := &DebitResult{}
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureSQLiteBalanceRow(ctx, tx, txn.UserID, at); err != nil {
			return err
		}

		err := tx.QueryRowContext(ctx, `
UPDATE credit_balances
SET balance = balance - ?, updated_at = ?
WHERE user_id = ? AND balance >= ?
RETURNING balance;`, amount, at, txn.UserID, amount).Scan(&res.Balance)
		if errors.Is(err, sql.ErrNoRows) {
			if txn.Reference != nil {
				var taken bool
				if err := tx.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE user_id = ? AND reference = ?);`, txn.UserID, *txn.Reference).Scan(&taken); err != nil {
					return fmt.Errorf("check debit reference: %w", err)
				}
				if taken {
					return errDuplicateReference
				}
			}
			return tx.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE user_id = ?`, txn.UserID).Scan(&res.Balance)
		}
		if err != nil {
			return fmt.Errorf("decrement balance: %w", err)
		}

		ins, err := tx.ExecContext(ctx, `
INSERT INTO credit_transactions (id, user_id, delta, balance_after, reason, reference, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, reference) DO NOTHING;`, randomUUID(), txn.UserID, txn.Delta, res.Balance, txn.Reason, txn.Reference, meta, at)
		if err != nil {
			return fmt.Errorf("insert credit transaction: %w", err)
		}
		n, err := ins.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert credit transaction: %w", err)
		}
		if n == 0 {
			return errDuplicateReference
		}
		res.OK = true
		return nil
	})
	if errors.Is(err, errDuplicateReference) {
		bal, balErr := r.GetOrCreateBalance(ctx, txn.UserID)
		if balErr != nil {
			return nil, balErr
		}
		return &DebitResult{Duplicate: true, Balance: bal.Balance}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("debit credits: %w", err)
	}
	return res, nil
}

func ensureSQLiteBalanceRow(ctx context.Context, tx *sql.Tx, userID string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO credit_balances (user_id, balance, updated_at)
VALUES (?, 0, ?)
ON CONFLICT (user_id) DO NOTHING;`, userID, at); err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}
	return nil
}

// -- Billing --

func (r *SQLiteRepository) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO subscriptions (id, user_id, status, current_period_start, current_period_end, cancel_at_period_end, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    user_id = excluded.user_id,
    status = excluded.status,
    current_period_start = COALESCE(excluded.current_period_start, subscriptions.current_period_start),
    current_period_end = COALESCE(excluded.current_period_end, subscriptions.current_period_end),
    cancel_at_period_end = excluded.cancel_at_period_end,
    updated_at = excluded.updated_at;`,
		sub.ID,
		sub.UserID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) BillingEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM billing_events WHERE id = ?)`, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check billing event: %w", err)
	}
	return exists, nil
}

func (r *SQLiteRepository) MarkBillingEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO billing_events (id, type, processed_at)
VALUES (?, ?, ?)
ON CONFLICT (id) DO NOTHING;`, eventID, eventType, nowUTC())
	if err != nil {
		return fmt.Errorf("mark billing event: %w", err)
	}
	return nil
}
