package repo

import (
	"context"
	"fmt"
)

// UpsertSubscription mirrors a provider subscription row.
func (r *PostgresRepository) UpsertSubscription(ctx context.Context, sub Subscription) error {
	const q = `
INSERT INTO subscriptions (id, user_id, status, current_period_start, current_period_end, cancel_at_period_end, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (id) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    status = EXCLUDED.status,
    current_period_start = COALESCE(EXCLUDED.current_period_start, subscriptions.current_period_start),
    current_period_end = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
    cancel_at_period_end = EXCLUDED.cancel_at_period_end,
    updated_at = NOW();`
	_, err := r.pool.Exec(ctx, q,
		sub.ID,
		sub.UserID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// BillingEventProcessed reports whether a provider event was already handled.
func (r *PostgresRepository) BillingEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM billing_events WHERE id = $1)`, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check billing event: %w", err)
	}
	return exists, nil
}

// MarkBillingEventProcessed records a handled provider event.
func (r *PostgresRepository) MarkBillingEventProcessed(ctx context.Context, eventID, eventType string) error {
	const q = `
INSERT INTO billing_events (id, type, processed_at)
VALUES ($1, $2, NOW())
ON CONFLICT (id) DO NOTHING;`
	if _, err := r.pool.Exec(ctx, q, eventID, eventType); err != nil {
		return fmt.Errorf("mark billing event: %w", err)
	}
	return nil
}
