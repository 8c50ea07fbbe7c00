package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const userColumns = `id, email, subscription_status, billing_customer_id, trial_ends_at, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.SubscriptionStatus, &u.BillingCustomerID, &u.TrialEndsAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID returns user by internal identifier.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1;`
	u, err := scanUser(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", notFound(err))
	}
	return u, nil
}

// GetUserByBillingCustomer returns the user linked to a payment provider customer.
func (r *PostgresRepository) GetUserByBillingCustomer(ctx context.Context, customerID string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE billing_customer_id = $1 LIMIT 1;`
	u, err := scanUser(r.pool.QueryRow(ctx, q, customerID))
	if err != nil {
		return nil, fmt.Errorf("get user by billing customer: %w", notFound(err))
	}
	return u, nil
}

// UpsertUserByEmail creates the user on first checkout or returns the existing row.
func (r *PostgresRepository) UpsertUserByEmail(ctx context.Context, email string) (*User, error) {
	q := `
INSERT INTO users (email)
VALUES ($1)
ON CONFLICT (email) DO UPDATE SET updated_at = users.updated_at
RETURNING ` + userColumns + `;`
	u, err := scanUser(r.pool.QueryRow(ctx, q, strings.ToLower(strings.TrimSpace(email))))
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

// SetBillingCustomer links the user to a payment provider customer id.
func (r *PostgresRepository) SetBillingCustomer(ctx context.Context, userID, customerID string) error {
	const q = `UPDATE users SET billing_customer_id = $2, updated_at = NOW() WHERE id = $1`
	ct, err := r.pool.Exec(ctx, q, userID, customerID)
	if err != nil {
		return fmt.Errorf("set billing customer: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("set billing customer %s: %w", userID, ErrNotFound)
	}
	return nil
}

// UpdateSubscriptionStatus writes the user's mirrored subscription status.
func (r *PostgresRepository) UpdateSubscriptionStatus(ctx context.Context, userID, status string) error {
	const q = `UPDATE users SET subscription_status = $2, updated_at = NOW() WHERE id = $1`
	ct, err := r.pool.Exec(ctx, q, userID, status)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("update subscription status %s: %w", userID, ErrNotFound)
	}
	return nil
}
