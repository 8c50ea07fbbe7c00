package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var errDuplicateReference = errors.New("duplicate credit reference")

// GetOrCreateBalance returns the user's balance, creating a zero row on first access.
func (r *PostgresRepository) GetOrCreateBalance(ctx context.Context, userID string) (*CreditBalance, error) {
	const q = `
INSERT INTO credit_balances (user_id, balance, updated_at)
VALUES ($1, 0, NOW())
ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
RETURNING user_id, balance, updated_at;`
	var b CreditBalance
	if err := r.pool.QueryRow(ctx, q, userID).Scan(&b.UserID, &b.Balance, &b.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

// ApplyCreditTransaction records txn and moves the balance by its delta, clamped at
// zero. A reference already present for the user makes the call a no-op.
func (r *PostgresRepository) ApplyCreditTransaction(ctx context.Context, txn CreditTransaction) (*ApplyResult, error) {
	meta, err := toJSON(txn.Metadata)
	if err != nil {
		return nil, err
	}
	at := txnTime(txn)

	res := &ApplyResult{}
	err = r.WithTx(ctx, func(tx pgx.Tx) error {
		if err := ensureBalanceRow(ctx, tx, txn.UserID, at); err != nil {
			return err
		}

		var txnID string
		err := tx.QueryRow(ctx, `
INSERT INTO credit_transactions (user_id, delta, reason, reference, metadata, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
ON CONFLICT (user_id, reference) DO NOTHING
RETURNING id;`, txn.UserID, txn.Delta, txn.Reason, txn.Reference, meta, at).Scan(&txnID)
		if errors.Is(err, pgx.ErrNoRows) {
			if txn.Reference != nil {
				var taken bool
				if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE user_id = $1 AND reference = $2);`, txn.UserID, *txn.Reference).Scan(&taken); err != nil {
					return fmt.Errorf("check debit reference: %w", err)
				}
				if taken {
					return errDuplicateReference
				}
			}
			return tx.QueryRow(ctx, `SELECT balance FROM credit_balances WHERE user_id = $1`, txn.UserID).Scan(&res.Balance)
		}
		if err != nil {
			return fmt.Errorf("insert credit transaction: %w", err)
		}

		if err := tx.QueryRow(ctx, `
UPDATE credit_balances
SET balance = GREATEST(0, balance + $2), updated_at = $3
WHERE user_id = $1
RETURNING balance;`, txn.UserID, txn.Delta, at).Scan(&res.Balance); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE credit_transactions SET balance_after = $2 WHERE id = $1`, txnID, res.Balance); err != nil {
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

// DebitCredits removes -txn.Delta credits only if the balance covers it. The check
// and the decrement are one conditional UPDATE; the ledger row is written in the
// same transaction so a duplicate reference rolls the decrement back.
func (r *PostgresRepository) DebitCredits(ctx context.Context, txn CreditTransaction) (*DebitResult, error) {
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
	err = r.WithTx(ctx, func(tx pgx.Tx) error {
		if err := ensureBalanceRow(ctx, tx, txn.UserID, at); err != nil {
			return err
		}

		err := tx.QueryRow(ctx, `
UPDATE credit_balances
SET balance = balance - $2, updated_at = $3
WHERE user_id = $1 AND balance >= $2
RETURNING balance;`, txn.UserID, amount, at).Scan(&res.Balance)
		if errors.Is(err, pgx.ErrNoRows) {
			if txn.Reference != nil {
				var taken bool
				if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE user_id = $1 AND reference = $2);`, txn.UserID, *txn.Reference).Scan(&taken); err != nil {
					return fmt.Errorf("check debit reference: %w", err)
				}
				if taken {
					return errDuplicateReference
				}
			}
			return tx.QueryRow(ctx, `SELECT balance FROM credit_balances WHERE user_id = $1`, txn.UserID).Scan(&res.Balance)
		}
		if err != nil {
			return fmt.Errorf("decrement balance: %w", err)
		}

		ct, err := tx.Exec(ctx, `
INSERT INTO credit_transactions (user_id, delta, balance_after, reason, reference, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
ON CONFLICT (user_id, reference) DO NOTHING;`, txn.UserID, txn.Delta, res.Balance, txn.Reason, txn.Reference, meta, at)
		if err != nil {
			return fmt.Errorf("insert credit transaction: %w", err)
		}
		if ct.RowsAffected() == 0 {
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

func ensureBalanceRow(ctx context.Context, tx pgx.Tx, userID string, at time.Time) error {
	const q = `
INSERT INTO credit_balances (user_id, balance, updated_at)
VALUES ($1, 0, $2)
ON CONFLICT (user_id) DO NOTHING;`
	if _, err := tx.Exec(ctx, q, userID, at); err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}
	return nil
}

func txnTime(txn CreditTransaction) time.Time {
	if txn.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return txn.CreatedAt
}
