// Package ledger owns user credit balances. Every change is an append-only
// transaction row; the balance row is a materialized running total.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"bot-relay/internal/metrics"
	"bot-relay/internal/platform"
	"bot-relay/internal/repo"
)

// Transaction reasons.
const (
	ReasonMessage          = "message"
	ReasonMonthlyAllowance = "monthly_allowance"
	ReasonRefund           = "refund"
	ReasonAdjustment       = "adjustment"
)

// ErrInvalidAmount is returned for zero deltas and non-positive debits.
var ErrInvalidAmount = errors.New("invalid credit amount")

// Store is the persistence the ledger needs.
type Store interface {
	GetOrCreateBalance(ctx context.Context, userID string) (*repo.CreditBalance, error)
	ApplyCreditTransaction(ctx context.Context, txn repo.CreditTransaction) (*repo.ApplyResult, error)
	DebitCredits(ctx context.Context, txn repo.CreditTransaction) (*repo.DebitResult, error)
}

// Transaction describes a signed balance change.
type Transaction struct {
	UserID    string
	Delta     int64
	Reason    string
	Reference string
	Metadata  map[string]any
}

// DebitRequest describes a conditional spend.
type DebitRequest struct {
	UserID    string
	Amount    int64
	Reason    string
	Reference string
	Metadata  map[string]any
}

// Ledger applies credit changes through the store's atomic operations.
type Ledger struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New builds a Ledger.
func New(store Store, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		logger:  logger.With("component", "ledger"),
		metrics: m,
	}
}

// GetBalance returns the user's balance, creating a zero row on first access.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	b, err := l.store.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return b.Balance, nil
}

// ApplyTransaction records txn and moves the balance, never below zero.
// A reference seen before for the user makes this a no-op with Applied=false.
func (l *Ledger) ApplyTransaction(ctx context.Context, txn Transaction) (*repo.ApplyResult, error) {
	if txn.Delta == 0 {
		return nil, ErrInvalidAmount
	}
	res, err := l.store.ApplyCreditTransaction(ctx, repo.CreditTransaction{
		UserID:    txn.UserID,
		Delta:     txn.Delta,
		Reason:    txn.Reason,
		Reference: optional(txn.Reference),
		Metadata:  txn.Metadata,
	})
	if err != nil {
		l.count(txn.Reason, "error")
		return nil, fmt.Errorf("apply credit transaction: %w", err)
	}
	if res.Applied {
		l.count(txn.Reason, "applied")
		l.logger.Info("credit transaction applied", "user_id", txn.UserID, "delta", txn.Delta, "reason", txn.Reason, "balance", res.Balance)
	} else {
		l.count(txn.Reason, "duplicate")
		l.logger.Debug("credit transaction already applied", "user_id", txn.UserID, "reference", txn.Reference)
	}
	return res, nil
}

// Debit removes req.Amount credits if, and only if, the balance covers it.
// OK=false with Duplicate=false means insufficient credits.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (*repo.DebitResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	reason := req.Reason
	if reason == "" {
		reason = ReasonMessage
	}
	res, err := l.store.DebitCredits(ctx, repo.CreditTransaction{
		UserID:    req.UserID,
		Delta:     -req.Amount,
		Reason:    reason,
		Reference: optional(req.Reference),
		Metadata:  req.Metadata,
	})
	if err != nil {
		l.count("debit", "error")
		return nil, fmt.Errorf("debit credits: %w", err)
	}
	switch {
	case res.OK:
		l.count("debit", "ok")
	case res.Duplicate:
		l.count("debit", "duplicate")
	default:
		l.count("debit", "insufficient")
	}
	return res, nil
}

func (l *Ledger) count(operation, outcome string) {
	if l.metrics != nil {
		l.metrics.CreditOperations.WithLabelValues(operation, outcome).Inc()
	}
}

// MessageReference is the debit reference for one platform delivery.
func MessageReference(p platform.Platform, externalID string) string {
	return fmt.Sprintf("message:%s:%s", p, externalID)
}

// RefundReference is the reference for refunding a prior debit.
func RefundReference(debitReference string) string {
	return "refund:" + debitReference
}

// AllowanceReference keys a monthly grant by subscription and billing period start.
func AllowanceReference(subscriptionID string, periodStart int64) string {
	return fmt.Sprintf("allowance:%s:%d", subscriptionID, periodStart)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
