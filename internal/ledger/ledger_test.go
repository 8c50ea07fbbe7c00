package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"bot-relay/internal/logging"
	"bot-relay/internal/metrics"
	"bot-relay/internal/platform"
	"bot-relay/internal/repo"
	"bot-relay/internal/repo/repotest"
)

func newLedger(t *testing.T) (*Ledger, *repotest.Memory, string) {
	t.Helper()
	store := repotest.NewMemory()
	u := store.AddUser("ledger@example.com", repo.StatusActive)
	return New(store, logging.Discard(), metrics.NewUnregistered()), store, u.ID
}

func TestGetBalanceStartsAtZero(t *testing.T) {
	l, _, userID := newLedger(t)
	bal, err := l.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal != 0 {
		t.Fatalf("expected 0, got %d", bal)
	}
}

func TestApplyTransactionIdempotentByReference(t *testing.T) {
	l, store, userID := newLedger(t)
	ctx := context.Background()

	grant := Transaction{UserID: userID, Delta: 500, Reason: ReasonMonthlyAllowance, Reference: AllowanceReference("sub_1", 1700000000)}
	for i := 0; i < 3; i++ {
		if _, err := l.ApplyTransaction(ctx, grant); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	bal, _ := l.GetBalance(ctx, userID)
	if bal != 500 {
		t.Fatalf("expected one grant, balance=%d", bal)
	}
	if n := len(store.Transactions(userID)); n != 1 {
		t.Fatalf("expected 1 ledger row, got %d", n)
	}
}

func TestApplyTransactionClampsAtZero(t *testing.T) {
	l, _, userID := newLedger(t)
	ctx := context.Background()
	if _, err := l.ApplyTransaction(ctx, Transaction{UserID: userID, Delta: 3, Reason: ReasonAdjustment}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res, err := l.ApplyTransaction(ctx, Transaction{UserID: userID, Delta: -10, Reason: ReasonAdjustment})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Balance != 0 {
		t.Fatalf("expected clamp to 0, got %d", res.Balance)
	}
}

func TestInvalidAmounts(t *testing.T) {
	l, _, userID := newLedger(t)
	ctx := context.Background()
	if _, err := l.ApplyTransaction(ctx, Transaction{UserID: userID, Reason: ReasonAdjustment}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero delta, got %v", err)
	}
	if _, err := l.Debit(ctx, DebitRequest{UserID: userID, Amount: 0}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero debit, got %v", err)
	}
}

func TestDebitOutcomes(t *testing.T) {
	l, _, userID := newLedger(t)
	ctx := context.Background()

	res, err := l.Debit(ctx, DebitRequest{UserID: userID, Amount: 1, Reference: MessageReference(platform.Telegram, "1:1")})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if res.OK || res.Duplicate {
		t.Fatalf("expected insufficient, got %+v", res)
	}

	if _, err := l.ApplyTransaction(ctx, Transaction{UserID: userID, Delta: 2, Reason: ReasonAdjustment}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ref := MessageReference(platform.Telegram, "1:2")
	res, err = l.Debit(ctx, DebitRequest{UserID: userID, Amount: 1, Reference: ref})
	if err != nil || !res.OK || res.Balance != 1 {
		t.Fatalf("expected ok debit, got %+v %v", res, err)
	}
	res, err = l.Debit(ctx, DebitRequest{UserID: userID, Amount: 1, Reference: ref})
	if err != nil || !res.Duplicate || res.Balance != 1 {
		t.Fatalf("expected duplicate debit, got %+v %v", res, err)
	}
}

func TestConcurrentDebitsKeepInvariant(t *testing.T) {
	l, store, userID := newLedger(t)
	ctx := context.Background()
	if _, err := l.ApplyTransaction(ctx, Transaction{UserID: userID, Delta: 10, Reason: ReasonAdjustment}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = l.Debit(ctx, DebitRequest{UserID: userID, Amount: 1, Reference: MessageReference(platform.WhatsApp, fmt.Sprintf("wamid.%d", i))})
		}(i)
	}
	wg.Wait()

	bal, _ := l.GetBalance(ctx, userID)
	if bal != 0 {
		t.Fatalf("expected 0, got %d", bal)
	}
	var sum int64
	for _, txn := range store.Transactions(userID) {
		sum += txn.Delta
	}
	if sum != bal {
		t.Fatalf("ledger sum %d does not match balance %d", sum, bal)
	}
}

func TestReferences(t *testing.T) {
	if got := MessageReference(platform.Telegram, "42:7"); got != "message:telegram:42:7" {
		t.Fatalf("unexpected message reference %q", got)
	}
	if got := RefundReference("message:telegram:42:7"); got != "refund:message:telegram:42:7" {
		t.Fatalf("unexpected refund reference %q", got)
	}
	if got := AllowanceReference("sub_9", 1700000000); got != "allowance:sub_9:1700000000" {
		t.Fatalf("unexpected allowance reference %q", got)
	}
}
