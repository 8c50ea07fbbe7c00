package repo

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bot-relay/internal/logging"
	"bot-relay/internal/platform"
	"bot-relay/migrations"
)

func newTestSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	r, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "relay.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(r.Close)
	if err := r.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return r
}

func seedUser(t *testing.T, r *SQLiteRepository, email string) *User {
	t.Helper()
	u, err := r.UpsertUserByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	return u
}

func ref(s string) *string { return &s }

func TestSQLiteUpsertUserByEmailIsStable(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()

	first := seedUser(t, r, "Alice@Example.com")
	second := seedUser(t, r, "alice@example.com")
	if first.ID != second.ID {
		t.Fatalf("expected same user, got %s and %s", first.ID, second.ID)
	}
	if first.SubscriptionStatus != StatusInactive {
		t.Fatalf("expected default status inactive, got %s", first.SubscriptionStatus)
	}

	if err := r.SetBillingCustomer(ctx, first.ID, "cus_1"); err != nil {
		t.Fatalf("set customer: %v", err)
	}
	byCustomer, err := r.GetUserByBillingCustomer(ctx, "cus_1")
	if err != nil {
		t.Fatalf("get by customer: %v", err)
	}
	if byCustomer.ID != first.ID {
		t.Fatalf("unexpected user %s", byCustomer.ID)
	}

	if _, err := r.GetUserByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.UpdateSubscriptionStatus(ctx, "missing", StatusActive); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteApplyCreditTransactionIsIdempotent(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	u := seedUser(t, r, "grant@example.com")

	txn := CreditTransaction{UserID: u.ID, Delta: 500, Reason: "monthly_allowance", Reference: ref("allowance:sub_1:1700000000")}
	first, err := r.ApplyCreditTransaction(ctx, txn)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !first.Applied || first.Balance != 500 {
		t.Fatalf("unexpected first result %+v", first)
	}

	second, err := r.ApplyCreditTransaction(ctx, txn)
	if err != nil {
		t.Fatalf("apply again: %v", err)
	}
	if second.Applied || second.Balance != 500 {
		t.Fatalf("replay should be a no-op, got %+v", second)
	}

	clamped, err := r.ApplyCreditTransaction(ctx, CreditTransaction{UserID: u.ID, Delta: -900, Reason: "adjustment"})
	if err != nil {
		t.Fatalf("apply negative: %v", err)
	}
	if clamped.Balance != 0 {
		t.Fatalf("expected balance clamped to 0, got %d", clamped.Balance)
	}
}

func TestSQLiteConcurrentDebitsNeverOverdraw(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	u := seedUser(t, r, "debit@example.com")

	if _, err := r.ApplyCreditTransaction(ctx, CreditTransaction{UserID: u.ID, Delta: 5, Reason: "adjustment"}); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	const workers = 12
	var wg sync.WaitGroup
	results := make(chan *DebitResult, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.DebitCredits(ctx, CreditTransaction{
				UserID:    u.ID,
				Delta:     -1,
				Reason:    "message",
				Reference: ref("message:telegram:" + string(rune('a'+i))),
			})
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("debit error: %v", err)
	}
	ok := 0
	for res := range results {
		if res.OK {
			ok++
		}
	}
	if ok != 5 {
		t.Fatalf("expected 5 successful debits, got %d", ok)
	}
	bal, err := r.GetOrCreateBalance(ctx, u.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Balance != 0 {
		t.Fatalf("expected balance 0, got %d", bal.Balance)
	}
}

func TestSQLiteDebitDuplicateReferenceRollsBack(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	u := seedUser(t, r, "dup@example.com")
	if _, err := r.ApplyCreditTransaction(ctx, CreditTransaction{UserID: u.ID, Delta: 3, Reason: "adjustment"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	txn := CreditTransaction{UserID: u.ID, Delta: -1, Reason: "message", Reference: ref("message:telegram:1:1")}
	first, err := r.DebitCredits(ctx, txn)
	if err != nil || !first.OK {
		t.Fatalf("first debit: %+v %v", first, err)
	}
	second, err := r.DebitCredits(ctx, txn)
	if err != nil {
		t.Fatalf("second debit: %v", err)
	}
	if !second.Duplicate || second.OK {
		t.Fatalf("expected duplicate, got %+v", second)
	}
	if second.Balance != 2 {
		t.Fatalf("duplicate must not move balance, got %d", second.Balance)
	}
}

func TestSQLiteDebitReplayAtZeroBalanceIsDuplicate(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	u := seedUser(t, r, "last@example.com")
	if _, err := r.ApplyCreditTransaction(ctx, CreditTransaction{UserID: u.ID, Delta: 1, Reason: "adjustment"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	txn := CreditTransaction{UserID: u.ID, Delta: -1, Reason: "message", Reference: ref("message:telegram:1:9")}
	if first, err := r.DebitCredits(ctx, txn); err != nil || !first.OK || first.Balance != 0 {
		t.Fatalf("first debit: %+v %v", first, err)
	}
	second, err := r.DebitCredits(ctx, txn)
	if err != nil {
		t.Fatalf("replayed debit: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected a charged reference to report duplicate at zero balance, got %+v", second)
	}

	other, err := r.DebitCredits(ctx, CreditTransaction{UserID: u.ID, Delta: -1, Reason: "message", Reference: ref("message:telegram:1:10")})
	if err != nil {
		t.Fatalf("new debit: %v", err)
	}
	if other.OK || other.Duplicate {
		t.Fatalf("expected insufficient balance for a new reference, got %+v", other)
	}
}

func TestSQLiteCreateConnectionUnknownUser(t *testing.T) {
	r := newTestSQLite(t)
	_, err := r.CreateConnection(context.Background(), BotConnection{
		ID:        randomUUID(),
		UserID:    randomUUID(),
		Platform:  platform.Telegram,
		CreatedAt: time.Now().UTC(),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing user, got %v", err)
	}
}

func TestSQLiteBindSupersedesAndRejectsTerminal(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	u := seedUser(t, r, "bind@example.com")
	now := time.Now().UTC()

	create := func(id string) *BotConnection {
		c, err := r.CreateConnection(ctx, BotConnection{ID: id, UserID: u.ID, Platform: platform.Telegram, CreatedAt: now})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if c.State() != StatePending {
			t.Fatalf("expected pending, got %s", c.State())
		}
		return c
	}

	first := create("11111111-1111-4111-8111-111111111111")
	bound, err := r.BindConnection(ctx, BindParams{ConnectionID: first.ID, Identifier: "100", Metadata: map[string]any{"username": "alice"}, At: now})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if bound.State() != StateConnected || bound.Identifier() != "100" {
		t.Fatalf("unexpected bound row %+v", bound)
	}
	if bound.Metadata["username"] != "alice" {
		t.Fatalf("metadata not merged: %v", bound.Metadata)
	}

	active, err := r.FindActiveConnection(ctx, platform.Telegram, "100")
	if err != nil || active.ID != first.ID {
		t.Fatalf("find active: %+v %v", active, err)
	}

	if _, err := r.BindConnection(ctx, BindParams{ConnectionID: first.ID, Identifier: "100", At: now}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on rebind, got %v", err)
	}

	second := create("22222222-2222-4222-8222-222222222222")
	if _, err := r.BindConnection(ctx, BindParams{ConnectionID: second.ID, Identifier: "200", At: now.Add(time.Second)}); err != nil {
		t.Fatalf("bind second: %v", err)
	}
	old, err := r.GetConnection(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if old.State() != StateDisconnected {
		t.Fatalf("expected superseded row disconnected, got %s", old.State())
	}
	if _, err := r.FindActiveConnection(ctx, platform.Telegram, "100"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old identity inactive, got %v", err)
	}

	latest, err := r.LatestConnectionByIdentifier(ctx, platform.Telegram, "100")
	if err != nil || latest.ID != first.ID {
		t.Fatalf("latest by identifier: %+v %v", latest, err)
	}

	if _, err := r.BindConnection(ctx, BindParams{ConnectionID: first.ID, Identifier: "100", At: now}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected terminal row to refuse bind, got %v", err)
	}
}

func TestSQLiteIncomingMessageDedup(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	u := seedUser(t, r, "msg@example.com")
	now := time.Now().UTC()
	conn, err := r.CreateConnection(ctx, BotConnection{ID: "33333333-3333-4333-8333-333333333333", UserID: u.ID, Platform: platform.WhatsApp, CreatedAt: now})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	msg := IncomingMessage{
		ConnectionID:      conn.ID,
		Platform:          platform.WhatsApp,
		ExternalMessageID: "wamid.1",
		SenderIdentifier:  "15550001",
		MessageType:       platform.TypeText,
		Content:           "hi",
		Metadata:          []byte(`{"raw":true}`),
		CreatedAt:         now,
	}
	if _, inserted, err := r.InsertIncomingMessage(ctx, msg); err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	if _, inserted, err := r.InsertIncomingMessage(ctx, msg); err != nil || inserted {
		t.Fatalf("duplicate insert: inserted=%v err=%v", inserted, err)
	}
	exists, err := r.IncomingMessageExists(ctx, platform.WhatsApp, "wamid.1")
	if err != nil || !exists {
		t.Fatalf("exists: %v %v", exists, err)
	}

	out, err := r.InsertOutgoingMessage(ctx, OutgoingMessage{
		ConnectionID:        conn.ID,
		Platform:            platform.WhatsApp,
		RecipientIdentifier: "15550001",
		MessageType:         platform.TypeText,
		Content:             "hello",
		CreatedAt:           now,
	})
	if err != nil {
		t.Fatalf("insert outgoing: %v", err)
	}
	if err := r.MarkOutgoingSent(ctx, out.ID, "wamid.out.1"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := r.MarkOutgoingFailed(ctx, out.ID, "late"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict after sent, got %v", err)
	}
	updated, err := r.UpdateOutgoingStatusByExternalID(ctx, platform.WhatsApp, "wamid.out.1", DeliveryDelivered)
	if err != nil || !updated {
		t.Fatalf("receipt: %v %v", updated, err)
	}
	updated, err = r.UpdateOutgoingStatusByExternalID(ctx, platform.WhatsApp, "wamid.out.1", DeliverySent)
	if err != nil || updated {
		t.Fatalf("receipt must not move status backwards: %v %v", updated, err)
	}
}

func TestSQLiteConversationHistoryNewestFirst(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	u := seedUser(t, r, "conv@example.com")
	conn, err := r.CreateConnection(ctx, BotConnection{ID: "44444444-4444-4444-8444-444444444444", UserID: u.ID, Platform: platform.Telegram, CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	conv, err := r.GetOrCreateConversation(ctx, u.ID, conn.ID)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	again, err := r.GetOrCreateConversation(ctx, u.ID, conn.ID)
	if err != nil || again.ID != conv.ID {
		t.Fatalf("expected same conversation, got %+v %v", again, err)
	}

	for _, content := range []string{"one", "two", "three"} {
		if _, err := r.InsertConversationMessage(ctx, ConversationMessage{ConversationID: conv.ID, Role: RoleUser, Content: content, MessageType: platform.TypeText}); err != nil {
			t.Fatalf("append %s: %v", content, err)
		}
	}
	turns, err := r.ListRecentConversationMessages(ctx, conv.ID, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "three" || turns[1].Content != "two" {
		t.Fatalf("unexpected turns %+v", turns)
	}
}

func TestSQLiteBillingEventsDedupe(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()

	seen, err := r.BillingEventProcessed(ctx, "evt_1")
	if err != nil || seen {
		t.Fatalf("expected unseen event: %v %v", seen, err)
	}
	if err := r.MarkBillingEventProcessed(ctx, "evt_1", "invoice.paid"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := r.MarkBillingEventProcessed(ctx, "evt_1", "invoice.paid"); err != nil {
		t.Fatalf("mark twice: %v", err)
	}
	seen, err = r.BillingEventProcessed(ctx, "evt_1")
	if err != nil || !seen {
		t.Fatalf("expected processed event: %v %v", seen, err)
	}
}
