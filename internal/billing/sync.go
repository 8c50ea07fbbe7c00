// Package billing mirrors payment provider state into user subscription status
// and monthly credit grants.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bot-relay/internal/ledger"
	"bot-relay/internal/metrics"
	"bot-relay/internal/repo"

	"github.com/stripe/stripe-go/v76"
)

// ErrUnknownUser means the event could not be matched to a user yet. Provider
// events arrive out of order, so the handler answers with a retryable status.
var ErrUnknownUser = errors.New("billing event references unknown user")

// Store is the persistence billing sync needs.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*repo.User, error)
	GetUserByBillingCustomer(ctx context.Context, customerID string) (*repo.User, error)
	UpsertUserByEmail(ctx context.Context, email string) (*repo.User, error)
	SetBillingCustomer(ctx context.Context, userID, customerID string) error
	UpdateSubscriptionStatus(ctx context.Context, userID, status string) error
	UpsertSubscription(ctx context.Context, sub repo.Subscription) error
	BillingEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkBillingEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Granter applies credit transactions.
type Granter interface {
	ApplyTransaction(ctx context.Context, txn ledger.Transaction) (*repo.ApplyResult, error)
}

// Sync applies provider events.
type Sync struct {
	store     Store
	credits   Granter
	logger    *slog.Logger
	metrics   *metrics.Metrics
	allowance int64
}

// NewSync builds a Sync that grants allowance credits per paid period.
func NewSync(store Store, credits Granter, allowance int64, logger *slog.Logger, m *metrics.Metrics) *Sync {
	return &Sync{
		store:     store,
		credits:   credits,
		logger:    logger.With("component", "billing"),
		metrics:   m,
		allowance: allowance,
	}
}

// HandleEvent applies one verified event. Events already processed are skipped.
func (s *Sync) HandleEvent(ctx context.Context, event stripe.Event) error {
	eventType := string(event.Type)
	done, err := s.store.BillingEventProcessed(ctx, event.ID)
	if err != nil {
		return err
	}
	if done {
		s.count(eventType, "duplicate")
		s.logger.Debug("billing event already processed", "event_id", event.ID, "type", eventType)
		return nil
	}
	if event.Data == nil {
		return fmt.Errorf("billing event %s carried no data", event.ID)
	}

	switch eventType {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err = json.Unmarshal(event.Data.Raw, &sess); err == nil {
			err = s.checkoutCompleted(ctx, &sess)
		}
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err = json.Unmarshal(event.Data.Raw, &sub); err == nil {
			err = s.subscriptionChanged(ctx, &sub, eventType == "customer.subscription.deleted")
		}
	case "invoice.paid":
		var inv stripe.Invoice
		if err = json.Unmarshal(event.Data.Raw, &inv); err == nil {
			err = s.invoicePaid(ctx, &inv)
		}
	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err = json.Unmarshal(event.Data.Raw, &inv); err == nil {
			err = s.invoiceFailed(ctx, &inv)
		}
	default:
		s.count(eventType, "ignored")
		return s.store.MarkBillingEventProcessed(ctx, event.ID, eventType)
	}
	if err != nil {
		s.count(eventType, "error")
		return fmt.Errorf("handle %s: %w", eventType, err)
	}

	if err := s.store.MarkBillingEventProcessed(ctx, event.ID, eventType); err != nil {
		return err
	}
	s.count(eventType, "processed")
	s.logger.Info("billing event processed", "event_id", event.ID, "type", eventType)
	return nil
}

func (s *Sync) checkoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	var user *repo.User
	if sess.ClientReferenceID != "" {
		u, err := s.store.GetUserByID(ctx, sess.ClientReferenceID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		user = u
	}
	if user == nil {
		email := sess.CustomerEmail
		if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
			email = sess.CustomerDetails.Email
		}
		if strings.TrimSpace(email) == "" {
			return ErrUnknownUser
		}
		u, err := s.store.UpsertUserByEmail(ctx, email)
		if err != nil {
			return err
		}
		user = u
	}

	if sess.Customer != nil && sess.Customer.ID != "" {
		if err := s.store.SetBillingCustomer(ctx, user.ID, sess.Customer.ID); err != nil {
			return err
		}
	}
	if sess.Subscription != nil && sess.Subscription.ID != "" {
		// Status and grants follow on the subscription and invoice events.
		s.logger.Info("checkout linked subscription", "user_id", user.ID, "subscription_id", sess.Subscription.ID)
	}
	return nil
}

func (s *Sync) subscriptionChanged(ctx context.Context, sub *stripe.Subscription, deleted bool) error {
	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	user, err := s.resolveUser(ctx, sub.Metadata["user_id"], customerID)
	if err != nil {
		return err
	}
	if customerID != "" && (user.BillingCustomerID == nil || *user.BillingCustomerID != customerID) {
		if err := s.store.SetBillingCustomer(ctx, user.ID, customerID); err != nil {
			return err
		}
	}

	status := MapStatus(sub.Status)
	if deleted {
		status = repo.StatusCanceled
	}
	if err := s.store.UpsertSubscription(ctx, repo.Subscription{
		ID:                 sub.ID,
		UserID:             user.ID,
		Status:             status,
		CurrentPeriodStart: unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}); err != nil {
		return err
	}
	if err := s.store.UpdateSubscriptionStatus(ctx, user.ID, status); err != nil {
		return err
	}

	if status == repo.StatusActive || status == repo.StatusTrialing {
		return s.grant(ctx, user.ID, sub.ID, sub.CurrentPeriodStart)
	}
	return nil
}

func (s *Sync) invoicePaid(ctx context.Context, inv *stripe.Invoice) error {
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		return nil
	}
	user, err := s.invoiceUser(ctx, inv)
	if err != nil {
		return err
	}
	if err := s.store.UpdateSubscriptionStatus(ctx, user.ID, repo.StatusActive); err != nil {
		return err
	}
	periodStart := invoicePeriodStart(inv)
	if periodStart == 0 {
		s.logger.Warn("paid invoice has no subscription period", "invoice_id", inv.ID)
		return nil
	}
	return s.grant(ctx, user.ID, inv.Subscription.ID, periodStart)
}

func (s *Sync) invoiceFailed(ctx context.Context, inv *stripe.Invoice) error {
	user, err := s.invoiceUser(ctx, inv)
	if err != nil {
		return err
	}
	return s.store.UpdateSubscriptionStatus(ctx, user.ID, repo.StatusPastDue)
}

func (s *Sync) invoiceUser(ctx context.Context, inv *stripe.Invoice) (*repo.User, error) {
	userID := ""
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line != nil && line.Metadata["user_id"] != "" {
				userID = line.Metadata["user_id"]
				break
			}
		}
	}
	customerID := ""
	if inv.Customer != nil {
		customerID = inv.Customer.ID
	}
	return s.resolveUser(ctx, userID, customerID)
}

// resolveUser prefers the explicit user id and falls back to the customer link.
func (s *Sync) resolveUser(ctx context.Context, userID, customerID string) (*repo.User, error) {
	if userID != "" {
		u, err := s.store.GetUserByID(ctx, userID)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	if customerID != "" {
		u, err := s.store.GetUserByBillingCustomer(ctx, customerID)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrUnknownUser
}

// grant credits the monthly allowance once per subscription period.
func (s *Sync) grant(ctx context.Context, userID, subscriptionID string, periodStart int64) error {
	if s.allowance <= 0 {
		return nil
	}
	_, err := s.credits.ApplyTransaction(ctx, ledger.Transaction{
		UserID:    userID,
		Delta:     s.allowance,
		Reason:    ledger.ReasonMonthlyAllowance,
		Reference: ledger.AllowanceReference(subscriptionID, periodStart),
		Metadata: map[string]any{
			"subscription_id": subscriptionID,
			"period_start":    periodStart,
		},
	})
	return err
}

// MapStatus folds the provider's subscription statuses into the user statuses.
func MapStatus(status stripe.SubscriptionStatus) string {
	switch status {
	case stripe.SubscriptionStatusActive:
		return repo.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return repo.StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return repo.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return repo.StatusCanceled
	default:
		return repo.StatusInactive
	}
}

// invoicePeriodStart reads the billed period from the subscription line item.
// The invoice's own period_start points at the previous period on renewals.
func invoicePeriodStart(inv *stripe.Invoice) int64 {
	if inv.Lines == nil {
		return 0
	}
	var fallback int64
	for _, line := range inv.Lines.Data {
		if line == nil || line.Period == nil {
			continue
		}
		if line.Type == stripe.InvoiceLineItemTypeSubscription {
			return line.Period.Start
		}
		if fallback == 0 {
			fallback = line.Period.Start
		}
	}
	return fallback
}

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func (s *Sync) count(eventType, outcome string) {
	if s.metrics != nil {
		s.metrics.BillingEvents.WithLabelValues(eventType, outcome).Inc()
	}
}
