// Package repotest provides an in-memory repo.Repository for service tests.
package repotest

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"strings"
	"sync"
	"time"

	"bot-relay/internal/platform"
	"bot-relay/internal/repo"

	"github.com/google/uuid"
)

// Memory keeps every table in maps guarded by one mutex. It enforces the same
// uniqueness and conditional-update rules as the SQL stores.
type Memory struct {
	mu sync.Mutex

	users         map[string]*repo.User
	connections   map[string]*repo.BotConnection
	incoming      map[string]*repo.IncomingMessage
	outgoing      map[string]*repo.OutgoingMessage
	conversations map[string]*repo.Conversation
	turns         []repo.ConversationMessage
	balances      map[string]*repo.CreditBalance
	transactions  []repo.CreditTransaction
	subscriptions map[string]*repo.Subscription
	billingEvents map[string]string

	nextTurnID int64
	connSeq    int

	// PingErr is returned from Ping when set.
	PingErr error
}

var _ repo.Repository = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		users:         map[string]*repo.User{},
		connections:   map[string]*repo.BotConnection{},
		incoming:      map[string]*repo.IncomingMessage{},
		outgoing:      map[string]*repo.OutgoingMessage{},
		conversations: map[string]*repo.Conversation{},
		balances:      map[string]*repo.CreditBalance{},
		subscriptions: map[string]*repo.Subscription{},
		billingEvents: map[string]string{},
	}
}

func (m *Memory) Close()                                   {}
func (m *Memory) Ping(context.Context) error               { return m.PingErr }
func (m *Memory) RunMigrations(context.Context, fs.FS) error { return nil }

// -- Users --

// AddUser seeds a user with the given status.
func (m *Memory) AddUser(email, status string) *repo.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	u := &repo.User{
		ID:                 uuid.NewString(),
		Email:              strings.ToLower(email),
		SubscriptionStatus: status,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.users[u.ID] = u
	return cloneUser(u)
}

func (m *Memory) GetUserByID(_ context.Context, id string) (*repo.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("get user by id: %w", repo.ErrNotFound)
	}
	return cloneUser(u), nil
}

func (m *Memory) GetUserByBillingCustomer(_ context.Context, customerID string) (*repo.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.BillingCustomerID != nil && *u.BillingCustomerID == customerID {
			return cloneUser(u), nil
		}
	}
	return nil, fmt.Errorf("get user by billing customer: %w", repo.ErrNotFound)
}

func (m *Memory) UpsertUserByEmail(_ context.Context, email string) (*repo.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range m.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	now := time.Now().UTC()
	u := &repo.User{ID: uuid.NewString(), Email: email, SubscriptionStatus: repo.StatusInactive, CreatedAt: now, UpdatedAt: now}
	m.users[u.ID] = u
	return cloneUser(u), nil
}

func (m *Memory) SetBillingCustomer(_ context.Context, userID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("set billing customer %s: %w", userID, repo.ErrNotFound)
	}
	for _, other := range m.users {
		if other.ID != userID && other.BillingCustomerID != nil && *other.BillingCustomerID == customerID {
			return fmt.Errorf("set billing customer %s: %w", userID, repo.ErrConflict)
		}
	}
	u.BillingCustomerID = &customerID
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateSubscriptionStatus(_ context.Context, userID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("update subscription status %s: %w", userID, repo.ErrNotFound)
	}
	u.SubscriptionStatus = status
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// SetTrialEnd sets trial_ends_at for a seeded user.
func (m *Memory) SetTrialEnd(userID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.TrialEndsAt = &at
	}
}

// -- Connections --

func (m *Memory) CreateConnection(_ context.Context, conn repo.BotConnection) (*repo.BotConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[conn.ID]; ok {
		return nil, fmt.Errorf("insert connection: %w", repo.ErrConflict)
	}
	if _, ok := m.users[conn.UserID]; !ok {
		return nil, fmt.Errorf("insert connection: unknown user %s: %w", conn.UserID, repo.ErrNotFound)
	}
	c := conn
	c.IsConnected = false
	c.PlatformIdentifier = nil
	c.ConnectedAt = nil
	c.DisconnectedAt = nil
	c.Metadata = maps.Clone(conn.Metadata)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	// Keep created_at strictly increasing so "latest" is deterministic.
	m.connSeq++
	c.CreatedAt = c.CreatedAt.Add(time.Duration(m.connSeq) * time.Nanosecond)
	m.connections[c.ID] = &c
	return cloneConnection(&c), nil
}

func (m *Memory) GetConnection(_ context.Context, id string) (*repo.BotConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return nil, fmt.Errorf("get connection: %w", repo.ErrNotFound)
	}
	return cloneConnection(c), nil
}

func (m *Memory) FindActiveConnection(_ context.Context, p platform.Platform, identifier string) (*repo.BotConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.connections {
		if c.IsConnected && c.Platform == p && c.Identifier() == identifier {
			return cloneConnection(c), nil
		}
	}
	return nil, fmt.Errorf("find active connection: %w", repo.ErrNotFound)
}

func (m *Memory) LatestConnectionByIdentifier(_ context.Context, p platform.Platform, identifier string) (*repo.BotConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *repo.BotConnection
	for _, c := range m.connections {
		if c.Platform != p || c.Identifier() != identifier {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("latest connection by identifier: %w", repo.ErrNotFound)
	}
	return cloneConnection(latest), nil
}

func (m *Memory) BindConnection(_ context.Context, params repo.BindParams) (*repo.BotConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[params.ConnectionID]
	if !ok {
		return nil, fmt.Errorf("bind connection: %w", repo.ErrNotFound)
	}
	if c.IsConnected || c.DisconnectedAt != nil {
		return nil, fmt.Errorf("bind connection: %w", repo.ErrConflict)
	}
	for _, other := range m.connections {
		if other.ID == c.ID || !other.IsConnected || other.Platform != c.Platform {
			continue
		}
		if other.UserID == c.UserID || other.Identifier() == params.Identifier {
			at := params.At
			other.IsConnected = false
			other.DisconnectedAt = &at
		}
	}
	identifier := params.Identifier
	at := params.At
	c.IsConnected = true
	c.PlatformIdentifier = &identifier
	c.ConnectedAt = &at
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	maps.Copy(c.Metadata, params.Metadata)
	return cloneConnection(c), nil
}

func (m *Memory) DisconnectConnection(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return fmt.Errorf("disconnect connection %s: %w", id, repo.ErrNotFound)
	}
	c.IsConnected = false
	if c.DisconnectedAt == nil {
		c.DisconnectedAt = &at
	}
	return nil
}

// -- Messages --

func messageKey(p platform.Platform, externalID string) string {
	return string(p) + "|" + externalID
}

func (m *Memory) IncomingMessageExists(_ context.Context, p platform.Platform, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.incoming[messageKey(p, externalID)]
	return ok, nil
}

func (m *Memory) InsertIncomingMessage(_ context.Context, msg repo.IncomingMessage) (*repo.IncomingMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := messageKey(msg.Platform, msg.ExternalMessageID)
	if _, ok := m.incoming[key]; ok {
		return nil, false, nil
	}
	msg.ID = uuid.NewString()
	stored := msg
	m.incoming[key] = &stored
	return &msg, true, nil
}

func (m *Memory) InsertOutgoingMessage(_ context.Context, msg repo.OutgoingMessage) (*repo.OutgoingMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = uuid.NewString()
	if msg.Status == "" {
		msg.Status = repo.DeliveryPending
	}
	msg.UpdatedAt = msg.CreatedAt
	stored := msg
	m.outgoing[msg.ID] = &stored
	return &msg, nil
}

func (m *Memory) MarkOutgoingSent(_ context.Context, id, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outgoing[id]
	if !ok || o.Status != repo.DeliveryPending {
		return fmt.Errorf("mark outgoing sent %s: %w", id, repo.ErrConflict)
	}
	if externalID != "" {
		for _, other := range m.outgoing {
			if other.Platform == o.Platform && other.ExternalMessageID != nil && *other.ExternalMessageID == externalID {
				return fmt.Errorf("mark outgoing sent %s: %w", id, repo.ErrConflict)
			}
		}
		o.ExternalMessageID = &externalID
	}
	o.Status = repo.DeliverySent
	o.Error = nil
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkOutgoingFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outgoing[id]
	if !ok || o.Status != repo.DeliveryPending {
		return fmt.Errorf("mark outgoing failed %s: %w", id, repo.ErrConflict)
	}
	o.Status = repo.DeliveryFailed
	o.Error = &reason
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateOutgoingStatusByExternalID(_ context.Context, p platform.Platform, externalID, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.outgoing {
		if o.Platform != p || o.ExternalMessageID == nil || *o.ExternalMessageID != externalID {
			continue
		}
		if (o.Status != repo.DeliveryPending && o.Status != repo.DeliverySent) || o.Status == status {
			return false, nil
		}
		o.Status = status
		o.UpdatedAt = time.Now().UTC()
		return true, nil
	}
	return false, nil
}

// Outgoing returns a snapshot of every outgoing row.
func (m *Memory) Outgoing() []repo.OutgoingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]repo.OutgoingMessage, 0, len(m.outgoing))
	for _, o := range m.outgoing {
		out = append(out, *o)
	}
	return out
}

// IncomingCount returns the number of stored inbound messages.
func (m *Memory) IncomingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.incoming)
}

// -- Conversations --

func (m *Memory) GetOrCreateConversation(_ context.Context, userID, connectionID string) (*repo.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conversations {
		if c.UserID == userID && c.ConnectionID == connectionID {
			cp := *c
			return &cp, nil
		}
	}
	now := time.Now().UTC()
	c := &repo.Conversation{ID: uuid.NewString(), UserID: userID, ConnectionID: connectionID, CreatedAt: now, UpdatedAt: now}
	m.conversations[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *Memory) InsertConversationMessage(_ context.Context, msg repo.ConversationMessage) (*repo.ConversationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return nil, fmt.Errorf("insert conversation message: unknown conversation %s", msg.ConversationID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.nextTurnID++
	msg.ID = m.nextTurnID
	m.turns = append(m.turns, msg)
	conv.UpdatedAt = msg.CreatedAt
	return &msg, nil
}

func (m *Memory) ListRecentConversationMessages(_ context.Context, conversationID string, limit int) ([]repo.ConversationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	var out []repo.ConversationMessage
	for i := len(m.turns) - 1; i >= 0 && len(out) < limit; i-- {
		if m.turns[i].ConversationID == conversationID {
			out = append(out, m.turns[i])
		}
	}
	return out, nil
}

// -- Credits --

func (m *Memory) balanceLocked(userID string) *repo.CreditBalance {
	b, ok := m.balances[userID]
	if !ok {
		b = &repo.CreditBalance{UserID: userID, UpdatedAt: time.Now().UTC()}
		m.balances[userID] = b
	}
	return b
}

func (m *Memory) referenceTakenLocked(userID string, ref *string) bool {
	if ref == nil {
		return false
	}
	for _, t := range m.transactions {
		if t.UserID == userID && t.Reference != nil && *t.Reference == *ref {
			return true
		}
	}
	return false
}

func (m *Memory) GetOrCreateBalance(_ context.Context, userID string) (*repo.CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := *m.balanceLocked(userID)
	return &b, nil
}

func (m *Memory) ApplyCreditTransaction(_ context.Context, txn repo.CreditTransaction) (*repo.ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balanceLocked(txn.UserID)
	if m.referenceTakenLocked(txn.UserID, txn.Reference) {
		return &repo.ApplyResult{Balance: b.Balance}, nil
	}
	b.Balance = max(0, b.Balance+txn.Delta)
	b.UpdatedAt = time.Now().UTC()
	txn.ID = uuid.NewString()
	txn.BalanceAfter = b.Balance
	m.transactions = append(m.transactions, txn)
	return &repo.ApplyResult{Applied: true, Balance: b.Balance}, nil
}

func (m *Memory) DebitCredits(_ context.Context, txn repo.CreditTransaction) (*repo.DebitResult, error) {
	amount := -txn.Delta
	if amount <= 0 {
		return nil, fmt.Errorf("debit credits: non-negative delta %d", txn.Delta)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balanceLocked(txn.UserID)
	if m.referenceTakenLocked(txn.UserID, txn.Reference) {
		return &repo.DebitResult{Duplicate: true, Balance: b.Balance}, nil
	}
	if b.Balance < amount {
		return &repo.DebitResult{Balance: b.Balance}, nil
	}
	b.Balance -= amount
	b.UpdatedAt = time.Now().UTC()
	txn.ID = uuid.NewString()
	txn.BalanceAfter = b.Balance
	m.transactions = append(m.transactions, txn)
	return &repo.DebitResult{OK: true, Balance: b.Balance}, nil
}

// Transactions returns the user's ledger rows in insertion order.
func (m *Memory) Transactions(userID string) []repo.CreditTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.CreditTransaction
	for _, t := range m.transactions {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

// -- Billing --

func (m *Memory) UpsertSubscription(_ context.Context, sub repo.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.subscriptions[sub.ID]; ok {
		if sub.CurrentPeriodStart == nil {
			sub.CurrentPeriodStart = existing.CurrentPeriodStart
		}
		if sub.CurrentPeriodEnd == nil {
			sub.CurrentPeriodEnd = existing.CurrentPeriodEnd
		}
	}
	sub.UpdatedAt = time.Now().UTC()
	m.subscriptions[sub.ID] = &sub
	return nil
}

// Subscription returns the stored subscription row, if any.
func (m *Memory) Subscription(id string) (repo.Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return repo.Subscription{}, false
	}
	return *s, true
}

func (m *Memory) BillingEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.billingEvents[eventID]
	return ok, nil
}

func (m *Memory) MarkBillingEventProcessed(_ context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.billingEvents[eventID]; !ok {
		m.billingEvents[eventID] = eventType
	}
	return nil
}

func cloneUser(u *repo.User) *repo.User {
	cp := *u
	return &cp
}

func cloneConnection(c *repo.BotConnection) *repo.BotConnection {
	cp := *c
	cp.Metadata = maps.Clone(c.Metadata)
	return &cp
}
