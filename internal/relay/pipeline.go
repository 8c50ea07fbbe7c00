// Package relay gates inbound platform messages, asks the AI collaborator for a
// reply and delivers it back to the originating chat.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"bot-relay/internal/ai"
	"bot-relay/internal/connections"
	"bot-relay/internal/ledger"
	"bot-relay/internal/metrics"
	"bot-relay/internal/platform"
	"bot-relay/internal/repo"
)

// Outcome is how the pipeline finished with a message.
type Outcome string

const (
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeBound        Outcome = "bound"
	OutcomeBindRejected Outcome = "bind_rejected"
	OutcomeNotConnected Outcome = "not_connected"
	OutcomePending      Outcome = "pending_connection"
	OutcomeInactive     Outcome = "inactive"
	OutcomeNoCredits    Outcome = "no_credits"
	OutcomeReplied      Outcome = "replied"
)

// handshakePattern matches "/start <token>", "start <token>" and "connect <token>".
// Telegram may append the bot name to commands sent in groups.
var handshakePattern = regexp.MustCompile(`(?i)^/?(start|connect)(@\w+)?\s+([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})\s*$`)

// Registry is the connection lookup and handshake surface.
type Registry interface {
	Bind(ctx context.Context, token string, p platform.Platform, identifier string, metadata map[string]any) (*repo.BotConnection, error)
	FindActive(ctx context.Context, p platform.Platform, identifier string) (*repo.BotConnection, error)
	LatestByIdentifier(ctx context.Context, p platform.Platform, identifier string) (*repo.BotConnection, error)
}

// Credits spends and refunds message credits.
type Credits interface {
	Debit(ctx context.Context, req ledger.DebitRequest) (*repo.DebitResult, error)
	ApplyTransaction(ctx context.Context, txn ledger.Transaction) (*repo.ApplyResult, error)
}

// Conversations keeps the per-connection transcript.
type Conversations interface {
	GetOrCreate(ctx context.Context, userID, connectionID string) (*repo.Conversation, error)
	Append(ctx context.Context, conversationID, role, content string, messageType platform.MessageType, linkedMessageID string) (*repo.ConversationMessage, error)
	History(ctx context.Context, conversationID string, limit int) ([]repo.ConversationMessage, error)
}

// Store is the message and user persistence the pipeline reads and writes.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*repo.User, error)
	IncomingMessageExists(ctx context.Context, p platform.Platform, externalID string) (bool, error)
	InsertIncomingMessage(ctx context.Context, msg repo.IncomingMessage) (*repo.IncomingMessage, bool, error)
	InsertOutgoingMessage(ctx context.Context, msg repo.OutgoingMessage) (*repo.OutgoingMessage, error)
	MarkOutgoingSent(ctx context.Context, id, externalID string) error
	MarkOutgoingFailed(ctx context.Context, id, reason string) error
	UpdateOutgoingStatusByExternalID(ctx context.Context, p platform.Platform, externalID, status string) (bool, error)
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Store         Store
	Registry      Registry
	Credits       Credits
	Conversations Conversations
	AI            ai.Responder
	Senders       platform.Senders
}

// Options tune the pipeline.
type Options struct {
	CreditsPerMessage   int64
	HistoryLimit        int
	AITimeout           time.Duration
	SendTimeout         time.Duration
	RefundOnSendFailure bool
	DashboardURL        string
}

// Pipeline runs the gate, reply and record steps for one message.
type Pipeline struct {
	deps    Deps
	opts    Options
	prompts Prompts
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewPipeline builds a Pipeline. Zero options fall back to service defaults.
func NewPipeline(deps Deps, opts Options, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if opts.CreditsPerMessage <= 0 {
		opts.CreditsPerMessage = 1
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.AITimeout <= 0 {
		opts.AITimeout = 60 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if deps.AI == nil {
		deps.AI = ai.Unconfigured{}
	}
	return &Pipeline{
		deps:    deps,
		opts:    opts,
		prompts: Prompts{DashboardURL: strings.TrimRight(opts.DashboardURL, "/")},
		logger:  logger.With("component", "relay"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Process handles one inbound message. Errors are storage failures before any
// reply was attempted; collaborator and send failures are absorbed.
func (p *Pipeline) Process(ctx context.Context, msg platform.InboundMessage) (Outcome, error) {
	outcome, err := p.process(ctx, msg)
	label := string(outcome)
	if err != nil {
		label = "error"
	}
	if p.metrics != nil {
		p.metrics.InboundMessages.WithLabelValues(string(msg.Platform), label).Inc()
	}
	return outcome, err
}

func (p *Pipeline) process(ctx context.Context, msg platform.InboundMessage) (Outcome, error) {
	log := p.logger.With("platform", msg.Platform, "external_id", msg.ExternalMessageID)
	log.Debug("processing message", "type", msg.MessageType, "content", msg.Content)

	if m := handshakePattern.FindStringSubmatch(strings.TrimSpace(msg.Content)); m != nil && msg.MessageType == platform.TypeText {
		return p.handshake(ctx, msg, strings.ToLower(m[3]), log)
	}

	seen, err := p.deps.Store.IncomingMessageExists(ctx, msg.Platform, msg.ExternalMessageID)
	if err != nil {
		return "", fmt.Errorf("check duplicate: %w", err)
	}
	if seen {
		log.Debug("duplicate delivery ignored")
		return OutcomeDuplicate, nil
	}

	conn, err := p.deps.Registry.FindActive(ctx, msg.Platform, msg.PeerIdentifier)
	if err != nil {
		return "", err
	}
	if conn == nil {
		previous, err := p.deps.Registry.LatestByIdentifier(ctx, msg.Platform, msg.PeerIdentifier)
		if err != nil {
			return "", err
		}
		if previous == nil {
			p.reply(ctx, msg, "", p.prompts.Connect())
			return OutcomeNotConnected, nil
		}
		p.reply(ctx, msg, "", p.prompts.FinishConnecting())
		return OutcomePending, nil
	}
	log = log.With("connection_id", conn.ID, "user_id", conn.UserID)

	user, err := p.deps.Store.GetUserByID(ctx, conn.UserID)
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if !user.HasRelayAccess(p.now()) {
		log.Info("subscription inactive", "status", user.SubscriptionStatus)
		p.reply(ctx, msg, conn.ID, p.prompts.Billing())
		return OutcomeInactive, nil
	}

	reference := ledger.MessageReference(msg.Platform, msg.ExternalMessageID)
	debit, err := p.deps.Credits.Debit(ctx, ledger.DebitRequest{
		UserID:    user.ID,
		Amount:    p.opts.CreditsPerMessage,
		Reason:    ledger.ReasonMessage,
		Reference: reference,
		Metadata:  map[string]any{"connection_id": conn.ID},
	})
	if err != nil {
		return "", err
	}
	switch {
	case debit.Duplicate:
		// No incoming row exists yet, so the charge belongs to an earlier
		// attempt at this delivery that failed before storing it.
		log.Info("resuming delivery that was already charged")
	case !debit.OK:
		log.Info("insufficient credits", "balance", debit.Balance)
		p.reply(ctx, msg, conn.ID, p.prompts.TopUp())
		return OutcomeNoCredits, nil
	}

	incoming, err := p.recordIncoming(ctx, msg, conn.ID)
	if err != nil {
		return "", err
	}
	if incoming == nil {
		log.Debug("concurrent duplicate lost the insert")
		return OutcomeDuplicate, nil
	}

	conversationID, history, err := p.loadHistory(ctx, user.ID, conn.ID, msg, incoming.ID)
	if err != nil {
		// The message is stored and charged, so a redelivery would be dropped
		// as a duplicate. Reply without context instead.
		log.Error("conversation unavailable, replying without history", "error", err)
		if p.metrics != nil {
			p.metrics.Errors.WithLabelValues("conversation").Inc()
		}
	}

	answer, aiErr := p.respond(ctx, msg.PromptText(), history)
	if aiErr != nil {
		log.Error("ai reply failed, sending fallback", "error", aiErr)
		if p.metrics != nil {
			p.metrics.Errors.WithLabelValues("ai").Inc()
		}
		answer = p.prompts.Apology()
	}

	out, sendErr := p.reply(ctx, msg, conn.ID, answer)
	if sendErr != nil && p.opts.RefundOnSendFailure {
		p.refund(ctx, user.ID, reference, log)
	}

	if aiErr == nil && conversationID != "" {
		linked := ""
		if out != nil {
			linked = out.ID
		}
		if _, err := p.deps.Conversations.Append(ctx, conversationID, repo.RoleAssistant, answer, platform.TypeText, linked); err != nil {
			log.Error("record assistant turn failed", "error", err)
		}
	}
	return OutcomeReplied, nil
}

func (p *Pipeline) handshake(ctx context.Context, msg platform.InboundMessage, token string, log *slog.Logger) (Outcome, error) {
	seen, err := p.deps.Store.IncomingMessageExists(ctx, msg.Platform, msg.ExternalMessageID)
	if err != nil {
		return "", fmt.Errorf("check duplicate: %w", err)
	}
	if seen {
		return OutcomeDuplicate, nil
	}

	conn, err := p.deps.Registry.Bind(ctx, token, msg.Platform, msg.PeerIdentifier, msg.Profile)
	if err != nil {
		if errors.Is(err, connections.ErrInvalidToken) || errors.Is(err, connections.ErrPlatformMismatch) || errors.Is(err, connections.ErrAlreadyBound) {
			log.Info("handshake rejected", "reason", err)
			p.reply(ctx, msg, "", p.prompts.BindFailed(err))
			return OutcomeBindRejected, nil
		}
		return "", err
	}

	incoming, err := p.recordIncoming(ctx, msg, conn.ID)
	if err != nil {
		return "", err
	}
	if incoming == nil {
		return OutcomeDuplicate, nil
	}
	log.Info("chat connected", "connection_id", conn.ID, "user_id", conn.UserID)
	p.reply(ctx, msg, conn.ID, p.prompts.Bound())
	return OutcomeBound, nil
}

// loadHistory appends the user turn and returns the prior turns. On error the
// conversation id is empty when nothing was appended.
func (p *Pipeline) loadHistory(ctx context.Context, userID, connectionID string, msg platform.InboundMessage, incomingID string) (string, []ai.Turn, error) {
	conv, err := p.deps.Conversations.GetOrCreate(ctx, userID, connectionID)
	if err != nil {
		return "", nil, fmt.Errorf("load conversation: %w", err)
	}
	userTurn, err := p.deps.Conversations.Append(ctx, conv.ID, repo.RoleUser, msg.PromptText(), msg.MessageType, incomingID)
	if err != nil {
		return "", nil, fmt.Errorf("append user turn: %w", err)
	}
	history, err := p.deps.Conversations.History(ctx, conv.ID, p.opts.HistoryLimit+1)
	if err != nil {
		return conv.ID, nil, fmt.Errorf("load history: %w", err)
	}
	return conv.ID, priorTurns(history, userTurn.ID, p.opts.HistoryLimit), nil
}

// recordIncoming stores msg and returns nil when another delivery stored it first.
func (p *Pipeline) recordIncoming(ctx context.Context, msg platform.InboundMessage, connectionID string) (*repo.IncomingMessage, error) {
	row := repo.IncomingMessage{
		ConnectionID:      connectionID,
		Platform:          msg.Platform,
		ExternalMessageID: msg.ExternalMessageID,
		SenderIdentifier:  msg.PeerIdentifier,
		MessageType:       msg.MessageType,
		Content:           msg.Content,
		Metadata:          msg.RawPayload,
		CreatedAt:         msg.ReceivedAt,
	}
	if msg.MediaRef != "" {
		ref := msg.MediaRef
		row.MediaRef = &ref
	}
	saved, inserted, err := p.deps.Store.InsertIncomingMessage(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("record incoming message: %w", err)
	}
	if !inserted {
		return nil, nil
	}
	return saved, nil
}

func (p *Pipeline) respond(ctx context.Context, prompt string, history []ai.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.AITimeout)
	defer cancel()
	return p.deps.AI.Respond(ctx, prompt, history)
}

// reply sends text to the peer. With a connection the message is recorded as
// pending first and marked sent or failed after the attempt; without one (the
// chat is not linked yet) it is sent unrecorded. It returns the recorded row
// and the send error.
func (p *Pipeline) reply(ctx context.Context, msg platform.InboundMessage, connectionID, text string) (*repo.OutgoingMessage, error) {
	log := p.logger.With("platform", msg.Platform, "external_id", msg.ExternalMessageID)

	var out *repo.OutgoingMessage
	if connectionID != "" {
		now := p.now()
		saved, err := p.deps.Store.InsertOutgoingMessage(ctx, repo.OutgoingMessage{
			ConnectionID:        connectionID,
			Platform:            msg.Platform,
			RecipientIdentifier: msg.PeerIdentifier,
			MessageType:         platform.TypeText,
			Content:             text,
			Status:              repo.DeliveryPending,
			Metadata:            map[string]any{"in_reply_to": msg.ExternalMessageID},
			CreatedAt:           now,
			UpdatedAt:           now,
		})
		if err != nil {
			log.Error("record outgoing message failed", "error", err)
			return nil, err
		}
		out = saved
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	externalID, sendErr := p.deps.Senders.For(msg.Platform).SendText(sendCtx, msg.PeerIdentifier, text)
	cancel()
	if externalID != "" && errors.Is(sendErr, platform.ErrPartialDelivery) {
		// The peer already holds the leading parts; resending would duplicate them.
		log.Warn("reply partially delivered", "error", sendErr)
		if p.metrics != nil {
			p.metrics.Errors.WithLabelValues("partial_delivery").Inc()
		}
		sendErr = nil
	}

	status := repo.DeliverySent
	if sendErr != nil {
		status = repo.DeliveryFailed
		log.Error("send reply failed", "error", sendErr)
	}
	if p.metrics != nil {
		p.metrics.OutgoingMessages.WithLabelValues(string(msg.Platform), status).Inc()
	}
	if out == nil {
		return nil, sendErr
	}

	var markErr error
	if sendErr != nil {
		markErr = p.deps.Store.MarkOutgoingFailed(ctx, out.ID, sendErr.Error())
	} else {
		markErr = p.deps.Store.MarkOutgoingSent(ctx, out.ID, externalID)
	}
	if markErr != nil {
		log.Error("update outgoing status failed", "outgoing_id", out.ID, "error", markErr)
	}
	return out, sendErr
}

func (p *Pipeline) refund(ctx context.Context, userID, debitReference string, log *slog.Logger) {
	_, err := p.deps.Credits.ApplyTransaction(ctx, ledger.Transaction{
		UserID:    userID,
		Delta:     p.opts.CreditsPerMessage,
		Reason:    ledger.ReasonRefund,
		Reference: ledger.RefundReference(debitReference),
	})
	if err != nil {
		log.Error("refund after failed send", "error", err)
	}
}

// UpdateDelivery applies a platform delivery receipt to the outgoing row.
func (p *Pipeline) UpdateDelivery(ctx context.Context, pl platform.Platform, externalID, status string) error {
	updated, err := p.deps.Store.UpdateOutgoingStatusByExternalID(ctx, pl, externalID, status)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if !updated {
		p.logger.Debug("delivery receipt matched no pending row", "platform", pl, "external_id", externalID, "status", status)
	}
	return nil
}

// priorTurns converts history into AI turns, leaving out the current user turn.
func priorTurns(history []repo.ConversationMessage, currentID int64, limit int) []ai.Turn {
	turns := make([]ai.Turn, 0, len(history))
	for _, h := range history {
		if h.ID == currentID {
			continue
		}
		turns = append(turns, ai.Turn{Role: h.Role, Content: h.Content})
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns
}
