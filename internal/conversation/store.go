// Package conversation keeps the running message log of each connection.
package conversation

import (
	"context"
	"fmt"
	"slices"

	"bot-relay/internal/platform"
	"bot-relay/internal/repo"
)

// Backend is the persistence the conversation store needs.
type Backend interface {
	GetOrCreateConversation(ctx context.Context, userID, connectionID string) (*repo.Conversation, error)
	InsertConversationMessage(ctx context.Context, msg repo.ConversationMessage) (*repo.ConversationMessage, error)
	ListRecentConversationMessages(ctx context.Context, conversationID string, limit int) ([]repo.ConversationMessage, error)
}

// Store wraps the backend with ordering rules.
type Store struct {
	backend Backend
}

// New builds a Store.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// GetOrCreate returns the single conversation for the pair.
func (s *Store) GetOrCreate(ctx context.Context, userID, connectionID string) (*repo.Conversation, error) {
	conv, err := s.backend.GetOrCreateConversation(ctx, userID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("get or create conversation: %w", err)
	}
	return conv, nil
}

// Append adds one turn. linkedMessageID may be empty.
func (s *Store) Append(ctx context.Context, conversationID, role, content string, messageType platform.MessageType, linkedMessageID string) (*repo.ConversationMessage, error) {
	if messageType == "" {
		messageType = platform.TypeText
	}
	msg := repo.ConversationMessage{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		MessageType:    messageType,
	}
	if linkedMessageID != "" {
		msg.LinkedMessageID = &linkedMessageID
	}
	saved, err := s.backend.InsertConversationMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("append conversation message: %w", err)
	}
	return saved, nil
}

// History returns up to limit of the latest turns, oldest first.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]repo.ConversationMessage, error) {
	turns, err := s.backend.ListRecentConversationMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation history: %w", err)
	}
	slices.Reverse(turns)
	return turns, nil
}
