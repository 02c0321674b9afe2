package services

import (
	"context"
	"sync"

	"github.com/finchat/finchat/internal/core/domain"
	"github.com/finchat/finchat/internal/core/ports"
)

// messageRepository is the durable half of the conversation store.
type messageRepository interface {
	ports.ConversationStore
	AddMessage(ctx context.Context, msg domain.Message) error
	ListMessages(ctx context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error)
}

// ConversationStore manages conversations with an in-memory cache over the
// repository. Hot conversations stay in memory; cold ones are loaded
// on-demand. It implements ports.MessageStore for the coordinator's
// append contract.
type ConversationStore struct {
	mu   sync.RWMutex
	repo messageRepository

	cache    map[domain.ConversationID][]domain.Message
	order    []domain.ConversationID // LRU order, most recent last
	maxCache int
}

func NewConversationStore(repo messageRepository, maxCache int) *ConversationStore {
	if maxCache <= 0 {
		maxCache = 64
	}
	return &ConversationStore{
		repo:     repo,
		cache:    make(map[domain.ConversationID][]domain.Message, maxCache),
		order:    make([]domain.ConversationID, 0, maxCache),
		maxCache: maxCache,
	}
}

// Create initializes a new conversation.
func (s *ConversationStore) Create(ctx context.Context, conv domain.Conversation) error {
	if err := s.repo.Create(ctx, conv); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[conv.ID] = nil
	s.touchLocked(conv.ID)
	s.evictLocked()
	s.mu.Unlock()

	return nil
}

// Get returns conversation metadata.
func (s *ConversationStore) Get(ctx context.Context, id domain.ConversationID, ownerID string) (domain.Conversation, error) {
	return s.repo.Get(ctx, id, ownerID)
}

// ListByOwner returns the owner's conversations, most recently updated first.
func (s *ConversationStore) ListByOwner(ctx context.Context, ownerID string) ([]domain.Conversation, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// Append persists a message and updates the in-memory cache.
func (s *ConversationStore) Append(ctx context.Context, msg domain.Message) error {
	if err := s.repo.AddMessage(ctx, msg); err != nil {
		return err
	}

	s.mu.Lock()
	if msgs, ok := s.cache[msg.ConversationID]; ok {
		s.cache[msg.ConversationID] = append(msgs, msg)
	}
	// Uncached conversations are loaded on the next ListByConversation.
	s.touchLocked(msg.ConversationID)
	s.mu.Unlock()

	return nil
}

// ListByConversation returns messages in append order, using the cache when
// available. limit=0 means all messages.
func (s *ConversationStore) ListByConversation(ctx context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	if msgs, ok := s.cache[convID]; ok && limit == 0 && msgs != nil {
		result := make([]domain.Message, len(msgs))
		copy(result, msgs)
		s.mu.RUnlock()
		return result, nil
	}
	s.mu.RUnlock()

	msgs, err := s.repo.ListMessages(ctx, convID, limit)
	if err != nil {
		return nil, err
	}

	if limit == 0 {
		s.mu.Lock()
		s.cache[convID] = msgs
		s.touchLocked(convID)
		s.evictLocked()
		s.mu.Unlock()
	}

	return msgs, nil
}

// --- LRU helpers (must be called with mu held) ---

func (s *ConversationStore) touchLocked(id domain.ConversationID) {
	s.removeLRULocked(id)
	s.order = append(s.order, id)
}

func (s *ConversationStore) removeLRULocked(id domain.ConversationID) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *ConversationStore) evictLocked() {
	for len(s.order) > s.maxCache {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.cache, oldest)
	}
}
