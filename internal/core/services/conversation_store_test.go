package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchat/finchat/internal/core/domain"
)

// countingRepo wraps the in-memory fakes and counts repository reads so
// tests can observe cache hits.
type countingRepo struct {
	fakeConversationStore
	mu        sync.Mutex
	msgs      map[domain.ConversationID][]domain.Message
	listCalls int
}

func newCountingRepo() *countingRepo {
	return &countingRepo{
		fakeConversationStore: *newFakeConversationStore(),
		msgs:                  map[domain.ConversationID][]domain.Message{},
	}
}

func (r *countingRepo) AddMessage(_ context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[msg.ConversationID] = append(r.msgs[msg.ConversationID], msg)
	return nil
}

func (r *countingRepo) ListMessages(_ context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	msgs := append([]domain.Message(nil), r.msgs[convID]...)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (r *countingRepo) listCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listCalls
}

func newMsg(convID domain.ConversationID, content string, fromUser bool) domain.Message {
	return domain.Message{
		ID:             domain.NewMessageID(),
		ConversationID: convID,
		Content:        content,
		ContentType:    "text",
		IsFromUser:     fromUser,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestConversationStore_AppendAndList(t *testing.T) {
	repo := newCountingRepo()
	store := NewConversationStore(repo, 8)
	ctx := context.Background()

	conv := domain.Conversation{ID: "conv-1", OwnerID: "alice", Title: "营业收入"}
	require.NoError(t, store.Create(ctx, conv))

	require.NoError(t, store.Append(ctx, newMsg("conv-1", "2021年营业收入", true)))
	require.NoError(t, store.Append(ctx, newMsg("conv-1", "营业收入总计 120亿", false)))

	msgs, err := store.ListByConversation(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "2021年营业收入", msgs[0].Content)
	assert.False(t, msgs[1].IsFromUser)
}

func TestConversationStore_CacheHitSkipsRepo(t *testing.T) {
	repo := newCountingRepo()
	store := NewConversationStore(repo, 8)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, domain.Conversation{ID: "conv-1", OwnerID: "alice"}))
	require.NoError(t, store.Append(ctx, newMsg("conv-1", "你好", true)))

	// First full list loads and caches.
	_, err := store.ListByConversation(ctx, "conv-1", 0)
	require.NoError(t, err)
	loads := repo.listCount()

	// Second full list is served from cache.
	_, err = store.ListByConversation(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.Equal(t, loads, repo.listCount())

	// Appends keep the cached copy current.
	require.NoError(t, store.Append(ctx, newMsg("conv-1", "营业收入", true)))
	msgs, err := store.ListByConversation(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, loads, repo.listCount())
}

func TestConversationStore_LimitBypassesCache(t *testing.T) {
	repo := newCountingRepo()
	store := NewConversationStore(repo, 8)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, newMsg("conv-1", "a", true)))
	require.NoError(t, store.Append(ctx, newMsg("conv-1", "b", true)))

	msgs, err := store.ListByConversation(ctx, "conv-1", 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestConversationStore_EvictsLRU(t *testing.T) {
	repo := newCountingRepo()
	store := NewConversationStore(repo, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := domain.ConversationID(fmt.Sprintf("conv-%d", i))
		require.NoError(t, store.Append(ctx, newMsg(id, "x", true)))
		_, err := store.ListByConversation(ctx, id, 0)
		require.NoError(t, err)
	}

	before := repo.listCount()

	// conv-0 was evicted: listing it reloads from the repository.
	_, err := store.ListByConversation(ctx, "conv-0", 0)
	require.NoError(t, err)
	assert.Equal(t, before+1, repo.listCount())

	// conv-2 is still cached.
	_, err = store.ListByConversation(ctx, "conv-2", 0)
	require.NoError(t, err)
	assert.Equal(t, before+1, repo.listCount())
}
