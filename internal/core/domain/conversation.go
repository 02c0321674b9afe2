package domain

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ConversationID uniquely identifies a conversation
type ConversationID string

// MessageID uniquely identifies a message within a conversation
type MessageID string

// Conversation groups the messages of one chat session
type Conversation struct {
	ID        ConversationID `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Message is one append-only turn in a conversation. The pipeline appends a
// user message when a job starts and exactly one agent message when a job
// reaches SUCCESS.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Content        string         `json:"content"`
	ContentType    string         `json:"content_type"`
	FilePath       *string        `json:"file_path,omitempty"`
	IsFromUser     bool           `json:"is_from_user"`
	CreatedAt      time.Time      `json:"created_at"`
}

var ErrConversationNotFound = errors.New("conversation not found")

// NewConversationID generates a compact random conversation ID (conv-<12 hex>)
func NewConversationID() ConversationID {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return ConversationID("conv-" + hex.EncodeToString(b))
}

// NewMessageID generates a compact random message ID (msg-<12 hex>)
func NewMessageID() MessageID {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return MessageID("msg-" + hex.EncodeToString(b))
}
