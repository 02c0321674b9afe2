package duckdb

import (
	"context"
	"fmt"

	"github.com/finchat/finchat/internal/core/domain"
)

// AddMessage appends a message and bumps the conversation's updated_at so
// recently active conversations sort first.
func (r *ConversationRepository) AddMessage(ctx context.Context, msg domain.Message) error {
	query := `INSERT INTO messages (id, conversation_id, content, content_type, file_path, is_from_user, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		string(msg.ID), string(msg.ConversationID), msg.Content, msg.ContentType,
		msg.FilePath, msg.IsFromUser, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add message %s: %w", msg.ID, err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt, string(msg.ConversationID),
	)
	return err
}

func (r *ConversationRepository) ListMessages(ctx context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error) {
	query := `SELECT id, conversation_id, content, content_type, file_path, is_from_user, created_at
	FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`
	args := []any{string(convID)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var idStr, convStr string
		if err := rows.Scan(&idStr, &convStr, &msg.Content, &msg.ContentType, &msg.FilePath, &msg.IsFromUser, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.ID = domain.MessageID(idStr)
		msg.ConversationID = domain.ConversationID(convStr)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
