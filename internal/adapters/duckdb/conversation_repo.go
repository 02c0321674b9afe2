package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/finchat/finchat/internal/core/domain"
)

func (r *ConversationRepository) Create(ctx context.Context, conv domain.Conversation) error {
	query := `INSERT INTO conversations (id, owner_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		string(conv.ID), conv.OwnerID, conv.Title, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (r *ConversationRepository) Get(ctx context.Context, id domain.ConversationID, ownerID string) (domain.Conversation, error) {
	query := `SELECT id, owner_id, title, created_at, updated_at FROM conversations WHERE id = ? AND owner_id = ?`
	row := r.db.QueryRowContext(ctx, query, string(id), ownerID)

	var conv domain.Conversation
	var idStr string
	if err := row.Scan(&idStr, &conv.OwnerID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Conversation{}, domain.ErrConversationNotFound
		}
		return domain.Conversation{}, err
	}
	conv.ID = domain.ConversationID(idStr)
	return conv, nil
}

func (r *ConversationRepository) ListByOwner(ctx context.Context, ownerID string) ([]domain.Conversation, error) {
	query := `SELECT id, owner_id, title, created_at, updated_at FROM conversations WHERE owner_id = ? ORDER BY updated_at DESC`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		var idStr string
		if err := rows.Scan(&idStr, &conv.OwnerID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		conv.ID = domain.ConversationID(idStr)
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}
