package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/finchat/finchat/internal/core/ports"
)

// Repository is the DuckDB-backed job store. Conversations and messages live
// behind Conversations, on the same *sql.DB; keeping the two surfaces on
// separate receivers lets their Get and ListByOwner signatures differ.
type Repository struct {
	db    *sql.DB
	convs *ConversationRepository
}

// ConversationRepository persists conversations and their messages.
type ConversationRepository struct {
	db *sql.DB
}

var _ ports.JobStore = (*Repository)(nil)
var _ ports.ConversationStore = (*ConversationRepository)(nil)

// NewRepository opens (and creates if needed) the database at path and runs
// the schema migration. Use ":memory:" for an ephemeral database in tests.
func NewRepository(path string) (*Repository, error) {
	dsn := path
	if dsn == ":memory:" {
		dsn = ""
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %q: %w", path, err)
	}

	r := &Repository{db: db, convs: &ConversationRepository{db: db}}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Conversations returns the conversation and message surface backed by the
// same database.
func (r *Repository) Conversations() *ConversationRepository {
	return r.convs
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			conversation_id TEXT,
			query_text TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			progress DOUBLE NOT NULL DEFAULT 0,
			stage TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			result_type TEXT NOT NULL DEFAULT '',
			result_path TEXT,
			result_content TEXT,
			error_message TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			content TEXT NOT NULL,
			content_type TEXT NOT NULL,
			file_path TEXT,
			is_from_user BOOLEAN NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
