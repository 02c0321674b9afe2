package ports

import (
	"context"
	"time"

	"github.com/finchat/finchat/internal/core/domain"
)

// Interpreter is the first pipeline stage: natural-language query to
// structured intent.
type Interpreter interface {
	Interpret(ctx context.Context, query string, report domain.ProgressFunc) (*domain.StructuredIntent, error)
}

// Extractor is the second pipeline stage: structured intent to tabular data.
// An empty extraction must surface as domain.ErrNoResult, never as an empty
// table with a nil error.
type Extractor interface {
	Extract(ctx context.Context, intent *domain.StructuredIntent, report domain.ProgressFunc) (*domain.Table, error)
}

// Analyzer is the third pipeline stage: table plus the original query to a
// heterogeneous analysis output.
type Analyzer interface {
	Analyze(ctx context.Context, table *domain.Table, query string, report domain.ProgressFunc) (*domain.AnalysisOutput, error)
}

// AnalyzerProvider binds an Analyzer to a job so chart artifacts land in the
// job's own output directory.
type AnalyzerProvider interface {
	ForJob(jobID domain.JobID) Analyzer
}

// JobStore is the durable record of job state.
//
// CreateOrUpdate must be atomic: a single upsert, never a read-modify-write,
// so a racing status reader cannot cause lost updates. Nil fields of the
// update leave existing values in place.
type JobStore interface {
	CreateOrUpdate(ctx context.Context, jobID domain.JobID, ownerID string, upd domain.JobUpdate, conversationID *domain.ConversationID) (*domain.Job, error)
	Get(ctx context.Context, jobID domain.JobID, ownerID string) (*domain.Job, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Job, error)

	// ListStale returns non-terminal jobs whose last activity predates the
	// cutoff. Used by the reconciler to sweep jobs orphaned by a crash.
	ListStale(ctx context.Context, cutoff time.Time) ([]domain.Job, error)
}

// MessageStore is the append-only conversation message record.
type MessageStore interface {
	Append(ctx context.Context, msg domain.Message) error
	ListByConversation(ctx context.Context, conversationID domain.ConversationID, limit int) ([]domain.Message, error)
}

// ConversationStore manages conversation metadata.
type ConversationStore interface {
	Create(ctx context.Context, conv domain.Conversation) error
	Get(ctx context.Context, id domain.ConversationID, ownerID string) (domain.Conversation, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Conversation, error)
}
