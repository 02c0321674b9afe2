package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/finchat/finchat/internal/core/domain"
)

const jobColumns = `id, owner_id, conversation_id, query_text, status, progress, stage,
	created_at, started_at, completed_at, result_type, result_path, result_content, error_message`

// CreateOrUpdate upserts a job row in a single statement. On conflict, nil
// fields of upd fall back to the stored value via COALESCE, and progress can
// only move forward via GREATEST. The read-back is a separate query; the
// write itself is atomic so concurrent writers cannot lose updates.
func (r *Repository) CreateOrUpdate(ctx context.Context, jobID domain.JobID, ownerID string, upd domain.JobUpdate, conversationID *domain.ConversationID) (*domain.Job, error) {
	now := time.Now().UTC()

	insStatus := domain.JobStatusPending
	if upd.Status != nil {
		insStatus = *upd.Status
	}
	insProgress := 0.0
	if upd.Progress != nil {
		insProgress = *upd.Progress
	}
	insStage := ""
	if upd.Stage != nil {
		insStage = *upd.Stage
	}
	insQuery := ""
	if upd.QueryText != nil {
		insQuery = *upd.QueryText
	}
	insResultType := ""
	if upd.ResultType != nil {
		insResultType = string(*upd.ResultType)
	}

	var convID *string
	if conversationID != nil {
		s := string(*conversationID)
		convID = &s
	}

	query := `
	INSERT INTO jobs (` + jobColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		conversation_id = COALESCE(excluded.conversation_id, jobs.conversation_id),
		query_text      = COALESCE(?, jobs.query_text),
		status          = COALESCE(?, jobs.status),
		progress        = GREATEST(jobs.progress, COALESCE(?, jobs.progress)),
		stage           = COALESCE(?, jobs.stage),
		started_at      = COALESCE(excluded.started_at, jobs.started_at),
		completed_at    = COALESCE(excluded.completed_at, jobs.completed_at),
		result_type     = COALESCE(?, jobs.result_type),
		result_path     = COALESCE(excluded.result_path, jobs.result_path),
		result_content  = COALESCE(excluded.result_content, jobs.result_content),
		error_message   = COALESCE(excluded.error_message, jobs.error_message);
	`

	var updResultType *string
	if upd.ResultType != nil {
		s := string(*upd.ResultType)
		updResultType = &s
	}

	_, err := r.db.ExecContext(ctx, query,
		string(jobID), ownerID, convID, insQuery, string(insStatus), insProgress, insStage,
		now, upd.StartedAt, upd.CompletedAt, insResultType, upd.ResultPath, upd.ResultContent, upd.ErrorMessage,
		upd.QueryText, statusPtr(upd.Status), upd.Progress, upd.Stage, updResultType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert job %s: %w", jobID, err)
	}

	return r.Get(ctx, jobID, ownerID)
}

func statusPtr(s *domain.JobStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func (r *Repository) Get(ctx context.Context, jobID domain.JobID, ownerID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ? AND owner_id = ?`
	row := r.db.QueryRowContext(ctx, query, string(jobID), ownerID)

	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *Repository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListStale returns non-terminal jobs that started before the cutoff.
// PENDING jobs are matched on created_at since they never started.
func (r *Repository) ListStale(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
	WHERE status IN ('PENDING', 'RECEIVED', 'PROCESSING')
	  AND COALESCE(started_at, created_at) < ?
	ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var idStr, statusStr, resultTypeStr string
	var convID *string

	if err := row.Scan(
		&idStr, &job.OwnerID, &convID, &job.QueryText, &statusStr, &job.Progress, &job.Stage,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
		&resultTypeStr, &job.ResultPath, &job.ResultContent, &job.ErrorMessage,
	); err != nil {
		return nil, err
	}

	job.ID = domain.JobID(idStr)
	job.Status = domain.JobStatus(statusStr)
	job.ResultType = domain.ResultType(resultTypeStr)
	if convID != nil {
		c := domain.ConversationID(*convID)
		job.ConversationID = &c
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
