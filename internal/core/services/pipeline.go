package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/finchat/finchat/internal/core/domain"
	"github.com/finchat/finchat/internal/core/ports"
)

// JobStatusView is the transport-agnostic status surface exposed to
// callers.
type JobStatusView struct {
	JobID          domain.JobID        `json:"job_id"`
	ConversationID *domain.ConversationID `json:"conversation_id,omitempty"`
	Status         domain.JobStatus    `json:"status"`
	Stage          string              `json:"stage,omitempty"`
	Progress       float64             `json:"progress"`
	ResultType     domain.ResultType   `json:"result_type,omitempty"`
	ResultContent  string              `json:"result_content,omitempty"`
	ResultPath     string              `json:"result_path,omitempty"`
	Error          string              `json:"error,omitempty"`
	Files          map[string][]string `json:"files"`
	CreatedAt      time.Time           `json:"created_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
}

// Pipeline is the caller-facing facade: fire-and-forget submission plus
// status reads. Execution happens asynchronously on the scheduler's
// workers.
type Pipeline struct {
	logger      *slog.Logger
	jobs        ports.JobStore
	convs       ports.ConversationStore
	scheduler   *JobScheduler
	coordinator *JobCoordinator
}

func NewPipeline(logger *slog.Logger, jobs ports.JobStore, convs ports.ConversationStore, scheduler *JobScheduler, coordinator *JobCoordinator) *Pipeline {
	return &Pipeline{
		logger:      logger,
		jobs:        jobs,
		convs:       convs,
		scheduler:   scheduler,
		coordinator: coordinator,
	}
}

// Start begins draining the scheduler into the coordinator.
func (p *Pipeline) Start(ctx context.Context) {
	p.scheduler.Start(ctx, p.coordinator.Run)
}

// Submit registers a new job as PENDING and enqueues it. A missing
// conversation ref starts a fresh conversation owned by the caller.
func (p *Pipeline) Submit(ctx context.Context, query, ownerID string, conversationID *domain.ConversationID) (domain.JobID, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("query is empty")
	}
	if ownerID == "" {
		return "", errors.New("owner id is empty")
	}

	convID, err := p.ensureConversation(ctx, query, ownerID, conversationID)
	if err != nil {
		return "", err
	}

	jobID := domain.JobID(uuid.New().String())
	status := domain.JobStatusPending
	if _, err := p.jobs.CreateOrUpdate(ctx, jobID, ownerID, domain.JobUpdate{
		Status:    &status,
		QueryText: &query,
	}, &convID); err != nil {
		return "", fmt.Errorf("register job: %w", err)
	}

	req := RunRequest{JobID: jobID, OwnerID: ownerID, ConversationID: convID, Query: query}
	if err := p.scheduler.Submit(ctx, req); err != nil {
		failure := domain.JobStatusFailure
		now := time.Now().UTC()
		errMsg := err.Error()
		if _, werr := p.jobs.CreateOrUpdate(ctx, jobID, ownerID, domain.JobUpdate{
			Status:       &failure,
			CompletedAt:  &now,
			ErrorMessage: &errMsg,
		}, nil); werr != nil {
			p.logger.Error("failed to record rejected job", "job_id", jobID, "error", werr)
		}
		return "", err
	}
	return jobID, nil
}

// GetStatus returns the caller view of a job, reconstructing the artifact
// registry from the persisted result fields.
func (p *Pipeline) GetStatus(ctx context.Context, jobID domain.JobID, ownerID string) (*JobStatusView, error) {
	job, err := p.jobs.Get(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}

	view := &JobStatusView{
		JobID:          job.ID,
		ConversationID: job.ConversationID,
		Status:         job.Status,
		Stage:          job.Stage,
		Progress:       job.Progress,
		ResultType:     job.ResultType,
		Files:          map[string][]string{},
		CreatedAt:      job.CreatedAt,
		CompletedAt:    job.CompletedAt,
	}
	if job.ResultContent != nil {
		view.ResultContent = *job.ResultContent
	}
	if job.ErrorMessage != nil {
		view.Error = *job.ErrorMessage
	}
	if job.ResultPath != nil && *job.ResultPath != "" {
		view.ResultPath = *job.ResultPath
		switch job.ResultType {
		case domain.ResultTypeTable:
			view.Files["dataframe"] = []string{*job.ResultPath}
		case domain.ResultTypePlot:
			view.Files["plots"] = []string{*job.ResultPath}
		case domain.ResultTypeText:
			view.Files["ai_text"] = []string{*job.ResultPath}
		}
	}
	return view, nil
}

// ListJobs returns the caller's recent jobs, newest first.
func (p *Pipeline) ListJobs(ctx context.Context, ownerID string, limit int) ([]domain.Job, error) {
	return p.jobs.ListByOwner(ctx, ownerID, limit)
}

func (p *Pipeline) ensureConversation(ctx context.Context, query, ownerID string, conversationID *domain.ConversationID) (domain.ConversationID, error) {
	if conversationID != nil && *conversationID != "" {
		if _, err := p.convs.Get(ctx, *conversationID, ownerID); err != nil {
			return "", fmt.Errorf("resolve conversation %s: %w", *conversationID, err)
		}
		return *conversationID, nil
	}

	now := time.Now().UTC()
	conv := domain.Conversation{
		ID:        domain.NewConversationID(),
		OwnerID:   ownerID,
		Title:     conversationTitle(query),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.convs.Create(ctx, conv); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return conv.ID, nil
}

func conversationTitle(query string) string {
	runes := []rune(query)
	if len(runes) <= 40 {
		return query
	}
	return string(runes[:40]) + "…"
}
