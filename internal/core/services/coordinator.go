package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/finchat/finchat/internal/core/domain"
	"github.com/finchat/finchat/internal/core/ports"
)

// Stage labels surfaced to users via getStatus. Entry/exit labels are set by
// the coordinator; stages report the finer-grained ones themselves.
const (
	stageLabelInit          = "初始化"
	stageLabelInterpretDone = "查询解析完成"
	stageLabelExtractStart  = "开始准备数据获取"
	stageLabelExtractDone   = "数据获取完成"
	stageLabelAnalyzeStart  = "初始化分析环境"
	stageLabelAnalyzeDone   = "分析完成"
)

// RunRequest identifies one accepted job: the id and owner assigned at
// submission, the conversation the result lands in, and the raw query.
type RunRequest struct {
	JobID          domain.JobID
	OwnerID        string
	ConversationID domain.ConversationID
	Query          string
}

// JobCoordinator drives the three pipeline stages in order and owns the
// job's lifecycle state. It is stateless across jobs; one Run invocation is
// the single writer for its job id.
type JobCoordinator struct {
	logger     *slog.Logger
	jobs       ports.JobStore
	messages   ports.MessageStore
	bus        *EventBus
	artifacts  *ArtifactWriter
	classifier *ResultClassifier
	runner     *StageRunner

	interpreter ports.Interpreter
	extractor   ports.Extractor
	analyzers   ports.AnalyzerProvider
}

func NewJobCoordinator(
	logger *slog.Logger,
	jobs ports.JobStore,
	messages ports.MessageStore,
	bus *EventBus,
	artifacts *ArtifactWriter,
	classifier *ResultClassifier,
	runner *StageRunner,
	interpreter ports.Interpreter,
	extractor ports.Extractor,
	analyzers ports.AnalyzerProvider,
) *JobCoordinator {
	return &JobCoordinator{
		logger:      logger,
		jobs:        jobs,
		messages:    messages,
		bus:         bus,
		artifacts:   artifacts,
		classifier:  classifier,
		runner:      runner,
		interpreter: interpreter,
		extractor:   extractor,
		analyzers:   analyzers,
	}
}

// Run executes one job to a terminal state. Stage errors are retried inside
// the stage runner; anything escaping it fails the job. No partial SUCCESS
// is ever recorded.
func (c *JobCoordinator) Run(ctx context.Context, req RunRequest) {
	reporter := NewProgressReporter(c.logger, c.jobs, c.bus, req.JobID, req.OwnerID)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("job panicked", "job_id", req.JobID, "panic", r)
			c.fail(ctx, req, reporter, fmt.Errorf("internal error: %v", r))
		}
	}()

	if err := c.accept(ctx, req); err != nil {
		c.fail(ctx, req, reporter, err)
		return
	}

	// Stage 1: interpretation, band [0,33].
	reporter.Update(BandInterpret.Start, stageLabelInit)
	intent, err := RunStage(c.runner, ctx, req.JobID, "查询解析", func(ctx context.Context) (*domain.StructuredIntent, error) {
		return c.interpreter.Interpret(ctx, req.Query, reporter.StageFunc(BandInterpret))
	})
	if err != nil {
		c.fail(ctx, req, reporter, err)
		return
	}
	if _, err := c.artifacts.WriteJSON(req.JobID, TagInterpret, "result", intent); err != nil {
		c.fail(ctx, req, reporter, fmt.Errorf("persist interpretation artifact: %w", err))
		return
	}
	reporter.Update(BandInterpret.End, stageLabelInterpretDone)

	// Stage 2: extraction, band [33,66].
	reporter.Update(BandExtract.Start, stageLabelExtractStart)
	table, err := RunStage(c.runner, ctx, req.JobID, "数据获取", func(ctx context.Context) (*domain.Table, error) {
		return c.extractor.Extract(ctx, intent, reporter.StageFunc(BandExtract))
	})
	if err != nil {
		c.fail(ctx, req, reporter, err)
		return
	}
	if _, err := c.artifacts.WriteCSV(req.JobID, TagExtract, "result", table); err != nil {
		c.fail(ctx, req, reporter, fmt.Errorf("persist extraction artifact: %w", err))
		return
	}
	reporter.Update(BandExtract.End, stageLabelExtractDone)

	// Stage 3: analysis, band [66,100].
	reporter.Update(BandAnalyze.Start, stageLabelAnalyzeStart)
	analyzer := c.analyzers.ForJob(req.JobID)
	output, err := RunStage(c.runner, ctx, req.JobID, "数据分析", func(ctx context.Context) (*domain.AnalysisOutput, error) {
		return analyzer.Analyze(ctx, table, req.Query, reporter.StageFunc(BandAnalyze))
	})
	if err != nil {
		c.fail(ctx, req, reporter, err)
		return
	}

	result, err := c.classifier.Classify(req.JobID, output)
	if err != nil {
		c.fail(ctx, req, reporter, err)
		return
	}

	reporter.Update(BandAnalyze.End, stageLabelAnalyzeDone)
	c.succeed(ctx, req, reporter, result)
}

// accept transitions the job to RECEIVED and appends the user's message.
func (c *JobCoordinator) accept(ctx context.Context, req RunRequest) error {
	now := time.Now().UTC()
	status := domain.JobStatusReceived
	stage := stageLabelInit
	progress := 0.0
	_, err := c.jobs.CreateOrUpdate(ctx, req.JobID, req.OwnerID, domain.JobUpdate{
		Status:    &status,
		QueryText: &req.Query,
		Progress:  &progress,
		Stage:     &stage,
		StartedAt: &now,
	}, &req.ConversationID)
	if err != nil {
		return fmt.Errorf("persist RECEIVED: %w", err)
	}

	if err := c.messages.Append(ctx, domain.Message{
		ID:             domain.NewMessageID(),
		ConversationID: req.ConversationID,
		Content:        req.Query,
		ContentType:    string(domain.ResultTypeText),
		IsFromUser:     true,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	return nil
}

// succeed persists the terminal SUCCESS record and mirrors it as the single
// agent message. The reporter is closed first so the queued progress writes
// land before the terminal write.
func (c *JobCoordinator) succeed(ctx context.Context, req RunRequest, reporter *ProgressReporter, result ClassifiedResult) {
	reporter.Close()

	now := time.Now().UTC()
	status := domain.JobStatusSuccess
	progress := 100.0
	stage := stageLabelAnalyzeDone
	resultType := result.Type
	upd := domain.JobUpdate{
		Status:      &status,
		Progress:    &progress,
		Stage:       &stage,
		CompletedAt: &now,
		ResultType:  &resultType,
	}
	if result.Content != "" {
		upd.ResultContent = &result.Content
	}
	if result.Path != "" {
		upd.ResultPath = &result.Path
	}

	// Terminal writes run on a fresh context so a cancelled job context
	// cannot block the record from reaching its final state.
	if _, err := c.jobs.CreateOrUpdate(context.Background(), req.JobID, req.OwnerID, upd, nil); err != nil {
		// The one fatal persistence case: the job stays in its last known
		// state for operator intervention.
		c.logger.Error("terminal SUCCESS write failed, job left in last known state",
			"job_id", req.JobID, "error", err)
		return
	}

	content := result.Content
	if content == "" {
		content = noticeSeeFiles
	}
	msg := domain.Message{
		ID:             domain.NewMessageID(),
		ConversationID: req.ConversationID,
		Content:        content,
		ContentType:    string(result.Type),
		IsFromUser:     false,
		CreatedAt:      now,
	}
	if result.Path != "" {
		p := result.Path
		msg.FilePath = &p
	}
	if err := c.messages.Append(ctx, msg); err != nil {
		c.logger.Error("append agent message failed", "job_id", req.JobID, "error", err)
	}

	c.publishTerminal(req.JobID, domain.JobStatusSuccess, 100, stage)
	c.logger.Info("job succeeded", "job_id", req.JobID, "result_type", result.Type)
}

// fail persists the terminal FAILURE record. Progress and stage freeze at
// their last reported values; they are never rolled back.
func (c *JobCoordinator) fail(ctx context.Context, req RunRequest, reporter *ProgressReporter, cause error) {
	reporter.Close()
	progress, stageLabel := reporter.Current()

	now := time.Now().UTC()
	status := domain.JobStatusFailure
	errMsg := cause.Error()
	upd := domain.JobUpdate{
		Status:       &status,
		Progress:     &progress,
		CompletedAt:  &now,
		ErrorMessage: &errMsg,
	}
	if stageLabel != "" {
		upd.Stage = &stageLabel
	}

	if _, err := c.jobs.CreateOrUpdate(context.Background(), req.JobID, req.OwnerID, upd, nil); err != nil {
		c.logger.Error("terminal FAILURE write failed, job left in last known state",
			"job_id", req.JobID, "cause", cause, "error", err)
		return
	}

	c.publishTerminal(req.JobID, domain.JobStatusFailure, progress, stageLabel)
	c.logger.Error("job failed", "job_id", req.JobID, "stage", stageLabel, "error", cause)
}

func (c *JobCoordinator) publishTerminal(jobID domain.JobID, status domain.JobStatus, progress float64, stage string) {
	payload, _ := json.Marshal(ProgressEvent{
		JobID:    jobID,
		Status:   status,
		Progress: progress,
		Stage:    stage,
	})
	c.bus.Publish(Event{
		JobID:     jobID,
		Type:      EventTypeResult,
		Data:      string(payload),
		Timestamp: time.Now().UnixMilli(),
	})
}
