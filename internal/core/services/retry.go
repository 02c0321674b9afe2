package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/finchat/finchat/internal/core/domain"
)

// RetryPolicy bounds how often a stage is re-run before the whole job fails.
// Backoff of zero retries immediately, matching the upstream agents.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3}
}

// StageRunner wraps one stage call with bounded retry, per-attempt logging
// and failure aggregation. It is stateless and safe for concurrent jobs.
type StageRunner struct {
	logger *slog.Logger
	policy RetryPolicy
}

func NewStageRunner(logger *slog.Logger, policy RetryPolicy) *StageRunner {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	return &StageRunner{logger: logger, policy: policy}
}

// RunStage executes fn until it succeeds or the retry budget is exhausted.
// Every attempt, success or failure, is logged keyed by (job_id, stage,
// attempt). Exhaustion returns a *domain.StageError carrying the last cause
// and the prior attempts' error messages.
func RunStage[T any](r *StageRunner, ctx context.Context, jobID domain.JobID, stage string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var attempts []string
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			attempts = append(attempts, err.Error())
			break
		}

		out, err := fn(ctx)
		if err == nil {
			r.logger.Info("stage attempt succeeded",
				"job_id", jobID, "stage", stage, "attempt", attempt)
			return out, nil
		}

		lastErr = err
		attempts = append(attempts, err.Error())
		r.logger.Warn("stage attempt failed",
			"job_id", jobID, "stage", stage, "attempt", attempt, "error", err)

		if attempt+1 < r.policy.MaxAttempts && r.policy.Backoff > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(r.policy.Backoff):
			}
		}
	}

	stageErr := &domain.StageError{Stage: stage, Attempts: attempts, Cause: lastErr}
	r.logger.Error("stage exhausted retry budget",
		"job_id", jobID, "stage", stage, "attempts", len(attempts), "error", lastErr)
	return zero, stageErr
}
