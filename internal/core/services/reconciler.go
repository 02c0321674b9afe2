package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/finchat/finchat/internal/core/domain"
	"github.com/finchat/finchat/internal/core/ports"
)

// Reconciler sweeps jobs orphaned by a crashed worker. A job that has sat
// in a non-terminal state past its lease is failed with an operator-readable
// error; it is never requeued, preserving single-attempt-per-job semantics.
type Reconciler struct {
	logger   *slog.Logger
	jobs     ports.JobStore
	lease    time.Duration
	interval time.Duration
}

func NewReconciler(logger *slog.Logger, jobs ports.JobStore, lease, interval time.Duration) *Reconciler {
	if lease <= 0 {
		lease = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{logger: logger, jobs: jobs, lease: lease, interval: interval}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("job reconciler started", "lease", r.lease, "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job reconciler stopped")
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep fails every job whose lease has expired.
func (r *Reconciler) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.lease)
	stale, err := r.jobs.ListStale(ctx, cutoff)
	if err != nil {
		r.logger.Error("reconciler: listing stale jobs failed", "error", err)
		return
	}

	for _, job := range stale {
		now := time.Now().UTC()
		status := domain.JobStatusFailure
		errMsg := "job lease expired: worker died before reaching a terminal state"
		if _, err := r.jobs.CreateOrUpdate(ctx, job.ID, job.OwnerID, domain.JobUpdate{
			Status:       &status,
			CompletedAt:  &now,
			ErrorMessage: &errMsg,
		}, nil); err != nil {
			r.logger.Error("reconciler: failing stale job failed", "job_id", job.ID, "error", err)
			continue
		}
		r.logger.Warn("reconciler: failed stale job", "job_id", job.ID, "stage", job.Stage)
	}
}
