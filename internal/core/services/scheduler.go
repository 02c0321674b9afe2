package services

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// SchedulerConfig defines concurrency limits for the worker pool.
type SchedulerConfig struct {
	MaxConcurrentJobs int64
	QueueDepth        int
}

var ErrQueueFull = errors.New("scheduling queue full")

// JobScheduler feeds accepted jobs to a bounded pool of workers. Each job
// runs to completion on its own goroutine; a weighted semaphore caps how
// many run at once.
type JobScheduler struct {
	logger       *slog.Logger
	pendingQueue chan RunRequest
	semaphore    *semaphore.Weighted
}

func NewJobScheduler(logger *slog.Logger, cfg SchedulerConfig) *JobScheduler {
	limit := cfg.MaxConcurrentJobs
	if limit <= 0 {
		limit = 10
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 100
	}

	return &JobScheduler{
		logger:       logger,
		pendingQueue: make(chan RunRequest, depth),
		semaphore:    semaphore.NewWeighted(limit),
	}
}

// Submit enqueues a job for execution. It never blocks; a full queue is an
// error the caller must surface.
func (s *JobScheduler) Submit(ctx context.Context, req RunRequest) error {
	select {
	case s.pendingQueue <- req:
		s.logger.Info("job submitted", "job_id", req.JobID)
		return nil
	default:
		return ErrQueueFull
	}
}

// Start consumes the queue and executes jobs through handler until ctx is
// cancelled.
func (s *JobScheduler) Start(ctx context.Context, handler func(context.Context, RunRequest)) {
	s.logger.Info("starting job scheduler")

	go func() {
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("stopping scheduler")
				return
			case req := <-s.pendingQueue:
				if err := s.semaphore.Acquire(ctx, 1); err != nil {
					s.logger.Error("failed to acquire semaphore", "error", err)
					return
				}

				// Run in background so the consumer loop keeps draining.
				go func(r RunRequest) {
					defer s.semaphore.Release(1)
					handler(ctx, r)
				}(req)
			}
		}
	}()
}
