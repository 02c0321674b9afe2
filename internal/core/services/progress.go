package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/finchat/finchat/internal/core/domain"
	"github.com/finchat/finchat/internal/core/ports"
)

// ProgressBand is the slice of the job-wide 0-100 range owned by one stage.
type ProgressBand struct {
	Start float64
	End   float64
}

// The three fixed stage bands. Downstream consumers key off these exact
// breakpoints, so they are not configurable.
var (
	BandInterpret = ProgressBand{Start: 0, End: 33}
	BandExtract   = ProgressBand{Start: 33, End: 66}
	BandAnalyze   = ProgressBand{Start: 66, End: 100}
)

// Map linearly remaps a stage-local 0-100 percentage into the band.
func (b ProgressBand) Map(local float64) float64 {
	if local < 0 {
		local = 0
	}
	if local > 100 {
		local = 100
	}
	return b.Start + local/100*(b.End-b.Start)
}

// ProgressEvent is the JSON payload published on the event bus for each
// progress update.
type ProgressEvent struct {
	JobID    domain.JobID     `json:"job_id"`
	Status   domain.JobStatus `json:"status"`
	Progress float64          `json:"progress"`
	Stage    string           `json:"stage"`
}

type progressWrite struct {
	percent float64
	stage   string
}

// ProgressReporter owns one job's global percentage. It clamps every update
// to [previous, 100] so progress never regresses, publishes a synchronous
// in-process event, and queues an asynchronous durable write.
//
// Durable writes are drained by a single writer goroutine so persisted
// progress for a job is always serialized; a failed write is logged and the
// pipeline proceeds. Close flushes the queue, which is why the coordinator
// closes the reporter before persisting a terminal state.
type ProgressReporter struct {
	logger  *slog.Logger
	jobs    ports.JobStore
	bus     *EventBus
	jobID   domain.JobID
	ownerID string

	mu        sync.Mutex
	last      float64
	lastStage string
	closed    bool

	writes chan progressWrite
	done   chan struct{}
}

func NewProgressReporter(logger *slog.Logger, jobs ports.JobStore, bus *EventBus, jobID domain.JobID, ownerID string) *ProgressReporter {
	p := &ProgressReporter{
		logger:  logger,
		jobs:    jobs,
		bus:     bus,
		jobID:   jobID,
		ownerID: ownerID,
		writes:  make(chan progressWrite, 64),
		done:    make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// Update records a new global percentage. Values below the previous one are
// silently raised to it, so a retried stage restarting its local counter
// cannot roll the job backwards.
func (p *ProgressReporter) Update(globalPercent float64, stageLabel string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if globalPercent < p.last {
		globalPercent = p.last
	}
	if globalPercent > 100 {
		globalPercent = 100
	}
	p.last = globalPercent
	if stageLabel != "" {
		p.lastStage = stageLabel
	}
	stage := p.lastStage
	p.mu.Unlock()

	p.publish(globalPercent, stage)

	select {
	case p.writes <- progressWrite{percent: globalPercent, stage: stage}:
	default:
		// Durable progress is best-effort; never stall the stage on a
		// backed-up writer.
		p.logger.Warn("progress write queue full, dropping update",
			"job_id", p.jobID, "progress", globalPercent)
	}
}

// StageFunc returns the ProgressFunc handed to a stage, remapping its local
// percentage into the given band.
func (p *ProgressReporter) StageFunc(band ProgressBand) domain.ProgressFunc {
	return func(localPercent float64, label string) {
		p.Update(band.Map(localPercent), label)
	}
}

// Current returns the last reported global percentage and stage label.
func (p *ProgressReporter) Current() (float64, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.lastStage
}

// Close stops accepting updates and blocks until all queued durable writes
// have been flushed.
func (p *ProgressReporter) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.writes)
	<-p.done
}

func (p *ProgressReporter) publish(percent float64, stage string) {
	payload, _ := json.Marshal(ProgressEvent{
		JobID:    p.jobID,
		Status:   domain.JobStatusProcessing,
		Progress: percent,
		Stage:    stage,
	})
	p.bus.Publish(Event{
		JobID:     p.jobID,
		Type:      EventTypeProgress,
		Data:      string(payload),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (p *ProgressReporter) writeLoop() {
	defer close(p.done)

	status := domain.JobStatusProcessing
	for w := range p.writes {
		percent := w.percent
		stage := w.stage
		_, err := p.jobs.CreateOrUpdate(context.Background(), p.jobID, p.ownerID, domain.JobUpdate{
			Status:   &status,
			Progress: &percent,
			Stage:    &stage,
		}, nil)
		if err != nil {
			p.logger.Error("durable progress write failed",
				"job_id", p.jobID, "progress", percent, "error", err)
		}
	}
}
