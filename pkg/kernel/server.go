package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/finchat/finchat/internal/core/domain"
	"github.com/finchat/finchat/internal/core/ports"
	"github.com/finchat/finchat/internal/core/services"
)

// ownerHeader carries the caller identity. There is no authentication layer;
// the kernel trusts its fronting proxy.
const ownerHeader = "X-Owner-ID"

const defaultOwner = "default"

// Server is the kernel's HTTP API: query submission, job status, live
// progress events, conversations and artifact downloads.
type Server struct {
	logger    *slog.Logger
	pipeline  *services.Pipeline
	eventBus  *services.EventBus
	convs     ports.ConversationStore
	messages  ports.MessageStore
	artifacts *services.ArtifactWriter
}

func NewServer(
	logger *slog.Logger,
	pipeline *services.Pipeline,
	eventBus *services.EventBus,
	convs ports.ConversationStore,
	messages ports.MessageStore,
	artifacts *services.ArtifactWriter,
) *Server {
	return &Server{
		logger:    logger,
		pipeline:  pipeline,
		eventBus:  eventBus,
		convs:     convs,
		messages:  messages,
		artifacts: artifacts,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/queries", s.handleSubmitQuery)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/jobs/{jobID}/events", s.handleJobEvents)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{conversationID}/messages", s.handleListMessages)
		r.Get("/files/*", s.handleServeFile)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitQueryRequest struct {
	Query          string  `json:"query"`
	ConversationID *string `json:"conversation_id,omitempty"`
}

type submitQueryResponse struct {
	JobID          domain.JobID     `json:"job_id"`
	Status         domain.JobStatus `json:"status"`
}

func (s *Server) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req submitQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	}

	var convID *domain.ConversationID
	if req.ConversationID != nil && *req.ConversationID != "" {
		c := domain.ConversationID(*req.ConversationID)
		convID = &c
	}

	jobID, err := s.pipeline.Submit(r.Context(), req.Query, ownerID(r), convID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrConversationNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, services.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "job queue is full, try again later")
		default:
			s.logger.Error("query submission failed", "error", err)
			writeError(w, http.StatusInternalServerError, "submission failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitQueryResponse{
		JobID:  jobID,
		Status: domain.JobStatusPending,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := domain.JobID(chi.URLParam(r, "jobID"))

	view, err := s.pipeline.GetStatus(r.Context(), jobID, ownerID(r))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("job status lookup failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.pipeline.ListJobs(r.Context(), ownerID(r), 50)
	if err != nil {
		s.logger.Error("job listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "job listing failed")
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleJobEvents streams job progress and terminal events as SSE.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := domain.JobID(chi.URLParam(r, "jobID"))

	// Verify the caller owns the job before subscribing. The view doubles
	// as the stream's first frame.
	view, err := s.pipeline.GetStatus(r.Context(), jobID, ownerID(r))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, unsub := s.eventBus.Subscribe(jobID)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Snapshot frame, so a late subscriber sees the current state and a
	// stream on a finished job terminates instead of hanging.
	snapshot, _ := json.Marshal(services.ProgressEvent{
		JobID:    jobID,
		Status:   view.Status,
		Progress: view.Progress,
		Stage:    view.Stage,
	})
	snapshotType := services.EventTypeProgress
	if view.Status.Terminal() {
		snapshotType = services.EventTypeResult
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", snapshotType, snapshot)
	flusher.Flush()
	if view.Status.Terminal() {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
			if evt.Type == services.EventTypeResult {
				return
			}
		}
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.convs.ListByOwner(r.Context(), ownerID(r))
	if err != nil {
		s.logger.Error("conversation listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "conversation listing failed")
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := domain.ConversationID(chi.URLParam(r, "conversationID"))

	// Ownership check before touching messages.
	if _, err := s.convs.Get(r.Context(), convID, ownerID(r)); err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "conversation lookup failed")
		return
	}

	msgs, err := s.messages.ListByConversation(r.Context(), convID, 200)
	if err != nil {
		s.logger.Error("message listing failed", "conversation_id", convID, "error", err)
		writeError(w, http.StatusInternalServerError, "message listing failed")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleServeFile serves job artifacts by their client-relative path, e.g.
// /v1/files/output/<jobID>/plots/chart.svg. Paths escaping the output root
// are rejected.
func (s *Server) handleServeFile(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	if rel == "" {
		writeError(w, http.StatusBadRequest, "missing file path")
		return
	}

	abs, err := s.artifacts.Abs(rel)
	if err != nil {
		writeError(w, http.StatusForbidden, "invalid file path")
		return
	}

	http.ServeFile(w, r, abs)
}

func ownerID(r *http.Request) string {
	if owner := r.Header.Get(ownerHeader); owner != "" {
		return owner
	}
	return defaultOwner
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
