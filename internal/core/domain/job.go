package domain

import (
	"errors"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusReceived   JobStatus = "RECEIVED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusSuccess    JobStatus = "SUCCESS"
	JobStatusFailure    JobStatus = "FAILURE"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailure
}

type ResultType string

const (
	ResultTypeTable   ResultType = "table"
	ResultTypeText    ResultType = "text"
	ResultTypePlot    ResultType = "plot"
	ResultTypeUnknown ResultType = "unknown"
)

// Job is one end-to-end pipeline run for a single user query.
//
// Progress is monotonically non-decreasing for the lifetime of a job, and
// CompletedAt is set exactly when the status becomes terminal.
type Job struct {
	ID             JobID           `json:"id"`
	OwnerID        string          `json:"owner_id"`
	ConversationID *ConversationID `json:"conversation_id,omitempty"`
	QueryText      string          `json:"query_text,omitempty"`
	Status         JobStatus       `json:"status"`
	Progress       float64         `json:"progress"`
	Stage          string          `json:"stage,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ResultType     ResultType      `json:"result_type,omitempty"`
	ResultPath     *string         `json:"result_path,omitempty"`
	ResultContent  *string         `json:"result_content,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
}

// JobUpdate carries the fields of a create-or-update write. Nil fields are
// left untouched on an existing record so concurrent readers never observe
// a partially cleared row.
type JobUpdate struct {
	Status        *JobStatus
	QueryText     *string
	Progress      *float64
	Stage         *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ResultType    *ResultType
	ResultPath    *string
	ResultContent *string
	ErrorMessage  *string
}

var ErrJobNotFound = errors.New("job not found")
