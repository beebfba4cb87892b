package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobState is the lifecycle state of a generation job
type JobState string

// Job state constants
const (
	JobStatePending    JobState = "PENDING"
	JobStateDispatched JobState = "DISPATCHED"
	JobStateInProgress JobState = "IN_PROGRESS"
	JobStateCompleted  JobState = "COMPLETED"
	JobStateFailed     JobState = "FAILED"
)

// IsTerminal reports whether no further transitions are permitted
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// JobKind identifies what is being generated
type JobKind string

// Job kind constants
const (
	JobKindImage JobKind = "IMAGE"
	JobKindVideo JobKind = "VIDEO"
	JobKindBlog  JobKind = "BLOG"
	JobKindBook  JobKind = "BOOK"
)

// ParseJobKind normalizes a kind name and rejects unknown kinds
func ParseJobKind(s string) (JobKind, error) {
	kind := JobKind(strings.ToUpper(strings.TrimSpace(s)))
	switch kind {
	case JobKindImage, JobKindVideo, JobKindBlog, JobKindBook:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownJobKind, s)
	}
}

// Job is one generation request tracked from creation to a terminal outcome
type Job struct {
	ID              string
	UserID          string
	ExternalJobID   string
	Kind            JobKind
	State           JobState
	Milestone       string
	Progress        int
	Message         string
	InputParameters json.RawMessage
	ResultRef       string
	CreditsCharged  int64
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DispatchedAt    *time.Time
	CompletedAt     *time.Time
}

// ProgressEvent is one applied progress report
type ProgressEvent struct {
	JobID      string
	Milestone  string
	Progress   int
	Message    string
	RecordedAt time.Time
}

// JobEvent is emitted to the notification collaborator when a job reaches a terminal state
type JobEvent struct {
	JobID         string    `json:"job_id"`
	ExternalJobID string    `json:"external_job_id"`
	UserID        string    `json:"user_id"`
	Kind          JobKind   `json:"kind"`
	State         JobState  `json:"state"`
	ResultRef     string    `json:"result_ref,omitempty"`
	Error         string    `json:"error,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewJobEvent builds the terminal event for a job
func NewJobEvent(job *Job, at time.Time) JobEvent {
	return JobEvent{
		JobID:         job.ID,
		ExternalJobID: job.ExternalJobID,
		UserID:        job.UserID,
		Kind:          job.Kind,
		State:         job.State,
		ResultRef:     job.ResultRef,
		Error:         job.Error,
		OccurredAt:    at,
	}
}

// Timestamp normalizes t to UTC at microsecond precision, the resolution every store keeps
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
