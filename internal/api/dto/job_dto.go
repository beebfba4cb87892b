package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/genjobs/internal/domain"
)

type CreateJobRequest struct {
	UserID          string          `json:"user_id" binding:"required"`
	Kind            string          `json:"kind" binding:"required"`
	InputParameters json.RawMessage `json:"input_parameters"`
	UnitCost        int64           `json:"unit_cost" binding:"gte=0"`
	Quantity        int64           `json:"quantity" binding:"gte=0"`
}

type CreateJobResponse struct {
	JobID            string `json:"job_id"`
	ExternalJobID    string `json:"external_job_id,omitempty"`
	State            string `json:"state"`
	CreditsCharged   int64  `json:"credits_charged"`
	CreditsRemaining int64  `json:"credits_remaining"`
}

type ListJobsRequest struct {
	UserID   string `form:"user_id"`
	Kind     string `form:"kind"`
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID           string          `json:"job_id"`
	ExternalJobID   string          `json:"external_job_id,omitempty"`
	UserID          string          `json:"user_id"`
	Kind            string          `json:"kind"`
	State           string          `json:"state"`
	Milestone       string          `json:"milestone,omitempty"`
	ProgressPct     int             `json:"progress_pct"`
	Message         string          `json:"message,omitempty"`
	InputParameters json.RawMessage `json:"input_parameters,omitempty"`
	ResultRef       string          `json:"result_ref,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreditsCharged  int64           `json:"credits_charged"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
	DispatchedAt    string          `json:"dispatched_at,omitempty"`
	CompletedAt     string          `json:"completed_at,omitempty"`
}

type ProgressEventDTO struct {
	Milestone   string `json:"milestone"`
	ProgressPct int    `json:"progress_pct"`
	Message     string `json:"message,omitempty"`
	RecordedAt  string `json:"recorded_at"`
}

type ProgressHistoryResponse struct {
	JobID  string             `json:"job_id"`
	Events []ProgressEventDTO `json:"events"`
}

type ArtifactDTO struct {
	ArtifactID string            `json:"artifact_id"`
	JobID      string            `json:"job_id"`
	Kind       string            `json:"kind"`
	URI        string            `json:"uri,omitempty"`
	Title      string            `json:"title,omitempty"`
	Content    string            `json:"content,omitempty"`
	MimeType   string            `json:"mime_type,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  string            `json:"created_at"`
}

type ExpireJobsRequest struct {
	// OlderThan is a Go duration such as "15m"; empty uses the configured age
	OlderThan string `json:"older_than"`
	Limit     int    `json:"limit" binding:"gte=0"`
}

type ExpireJobsResponse struct {
	Expired   int    `json:"expired"`
	OlderThan string `json:"older_than"`
}

func FromJob(job *domain.Job) JobDTO {
	out := JobDTO{
		JobID:           job.ID,
		ExternalJobID:   job.ExternalJobID,
		UserID:          job.UserID,
		Kind:            string(job.Kind),
		State:           string(job.State),
		Milestone:       job.Milestone,
		ProgressPct:     job.Progress,
		Message:         job.Message,
		InputParameters: job.InputParameters,
		ResultRef:       job.ResultRef,
		Error:           job.Error,
		CreditsCharged:  job.CreditsCharged,
		CreatedAt:       formatTime(job.CreatedAt),
		UpdatedAt:       formatTime(job.UpdatedAt),
	}
	if job.DispatchedAt != nil {
		out.DispatchedAt = formatTime(*job.DispatchedAt)
	}
	if job.CompletedAt != nil {
		out.CompletedAt = formatTime(*job.CompletedAt)
	}
	return out
}

func FromProgressEvents(jobID string, events []domain.ProgressEvent) ProgressHistoryResponse {
	out := ProgressHistoryResponse{JobID: jobID, Events: make([]ProgressEventDTO, len(events))}
	for i, ev := range events {
		out.Events[i] = ProgressEventDTO{
			Milestone:   ev.Milestone,
			ProgressPct: ev.Progress,
			Message:     ev.Message,
			RecordedAt:  formatTime(ev.RecordedAt),
		}
	}
	return out
}

func FromArtifact(a *domain.Artifact) ArtifactDTO {
	return ArtifactDTO{
		ArtifactID: a.ID,
		JobID:      a.JobID,
		Kind:       string(a.Kind),
		URI:        a.URI,
		Title:      a.Title,
		Content:    a.Content,
		MimeType:   a.MimeType,
		Metadata:   a.Metadata,
		CreatedAt:  formatTime(a.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
