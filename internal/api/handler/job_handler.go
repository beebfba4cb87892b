package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/genjobs/internal/api/dto"
	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/jobstore"
	"github.com/cuongbtq/genjobs/internal/lifecycle"
	"github.com/cuongbtq/genjobs/internal/pagination"
)

// CreateJob handles POST /api/v1/jobs
// Charges the user and hands the job to the generation service
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	kind, err := domain.ParseJobKind(req.Kind)
	if err != nil {
		respondError(c, h.logger, err, "Failed to create job")
		return
	}

	result, err := h.jobs.CreateJob(c.Request.Context(), lifecycle.CreateJobRequest{
		UserID:          req.UserID,
		Kind:            kind,
		InputParameters: req.InputParameters,
		UnitCost:        req.UnitCost,
		Quantity:        req.Quantity,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to create job")
		return
	}

	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		JobID:            result.Job.ID,
		ExternalJobID:    result.Job.ExternalJobID,
		State:            string(result.Job.State),
		CreditsCharged:   result.Job.CreditsCharged,
		CreditsRemaining: result.CreditsRemaining,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(job))
}

// GetJobByExternalID handles GET /api/v1/jobs/external/:external_job_id
func (h *JobHandler) GetJobByExternalID(c *gin.Context) {
	externalJobID := c.Param("external_job_id")

	job, err := h.jobs.GetJobByExternalID(c.Request.Context(), externalJobID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, h.logger, "Invalid query parameters", err)
		return
	}

	filter := jobstore.JobFilter{
		UserID:   req.UserID,
		PageSize: pagination.ClampPageSize(req.PageSize),
	}

	if req.Kind != "" {
		kind, err := domain.ParseJobKind(req.Kind)
		if err != nil {
			respondError(c, h.logger, err, "Failed to list jobs")
			return
		}
		filter.Kind = kind
	}

	if req.State != "" {
		state, ok := parseJobState(req.State)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "unknown job state",
			})
			return
		}
		filter.State = state
	}

	cursor, err := pagination.Decode(req.Cursor)
	if err != nil {
		respondError(c, h.logger, err, "Failed to list jobs")
		return
	}
	if cursor != nil {
		if _, err := uuid.Parse(cursor.ID); err != nil {
			respondError(c, h.logger, pagination.ErrInvalidCursor, "Failed to list jobs")
			return
		}
	}
	filter.Cursor = cursor

	jobs, err := h.jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err, "Failed to list jobs")
		return
	}

	hasMore := len(jobs) > filter.PageSize
	if hasMore {
		jobs = jobs[:filter.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = dto.FromJob(&jobs[i])
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = pagination.Encode(last.CreatedAt, last.ID)
	}

	c.JSON(http.StatusOK, resp)
}

// GetProgress handles GET /api/v1/jobs/:job_id/progress
func (h *JobHandler) GetProgress(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	events, err := h.jobs.ProgressHistory(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get progress history")
		return
	}

	c.JSON(http.StatusOK, dto.FromProgressEvents(jobID, events))
}

// GetArtifact handles GET /api/v1/jobs/:job_id/artifact
func (h *JobHandler) GetArtifact(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	artifact, err := h.jobs.Artifact(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get artifact")
		return
	}

	c.JSON(http.StatusOK, dto.FromArtifact(artifact))
}

// GetEntries handles GET /api/v1/jobs/:job_id/entries
func (h *JobHandler) GetEntries(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	entries, err := h.jobs.Entries(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get job entries")
		return
	}

	resp := dto.JobEntriesResponse{JobID: jobID, Entries: make([]dto.LedgerEntryDTO, len(entries))}
	for i := range entries {
		resp.Entries[i] = dto.FromEntry(&entries[i])
		resp.NetAmount += entries[i].SignedAmount
	}

	c.JSON(http.StatusOK, resp)
}

// ExpireStale handles POST /api/v1/admin/jobs/expire
// Fails and refunds jobs whose dispatch was never acknowledged
func (h *JobHandler) ExpireStale(c *gin.Context) {
	var req dto.ExpireJobsRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, h.logger, "Invalid request body", err)
			return
		}
	}

	olderThan := h.stalePendingAfter
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "older_than must be a positive duration",
			})
			return
		}
		olderThan = d
	}
	if olderThan <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "older_than is required",
		})
		return
	}

	limit := req.Limit
	if limit == 0 {
		limit = h.expireBatchSize
	}

	expired, err := h.jobs.ExpireStale(c.Request.Context(), olderThan, limit)
	if err != nil {
		respondError(c, h.logger, err, "Failed to expire stale jobs")
		return
	}

	h.logger.Info("Stale jobs expired",
		slog.Int("expired", expired),
		slog.Duration("older_than", olderThan),
	)

	c.JSON(http.StatusOK, dto.ExpireJobsResponse{
		Expired:   expired,
		OlderThan: olderThan.String(),
	})
}

// jobIDParam validates the job_id path parameter, writing 400 when it is not a UUID
func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

func parseJobState(s string) (domain.JobState, bool) {
	state := domain.JobState(s)
	switch state {
	case domain.JobStatePending, domain.JobStateDispatched, domain.JobStateInProgress,
		domain.JobStateCompleted, domain.JobStateFailed:
		return state, true
	default:
		return "", false
	}
}
