package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/genjobs/internal/api/dto"
)

const maxWebhookBodyBytes = 1 << 20

// Generation handles POST /api/v1/webhooks/generation
// Duplicates and dropped progress are acknowledged with 200 so the sender stops retrying
func (h *WebhookHandler) Generation(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)

	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "payload too large",
			})
			return
		}
		badRequest(c, h.logger, "Failed to read request body", err)
		return
	}

	outcome, err := h.ingestor.IngestPayload(c.Request.Context(), body)
	if err != nil {
		respondError(c, h.logger, err, "Failed to process webhook")
		return
	}

	status := dto.WebhookApplied
	switch {
	case outcome.Duplicate:
		status = dto.WebhookDuplicate
	case !outcome.Applied:
		status = dto.WebhookIgnored
	}

	h.logger.Debug("Webhook acknowledged",
		slog.String("external_job_id", outcome.ExternalJobID),
		slog.String("status", status),
	)

	c.JSON(http.StatusOK, dto.WebhookAckResponse{
		Status:        status,
		ExternalJobID: outcome.ExternalJobID,
		JobID:         outcome.JobID,
		State:         string(outcome.State),
	})
}
