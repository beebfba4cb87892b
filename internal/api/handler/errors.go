package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/pagination"
	"github.com/cuongbtq/genjobs/internal/webhook"
)

// respondError maps service errors onto HTTP statuses. Anything unrecognized
// is logged and answered with 500 and fallback.
func respondError(c *gin.Context, logger *slog.Logger, err error, fallback string) {
	var insufficient *domain.InsufficientCreditsError
	var rejected *domain.DispatchRejectedError
	var invalid *domain.MaterializationInvalidError

	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient credits",
			"available": insufficient.Available,
			"required":  insufficient.Required,
		})
	case errors.As(err, &rejected):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  "generation service rejected the job",
			"job_id": rejected.JobID,
		})
	case errors.As(err, &invalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": invalid.Error(),
		})
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrArtifactNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
		})
	case errors.Is(err, domain.ErrUnknownJobKind),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidProgress),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidCursor),
		errors.Is(err, webhook.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
	default:
		logger.Error(fallback, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fallback,
		})
	}
}

func badRequest(c *gin.Context, logger *slog.Logger, msg string, err error) {
	logger.Warn(msg, slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, gin.H{
		"error": msg,
		"cause": err.Error(),
	})
}
