package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/genjobs/internal/api/dto"
	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/ledger"
	"github.com/cuongbtq/genjobs/internal/pagination"
)

// GetBalance handles GET /api/v1/accounts/:user_id/balance
func (h *AccountHandler) GetBalance(c *gin.Context) {
	userID := c.Param("user_id")

	account, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get balance")
		return
	}

	c.JSON(http.StatusOK, dto.FromAccount(account))
}

// ListEntries handles GET /api/v1/accounts/:user_id/entries
func (h *AccountHandler) ListEntries(c *gin.Context) {
	userID := c.Param("user_id")

	var req dto.ListEntriesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, h.logger, "Invalid query parameters", err)
		return
	}

	cursor, err := pagination.Decode(req.Cursor)
	if err != nil {
		respondError(c, h.logger, err, "Failed to list ledger entries")
		return
	}
	if cursor != nil {
		if _, err := uuid.Parse(cursor.ID); err != nil {
			respondError(c, h.logger, pagination.ErrInvalidCursor, "Failed to list ledger entries")
			return
		}
	}

	pageSize := pagination.ClampPageSize(req.PageSize)
	entries, err := h.ledger.Entries(c.Request.Context(), userID, ledger.EntryFilter{
		PageSize: pageSize,
		Cursor:   cursor,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to list ledger entries")
		return
	}

	hasMore := len(entries) > pageSize
	if hasMore {
		entries = entries[:pageSize]
	}

	resp := dto.ListEntriesResponse{Entries: make([]dto.LedgerEntryDTO, len(entries))}
	for i := range entries {
		resp.Entries[i] = dto.FromEntry(&entries[i])
	}
	if hasMore {
		last := entries[len(entries)-1]
		resp.NextCursor = pagination.Encode(last.CreatedAt, last.ID)
	}

	c.JSON(http.StatusOK, resp)
}

// Reconcile handles GET /api/v1/accounts/:user_id/reconciliation
func (h *AccountHandler) Reconcile(c *gin.Context) {
	userID := c.Param("user_id")

	rec, err := h.ledger.Reconcile(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to reconcile account")
		return
	}

	c.JSON(http.StatusOK, dto.ReconciliationResponse{
		UserID:        rec.UserID,
		Available:     rec.Available,
		TotalConsumed: rec.TotalConsumed,
		EntrySum:      rec.EntrySum,
		EntryCount:    rec.EntryCount,
		Consistent:    rec.Consistent,
	})
}

// GrantCredits handles POST /api/v1/accounts/:user_id/credits
// Called by the payment collaborator after a purchase, or by operators for bonuses
func (h *AccountHandler) GrantCredits(c *gin.Context) {
	userID := c.Param("user_id")

	var req dto.GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, "Invalid request body", err)
		return
	}

	result, err := h.ledger.Grant(c.Request.Context(), ledger.GrantRequest{
		UserID:            userID,
		Kind:              domain.EntryKind(req.Kind),
		Amount:            req.Amount,
		Description:       req.Description,
		Metadata:          req.Metadata,
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to grant credits")
		return
	}

	h.logger.Info("Credits granted",
		slog.String("user_id", userID),
		slog.String("kind", req.Kind),
		slog.Int64("amount", req.Amount),
		slog.Int64("available", result.Account.Available),
	)

	c.JSON(http.StatusCreated, dto.GrantCreditsResponse{
		BalanceResponse: dto.FromAccount(&result.Account),
		Entry:           dto.FromEntry(&result.Entry),
	})
}
