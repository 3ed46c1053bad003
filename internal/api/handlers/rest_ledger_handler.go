package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"stayhive/core/internal/services"
)

// RestLedgerHandler handles REST requests for host finances.
type RestLedgerHandler struct {
	ledgerService services.ILedgerService
}

// NewRestLedgerHandler creates a new RestLedgerHandler.
func NewRestLedgerHandler(ledgerService services.ILedgerService) *RestLedgerHandler {
	return &RestLedgerHandler{ledgerService: ledgerService}
}

// GetMetrics handles GET /v1/host/:id/metrics.
func (h *RestLedgerHandler) GetMetrics(c *gin.Context) {
	hostID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	metrics, err := h.ledgerService.GetMetrics(c.Request.Context(), hostID)
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve host metrics")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metrics":           metrics,
		"available_balance": metrics.AvailableBalance(),
	})
}

// ListEntries handles GET /v1/host/:id/ledger.
func (h *RestLedgerHandler) ListEntries(c *gin.Context) {
	hostID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		limit = 50
	}
	entries, err := h.ledgerService.ListEntries(c.Request.Context(), hostID, limit)
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve ledger entries")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

// RedeemPointsRequest is the payload for POST /v1/host/:id/points/redeem.
type RedeemPointsRequest struct {
	Points int64 `json:"points" binding:"required"`
}

// RedeemPoints handles POST /v1/host/:id/points/redeem.
func (h *RestLedgerHandler) RedeemPoints(c *gin.Context) {
	hostID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	var req RedeemPointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	result, err := h.ledgerService.RedeemPoints(c.Request.Context(), hostID, req.Points)
	if err != nil {
		respondServiceError(c, err, "Failed to redeem points")
		return
	}
	c.JSON(http.StatusOK, result)
}

// WithdrawalRequestPayload is the payload for POST /v1/host/:id/withdrawal.
type WithdrawalRequestPayload struct {
	Amount      float64 `json:"amount" binding:"required"`
	Destination string  `json:"destination" binding:"required"`
}

// RequestWithdrawal handles POST /v1/host/:id/withdrawal.
func (h *RestLedgerHandler) RequestWithdrawal(c *gin.Context) {
	hostID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	var req WithdrawalRequestPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	request, err := h.ledgerService.RequestWithdrawal(c.Request.Context(), hostID, req.Amount, req.Destination)
	if err != nil {
		respondServiceError(c, err, "Failed to request withdrawal")
		return
	}
	c.JSON(http.StatusCreated, request)
}

// ListWithdrawals handles GET /v1/host/:id/withdrawal.
func (h *RestLedgerHandler) ListWithdrawals(c *gin.Context) {
	hostID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	requests, err := h.ledgerService.ListWithdrawals(c.Request.Context(), hostID)
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve withdrawal requests")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": requests})
}
