package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"stayhive/core/internal/services"
)

// RestAdminHandler handles the admin endpoints: policy configuration and
// on-demand reconciliation.
type RestAdminHandler struct {
	configService    services.IConfigService
	reconcileService services.IReconcileService
}

// NewRestAdminHandler creates a new RestAdminHandler.
func NewRestAdminHandler(configService services.IConfigService, reconcileService services.IReconcileService) *RestAdminHandler {
	return &RestAdminHandler{configService: configService, reconcileService: reconcileService}
}

// SetConfigRequest is the payload for POST /v1/admin/config.
type SetConfigRequest struct {
	Key   string      `json:"key" binding:"required"`
	Value interface{} `json:"value" binding:"required"`
}

// SetConfig handles POST /v1/admin/config. The new value is persisted and a
// reload notification fans out to every running instance.
func (h *RestAdminHandler) SetConfig(c *gin.Context) {
	var req SetConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	if err := h.configService.SetConfigValue(c.Request.Context(), req.Key, req.Value); err != nil {
		respondServiceError(c, err, "Failed to update configuration")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ReconcileHost handles POST /v1/admin/reconcile/:id for a single host.
func (h *RestAdminHandler) ReconcileHost(c *gin.Context) {
	hostID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	report, err := h.reconcileService.Reconcile(c.Request.Context(), hostID)
	if err != nil {
		respondServiceError(c, err, "Failed to reconcile host")
		return
	}
	c.JSON(http.StatusOK, report)
}

// ReconcileAll handles POST /v1/admin/reconcile.
func (h *RestAdminHandler) ReconcileAll(c *gin.Context) {
	reports, err := h.reconcileService.ReconcileAll(c.Request.Context())
	if err != nil {
		respondServiceError(c, err, "Failed to run reconciliation pass")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": reports})
}
