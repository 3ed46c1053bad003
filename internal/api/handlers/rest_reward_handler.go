package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"stayhive/core/internal/services"
)

// RestRewardHandler handles REST requests for coupons and guest rewards.
type RestRewardHandler struct {
	rewardService services.IRewardService
}

// NewRestRewardHandler creates a new RestRewardHandler.
func NewRestRewardHandler(rewardService services.IRewardService) *RestRewardHandler {
	return &RestRewardHandler{rewardService: rewardService}
}

// CreateCouponRequest is the payload for POST /v1/host/:id/coupon.
type CreateCouponRequest struct {
	Code            string    `json:"code" binding:"required"`
	DiscountPercent float64   `json:"discount_percent" binding:"required"`
	MinBookings     int64     `json:"min_bookings"`
	MaxUses         int64     `json:"max_uses"`
	ValidUntil      time.Time `json:"valid_until" binding:"required"`
}

// CreateCoupon handles POST /v1/host/:id/coupon.
func (h *RestRewardHandler) CreateCoupon(c *gin.Context) {
	hostID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	var req CreateCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	coupon, err := h.rewardService.CreateCoupon(c.Request.Context(), hostID, req.Code, req.DiscountPercent, req.MinBookings, req.MaxUses, req.ValidUntil)
	if err != nil {
		respondServiceError(c, err, "Failed to create coupon")
		return
	}
	c.JSON(http.StatusCreated, coupon)
}

// ListCoupons handles GET /v1/host/:id/coupon.
func (h *RestRewardHandler) ListCoupons(c *gin.Context) {
	hostID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	coupons, err := h.rewardService.ListCoupons(c.Request.Context(), hostID)
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve coupons")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": coupons})
}

// DeactivateCoupon handles DELETE /v1/host/:id/coupon/:coupon_id.
func (h *RestRewardHandler) DeactivateCoupon(c *gin.Context) {
	hostID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	couponID, ok := parseObjectID(c, "coupon_id")
	if !ok {
		return
	}
	if err := h.rewardService.DeactivateCoupon(c.Request.Context(), couponID, hostID); err != nil {
		respondServiceError(c, err, "Failed to deactivate coupon")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListRewards handles GET /v1/guest/:id/reward.
func (h *RestRewardHandler) ListRewards(c *gin.Context) {
	guestID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	rewards, err := h.rewardService.ListRewards(c.Request.Context(), guestID)
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve rewards")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rewards})
}
