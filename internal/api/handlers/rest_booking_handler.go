package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"stayhive/core/internal/services"
)

// RestBookingHandler handles REST requests for the booking lifecycle.
type RestBookingHandler struct {
	bookingService services.IBookingService
}

// NewRestBookingHandler creates a new RestBookingHandler.
func NewRestBookingHandler(bookingService services.IBookingService) *RestBookingHandler {
	return &RestBookingHandler{bookingService: bookingService}
}

// CreateBookingRequest is the payload for POST /v1/booking.
type CreateBookingRequest struct {
	ListingID string    `json:"listing_id" binding:"required"`
	HostID    string    `json:"host_id" binding:"required"`
	GuestID   string    `json:"guest_id" binding:"required"`
	CheckIn   time.Time `json:"check_in" binding:"required"`
	CheckOut  time.Time `json:"check_out" binding:"required"`
	Total     float64   `json:"total" binding:"required"`
	Notes     string    `json:"notes"`
}

// CreateBooking handles POST /v1/booking.
func (h *RestBookingHandler) CreateBooking(c *gin.Context) {
	var req CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}

	ids := make([]primitive.ObjectID, 3)
	for i, hex := range []string{req.ListingID, req.HostID, req.GuestID} {
		id, err := primitive.ObjectIDFromHex(hex)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID format in request"})
			return
		}
		ids[i] = id
	}

	booking, err := h.bookingService.CreateBooking(c.Request.Context(), ids[0], ids[1], ids[2], req.CheckIn, req.CheckOut, req.Total, req.Notes)
	if err != nil {
		respondServiceError(c, err, "Failed to create booking")
		return
	}
	c.JSON(http.StatusCreated, booking)
}

// GetBooking handles GET /v1/booking/:id.
func (h *RestBookingHandler) GetBooking(c *gin.Context) {
	bookingID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	booking, err := h.bookingService.FindBookingByID(c.Request.Context(), bookingID)
	if err != nil {
		respondServiceError(c, err, "Failed to retrieve booking")
		return
	}
	c.JSON(http.StatusOK, booking)
}

// Approve handles POST /v1/booking/:id/approve.
func (h *RestBookingHandler) Approve(c *gin.Context) {
	bookingID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	result, err := h.bookingService.Approve(c.Request.Context(), bookingID)
	if err != nil {
		respondServiceError(c, err, "Failed to approve booking")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Decline handles POST /v1/booking/:id/decline.
func (h *RestBookingHandler) Decline(c *gin.Context) {
	bookingID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	result, err := h.bookingService.Decline(c.Request.Context(), bookingID)
	if err != nil {
		respondServiceError(c, err, "Failed to decline booking")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Cancel handles POST /v1/booking/:id/cancel.
func (h *RestBookingHandler) Cancel(c *gin.Context) {
	bookingID, ok := parseObjectID(c, "id")
	if !ok {
		return
	}
	result, err := h.bookingService.CancelByGuest(c.Request.Context(), bookingID)
	if err != nil {
		respondServiceError(c, err, "Failed to cancel booking")
		return
	}
	c.JSON(http.StatusOK, result)
}
