package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"seatline/internal/models"
)

// ConfirmBooking - POST /api/bookings
// Подтвердить бронь по удержанию и оплате
func (h *Handlers) ConfirmBooking(c *gin.Context) {
	var req models.ConfirmBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	userID, _ := identity(c)
	ticket, err := h.bookings.FinalizeBooking(c.Request.Context(), req.LockID, userID, req.PaymentProof)
	if err != nil {
		handleServiceError(c, err, "Failed to confirm booking")
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

// CancelBooking - PATCH /api/bookings/:id/cancel
// Отменить свой билет и вернуть место
func (h *Handlers) CancelBooking(c *gin.Context) {
	userID, _ := identity(c)
	ticket, err := h.bookings.CancelBooking(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		handleServiceError(c, err, "Failed to cancel booking")
		return
	}
	c.JSON(http.StatusOK, ticket)
}
