package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"seatline/internal/models"
	"seatline/internal/seatlock"
)

// AcquireLock - POST /api/locks
// Удержать место на рейсе
func (h *Handlers) AcquireLock(c *gin.Context) {
	var req models.AcquireLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	userID, sessionID := identity(c)
	lock, err := h.locks.AcquireLock(c.Request.Context(), seatlock.AcquireRequest{
		TripID:     req.TripID,
		SeatNumber: req.SeatNumber,
		UserID:     userID,
		SessionID:  sessionID,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		handleServiceError(c, err, "Failed to lock seat")
		return
	}

	c.JSON(http.StatusCreated, lock)
}

// ReleaseLock - DELETE /api/locks/:id
// Освободить удержание; повторный вызов успешен
func (h *Handlers) ReleaseLock(c *gin.Context) {
	userID, _ := identity(c)
	if err := h.locks.ReleaseLock(c.Request.Context(), c.Param("id"), userID); err != nil {
		handleServiceError(c, err, "Failed to release seat lock")
		return
	}
	c.Status(http.StatusNoContent)
}

// ReleaseLockByToken - POST /api/locks/release
// Освободить место по токену удержания
func (h *Handlers) ReleaseLockByToken(c *gin.Context) {
	var req models.ReleaseByTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.locks.ReleaseLockByToken(c.Request.Context(), req.TripID, req.SeatNumber, req.Token); err != nil {
		handleServiceError(c, err, "Failed to release seat lock")
		return
	}
	c.Status(http.StatusNoContent)
}

// ReleaseSession - POST /api/sessions/release
// Освободить все удержания текущей сессии (выход, уход со страницы)
func (h *Handlers) ReleaseSession(c *gin.Context) {
	userID, sessionID := identity(c)
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Session-ID header is required"})
		return
	}

	n, err := h.locks.ReleaseAllLocksForSession(c.Request.Context(), userID, sessionID)
	if err != nil {
		handleServiceError(c, err, "Failed to release session locks")
		return
	}
	c.JSON(http.StatusOK, models.ReleaseSessionResponse{Released: n})
}

// GetAvailability - GET /api/trips/:id/availability
// Получить текущее количество мест
func (h *Handlers) GetAvailability(c *gin.Context) {
	a, err := h.inventory.Availability(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleServiceError(c, err, "Failed to get availability")
		return
	}
	c.JSON(http.StatusOK, a)
}
