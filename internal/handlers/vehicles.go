package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"seatline/internal/models"
	"seatline/internal/telemetry"
)

// SubmitPosition - POST /api/vehicles/:id/positions
// Принять телеметрию транспортного средства
func (h *Handlers) SubmitPosition(c *gin.Context) {
	var req models.SubmitPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sample := models.PositionSample{
		VehicleID:    c.Param("id"),
		TripID:       req.TripID,
		RouteID:      req.RouteID,
		Latitude:     *req.Latitude,
		Longitude:    *req.Longitude,
		SpeedKmh:     *req.SpeedKmh,
		Status:       req.Status,
		DelayMinutes: req.DelayMinutes,
	}

	d, err := h.positions.SubmitPosition(c.Request.Context(), sample)
	var throttled *telemetry.ThrottledError
	if errors.As(err, &throttled) {
		c.Header("Retry-After", strconv.Itoa(throttled.Event.RetryAfterSeconds))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"type":  models.EventUpdateThrottled,
			"event": throttled.Event,
		})
		return
	}
	if err != nil {
		handleServiceError(c, err, "Failed to submit position")
		return
	}

	c.JSON(http.StatusAccepted, models.SubmitPositionResponse{
		Accepted: true,
		Moving:   d.Class == telemetry.ClassMoving,
		Class:    string(d.Class),
	})
}
